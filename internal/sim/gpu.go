package sim

import (
	"fmt"
	"image"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

type gpuResource struct {
	width   uint32
	height  uint32
	format  uint32
	backing []virtio.GPUMemEntry
	pixels  []byte
}

// GPU is a 2D virtio-gpu model with a single scanout.
type GPU struct {
	width  uint32
	height uint32

	resources map[uint32]*gpuResource
	scanout   uint32
	frame     []byte

	// Flushes counts RESOURCE_FLUSH commands that hit the scanout.
	Flushes int
	// Commands records every command type in order.
	Commands []uint32
}

func newGPU(width, height uint32) *GPU {
	g := &GPU{width: width, height: height}
	g.OnReset()
	return g
}

func (g *GPU) DeviceType() virtio.DeviceType { return virtio.DeviceTypeGPU }
func (g *GPU) Features() uint64              { return 0 }
func (g *GPU) QueueMaxSizes() []uint16       { return []uint16{64, 16} }

// Config space: events_read, events_clear, num_scanouts, num_capsets.
func (g *GPU) ReadConfig(off uint64) uint8 {
	if off == 8 {
		return 1
	}
	return 0
}

func (g *GPU) WriteConfig(uint64, uint8) {}

func (g *GPU) OnReset() {
	g.resources = make(map[uint32]*gpuResource)
	g.scanout = 0
	g.frame = nil
}

func (g *GPU) OnNotify(d *mmioDevice, queue int) error {
	q := d.queue(queue)
	if q == nil {
		return fmt.Errorf("gpu: notify for unknown queue %d", queue)
	}
	for {
		head, ok, err := q.nextAvailable()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		chain, err := q.readChain(head)
		if err != nil {
			return err
		}
		req, err := q.gather(chain)
		if err != nil {
			return err
		}
		resp := g.handle(q, req)
		n, err := q.scatter(chain, resp)
		if err != nil {
			return err
		}
		if err := q.putUsed(head, n); err != nil {
			return err
		}
	}
}

func nodata(typ uint32) []byte {
	resp := make([]byte, virtio.GPUCtrlHdrSize)
	virtio.GPUCtrlHdr{Type: typ}.Encode(resp)
	return resp
}

func (g *GPU) handle(q *virtQueue, req []byte) []byte {
	if len(req) < virtio.GPUCtrlHdrSize {
		return nodata(virtio.VIRTIO_GPU_RESP_ERR_UNSPEC)
	}
	hdr := virtio.ParseGPUCtrlHdr(req)
	g.Commands = append(g.Commands, hdr.Type)

	need := map[uint32]int{
		virtio.VIRTIO_GPU_CMD_RESOURCE_CREATE_2D:      virtio.GPUResourceCreate2Size,
		virtio.VIRTIO_GPU_CMD_RESOURCE_ATTACH_BACKING: virtio.GPUAttachBackingSize,
		virtio.VIRTIO_GPU_CMD_SET_SCANOUT:             virtio.GPUSetScanoutSize,
		virtio.VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D:     virtio.GPUTransferToHostSize,
		virtio.VIRTIO_GPU_CMD_RESOURCE_FLUSH:          virtio.GPUResourceFlushSize,
	}
	if n, ok := need[hdr.Type]; ok && len(req) < n {
		return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_PARAMETER)
	}

	switch hdr.Type {
	case virtio.VIRTIO_GPU_CMD_GET_DISPLAY_INFO:
		resp := make([]byte, virtio.GPUDisplayInfoSize)
		virtio.EncodeGPUDisplayInfo(resp, []virtio.GPUDisplayOne{{
			Rect:    virtio.GPURect{Width: g.width, Height: g.height},
			Enabled: true,
		}})
		return resp

	case virtio.VIRTIO_GPU_CMD_RESOURCE_CREATE_2D:
		c := virtio.ParseGPUResourceCreate2D(req)
		if c.ResourceID == 0 || g.resources[c.ResourceID] != nil {
			return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
		}
		if c.Format != virtio.VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM || c.Width == 0 || c.Height == 0 {
			return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_PARAMETER)
		}
		g.resources[c.ResourceID] = &gpuResource{
			width:  c.Width,
			height: c.Height,
			format: c.Format,
			pixels: make([]byte, int(c.Width)*int(c.Height)*4),
		}
		return nodata(virtio.VIRTIO_GPU_RESP_OK_NODATA)

	case virtio.VIRTIO_GPU_CMD_RESOURCE_ATTACH_BACKING:
		c := virtio.ParseGPUAttachBacking(req)
		res := g.resources[c.ResourceID]
		if res == nil {
			return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
		}
		res.backing = c.Entries
		return nodata(virtio.VIRTIO_GPU_RESP_OK_NODATA)

	case virtio.VIRTIO_GPU_CMD_SET_SCANOUT:
		c := virtio.ParseGPUSetScanout(req)
		if c.ScanoutID != 0 {
			return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_SCANOUT_ID)
		}
		if c.ResourceID != 0 && g.resources[c.ResourceID] == nil {
			return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
		}
		g.scanout = c.ResourceID
		return nodata(virtio.VIRTIO_GPU_RESP_OK_NODATA)

	case virtio.VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D:
		c := virtio.ParseGPUTransferToHost2D(req)
		res := g.resources[c.ResourceID]
		if res == nil {
			return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
		}
		if err := g.transfer(q, res, c); err != nil {
			return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_PARAMETER)
		}
		return nodata(virtio.VIRTIO_GPU_RESP_OK_NODATA)

	case virtio.VIRTIO_GPU_CMD_RESOURCE_FLUSH:
		c := virtio.ParseGPUResourceFlush(req)
		res := g.resources[c.ResourceID]
		if res == nil {
			return nodata(virtio.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
		}
		if c.ResourceID == g.scanout {
			g.frame = append(g.frame[:0], res.pixels...)
			g.Flushes++
		}
		return nodata(virtio.VIRTIO_GPU_RESP_OK_NODATA)
	}
	return nodata(virtio.VIRTIO_GPU_RESP_ERR_UNSPEC)
}

// transfer copies rect rows from guest backing memory into the resource.
// Row h of the rect is read from backing offset Offset + h*stride.
func (g *GPU) transfer(q *virtQueue, res *gpuResource, c virtio.GPUTransferToHost2D) error {
	r := c.Rect
	if r.X+r.Width > res.width || r.Y+r.Height > res.height || r.X+r.Width < r.X || r.Y+r.Height < r.Y {
		return fmt.Errorf("rect out of bounds")
	}
	stride := uint64(res.width) * 4
	rowBytes := uint64(r.Width) * 4
	row := make([]byte, rowBytes)
	for h := uint64(0); h < uint64(r.Height); h++ {
		src := c.Offset + h*stride
		if err := g.readBacking(q, res, src, row); err != nil {
			return err
		}
		dst := (uint64(r.Y)+h)*stride + uint64(r.X)*4
		copy(res.pixels[dst:dst+rowBytes], row)
	}
	return nil
}

func (g *GPU) readBacking(q *virtQueue, res *gpuResource, off uint64, out []byte) error {
	for _, e := range res.backing {
		if len(out) == 0 {
			return nil
		}
		if off >= uint64(e.Length) {
			off -= uint64(e.Length)
			continue
		}
		n := min(uint64(e.Length)-off, uint64(len(out)))
		b, err := q.ram.Slice(e.Addr+off, n)
		if err != nil {
			return err
		}
		copy(out, b)
		out = out[n:]
		off = 0
	}
	if len(out) != 0 {
		return fmt.Errorf("transfer beyond backing")
	}
	return nil
}

// Frame returns the last flushed scanout contents as RGBA, or nil if nothing
// was presented.
func (g *GPU) Frame() *image.RGBA {
	res := g.resources[g.scanout]
	if res == nil || g.frame == nil {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, int(res.width), int(res.height)))
	for i := 0; i+3 < len(g.frame); i += 4 {
		// B8G8R8A8 -> RGBA
		img.Pix[i+0] = g.frame[i+2]
		img.Pix[i+1] = g.frame[i+1]
		img.Pix[i+2] = g.frame[i+0]
		img.Pix[i+3] = 255
	}
	return img
}
