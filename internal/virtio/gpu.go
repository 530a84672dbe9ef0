package virtio

import (
	"fmt"

	"github.com/tinyrange/dtprobe/internal/hw"
)

const (
	gpuQueueSize  = 2
	gpuResourceID = 0xbabe
	gpuScanoutID  = 0
	gpuBufferSize = PageSize
)

// GPU is a virtio-gpu driver limited to a single 2D scanout.
type GPU struct {
	t       Transport
	alloc   hw.Allocator
	control *Queue

	req  *hw.DMABuffer
	resp *hw.DMABuffer

	width  uint32
	height uint32
	fb     *hw.DMABuffer
}

// NewGPU initialises the gpu device behind t.
func NewGPU(t Transport, alloc hw.Allocator) (*GPU, error) {
	if t.DeviceType() != DeviceTypeGPU {
		return nil, fmt.Errorf("%w: %s is not a gpu", ErrWrongDeviceType, t.DeviceType())
	}
	if _, err := initDevice(t, 0); err != nil {
		return nil, err
	}
	q, err := NewQueue(t, alloc, 0, gpuQueueSize)
	if err != nil {
		failInit(t)
		return nil, err
	}
	req, err := alloc.Alloc(gpuBufferSize, PageSize)
	if err != nil {
		failInit(t)
		return nil, err
	}
	resp, err := alloc.Alloc(gpuBufferSize, PageSize)
	if err != nil {
		failInit(t)
		return nil, err
	}
	finishInit(t)
	return &GPU{t: t, alloc: alloc, control: q, req: req, resp: resp}, nil
}

// command sends the first n request bytes and checks the response type.
func (g *GPU) command(n int, wantResp uint32) error {
	clear(g.resp.Bytes)
	_, err := g.control.Submit(
		Segment{Phys: g.req.Phys, Len: uint32(n)},
		Out(g.resp),
	)
	if err != nil {
		return err
	}
	hdr := ParseGPUCtrlHdr(g.resp.Bytes)
	if hdr.Type != wantResp {
		cmd := ParseGPUCtrlHdr(g.req.Bytes).Type
		return fmt.Errorf("virtio-gpu: command %#x answered with %#x, want %#x", cmd, hdr.Type, wantResp)
	}
	return nil
}

// Resolution returns the size of the first scanout.
func (g *GPU) Resolution() (uint32, uint32, error) {
	clear(g.req.Bytes[:GPUCtrlHdrSize])
	GPUCtrlHdr{Type: VIRTIO_GPU_CMD_GET_DISPLAY_INFO}.Encode(g.req.Bytes)
	if err := g.command(GPUCtrlHdrSize, VIRTIO_GPU_RESP_OK_DISPLAY_INFO); err != nil {
		return 0, 0, err
	}
	rect := ParseGPUDisplayInfo(g.resp.Bytes)[gpuScanoutID].Rect
	g.width, g.height = rect.Width, rect.Height
	return rect.Width, rect.Height, nil
}

// SetupFramebuffer creates a B8G8R8A8 resource the size of the scanout,
// backs it with DMA memory and binds it. The returned slice is the pixel
// memory, 4 bytes per pixel, row-major.
func (g *GPU) SetupFramebuffer() ([]byte, error) {
	if g.fb != nil {
		return g.fb.Bytes, nil
	}
	w, h, err := g.Resolution()
	if err != nil {
		return nil, err
	}
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("virtio-gpu: scanout %d has no mode", gpuScanoutID)
	}

	GPUResourceCreate2D{
		ResourceID: gpuResourceID,
		Format:     VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM,
		Width:      w,
		Height:     h,
	}.Encode(g.req.Bytes)
	if err := g.command(GPUResourceCreate2Size, VIRTIO_GPU_RESP_OK_NODATA); err != nil {
		return nil, err
	}

	fb, err := g.alloc.Alloc(uint64(w)*uint64(h)*4, PageSize)
	if err != nil {
		return nil, err
	}

	attach := GPUAttachBacking{
		ResourceID: gpuResourceID,
		Entries:    []GPUMemEntry{{Addr: fb.Phys, Length: uint32(len(fb.Bytes))}},
	}
	attach.Encode(g.req.Bytes)
	if err := g.command(attach.Size(), VIRTIO_GPU_RESP_OK_NODATA); err != nil {
		return nil, err
	}

	GPUSetScanout{
		Rect:       GPURect{Width: w, Height: h},
		ScanoutID:  gpuScanoutID,
		ResourceID: gpuResourceID,
	}.Encode(g.req.Bytes)
	if err := g.command(GPUSetScanoutSize, VIRTIO_GPU_RESP_OK_NODATA); err != nil {
		return nil, err
	}

	g.fb = fb
	return fb.Bytes, nil
}

// Flush transfers the framebuffer to the host and presents it.
func (g *GPU) Flush() error {
	if g.fb == nil {
		return fmt.Errorf("virtio-gpu: flush before framebuffer setup")
	}
	rect := GPURect{Width: g.width, Height: g.height}

	GPUTransferToHost2D{Rect: rect, ResourceID: gpuResourceID}.Encode(g.req.Bytes)
	if err := g.command(GPUTransferToHostSize, VIRTIO_GPU_RESP_OK_NODATA); err != nil {
		return err
	}
	GPUResourceFlush{Rect: rect, ResourceID: gpuResourceID}.Encode(g.req.Bytes)
	return g.command(GPUResourceFlushSize, VIRTIO_GPU_RESP_OK_NODATA)
}
