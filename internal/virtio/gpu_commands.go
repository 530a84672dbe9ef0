package virtio

import "encoding/binary"

// Virtio GPU command types
const (
	VIRTIO_GPU_CMD_GET_DISPLAY_INFO        = 0x0100
	VIRTIO_GPU_CMD_RESOURCE_CREATE_2D      = 0x0101
	VIRTIO_GPU_CMD_RESOURCE_UNREF          = 0x0102
	VIRTIO_GPU_CMD_SET_SCANOUT             = 0x0103
	VIRTIO_GPU_CMD_RESOURCE_FLUSH          = 0x0104
	VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D     = 0x0105
	VIRTIO_GPU_CMD_RESOURCE_ATTACH_BACKING = 0x0106
	VIRTIO_GPU_CMD_RESOURCE_DETACH_BACKING = 0x0107

	// Response types
	VIRTIO_GPU_RESP_OK_NODATA       = 0x1100
	VIRTIO_GPU_RESP_OK_DISPLAY_INFO = 0x1101

	VIRTIO_GPU_RESP_ERR_UNSPEC              = 0x1200
	VIRTIO_GPU_RESP_ERR_OUT_OF_MEMORY       = 0x1201
	VIRTIO_GPU_RESP_ERR_INVALID_SCANOUT_ID  = 0x1202
	VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID = 0x1203
	VIRTIO_GPU_RESP_ERR_INVALID_CONTEXT_ID  = 0x1204
	VIRTIO_GPU_RESP_ERR_INVALID_PARAMETER   = 0x1205
)

// VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM stores pixels as [B, G, R, A] bytes.
const VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM = 1

const VIRTIO_GPU_MAX_SCANOUTS = 16

// Wire sizes of the structures below.
const (
	GPUCtrlHdrSize         = 24
	GPURectSize            = 16
	GPUDisplayOneSize      = GPURectSize + 8
	GPUDisplayInfoSize     = GPUCtrlHdrSize + VIRTIO_GPU_MAX_SCANOUTS*GPUDisplayOneSize
	GPUResourceCreate2Size = GPUCtrlHdrSize + 16
	GPUAttachBackingSize   = GPUCtrlHdrSize + 8
	GPUMemEntrySize        = 16
	GPUSetScanoutSize      = GPUCtrlHdrSize + GPURectSize + 8
	GPUTransferToHostSize  = GPUCtrlHdrSize + GPURectSize + 16
	GPUResourceFlushSize   = GPUCtrlHdrSize + GPURectSize + 8
)

// GPUCtrlHdr is the common header of every control command and response.
type GPUCtrlHdr struct {
	Type    uint32
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	RingIdx uint8
}

func ParseGPUCtrlHdr(data []byte) GPUCtrlHdr {
	return GPUCtrlHdr{
		Type:    binary.LittleEndian.Uint32(data[0:4]),
		Flags:   binary.LittleEndian.Uint32(data[4:8]),
		FenceID: binary.LittleEndian.Uint64(data[8:16]),
		CtxID:   binary.LittleEndian.Uint32(data[16:20]),
		RingIdx: data[20],
	}
}

func (h GPUCtrlHdr) Encode(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], h.Type)
	binary.LittleEndian.PutUint32(data[4:8], h.Flags)
	binary.LittleEndian.PutUint64(data[8:16], h.FenceID)
	binary.LittleEndian.PutUint32(data[16:20], h.CtxID)
	data[20] = h.RingIdx
	data[21] = 0
	data[22] = 0
	data[23] = 0
}

// GPURect is a rectangle in resource coordinates.
type GPURect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

func ParseGPURect(data []byte) GPURect {
	return GPURect{
		X:      binary.LittleEndian.Uint32(data[0:4]),
		Y:      binary.LittleEndian.Uint32(data[4:8]),
		Width:  binary.LittleEndian.Uint32(data[8:12]),
		Height: binary.LittleEndian.Uint32(data[12:16]),
	}
}

func (r GPURect) Encode(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], r.X)
	binary.LittleEndian.PutUint32(data[4:8], r.Y)
	binary.LittleEndian.PutUint32(data[8:12], r.Width)
	binary.LittleEndian.PutUint32(data[12:16], r.Height)
}

// GPUDisplayOne describes one scanout in a display info response.
type GPUDisplayOne struct {
	Rect    GPURect
	Enabled bool
	Flags   uint32
}

// ParseGPUDisplayInfo decodes the scanouts of a display info response,
// header included.
func ParseGPUDisplayInfo(data []byte) []GPUDisplayOne {
	out := make([]GPUDisplayOne, VIRTIO_GPU_MAX_SCANOUTS)
	for i := range out {
		off := GPUCtrlHdrSize + i*GPUDisplayOneSize
		out[i] = GPUDisplayOne{
			Rect:    ParseGPURect(data[off:]),
			Enabled: binary.LittleEndian.Uint32(data[off+16:]) != 0,
			Flags:   binary.LittleEndian.Uint32(data[off+20:]),
		}
	}
	return out
}

// EncodeGPUDisplayInfo is the device side of ParseGPUDisplayInfo.
func EncodeGPUDisplayInfo(data []byte, displays []GPUDisplayOne) {
	GPUCtrlHdr{Type: VIRTIO_GPU_RESP_OK_DISPLAY_INFO}.Encode(data)
	for i, d := range displays {
		if i == VIRTIO_GPU_MAX_SCANOUTS {
			break
		}
		off := GPUCtrlHdrSize + i*GPUDisplayOneSize
		d.Rect.Encode(data[off:])
		var enabled uint32
		if d.Enabled {
			enabled = 1
		}
		binary.LittleEndian.PutUint32(data[off+16:], enabled)
		binary.LittleEndian.PutUint32(data[off+20:], d.Flags)
	}
}

// GPUResourceCreate2D creates a host resource.
type GPUResourceCreate2D struct {
	ResourceID uint32
	Format     uint32
	Width      uint32
	Height     uint32
}

func (c GPUResourceCreate2D) Encode(data []byte) {
	GPUCtrlHdr{Type: VIRTIO_GPU_CMD_RESOURCE_CREATE_2D}.Encode(data)
	binary.LittleEndian.PutUint32(data[24:], c.ResourceID)
	binary.LittleEndian.PutUint32(data[28:], c.Format)
	binary.LittleEndian.PutUint32(data[32:], c.Width)
	binary.LittleEndian.PutUint32(data[36:], c.Height)
}

func ParseGPUResourceCreate2D(data []byte) GPUResourceCreate2D {
	return GPUResourceCreate2D{
		ResourceID: binary.LittleEndian.Uint32(data[24:]),
		Format:     binary.LittleEndian.Uint32(data[28:]),
		Width:      binary.LittleEndian.Uint32(data[32:]),
		Height:     binary.LittleEndian.Uint32(data[36:]),
	}
}

// GPUMemEntry is one guest memory range backing a resource.
type GPUMemEntry struct {
	Addr   uint64
	Length uint32
}

// GPUAttachBacking attaches guest memory to a resource. The entries follow
// the fixed part on the wire.
type GPUAttachBacking struct {
	ResourceID uint32
	Entries    []GPUMemEntry
}

func (c GPUAttachBacking) Size() int {
	return GPUAttachBackingSize + len(c.Entries)*GPUMemEntrySize
}

func (c GPUAttachBacking) Encode(data []byte) {
	GPUCtrlHdr{Type: VIRTIO_GPU_CMD_RESOURCE_ATTACH_BACKING}.Encode(data)
	binary.LittleEndian.PutUint32(data[24:], c.ResourceID)
	binary.LittleEndian.PutUint32(data[28:], uint32(len(c.Entries)))
	for i, e := range c.Entries {
		off := GPUAttachBackingSize + i*GPUMemEntrySize
		binary.LittleEndian.PutUint64(data[off:], e.Addr)
		binary.LittleEndian.PutUint32(data[off+8:], e.Length)
		binary.LittleEndian.PutUint32(data[off+12:], 0)
	}
}

// ParseGPUAttachBacking decodes the fixed part and as many entries as data
// holds.
func ParseGPUAttachBacking(data []byte) GPUAttachBacking {
	c := GPUAttachBacking{ResourceID: binary.LittleEndian.Uint32(data[24:])}
	n := int(binary.LittleEndian.Uint32(data[28:]))
	for i := 0; i < n; i++ {
		off := GPUAttachBackingSize + i*GPUMemEntrySize
		if off+GPUMemEntrySize > len(data) {
			break
		}
		c.Entries = append(c.Entries, GPUMemEntry{
			Addr:   binary.LittleEndian.Uint64(data[off:]),
			Length: binary.LittleEndian.Uint32(data[off+8:]),
		})
	}
	return c
}

// GPUSetScanout binds a resource to a scanout.
type GPUSetScanout struct {
	Rect       GPURect
	ScanoutID  uint32
	ResourceID uint32
}

func (c GPUSetScanout) Encode(data []byte) {
	GPUCtrlHdr{Type: VIRTIO_GPU_CMD_SET_SCANOUT}.Encode(data)
	c.Rect.Encode(data[24:])
	binary.LittleEndian.PutUint32(data[40:], c.ScanoutID)
	binary.LittleEndian.PutUint32(data[44:], c.ResourceID)
}

func ParseGPUSetScanout(data []byte) GPUSetScanout {
	return GPUSetScanout{
		Rect:       ParseGPURect(data[24:]),
		ScanoutID:  binary.LittleEndian.Uint32(data[40:]),
		ResourceID: binary.LittleEndian.Uint32(data[44:]),
	}
}

// GPUTransferToHost2D copies guest backing memory into the host resource.
type GPUTransferToHost2D struct {
	Rect       GPURect
	Offset     uint64
	ResourceID uint32
}

func (c GPUTransferToHost2D) Encode(data []byte) {
	GPUCtrlHdr{Type: VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D}.Encode(data)
	c.Rect.Encode(data[24:])
	binary.LittleEndian.PutUint64(data[40:], c.Offset)
	binary.LittleEndian.PutUint32(data[48:], c.ResourceID)
	binary.LittleEndian.PutUint32(data[52:], 0)
}

func ParseGPUTransferToHost2D(data []byte) GPUTransferToHost2D {
	return GPUTransferToHost2D{
		Rect:       ParseGPURect(data[24:]),
		Offset:     binary.LittleEndian.Uint64(data[40:]),
		ResourceID: binary.LittleEndian.Uint32(data[48:]),
	}
}

// GPUResourceFlush presents a region of a resource.
type GPUResourceFlush struct {
	Rect       GPURect
	ResourceID uint32
}

func (c GPUResourceFlush) Encode(data []byte) {
	GPUCtrlHdr{Type: VIRTIO_GPU_CMD_RESOURCE_FLUSH}.Encode(data)
	c.Rect.Encode(data[24:])
	binary.LittleEndian.PutUint32(data[40:], c.ResourceID)
	binary.LittleEndian.PutUint32(data[44:], 0)
}

func ParseGPUResourceFlush(data []byte) GPUResourceFlush {
	return GPUResourceFlush{
		Rect:       ParseGPURect(data[24:]),
		ResourceID: binary.LittleEndian.Uint32(data[40:]),
	}
}
