package virtio

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tinyrange/dtprobe/internal/hw"
)

// Block request types
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8
)

// Block request status values
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Block feature bits
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2
	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

const (
	// SectorSize is the unit of block addressing.
	SectorSize = 512

	blkReqHeaderSize = 16
	blkIDSize        = 20
	blkQueueSize     = 16

	blkSupportedFeatures = VIRTIO_BLK_F_RO | VIRTIO_BLK_F_FLUSH
)

// Blk is a virtio block driver. Requests are synchronous.
type Blk struct {
	t        Transport
	alloc    hw.Allocator
	queue    *Queue
	features uint64
	capacity uint64
}

// NewBlk initialises the block device behind t.
func NewBlk(t Transport, alloc hw.Allocator) (*Blk, error) {
	if t.DeviceType() != DeviceTypeBlock {
		return nil, fmt.Errorf("%w: %s is not a block device", ErrWrongDeviceType, t.DeviceType())
	}
	features, err := initDevice(t, blkSupportedFeatures)
	if err != nil {
		return nil, err
	}
	q, err := NewQueue(t, alloc, 0, blkQueueSize)
	if err != nil {
		failInit(t)
		return nil, err
	}
	b := &Blk{
		t:        t,
		alloc:    alloc,
		queue:    q,
		features: features,
		capacity: readConfig64(t, 0),
	}
	finishInit(t)
	return b, nil
}

// Capacity returns the device size in sectors.
func (b *Blk) Capacity() uint64 { return b.capacity }

// ReadOnly reports whether the device rejects writes.
func (b *Blk) ReadOnly() bool { return b.features&VIRTIO_BLK_F_RO != 0 }

// ReadBlock reads len(buf)/SectorSize sectors starting at block idx.
func (b *Blk) ReadBlock(idx uint64, buf []byte) error {
	if err := b.checkRange(idx, buf); err != nil {
		return err
	}
	return b.request(VIRTIO_BLK_T_IN, idx, buf, true)
}

// WriteBlock writes buf starting at block idx.
func (b *Blk) WriteBlock(idx uint64, buf []byte) error {
	if b.ReadOnly() {
		return ErrReadOnly
	}
	if err := b.checkRange(idx, buf); err != nil {
		return err
	}
	return b.request(VIRTIO_BLK_T_OUT, idx, buf, false)
}

// Flush asks the device to persist written data. Devices without the
// flush feature write through, so this is a no-op for them.
func (b *Blk) Flush() error {
	if b.features&VIRTIO_BLK_F_FLUSH == 0 {
		return nil
	}
	return b.request(VIRTIO_BLK_T_FLUSH, 0, nil, false)
}

// ID returns the device serial string.
func (b *Blk) ID() (string, error) {
	buf := make([]byte, blkIDSize)
	if err := b.request(VIRTIO_BLK_T_GET_ID, 0, buf, true); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

func (b *Blk) checkRange(idx uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return fmt.Errorf("virtio-blk: buffer length %d is not a positive multiple of %d", len(buf), SectorSize)
	}
	if end := idx + uint64(len(buf)/SectorSize); end > b.capacity || end < idx {
		return fmt.Errorf("virtio-blk: blocks [%d, %d) beyond capacity %d", idx, end, b.capacity)
	}
	return nil
}

// request builds header, data and status in one DMA buffer and submits it
// as a chain of up to three descriptors.
func (b *Blk) request(typ uint32, sector uint64, data []byte, deviceWrites bool) error {
	buf, err := b.alloc.Alloc(uint64(blkReqHeaderSize+len(data)+1), 16)
	if err != nil {
		return err
	}
	defer b.alloc.Free(buf)

	hdr := buf.Bytes[:blkReqHeaderSize]
	binary.LittleEndian.PutUint32(hdr[0:], typ)
	binary.LittleEndian.PutUint64(hdr[8:], sector)

	statusOff := blkReqHeaderSize + len(data)
	buf.Bytes[statusOff] = 0xff

	segs := []Segment{{Phys: buf.Phys, Len: blkReqHeaderSize}}
	if len(data) > 0 {
		if !deviceWrites {
			copy(buf.Bytes[blkReqHeaderSize:], data)
		}
		segs = append(segs, Segment{
			Phys:         buf.Phys + blkReqHeaderSize,
			Len:          uint32(len(data)),
			DeviceWrites: deviceWrites,
		})
	}
	segs = append(segs, Segment{Phys: buf.Phys + uint64(statusOff), Len: 1, DeviceWrites: true})

	if _, err := b.queue.Submit(segs...); err != nil {
		return err
	}

	switch status := buf.Bytes[statusOff]; status {
	case VIRTIO_BLK_S_OK:
	case VIRTIO_BLK_S_IOERR:
		return fmt.Errorf("%w: request type %d sector %d", ErrIO, typ, sector)
	case VIRTIO_BLK_S_UNSUPP:
		return fmt.Errorf("%w: request type %d", ErrUnsupported, typ)
	default:
		return fmt.Errorf("virtio-blk: unexpected status %#x", status)
	}
	if deviceWrites {
		copy(data, buf.Bytes[blkReqHeaderSize:statusOff])
	}
	return nil
}
