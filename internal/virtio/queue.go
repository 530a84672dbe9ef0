package virtio

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/tinyrange/dtprobe/internal/hw"
)

// Segment is one buffer of a request. DeviceWrites marks buffers the device
// fills in.
type Segment struct {
	Phys         uint64
	Len          uint32
	DeviceWrites bool
}

// In returns a device-readable segment covering buf.
func In(buf *hw.DMABuffer) Segment {
	return Segment{Phys: buf.Phys, Len: uint32(len(buf.Bytes))}
}

// Out returns a device-writable segment covering buf.
func Out(buf *hw.DMABuffer) Segment {
	return Segment{Phys: buf.Phys, Len: uint32(len(buf.Bytes)), DeviceWrites: true}
}

// spinLimit bounds how long Submit polls the used ring.
const spinLimit = 1 << 24

func availOffset(size uint16) uint64 {
	return 16 * uint64(size)
}

func usedOffset(size uint16) uint64 {
	return alignUp(availOffset(size)+6+2*uint64(size), PageSize)
}

func queueBytes(size uint16) uint64 {
	return usedOffset(size) + alignUp(6+8*uint64(size), PageSize)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Queue is the driver half of a split virtqueue. The rings are laid out
// contiguously so the same memory serves legacy and modern transports.
type Queue struct {
	t     Transport
	alloc hw.Allocator
	index uint16
	size  uint16

	mem   *hw.DMABuffer
	desc  []byte
	avail []byte
	used  []byte

	freeHead    uint16
	numFree     uint16
	availIdx    uint16
	lastUsedIdx uint16
}

// NewQueue allocates the rings for queue index and hands them to the
// device. size must be a power of two.
func NewQueue(t Transport, alloc hw.Allocator, index, size uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtio: queue size %d is not a power of 2", size)
	}
	if t.QueueUsed(index) {
		return nil, fmt.Errorf("virtio: queue %d already in use", index)
	}
	max := t.MaxQueueSize(index)
	if max == 0 {
		return nil, fmt.Errorf("virtio: queue %d not available", index)
	}
	if uint32(size) > max {
		return nil, fmt.Errorf("virtio: queue %d size %d exceeds device maximum %d", index, size, max)
	}

	mem, err := alloc.Alloc(queueBytes(size), PageSize)
	if err != nil {
		return nil, fmt.Errorf("virtio: allocate queue %d: %w", index, err)
	}
	q := &Queue{
		t:       t,
		alloc:   alloc,
		index:   index,
		size:    size,
		mem:     mem,
		desc:    mem.Bytes[:availOffset(size)],
		avail:   mem.Bytes[availOffset(size):usedOffset(size)],
		used:    mem.Bytes[usedOffset(size):],
		numFree: size,
	}
	for i := uint16(0); i < size-1; i++ {
		q.setNext(i, i+1)
	}

	phys := mem.Phys
	if err := t.QueueSet(index, size, phys, phys+availOffset(size), phys+usedOffset(size)); err != nil {
		_ = alloc.Free(mem)
		return nil, err
	}
	return q, nil
}

func (q *Queue) Size() uint16    { return q.size }
func (q *Queue) NumFree() uint16 { return q.numFree }

func (q *Queue) descAt(i uint16) []byte {
	off := int(i) * 16
	return q.desc[off : off+16]
}

func (q *Queue) setNext(i, next uint16) {
	binary.LittleEndian.PutUint16(q.descAt(i)[14:], next)
}

func (q *Queue) next(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.descAt(i)[14:])
}

// Add places a descriptor chain on the available ring and returns its head
// as the completion token. The device is not notified.
func (q *Queue) Add(segs ...Segment) (uint16, error) {
	if len(segs) == 0 {
		return 0, fmt.Errorf("virtio: empty request")
	}
	if len(segs) > int(q.numFree) {
		return 0, fmt.Errorf("%w: need %d descriptors, %d free", ErrQueueFull, len(segs), q.numFree)
	}

	head := q.freeHead
	last := head
	cur := head
	for i, seg := range segs {
		d := q.descAt(cur)
		binary.LittleEndian.PutUint64(d[0:], seg.Phys)
		binary.LittleEndian.PutUint32(d[8:], seg.Len)
		var flags uint16
		if seg.DeviceWrites {
			flags |= VIRTQ_DESC_F_WRITE
		}
		if i < len(segs)-1 {
			flags |= VIRTQ_DESC_F_NEXT
		}
		binary.LittleEndian.PutUint16(d[12:], flags)
		last = cur
		cur = q.next(cur)
	}
	q.freeHead = q.next(last)
	q.numFree -= uint16(len(segs))

	slot := 4 + 2*int(q.availIdx%q.size)
	binary.LittleEndian.PutUint16(q.avail[slot:], head)
	q.availIdx++
	binary.LittleEndian.PutUint16(q.avail[2:], q.availIdx)
	return head, nil
}

// Notify tells the device new buffers are available.
func (q *Queue) Notify() {
	q.t.Notify(q.index)
}

func (q *Queue) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.used[2:])
}

// CanPop reports whether the device has returned a chain.
func (q *Queue) CanPop() bool {
	return q.usedIdx() != q.lastUsedIdx
}

// PeekUsed returns the token of the next used chain without consuming it.
func (q *Queue) PeekUsed() (uint16, bool) {
	if !q.CanPop() {
		return 0, false
	}
	id, _ := q.usedElem(q.lastUsedIdx)
	return uint16(id), true
}

func (q *Queue) usedElem(idx uint16) (id, length uint32) {
	off := 4 + 8*int(idx%q.size)
	return binary.LittleEndian.Uint32(q.used[off:]), binary.LittleEndian.Uint32(q.used[off+4:])
}

// PopUsed consumes the next used chain, which must be token, and returns
// the number of bytes the device wrote.
func (q *Queue) PopUsed(token uint16) (uint32, error) {
	if !q.CanPop() {
		return 0, ErrNotReady
	}
	id, length := q.usedElem(q.lastUsedIdx)
	if id != uint32(token) {
		return 0, fmt.Errorf("virtio: queue %d returned chain %d, expected %d", q.index, id, token)
	}
	q.lastUsedIdx++
	q.recycle(token)
	return length, nil
}

func (q *Queue) recycle(head uint16) {
	cur := head
	n := uint16(1)
	for {
		flags := binary.LittleEndian.Uint16(q.descAt(cur)[12:])
		if flags&VIRTQ_DESC_F_NEXT == 0 {
			break
		}
		cur = q.next(cur)
		n++
	}
	q.setNext(cur, q.freeHead)
	q.freeHead = head
	q.numFree += n
}

// Submit adds a chain, notifies the device and waits for it to complete.
func (q *Queue) Submit(segs ...Segment) (uint32, error) {
	token, err := q.Add(segs...)
	if err != nil {
		return 0, err
	}
	q.Notify()
	for i := 0; !q.CanPop(); i++ {
		if i == spinLimit {
			return 0, fmt.Errorf("%w: queue %d", ErrNoResponse, q.index)
		}
		runtime.Gosched()
	}
	return q.PopUsed(token)
}

// Close detaches the queue from the device and frees the rings.
func (q *Queue) Close() error {
	q.t.QueueUnset(q.index)
	return q.alloc.Free(q.mem)
}
