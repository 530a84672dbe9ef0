package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// payload is one buffer of a descriptor chain.
type payload struct {
	addr    uint64
	length  uint32
	isWrite bool
}

// virtQueue is the device half of a split virtqueue.
type virtQueue struct {
	ram *RAM

	size      uint16
	maxSize   uint16
	ready     bool
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16
}

func (q *virtQueue) reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

func (q *virtQueue) ensureReady() error {
	if !q.ready || q.size == 0 {
		return fmt.Errorf("queue not ready")
	}
	return nil
}

func (q *virtQueue) readU16(addr uint64) (uint16, error) {
	b, err := q.ram.Slice(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (q *virtQueue) writeU16(addr uint64, v uint16) error {
	b, err := q.ram.Slice(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// pending reports whether the driver has posted chains not yet taken.
func (q *virtQueue) pending() bool {
	if q.ensureReady() != nil {
		return false
	}
	idx, err := q.readU16(q.availAddr + 2)
	return err == nil && idx != q.lastAvailIdx
}

// nextAvailable takes the next chain head off the available ring.
func (q *virtQueue) nextAvailable() (uint16, bool, error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	availIdx, err := q.readU16(q.availAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if availIdx == q.lastAvailIdx {
		return 0, false, nil
	}
	head, err := q.readU16(q.availAddr + 4 + uint64(q.lastAvailIdx%q.size)*2)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// readChain walks the chain starting at head, bounded by the queue size.
func (q *virtQueue) readChain(head uint16) ([]payload, error) {
	var out []payload
	idx := head
	for i := uint16(0); i < q.size; i++ {
		if idx >= q.size {
			return out, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.size)
		}
		d, err := q.ram.Slice(q.descAddr+uint64(idx)*16, 16)
		if err != nil {
			return out, err
		}
		flags := binary.LittleEndian.Uint16(d[12:])
		out = append(out, payload{
			addr:    binary.LittleEndian.Uint64(d[0:]),
			length:  binary.LittleEndian.Uint32(d[8:]),
			isWrite: flags&virtio.VIRTQ_DESC_F_WRITE != 0,
		})
		if flags&virtio.VIRTQ_DESC_F_NEXT == 0 {
			return out, nil
		}
		idx = binary.LittleEndian.Uint16(d[14:])
	}
	return out, fmt.Errorf("descriptor chain from %d longer than queue", head)
}

// putUsed returns a chain to the driver.
func (q *virtQueue) putUsed(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	elem, err := q.ram.Slice(q.usedAddr+4+uint64(q.usedIdx%q.size)*8, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(elem[0:], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:], length)
	q.usedIdx++
	return q.writeU16(q.usedAddr+2, q.usedIdx)
}

// gather concatenates the device-readable buffers of a chain.
func (q *virtQueue) gather(chain []payload) ([]byte, error) {
	var out []byte
	for _, p := range chain {
		if p.isWrite {
			continue
		}
		b, err := q.ram.Slice(p.addr, uint64(p.length))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// scatter copies data into the device-writable buffers of a chain and
// returns the number of bytes written.
func (q *virtQueue) scatter(chain []payload, data []byte) (uint32, error) {
	var n uint32
	for _, p := range chain {
		if !p.isWrite || len(data) == 0 {
			continue
		}
		b, err := q.ram.Slice(p.addr, uint64(p.length))
		if err != nil {
			return n, err
		}
		c := copy(b, data)
		data = data[c:]
		n += uint32(c)
	}
	return n, nil
}
