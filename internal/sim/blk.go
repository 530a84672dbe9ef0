package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// Block is a RAM-backed block device model.
type Block struct {
	data     []byte
	readOnly bool
	id       string

	// Requests counts completed requests by type.
	Requests map[uint32]int
}

func newBlock(sectors uint64, readOnly bool, id string) *Block {
	return &Block{
		data:     make([]byte, sectors*virtio.SectorSize),
		readOnly: readOnly,
		id:       id,
		Requests: make(map[uint32]int),
	}
}

// Contents returns the backing store.
func (b *Block) Contents() []byte { return b.data }

func (b *Block) DeviceType() virtio.DeviceType { return virtio.DeviceTypeBlock }

func (b *Block) Features() uint64 {
	f := uint64(virtio.VIRTIO_BLK_F_FLUSH)
	if b.readOnly {
		f |= virtio.VIRTIO_BLK_F_RO
	}
	return f
}

func (b *Block) QueueMaxSizes() []uint16 { return []uint16{128} }

func (b *Block) ReadConfig(off uint64) uint8 {
	var cfg [8]byte
	binary.LittleEndian.PutUint64(cfg[:], uint64(len(b.data))/virtio.SectorSize)
	if off < uint64(len(cfg)) {
		return cfg[off]
	}
	return 0
}

func (b *Block) WriteConfig(uint64, uint8) {}
func (b *Block) OnReset()                  {}

func (b *Block) OnNotify(d *mmioDevice, queue int) error {
	q := d.queue(queue)
	if q == nil {
		return fmt.Errorf("blk: notify for unknown queue %d", queue)
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
		written, err := b.handle(q, chain)
		if err != nil {
			return err
		}
		if err := q.putUsed(head, written); err != nil {
			return err
		}
	}
}

// handle executes one request and returns the number of bytes written into
// device-writable buffers, status byte included.
func (b *Block) handle(q *virtQueue, chain []payload) (uint32, error) {
	if len(chain) < 2 {
		return 0, fmt.Errorf("blk: request chain of %d descriptors", len(chain))
	}
	hdrDesc, statusDesc := chain[0], chain[len(chain)-1]
	if hdrDesc.isWrite || hdrDesc.length < 16 || !statusDesc.isWrite || statusDesc.length < 1 {
		return 0, fmt.Errorf("blk: malformed request chain")
	}
	hdr, err := q.ram.Slice(hdrDesc.addr, 16)
	if err != nil {
		return 0, err
	}
	status, err := q.ram.Slice(statusDesc.addr, 1)
	if err != nil {
		return 0, err
	}
	typ := binary.LittleEndian.Uint32(hdr[0:])
	sector := binary.LittleEndian.Uint64(hdr[8:])
	data := chain[1 : len(chain)-1]

	st, n := b.execute(q, typ, sector, data)
	status[0] = st
	b.Requests[typ]++
	return n + 1, nil
}

func (b *Block) execute(q *virtQueue, typ uint32, sector uint64, data []payload) (uint8, uint32) {
	off := sector * virtio.SectorSize
	var n uint32
	switch typ {
	case virtio.VIRTIO_BLK_T_IN:
		for _, p := range data {
			if !p.isWrite || off+uint64(p.length) > uint64(len(b.data)) {
				return virtio.VIRTIO_BLK_S_IOERR, n
			}
			dst, err := q.ram.Slice(p.addr, uint64(p.length))
			if err != nil {
				return virtio.VIRTIO_BLK_S_IOERR, n
			}
			copy(dst, b.data[off:])
			off += uint64(p.length)
			n += p.length
		}
		return virtio.VIRTIO_BLK_S_OK, n
	case virtio.VIRTIO_BLK_T_OUT:
		if b.readOnly {
			return virtio.VIRTIO_BLK_S_IOERR, 0
		}
		for _, p := range data {
			if p.isWrite || off+uint64(p.length) > uint64(len(b.data)) {
				return virtio.VIRTIO_BLK_S_IOERR, 0
			}
			src, err := q.ram.Slice(p.addr, uint64(p.length))
			if err != nil {
				return virtio.VIRTIO_BLK_S_IOERR, 0
			}
			copy(b.data[off:], src)
			off += uint64(p.length)
		}
		return virtio.VIRTIO_BLK_S_OK, 0
	case virtio.VIRTIO_BLK_T_FLUSH:
		return virtio.VIRTIO_BLK_S_OK, 0
	case virtio.VIRTIO_BLK_T_GET_ID:
		id := make([]byte, 20)
		copy(id, b.id)
		w, err := q.scatter(data, id)
		if err != nil {
			return virtio.VIRTIO_BLK_S_IOERR, w
		}
		return virtio.VIRTIO_BLK_S_OK, w
	}
	return virtio.VIRTIO_BLK_S_UNSUPP, 0
}
