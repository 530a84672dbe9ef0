package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// Evdev event types the model advertises.
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
)

// Input is a virtio-input model with a fixed identity. Queued events are
// delivered on the next poll.
type Input struct {
	name   string
	serial string
	ids    virtio.InputIDs

	sel    uint8
	subsel uint8

	pending []virtio.InputEvent
}

func newInput(name, serial string) *Input {
	return &Input{
		name:   name,
		serial: serial,
		ids:    virtio.InputIDs{Bustype: 0x06, Vendor: 0x0627, Product: 0x0001, Version: 0x0001},
	}
}

func (in *Input) DeviceType() virtio.DeviceType { return virtio.DeviceTypeInput }
func (in *Input) Features() uint64              { return 0 }
func (in *Input) QueueMaxSizes() []uint16       { return []uint16{64, 64} }

func (in *Input) payload() []byte {
	switch in.sel {
	case virtio.VIRTIO_INPUT_CFG_ID_NAME:
		return []byte(in.name)
	case virtio.VIRTIO_INPUT_CFG_ID_SERIAL:
		return []byte(in.serial)
	case virtio.VIRTIO_INPUT_CFG_ID_DEVIDS:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint16(b[0:], in.ids.Bustype)
		binary.LittleEndian.PutUint16(b[2:], in.ids.Vendor)
		binary.LittleEndian.PutUint16(b[4:], in.ids.Product)
		binary.LittleEndian.PutUint16(b[6:], in.ids.Version)
		return b
	case virtio.VIRTIO_INPUT_CFG_EV_BITS:
		switch in.subsel {
		case evSyn:
			return []byte{0x07}
		case evKey:
			// BTN_LEFT, BTN_RIGHT, BTN_MIDDLE (0x110-0x112)
			b := make([]byte, 0x112/8+1)
			for code := 0x110; code <= 0x112; code++ {
				b[code/8] |= 1 << (code % 8)
			}
			return b
		case evRel:
			return []byte{0x03} // REL_X, REL_Y
		}
	}
	return nil
}

func (in *Input) ReadConfig(off uint64) uint8 {
	data := in.payload()
	if len(data) > virtio.InputConfigMax {
		data = data[:virtio.InputConfigMax]
	}
	switch {
	case off == virtio.InputConfigSelect:
		return in.sel
	case off == virtio.InputConfigSubsel:
		return in.subsel
	case off == virtio.InputConfigSize:
		return uint8(len(data))
	case off >= virtio.InputConfigData && off-virtio.InputConfigData < uint64(len(data)):
		return data[off-virtio.InputConfigData]
	}
	return 0
}

func (in *Input) WriteConfig(off uint64, v uint8) {
	switch off {
	case virtio.InputConfigSelect:
		in.sel = v
	case virtio.InputConfigSubsel:
		in.subsel = v
	}
}

func (in *Input) OnReset() {
	in.sel, in.subsel = 0, 0
}

func (in *Input) OnNotify(d *mmioDevice, queue int) error {
	if queue != 0 && queue != 1 {
		return fmt.Errorf("input: notify for unknown queue %d", queue)
	}
	if queue == 1 {
		// Status queue: LED updates and the like are consumed and dropped.
		q := d.queue(1)
		for {
			head, ok, err := q.nextAvailable()
			if err != nil || !ok {
				return err
			}
			if err := q.putUsed(head, 0); err != nil {
				return err
			}
		}
	}
	return in.deliver(d)
}

func (in *Input) poll(d *mmioDevice) error {
	return in.deliver(d)
}

func (in *Input) deliver(d *mmioDevice) error {
	q := d.queue(0)
	for len(in.pending) > 0 && q.pending() {
		head, ok, err := q.nextAvailable()
		if err != nil || !ok {
			return err
		}
		chain, err := q.readChain(head)
		if err != nil {
			return err
		}
		ev := in.pending[0]
		var b [virtio.InputEventSize]byte
		binary.LittleEndian.PutUint16(b[0:], ev.Type)
		binary.LittleEndian.PutUint16(b[2:], ev.Code)
		binary.LittleEndian.PutUint32(b[4:], ev.Value)
		n, err := q.scatter(chain, b[:])
		if err != nil {
			return err
		}
		if err := q.putUsed(head, n); err != nil {
			return err
		}
		in.pending = in.pending[1:]
		d.raiseInterrupt(virtio.VIRTIO_MMIO_INT_VRING)
	}
	return nil
}
