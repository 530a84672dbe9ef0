package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/dtprobe/internal/hw"
)

// Input config selectors
const (
	VIRTIO_INPUT_CFG_UNSET     = 0x00
	VIRTIO_INPUT_CFG_ID_NAME   = 0x01
	VIRTIO_INPUT_CFG_ID_SERIAL = 0x02
	VIRTIO_INPUT_CFG_ID_DEVIDS = 0x03
	VIRTIO_INPUT_CFG_PROP_BITS = 0x10
	VIRTIO_INPUT_CFG_EV_BITS   = 0x11
	VIRTIO_INPUT_CFG_ABS_INFO  = 0x12
)

// Input config layout
const (
	InputConfigSelect = 0
	InputConfigSubsel = 1
	InputConfigSize   = 2
	InputConfigData   = 8
	InputConfigMax    = 128

	InputEventSize = 8

	inputQueueSize = 32
)

// InputEvent is one evdev style event.
type InputEvent struct {
	Type  uint16
	Code  uint16
	Value uint32
}

// InputIDs is the VIRTIO_INPUT_CFG_ID_DEVIDS payload.
type InputIDs struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// Input is a polled virtio-input driver. Event delivery normally relies on
// interrupts, which this driver does not service; PopPendingEvent polls.
type Input struct {
	t      Transport
	events *Queue
	bufs   *hw.DMABuffer
	slotOf [inputQueueSize]int
}

// NewInput initialises the input device behind t and posts event buffers.
func NewInput(t Transport, alloc hw.Allocator) (*Input, error) {
	if t.DeviceType() != DeviceTypeInput {
		return nil, fmt.Errorf("%w: %s is not an input device", ErrWrongDeviceType, t.DeviceType())
	}
	if _, err := initDevice(t, 0); err != nil {
		return nil, err
	}
	q, err := NewQueue(t, alloc, 0, inputQueueSize)
	if err != nil {
		failInit(t)
		return nil, err
	}
	bufs, err := alloc.Alloc(inputQueueSize*InputEventSize, 8)
	if err != nil {
		failInit(t)
		return nil, err
	}
	in := &Input{t: t, events: q, bufs: bufs}
	for i := 0; i < inputQueueSize; i++ {
		if err := in.post(i); err != nil {
			failInit(t)
			return nil, err
		}
	}
	finishInit(t)
	q.Notify()
	return in, nil
}

func (in *Input) post(slot int) error {
	token, err := in.events.Add(Segment{
		Phys:         in.bufs.Phys + uint64(slot*InputEventSize),
		Len:          InputEventSize,
		DeviceWrites: true,
	})
	if err != nil {
		return err
	}
	in.slotOf[token] = slot
	return nil
}

func (in *Input) query(sel, subsel uint8) []byte {
	in.t.WriteConfig8(InputConfigSelect, sel)
	in.t.WriteConfig8(InputConfigSubsel, subsel)
	n := int(in.t.ReadConfig8(InputConfigSize))
	if n > InputConfigMax {
		n = InputConfigMax
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = in.t.ReadConfig8(InputConfigData + uint64(i))
	}
	return out
}

// Name returns the device name.
func (in *Input) Name() string {
	return string(in.query(VIRTIO_INPUT_CFG_ID_NAME, 0))
}

// Serial returns the device serial string.
func (in *Input) Serial() string {
	return string(in.query(VIRTIO_INPUT_CFG_ID_SERIAL, 0))
}

// IDs returns the bus and product ids, if the device reports them.
func (in *Input) IDs() (InputIDs, bool) {
	data := in.query(VIRTIO_INPUT_CFG_ID_DEVIDS, 0)
	if len(data) < 8 {
		return InputIDs{}, false
	}
	return InputIDs{
		Bustype: binary.LittleEndian.Uint16(data[0:]),
		Vendor:  binary.LittleEndian.Uint16(data[2:]),
		Product: binary.LittleEndian.Uint16(data[4:]),
		Version: binary.LittleEndian.Uint16(data[6:]),
	}, true
}

// EventBits returns the bitmap of codes supported for event type evType.
func (in *Input) EventBits(evType uint8) []byte {
	return in.query(VIRTIO_INPUT_CFG_EV_BITS, evType)
}

// PopPendingEvent returns the next queued event, if any, and reposts its
// buffer.
func (in *Input) PopPendingEvent() (InputEvent, bool) {
	in.t.AckInterrupt()
	token, ok := in.events.PeekUsed()
	if !ok {
		return InputEvent{}, false
	}
	if _, err := in.events.PopUsed(token); err != nil {
		return InputEvent{}, false
	}

	idx := in.slotOf[token]
	off := idx * InputEventSize
	b := in.bufs.Bytes[off : off+InputEventSize]
	ev := InputEvent{
		Type:  binary.LittleEndian.Uint16(b[0:]),
		Code:  binary.LittleEndian.Uint16(b[2:]),
		Value: binary.LittleEndian.Uint32(b[4:]),
	}
	if err := in.post(idx); err == nil {
		in.events.Notify()
	}
	return ev, true
}
