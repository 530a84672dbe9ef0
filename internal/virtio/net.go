package virtio

import (
	"errors"
	"fmt"
	"net"

	"github.com/tinyrange/dtprobe/internal/hw"
)

// Net feature bits
const (
	VIRTIO_NET_F_MAC    = 1 << 5
	VIRTIO_NET_F_STATUS = 1 << 16
)

const (
	// NetBufferLen is the size of every receive and transmit buffer.
	NetBufferLen = 2048
	// NetQueueSize is the number of receive buffers kept posted.
	NetQueueSize = 16

	// NetHdrSize is the virtio_net_hdr size with VERSION_1.
	NetHdrSize = 12
	// NetLegacyHdrSize omits num_buffers.
	NetLegacyHdrSize = 10

	netRxQueue = 0
	netTxQueue = 1

	netSupportedFeatures = VIRTIO_NET_F_MAC | VIRTIO_NET_F_STATUS
)

// RxBuffer is a received frame. It stays owned by the caller until passed to
// RecycleRxBuffer.
type RxBuffer struct {
	slot   int
	data   []byte
	length int
	hdrLen int
}

// Packet returns the ethernet frame without the virtio header.
func (b *RxBuffer) Packet() []byte {
	if b.length < b.hdrLen {
		return nil
	}
	return b.data[b.hdrLen:b.length]
}

// Len returns the number of bytes the device wrote, header included.
func (b *RxBuffer) Len() int { return b.length }

// Net is a polled virtio-net driver.
type Net struct {
	t        Transport
	rx       *Queue
	tx       *Queue
	rxBufs   *hw.DMABuffer
	txBuf    *hw.DMABuffer
	mac      net.HardwareAddr
	hdrLen   int
	features uint64
	lent     []bool
	// slotOf maps a receive chain token to the buffer slot it carries.
	slotOf [NetQueueSize]int
}

// NewNet initialises the net device behind t and posts NetQueueSize
// receive buffers.
func NewNet(t Transport, alloc hw.Allocator) (*Net, error) {
	if t.DeviceType() != DeviceTypeNetwork {
		return nil, fmt.Errorf("%w: %s is not a network device", ErrWrongDeviceType, t.DeviceType())
	}
	features, err := initDevice(t, netSupportedFeatures)
	if err != nil {
		return nil, err
	}

	n := &Net{t: t, features: features, hdrLen: NetLegacyHdrSize, lent: make([]bool, NetQueueSize)}
	if features&VIRTIO_F_VERSION_1 != 0 {
		n.hdrLen = NetHdrSize
	}
	n.mac = make(net.HardwareAddr, 6)
	if features&VIRTIO_NET_F_MAC != 0 {
		for i := range n.mac {
			n.mac[i] = t.ReadConfig8(uint64(i))
		}
	}

	if n.rx, err = NewQueue(t, alloc, netRxQueue, NetQueueSize); err != nil {
		failInit(t)
		return nil, err
	}
	if n.tx, err = NewQueue(t, alloc, netTxQueue, NetQueueSize); err != nil {
		failInit(t)
		return nil, err
	}
	if n.rxBufs, err = alloc.Alloc(NetQueueSize*NetBufferLen, PageSize); err != nil {
		failInit(t)
		return nil, err
	}
	if n.txBuf, err = alloc.Alloc(NetBufferLen, PageSize); err != nil {
		failInit(t)
		return nil, err
	}
	for i := 0; i < NetQueueSize; i++ {
		if err := n.post(i); err != nil {
			failInit(t)
			return nil, err
		}
	}
	finishInit(t)
	n.rx.Notify()
	return n, nil
}

func (n *Net) post(slot int) error {
	token, err := n.rx.Add(Segment{
		Phys:         n.rxBufs.Phys + uint64(slot*NetBufferLen),
		Len:          NetBufferLen,
		DeviceWrites: true,
	})
	if err != nil {
		return err
	}
	n.slotOf[token] = slot
	return nil
}

// MACAddress returns the device MAC, or all zeros if the device has none.
func (n *Net) MACAddress() net.HardwareAddr {
	return append(net.HardwareAddr(nil), n.mac...)
}

// HeaderLen returns the virtio_net_hdr length in use.
func (n *Net) HeaderLen() int { return n.hdrLen }

// LinkUp reports the link status bit, or true if the device has no status
// field.
func (n *Net) LinkUp() bool {
	if n.features&VIRTIO_NET_F_STATUS == 0 {
		return true
	}
	return n.t.ReadConfig8(6)&1 != 0
}

// Receive returns the next received frame, or ErrNotReady if none is
// pending.
func (n *Net) Receive() (*RxBuffer, error) {
	n.t.AckInterrupt()
	token, ok := n.rx.PeekUsed()
	if !ok {
		return nil, ErrNotReady
	}
	length, err := n.rx.PopUsed(token)
	if err != nil {
		return nil, err
	}
	slot := n.slotOf[token]
	if length > NetBufferLen {
		err := fmt.Errorf("virtio-net: device wrote %d bytes into a %d byte buffer", length, NetBufferLen)
		// The frame is dropped; the buffer goes straight back to the device.
		if perr := n.post(slot); perr != nil {
			return nil, errors.Join(err, perr)
		}
		n.rx.Notify()
		return nil, err
	}
	n.lent[slot] = true
	off := slot * NetBufferLen
	return &RxBuffer{
		slot:   slot,
		data:   n.rxBufs.Bytes[off : off+NetBufferLen],
		length: int(length),
		hdrLen: n.hdrLen,
	}, nil
}

// RecycleRxBuffer hands a received buffer back to the device.
func (n *Net) RecycleRxBuffer(b *RxBuffer) error {
	if b == nil || b.slot < 0 || b.slot >= NetQueueSize || !n.lent[b.slot] {
		return fmt.Errorf("virtio-net: buffer not owned by caller")
	}
	n.lent[b.slot] = false
	clear(b.data)
	if err := n.post(b.slot); err != nil {
		return err
	}
	n.rx.Notify()
	return nil
}

// Send transmits one ethernet frame and waits for the device to take it.
func (n *Net) Send(frame []byte) error {
	if len(frame)+n.hdrLen > NetBufferLen {
		return fmt.Errorf("virtio-net: frame of %d bytes exceeds buffer", len(frame))
	}
	clear(n.txBuf.Bytes[:n.hdrLen])
	copy(n.txBuf.Bytes[n.hdrLen:], frame)
	_, err := n.tx.Submit(Segment{Phys: n.txBuf.Phys, Len: uint32(n.hdrLen + len(frame))})
	return err
}
