package sim

import (
	"fmt"
	"net"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// maxPendingFrames bounds frames queued for a driver that is not receiving.
const maxPendingFrames = 256

// Net is a virtio-net model. Frames the driver transmits go to the peer
// callback; frames injected from outside are delivered into posted receive
// buffers on the next notify or interrupt status poll.
type Net struct {
	mac  net.HardwareAddr
	link bool

	pending [][]byte
	peer    func(frame []byte)
	tap     func(frame []byte)

	// Sent holds every frame the driver transmitted.
	Sent [][]byte
	// Dropped counts injected frames discarded because the queue was full.
	Dropped int
	// LengthSlack is added to the used length of each delivered frame, to
	// model a device that reports more than it wrote.
	LengthSlack uint32
}

func newNet(mac net.HardwareAddr) *Net {
	return &Net{mac: mac, link: true}
}

func (n *Net) DeviceType() virtio.DeviceType { return virtio.DeviceTypeNetwork }

func (n *Net) Features() uint64 {
	return virtio.VIRTIO_NET_F_MAC | virtio.VIRTIO_NET_F_STATUS
}

func (n *Net) QueueMaxSizes() []uint16 { return []uint16{256, 256} }

func (n *Net) ReadConfig(off uint64) uint8 {
	switch {
	case off < 6:
		return n.mac[off]
	case off == 6:
		if n.link {
			return 1
		}
	}
	return 0
}

func (n *Net) WriteConfig(uint64, uint8) {}

func (n *Net) OnReset() {}

func (n *Net) hdrLen(d *mmioDevice) int {
	if d.driverFeatureEnabled(virtio.VIRTIO_F_VERSION_1) {
		return virtio.NetHdrSize
	}
	return virtio.NetLegacyHdrSize
}

func (n *Net) OnNotify(d *mmioDevice, queue int) error {
	switch queue {
	case 0:
		return n.deliver(d)
	case 1:
		return n.transmit(d)
	}
	return fmt.Errorf("net: notify for unknown queue %d", queue)
}

func (n *Net) poll(d *mmioDevice) error {
	return n.deliver(d)
}

func (n *Net) transmit(d *mmioDevice) error {
	q := d.queue(1)
	for {
		head, ok, err := q.nextAvailable()
		if err != nil || !ok {
			return err
		}
		chain, err := q.readChain(head)
		if err != nil {
			return err
		}
		buf, err := q.gather(chain)
		if err != nil {
			return err
		}
		if hl := n.hdrLen(d); len(buf) >= hl {
			frame := append([]byte(nil), buf[hl:]...)
			n.Sent = append(n.Sent, frame)
			if n.tap != nil {
				n.tap(frame)
			}
			if n.peer != nil {
				n.peer(frame)
			}
		}
		if err := q.putUsed(head, 0); err != nil {
			return err
		}
	}
}

func (n *Net) inject(frame []byte) {
	if len(n.pending) >= maxPendingFrames {
		n.Dropped++
		return
	}
	frame = append([]byte(nil), frame...)
	if n.tap != nil {
		n.tap(frame)
	}
	n.pending = append(n.pending, frame)
}

func (n *Net) deliver(d *mmioDevice) error {
	q := d.queue(0)
	hl := n.hdrLen(d)
	for len(n.pending) > 0 && q.pending() {
		head, ok, err := q.nextAvailable()
		if err != nil || !ok {
			return err
		}
		chain, err := q.readChain(head)
		if err != nil {
			return err
		}
		buf := make([]byte, hl+len(n.pending[0]))
		copy(buf[hl:], n.pending[0])
		w, err := q.scatter(chain, buf)
		if err != nil {
			return err
		}
		if err := q.putUsed(head, w+n.LengthSlack); err != nil {
			return err
		}
		n.pending = n.pending[1:]
		d.raiseInterrupt(virtio.VIRTIO_MMIO_INT_VRING)
	}
	return nil
}
