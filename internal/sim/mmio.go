package sim

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/dtprobe/internal/virtio"
)

// deviceModel is the device-specific half of a simulated transport.
type deviceModel interface {
	DeviceType() virtio.DeviceType
	Features() uint64
	QueueMaxSizes() []uint16
	ReadConfig(off uint64) uint8
	WriteConfig(off uint64, v uint8)
	OnNotify(d *mmioDevice, queue int) error
	OnReset()
}

// poller is implemented by models that deliver work not triggered by the
// driver, such as injected network frames. poll runs on interrupt status
// reads, which the polled drivers issue before looking at their rings.
type poller interface {
	poll(d *mmioDevice) error
}

// mmioDevice is the register model of one virtio-mmio transport.
type mmioDevice struct {
	base     uint64
	size     uint64
	version  virtio.Version
	vendorID uint32
	model    deviceModel
	ram      *RAM
	log      *slog.Logger

	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	queueSel         uint32
	status           uint32
	interruptStatus  uint32
	configGeneration uint32

	guestPageSize uint32
	queueAlign    []uint32
	queuePFN      []uint32
	queues        []virtQueue

	// lastErr is the most recent device-side failure.
	lastErr error
}

func newMMIODevice(ram *RAM, base, size uint64, version virtio.Version, vendorID uint32, model deviceModel, log *slog.Logger) *mmioDevice {
	d := &mmioDevice{
		base:     base,
		size:     size,
		version:  version,
		vendorID: vendorID,
		model:    model,
		ram:      ram,
		log:      log,
	}
	sizes := model.QueueMaxSizes()
	d.queues = make([]virtQueue, len(sizes))
	d.queueAlign = make([]uint32, len(sizes))
	d.queuePFN = make([]uint32, len(sizes))
	for i, max := range sizes {
		d.queues[i] = virtQueue{ram: ram, maxSize: max}
	}
	d.reset()
	return d
}

func (d *mmioDevice) reset() {
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	d.status = 0
	d.interruptStatus = 0
	for i := range d.queues {
		d.queues[i].reset()
		d.queueAlign[i] = 0
		d.queuePFN[i] = 0
	}
	d.model.OnReset()
}

func (d *mmioDevice) contains(addr uint64) bool {
	return addr >= d.base && addr < d.base+d.size
}

func (d *mmioDevice) currentQueue() *virtQueue {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	return &d.queues[d.queueSel]
}

func (d *mmioDevice) queue(i int) *virtQueue {
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return &d.queues[i]
}

func (d *mmioDevice) deviceFeatures() uint64 {
	f := d.model.Features()
	if d.version == virtio.VersionModern {
		f |= virtio.VIRTIO_F_VERSION_1
	} else {
		f &^= virtio.VIRTIO_F_VERSION_1
	}
	return f
}

func (d *mmioDevice) driverFeatureEnabled(bit uint64) bool {
	return d.driverFeatures&bit != 0
}

func (d *mmioDevice) raiseInterrupt(bit uint32) {
	d.interruptStatus |= bit
}

func (d *mmioDevice) fail(err error) {
	d.lastErr = err
	if d.log != nil {
		d.log.Debug("sim: device error", "base", fmt.Sprintf("%#x", d.base), "err", err)
	}
}

// read returns size bytes at register offset off, zero-extended.
func (d *mmioDevice) read(off uint64, size int) uint32 {
	if off >= virtio.VIRTIO_MMIO_CONFIG {
		var v uint32
		for i := 0; i < size; i++ {
			v |= uint32(d.model.ReadConfig(off-virtio.VIRTIO_MMIO_CONFIG+uint64(i))) << (8 * i)
		}
		return v
	}
	v := d.readRegister(off)
	switch size {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	}
	return v
}

func (d *mmioDevice) readRegister(off uint64) uint32 {
	switch off {
	case virtio.VIRTIO_MMIO_MAGIC_VALUE:
		return virtio.MagicValue
	case virtio.VIRTIO_MMIO_VERSION:
		return uint32(d.version)
	case virtio.VIRTIO_MMIO_DEVICE_ID:
		return uint32(d.model.DeviceType())
	case virtio.VIRTIO_MMIO_VENDOR_ID:
		return d.vendorID
	case virtio.VIRTIO_MMIO_DEVICE_FEATURES:
		switch d.deviceFeatureSel {
		case 0:
			return uint32(d.deviceFeatures())
		case 1:
			return uint32(d.deviceFeatures() >> 32)
		}
		return 0
	case virtio.VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := d.currentQueue(); q != nil {
			return uint32(q.maxSize)
		}
		return 0
	case virtio.VIRTIO_MMIO_QUEUE_READY:
		if d.version == virtio.VersionModern {
			if q := d.currentQueue(); q != nil && q.ready {
				return 1
			}
		}
		return 0
	case virtio.VIRTIO_MMIO_QUEUE_PFN:
		if d.version == virtio.VersionLegacy && int(d.queueSel) < len(d.queuePFN) {
			return d.queuePFN[d.queueSel]
		}
		return 0
	case virtio.VIRTIO_MMIO_INTERRUPT_STATUS:
		if p, ok := d.model.(poller); ok {
			if err := p.poll(d); err != nil {
				d.fail(err)
			}
		}
		return d.interruptStatus
	case virtio.VIRTIO_MMIO_STATUS:
		return d.status
	case virtio.VIRTIO_MMIO_CONFIG_GENERATION:
		return d.configGeneration
	}
	return 0
}

func (d *mmioDevice) write(off uint64, size int, value uint32) {
	if off >= virtio.VIRTIO_MMIO_CONFIG {
		for i := 0; i < size; i++ {
			d.model.WriteConfig(off-virtio.VIRTIO_MMIO_CONFIG+uint64(i), uint8(value>>(8*i)))
		}
		d.configGeneration++
		return
	}
	if size != 4 {
		d.fail(fmt.Errorf("%d-byte write to register %#x", size, off))
		return
	}
	d.writeRegister(off, value)
}

func (d *mmioDevice) writeRegister(off uint64, value uint32) {
	q := d.currentQueue()
	switch off {
	case virtio.VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		d.deviceFeatureSel = value
	case virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		d.driverFeatureSel = value
	case virtio.VIRTIO_MMIO_DRIVER_FEATURES:
		switch d.driverFeatureSel {
		case 0:
			d.driverFeatures = d.driverFeatures&^0xffffffff | uint64(value)
		case 1:
			d.driverFeatures = d.driverFeatures&0xffffffff | uint64(value)<<32
		}
	case virtio.VIRTIO_MMIO_GUEST_PAGE_SIZE:
		d.guestPageSize = value
	case virtio.VIRTIO_MMIO_QUEUE_SEL:
		d.queueSel = value
	case virtio.VIRTIO_MMIO_QUEUE_NUM:
		if q == nil {
			return
		}
		if value > uint32(q.maxSize) {
			d.fail(fmt.Errorf("queue size %d exceeds max %d", value, q.maxSize))
			return
		}
		q.size = uint16(value)
	case virtio.VIRTIO_MMIO_QUEUE_ALIGN:
		if int(d.queueSel) < len(d.queueAlign) {
			d.queueAlign[d.queueSel] = value
		}
	case virtio.VIRTIO_MMIO_QUEUE_PFN:
		d.setLegacyPFN(value)
	case virtio.VIRTIO_MMIO_QUEUE_READY:
		if q == nil || d.version != virtio.VersionModern {
			return
		}
		if value == 0 {
			q.reset()
			return
		}
		if q.size == 0 {
			d.fail(fmt.Errorf("queue %d marked ready without a size", d.queueSel))
			return
		}
		q.ready = true
	case virtio.VIRTIO_MMIO_QUEUE_NOTIFY:
		if err := d.model.OnNotify(d, int(value)); err != nil {
			d.fail(err)
			return
		}
		d.raiseInterrupt(virtio.VIRTIO_MMIO_INT_VRING)
	case virtio.VIRTIO_MMIO_INTERRUPT_ACK:
		d.interruptStatus &^= value
	case virtio.VIRTIO_MMIO_STATUS:
		d.setStatus(value)
	case virtio.VIRTIO_MMIO_QUEUE_DESC_LOW:
		if q != nil {
			q.descAddr = q.descAddr&^0xffffffff | uint64(value)
		}
	case virtio.VIRTIO_MMIO_QUEUE_DESC_HIGH:
		if q != nil {
			q.descAddr = q.descAddr&0xffffffff | uint64(value)<<32
		}
	case virtio.VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		if q != nil {
			q.availAddr = q.availAddr&^0xffffffff | uint64(value)
		}
	case virtio.VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		if q != nil {
			q.availAddr = q.availAddr&0xffffffff | uint64(value)<<32
		}
	case virtio.VIRTIO_MMIO_QUEUE_USED_LOW:
		if q != nil {
			q.usedAddr = q.usedAddr&^0xffffffff | uint64(value)
		}
	case virtio.VIRTIO_MMIO_QUEUE_USED_HIGH:
		if q != nil {
			q.usedAddr = q.usedAddr&0xffffffff | uint64(value)<<32
		}
	}
}

func (d *mmioDevice) setStatus(value uint32) {
	if value == 0 {
		d.reset()
		return
	}
	if value&virtio.VIRTIO_STATUS_FEATURES_OK != 0 && d.status&virtio.VIRTIO_STATUS_FEATURES_OK == 0 {
		if d.driverFeatures&^d.deviceFeatures() != 0 {
			// Refuse features the device never offered.
			value &^= virtio.VIRTIO_STATUS_FEATURES_OK
		}
	}
	d.status = value
}

// setLegacyPFN derives the ring addresses from a legacy page frame number.
func (d *mmioDevice) setLegacyPFN(pfn uint32) {
	i := int(d.queueSel)
	if d.version != virtio.VersionLegacy || i >= len(d.queues) {
		return
	}
	q := &d.queues[i]
	d.queuePFN[i] = pfn
	if pfn == 0 {
		q.reset()
		return
	}
	pageSize := uint64(d.guestPageSize)
	if pageSize == 0 {
		pageSize = virtio.PageSize
	}
	align := uint64(d.queueAlign[i])
	if align == 0 {
		align = virtio.PageSize
	}
	if q.size == 0 {
		d.fail(fmt.Errorf("queue %d given a pfn without a size", i))
		return
	}
	n := uint64(q.size)
	q.descAddr = uint64(pfn) * pageSize
	q.availAddr = q.descAddr + 16*n
	q.usedAddr = (q.availAddr + 6 + 2*n + align - 1) &^ (align - 1)
	q.ready = true
}
