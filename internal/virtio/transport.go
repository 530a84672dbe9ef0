package virtio

import (
	"fmt"

	"github.com/tinyrange/dtprobe/internal/hw"
)

// Transport is the capability typed drivers use to talk to a device.
type Transport interface {
	VendorID() uint32
	DeviceType() DeviceType
	Version() Version
	// Base is the physical address of the register window.
	Base() uint64

	ReadDeviceFeatures() uint64
	WriteDriverFeatures(features uint64)

	Status() DeviceStatus
	SetStatus(status DeviceStatus)

	MaxQueueSize(queue uint16) uint32
	QueueUsed(queue uint16) bool
	QueueSet(queue uint16, size uint16, desc, avail, used uint64) error
	QueueUnset(queue uint16)
	Notify(queue uint16)
	AckInterrupt() bool

	ConfigGeneration() uint32
	ReadConfig8(off uint64) uint8
	ReadConfig32(off uint64) uint32
	WriteConfig8(off uint64, v uint8)
	WriteConfig32(off uint64, v uint32)
}

// MMIOTransport drives a virtio-mmio register window.
type MMIOTransport struct {
	regs       hw.Region
	version    Version
	deviceType DeviceType
	vendorID   uint32
}

var _ Transport = (*MMIOTransport)(nil)

// NewMMIOTransport validates the transport header in regs. It only reads
// registers.
func NewMMIOTransport(regs hw.Region) (*MMIOTransport, error) {
	if regs.Size() < MinRegionSize {
		return nil, fmt.Errorf("%w: register window of %#x bytes is too small", ErrTransportInit, regs.Size())
	}
	if magic := regs.Read32(VIRTIO_MMIO_MAGIC_VALUE); magic != MagicValue {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrTransportInit, magic)
	}
	version := Version(regs.Read32(VIRTIO_MMIO_VERSION))
	if version != VersionLegacy && version != VersionModern {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrTransportInit, uint32(version))
	}
	deviceID := DeviceType(regs.Read32(VIRTIO_MMIO_DEVICE_ID))
	if deviceID == DeviceTypeInvalid {
		return nil, fmt.Errorf("%w: no device behind %#x", ErrTransportInit, regs.Base())
	}
	return &MMIOTransport{
		regs:       regs,
		version:    version,
		deviceType: deviceID,
		vendorID:   regs.Read32(VIRTIO_MMIO_VENDOR_ID),
	}, nil
}

func (t *MMIOTransport) VendorID() uint32       { return t.vendorID }
func (t *MMIOTransport) DeviceType() DeviceType { return t.deviceType }
func (t *MMIOTransport) Version() Version       { return t.version }
func (t *MMIOTransport) Base() uint64           { return t.regs.Base() }

func (t *MMIOTransport) ReadDeviceFeatures() uint64 {
	t.regs.Write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	lo := uint64(t.regs.Read32(VIRTIO_MMIO_DEVICE_FEATURES))
	t.regs.Write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	hi := uint64(t.regs.Read32(VIRTIO_MMIO_DEVICE_FEATURES))
	return hi<<32 | lo
}

func (t *MMIOTransport) WriteDriverFeatures(features uint64) {
	t.regs.Write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	t.regs.Write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(features))
	t.regs.Write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	t.regs.Write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>32))
}

func (t *MMIOTransport) Status() DeviceStatus {
	return DeviceStatus(t.regs.Read32(VIRTIO_MMIO_STATUS))
}

func (t *MMIOTransport) SetStatus(status DeviceStatus) {
	t.regs.Write32(VIRTIO_MMIO_STATUS, uint32(status))
}

func (t *MMIOTransport) MaxQueueSize(queue uint16) uint32 {
	t.regs.Write32(VIRTIO_MMIO_QUEUE_SEL, uint32(queue))
	return t.regs.Read32(VIRTIO_MMIO_QUEUE_NUM_MAX)
}

func (t *MMIOTransport) QueueUsed(queue uint16) bool {
	t.regs.Write32(VIRTIO_MMIO_QUEUE_SEL, uint32(queue))
	if t.version == VersionLegacy {
		return t.regs.Read32(VIRTIO_MMIO_QUEUE_PFN) != 0
	}
	return t.regs.Read32(VIRTIO_MMIO_QUEUE_READY) != 0
}

// QueueSet configures a queue. Legacy transports take a single page frame
// number, so the rings must use the legacy contiguous layout.
func (t *MMIOTransport) QueueSet(queue uint16, size uint16, desc, avail, used uint64) error {
	t.regs.Write32(VIRTIO_MMIO_QUEUE_SEL, uint32(queue))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_NUM, uint32(size))

	if t.version == VersionLegacy {
		wantAvail, wantUsed := desc+availOffset(size), desc+usedOffset(size)
		if desc%PageSize != 0 || avail != wantAvail || used != wantUsed {
			return fmt.Errorf("virtio: queue %d rings at %#x/%#x/%#x do not match the legacy layout", queue, desc, avail, used)
		}
		pfn := desc / PageSize
		if pfn > 0xffffffff {
			return fmt.Errorf("virtio: queue %d descriptor table %#x beyond legacy reach", queue, desc)
		}
		t.regs.Write32(VIRTIO_MMIO_GUEST_PAGE_SIZE, PageSize)
		t.regs.Write32(VIRTIO_MMIO_QUEUE_ALIGN, PageSize)
		t.regs.Write32(VIRTIO_MMIO_QUEUE_PFN, uint32(pfn))
		return nil
	}

	t.regs.Write32(VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(desc))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_DESC_HIGH, uint32(desc>>32))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(avail))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_AVAIL_HIGH, uint32(avail>>32))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_USED_LOW, uint32(used))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_USED_HIGH, uint32(used>>32))
	t.regs.Write32(VIRTIO_MMIO_QUEUE_READY, 1)
	return nil
}

func (t *MMIOTransport) QueueUnset(queue uint16) {
	t.regs.Write32(VIRTIO_MMIO_QUEUE_SEL, uint32(queue))
	if t.version == VersionLegacy {
		t.regs.Write32(VIRTIO_MMIO_QUEUE_NUM, 0)
		t.regs.Write32(VIRTIO_MMIO_QUEUE_PFN, 0)
		return
	}
	t.regs.Write32(VIRTIO_MMIO_QUEUE_READY, 0)
	t.regs.Write32(VIRTIO_MMIO_QUEUE_DESC_LOW, 0)
	t.regs.Write32(VIRTIO_MMIO_QUEUE_DESC_HIGH, 0)
	t.regs.Write32(VIRTIO_MMIO_QUEUE_AVAIL_LOW, 0)
	t.regs.Write32(VIRTIO_MMIO_QUEUE_AVAIL_HIGH, 0)
	t.regs.Write32(VIRTIO_MMIO_QUEUE_USED_LOW, 0)
	t.regs.Write32(VIRTIO_MMIO_QUEUE_USED_HIGH, 0)
}

func (t *MMIOTransport) Notify(queue uint16) {
	t.regs.Write32(VIRTIO_MMIO_QUEUE_NOTIFY, uint32(queue))
}

// AckInterrupt acknowledges any pending interrupt and reports whether there
// was one.
func (t *MMIOTransport) AckInterrupt() bool {
	status := t.regs.Read32(VIRTIO_MMIO_INTERRUPT_STATUS)
	if status == 0 {
		return false
	}
	t.regs.Write32(VIRTIO_MMIO_INTERRUPT_ACK, status)
	return true
}

func (t *MMIOTransport) ConfigGeneration() uint32 {
	if t.version == VersionLegacy {
		return 0
	}
	return t.regs.Read32(VIRTIO_MMIO_CONFIG_GENERATION)
}

func (t *MMIOTransport) ReadConfig8(off uint64) uint8 {
	return t.regs.Read8(VIRTIO_MMIO_CONFIG + off)
}

func (t *MMIOTransport) ReadConfig32(off uint64) uint32 {
	return t.regs.Read32(VIRTIO_MMIO_CONFIG + off)
}

func (t *MMIOTransport) WriteConfig8(off uint64, v uint8) {
	t.regs.Write8(VIRTIO_MMIO_CONFIG+off, v)
}

func (t *MMIOTransport) WriteConfig32(off uint64, v uint32) {
	t.regs.Write32(VIRTIO_MMIO_CONFIG+off, v)
}

// readConfig64 reads a 64-bit config field, retrying until the config
// generation is stable.
func readConfig64(t Transport, off uint64) uint64 {
	for {
		gen := t.ConfigGeneration()
		lo := uint64(t.ReadConfig32(off))
		hi := uint64(t.ReadConfig32(off + 4))
		if t.ConfigGeneration() == gen {
			return hi<<32 | lo
		}
	}
}

// initDevice runs the reset, acknowledge and feature negotiation steps and
// returns the negotiated feature set. The caller sets up queues and then
// calls finishInit.
func initDevice(t Transport, supported uint64) (uint64, error) {
	t.SetStatus(0)
	t.SetStatus(VIRTIO_STATUS_ACKNOWLEDGE | VIRTIO_STATUS_DRIVER)

	device := t.ReadDeviceFeatures()
	negotiated := device & supported
	if t.Version() == VersionModern {
		if device&VIRTIO_F_VERSION_1 == 0 {
			t.SetStatus(VIRTIO_STATUS_FAILED)
			return 0, fmt.Errorf("%w: modern device does not offer VERSION_1", ErrFeatures)
		}
		negotiated |= VIRTIO_F_VERSION_1
	} else {
		negotiated &^= VIRTIO_F_VERSION_1
	}
	t.WriteDriverFeatures(negotiated)

	if t.Version() == VersionModern {
		t.SetStatus(VIRTIO_STATUS_ACKNOWLEDGE | VIRTIO_STATUS_DRIVER | VIRTIO_STATUS_FEATURES_OK)
		if !t.Status().Has(VIRTIO_STATUS_FEATURES_OK) {
			t.SetStatus(VIRTIO_STATUS_FAILED)
			return 0, fmt.Errorf("%w: device rejected features %#x", ErrFeatures, negotiated)
		}
	}
	return negotiated, nil
}

func finishInit(t Transport) {
	t.SetStatus(t.Status() | VIRTIO_STATUS_DRIVER_OK)
}

// failInit marks the device as failed after a partial initialisation.
func failInit(t Transport) {
	t.SetStatus(t.Status() | VIRTIO_STATUS_FAILED)
}
