// Package virtio implements the driver side of the virtio-mmio transport and
// typed drivers for block, gpu, input and net devices.
package virtio

// MMIO register offsets. Offsets marked legacy only exist on version 1
// transports.
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_GUEST_PAGE_SIZE     = 0x028 // legacy
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_ALIGN         = 0x03c // legacy
	VIRTIO_MMIO_QUEUE_PFN           = 0x040 // legacy
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	// Interrupt status bits
	VIRTIO_MMIO_INT_VRING  = 0x1
	VIRTIO_MMIO_INT_CONFIG = 0x2
)

const (
	// MagicValue is "virt" in little-endian.
	MagicValue = 0x74726976

	// MinRegionSize covers the common registers up to the config space.
	MinRegionSize = VIRTIO_MMIO_CONFIG

	// DefaultRegionSize is the conventional size of one transport window.
	DefaultRegionSize = 0x200

	// PageSize is the guest page size used by legacy transports.
	PageSize = 0x1000
)

// Device status bits.
const (
	VIRTIO_STATUS_ACKNOWLEDGE        = 1
	VIRTIO_STATUS_DRIVER             = 2
	VIRTIO_STATUS_DRIVER_OK          = 4
	VIRTIO_STATUS_FEATURES_OK        = 8
	VIRTIO_STATUS_DEVICE_NEEDS_RESET = 64
	VIRTIO_STATUS_FAILED             = 128
)

// Transport feature bits shared by every device type.
const (
	VIRTIO_F_INDIRECT_DESC = uint64(1) << 28
	VIRTIO_F_EVENT_IDX     = uint64(1) << 29
	VIRTIO_F_VERSION_1     = uint64(1) << 32
)

// Split virtqueue descriptor flags.
const (
	VIRTQ_DESC_F_NEXT  = 1
	VIRTQ_DESC_F_WRITE = 2
)
