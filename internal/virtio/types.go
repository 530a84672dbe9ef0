package virtio

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportInit reports a register window that does not hold a usable
	// virtio-mmio transport.
	ErrTransportInit = errors.New("virtio: transport init failed")
	// ErrWrongDeviceType is returned by a driver constructor given a
	// transport of another class.
	ErrWrongDeviceType = errors.New("virtio: wrong device type")
	// ErrFeatures reports a failed feature negotiation.
	ErrFeatures = errors.New("virtio: feature negotiation failed")
	// ErrQueueFull reports a request that needs more free descriptors than
	// the queue has.
	ErrQueueFull = errors.New("virtio: queue full")
	// ErrNotReady reports that a polled operation has nothing to return yet.
	ErrNotReady = errors.New("virtio: not ready")
	// ErrIO reports a device-side I/O failure.
	ErrIO = errors.New("virtio: device I/O error")
	// ErrUnsupported reports a request the device rejected as unsupported.
	ErrUnsupported = errors.New("virtio: unsupported request")
	// ErrReadOnly reports a write to a read-only block device.
	ErrReadOnly = errors.New("virtio: device is read-only")
	// ErrNoResponse reports a device that never completed a request.
	ErrNoResponse = errors.New("virtio: device did not respond")
)

// DeviceType is the virtio device id reported by a transport.
type DeviceType uint32

const (
	DeviceTypeInvalid  DeviceType = 0
	DeviceTypeNetwork  DeviceType = 1
	DeviceTypeBlock    DeviceType = 2
	DeviceTypeConsole  DeviceType = 3
	DeviceTypeEntropy  DeviceType = 4
	DeviceTypeBalloon  DeviceType = 5
	DeviceTypeRPMsg    DeviceType = 7
	DeviceTypeSCSI     DeviceType = 8
	DeviceType9P       DeviceType = 9
	DeviceTypeMac80211 DeviceType = 10
	DeviceTypeRproc    DeviceType = 11
	DeviceTypeCAIF     DeviceType = 12
	DeviceTypeGPU      DeviceType = 16
	DeviceTypeInput    DeviceType = 18
	DeviceTypeSocket   DeviceType = 19
	DeviceTypeCrypto   DeviceType = 20
	DeviceTypeSignal   DeviceType = 21
	DeviceTypePstore   DeviceType = 22
	DeviceTypeIOMMU    DeviceType = 23
	DeviceTypeMemory   DeviceType = 24
	DeviceTypeSound    DeviceType = 25
	DeviceTypeFS       DeviceType = 26
	DeviceTypePMEM     DeviceType = 27
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeNetwork:  "Network",
	DeviceTypeBlock:    "Block",
	DeviceTypeConsole:  "Console",
	DeviceTypeEntropy:  "Entropy",
	DeviceTypeBalloon:  "Balloon",
	DeviceTypeRPMsg:    "RPMsg",
	DeviceTypeSCSI:     "SCSI",
	DeviceType9P:       "9P",
	DeviceTypeMac80211: "Mac80211",
	DeviceTypeRproc:    "Rproc",
	DeviceTypeCAIF:     "CAIF",
	DeviceTypeGPU:      "GPU",
	DeviceTypeInput:    "Input",
	DeviceTypeSocket:   "Socket",
	DeviceTypeCrypto:   "Crypto",
	DeviceTypeSignal:   "Signal",
	DeviceTypePstore:   "Pstore",
	DeviceTypeIOMMU:    "IOMMU",
	DeviceTypeMemory:   "Memory",
	DeviceTypeSound:    "Sound",
	DeviceTypeFS:       "FS",
	DeviceTypePMEM:     "PMEM",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DeviceType(%d)", uint32(t))
}

// Version is the virtio-mmio transport version.
type Version uint32

const (
	VersionLegacy Version = 1
	VersionModern Version = 2
)

func (v Version) String() string {
	switch v {
	case VersionLegacy:
		return "Legacy"
	case VersionModern:
		return "Modern"
	default:
		return fmt.Sprintf("Version(%d)", uint32(v))
	}
}

// DeviceStatus is the device status register.
type DeviceStatus uint32

func (s DeviceStatus) Has(bits DeviceStatus) bool { return s&bits == bits }
