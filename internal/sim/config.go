package sim

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/tinyrange/dtprobe/internal/virtio"
	"gopkg.in/yaml.v3"
)

// Device kinds understood by the machine description.
const (
	KindBlock = "block"
	KindGPU   = "gpu"
	KindInput = "input"
	KindNet   = "net"
	// KindEmpty is a transport with device id 0, like an unpopulated
	// QEMU slot.
	KindEmpty = "empty"
	// KindOther is a transport reporting DeviceID with no behaviour.
	KindOther = "other"
	// KindAbsent is a virtio,mmio node with nothing on the bus.
	KindAbsent = "absent"
	// KindUART is a plain ns16550a node that is not a virtio device.
	KindUART = "uart"
)

const (
	DefaultRAMBase   = 0x8000_0000
	DefaultRAMSizeMB = 64
	DefaultVendorID  = 0x554d4551 // "QEMU"
)

// Config describes a simulated machine.
type Config struct {
	Version int       `yaml:"version"`
	Name    string    `yaml:"name"`
	RAM     RAMConfig `yaml:"ram"`
	BootCPU uint32    `yaml:"bootCPU,omitempty"`

	Devices []DeviceConfig `yaml:"devices"`
}

type RAMConfig struct {
	Base   uint64 `yaml:"base"`
	SizeMB uint64 `yaml:"sizeMB"`
}

type DeviceConfig struct {
	Kind string `yaml:"kind"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size,omitempty"`
	IRQ  uint32 `yaml:"irq,omitempty"`
	// Transport is the virtio-mmio version: 1 (legacy) or 2 (modern).
	Transport uint32 `yaml:"transport,omitempty"`
	// NoReg omits the reg property from the node.
	NoReg bool `yaml:"noReg,omitempty"`
	// DeviceID is the raw device type reported by KindOther.
	DeviceID uint32 `yaml:"deviceID,omitempty"`

	Block BlockConfig `yaml:"block,omitempty"`
	GPU   GPUConfig   `yaml:"gpu,omitempty"`
	Input InputConfig `yaml:"input,omitempty"`
	Net   NetConfig   `yaml:"net,omitempty"`
}

type BlockConfig struct {
	Sectors  uint64 `yaml:"sectors,omitempty"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
	ID       string `yaml:"id,omitempty"`
}

type GPUConfig struct {
	Width  uint32 `yaml:"width,omitempty"`
	Height uint32 `yaml:"height,omitempty"`
}

type InputConfig struct {
	Name   string `yaml:"name,omitempty"`
	Serial string `yaml:"serial,omitempty"`
}

type NetConfig struct {
	MAC string `yaml:"mac,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Name == "" {
		c.Name = "dtprobe-sim"
	}
	if c.RAM.Base == 0 {
		c.RAM.Base = DefaultRAMBase
	}
	if c.RAM.SizeMB == 0 {
		c.RAM.SizeMB = DefaultRAMSizeMB
	}
	for i := range c.Devices {
		c.Devices[i].normalize(i)
	}
}

func (d *DeviceConfig) normalize(index int) {
	d.Kind = strings.ToLower(d.Kind)
	if d.Size == 0 {
		d.Size = 0x1000
	}
	if d.Transport == 0 {
		d.Transport = uint32(virtio.VersionModern)
	}
	if d.IRQ == 0 {
		d.IRQ = uint32(index + 1)
	}
	switch d.Kind {
	case KindBlock:
		if d.Block.Sectors == 0 {
			d.Block.Sectors = 64
		}
		if d.Block.ID == "" {
			d.Block.ID = "dtprobe-blk"
		}
	case KindGPU:
		if d.GPU.Width == 0 {
			d.GPU.Width = 1280
		}
		if d.GPU.Height == 0 {
			d.GPU.Height = 800
		}
	case KindInput:
		if d.Input.Name == "" {
			d.Input.Name = "QEMU Virtio Mouse"
		}
	case KindNet:
		if d.Net.MAC == "" {
			d.Net.MAC = fmt.Sprintf("52:54:00:12:34:%02x", 0x56+index)
		}
	}
}

// Validate checks the description for errors normalize cannot fix.
func (c *Config) Validate() error {
	for i, d := range c.Devices {
		switch d.Kind {
		case KindBlock, KindGPU, KindInput, KindNet, KindEmpty, KindAbsent, KindUART:
		case KindOther:
			if d.DeviceID == 0 {
				return fmt.Errorf("device %d: kind %q needs a deviceID", i, d.Kind)
			}
		default:
			return fmt.Errorf("device %d: unknown kind %q", i, d.Kind)
		}
		if d.Base == 0 {
			return fmt.Errorf("device %d: base address required", i)
		}
		if d.Transport != uint32(virtio.VersionLegacy) && d.Transport != uint32(virtio.VersionModern) {
			return fmt.Errorf("device %d: transport version %d not 1 or 2", i, d.Transport)
		}
		if d.Kind == KindNet {
			if _, err := net.ParseMAC(d.Net.MAC); err != nil {
				return fmt.Errorf("device %d: %w", i, err)
			}
		}
		if d.Kind == KindGPU && uint64(d.GPU.Width)*uint64(d.GPU.Height)*4 > c.RAM.SizeMB<<20 {
			return fmt.Errorf("device %d: %dx%d framebuffer does not fit in ram", i, d.GPU.Width, d.GPU.Height)
		}
	}
	return nil
}

// DefaultConfig mirrors the QEMU riscv virt board: eight virtio slots of
// which four are populated.
func DefaultConfig() Config {
	cfg := Config{
		Name: "riscv-virt",
		Devices: []DeviceConfig{
			{Kind: KindUART, Base: 0x1000_0000, Size: 0x100},
			{Kind: KindEmpty, Base: 0x1000_1000},
			{Kind: KindEmpty, Base: 0x1000_2000},
			{Kind: KindEmpty, Base: 0x1000_3000},
			{Kind: KindEmpty, Base: 0x1000_4000},
			{Kind: KindNet, Base: 0x1000_5000},
			{Kind: KindInput, Base: 0x1000_6000},
			{Kind: KindGPU, Base: 0x1000_7000},
			{Kind: KindBlock, Base: 0x1000_8000},
		},
	}
	cfg.normalize()
	return cfg
}

// ParseConfig decodes a YAML machine description.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse machine description: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML machine description from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfig(data)
}
