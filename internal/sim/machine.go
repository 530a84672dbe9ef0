package sim

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"net"

	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/hw"
	"github.com/tinyrange/dtprobe/internal/pcap"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

// Machine is a simulated board: RAM, a bus of virtio-mmio transports and the
// device tree describing them.
type Machine struct {
	cfg   Config
	log   *slog.Logger
	ram   *RAM
	bus   *Bus
	arena *hw.Arena
	dtb   []byte

	blocks map[uint64]*Block
	gpus   map[uint64]*GPU
	inputs map[uint64]*Input
	nets   map[uint64]*Net

	capture *pcap.Recorder
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for device-side diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithCapture records every frame crossing a net device to w.
func WithCapture(w io.Writer) Option {
	return func(m *Machine) { m.capture = pcap.NewRecorder(w, pcap.DefaultSnapLen) }
}

// New builds a machine from cfg.
func New(cfg Config, opts ...Option) (*Machine, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:    cfg,
		log:    slog.Default(),
		bus:    NewBus(),
		blocks: make(map[uint64]*Block),
		gpus:   make(map[uint64]*GPU),
		inputs: make(map[uint64]*Input),
		nets:   make(map[uint64]*Net),
	}
	for _, opt := range opts {
		opt(m)
	}

	ram, err := NewRAM(cfg.RAM.Base, cfg.RAM.SizeMB<<20)
	if err != nil {
		return nil, err
	}
	m.ram = ram
	m.arena = hw.NewArena(ram.Base(), ram.Bytes())

	for i, d := range cfg.Devices {
		if err := m.attach(d); err != nil {
			ram.Close()
			return nil, fmt.Errorf("sim: device %d (%s at %#x): %w", i, d.Kind, d.Base, err)
		}
	}

	dtb, err := fdt.Build(m.deviceTree())
	if err != nil {
		ram.Close()
		return nil, fmt.Errorf("sim: build device tree: %w", err)
	}
	m.dtb = dtb
	return m, nil
}

// emptyModel backs transports with no behaviour: unpopulated slots and
// device types the simulator does not implement.
type emptyModel struct {
	id virtio.DeviceType
}

func (e emptyModel) DeviceType() virtio.DeviceType           { return e.id }
func (e emptyModel) Features() uint64                        { return 0 }
func (e emptyModel) QueueMaxSizes() []uint16                 { return nil }
func (e emptyModel) ReadConfig(uint64) uint8                 { return 0 }
func (e emptyModel) WriteConfig(uint64, uint8)               {}
func (e emptyModel) OnReset()                                {}
func (e emptyModel) OnNotify(d *mmioDevice, queue int) error { return fmt.Errorf("no queue %d", queue) }

func (m *Machine) attach(d DeviceConfig) error {
	var model deviceModel
	switch d.Kind {
	case KindAbsent, KindUART:
		return nil
	case KindEmpty:
		model = emptyModel{}
	case KindOther:
		model = emptyModel{id: virtio.DeviceType(d.DeviceID)}
	case KindBlock:
		b := newBlock(d.Block.Sectors, d.Block.ReadOnly, d.Block.ID)
		m.blocks[d.Base] = b
		model = b
	case KindGPU:
		g := newGPU(d.GPU.Width, d.GPU.Height)
		m.gpus[d.Base] = g
		model = g
	case KindInput:
		in := newInput(d.Input.Name, d.Input.Serial)
		m.inputs[d.Base] = in
		model = in
	case KindNet:
		mac, err := net.ParseMAC(d.Net.MAC)
		if err != nil {
			return err
		}
		n := newNet(mac)
		if m.capture != nil {
			n.tap = func(frame []byte) {
				if err := m.capture.Record(frame); err != nil {
					m.log.Warn("sim: capture frame", "err", err)
				}
			}
		}
		m.nets[d.Base] = n
		model = n
	default:
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	dev := newMMIODevice(m.ram, d.Base, d.Size, virtio.Version(d.Transport), DefaultVendorID, model, m.log)
	return m.bus.attach(dev)
}

func (m *Machine) deviceTree() fdt.Node {
	soc := fdt.Node{
		Name: "soc",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"simple-bus"}},
			"ranges":         {Flag: true},
		},
	}
	for _, d := range m.cfg.Devices {
		var n fdt.Node
		if d.Kind == KindUART {
			n = fdt.Node{
				Name: fmt.Sprintf("serial@%x", d.Base),
				Properties: map[string]fdt.Property{
					"compatible":      {Strings: []string{"ns16550a"}},
					"reg":             {U64: []uint64{d.Base, d.Size}},
					"interrupts":      {U32: []uint32{d.IRQ}},
					"clock-frequency": {U32: []uint32{3686400}},
				},
			}
		} else {
			n = fdt.VirtioMMIONode(d.Base, d.Size, d.IRQ)
		}
		if d.NoReg {
			delete(n.Properties, "reg")
		}
		soc.Children = append(soc.Children, n)
	}

	return fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"riscv-virtio"}},
			"model":          {Strings: []string{"dtprobe," + m.cfg.Name}},
		},
		Children: []fdt.Node{
			{
				Name: "chosen",
				Properties: map[string]fdt.Property{
					"stdout-path": {Strings: []string{"/soc/serial@10000000"}},
				},
			},
			{
				Name: fmt.Sprintf("memory@%x", m.cfg.RAM.Base),
				Properties: map[string]fdt.Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{m.cfg.RAM.Base, m.cfg.RAM.SizeMB << 20}},
				},
			},
			{
				Name: "cpus",
				Properties: map[string]fdt.Property{
					"#address-cells": {U32: []uint32{1}},
					"#size-cells":    {U32: []uint32{0}},
				},
				Children: []fdt.Node{{
					Name: fmt.Sprintf("cpu@%d", m.cfg.BootCPU),
					Properties: map[string]fdt.Property{
						"device_type": {Strings: []string{"cpu"}},
						"reg":         {U32: []uint32{m.cfg.BootCPU}},
						"compatible":  {Strings: []string{"riscv"}},
						"riscv,isa":   {Strings: []string{"rv64imafdc"}},
					},
				}},
			},
			soc,
		},
	}
}

// Config returns the normalized machine description.
func (m *Machine) Config() Config { return m.cfg }

// DeviceTree returns the flattened device tree blob.
func (m *Machine) DeviceTree() []byte { return m.dtb }

// Bus returns the register bus.
func (m *Machine) Bus() *Bus { return m.bus }

// RAM returns guest memory.
func (m *Machine) RAM() *RAM { return m.ram }

// Env returns the hardware capabilities of the machine.
func (m *Machine) Env(clock hw.Clock) hw.Env {
	return hw.Env{Mapper: m.bus, Allocator: m.arena, Clock: clock}
}

// Block returns the block model at base.
func (m *Machine) Block(base uint64) (*Block, bool) {
	b, ok := m.blocks[base]
	return b, ok
}

// GPU returns the gpu model at base.
func (m *Machine) GPU(base uint64) (*GPU, bool) {
	g, ok := m.gpus[base]
	return g, ok
}

// Input returns the input model at base.
func (m *Machine) Input(base uint64) (*Input, bool) {
	in, ok := m.inputs[base]
	return in, ok
}

// Net returns the net model at base.
func (m *Machine) Net(base uint64) (*Net, bool) {
	n, ok := m.nets[base]
	return n, ok
}

// Screenshot returns the last frame presented by the gpu at base.
func (m *Machine) Screenshot(base uint64) (*image.RGBA, error) {
	var img *image.RGBA
	err := m.bus.withDevice(base, func(d *mmioDevice) error {
		g, ok := d.model.(*GPU)
		if !ok {
			return fmt.Errorf("sim: device at %#x is not a gpu", base)
		}
		img = g.Frame()
		return nil
	})
	return img, err
}

// InjectFrame queues an ethernet frame for the net device at base. It is
// safe to call from any goroutine.
func (m *Machine) InjectFrame(base uint64, frame []byte) error {
	return m.bus.withDevice(base, func(d *mmioDevice) error {
		n, ok := d.model.(*Net)
		if !ok {
			return fmt.Errorf("sim: device at %#x is not a net device", base)
		}
		n.inject(frame)
		return nil
	})
}

// SetNetPeer routes frames transmitted by the net device at base to fn.
// fn runs with the bus locked and must not call back into the machine.
func (m *Machine) SetNetPeer(base uint64, fn func(frame []byte)) error {
	return m.bus.withDevice(base, func(d *mmioDevice) error {
		n, ok := d.model.(*Net)
		if !ok {
			return fmt.Errorf("sim: device at %#x is not a net device", base)
		}
		n.peer = fn
		return nil
	})
}

// SentFrames returns a copy of the frames the net device at base transmitted.
func (m *Machine) SentFrames(base uint64) ([][]byte, error) {
	var out [][]byte
	err := m.bus.withDevice(base, func(d *mmioDevice) error {
		n, ok := d.model.(*Net)
		if !ok {
			return fmt.Errorf("sim: device at %#x is not a net device", base)
		}
		for _, f := range n.Sent {
			out = append(out, append([]byte(nil), f...))
		}
		return nil
	})
	return out, err
}

// QueueInputEvent queues an event for the input device at base.
func (m *Machine) QueueInputEvent(base uint64, ev virtio.InputEvent) error {
	return m.bus.withDevice(base, func(d *mmioDevice) error {
		in, ok := d.model.(*Input)
		if !ok {
			return fmt.Errorf("sim: device at %#x is not an input device", base)
		}
		in.pending = append(in.pending, ev)
		return nil
	})
}

// Close releases guest memory.
func (m *Machine) Close() error {
	return m.ram.Close()
}
