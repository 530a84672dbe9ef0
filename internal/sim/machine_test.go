package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/pcap"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

func newMachine(t *testing.T, cfg Config, opts ...Option) *Machine {
	t.Helper()
	m, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDefaultMachineDeviceTree(t *testing.T) {
	m := newMachine(t, DefaultConfig())

	tree, err := fdt.Parse(m.DeviceTree())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var virtioBases []uint64
	var uarts int
	for node := range tree.AllNodes() {
		compat, _ := node.Compatible()
		switch {
		case compat.Contains("virtio,mmio"):
			regs, ok := node.Reg()
			if !ok || len(regs) != 1 {
				t.Fatalf("%s: reg = %v", node.Path(), regs)
			}
			virtioBases = append(virtioBases, regs[0].Address)
		case compat.Contains("ns16550a"):
			uarts++
		}
	}
	want := []uint64{0x10001000, 0x10002000, 0x10003000, 0x10004000, 0x10005000, 0x10006000, 0x10007000, 0x10008000}
	if len(virtioBases) != len(want) {
		t.Fatalf("virtio nodes = %#x, want %#x", virtioBases, want)
	}
	for i := range want {
		if virtioBases[i] != want[i] {
			t.Fatalf("virtio node %d at %#x, want %#x", i, virtioBases[i], want[i])
		}
	}
	if uarts != 1 {
		t.Fatalf("uart nodes = %d, want 1", uarts)
	}
	if m.Bus().TotalAccesses() != 0 {
		t.Fatalf("building the machine touched %d registers", m.Bus().TotalAccesses())
	}
}

func TestEmptySlotReportsDeviceZero(t *testing.T) {
	m := newMachine(t, DefaultConfig())

	region, err := m.Bus().Map(0x10001000, 0x1000)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := region.Read32(virtio.VIRTIO_MMIO_MAGIC_VALUE); got != virtio.MagicValue {
		t.Fatalf("magic = %#x", got)
	}
	if got := region.Read32(virtio.VIRTIO_MMIO_DEVICE_ID); got != 0 {
		t.Fatalf("device id = %d, want 0", got)
	}
	if got := m.Bus().Accesses(0x10001000); got != 2 {
		t.Fatalf("accesses = %d, want 2", got)
	}
}

func TestUnbackedAddressReadsZero(t *testing.T) {
	m := newMachine(t, Config{Devices: []DeviceConfig{{Kind: KindAbsent, Base: 0x10001000}}})

	region, err := m.Bus().Map(0x10001000, 0x200)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := region.Read32(virtio.VIRTIO_MMIO_MAGIC_VALUE); got != 0 {
		t.Fatalf("magic = %#x, want 0", got)
	}
	if _, err := virtio.NewMMIOTransport(region); !errors.Is(err, virtio.ErrTransportInit) {
		t.Fatalf("NewMMIOTransport err = %v, want ErrTransportInit", err)
	}
}

func TestOverlappingDevicesRejected(t *testing.T) {
	_, err := New(Config{Devices: []DeviceConfig{
		{Kind: KindBlock, Base: 0x10001000, Size: 0x2000},
		{Kind: KindEmpty, Base: 0x10002000},
	}})
	if err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestNoRegOmitsProperty(t *testing.T) {
	m := newMachine(t, Config{Devices: []DeviceConfig{{Kind: KindBlock, Base: 0x10001000, NoReg: true}}})

	tree, err := fdt.Parse(m.DeviceTree())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	node, ok := tree.FindNode("/soc/virtio@10001000")
	if !ok {
		t.Fatalf("virtio node missing")
	}
	if _, ok := node.Property("reg"); ok {
		t.Fatalf("reg property present")
	}
}

func TestInjectFrameRequiresNetDevice(t *testing.T) {
	m := newMachine(t, DefaultConfig())

	if err := m.InjectFrame(0x10008000, []byte{1, 2, 3}); err == nil {
		t.Fatalf("inject into block device succeeded")
	}
	if err := m.InjectFrame(0x20000000, []byte{1, 2, 3}); err == nil {
		t.Fatalf("inject into missing device succeeded")
	}
	if err := m.InjectFrame(0x10005000, []byte{1, 2, 3}); err != nil {
		t.Fatalf("inject: %v", err)
	}
}

func TestCaptureRecordsInjectedFrames(t *testing.T) {
	var buf bytes.Buffer
	m := newMachine(t, DefaultConfig(), WithCapture(&buf))

	frame := bytes.Repeat([]byte{0xab}, 60)
	if err := m.InjectFrame(0x10005000, frame); err != nil {
		t.Fatalf("inject: %v", err)
	}

	frames, err := pcap.Read(&buf)
	if err != nil {
		t.Fatalf("pcap.Read: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0].Data, frame) {
		t.Fatalf("captured %d frames", len(frames))
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
version: 1
name: test
ram:
  sizeMB: 16
devices:
  - kind: Block
    base: 0x10001000
    transport: 1
    block:
      sectors: 8
      readOnly: true
  - kind: net
    base: 0x10002000
  - kind: other
    base: 0x10003000
    deviceID: 9
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.RAM.Base != DefaultRAMBase || cfg.RAM.SizeMB != 16 {
		t.Fatalf("ram = %+v", cfg.RAM)
	}
	if len(cfg.Devices) != 3 {
		t.Fatalf("devices = %d", len(cfg.Devices))
	}
	blk := cfg.Devices[0]
	if blk.Kind != KindBlock || blk.Transport != 1 || blk.Block.Sectors != 8 || !blk.Block.ReadOnly || blk.Size != 0x1000 {
		t.Fatalf("block = %+v", blk)
	}
	if cfg.Devices[1].Net.MAC == "" || cfg.Devices[1].Transport != 2 {
		t.Fatalf("net = %+v", cfg.Devices[1])
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"unknown kind", "devices: [{kind: floppy, base: 0x1000}]"},
		{"missing base", "devices: [{kind: block}]"},
		{"bad transport", "devices: [{kind: block, base: 0x1000, transport: 3}]"},
		{"other without id", "devices: [{kind: other, base: 0x1000}]"},
		{"bad mac", "devices: [{kind: net, base: 0x1000, net: {mac: nope}}]"},
		{"not yaml", "devices: [kind"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
