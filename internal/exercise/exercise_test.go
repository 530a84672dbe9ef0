package exercise

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/tinyrange/dtprobe/internal/hw"
	"github.com/tinyrange/dtprobe/internal/sim"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

const base = 0x10001000

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// simDevice returns a transport and env for a single simulated device.
func simDevice(t *testing.T, dev sim.DeviceConfig) (*sim.Machine, virtio.Transport, Env, *hw.InstantClock) {
	t.Helper()
	dev.Base = base
	m, err := sim.New(sim.Config{Devices: []sim.DeviceConfig{dev}})
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	clock := &hw.InstantClock{}
	henv := m.Env(clock)
	region, err := henv.Mapper.Map(base, 0x1000)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	tr, err := virtio.NewMMIOTransport(region)
	if err != nil {
		t.Fatalf("NewMMIOTransport: %v", err)
	}
	env := Env{
		Drivers: VirtioDrivers{Allocator: henv.Allocator},
		Logger:  quietLogger(),
		Clock:   clock,
	}
	return m, tr, env, clock
}

func TestBlockRoundTrips(t *testing.T) {
	m, tr, env, _ := simDevice(t, sim.DeviceConfig{Kind: sim.KindBlock})
	var progress []int
	env.BlockProgress = func(done, total int) {
		if total != BlockCount {
			t.Fatalf("total = %d", total)
		}
		progress = append(progress, done)
	}

	if err := Block(context.Background(), env, tr); err != nil {
		t.Fatalf("Block: %v", err)
	}

	model, _ := m.Block(base)
	if model.Requests[virtio.VIRTIO_BLK_T_OUT] != BlockCount || model.Requests[virtio.VIRTIO_BLK_T_IN] != BlockCount {
		t.Fatalf("requests = %v", model.Requests)
	}
	for i := 0; i < BlockCount; i++ {
		sector := model.Contents()[i*virtio.SectorSize : (i+1)*virtio.SectorSize]
		if !bytes.Equal(sector, bytes.Repeat([]byte{byte(i)}, virtio.SectorSize)) {
			t.Fatalf("block %d holds wrong pattern", i)
		}
	}
	if len(progress) != BlockCount || progress[BlockCount-1] != BlockCount {
		t.Fatalf("progress = %v", progress)
	}
}

func TestBlockTooSmall(t *testing.T) {
	_, tr, env, _ := simDevice(t, sim.DeviceConfig{Kind: sim.KindBlock, Block: sim.BlockConfig{Sectors: 8}})
	err := Block(context.Background(), env, tr)
	var ee *ExerciseError
	if !errors.As(err, &ee) || ee.Op != "write block" || ee.Block != 8 {
		t.Fatalf("err = %v", err)
	}
}

type corruptBlock struct {
	data    map[uint64][]byte
	badIdx  uint64
	badOff  int
	readErr error
}

func (c *corruptBlock) WriteBlock(idx uint64, buf []byte) error {
	c.data[idx] = append([]byte(nil), buf...)
	return nil
}

func (c *corruptBlock) ReadBlock(idx uint64, buf []byte) error {
	if c.readErr != nil {
		return c.readErr
	}
	copy(buf, c.data[idx])
	if idx == c.badIdx {
		buf[c.badOff] ^= 0xff
	}
	return nil
}

type fakeDrivers struct {
	block   BlockDevice
	display DisplayDevice
	input   InputDevice
	net     NetDevice
	err     error
}

func (f fakeDrivers) Block(virtio.Transport) (BlockDevice, error)     { return f.block, f.err }
func (f fakeDrivers) Display(virtio.Transport) (DisplayDevice, error) { return f.display, f.err }
func (f fakeDrivers) Input(virtio.Transport) (InputDevice, error)     { return f.input, f.err }
func (f fakeDrivers) Network(virtio.Transport) (NetDevice, error)     { return f.net, f.err }

func TestBlockMismatchReported(t *testing.T) {
	dev := &corruptBlock{data: make(map[uint64][]byte), badIdx: 7, badOff: 100}
	env := Env{Drivers: fakeDrivers{block: dev}, Logger: quietLogger()}

	err := Block(context.Background(), env, nil)
	var ee *ExerciseError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *ExerciseError", err)
	}
	if ee.Op != "verify block" || ee.Block != 7 || ee.Offset != 100 || ee.Expected != 7 || ee.Actual != 7^0xff {
		t.Fatalf("err = %+v", ee)
	}
}

func TestBlockReadFailureIsFatal(t *testing.T) {
	dev := &corruptBlock{data: make(map[uint64][]byte), badIdx: 99, readErr: virtio.ErrIO}
	env := Env{Drivers: fakeDrivers{block: dev}, Logger: quietLogger()}
	err := Block(context.Background(), env, nil)
	if !errors.Is(err, virtio.ErrIO) {
		t.Fatalf("err = %v, want ErrIO", err)
	}
}

func TestDriverInitError(t *testing.T) {
	_, tr, env, _ := simDevice(t, sim.DeviceConfig{Kind: sim.KindInput})
	err := Block(context.Background(), env, tr)
	var die *DriverInitError
	if !errors.As(err, &die) || die.Class != "block" {
		t.Fatalf("err = %v, want *DriverInitError", err)
	}
	if !errors.Is(err, virtio.ErrWrongDeviceType) {
		t.Fatalf("err = %v does not wrap ErrWrongDeviceType", err)
	}
}

func TestDrawImageColorOrder(t *testing.T) {
	fb := bytes.Repeat([]byte{0xee}, 4*4)
	img := Image{Pixels: []byte{10, 20, 30}, Width: 1, Height: 1}
	drawImage(fb, 2, 2, img)

	if want := []byte{30, 20, 10, 0xee}; !bytes.Equal(fb[:4], want) {
		t.Fatalf("pixel = %v, want %v", fb[:4], want)
	}
	if !bytes.Equal(fb[4:], bytes.Repeat([]byte{0xee}, 12)) {
		t.Fatalf("pixels outside the image were touched: %v", fb[4:])
	}
}

func TestDrawImageClipsToScreen(t *testing.T) {
	// 3x2 image onto a 2x1 screen: only the top-left two pixels land.
	img := Image{
		Pixels: []byte{
			1, 2, 3, 4, 5, 6, 7, 8, 9,
			10, 11, 12, 13, 14, 15, 16, 17, 18,
		},
		Width:  3,
		Height: 2,
	}
	fb := make([]byte, 2*1*4)
	drawImage(fb, 2, 1, img)
	if want := []byte{3, 2, 1, 0, 6, 5, 4, 0}; !bytes.Equal(fb, want) {
		t.Fatalf("fb = %v, want %v", fb, want)
	}
}

func TestDisplayShowsImage(t *testing.T) {
	m, tr, env, clock := simDevice(t, sim.DeviceConfig{Kind: sim.KindGPU, GPU: sim.GPUConfig{Width: 100, Height: 60}})
	env.HoldDuration = 250 * time.Millisecond

	if err := Display(context.Background(), env, tr); err != nil {
		t.Fatalf("Display: %v", err)
	}
	if len(clock.Held) != 1 || clock.Held[0] != 250*time.Millisecond {
		t.Fatalf("held = %v", clock.Held)
	}

	img, err := m.Screenshot(base)
	if err != nil || img == nil {
		t.Fatalf("Screenshot: %v", err)
	}
	asset := TestImage()
	for _, p := range [][2]int{{0, 0}, {47, 0}, {0, 47}, {20, 31}} {
		x, y := p[0], p[1]
		src := (y*asset.Width + x) * 3
		c := img.RGBAAt(x, y)
		if c.R != asset.Pixels[src] || c.G != asset.Pixels[src+1] || c.B != asset.Pixels[src+2] {
			t.Fatalf("pixel (%d,%d) = %+v", x, y, c)
		}
	}
	if c := img.RGBAAt(60, 10); c.R != 0 || c.G != 0 || c.B != 0 {
		t.Fatalf("pixel outside the image = %+v", c)
	}
}

type fakeDisplay struct {
	w, h     uint32
	fb       []byte
	flushErr error
	resErr   error
}

func (d *fakeDisplay) Resolution() (uint32, uint32, error) { return d.w, d.h, d.resErr }
func (d *fakeDisplay) SetupFramebuffer() ([]byte, error) {
	d.fb = make([]byte, d.w*d.h*4)
	return d.fb, nil
}
func (d *fakeDisplay) Flush() error { return d.flushErr }

func TestDisplayFailures(t *testing.T) {
	for _, tc := range []struct {
		name string
		dev  *fakeDisplay
		op   string
	}{
		{"resolution", &fakeDisplay{resErr: virtio.ErrIO}, "resolution"},
		{"flush", &fakeDisplay{w: 4, h: 4, flushErr: virtio.ErrIO}, "flush"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clock := &hw.InstantClock{}
			env := Env{Drivers: fakeDrivers{display: tc.dev}, Logger: quietLogger(), Clock: clock}
			err := Display(context.Background(), env, nil)
			var ee *ExerciseError
			if !errors.As(err, &ee) || ee.Op != tc.op || !errors.Is(err, virtio.ErrIO) {
				t.Fatalf("err = %v", err)
			}
			if len(clock.Held) != 0 {
				t.Fatalf("held after failure")
			}
		})
	}
}

func TestInputLogsName(t *testing.T) {
	_, tr, env, _ := simDevice(t, sim.DeviceConfig{Kind: sim.KindInput, Input: sim.InputConfig{Name: "QEMU Virtio Tablet"}})
	var buf bytes.Buffer
	env.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	if err := Input(context.Background(), env, tr); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`name="QEMU Virtio Tablet"`)) {
		t.Fatalf("log = %s", buf.String())
	}
}

type namedInput string

func (n namedInput) Name() string { return string(n) }

func TestInputOnlyConstructsDriver(t *testing.T) {
	tests := []struct {
		name    string
		drivers fakeDrivers
		wantErr bool
	}{
		{"empty name", fakeDrivers{input: namedInput("")}, false},
		{"named", fakeDrivers{input: namedInput("keyboard")}, false},
		{"init failure", fakeDrivers{err: virtio.ErrWrongDeviceType}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Env{Drivers: tt.drivers, Logger: quietLogger()}
			err := Input(context.Background(), env, nil)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Input: %v", err)
				}
				return
			}
			var die *DriverInitError
			if !errors.As(err, &die) || die.Class != "input" {
				t.Fatalf("err = %v, want *DriverInitError", err)
			}
		})
	}
}

// scriptedNet returns a fixed sequence of receive outcomes.
type scriptedNet struct {
	results  []error
	calls    int
	sent     [][]byte
	recycled []*virtio.RxBuffer
}

func (n *scriptedNet) MACAddress() net.HardwareAddr {
	return net.HardwareAddr{0x52, 0x54, 0, 0x12, 0x34, 0x56}
}

func (n *scriptedNet) Receive() (*virtio.RxBuffer, error) {
	i := n.calls
	n.calls++
	if i >= len(n.results) {
		return nil, virtio.ErrNotReady
	}
	if n.results[i] != nil {
		return nil, n.results[i]
	}
	return &virtio.RxBuffer{}, nil
}

func (n *scriptedNet) Send(frame []byte) error {
	n.sent = append(n.sent, append([]byte(nil), frame...))
	return nil
}

func (n *scriptedNet) RecycleRxBuffer(b *virtio.RxBuffer) error {
	n.recycled = append(n.recycled, b)
	return nil
}
