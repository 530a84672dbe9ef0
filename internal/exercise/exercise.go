// Package exercise holds one self-test routine per virtio device class.
package exercise

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tinyrange/dtprobe/internal/assets"
	"github.com/tinyrange/dtprobe/internal/echo"
	"github.com/tinyrange/dtprobe/internal/hw"
	"github.com/tinyrange/dtprobe/internal/probe"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

// DefaultHoldDuration keeps the test image on screen after a flush.
const DefaultHoldDuration = 5 * time.Second

// BlockDevice is the block driver surface the block routine needs.
type BlockDevice interface {
	ReadBlock(idx uint64, buf []byte) error
	WriteBlock(idx uint64, buf []byte) error
}

// DisplayDevice is the gpu driver surface the display routine needs.
type DisplayDevice interface {
	Resolution() (uint32, uint32, error)
	SetupFramebuffer() ([]byte, error)
	Flush() error
}

// InputDevice is the input driver surface the input routine needs.
type InputDevice interface {
	Name() string
}

// NetDevice is the net driver surface the network routine needs.
type NetDevice interface {
	MACAddress() net.HardwareAddr
	Receive() (*virtio.RxBuffer, error)
	Send(frame []byte) error
	RecycleRxBuffer(b *virtio.RxBuffer) error
}

// Drivers constructs typed drivers from transports.
type Drivers interface {
	Block(t virtio.Transport) (BlockDevice, error)
	Display(t virtio.Transport) (DisplayDevice, error)
	Input(t virtio.Transport) (InputDevice, error)
	Network(t virtio.Transport) (NetDevice, error)
}

// VirtioDrivers builds the drivers in internal/virtio over one allocator.
type VirtioDrivers struct {
	Allocator hw.Allocator
}

func (d VirtioDrivers) Block(t virtio.Transport) (BlockDevice, error) {
	return virtio.NewBlk(t, d.Allocator)
}

func (d VirtioDrivers) Display(t virtio.Transport) (DisplayDevice, error) {
	return virtio.NewGPU(t, d.Allocator)
}

func (d VirtioDrivers) Input(t virtio.Transport) (InputDevice, error) {
	return virtio.NewInput(t, d.Allocator)
}

func (d VirtioDrivers) Network(t virtio.Transport) (NetDevice, error) {
	return virtio.NewNet(t, d.Allocator)
}

// Image is a packed RGB picture.
type Image struct {
	Pixels []byte
	Width  int
	Height int
}

// TestImage is the embedded 48x48 picture drawn by the display routine.
func TestImage() Image {
	return Image{Pixels: assets.TestImage, Width: assets.TestImageWidth, Height: assets.TestImageHeight}
}

// Env carries what every routine needs besides its transport.
type Env struct {
	Drivers Drivers
	Logger  *slog.Logger
	Clock   hw.Clock

	// HoldDuration is how long the display routine keeps the picture up.
	HoldDuration time.Duration
	Image        Image
	// BlockProgress, if set, is called after each verified block.
	BlockProgress func(done, total int)
	Echo          echo.Config
}

func (e *Env) normalize() {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Clock == nil {
		e.Clock = hw.SystemClock{}
	}
	if e.HoldDuration == 0 {
		e.HoldDuration = DefaultHoldDuration
	}
	if e.Image.Pixels == nil {
		e.Image = TestImage()
	}
}

// DriverInitError reports a typed driver that failed to come up.
type DriverInitError struct {
	Class string
	Err   error
}

func (e *DriverInitError) Error() string {
	return fmt.Sprintf("%s driver init: %v", e.Class, e.Err)
}

func (e *DriverInitError) Unwrap() error { return e.Err }

// ExerciseError reports a failed step of a routine. Block, Offset,
// Expected and Actual are only meaningful for data mismatches.
type ExerciseError struct {
	Op       string
	Block    uint64
	Offset   int
	Expected byte
	Actual   byte
	Err      error
}

func (e *ExerciseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: block %d offset %d: expected %#02x, got %#02x", e.Op, e.Block, e.Offset, e.Expected, e.Actual)
}

func (e *ExerciseError) Unwrap() error { return e.Err }

// Register installs the routines for every supported class.
func Register(d *probe.Dispatcher, env Env) {
	env.normalize()
	d.Register(virtio.DeviceTypeBlock, func(ctx context.Context, dev probe.Device) error {
		return Block(ctx, env, dev.Transport)
	})
	d.Register(virtio.DeviceTypeGPU, func(ctx context.Context, dev probe.Device) error {
		return Display(ctx, env, dev.Transport)
	})
	d.Register(virtio.DeviceTypeInput, func(ctx context.Context, dev probe.Device) error {
		return Input(ctx, env, dev.Transport)
	})
	d.Register(virtio.DeviceTypeNetwork, func(ctx context.Context, dev probe.Device) error {
		return Network(ctx, env, dev.Transport)
	})
}
