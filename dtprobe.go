// Package dtprobe discovers the virtio-mmio devices described by a
// flattened device tree and runs a self-test on each one it recognises:
// block round-trips, a test picture on the display, input bring-up and a
// network echo.
package dtprobe

import (
	"context"

	"github.com/tinyrange/dtprobe/internal/boot"
	"github.com/tinyrange/dtprobe/internal/exercise"
	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/probe"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Config tunes a run: log level, display hold, halt policy and echo
// service settings.
type Config = boot.Config

// Env is the machine a run executes on.
type Env = boot.Env

// Report lists one Result per virtio node that produced an outcome.
type Report = probe.Report

// Result is the outcome for one virtio node.
type Result = probe.Result

// DeviceType is the virtio device id reported by a transport.
type DeviceType = virtio.DeviceType

// FatalError is the failure a run halts with.
type FatalError = boot.FatalError

// TransportInitError reports a virtio node whose transport did not come up.
type TransportInitError = probe.TransportInitError

// DriverInitError reports a typed driver that failed to initialise.
type DriverInitError = exercise.DriverInitError

// ExerciseError reports a failed step of a device self-test.
type ExerciseError = exercise.ExerciseError

// Device classes with a self-test.
const (
	DeviceTypeBlock   = virtio.DeviceTypeBlock
	DeviceTypeGPU     = virtio.DeviceTypeGPU
	DeviceTypeInput   = virtio.DeviceTypeInput
	DeviceTypeNetwork = virtio.DeviceTypeNetwork
)

// Common sentinel errors.
var (
	// ErrMalformed wraps every device tree validation failure.
	ErrMalformed = fdt.ErrMalformed
	// ErrTransportInit wraps every virtio-mmio header failure.
	ErrTransportInit = virtio.ErrTransportInit
	ErrRangeClaimed  = probe.ErrRangeClaimed
)

// -----------------------------------------------------------------------------
// Entry points
// -----------------------------------------------------------------------------

// Run exercises every virtio device described by blob on env.
func Run(ctx context.Context, blob []byte, env Env, cfg Config) (Report, error) {
	return boot.Run(ctx, blob, env, cfg)
}

// Main is the bare-metal entry point; see boot.Main.
func Main(hartID uint64, dtbAddr uintptr) {
	boot.Main(hartID, dtbAddr)
}

// DefaultConfig returns the configuration Main uses.
func DefaultConfig() Config {
	return boot.DefaultConfig()
}

// LoadConfig reads a YAML run configuration.
func LoadConfig(path string) (Config, error) {
	return boot.LoadConfig(path)
}
