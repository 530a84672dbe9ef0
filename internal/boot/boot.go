// Package boot is the entry point of the probe: it takes a device tree,
// runs discovery and the per-class routines, and decides whether a failure
// halts the machine.
package boot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/dtprobe/internal/exercise"
	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/hw"
	"github.com/tinyrange/dtprobe/internal/probe"
)

// FatalError is the failure a run halts with.
type FatalError struct {
	Result probe.Result
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s at %#x: %v", e.Result.Node, e.Result.Base, e.Result.Err)
}

func (e *FatalError) Unwrap() error { return e.Result.Err }

// Env is the machine a run executes on.
type Env struct {
	hw.Env
	Logger *slog.Logger
	// BlobAddr is where the device tree lives, for the log only.
	BlobAddr uint64
	// BlockProgress is passed to the block routine.
	BlockProgress func(done, total int)
}

// Run parses blob and exercises every virtio device it describes. A
// malformed blob fails the run with an error wrapping fdt.ErrMalformed.
// Routine failures stop the run with a *FatalError when cfg halts on
// fatal results.
func Run(ctx context.Context, blob []byte, env Env, cfg Config) (probe.Report, error) {
	cfg.normalize()
	log := setup(env, cfg)
	log.Info(fmt.Sprintf("device tree @ %#x", env.BlobAddr), "size", len(blob))

	tree, err := fdt.Parse(blob)
	if err != nil {
		log.Error("invalid device tree", "err", err)
		return probe.Report{}, err
	}
	return runTree(ctx, tree, env, cfg, log)
}

func setup(env Env, cfg Config) *slog.Logger {
	if l, err := cfg.Level(); err == nil {
		SetLogLevel(l)
	}
	if env.Logger != nil {
		return env.Logger
	}
	return slog.Default()
}

func runTree(ctx context.Context, tree *fdt.Tree, env Env, cfg Config, log *slog.Logger) (probe.Report, error) {
	d := probe.NewDispatcher(log)
	exercise.Register(d, exercise.Env{
		Drivers:       exercise.VirtioDrivers{Allocator: env.Allocator},
		Logger:        log,
		Clock:         env.Clock,
		HoldDuration:  cfg.HoldDuration,
		BlockProgress: env.BlockProgress,
		Echo:          cfg.Echo,
	})

	report := probe.Run(ctx, tree, probe.Options{
		Mapper:      env.Mapper,
		Dispatcher:  d,
		Logger:      log,
		StopOnFatal: cfg.Halt(),
	})

	if res, ok := report.FirstFatal(); ok && cfg.Halt() {
		log.Error("halting on device failure", "index", res.Index, "node", res.Node, "err", res.Err)
		log.Info("test end")
		return report, &FatalError{Result: res}
	}
	log.Info("test end")
	return report, nil
}
