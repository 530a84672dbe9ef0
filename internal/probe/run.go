package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/hw"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

// Result is the outcome for one candidate node.
type Result struct {
	// Index is the candidate's position among virtio nodes.
	Index int
	Node  string
	Base  uint64
	// Type is DeviceTypeInvalid when no transport was built.
	Type virtio.DeviceType
	// Handled is set when a routine ran for the device.
	Handled bool
	Err     error
}

// Fatal reports whether the result carries a routine failure. Transport
// failures are not fatal.
func (r Result) Fatal() bool {
	var tie *TransportInitError
	return r.Err != nil && !errors.As(r.Err, &tie)
}

// Report collects the results of a run.
type Report struct {
	Results []Result
	// Stopped is set when the run ended early on a fatal result.
	Stopped bool
}

// FirstFatal returns the first fatal result.
func (r Report) FirstFatal() (Result, bool) {
	for _, res := range r.Results {
		if res.Fatal() {
			return res, true
		}
	}
	return Result{}, false
}

// Options configures Run.
type Options struct {
	Mapper     hw.Mapper
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	// Prober is reused across runs when set; otherwise each run gets a
	// fresh one over Mapper.
	Prober *Prober
	// StopOnFatal ends the run at the first routine failure.
	StopOnFatal bool
}

// Run probes every virtio-mmio candidate of tree and dispatches the
// transports that come up.
func Run(ctx context.Context, tree *fdt.Tree, opts Options) Report {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	prober := opts.Prober
	if prober == nil {
		prober = NewProber(opts.Mapper, log)
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(log)
	}

	var report Report
	// Ranges read during this run. Claims are released after dispatch, so
	// a second node naming the same range is caught here.
	probed := make(map[uint64]bool)
	index := 0
	for node := range tree.AllNodes() {
		logOtherCompatibles(log, node)
		if !IsCandidate(node) {
			continue
		}
		i := index
		index++

		var out Outcome
		if base, _, ok := registerWindow(node); ok && probed[base] {
			out = claimedOutcome(node, base, ErrRangeClaimed)
		} else {
			if out, ok = prober.Probe(node); !ok {
				continue
			}
			probed[out.Base] = true
		}
		res := Result{Index: i, Node: node.Path(), Base: out.Base}
		if out.Err != nil {
			log.Warn("failed to create virtio transport", "node", node.Path(), "err", out.Err)
			res.Err = out.Err
			report.Results = append(report.Results, res)
			continue
		}

		res.Type = out.Transport.DeviceType()
		res.Handled = dispatcher.Handles(res.Type)
		err := dispatcher.Dispatch(ctx, Device{Index: i, Node: node, Base: out.Base, Transport: out.Transport})
		prober.Release(out.Base)
		if err != nil {
			res.Err = fmt.Errorf("device %d (%s): %w", i, res.Type, err)
			log.Error("virtio device failed", "index", i, "node", node.Path(), "device_type", res.Type, "err", err)
		}
		report.Results = append(report.Results, res)
		if err != nil && opts.StopOnFatal {
			report.Stopped = true
			break
		}
	}
	return report
}

// logOtherCompatibles notes every compatible entry that is not a virtio-mmio
// transport, including those listed next to one.
func logOtherCompatibles(log *slog.Logger, node *fdt.DeviceNode) {
	compat, ok := node.Compatible()
	if !ok {
		return
	}
	for _, c := range compat {
		if c != CompatibleVirtioMMIO {
			log.Debug("non-virtio device node", "node", node.Path(), "compatible", c)
		}
	}
}
