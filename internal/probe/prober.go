// Package probe turns a parsed device tree into exercised virtio devices:
// it filters virtio,mmio nodes, builds one transport per register range and
// routes each transport to the routine for its device class.
package probe

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/hw"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

// CompatibleVirtioMMIO marks device tree nodes that describe a virtio-mmio
// transport.
const CompatibleVirtioMMIO = "virtio,mmio"

// ErrRangeClaimed is returned when a register range already has a live
// transport.
var ErrRangeClaimed = errors.New("probe: register range already claimed")

// TransportInitError reports a candidate whose transport could not be
// built. It is never fatal to a run.
type TransportInitError struct {
	Node string
	Base uint64
	Err  error
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("probe: %s at %#x: %v", e.Node, e.Base, e.Err)
}

func (e *TransportInitError) Unwrap() error { return e.Err }

// IsCandidate reports whether node describes a virtio-mmio transport.
func IsCandidate(node *fdt.DeviceNode) bool {
	compat, ok := node.Compatible()
	return ok && compat.Contains(CompatibleVirtioMMIO)
}

// Candidates yields the virtio-mmio nodes of tree in pre-order.
func Candidates(tree *fdt.Tree) iter.Seq[*fdt.DeviceNode] {
	return func(yield func(*fdt.DeviceNode) bool) {
		for node := range tree.AllNodes() {
			if IsCandidate(node) && !yield(node) {
				return
			}
		}
	}
}

// Outcome is the result of probing one candidate. Exactly one of Transport
// and Err is set.
type Outcome struct {
	Transport *virtio.MMIOTransport
	Base      uint64
	Err       error
}

// Prober builds transports from candidate nodes. A register range is
// probed at most once until its claim is released.
type Prober struct {
	mapper  hw.Mapper
	log     *slog.Logger
	claimed map[uint64]bool
}

func NewProber(mapper hw.Mapper, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{mapper: mapper, log: log, claimed: make(map[uint64]bool)}
}

// Probe reads the transport header behind the node's first reg range. A
// node without reg produces no outcome.
func (p *Prober) Probe(node *fdt.DeviceNode) (Outcome, bool) {
	base, size, ok := registerWindow(node)
	if !ok {
		p.log.Debug("virtio node without reg", "node", node.Path())
		return Outcome{}, false
	}

	fail := func(err error) (Outcome, bool) {
		return claimedOutcome(node, base, err), true
	}

	if p.claimed[base] {
		return fail(ErrRangeClaimed)
	}
	region, err := p.mapper.Map(base, size)
	if err != nil {
		return fail(fmt.Errorf("map registers: %w", err))
	}
	t, err := virtio.NewMMIOTransport(region)
	if err != nil {
		return fail(err)
	}
	p.claimed[base] = true

	p.log.Info("detected virtio MMIO device",
		"node", node.Path(),
		"base", fmt.Sprintf("%#x", base),
		"vendor_id", fmt.Sprintf("%#x", t.VendorID()),
		"device_type", t.DeviceType(),
		"version", t.Version(),
	)
	return Outcome{Transport: t, Base: base}, true
}

// registerWindow returns the first reg range of node. A range without a
// size cell gets the conventional transport window.
func registerWindow(node *fdt.DeviceNode) (base, size uint64, ok bool) {
	regs, ok := node.Reg()
	if !ok || len(regs) == 0 {
		return 0, 0, false
	}
	r := regs[0]
	if !r.HasSize {
		return r.Address, virtio.DefaultRegionSize, true
	}
	return r.Address, r.Size, true
}

func claimedOutcome(node *fdt.DeviceNode, base uint64, err error) Outcome {
	return Outcome{Base: base, Err: &TransportInitError{Node: node.Path(), Base: base, Err: err}}
}

// Release drops the claim on the range at base.
func (p *Prober) Release(base uint64) {
	delete(p.claimed, base)
}

// Claimed reports whether the range at base has a live transport.
func (p *Prober) Claimed(base uint64) bool {
	return p.claimed[base]
}
