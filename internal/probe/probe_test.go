package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/sim"
	"github.com/tinyrange/dtprobe/internal/virtio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMachine(t *testing.T, cfg sim.Config) *sim.Machine {
	t.Helper()
	m, err := sim.New(cfg)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func parseTree(t *testing.T, blob []byte) *fdt.Tree {
	t.Helper()
	tree, err := fdt.Parse(blob)
	if err != nil {
		t.Fatalf("fdt.Parse: %v", err)
	}
	return tree
}

// buildTree wraps children in a root with 2/2 cells.
func buildTree(t *testing.T, children ...fdt.Node) *fdt.Tree {
	t.Helper()
	blob, err := fdt.Build(fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: children,
	})
	if err != nil {
		t.Fatalf("fdt.Build: %v", err)
	}
	return parseTree(t, blob)
}

type recorder struct {
	seen []virtio.DeviceType
	err  error
}

func (r *recorder) routine(ctx context.Context, dev Device) error {
	r.seen = append(r.seen, dev.Transport.DeviceType())
	return r.err
}

func TestCandidatesFilter(t *testing.T) {
	tree := buildTree(t,
		fdt.VirtioMMIONode(0x10001000, 0x1000, 1),
		fdt.Node{Name: "serial@10000000", Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"ns16550a"}},
			"reg":        {U64: []uint64{0x10000000, 0x100}},
		}},
		fdt.Node{Name: "plain"},
		fdt.Node{Name: "multi@10002000", Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"vendor,thing", "virtio,mmio"}},
			"reg":        {U64: []uint64{0x10002000, 0x1000}},
		}},
	)

	var got []string
	for node := range Candidates(tree) {
		got = append(got, node.Path())
	}
	want := []string{"/virtio@10001000", "/multi@10002000"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNoRegisterReadForNonVirtioNodes(t *testing.T) {
	m := newMachine(t, sim.Config{Devices: []sim.DeviceConfig{{Kind: sim.KindBlock, Base: 0x10001000}}})
	// Same address as a real transport, but not marked virtio,mmio.
	tree := buildTree(t,
		fdt.Node{Name: "fake@10001000", Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"vendor,fake"}},
			"reg":        {U64: []uint64{0x10001000, 0x1000}},
		}},
		fdt.Node{Name: "bare@10001000", Properties: map[string]fdt.Property{
			"reg": {U64: []uint64{0x10001000, 0x1000}},
		}},
	)

	rec := &recorder{}
	d := NewDispatcher(quietLogger())
	d.Register(virtio.DeviceTypeBlock, rec.routine)
	report := Run(context.Background(), tree, Options{Mapper: m.Bus(), Dispatcher: d, Logger: quietLogger()})

	if len(report.Results) != 0 {
		t.Fatalf("results = %+v", report.Results)
	}
	if n := m.Bus().TotalAccesses(); n != 0 {
		t.Fatalf("register accesses = %d, want 0", n)
	}
}

func TestDeviceFreeTree(t *testing.T) {
	tree := buildTree(t, fdt.Node{Name: "chosen"})
	report := Run(context.Background(), tree, Options{Mapper: sim.NewBus(), Logger: quietLogger()})
	if len(report.Results) != 0 {
		t.Fatalf("results = %+v", report.Results)
	}
}

func TestProbeWithoutReg(t *testing.T) {
	bus := sim.NewBus()
	tree := buildTree(t, fdt.Node{Name: "virtio", Properties: map[string]fdt.Property{
		"compatible": {Strings: []string{"virtio,mmio"}},
	}})
	node, _ := tree.FindNode("/virtio")

	p := NewProber(bus, quietLogger())
	if _, ok := p.Probe(node); ok {
		t.Fatalf("node without reg produced an outcome")
	}
	if bus.TotalAccesses() != 0 {
		t.Fatalf("register accesses = %d", bus.TotalAccesses())
	}
}

func TestProbeClaimsRange(t *testing.T) {
	m := newMachine(t, sim.Config{Devices: []sim.DeviceConfig{{Kind: sim.KindBlock, Base: 0x10001000}}})
	tree := parseTree(t, m.DeviceTree())
	node, ok := tree.FindNode("/soc/virtio@10001000")
	if !ok {
		t.Fatalf("virtio node missing")
	}

	p := NewProber(m.Bus(), quietLogger())
	first, ok := p.Probe(node)
	if !ok || first.Err != nil {
		t.Fatalf("first probe = %+v, %v", first, ok)
	}
	if first.Transport.DeviceType() != virtio.DeviceTypeBlock {
		t.Fatalf("device type = %s", first.Transport.DeviceType())
	}

	before := m.Bus().TotalAccesses()
	second, ok := p.Probe(node)
	if !ok || !errors.Is(second.Err, ErrRangeClaimed) {
		t.Fatalf("second probe err = %v, want ErrRangeClaimed", second.Err)
	}
	if m.Bus().TotalAccesses() != before {
		t.Fatalf("claimed range was read again")
	}

	p.Release(first.Base)
	if third, ok := p.Probe(node); !ok || third.Err != nil {
		t.Fatalf("probe after release = %+v", third)
	}
}

func TestRunClassifiesAndSkips(t *testing.T) {
	m := newMachine(t, sim.DefaultConfig())
	tree := parseTree(t, m.DeviceTree())

	rec := &recorder{}
	d := NewDispatcher(quietLogger())
	d.Register(virtio.DeviceTypeBlock, rec.routine)
	d.Register(virtio.DeviceTypeNetwork, rec.routine)

	report := Run(context.Background(), tree, Options{Mapper: m.Bus(), Dispatcher: d, Logger: quietLogger()})
	if len(report.Results) != 8 {
		t.Fatalf("results = %d, want 8", len(report.Results))
	}

	var initErrs int
	for _, res := range report.Results[:4] {
		var tie *TransportInitError
		if !errors.As(res.Err, &tie) || !errors.Is(res.Err, virtio.ErrTransportInit) {
			t.Fatalf("empty slot %s: err = %v", res.Node, res.Err)
		}
		if res.Fatal() {
			t.Fatalf("transport failure marked fatal")
		}
		initErrs++
	}
	if initErrs != 4 {
		t.Fatalf("transport failures = %d", initErrs)
	}

	wantTypes := []virtio.DeviceType{virtio.DeviceTypeNetwork, virtio.DeviceTypeInput, virtio.DeviceTypeGPU, virtio.DeviceTypeBlock}
	wantHandled := []bool{true, false, false, true}
	for i, res := range report.Results[4:] {
		if res.Type != wantTypes[i] || res.Handled != wantHandled[i] || res.Err != nil {
			t.Fatalf("result %d = %+v", i+4, res)
		}
	}
	if len(rec.seen) != 2 || rec.seen[0] != virtio.DeviceTypeNetwork || rec.seen[1] != virtio.DeviceTypeBlock {
		t.Fatalf("routines saw %v", rec.seen)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	m := newMachine(t, sim.DefaultConfig())
	tree := parseTree(t, m.DeviceTree())
	p := NewProber(m.Bus(), quietLogger())

	d := NewDispatcher(quietLogger())
	for _, typ := range []virtio.DeviceType{virtio.DeviceTypeBlock, virtio.DeviceTypeGPU, virtio.DeviceTypeInput, virtio.DeviceTypeNetwork} {
		d.Register(typ, func(ctx context.Context, dev Device) error { return nil })
	}

	first := Run(context.Background(), tree, Options{Mapper: m.Bus(), Dispatcher: d, Prober: p, Logger: quietLogger()})
	second := Run(context.Background(), tree, Options{Mapper: m.Bus(), Dispatcher: d, Prober: p, Logger: quietLogger()})

	if len(first.Results) != len(second.Results) {
		t.Fatalf("result counts differ: %d vs %d", len(first.Results), len(second.Results))
	}
	for i := range first.Results {
		a, b := first.Results[i], second.Results[i]
		if a.Node != b.Node || a.Type != b.Type || a.Handled != b.Handled || (a.Err == nil) != (b.Err == nil) {
			t.Fatalf("result %d differs: %+v vs %+v", i, a, b)
		}
	}
	for _, res := range first.Results {
		if p.Claimed(res.Base) {
			t.Fatalf("claim on %#x outlived the run", res.Base)
		}
	}
}

func TestRunStopOnFatal(t *testing.T) {
	m := newMachine(t, sim.Config{Devices: []sim.DeviceConfig{
		{Kind: sim.KindBlock, Base: 0x10001000},
		{Kind: sim.KindBlock, Base: 0x10002000},
	}})
	tree := parseTree(t, m.DeviceTree())

	boom := errors.New("boom")
	for _, tc := range []struct {
		stop    bool
		results int
	}{
		{stop: true, results: 1},
		{stop: false, results: 2},
	} {
		rec := &recorder{err: boom}
		d := NewDispatcher(quietLogger())
		d.Register(virtio.DeviceTypeBlock, rec.routine)
		report := Run(context.Background(), tree, Options{Mapper: m.Bus(), Dispatcher: d, Logger: quietLogger(), StopOnFatal: tc.stop})
		if len(report.Results) != tc.results || report.Stopped != tc.stop {
			t.Fatalf("stop=%v: %d results, stopped=%v", tc.stop, len(report.Results), report.Stopped)
		}
		res, ok := report.FirstFatal()
		if !ok || !errors.Is(res.Err, boom) || res.Index != 0 {
			t.Fatalf("stop=%v: first fatal = %+v", tc.stop, res)
		}
	}
}

func TestRunProbesSharedRangeOnce(t *testing.T) {
	m := newMachine(t, sim.Config{Devices: []sim.DeviceConfig{{Kind: sim.KindBlock, Base: 0x10001000}}})
	alias := fdt.VirtioMMIONode(0x10001000, 0x1000, 2)
	alias.Name = "virtio-alias@10001000"
	tree := buildTree(t, fdt.VirtioMMIONode(0x10001000, 0x1000, 1), alias)

	var calls int
	var afterFirst int
	d := NewDispatcher(quietLogger())
	d.Register(virtio.DeviceTypeBlock, func(ctx context.Context, dev Device) error {
		calls++
		afterFirst = m.Bus().TotalAccesses()
		return nil
	})
	report := Run(context.Background(), tree, Options{Mapper: m.Bus(), Dispatcher: d, Logger: quietLogger()})

	if calls != 1 {
		t.Fatalf("routine ran %d times, want 1", calls)
	}
	if len(report.Results) != 2 {
		t.Fatalf("results = %+v", report.Results)
	}
	if first := report.Results[0]; first.Err != nil || first.Type != virtio.DeviceTypeBlock {
		t.Fatalf("first result = %+v", first)
	}
	second := report.Results[1]
	var tie *TransportInitError
	if !errors.As(second.Err, &tie) || !errors.Is(second.Err, ErrRangeClaimed) {
		t.Fatalf("second result err = %v, want ErrRangeClaimed", second.Err)
	}
	if second.Fatal() || second.Handled {
		t.Fatalf("second result = %+v", second)
	}
	if n := m.Bus().TotalAccesses(); n != afterFirst {
		t.Fatalf("register accesses grew from %d to %d for the repeated range", afterFirst, n)
	}
}

func TestRunLogsOtherCompatibles(t *testing.T) {
	tree := buildTree(t,
		fdt.Node{Name: "multi@10002000", Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"vendor,thing", "virtio,mmio"}},
			"reg":        {U64: []uint64{0x10002000, 0x1000}},
		}},
		fdt.Node{Name: "serial@10000000", Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"ns16550a"}},
		}},
	)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Run(context.Background(), tree, Options{Mapper: sim.NewBus(), Logger: log})

	out := buf.String()
	for _, want := range []string{
		"node=/multi@10002000 compatible=vendor,thing",
		"node=/serial@10000000 compatible=ns16550a",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "compatible=virtio,mmio") {
		t.Fatalf("virtio,mmio logged as non-virtio:\n%s", out)
	}
}
