package fdt

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"unsafe"
)

func testMachine() Node {
	return Node{
		Name: "",
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"riscv-virtio"}},
			"model":          {Strings: []string{"riscv-virtio,qemu"}},
		},
		Children: []Node{
			{
				Name: "chosen",
				Properties: map[string]Property{
					"bootargs": {Strings: []string{"console=ttyS0"}},
				},
			},
			{
				Name: "soc",
				Properties: map[string]Property{
					"#address-cells": {U32: []uint32{2}},
					"#size-cells":    {U32: []uint32{2}},
					"ranges":         {Flag: true},
				},
				Children: []Node{
					{
						Name: "serial@10000000",
						Properties: map[string]Property{
							"compatible": {Strings: []string{"ns16550a"}},
							"reg":        {U64: []uint64{0x10000000, 0x100}},
						},
					},
					VirtioMMIONode(0x10001000, 0x1000, 1),
					VirtioMMIONode(0x10002000, 0x1000, 2),
				},
			},
		},
	}
}

func mustBuild(t *testing.T, n Node) []byte {
	t.Helper()
	blob, err := Build(n)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return blob
}

func mustParse(t *testing.T, blob []byte) *Tree {
	t.Helper()
	tree, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return tree
}

func TestParseWalksAllNodesInOrder(t *testing.T) {
	tree := mustParse(t, mustBuild(t, testMachine()))

	var paths []string
	for n := range tree.AllNodes() {
		paths = append(paths, n.Path())
	}
	want := []string{
		"/",
		"/chosen",
		"/soc",
		"/soc/serial@10000000",
		"/soc/virtio@10001000",
		"/soc/virtio@10002000",
	}
	if !slices.Equal(paths, want) {
		t.Fatalf("AllNodes paths = %v, want %v", paths, want)
	}

	// The sequence is restartable.
	count := 0
	for range tree.AllNodes() {
		count++
	}
	if count != len(want) {
		t.Fatalf("second walk yielded %d nodes, want %d", count, len(want))
	}
}

func TestAllNodesStopsEarly(t *testing.T) {
	tree := mustParse(t, mustBuild(t, testMachine()))
	count := 0
	for range tree.AllNodes() {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestVirtioNodeProperties(t *testing.T) {
	tree := mustParse(t, mustBuild(t, testMachine()))
	n, ok := tree.FindNode("/soc/virtio@10001000")
	if !ok {
		t.Fatal("virtio node not found")
	}

	compat, ok := n.Compatible()
	if !ok {
		t.Fatal("compatible missing")
	}
	if compat.First() != "virtio,mmio" || !compat.Contains("virtio,mmio") {
		t.Fatalf("compatible = %v", compat)
	}

	regs, ok := n.Reg()
	if !ok || len(regs) != 1 {
		t.Fatalf("Reg() = %v, %v", regs, ok)
	}
	if regs[0] != (RegRange{Address: 0x10001000, Size: 0x1000, HasSize: true}) {
		t.Fatalf("reg = %+v", regs[0])
	}

	irq, ok := n.PropertyU32("interrupts")
	if !ok || irq != 1 {
		t.Fatalf("interrupts = %d, %v", irq, ok)
	}
	if n.Parent().Name() != "soc" {
		t.Fatalf("parent = %q", n.Parent().Name())
	}
}

func TestNodeWithoutCompatible(t *testing.T) {
	tree := mustParse(t, mustBuild(t, testMachine()))
	n, ok := tree.FindNode("/chosen")
	if !ok {
		t.Fatal("chosen not found")
	}
	if _, ok := n.Compatible(); ok {
		t.Fatal("chosen should have no compatible property")
	}
	if _, ok := n.Reg(); ok {
		t.Fatal("chosen should have no reg property")
	}
}

func TestRegDefaultCells(t *testing.T) {
	// No #address-cells/#size-cells on the root: defaults are 2 and 1.
	root := Node{
		Children: []Node{{
			Name: "dev@1000",
			Properties: map[string]Property{
				"reg": {U32: []uint32{0x1, 0x2000, 0x300, 0x0, 0x4000, 0x0}},
			},
		}},
	}
	tree := mustParse(t, mustBuild(t, root))
	n, _ := tree.FindNode("/dev@1000")
	regs, ok := n.Reg()
	if !ok {
		t.Fatal("reg missing")
	}
	want := []RegRange{
		{Address: 0x1_0000_2000, Size: 0x300, HasSize: true},
		{Address: 0x4000, Size: 0, HasSize: true},
	}
	if !slices.Equal(regs, want) {
		t.Fatalf("Reg() = %+v, want %+v", regs, want)
	}
}

func TestRegZeroSizeCells(t *testing.T) {
	root := Node{
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{1}},
			"#size-cells":    {U32: []uint32{0}},
		},
		Children: []Node{{
			Name: "cpu@0",
			Properties: map[string]Property{
				"reg": {U32: []uint32{3}},
			},
		}},
	}
	tree := mustParse(t, mustBuild(t, root))
	n, _ := tree.FindNode("/cpu@0")
	regs, ok := n.Reg()
	if !ok || len(regs) != 1 {
		t.Fatalf("Reg() = %v, %v", regs, ok)
	}
	if regs[0].HasSize || regs[0].Address != 3 {
		t.Fatalf("reg = %+v, want address 3 without size", regs[0])
	}
}

func TestDeviceFreeBlob(t *testing.T) {
	tree := mustParse(t, mustBuild(t, Node{}))
	var nodes []*DeviceNode
	for n := range tree.AllNodes() {
		nodes = append(nodes, n)
	}
	if len(nodes) != 1 || nodes[0] != tree.Root() {
		t.Fatalf("expected only the root node, got %d nodes", len(nodes))
	}
}

func TestParseSkipsNop(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.Nop()
	b.AddPropertyU32("#address-cells", 1)
	b.Nop()
	b.BeginNode("a")
	b.EndNode()
	b.EndNode()
	b.Nop()
	tree := mustParse(t, b.Build())
	if got := len(tree.Root().Children()); got != 1 {
		t.Fatalf("root children = %d, want 1", got)
	}
	if v, ok := tree.Root().PropertyU32("#address-cells"); !ok || v != 1 {
		t.Fatalf("#address-cells = %d, %v", v, ok)
	}
}

func TestParseHeaderFields(t *testing.T) {
	b := NewBuilder()
	b.SetBootCPU(3)
	b.Reserve(0x8000_0000, 0x20_0000)
	b.BeginNode("")
	b.EndNode()
	blob := b.Build()
	tree := mustParse(t, blob)
	if tree.BootCPU() != 3 {
		t.Fatalf("BootCPU = %d", tree.BootCPU())
	}
	if tree.Version() != 17 || tree.TotalSize() != len(blob) {
		t.Fatalf("version %d total %d", tree.Version(), tree.TotalSize())
	}
	res := tree.Reservations()
	if len(res) != 1 || res[0] != (MemoryReservation{Address: 0x8000_0000, Size: 0x20_0000}) {
		t.Fatalf("reservations = %+v", res)
	}
}

func TestParseMalformed(t *testing.T) {
	valid := mustBuild(t, testMachine())
	structOff := binary.BigEndian.Uint32(valid[8:])
	structSize := binary.BigEndian.Uint32(valid[36:])
	// Root node: BEGIN_NODE, empty name padded to 4 bytes, then the first
	// property token.
	firstProp := structOff + 8

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"short header", func(b []byte) []byte { return b[:20] }},
		{"bad magic", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[0:], 0xcafebabe)
			return b
		}},
		{"totalsize beyond blob", func(b []byte) []byte { return b[:len(b)-1] }},
		{"old version", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[20:], 15)
			return b
		}},
		{"future compat version", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[24:], 18)
			return b
		}},
		{"struct block out of range", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[36:], 0xffff)
			return b
		}},
		{"strings block out of range", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[12:], uint32(len(b)))
			binary.BigEndian.PutUint32(b[32:], 8)
			return b
		}},
		{"unknown token", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[structOff:], 7)
			return b
		}},
		{"unbalanced end", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[structOff:], tokenEndNode)
			return b
		}},
		{"property length overrun", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[firstProp+4:], 0x00ff_ffff)
			return b
		}},
		{"property name outside strings", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[firstProp+8:], 0x00ff_ffff)
			return b
		}},
		{"missing end token", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[structOff+structSize-4:], tokenNop)
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := tt.mutate(slices.Clone(valid))
			_, err := Parse(blob)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("error %v does not wrap ErrMalformed", err)
			}
		})
	}
}

func TestParseNeverPanics(t *testing.T) {
	valid := mustBuild(t, testMachine())

	check := func(blob []byte) {
		t.Helper()
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Parse panicked: %v", r)
			}
		}()
		if _, err := Parse(blob); err != nil && !errors.Is(err, ErrMalformed) {
			t.Fatalf("unexpected error type: %v", err)
		}
	}

	for n := 0; n <= len(valid); n++ {
		check(valid[:n])
	}
	for i := range valid {
		for _, v := range []byte{0x00, 0x01, 0x7f, 0xff} {
			blob := slices.Clone(valid)
			blob[i] = v
			check(blob)
		}
	}
}

func FuzzParse(f *testing.F) {
	b := NewBuilder()
	b.BeginNode("")
	b.EndNode()
	f.Add(b.Build())
	if blob, err := Build(testMachine()); err == nil {
		f.Add(blob)
	}
	f.Fuzz(func(t *testing.T, blob []byte) {
		tree, err := Parse(blob)
		if err != nil {
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}
		for n := range tree.AllNodes() {
			n.Compatible()
			n.Reg()
		}
	})
}

func TestFromAddr(t *testing.T) {
	blob := mustBuild(t, testMachine())
	tree, err := FromAddr(uintptr(unsafe.Pointer(&blob[0])))
	if err != nil {
		t.Fatalf("FromAddr failed: %v", err)
	}
	if _, ok := tree.FindNode("/soc/virtio@10002000"); !ok {
		t.Fatal("virtio@10002000 not found")
	}

	if _, err := FromAddr(0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("FromAddr(0) error = %v, want ErrMalformed", err)
	}

	bad := make([]byte, 64)
	if _, err := FromAddr(uintptr(unsafe.Pointer(&bad[0]))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("FromAddr(zeros) error = %v, want ErrMalformed", err)
	}
}

func TestBuildRejectsAmbiguousProperty(t *testing.T) {
	_, err := Build(Node{Properties: map[string]Property{
		"bad": {U32: []uint32{1}, Strings: []string{"x"}},
	}})
	if err == nil {
		t.Fatal("expected error for property with two kinds")
	}
}
