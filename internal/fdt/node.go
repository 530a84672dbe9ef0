package fdt

import "fmt"

// PropertyKind is the value encoding of a Property.
type PropertyKind int

const (
	KindNone PropertyKind = iota
	KindStrings
	KindU32
	KindU64
	KindBytes
	KindFlag
)

func (k PropertyKind) String() string {
	switch k {
	case KindStrings:
		return "strings"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindBytes:
		return "bytes"
	case KindFlag:
		return "flag"
	}
	return "none"
}

// Property is a property value for Build. Exactly one field is set; U64
// cells are written big-endian as two 32-bit cells each.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

func (p Property) kinds() []PropertyKind {
	var ks []PropertyKind
	if len(p.Strings) > 0 {
		ks = append(ks, KindStrings)
	}
	if len(p.U32) > 0 {
		ks = append(ks, KindU32)
	}
	if len(p.U64) > 0 {
		ks = append(ks, KindU64)
	}
	if len(p.Bytes) > 0 {
		ks = append(ks, KindBytes)
	}
	if p.Flag {
		ks = append(ks, KindFlag)
	}
	return ks
}

// Kind returns the populated field, or KindNone when zero or several are
// set.
func (p Property) Kind() PropertyKind {
	if ks := p.kinds(); len(ks) == 1 {
		return ks[0]
	}
	return KindNone
}

// Node is a device tree node to be serialized by Build.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// VirtioMMIONode describes a virtio-mmio transport at base. The reg
// property is encoded for a parent with #address-cells = <2> and
// #size-cells = <2>.
func VirtioMMIONode(base, size uint64, irq uint32) Node {
	return Node{
		Name: fmt.Sprintf("virtio@%x", base),
		Properties: map[string]Property{
			"compatible": {Strings: []string{"virtio,mmio"}},
			"reg":        {U64: []uint64{base, size}},
			"interrupts": {U32: []uint32{irq}},
			"status":     {Strings: []string{"okay"}},
		},
	}
}
