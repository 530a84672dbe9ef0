package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrMalformed reports a blob that fails structural validation.
var ErrMalformed = errors.New("fdt: malformed device tree")

const (
	defaultAddressCells = 2
	defaultSizeCells    = 1

	// v16 headers stop before size_dt_struct.
	fdtV16HeaderSize = 36
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// MemoryReservation is one entry of the memory reservation block.
type MemoryReservation struct {
	Address uint64
	Size    uint64
}

// Tree is a validated, immutable device tree.
type Tree struct {
	root      *DeviceNode
	version   uint32
	bootCPU   uint32
	totalSize uint32
	reserved  []MemoryReservation
}

// Root returns the root node.
func (t *Tree) Root() *DeviceNode { return t.root }

// Version returns the blob's format version.
func (t *Tree) Version() uint32 { return t.version }

// BootCPU returns the physical id of the boot CPU.
func (t *Tree) BootCPU() uint32 { return t.bootCPU }

// TotalSize returns the size of the blob in bytes.
func (t *Tree) TotalSize() int { return int(t.totalSize) }

// Reservations returns the memory reservation entries.
func (t *Tree) Reservations() []MemoryReservation {
	return append([]MemoryReservation(nil), t.reserved...)
}

// AllNodes yields every node in depth-first pre-order, starting with the
// root. Each call walks the tree again.
func (t *Tree) AllNodes() iter.Seq[*DeviceNode] {
	return func(yield func(*DeviceNode) bool) {
		if t.root != nil {
			walk(t.root, yield)
		}
	}
}

func walk(n *DeviceNode, yield func(*DeviceNode) bool) bool {
	if !yield(n) {
		return false
	}
	for _, child := range n.children {
		if !walk(child, yield) {
			return false
		}
	}
	return true
}

// FindNode looks up a node by its absolute path, e.g. "/soc/virtio@10001000".
func (t *Tree) FindNode(path string) (*DeviceNode, bool) {
	if t.root == nil || !strings.HasPrefix(path, "/") {
		return nil, false
	}
	n := t.root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		var next *DeviceNode
		for _, child := range n.children {
			if child.name == part {
				next = child
				break
			}
		}
		if next == nil {
			return nil, false
		}
		n = next
	}
	return n, true
}

type property struct {
	name  string
	value []byte
}

// DeviceNode is a read-only view of one node in a Tree.
type DeviceNode struct {
	name     string
	parent   *DeviceNode
	children []*DeviceNode
	props    []property
}

func (n *DeviceNode) Name() string            { return n.name }
func (n *DeviceNode) Parent() *DeviceNode     { return n.parent }
func (n *DeviceNode) Children() []*DeviceNode { return n.children }
func (n *DeviceNode) String() string          { return n.Path() }

// PropertyNames lists the node's properties in blob order.
func (n *DeviceNode) PropertyNames() []string {
	out := make([]string, 0, len(n.props))
	for _, p := range n.props {
		out = append(out, p.name)
	}
	return out
}

// Path returns the absolute path of the node.
func (n *DeviceNode) Path() string {
	if n.parent == nil {
		return "/"
	}
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	return sb.String()
}

// Property returns the raw value of the named property.
func (n *DeviceNode) Property(name string) ([]byte, bool) {
	for _, p := range n.props {
		if p.name == name {
			return p.value, true
		}
	}
	return nil, false
}

// PropertyU32 decodes a single-cell property.
func (n *DeviceNode) PropertyU32(name string) (uint32, bool) {
	v, ok := n.Property(name)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// PropertyStrings decodes a NUL separated string list.
func (n *DeviceNode) PropertyStrings(name string) ([]string, bool) {
	v, ok := n.Property(name)
	if !ok {
		return nil, false
	}
	s := strings.TrimSuffix(string(v), "\x00")
	if s == "" {
		return []string{}, true
	}
	return strings.Split(s, "\x00"), true
}

// Compatible is the ordered compatible list of a node. The first entry is
// the most specific match.
type Compatible []string

// First returns the primary compatible string.
func (c Compatible) First() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Contains reports whether s appears anywhere in the list.
func (c Compatible) Contains(s string) bool {
	for _, v := range c {
		if v == s {
			return true
		}
	}
	return false
}

// Compatible returns the node's compatible list, if present.
func (n *DeviceNode) Compatible() (Compatible, bool) {
	v, ok := n.PropertyStrings("compatible")
	if !ok {
		return nil, false
	}
	return Compatible(v), true
}

// RegRange is one (address, size) entry of a reg property.
type RegRange struct {
	Address uint64
	Size    uint64
	// HasSize is false when the parent declares #size-cells = <0>.
	HasSize bool
}

// AddressCells returns the #address-cells this node declares for its
// children.
func (n *DeviceNode) AddressCells() uint32 {
	if v, ok := n.PropertyU32("#address-cells"); ok {
		return v
	}
	return defaultAddressCells
}

// SizeCells returns the #size-cells this node declares for its children.
func (n *DeviceNode) SizeCells() uint32 {
	if v, ok := n.PropertyU32("#size-cells"); ok {
		return v
	}
	return defaultSizeCells
}

// Reg decodes the reg property using the parent's cell sizes. A missing
// property returns ok == false. A trailing partial entry is ignored.
func (n *DeviceNode) Reg() ([]RegRange, bool) {
	v, ok := n.Property("reg")
	if !ok {
		return nil, false
	}
	ac, sc := uint32(defaultAddressCells), uint32(defaultSizeCells)
	if n.parent != nil {
		ac, sc = n.parent.AddressCells(), n.parent.SizeCells()
	}
	if ac == 0 || ac > 4 || sc > 4 {
		return nil, false
	}
	entry := int(ac+sc) * 4
	ranges := make([]RegRange, 0, len(v)/entry)
	for off := 0; off+entry <= len(v); off += entry {
		r := RegRange{Address: readCells(v[off:], ac)}
		if sc > 0 {
			r.Size = readCells(v[off+int(ac)*4:], sc)
			r.HasSize = true
		}
		ranges = append(ranges, r)
	}
	return ranges, true
}

// readCells folds n big-endian cells into a uint64. Cells beyond the
// lowest two are discarded.
func readCells(b []byte, n uint32) uint64 {
	var v uint64
	for i := uint32(0); i < n; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}
	return v
}

// Parse validates blob and returns the parsed tree. Property values
// reference blob directly.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < fdtV16HeaderSize {
		return nil, malformed("blob too short for header (%d bytes)", len(blob))
	}
	be := binary.BigEndian
	if magic := be.Uint32(blob[0:]); magic != fdtMagic {
		return nil, malformed("bad magic %#x", magic)
	}
	totalSize := be.Uint32(blob[4:])
	if uint64(totalSize) > uint64(len(blob)) {
		return nil, malformed("totalsize %d exceeds blob length %d", totalSize, len(blob))
	}
	offStruct := be.Uint32(blob[8:])
	offStrings := be.Uint32(blob[12:])
	offRsvmap := be.Uint32(blob[16:])
	version := be.Uint32(blob[20:])
	lastComp := be.Uint32(blob[24:])
	bootCPU := be.Uint32(blob[28:])
	sizeStrings := be.Uint32(blob[32:])

	if version < 16 {
		return nil, malformed("unsupported version %d", version)
	}
	if lastComp > fdtVersion {
		return nil, malformed("last compatible version %d is newer than %d", lastComp, fdtVersion)
	}

	headerSize := uint32(fdtV16HeaderSize)
	var sizeStruct uint32
	if version >= 17 {
		headerSize = fdtHeaderSize
	}
	if totalSize < headerSize {
		return nil, malformed("totalsize %d smaller than header", totalSize)
	}
	if version >= 17 {
		sizeStruct = be.Uint32(blob[36:])
	} else {
		if offStruct > totalSize {
			return nil, malformed("struct block offset %#x out of range", offStruct)
		}
		sizeStruct = totalSize - offStruct
	}

	blob = blob[:totalSize]
	structs, err := section(blob, offStruct, sizeStruct, headerSize, "struct")
	if err != nil {
		return nil, err
	}
	strs, err := section(blob, offStrings, sizeStrings, headerSize, "strings")
	if err != nil {
		return nil, err
	}
	reserved, err := parseReservations(blob, offRsvmap, headerSize)
	if err != nil {
		return nil, err
	}

	p := &parser{structs: structs, strings: strs}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Tree{
		root:      root,
		version:   version,
		bootCPU:   bootCPU,
		totalSize: totalSize,
		reserved:  reserved,
	}, nil
}

func section(blob []byte, off, size, headerSize uint32, name string) ([]byte, error) {
	end := uint64(off) + uint64(size)
	if off < headerSize || end > uint64(len(blob)) {
		return nil, malformed("%s block [%#x, %#x) outside blob of %d bytes", name, off, end, len(blob))
	}
	return blob[off:end:end], nil
}

func parseReservations(blob []byte, off, headerSize uint32) ([]MemoryReservation, error) {
	if off < headerSize || off%8 != 0 {
		return nil, malformed("memory reservation block offset %#x invalid", off)
	}
	var out []MemoryReservation
	for pos := uint64(off); ; pos += 16 {
		if pos+16 > uint64(len(blob)) {
			return nil, malformed("unterminated memory reservation block")
		}
		addr := binary.BigEndian.Uint64(blob[pos:])
		size := binary.BigEndian.Uint64(blob[pos+8:])
		if addr == 0 && size == 0 {
			return out, nil
		}
		out = append(out, MemoryReservation{Address: addr, Size: size})
	}
}

type parser struct {
	structs []byte
	strings []byte
	off     int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.structs) {
		return 0, malformed("struct block truncated at offset %#x", p.off)
	}
	v := binary.BigEndian.Uint32(p.structs[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) nodeName() (string, error) {
	rest := p.structs[p.off:]
	for i, c := range rest {
		if c == 0 {
			name := string(rest[:i])
			p.off = align4(p.off + i + 1)
			return name, nil
		}
	}
	return "", malformed("unterminated node name at offset %#x", p.off)
}

func (p *parser) propName(off uint32) (string, error) {
	if uint64(off) >= uint64(len(p.strings)) {
		return "", malformed("property name offset %#x outside strings block", off)
	}
	rest := p.strings[off:]
	for i, c := range rest {
		if c == 0 {
			return string(rest[:i]), nil
		}
	}
	return "", malformed("unterminated property name at strings offset %#x", off)
}

func (p *parser) parse() (*DeviceNode, error) {
	var (
		root  *DeviceNode
		stack []*DeviceNode
	)
	for {
		tokOff := p.off
		tok, err := p.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			name, err := p.nodeName()
			if err != nil {
				return nil, err
			}
			node := &DeviceNode{name: name}
			if len(stack) == 0 {
				if root != nil {
					return nil, malformed("second root node %q at offset %#x", name, tokOff)
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				node.parent = parent
				parent.children = append(parent.children, node)
			}
			stack = append(stack, node)
		case tokenEndNode:
			if len(stack) == 0 {
				return nil, malformed("unbalanced end node at offset %#x", tokOff)
			}
			stack = stack[:len(stack)-1]
		case tokenProp:
			if len(stack) == 0 {
				return nil, malformed("property outside node at offset %#x", tokOff)
			}
			length, err := p.u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return nil, err
			}
			end := uint64(p.off) + uint64(length)
			if end > uint64(len(p.structs)) {
				return nil, malformed("property at offset %#x overruns struct block", tokOff)
			}
			name, err := p.propName(nameOff)
			if err != nil {
				return nil, err
			}
			node := stack[len(stack)-1]
			node.props = append(node.props, property{
				name:  name,
				value: p.structs[p.off:end:end],
			})
			p.off = align4(int(end))
		case tokenNop:
		case tokenEnd:
			if len(stack) != 0 {
				return nil, malformed("node %q not closed before end token", stack[len(stack)-1].name)
			}
			if root == nil {
				return nil, malformed("no root node")
			}
			return root, nil
		default:
			return nil, malformed("unknown token %#x at offset %#x", tok, tokOff)
		}
	}
}

func align4(v int) int {
	return (v + 3) &^ 3
}
