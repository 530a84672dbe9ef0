// Package fdt reads and writes Flattened Device Tree blobs (format
// version 17, last compatible version 16).
package fdt

import (
	"encoding/binary"
)

const (
	fdtMagic           = 0xd00dfeed
	fdtVersion         = 17
	fdtLastCompVersion = 16
	fdtHeaderSize      = 40

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

// header is the v17 blob header, all fields big-endian.
type header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffRsvmap       uint32
	Version         uint32
	LastCompVersion uint32
	BootCPU         uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

// stringTable deduplicates property names.
type stringTable struct {
	data []byte
	off  map[string]uint32
}

func (t *stringTable) intern(name string) uint32 {
	if off, ok := t.off[name]; ok {
		return off
	}
	if t.off == nil {
		t.off = make(map[string]uint32)
	}
	off := uint32(len(t.data))
	t.off[name] = off
	t.data = append(append(t.data, name...), 0)
	return off
}

// Builder writes a blob token by token. Callers balance BeginNode and
// EndNode; Build does not check nesting.
type Builder struct {
	structure []byte
	strings   stringTable
	reserved  []MemoryReservation
	bootCPU   uint32
}

func NewBuilder() *Builder { return &Builder{} }

// SetBootCPU sets boot_cpuid_phys.
func (b *Builder) SetBootCPU(id uint32) { b.bootCPU = id }

// Reserve adds a memory reservation entry.
func (b *Builder) Reserve(address, size uint64) {
	b.reserved = append(b.reserved, MemoryReservation{Address: address, Size: size})
}

func (b *Builder) BeginNode(name string) {
	b.token(tokenBeginNode)
	b.aligned(append([]byte(name), 0))
}

func (b *Builder) EndNode() { b.token(tokenEndNode) }

// Nop emits a NOP token, which readers skip.
func (b *Builder) Nop() { b.token(tokenNop) }

func (b *Builder) AddPropertyEmpty(name string) { b.AddPropertyBytes(name, nil) }

func (b *Builder) AddPropertyStringList(name string, values []string) {
	var data []byte
	for _, v := range values {
		data = append(append(data, v...), 0)
	}
	b.AddPropertyBytes(name, data)
}

func (b *Builder) AddPropertyU32(name string, value uint32) {
	b.AddPropertyU32Array(name, []uint32{value})
}

func (b *Builder) AddPropertyU32Array(name string, values []uint32) {
	data := make([]byte, 0, 4*len(values))
	for _, v := range values {
		data = binary.BigEndian.AppendUint32(data, v)
	}
	b.AddPropertyBytes(name, data)
}

// AddPropertyU64Array writes each value as two cells, high word first.
func (b *Builder) AddPropertyU64Array(name string, values []uint64) {
	data := make([]byte, 0, 8*len(values))
	for _, v := range values {
		data = binary.BigEndian.AppendUint64(data, v)
	}
	b.AddPropertyBytes(name, data)
}

func (b *Builder) AddPropertyBytes(name string, data []byte) {
	b.token(tokenProp)
	b.token(uint32(len(data)))
	b.token(b.strings.intern(name))
	b.aligned(data)
}

// Build terminates the structure block and lays out the blob as header,
// reservation block, structure block, strings block.
func (b *Builder) Build() []byte {
	b.token(tokenEnd)

	rsvmapSize := uint32(16 * (len(b.reserved) + 1))
	h := header{
		Magic:           fdtMagic,
		OffRsvmap:       fdtHeaderSize,
		Version:         fdtVersion,
		LastCompVersion: fdtLastCompVersion,
		BootCPU:         b.bootCPU,
		SizeStruct:      uint32(len(b.structure)),
		SizeStrings:     uint32(len(b.strings.data)),
	}
	h.OffStruct = h.OffRsvmap + rsvmapSize
	h.OffStrings = h.OffStruct + h.SizeStruct
	h.TotalSize = h.OffStrings + h.SizeStrings

	blob := make([]byte, 0, h.TotalSize)
	blob, _ = binary.Append(blob, binary.BigEndian, h)
	for _, r := range b.reserved {
		blob = binary.BigEndian.AppendUint64(blob, r.Address)
		blob = binary.BigEndian.AppendUint64(blob, r.Size)
	}
	blob = append(blob, make([]byte, 16)...)
	blob = append(blob, b.structure...)
	return append(blob, b.strings.data...)
}

func (b *Builder) token(v uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, v)
}

// aligned appends data and pads the structure block to a cell boundary.
func (b *Builder) aligned(data []byte) {
	b.structure = append(b.structure, data...)
	if rem := len(b.structure) % 4; rem != 0 {
		b.structure = append(b.structure, make([]byte, 4-rem)...)
	}
}
