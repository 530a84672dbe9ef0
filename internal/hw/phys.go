package hw

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// PhysMapper maps identity-mapped physical memory. It is only valid on bare
// metal, where the boot environment guarantees the identity mapping.
type PhysMapper struct{}

func (PhysMapper) Map(phys, size uint64) (Region, error) {
	if phys == 0 || size == 0 {
		return nil, fmt.Errorf("hw: cannot map [%#x, +%#x)", phys, size)
	}
	return &physRegion{base: phys, size: size}, nil
}

type physRegion struct {
	base uint64
	size uint64
}

func (r *physRegion) Base() uint64 { return r.base }
func (r *physRegion) Size() uint64 { return r.size }

func (r *physRegion) ptr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(r.base + off))
}

// The 32-bit accessors go through sync/atomic so the compiler never merges
// or elides register accesses.
func (r *physRegion) Read32(off uint64) uint32 {
	return atomic.LoadUint32((*uint32)(r.ptr(off)))
}

func (r *physRegion) Write32(off uint64, v uint32) {
	atomic.StoreUint32((*uint32)(r.ptr(off)), v)
}

func (r *physRegion) Read8(off uint64) uint8   { return *(*uint8)(r.ptr(off)) }
func (r *physRegion) Read16(off uint64) uint16 { return *(*uint16)(r.ptr(off)) }

func (r *physRegion) Write8(off uint64, v uint8)   { *(*uint8)(r.ptr(off)) = v }
func (r *physRegion) Write16(off uint64, v uint16) { *(*uint16)(r.ptr(off)) = v }

// PhysArena returns an arena over identity-mapped physical memory.
func PhysArena(phys, size uint64) *Arena {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(phys))), size)
	return NewArena(phys, mem)
}
