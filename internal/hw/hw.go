// Package hw defines the hardware capabilities the probe pipeline consumes:
// register windows, DMA memory and a clock.
package hw

import (
	"context"
	"errors"
	"time"
)

// ErrOutOfMemory is returned when an allocator cannot satisfy a request.
var ErrOutOfMemory = errors.New("hw: out of DMA memory")

// Region is a window of little-endian device registers.
type Region interface {
	Base() uint64
	Size() uint64

	Read8(off uint64) uint8
	Read16(off uint64) uint16
	Read32(off uint64) uint32
	Write8(off uint64, v uint8)
	Write16(off uint64, v uint16)
	Write32(off uint64, v uint32)
}

// Mapper maps a physical register range into a Region.
type Mapper interface {
	Map(phys, size uint64) (Region, error)
}

// DMABuffer is memory shared with a device. Phys is the address the device
// sees; Bytes is the CPU view of the same memory.
type DMABuffer struct {
	Phys  uint64
	Bytes []byte
}

// Allocator hands out zeroed DMA buffers.
type Allocator interface {
	Alloc(size, align uint64) (*DMABuffer, error)
	Free(buf *DMABuffer) error
}

// Clock lets routines wait without spinning on an iteration count.
type Clock interface {
	// Hold blocks for d or until ctx is done.
	Hold(ctx context.Context, d time.Duration) error
	// Yield gives the rest of the machine a chance to make progress
	// between polls.
	Yield()
}

// Env bundles the capabilities a machine provides.
type Env struct {
	Mapper    Mapper
	Allocator Allocator
	Clock     Clock
}
