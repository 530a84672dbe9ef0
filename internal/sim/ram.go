// Package sim emulates a small machine with virtio-mmio devices so the probe
// pipeline can run and be tested off bare metal.
package sim

import (
	"fmt"
)

// RAM is simulated guest physical memory starting at Base.
type RAM struct {
	base uint64
	mem  []byte
	free func() error
}

// NewRAM allocates size bytes of guest memory at physical address base.
func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("sim: ram size must be non-zero")
	}
	mem, free, err := allocRAM(int(size))
	if err != nil {
		return nil, fmt.Errorf("sim: allocate %#x bytes of ram: %w", size, err)
	}
	return &RAM{base: base, mem: mem, free: free}, nil
}

func (r *RAM) Base() uint64 { return r.base }
func (r *RAM) Size() uint64 { return uint64(len(r.mem)) }

// Bytes returns the whole backing store.
func (r *RAM) Bytes() []byte { return r.mem }

// Slice returns the backing bytes of [addr, addr+length).
func (r *RAM) Slice(addr, length uint64) ([]byte, error) {
	if addr < r.base || addr-r.base+length > uint64(len(r.mem)) || addr-r.base+length < addr-r.base {
		return nil, fmt.Errorf("sim: guest range [%#x, +%#x) outside ram", addr, length)
	}
	off := addr - r.base
	return r.mem[off : off+length : off+length], nil
}

// ReadAt reads guest memory at physical address off.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	b, err := r.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// WriteAt writes guest memory at physical address off.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	b, err := r.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Close releases the backing store.
func (r *RAM) Close() error {
	if r.free == nil {
		return nil
	}
	free := r.free
	r.free = nil
	r.mem = nil
	return free()
}
