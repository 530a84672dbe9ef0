package hw

import (
	"fmt"
	"sync"
)

// Arena is a bump allocator over a contiguous block of DMA-capable memory.
// Freeing the most recent allocation rewinds the arena; other frees are
// accepted and leak until Reset.
type Arena struct {
	mu sync.Mutex

	phys uint64
	mem  []byte
	next uint64
	last *DMABuffer
}

// NewArena manages mem, which the device sees at physical address phys.
func NewArena(phys uint64, mem []byte) *Arena {
	return &Arena{phys: phys, mem: mem}
}

// Alloc returns a zeroed buffer of size bytes. align defaults to 4 KiB.
func (a *Arena) Alloc(size, align uint64) (*DMABuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return nil, fmt.Errorf("hw: cannot allocate zero-size DMA buffer")
	}
	if align == 0 {
		align = 0x1000
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("hw: alignment %#x is not a power of 2", align)
	}

	start := alignUp(a.phys+a.next, align) - a.phys
	if start+size < start || start+size > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: need %#x bytes, %#x free", ErrOutOfMemory, size, a.Available())
	}

	b := a.mem[start : start+size : start+size]
	clear(b)
	buf := &DMABuffer{Phys: a.phys + start, Bytes: b}
	a.next = start + size
	a.last = buf
	return buf, nil
}

// Free releases buf.
func (a *Arena) Free(buf *DMABuffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if buf == nil {
		return nil
	}
	if buf.Phys < a.phys || buf.Phys+uint64(len(buf.Bytes)) > a.phys+uint64(len(a.mem)) {
		return fmt.Errorf("hw: buffer at %#x not owned by arena", buf.Phys)
	}
	if buf == a.last {
		a.next = buf.Phys - a.phys
		a.last = nil
	}
	return nil
}

// Available reports the bytes left at the top of the arena.
func (a *Arena) Available() uint64 {
	if a.next >= uint64(len(a.mem)) {
		return 0
	}
	return uint64(len(a.mem)) - a.next
}

// Reset forgets every allocation.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = 0
	a.last = nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
