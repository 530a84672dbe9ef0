package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/dtprobe/internal/hw"
)

// Bus routes register accesses to simulated transports. Addresses with no
// device read as zero and ignore writes, so a probe of an empty slot sees a
// zero magic value.
type Bus struct {
	mu       sync.Mutex
	devices  []*mmioDevice
	accesses map[uint64]int
	total    int
}

var _ hw.Mapper = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{accesses: make(map[uint64]int)}
}

func (b *Bus) attach(d *mmioDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, other := range b.devices {
		if d.base < other.base+other.size && other.base < d.base+d.size {
			return fmt.Errorf("sim: device at %#x overlaps device at %#x", d.base, other.base)
		}
	}
	b.devices = append(b.devices, d)
	sort.Slice(b.devices, func(i, j int) bool { return b.devices[i].base < b.devices[j].base })
	return nil
}

func (b *Bus) find(addr uint64) *mmioDevice {
	i := sort.Search(len(b.devices), func(i int) bool {
		return b.devices[i].base+b.devices[i].size > addr
	})
	if i < len(b.devices) && b.devices[i].contains(addr) {
		return b.devices[i]
	}
	return nil
}

// Map returns a register window. Mapping itself touches no registers.
func (b *Bus) Map(phys, size uint64) (hw.Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("sim: cannot map empty range at %#x", phys)
	}
	return &busRegion{bus: b, base: phys, size: size}, nil
}

// Accesses returns the number of register accesses made through windows
// mapped at base.
func (b *Bus) Accesses(base uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accesses[base]
}

// TotalAccesses returns the number of register accesses made on the bus.
func (b *Bus) TotalAccesses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// LastError returns the most recent device-side error of the transport at
// base.
func (b *Bus) LastError(base uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d := b.find(base); d != nil {
		return d.lastErr
	}
	return nil
}

// withDevice runs fn with the bus locked on the device at base.
func (b *Bus) withDevice(base uint64, fn func(d *mmioDevice) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.find(base)
	if d == nil {
		return fmt.Errorf("sim: no device at %#x", base)
	}
	return fn(d)
}

func (b *Bus) read(region, addr uint64, size int) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accesses[region]++
	b.total++
	d := b.find(addr)
	if d == nil {
		return 0
	}
	return d.read(addr-d.base, size)
}

func (b *Bus) write(region, addr uint64, size int, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accesses[region]++
	b.total++
	if d := b.find(addr); d != nil {
		d.write(addr-d.base, size, v)
	}
}

type busRegion struct {
	bus  *Bus
	base uint64
	size uint64
}

func (r *busRegion) Base() uint64 { return r.base }
func (r *busRegion) Size() uint64 { return r.size }

func (r *busRegion) Read8(off uint64) uint8   { return uint8(r.bus.read(r.base, r.base+off, 1)) }
func (r *busRegion) Read16(off uint64) uint16 { return uint16(r.bus.read(r.base, r.base+off, 2)) }
func (r *busRegion) Read32(off uint64) uint32 { return r.bus.read(r.base, r.base+off, 4) }

func (r *busRegion) Write8(off uint64, v uint8)   { r.bus.write(r.base, r.base+off, 1, uint32(v)) }
func (r *busRegion) Write16(off uint64, v uint16) { r.bus.write(r.base, r.base+off, 2, uint32(v)) }
func (r *busRegion) Write32(off uint64, v uint32) { r.bus.write(r.base, r.base+off, 4, v) }
