package boot

import (
	"context"
	"fmt"
	"os"

	"github.com/tinyrange/dtprobe/internal/fdt"
	"github.com/tinyrange/dtprobe/internal/hw"
)

// Main is the bare-metal entry point. The boot loader passes the hart id
// and the physical address of the device tree; physical memory must be
// identity mapped. Main panics on a malformed device tree or a fatal
// device failure, which halts the hart.
func Main(hartID uint64, dtbAddr uintptr) {
	cfg := DefaultConfig()
	log := NewLogger(os.Stderr)
	setup(Env{Logger: log}, cfg)
	log.Info(fmt.Sprintf("device tree @ %#x", dtbAddr), "hart", hartID)

	tree, err := fdt.FromAddr(dtbAddr)
	if err != nil {
		log.Error("invalid device tree", "err", err)
		panic(err)
	}

	base, size, err := dmaWindow(tree, cfg.DMASizeMB<<20)
	if err != nil {
		log.Error("no DMA memory", "err", err)
		panic(err)
	}
	env := Env{
		Env: hw.Env{
			Mapper:    hw.PhysMapper{},
			Allocator: hw.PhysArena(base, size),
			Clock:     hw.SystemClock{},
		},
		Logger:   log,
		BlobAddr: uint64(dtbAddr),
	}
	if _, err := runTree(context.Background(), tree, env, cfg, log); err != nil {
		panic(err)
	}
}

// dmaWindow carves size bytes from the top of the first memory node.
func dmaWindow(tree *fdt.Tree, size uint64) (uint64, uint64, error) {
	for node := range tree.AllNodes() {
		if typ, ok := node.PropertyStrings("device_type"); !ok || len(typ) == 0 || typ[0] != "memory" {
			continue
		}
		regs, ok := node.Reg()
		if !ok || len(regs) == 0 || !regs[0].HasSize {
			continue
		}
		r := regs[0]
		// Leave the bottom half of RAM to the program image and heap.
		if r.Size < 2*size {
			return 0, 0, fmt.Errorf("memory node %s of %#x bytes too small for a %#x byte DMA window", node.Path(), r.Size, size)
		}
		return r.Address + r.Size - size, size, nil
	}
	return 0, 0, fmt.Errorf("device tree has no memory node")
}
