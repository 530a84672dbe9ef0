package fdt

import (
	"encoding/binary"
	"unsafe"
)

// maxBlobSize bounds the view taken by FromAddr. Firmware blobs are a few
// KiB; anything larger is treated as a corrupt header.
const maxBlobSize = 2 << 20

// FromAddr parses a blob at a physical address handed over by the boot
// loader. The caller guarantees the address is identity mapped and that the
// blob stays unmodified for the lifetime of the returned Tree.
func FromAddr(addr uintptr) (*Tree, error) {
	if addr == 0 {
		return nil, malformed("nil blob address")
	}
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(addr)), fdtHeaderSize)
	if magic := binary.BigEndian.Uint32(hdr[0:]); magic != fdtMagic {
		return nil, malformed("bad magic %#x at %#x", magic, addr)
	}
	total := binary.BigEndian.Uint32(hdr[4:])
	if total < fdtV16HeaderSize || total > maxBlobSize {
		return nil, malformed("implausible totalsize %d at %#x", total, addr)
	}
	return Parse(unsafe.Slice((*byte)(unsafe.Pointer(addr)), total))
}
