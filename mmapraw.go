package udl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawMmap is the one primitive golang.org/x/sys/unix.Mmap cannot express:
// a request for a specific fixed virtual address. unix.Mmap always lets the
// kernel choose the address, which is exactly wrong for overlaying a
// segment at a precomputed offset inside an already-reserved region, so the
// Segment Mapper drops to the raw syscall for every MAP_FIXED call.
func rawMmap(addr uintptr, length int, prot, flags, fd int, offset int64) (uintptr, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP,
		addr, uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

// unsafePtr turns a computed runtime address back into an unsafe.Pointer
// for handing to a syscall argument or a slice conversion.
func unsafePtr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // address computed from mmap, not derived from a Go allocation
}

// addrOf returns the runtime address backing an mmap-returned byte slice.
func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// unsafeBytes views n bytes starting at addr as a Go byte slice, used only
// to copy ELF file contents into, or zero, memory this package itself just
// mapped at that address.
func unsafeBytes(addr uintptr, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafePtr(addr)), n)
}

// zero fills b with zero bytes; used for the BSS tail that shares a page
// with file-backed data and therefore cannot simply be left to a fresh
// anonymous mapping's kernel-provided zero fill.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
