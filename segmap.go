package udl

import (
	"debug/elf"

	"github.com/xyproto/udl/internal/udlerr"
	"golang.org/x/sys/unix"
)

func alignDown(v, a uint64) uint64 { return v &^ (a - 1) }
func alignUp(v, a uint64) uint64   { return alignDown(v+a-1, a) }

// mapSegments implements spec §4.2: scan PT_LOAD entries, reserve one
// contiguous, inaccessible, private, anonymous region sized to the load
// span, then overlay each segment's file bytes at its fixed offset within
// that region with MAP_FIXED "replace existing mapping" semantics,
// zero-filling the BSS tail. Returns the populated base/size/loadBias.
//
// The reservation's own mapping is intentionally never torn down on
// success: Close unmaps the whole [base, base+size)
// span in one call, which also undoes every overlay inside it.
func mapSegments(ri *rawImage, path string) (base, size, loadBias uintptr, err error) {
	var minVaddr, maxVaddr uint64
	haveLoad := false
	for _, p := range ri.phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		v0 := alignDown(p.Vaddr, pageSize)
		v1 := alignUp(p.Vaddr+p.Memsz, pageSize)
		if !haveLoad || v0 < minVaddr {
			minVaddr = v0
		}
		if !haveLoad || v1 > maxVaddr {
			maxVaddr = v1
		}
		haveLoad = true
	}
	if !haveLoad {
		return 0, 0, 0, udlerr.New(udlerr.BadFormat, "%s: no loadable segments", path)
	}
	loadSize := maxVaddr - minVaddr
	if loadSize == 0 {
		return 0, 0, 0, udlerr.New(udlerr.BadFormat, "%s: zero-size load span", path)
	}

	reservation, err := unix.Mmap(-1, 0, int(loadSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, 0, 0, udlerr.Wrap(udlerr.MapFailure, err, "%s: reserve %d bytes", path, loadSize)
	}
	reservedBase := addrOf(reservation)
	bias := reservedBase - uintptr(minVaddr)

	for _, p := range ri.phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if err := overlaySegment(ri, p, bias); err != nil {
			unix.Munmap(reservation)
			return 0, 0, 0, err
		}
	}

	return reservedBase, uintptr(loadSize), bias, nil
}

// overlaySegment realizes one PT_LOAD entry, following the recipe of spec
// §4.2: an anonymous MAP_FIXED overlay filled with a copy of the segment's
// on-disk bytes,
// zeroing of the BSS tail sharing the last file-backed page, and an
// anonymous MAP_FIXED overlay (kernel-zeroed) for the remainder of the
// segment's memory size.
func overlaySegment(ri *rawImage, p phdr, bias uintptr) error {
	prot := progFlagsToProt(p.Flags)

	segStart := bias + uintptr(p.Vaddr)
	segFileEnd := segStart + uintptr(p.Filesz)
	segEnd := segStart + uintptr(p.Memsz)

	mapStart := uintptr(alignDown(uint64(segStart), pageSize))
	fileMapStart := alignDown(p.Offset, pageSize)
	fileMapLen := int(segFileEnd) - int(mapStart)

	if p.Filesz > 0 {
		if fileMapStart+uint64(fileMapLen) > uint64(len(ri.data)) {
			return udlerr.New(udlerr.BadFormat, "segment file range out of bounds")
		}
		// Map writable regardless of the segment's final protection: the
		// BSS tail (if any) still needs a write to zero it, and the copy
		// below always needs one. The single reprotect at the end brings
		// it down to what the ELF actually declared.
		writeProt := prot | unix.PROT_WRITE
		addr, err := rawMmap(mapStart, fileMapLen, writeProt,
			unix.MAP_PRIVATE|unix.MAP_FIXED|unix.MAP_ANON, -1, 0)
		if err != nil {
			return udlerr.Wrap(udlerr.MapFailure, err, "overlay segment at 0x%x", mapStart)
		}
		copy(unsafeBytes(addr, fileMapLen), ri.data[fileMapStart:fileMapStart+uint64(fileMapLen)])

		if p.Memsz > p.Filesz {
			tailStart := segFileEnd
			tailPageEnd := uintptr(alignUp(uint64(tailStart), pageSize))
			if tailPageEnd > segEnd {
				tailPageEnd = segEnd
			}
			if tailPageEnd > tailStart {
				zero(unsafeBytes(tailStart, int(tailPageEnd-tailStart)))
			}
		}

		if writeProt != prot {
			if err := unix.Mprotect(unsafeBytes(addr, fileMapLen), prot); err != nil {
				return udlerr.Wrap(udlerr.MapFailure, err, "reprotect segment at 0x%x", mapStart)
			}
		}
	}

	if p.Memsz > p.Filesz {
		anonStart := uintptr(alignUp(uint64(segFileEnd), pageSize))
		if p.Filesz == 0 {
			anonStart = mapStart
		}
		if segEnd > anonStart {
			anonLen := int(uintptr(alignUp(uint64(segEnd), pageSize)) - anonStart)
			if _, err := rawMmap(anonStart, anonLen, prot,
				unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED, -1, 0); err != nil {
				return udlerr.Wrap(udlerr.MapFailure, err, "bss overlay at 0x%x", anonStart)
			}
		}
	}
	return nil
}

func progFlagsToProt(flags uint32) int {
	prot := unix.PROT_NONE
	if flags&uint32(elf.PF_R) != 0 {
		prot |= unix.PROT_READ
	}
	if flags&uint32(elf.PF_W) != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&uint32(elf.PF_X) != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// findPhdrAndDynamic locates the runtime addresses of PT_PHDR and
// PT_DYNAMIC. If PT_PHDR is absent (some tiny objects omit it), the phdr
// address is computed from e_phoff and loadBias, per spec §4.2.
func findPhdrAndDynamic(ri *rawImage, bias uintptr) (phdrAddr uintptr, dynAddr uintptr, haveDyn bool) {
	phdrAddr = bias + uintptr(ri.ehdr.Phoff)
	for _, p := range ri.phdrs {
		switch elf.ProgType(p.Type) {
		case elf.PT_PHDR:
			phdrAddr = bias + uintptr(p.Vaddr)
		case elf.PT_DYNAMIC:
			dynAddr = bias + uintptr(p.Vaddr)
			haveDyn = true
		}
	}
	return
}
