package udl

import (
	"debug/elf"
	"encoding/binary"

	"github.com/xyproto/udl/internal/udlerr"
)

// dyn is one decoded Elf64_Dyn entry: d_tag is signed, d_val/d_ptr share
// the same 8 bytes.
type dyn struct {
	tag int64
	val uint64
}

// readDynEntries walks the PT_DYNAMIC array at addr until DT_NULL,
// bounded defensively in case a malformed object omits the terminator.
func readDynEntries(addr uintptr, maxEntries int) []dyn {
	var entries []dyn
	for i := 0; i < maxEntries; i++ {
		b := unsafeBytes(addr+uintptr(i*dynSize), dynSize)
		tag := int64(binary.LittleEndian.Uint64(b[0:8]))
		val := binary.LittleEndian.Uint64(b[8:16])
		if tag == int64(elf.DT_NULL) {
			break
		}
		entries = append(entries, dyn{tag: tag, val: val})
	}
	return entries
}

// populateDynamic implements spec §4.3: interpret the dynamic section at
// img.dynamic (already adjusted by loadBias) and fill in every field the
// Symbol Resolver, Relocator and Lifecycle Orchestrator need. Unknown tags
// are silently ignored, matching real runtime linkers' forward-compat
// stance. symtab/strtab presence is enforced only when the image carries
// relocations; otherwise their absence is accepted.
func populateDynamic(img *Image) error {
	const maxDynEntries = 1 << 16 // defensive bound against a missing DT_NULL
	entries := readDynEntries(img.dynamic, maxDynEntries)

	var pltRelSize uint64
	var pltRelType int64 = -1
	var relaTotalSize uint64

	for _, e := range entries {
		switch elf.DynTag(e.tag) {
		case elf.DT_STRTAB:
			img.strtab = img.loadBias + uintptr(e.val)
		case elf.DT_STRSZ:
			img.strtabSize = uintptr(e.val)
		case elf.DT_SYMTAB:
			img.symtab = img.loadBias + uintptr(e.val)
		case elf.DT_HASH:
			img.hash = parseElfHash(img.loadBias + uintptr(e.val))
		case elf.DT_GNU_HASH:
			img.gnuHash = parseGNUHash(img.loadBias + uintptr(e.val))
		case elf.DT_RELA:
			img.rela = img.loadBias + uintptr(e.val)
		case elf.DT_RELASZ:
			relaTotalSize = e.val
		case elf.DT_PLTGOT:
			// Accepted and ignored; nothing downstream reads it, the
			// resolver only ever touches symtab/strtab/hash.
		case elf.DT_JMPREL:
			img.pltRela = img.loadBias + uintptr(e.val)
		case elf.DT_PLTRELSZ:
			pltRelSize = e.val
		case elf.DT_PLTREL:
			pltRelType = int64(e.val)
		case elf.DT_INIT:
			img.initFunc = img.loadBias + uintptr(e.val)
		case elf.DT_FINI:
			img.finiFunc = img.loadBias + uintptr(e.val)
		case elf.DT_INIT_ARRAY:
			img.initArray = img.loadBias + uintptr(e.val)
		case elf.DT_INIT_ARRAYSZ:
			img.initArrayCount = int(e.val / 8)
		case elf.DT_FINI_ARRAY:
			img.finiArray = img.loadBias + uintptr(e.val)
		case elf.DT_FINI_ARRAYSZ:
			img.finiArrayCount = int(e.val / 8)
		}
	}

	if img.rela != 0 {
		img.relaCount = int(relaTotalSize / relaSize)
	}
	if img.pltRela != 0 {
		if pltRelType != -1 && pltRelType != int64(elf.DT_RELA) {
			return udlerr.New(udlerr.NotSupported, "DT_PLTREL type %d unsupported (only DT_RELA)", pltRelType)
		}
		img.pltRelaCount = int(pltRelSize / relaSize)
	}

	if (img.rela != 0 || img.pltRela != 0) && (img.symtab == 0 || img.strtab == 0) {
		return udlerr.New(udlerr.BadFormat, "%s: relocations present without symtab/strtab", img.name)
	}

	img.symCount = symCountFromHash(img)
	return nil
}

// linearFallbackCap bounds the linear scan when no count is derivable from
// a hash table: unlike the classic .hash section, .gnu.hash carries no
// total symbol count, and an image with neither hash table has no count at
// all, so spec §4.4's "fixed cap" alternative applies in both cases.
const linearFallbackCap = 1 << 16

// symCountFromHash derives an upper bound on the symbol table length for
// the linear-scan fallback (spec §4.4): the classic hash table's nchain
// if present, else a fixed cap past the GNU hash table's symoffset, else
// the fixed cap alone — spec §3 requires the linear fallback to suffice
// even when neither hash table is present.
func symCountFromHash(img *Image) int {
	if img.hash != nil {
		return img.hash.nchain
	}
	if img.gnuHash != nil {
		return img.gnuHash.symOffset + linearFallbackCap
	}
	return linearFallbackCap
}
