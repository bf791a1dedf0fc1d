package udl

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/xyproto/udl/internal/udlenv"
)

// rela is one decoded Elf64_Rela entry.
type rela struct {
	offset uint64
	info   uint64
	addend int64
}

func readRela(addr uintptr, index int) rela {
	b := unsafeBytes(addr+uintptr(index*relaSize), relaSize)
	return rela{
		offset: binary.LittleEndian.Uint64(b[0:8]),
		info:   binary.LittleEndian.Uint64(b[8:16]),
		addend: int64(binary.LittleEndian.Uint64(b[16:24])),
	}
}

func (r rela) relType() uint32  { return uint32(r.info) }
func (r rela) symIndex() uint32 { return uint32(r.info >> 32) }

// applyRelocations implements spec §4.5: walk RELA then PLT-RELA uniformly,
// resolving each referenced symbol through the local symbol table or the
// global resolver, and writing the relocated value per the type table.
func applyRelocations(img *Image) error {
	if err := applyRelaTable(img, img.rela, img.relaCount); err != nil {
		return err
	}
	return applyRelaTable(img, img.pltRela, img.pltRelaCount)
}

func applyRelaTable(img *Image, base uintptr, count int) error {
	for i := 0; i < count; i++ {
		r := readRela(base, i)
		if err := applyOne(img, r); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(img *Image, r rela) error {
	target := img.loadBias + uintptr(r.offset)

	var s uint64
	var weak bool
	if idx := r.symIndex(); idx != 0 {
		sy := readSym(img, int(idx))
		if !sy.isUndefined() {
			s = img.loadBias + sy.value
		} else {
			name := symName(img, sy)
			weak = sy.bind() == stbWeak
			if addr, ok := resolveGlobal(name); ok {
				s = uint64(addr)
			} else {
				logRelocWarning(img, name, weak)
				if weak || !udlenv.StrictUndefined() {
					s = 0
				} else {
					return fmt.Errorf("unresolved non-weak symbol %q in %s", name, img.name)
				}
			}
		}
	}

	switch elf.R_X86_64(r.relType()) {
	case elf.R_X86_64_NONE:
		// no-op
	case elf.R_X86_64_64:
		writeU64(target, s+uint64(r.addend))
	case elf.R_X86_64_GLOB_DAT:
		writeU64(target, s)
	case elf.R_X86_64_JMP_SLOT:
		writeU64(target, s)
	case elf.R_X86_64_RELATIVE:
		writeU64(target, uint64(img.loadBias)+uint64(r.addend))
	case elf.R_X86_64_COPY:
		if idx := r.symIndex(); idx != 0 {
			sy := readSym(img, int(idx))
			copy(unsafeBytes(target, int(sy.size)), unsafeBytes(uintptr(s), int(sy.size)))
		}
	default:
		if udlenv.Verbose() {
			fmt.Fprintf(os.Stderr, "udl: %s: unsupported relocation type %d at 0x%x, skipped\n",
				img.name, r.relType(), r.offset)
		}
	}
	return nil
}

func writeU64(addr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(unsafeBytes(addr, 8), v)
}

func logRelocWarning(img *Image, name string, weak bool) {
	if !udlenv.Verbose() {
		return
	}
	kind := "non-weak"
	if weak {
		kind = "weak"
	}
	fmt.Fprintf(os.Stderr, "udl: %s: unresolved %s symbol %q\n", img.name, kind, name)
}
