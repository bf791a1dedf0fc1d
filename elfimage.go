// Package udl is a minimal userspace dynamic linker for ELF64 shared
// objects on x86_64: it loads a .so from the filesystem into the current
// process, resolves its symbols against both previously-opened images and
// the host's own runtime namespace, applies x86_64 relocations, and runs
// the object's constructors and (on Close) destructors.
//
// The public surface mirrors the classic four-call runtime-loading API:
// Open, Lookup, Close and LastError.
package udl

import (
	"debug/elf"
	"encoding/binary"
	"os"

	"github.com/xyproto/udl/internal/udlerr"
	"golang.org/x/sys/unix"
)

const (
	ehdrSize = 64 // Elf64_Ehdr
	phdrSize = 56 // Elf64_Phdr
	shdrSize = 64 // Elf64_Shdr
	dynSize  = 16 // Elf64_Dyn
	symSize  = 24 // Elf64_Sym
	relaSize = 24 // Elf64_Rela

	pageSize = 0x1000
)

// phdr is one decoded Elf64_Phdr entry.
type phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// shdr is one decoded Elf64_Shdr entry, kept only for the diagnostic
// introspection surface (spec §6: "Section headers are read but only used
// for diagnostic/introspection output").
type shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// SectionView is the diagnostic view of one ELF section, exposed by
// Image.Sections for introspection/printing only; nothing in the loader's
// symbol resolution or relocation path consults it.
type SectionView struct {
	Name string
	Addr uint64
	Size uint64
}

// rawImage is the read-only view produced by readELF: the parsed header
// plus byte-exact program/section-header tables. data is the whole-file
// read-only mmap used both for parsing and, later, as the Segment Mapper's
// byte source for its anonymous overlay mappings; the underlying fd is
// closed once the mmap is established and is never needed again.
type rawImage struct {
	data []byte
	ehdr elfEhdr

	phdrs    []phdr
	shdrs    []shdr
	shstrtab []byte
}

type elfEhdr struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// readELF opens path read-only, maps the whole file, and validates the
// header per spec §4.1.
func readELF(path string) (*rawImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, udlerr.Wrap(udlerr.BadFormat, err, "open %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, udlerr.Wrap(udlerr.Internal, err, "stat %s", path)
	}
	size := fi.Size()
	if size < ehdrSize {
		f.Close()
		return nil, udlerr.New(udlerr.BadFormat, "%s: file too small to be ELF64 (%d bytes)", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	f.Close() // the mapping outlives the descriptor once mmap has returned
	if err != nil {
		return nil, udlerr.Wrap(udlerr.MapFailure, err, "mmap %s", path)
	}

	ri := &rawImage{data: data}

	if err := ri.parseHeader(path); err != nil {
		ri.close()
		return nil, err
	}
	if err := ri.parseProgramHeaders(path); err != nil {
		ri.close()
		return nil, err
	}
	ri.parseSectionHeaders()
	return ri, nil
}

// close unmaps the whole-file view. The Segment Mapper has its own copy of
// every byte it needs inside the image's live mapping by the time this
// runs, so nothing else depends on rawImage past this point.
func (ri *rawImage) close() {
	if ri.data != nil {
		unix.Munmap(ri.data)
		ri.data = nil
	}
}

func (ri *rawImage) parseHeader(path string) error {
	d := ri.data
	if d[0] != 0x7f || d[1] != 'E' || d[2] != 'L' || d[3] != 'F' {
		return udlerr.New(udlerr.BadFormat, "%s: bad ELF magic", path)
	}
	if d[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		return udlerr.New(udlerr.BadFormat, "%s: not a 64-bit ELF", path)
	}
	if d[elf.EI_DATA] != byte(elf.ELFDATA2LSB) {
		return udlerr.New(udlerr.BadFormat, "%s: not little-endian", path)
	}

	bo := binary.LittleEndian
	ri.ehdr = elfEhdr{
		Type:      bo.Uint16(d[16:18]),
		Machine:   bo.Uint16(d[18:20]),
		Version:   bo.Uint32(d[20:24]),
		Entry:     bo.Uint64(d[24:32]),
		Phoff:     bo.Uint64(d[32:40]),
		Shoff:     bo.Uint64(d[40:48]),
		Flags:     bo.Uint32(d[48:52]),
		Ehsize:    bo.Uint16(d[52:54]),
		Phentsize: bo.Uint16(d[54:56]),
		Phnum:     bo.Uint16(d[56:58]),
		Shentsize: bo.Uint16(d[58:60]),
		Shnum:     bo.Uint16(d[60:62]),
		Shstrndx:  bo.Uint16(d[62:64]),
	}

	et := elf.Type(ri.ehdr.Type)
	if et != elf.ET_DYN && et != elf.ET_EXEC {
		return udlerr.New(udlerr.BadFormat, "%s: unsupported e_type %s", path, et)
	}
	if elf.Machine(ri.ehdr.Machine) != elf.EM_X86_64 {
		return udlerr.New(udlerr.BadFormat, "%s: unsupported e_machine %s (only x86_64)", path, elf.Machine(ri.ehdr.Machine))
	}
	return nil
}

func (ri *rawImage) parseProgramHeaders(path string) error {
	d := ri.data
	off := ri.ehdr.Phoff
	n := int(ri.ehdr.Phnum)
	if uint64(len(d)) < off+uint64(n)*phdrSize {
		return udlerr.New(udlerr.BadFormat, "%s: program header table out of bounds", path)
	}
	bo := binary.LittleEndian
	ri.phdrs = make([]phdr, n)
	for i := 0; i < n; i++ {
		b := d[off+uint64(i)*phdrSize:]
		ri.phdrs[i] = phdr{
			Type:   bo.Uint32(b[0:4]),
			Flags:  bo.Uint32(b[4:8]),
			Offset: bo.Uint64(b[8:16]),
			Vaddr:  bo.Uint64(b[16:24]),
			Paddr:  bo.Uint64(b[24:32]),
			Filesz: bo.Uint64(b[32:40]),
			Memsz:  bo.Uint64(b[40:48]),
			Align:  bo.Uint64(b[48:56]),
		}
	}
	return nil
}

// parseSectionHeaders reads the section-header table and the section-name
// string table for introspection only (spec §4.1, §6). A missing or
// malformed section table is tolerated — it never blocks Open, which only
// needs the program headers and the dynamic section.
func (ri *rawImage) parseSectionHeaders() {
	d := ri.data
	off := ri.ehdr.Shoff
	n := int(ri.ehdr.Shnum)
	if n == 0 || uint64(len(d)) < off+uint64(n)*shdrSize {
		return
	}
	bo := binary.LittleEndian
	ri.shdrs = make([]shdr, n)
	for i := 0; i < n; i++ {
		b := d[off+uint64(i)*shdrSize:]
		ri.shdrs[i] = shdr{
			Name:      bo.Uint32(b[0:4]),
			Type:      bo.Uint32(b[4:8]),
			Flags:     bo.Uint64(b[8:16]),
			Addr:      bo.Uint64(b[16:24]),
			Offset:    bo.Uint64(b[24:32]),
			Size:      bo.Uint64(b[32:40]),
			Link:      bo.Uint32(b[40:44]),
			Info:      bo.Uint32(b[44:48]),
			Addralign: bo.Uint64(b[48:56]),
			Entsize:   bo.Uint64(b[56:64]),
		}
	}
	if int(ri.ehdr.Shstrndx) < len(ri.shdrs) {
		s := ri.shdrs[ri.ehdr.Shstrndx]
		if s.Offset+s.Size <= uint64(len(d)) {
			ri.shstrtab = d[s.Offset : s.Offset+s.Size]
		}
	}
}

func cstr(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	b = b[off:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// sections returns the diagnostic section view (spec §6).
func (ri *rawImage) sections() []SectionView {
	out := make([]SectionView, 0, len(ri.shdrs))
	for _, s := range ri.shdrs {
		out = append(out, SectionView{
			Name: cstr(ri.shstrtab, s.Name),
			Addr: s.Addr,
			Size: s.Size,
		})
	}
	return out
}
