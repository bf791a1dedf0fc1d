// Package sofixture builds minimal, byte-exact ELF64 shared objects in
// memory for tests, the way the teacher's own elf_writer.go/elf_complete.go
// assemble an executable's bytes field by field rather than shelling out to
// an assembler or linker. Nothing here runs the Go toolchain or any
// external tool; every byte is computed and appended directly.
package sofixture

import "encoding/binary"

const (
	ehdrSize = 64
	phdrSize = 56
	symSize  = 24
	pageSize = 0x1000

	sttFunc   = 2
	sttObject = 1
	stbGlobal = 1 << 4

	ptLoad    = 1
	ptDynamic = 2
	pfX       = 1
	pfW       = 2
	pfR       = 4

	dtNull    = 0
	dtSymtab  = 6
	dtStrtab  = 5
	dtStrsz   = 10
	dtSyment  = 11
	dtRela    = 7
	dtRelasz  = 8
	dtInit    = 12
	dtFini    = 13
	dtGNUHash = 0x6ffffef5
	etDyn     = 3
	emX86_64  = 62

	relaSize         = 24 // sizeof(Elf64_Rela)
	rX8664GlobDat    = 6  // R_X86_64_GLOB_DAT
	sttFuncUndefBind = stbGlobal | sttFunc
)

// Symbol describes one exported name in a built fixture. Exactly one of
// Code (a function/object's literal bytes) or PatchCode (for a function
// whose bytes need the final address of its own trailing data, e.g. a
// RIP-relative load of an embedded string) should be set.
type Symbol struct {
	Name string
	Kind byte // sttFunc or sttObject

	Code []byte // literal bytes; ignored if PatchCode is set

	// CodeLen reserves space when PatchCode is used (PatchCode's output
	// must be exactly this long).
	CodeLen   int
	PatchCode func(funcOff, trailingOff uint64) []byte
	Trailing  []byte // extra bytes embedded right after Code, not its own symbol

	Size uint64
}

// Func is a convenience constructor for a plain exported function symbol.
func Func(name string, code []byte) Symbol {
	return Symbol{Name: name, Kind: sttFunc, Code: code, Size: uint64(len(code))}
}

// FuncWithTrailing builds a function symbol whose machine code references
// (via PatchCode) data embedded immediately after it — used for
// get_message's RIP-relative string load.
func FuncWithTrailing(name string, codeLen int, trailing []byte, patch func(funcOff, trailingOff uint64) []byte) Symbol {
	return Symbol{Name: name, Kind: sttFunc, CodeLen: codeLen, PatchCode: patch, Trailing: trailing, Size: uint64(codeLen)}
}

// Object is a convenience constructor for an exported data symbol with
// initial file-backed content.
func Object(name string, data []byte) Symbol {
	return Symbol{Name: name, Kind: sttObject, Code: data, Size: uint64(len(data))}
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// gnuHash mirrors the loader's own DJB-variant hash; duplicated here
// rather than imported so this fixture package carries no dependency on
// the module it builds fixtures for.
func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// buf is a tiny append-only byte buffer, the same flat emission style the
// teacher's BufferWrapper/ELFWriter use for writing a file byte by byte.
type buf struct{ b []byte }

func (w *buf) bytes() []byte { return w.b }
func (w *buf) len() uint64   { return uint64(len(w.b)) }
func (w *buf) u8(v byte)     { w.b = append(w.b, v) }
func (w *buf) pad(to uint64) {
	for w.len() < to {
		w.u8(0)
	}
}
func (w *buf) raw(p []byte) { w.b = append(w.b, p...) }
func (w *buf) u16(v uint16) {
	var t [2]byte
	binary.LittleEndian.PutUint16(t[:], v)
	w.raw(t[:])
}
func (w *buf) u32(v uint32) {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], v)
	w.raw(t[:])
}
func (w *buf) u64(v uint64) {
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], v)
	w.raw(t[:])
}

// Layout reports file/virtual offsets a test needs but that aren't
// reachable through the public loader API, because this fixture format
// uses an identity map between file offset and virtual address.
type Layout struct {
	// InitMarkerOffset is the offset of the 4-byte cell DT_INIT increments
	// and DT_FINI decrements.
	InitMarkerOffset uint64
}

// Build lays out and serializes a minimal ET_DYN x86_64 shared object
// exporting symbols, with an identity map between file offset and virtual
// address (so every dynamic-tag value and st_value doubles as a file
// offset), a DT_INIT/DT_FINI pair that increments/decrements a private
// 4-byte marker cell, and extraBSS zero-filled, non-file-backed bytes
// trailing the data segment to exercise the loader's zero-extension path.
// The built object carries a DT_GNU_HASH table, so symbol lookup goes
// through the GNU-hash path; use BuildNoHash to exercise the linear-scan
// fallback instead.
func Build(symbols []Symbol, extraBSS uint64) ([]byte, Layout) {
	return build(symbols, extraBSS, true)
}

// BuildNoHash is Build's mirror for the hash-less case spec §3/§4.4
// describe: no DT_HASH, no DT_GNU_HASH, so the Symbol Resolver must fall
// back to the bounded linear scan to find any symbol at all.
func BuildNoHash(symbols []Symbol, extraBSS uint64) ([]byte, Layout) {
	return build(symbols, extraBSS, false)
}

func build(symbols []Symbol, extraBSS uint64, withGNUHash bool) ([]byte, Layout) {
	var strtab buf
	strtab.u8(0) // index 0 is the empty string, by convention
	nameOff := make([]uint32, len(symbols))
	for i, s := range symbols {
		nameOff[i] = uint32(strtab.len())
		strtab.raw([]byte(s.Name))
		strtab.u8(0)
	}

	numSyms := len(symbols) + 1 // + null symbol at index 0
	dynsymOff := uint64(ehdrSize + 3*phdrSize)
	dynstrOff := dynsymOff + uint64(numSyms)*symSize
	dynstrSize := strtab.len()

	gnuHashOff := dynstrOff + dynstrSize
	const nbuckets = 1
	const bloomSize = 1
	const bloomShift = 6
	var gnuHashSize uint64
	if withGNUHash {
		gnuHashSize = uint64(16 + bloomSize*8 + nbuckets*4 + len(symbols)*4)
	}

	codeOff := gnuHashOff + gnuHashSize
	offs := make([]uint64, len(symbols))
	trailingOffs := make([]uint64, len(symbols))
	cur := codeOff
	for i, s := range symbols {
		if s.Kind != sttFunc {
			continue
		}
		offs[i] = cur
		codeLen := len(s.Code)
		if s.PatchCode != nil {
			codeLen = s.CodeLen
		}
		cur += uint64(codeLen)
		trailingOffs[i] = cur
		cur += uint64(len(s.Trailing))
	}

	initFnOff := cur
	cur += 7 // FF 05 <disp32> ; C3
	finiFnOff := cur
	cur += 7 // FF 0D <disp32> ; C3

	for i, s := range symbols {
		if s.Kind != sttObject {
			continue
		}
		offs[i] = cur
		cur += uint64(len(s.Code))
	}

	segAFileEnd := cur
	segAPageEnd := alignUp(segAFileEnd, pageSize)

	segBStart := segAPageEnd
	dynOff := segBStart
	dynEntries := 7 // SYMTAB,STRTAB,STRSZ,SYMENT,INIT,FINI,NULL
	if withGNUHash {
		dynEntries++ // + GNU_HASH
	}
	dynSize := uint64(dynEntries) * 16

	markerOff := dynOff + dynSize
	segBFileEnd := markerOff + 4
	segBMemEnd := segBFileEnd + extraBSS

	initCode := make([]byte, 7)
	initCode[0], initCode[1] = 0xFF, 0x05 // inc dword [rip+disp32]
	binary.LittleEndian.PutUint32(initCode[2:6], uint32(int64(markerOff)-int64(initFnOff+6)))
	initCode[6] = 0xC3

	finiCode := make([]byte, 7)
	finiCode[0], finiCode[1] = 0xFF, 0x0D // dec dword [rip+disp32]
	binary.LittleEndian.PutUint32(finiCode[2:6], uint32(int64(markerOff)-int64(finiFnOff+6)))
	finiCode[6] = 0xC3

	var w buf

	const phnum = 3
	w.u8(0x7f)
	w.u8('E')
	w.u8('L')
	w.u8('F')
	w.u8(2) // ELFCLASS64
	w.u8(1) // ELFDATA2LSB
	w.u8(1) // EV_CURRENT
	w.u8(0) // ELFOSABI_NONE
	w.pad(16)
	w.u16(etDyn)
	w.u16(emX86_64)
	w.u32(1) // e_version
	w.u64(0) // e_entry: unused, this core never jumps to it
	w.u64(ehdrSize)
	w.u64(0) // e_shoff: no section headers in this fixture
	w.u32(0) // e_flags
	w.u16(ehdrSize)
	w.u16(phdrSize)
	w.u16(phnum)
	w.u16(0) // e_shentsize
	w.u16(0) // e_shnum
	w.u16(0) // e_shstrndx

	writePhdr := func(typ, flags uint32, off, vaddr, filesz, memsz, align uint64) {
		w.u32(typ)
		w.u32(flags)
		w.u64(off)
		w.u64(vaddr)
		w.u64(vaddr)
		w.u64(filesz)
		w.u64(memsz)
		w.u64(align)
	}
	// The first segment also holds the exported data objects, so it is
	// writable as well as executable.
	writePhdr(ptLoad, pfR|pfW|pfX, 0, 0, segAFileEnd, segAFileEnd, pageSize)
	writePhdr(ptLoad, pfR|pfW, segBStart, segBStart, segBFileEnd-segBStart, segBMemEnd-segBStart, pageSize)
	writePhdr(ptDynamic, pfR|pfW, dynOff, dynOff, dynSize, dynSize, 8)

	w.pad(dynsymOff)
	w.u32(0)
	w.u8(0)
	w.u8(0)
	w.u16(0)
	w.u64(0)
	w.u64(0) // null symbol
	for i, s := range symbols {
		w.u32(nameOff[i])
		w.u8(byte(stbGlobal) | s.Kind)
		w.u8(0) // st_other
		w.u16(1) // st_shndx: nonzero, "defined"
		w.u64(offs[i])
		w.u64(s.Size)
	}

	w.pad(dynstrOff)
	w.raw(strtab.bytes())

	if withGNUHash {
		w.pad(gnuHashOff)
		w.u32(nbuckets)
		w.u32(1) // symoffset: dynsym index 1 is the first hashed entry
		w.u32(bloomSize)
		w.u32(bloomShift)
		var bloom uint64
		hashes := make([]uint32, len(symbols))
		for i, s := range symbols {
			h := gnuHash(s.Name)
			hashes[i] = h
			bloom |= uint64(1) << (h % 64)
			bloom |= uint64(1) << ((h >> bloomShift) % 64)
		}
		w.u64(bloom)
		w.u32(1) // bucket[0]: every symbol hashed into the one bucket
		for i, h := range hashes {
			if i == len(hashes)-1 {
				w.u32(h | 1)
			} else {
				w.u32(h &^ 1)
			}
		}
	}

	w.pad(codeOff)
	for i, s := range symbols {
		if s.Kind != sttFunc {
			continue
		}
		w.pad(offs[i])
		if s.PatchCode != nil {
			w.raw(s.PatchCode(offs[i], trailingOffs[i]))
		} else {
			w.raw(s.Code)
		}
		w.pad(trailingOffs[i])
		w.raw(s.Trailing)
	}
	w.pad(initFnOff)
	w.raw(initCode)
	w.pad(finiFnOff)
	w.raw(finiCode)
	for i, s := range symbols {
		if s.Kind != sttObject {
			continue
		}
		w.pad(offs[i])
		w.raw(s.Code)
	}
	w.pad(segAFileEnd)
	w.pad(segAPageEnd)

	writeDyn := func(tag, val uint64) {
		w.u64(tag)
		w.u64(val)
	}
	writeDyn(dtSymtab, dynsymOff)
	writeDyn(dtStrtab, dynstrOff)
	writeDyn(dtStrsz, dynstrSize)
	writeDyn(dtSyment, symSize)
	if withGNUHash {
		writeDyn(dtGNUHash, gnuHashOff)
	}
	writeDyn(dtInit, initFnOff)
	writeDyn(dtFini, finiFnOff)
	writeDyn(dtNull, 0)

	w.pad(markerOff)
	w.u32(0)
	w.pad(segBFileEnd)

	return w.bytes(), Layout{InitMarkerOffset: markerOff}
}

// BuildHostCallInit lays out a minimal ET_DYN exporting no defined symbols
// at all: its one dynamic-symbol-table entry is externSymbol itself, left
// undefined (SHN_UNDEF), with a single RELA entry applying R_X86_64_GLOB_DAT
// against it into a private GOT-style slot. DT_INIT calls through that slot
// (a zero-argument, int-returning host function, e.g. getpid) and stores the
// 32-bit return value into the marker cell, so a test can confirm the
// relocation resolved through the host's default symbol namespace rather
// than a locally-defined one (spec §8 scenario 5, §4.4's global-resolver
// fallback leg). No hash table is emitted — resolving this image's own
// undefined symbol never goes through lookupInImage, only through the
// relocator's direct symtab/strtab read.
func BuildHostCallInit(externSymbol string) ([]byte, Layout) {
	var strtab buf
	strtab.u8(0)
	nameOff := strtab.len()
	strtab.raw([]byte(externSymbol))
	strtab.u8(0)

	const numSyms = 2 // null symbol + the one undefined external
	dynsymOff := uint64(ehdrSize + 3*phdrSize)
	dynstrOff := dynsymOff + numSyms*symSize
	dynstrSize := strtab.len()

	initFnOff := dynstrOff + dynstrSize
	const initCodeLen = 13 // FF 15 <disp32> ; 89 05 <disp32> ; C3
	segAFileEnd := initFnOff + initCodeLen
	segAPageEnd := alignUp(segAFileEnd, pageSize)

	segBStart := segAPageEnd
	gotSlotOff := segBStart
	relaOff := gotSlotOff + 8
	dynOff := relaOff + relaSize
	const dynEntries = 8 // SYMTAB,STRTAB,STRSZ,SYMENT,RELA,RELASZ,INIT,NULL
	dynSize := uint64(dynEntries) * 16

	markerOff := dynOff + dynSize
	segBFileEnd := markerOff + 4

	initCode := make([]byte, initCodeLen)
	initCode[0], initCode[1] = 0xFF, 0x15 // call qword ptr [rip+disp32]
	binary.LittleEndian.PutUint32(initCode[2:6], uint32(int64(gotSlotOff)-int64(initFnOff+6)))
	initCode[6], initCode[7] = 0x89, 0x05 // mov dword ptr [rip+disp32], eax
	binary.LittleEndian.PutUint32(initCode[8:12], uint32(int64(markerOff)-int64(initFnOff+12)))
	initCode[12] = 0xC3

	var w buf
	const phnum = 3
	w.u8(0x7f)
	w.u8('E')
	w.u8('L')
	w.u8('F')
	w.u8(2)
	w.u8(1)
	w.u8(1)
	w.u8(0)
	w.pad(16)
	w.u16(etDyn)
	w.u16(emX86_64)
	w.u32(1)
	w.u64(0)
	w.u64(ehdrSize)
	w.u64(0)
	w.u32(0)
	w.u16(ehdrSize)
	w.u16(phdrSize)
	w.u16(phnum)
	w.u16(0)
	w.u16(0)
	w.u16(0)

	writePhdr := func(typ, flags uint32, off, vaddr, filesz, memsz, align uint64) {
		w.u32(typ)
		w.u32(flags)
		w.u64(off)
		w.u64(vaddr)
		w.u64(vaddr)
		w.u64(filesz)
		w.u64(memsz)
		w.u64(align)
	}
	writePhdr(ptLoad, pfR|pfX, 0, 0, segAFileEnd, segAFileEnd, pageSize)
	writePhdr(ptLoad, pfR|pfW, segBStart, segBStart, segBFileEnd-segBStart, segBFileEnd-segBStart, pageSize)
	writePhdr(ptDynamic, pfR|pfW, dynOff, dynOff, dynSize, dynSize, 8)

	w.pad(dynsymOff)
	w.u32(0)
	w.u8(0)
	w.u8(0)
	w.u16(0)
	w.u64(0)
	w.u64(0) // null symbol
	w.u32(uint32(nameOff))
	w.u8(sttFuncUndefBind)
	w.u8(0)
	w.u16(0) // st_shndx = SHN_UNDEF
	w.u64(0)
	w.u64(0)

	w.pad(dynstrOff)
	w.raw(strtab.bytes())

	w.pad(initFnOff)
	w.raw(initCode)
	w.pad(segAFileEnd)
	w.pad(segAPageEnd)

	w.pad(gotSlotOff)
	w.u64(0) // GLOB_DAT relocation fills this in at Open time

	w.pad(relaOff)
	w.u64(gotSlotOff)                                       // r_offset
	w.u64((uint64(1) << 32) | uint64(rX8664GlobDat))        // r_info: sym index 1, R_X86_64_GLOB_DAT
	w.u64(0)                                                // r_addend

	writeDyn := func(tag, val uint64) {
		w.u64(tag)
		w.u64(val)
	}
	w.pad(dynOff)
	writeDyn(dtSymtab, dynsymOff)
	writeDyn(dtStrtab, dynstrOff)
	writeDyn(dtStrsz, dynstrSize)
	writeDyn(dtSyment, symSize)
	writeDyn(dtRela, relaOff)
	writeDyn(dtRelasz, relaSize)
	writeDyn(dtInit, initFnOff)
	writeDyn(dtNull, 0)

	w.pad(markerOff)
	w.u32(0xFFFFFFFF) // sentinel: distinguishable from any real getpid() result
	w.pad(segBFileEnd)

	return w.bytes(), Layout{InitMarkerOffset: markerOff}
}

// AddCode returns the machine code for int add(int a, int b) { return a+b; }
// under the System V AMD64 calling convention: lea eax, [rdi+rsi]; ret.
func AddCode() []byte { return []byte{0x8D, 0x04, 0x37, 0xC3} }

// GetMessageSymbol builds the get_message() function symbol: it returns a
// pointer to msg (embedded as trailing data right after its own code) via
// a RIP-relative lea, mirroring what a compiler emits for a
// "return string literal" function in a position-independent shared
// object.
func GetMessageSymbol(msg string) Symbol {
	trailing := append([]byte(msg), 0)
	return FuncWithTrailing("get_message", 8, trailing, func(funcOff, trailingOff uint64) []byte {
		code := make([]byte, 8)
		code[0], code[1], code[2] = 0x48, 0x8D, 0x05 // lea rax, [rip+disp32]
		binary.LittleEndian.PutUint32(code[3:7], uint32(int64(trailingOff)-int64(funcOff+7)))
		code[7] = 0xC3
		return code
	})
}

// BadMagic returns a short byte slice that is not a valid ELF file, for
// exercising the reader's rejection path.
func BadMagic() []byte {
	return []byte("not an ELF file at all, just plain bytes\x00")
}
