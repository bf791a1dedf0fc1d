package udl

import (
	"encoding/binary"

	"github.com/xyproto/udl/internal/hostsym"
)

// sym is one decoded Elf64_Sym entry.
type sym struct {
	name  uint32
	info  uint8
	other uint8
	shndx uint16
	value uint64
	size  uint64
}

func readSym(img *Image, index int) sym {
	b := unsafeBytes(img.symtab+uintptr(index*symSize), symSize)
	return sym{
		name:  binary.LittleEndian.Uint32(b[0:4]),
		info:  b[4],
		other: b[5],
		shndx: binary.LittleEndian.Uint16(b[6:8]),
		value: binary.LittleEndian.Uint64(b[8:16]),
		size:  binary.LittleEndian.Uint64(b[16:24]),
	}
}

func symName(img *Image, s sym) string {
	if uintptr(s.name) >= img.strtabSize {
		return ""
	}
	return cstr(unsafeBytes(img.strtab, int(img.strtabSize)), s.name)
}

const (
	stbGlobal = 1 // STB_GLOBAL, st_info >> 4
	stbWeak   = 2 // STB_WEAK, st_info >> 4
)
const shnUndef = 0

func (s sym) isUndefined() bool { return s.shndx == shnUndef }
func (s sym) bind() uint8       { return s.info >> 4 }

// qualifies implements spec §4.4's lookup-candidate rule: "A candidate
// entry qualifies iff st_shndx != SHN_UNDEF and its binding is global or
// weak."
func (s sym) qualifies() bool {
	if s.isUndefined() {
		return false
	}
	b := s.bind()
	return b == stbGlobal || b == stbWeak
}

// elfHashTable is the classic SysV .hash section (spec §4.4): a bucket
// array indexed by hash % nbucket, and a chain array walked until the
// terminating zero entry.
type elfHashTable struct {
	nbucket int
	nchain  int
	buckets []uint32
	chain   []uint32
}

func parseElfHash(addr uintptr) *elfHashTable {
	hdr := unsafeBytes(addr, 8)
	nbucket := int(binary.LittleEndian.Uint32(hdr[0:4]))
	nchain := int(binary.LittleEndian.Uint32(hdr[4:8]))

	buckets := make([]uint32, nbucket)
	bb := unsafeBytes(addr+8, nbucket*4)
	for i := range buckets {
		buckets[i] = binary.LittleEndian.Uint32(bb[i*4 : i*4+4])
	}

	chain := make([]uint32, nchain)
	cb := unsafeBytes(addr+8+uintptr(nbucket*4), nchain*4)
	for i := range chain {
		chain[i] = binary.LittleEndian.Uint32(cb[i*4 : i*4+4])
	}

	return &elfHashTable{nbucket: nbucket, nchain: nchain, buckets: buckets, chain: chain}
}

// elfHash is the classic SysV string hash (spec §4.4, glossary "ELF
// hash").
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

func (t *elfHashTable) lookup(img *Image, name string) (sym, bool) {
	if t == nil || t.nbucket == 0 {
		return sym{}, false
	}
	i := t.buckets[elfHash(name)%uint32(t.nbucket)]
	for i != 0 {
		s := readSym(img, int(i))
		if symName(img, s) == name {
			return s, true
		}
		if int(i) >= len(t.chain) {
			break
		}
		i = t.chain[i]
	}
	return sym{}, false
}

// gnuHashTable is the GNU-extension .gnu.hash section (spec §4.4): adds a
// bloom filter ahead of the bucket/chain walk so failed lookups usually
// cost one load instead of a full chain traversal.
type gnuHashTable struct {
	nbuckets   int
	symOffset  int
	bloomSize  int
	bloomShift uint32
	bloom      []uint64
	buckets    []uint32
	chainBase  uintptr // address of chain[0], indexed from symOffset onward
}

func parseGNUHash(addr uintptr) *gnuHashTable {
	hdr := unsafeBytes(addr, 16)
	nbuckets := int(binary.LittleEndian.Uint32(hdr[0:4]))
	symOffset := int(binary.LittleEndian.Uint32(hdr[4:8]))
	bloomSize := int(binary.LittleEndian.Uint32(hdr[8:12]))
	bloomShift := binary.LittleEndian.Uint32(hdr[12:16])

	off := addr + 16
	bloom := make([]uint64, bloomSize)
	bb := unsafeBytes(off, bloomSize*8)
	for i := range bloom {
		bloom[i] = binary.LittleEndian.Uint64(bb[i*8 : i*8+8])
	}
	off += uintptr(bloomSize * 8)

	buckets := make([]uint32, nbuckets)
	ub := unsafeBytes(off, nbuckets*4)
	for i := range buckets {
		buckets[i] = binary.LittleEndian.Uint32(ub[i*4 : i*4+4])
	}
	off += uintptr(nbuckets * 4)

	// The chain array's length isn't recorded in the header; it runs from
	// symOffset to the end of the dynamic symbol table, and is read on
	// demand by lookup rather than copied into a Go slice up front.
	return &gnuHashTable{
		nbuckets:   nbuckets,
		symOffset:  symOffset,
		bloomSize:  bloomSize,
		bloomShift: bloomShift,
		bloom:      bloom,
		buckets:    buckets,
		chainBase:  off,
	}
}

// gnuHash is the DJB-variant hash GNU hash tables use (spec §4.4,
// glossary "GNU hash").
func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

func (t *gnuHashTable) lookup(img *Image, name string) (sym, bool) {
	if t == nil || t.nbuckets == 0 {
		return sym{}, false
	}
	h1 := gnuHash(name)
	word := (h1 / 64) % uint32(t.bloomSize)
	bit1 := uint64(1) << (h1 % 64)
	bit2 := uint64(1) << ((h1 >> t.bloomShift) % 64)
	if t.bloom[word]&(bit1|bit2) != bit1|bit2 {
		return sym{}, false
	}

	i := t.buckets[h1%uint32(t.nbuckets)]
	if i < uint32(t.symOffset) {
		return sym{}, false
	}

	chainBase := t.chainBase
	for {
		h2 := binary.LittleEndian.Uint32(unsafeBytes(chainBase+uintptr((i-uint32(t.symOffset))*4), 4))
		s := readSym(img, int(i))
		if h1|1 == h2|1 && symName(img, s) == name {
			return s, true
		}
		if h2&1 != 0 {
			break
		}
		i++
	}
	return sym{}, false
}

// resolveLinear is the last-resort fallback (spec §4.4): a bounded scan of
// the whole symbol table, reached when the hash tables do not yield the
// name or the image has neither hash table.
func resolveLinear(img *Image, name string) (sym, bool) {
	for i := 1; i < img.symCount; i++ {
		s := readSym(img, i)
		if symName(img, s) == name {
			return s, true
		}
	}
	return sym{}, false
}

// lookupInImage implements the per-image lookup order of spec §4.4:
// GNU hash first if present, then classic hash, then linear fallback. A
// GNU-hash bloom-filter miss ends the search with "not found".
func lookupInImage(img *Image, name string) (uintptr, bool) {
	if t := img.gnuHash; t != nil && t.nbuckets != 0 {
		h1 := gnuHash(name)
		bits := uint64(1)<<(h1%64) | uint64(1)<<((h1>>t.bloomShift)%64)
		if t.bloom[(h1/64)%uint32(t.bloomSize)]&bits != bits {
			return 0, false
		}
	}
	if s, ok := img.gnuHash.lookup(img, name); ok && s.qualifies() {
		return img.loadBias + uintptr(s.value), true
	}
	if s, ok := img.hash.lookup(img, name); ok && s.qualifies() {
		return img.loadBias + uintptr(s.value), true
	}
	if s, ok := resolveLinear(img, name); ok && s.qualifies() {
		return img.loadBias + uintptr(s.value), true
	}
	return 0, false
}

// resolveGlobal implements spec §4.4's global resolver: search every
// currently open image newest-first, then fall back to the host's own
// runtime symbol namespace via internal/hostsym.
func resolveGlobal(name string) (uintptr, bool) {
	for img := global.head; img != nil; img = img.next {
		if addr, ok := lookupInImage(img, name); ok {
			return addr, true
		}
	}
	if addr := hostsym.Resolve(name); addr != 0 {
		return addr, true
	}
	return 0, false
}
