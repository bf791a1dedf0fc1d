package udl

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/xyproto/udl/internal/udlenv"
	"github.com/xyproto/udl/internal/udlerr"
)

// Handle is an opaque reference to a resident image, the facade's "handle"
// from spec §4.7. The zero value is the Default sentinel.
type Handle struct {
	img *Image
}

// Flag bits for Open, recognized but not differentiated in this core: all
// behavior is "resolve now" regardless of which are set (spec §4.7, §6).
type Flag int

const (
	Lazy Flag = 1 << iota
	Now
	Local
	Global
)

// Default is the sentinel handle whose Lookup performs a global search
// across every resident image, then the host namespace.
var Default = Handle{}

// Next is the sentinel handle spec §9 leaves unimplemented: real semantics
// need call-site identification (walk the list starting after the
// caller's own image), which this core has no way to establish.
var Next = Handle{img: nextSentinel}

var nextSentinel = &Image{name: "<next-sentinel>"}

// Open implements spec §4.7: compose the Image Reader, Segment Mapper,
// Dynamic-Section Interpreter, Relocator and Lifecycle Orchestrator. On any
// failure the partial state is released, the last-error slot is set, and
// the zero Handle is returned; nothing is published on failure.
func Open(path string, flags Flag) (Handle, error) {
	path = resolvePath(path)

	ri, err := readELF(path)
	if err != nil {
		global.setError("open %s: %v", path, err)
		return Handle{}, err
	}
	defer ri.close()

	base, size, bias, err := mapSegments(ri, path)
	if err != nil {
		global.setError("open %s: %v", path, err)
		return Handle{}, err
	}

	img := &Image{
		name:     path,
		base:     base,
		size:     size,
		loadBias: bias,
		refCount: 1,
		sections: ri.sections(),
	}
	img.phdr, img.dynamic, _ = findPhdrAndDynamic(ri, bias)
	img.phnum = len(ri.phdrs)

	if img.dynamic != 0 {
		if err := populateDynamic(img); err != nil {
			unix.Munmap(unsafeBytes(base, int(size)))
			global.setError("open %s: %v", path, err)
			return Handle{}, err
		}
	}

	if err := applyRelocations(img); err != nil {
		unix.Munmap(unsafeBytes(base, int(size)))
		global.setError("open %s: %v", path, err)
		return Handle{}, err
	}

	global.publish(img)
	runConstructors(img)

	global.clearError()
	return Handle{img: img}, nil
}

// resolvePath implements UDL_LIBRARY_PATH search-path resolution (mirroring
// LD_LIBRARY_PATH): a bare filename is tried against each configured
// directory, in order, before falling back to name as given. A path that
// already contains a separator is never rewritten, matching the host
// dynamic linker's own rule that only a bare soname gets searched.
func resolvePath(name string) string {
	if filepath.Base(name) != name {
		return name
	}
	for _, dir := range udlenv.LibraryPath() {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

// Lookup implements spec §4.7 and §4.4: Default performs a global search;
// a specific handle searches only that image; Next is recognized but
// unsupported.
func Lookup(h Handle, name string) (uintptr, error) {
	if h.img == nextSentinel {
		err := udlerr.New(udlerr.NotSupported, "NEXT sentinel handle is not implemented")
		global.setError("lookup %q: %v", name, err)
		return 0, err
	}

	var addr uintptr
	var ok bool
	if h.img == nil {
		addr, ok = resolveGlobal(name)
	} else {
		addr, ok = lookupInImage(h.img, name)
	}
	if !ok {
		err := udlerr.New(udlerr.NotFound, "symbol %q not found", name)
		global.setError("lookup %q: %v", name, err)
		return 0, err
	}
	global.clearError()
	return addr, nil
}

// Close implements spec §4.7 and §4.6's teardown half: decrements
// ref_count; at zero, runs destructors in order, unlinks from the global
// list, and unmaps the reserved region in full.
func Close(h Handle) error {
	img := h.img
	if img == nil || img == nextSentinel {
		err := udlerr.New(udlerr.Internal, "close: invalid handle")
		global.setError("close: %v", err)
		return err
	}

	if !img.release() {
		global.clearError()
		return nil
	}

	runDestructors(img)
	global.unlink(img)
	if err := unix.Munmap(unsafeBytes(img.base, int(img.size))); err != nil {
		err = udlerr.Wrap(udlerr.MapFailure, err, "unmap %s", img.name)
		global.setError("close %s: %v", img.name, err)
		return err
	}

	global.clearError()
	return nil
}

// LastError implements spec §4.7 and §8 invariant 7: returns the stored
// message and clears it, so a second immediate call returns empty.
func LastError() (string, bool) {
	return global.takeError()
}

// Sections exposes the diagnostic section view of spec §6 for a resident
// image.
func (h Handle) Sections() []SectionView {
	if h.img == nil || h.img == nextSentinel {
		return nil
	}
	return h.img.sections
}

// Name returns the path an image was opened from.
func (h Handle) Name() string {
	if h.img == nil {
		return ""
	}
	return h.img.name
}
