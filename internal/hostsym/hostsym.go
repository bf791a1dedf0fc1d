// Package hostsym is the loader's one piece of host interop that pure Go
// cannot provide: asking the process's already-linked C runtime "where does
// this symbol live" and, for the demo CLI, actually calling a resolved
// function pointer. Every other package here manipulates ELF bytes with
// nothing but encoding/binary and golang.org/x/sys/unix; this is the sole
// cgo boundary, mirroring the role dlfcn.h plays for Go's own standard
// "plugin" package on Linux.
package hostsym

/*
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

static void *udl_dlsym_default(const char *name) {
	return dlsym(RTLD_DEFAULT, name);
}

typedef long (*udl_fn2)(long, long);

static long udl_call2(void *fn, long a, long b) {
	return ((udl_fn2)fn)(a, b);
}

typedef const char *(*udl_fn0str)(void);

static const char *udl_call0str(void *fn) {
	return ((udl_fn0str)fn)();
}

typedef void (*udl_fn0void)(void);

static void udl_call0void(void *fn) {
	((udl_fn0void)fn)();
}
*/
import "C"

import "unsafe"

// Resolve queries the host's default runtime symbol namespace (RTLD_DEFAULT)
// for name, the fallback step of spec §4.4's global resolver and the
// "default" sentinel handle of spec §4.7. A zero return means "not found";
// it is never an error in itself, only a miss for the caller to report.
func Resolve(name string) uintptr {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	addr := C.udl_dlsym_default(cname)
	return uintptr(addr)
}

// CallInt2 invokes a resolved function pointer taking two integers and
// returning one, using the System V AMD64 integer calling convention. It
// exists purely so the demo CLI and integration tests can exercise a
// function symbol end to end (spec §8 scenario 1: add(10, 20) -> 30)
// without requiring the caller to hand-write a Go assembly trampoline.
func CallInt2(fn uintptr, a, b int64) int64 {
	return int64(C.udl_call2(unsafe.Pointer(fn), C.long(a), C.long(b)))
}

// CallStr0 invokes a resolved zero-argument function pointer that returns a
// NUL-terminated C string, used by the demo CLI and tests for scenario 2
// (get_message() -> "Hello from mini linker!").
func CallStr0(fn uintptr) string {
	p := C.udl_call0str(unsafe.Pointer(fn))
	if p == nil {
		return ""
	}
	return C.GoString(p)
}

// Call0 invokes a resolved zero-argument, no-return function pointer, used
// to run constructors/destructors whose C signature is void fn(void).
func Call0(fn uintptr) {
	C.udl_call0void(unsafe.Pointer(fn))
}
