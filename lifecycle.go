package udl

import (
	"encoding/binary"

	"github.com/xyproto/udl/internal/hostsym"
)

const sentinelAllOnes = ^uintptr(0)

// validEntry reports whether a raw init/fini pointer is neither null nor
// the all-ones sentinel some toolchains emit (spec §9 design note).
func validEntry(p uintptr) bool {
	return p != 0 && p != sentinelAllOnes
}

func readArrayEntry(base uintptr, index int) uintptr {
	b := unsafeBytes(base+uintptr(index*8), 8)
	return uintptr(binary.LittleEndian.Uint64(b))
}

// initOrder computes which function pointers runConstructors would invoke,
// in call order, without invoking them: the legacy single DT_INIT pointer
// first, then each valid DT_INIT_ARRAY entry in array order (spec §4.6).
// Split out from runConstructors so the ordering rule can be unit tested
// against a synthetic Image without needing real executable memory behind
// every pointer.
func initOrder(img *Image) []uintptr {
	var order []uintptr
	if validEntry(img.initFunc) {
		order = append(order, img.initFunc)
	}
	for i := 0; i < img.initArrayCount; i++ {
		if p := readArrayEntry(img.initArray, i); validEntry(p) {
			order = append(order, p)
		}
	}
	return order
}

// finiOrder is initOrder's mirror for teardown: DT_FINI_ARRAY in reverse
// order, then the legacy single DT_FINI pointer (spec §4.6).
func finiOrder(img *Image) []uintptr {
	var order []uintptr
	for i := img.finiArrayCount - 1; i >= 0; i-- {
		if p := readArrayEntry(img.finiArray, i); validEntry(p) {
			order = append(order, p)
		}
	}
	if validEntry(img.finiFunc) {
		order = append(order, img.finiFunc)
	}
	return order
}

// runConstructors implements the forward half of spec §4.6.
func runConstructors(img *Image) {
	for _, p := range initOrder(img) {
		hostsym.Call0(p)
	}
}

// runDestructors implements the unload half of spec §4.6.
func runDestructors(img *Image) {
	for _, p := range finiOrder(img) {
		hostsym.Call0(p)
	}
}
