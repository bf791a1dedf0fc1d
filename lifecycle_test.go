package udl

import "testing"

func putU64Array(vals []uint64) []byte {
	b := make([]byte, len(vals)*8)
	for i, v := range vals {
		for j := 0; j < 8; j++ {
			b[i*8+j] = byte(v >> (8 * j))
		}
	}
	return b
}

func TestInitOrderLegacyThenArraySkippingSentinels(t *testing.T) {
	arr := putU64Array([]uint64{0x111, 0, uint64(sentinelAllOnes), 0x222})
	img := &Image{
		initFunc:       0x100,
		initArray:      addrOf(arr),
		initArrayCount: 4,
	}

	got := initOrder(img)
	want := []uintptr{0x100, 0x111, 0x222}
	if len(got) != len(want) {
		t.Fatalf("initOrder = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("initOrder[%d] = 0x%x, want 0x%x", i, got[i], want[i])
		}
	}
}

func TestInitOrderNoLegacyInit(t *testing.T) {
	arr := putU64Array([]uint64{0x111, 0x222})
	img := &Image{initArray: addrOf(arr), initArrayCount: 2}

	got := initOrder(img)
	if len(got) != 2 || got[0] != 0x111 || got[1] != 0x222 {
		t.Fatalf("initOrder = %v, want [0x111 0x222]", got)
	}
}

func TestFiniOrderArrayReversedThenLegacy(t *testing.T) {
	arr := putU64Array([]uint64{0x111, 0x222, 0x333})
	img := &Image{
		finiFunc:       0x999,
		finiArray:      addrOf(arr),
		finiArrayCount: 3,
	}

	got := finiOrder(img)
	want := []uintptr{0x333, 0x222, 0x111, 0x999}
	if len(got) != len(want) {
		t.Fatalf("finiOrder = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("finiOrder[%d] = 0x%x, want 0x%x", i, got[i], want[i])
		}
	}
}

func TestValidEntryRejectsNullAndSentinel(t *testing.T) {
	if validEntry(0) {
		t.Fatalf("validEntry(0) = true, want false")
	}
	if validEntry(sentinelAllOnes) {
		t.Fatalf("validEntry(all-ones) = true, want false")
	}
	if !validEntry(0x1000) {
		t.Fatalf("validEntry(0x1000) = false, want true")
	}
}
