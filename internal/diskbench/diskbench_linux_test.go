//go:build linux

package diskbench

import "testing"

func TestLCGFillIsDeterministicAndNonConstant(t *testing.T) {
	buf := lcgFill(make([]byte, 4096))
	if buf[0] != byte(0x12345678>>16) {
		t.Fatalf("unexpected first byte %#x", buf[0])
	}

	distinct := map[byte]bool{}
	for _, b := range buf {
		distinct[b] = true
	}
	if len(distinct) < 2 {
		t.Fatal("expected the LCG fill to produce more than one distinct byte value")
	}

	again := lcgFill(make([]byte, 4096))
	for i := range buf {
		if buf[i] != again[i] {
			t.Fatalf("lcgFill is not deterministic at index %d", i)
		}
	}
}
