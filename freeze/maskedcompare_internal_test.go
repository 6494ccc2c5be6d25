package freeze

import "testing"

func TestMaskedCompareIdentical(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := []byte{1, 2, 3, 4}
	m := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if got := maskedCompare(a, b, m); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMaskedCompareDiffersOnObservedByte(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := []byte{1, 9, 3, 4}
	m := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if got := maskedCompare(a, b, m); got != -1 {
		t.Fatalf("expected -1, got %d", got)
	}
}

func TestMaskedCompareDiffersOnlyInMaskedBytes(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := []byte{1, 99, 3, 4}
	m := []byte{0xFF, 0x00, 0xFF, 0xFF}
	if got := maskedCompare(a, b, m); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

// With a fully-observing mask (all 0xFF), masked_compare degenerates to
// memcmp: it can only ever return 0 (equal) or -1 (unequal), never 1.
func TestMaskedCompareFullMaskMatchesMemcmp(t *testing.T) {
	cases := []struct {
		a, b []byte
	}{
		{[]byte{1, 2, 3}, []byte{1, 2, 3}},
		{[]byte{1, 2, 3}, []byte{1, 2, 4}},
		{[]byte{0, 0, 0}, []byte{0, 0, 1}},
	}
	full := []byte{0xFF, 0xFF, 0xFF}
	for _, c := range cases {
		got := maskedCompare(c.a, c.b, full)
		equal := string(c.a) == string(c.b)
		if equal && got != 0 {
			t.Errorf("equal inputs: expected 0, got %d", got)
		}
		if !equal && got != -1 {
			t.Errorf("unequal inputs: expected -1, got %d", got)
		}
	}
}
