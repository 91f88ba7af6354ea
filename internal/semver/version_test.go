package semver

import "testing"

func TestParseLeniency(t *testing.T) {
	cases := []struct {
		in   string
		want Version
	}{
		{"1.2.3", Version{1, 2, 3, 0}},
		{"v1.2.3", Version{1, 2, 3, 0}},
		{"1.2.3+4", Version{1, 2, 3, 4}},
		{"v1.2.3+4", Version{1, 2, 3, 4}},
		{"1.2", Version{1, 2, 0, 0}},
		{"1", Version{1, 0, 0, 0}},
		{"", Version{0, 0, 0, 0}},
		{"garbage.2.3", Version{0, 2, 3, 0}},
	}
	for _, c := range cases {
		got := Parse(c.in)
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestComparePatchIndexIsMostSignificantTiebreak(t *testing.T) {
	a := Parse("1.2.3+1")
	b := Parse("1.2.3+2")
	if Compare(a, b) >= 0 {
		t.Errorf("1.2.3+1 should compare before 1.2.3+2")
	}
	if Compare(b, a) <= 0 {
		t.Errorf("1.2.3+2 should compare after 1.2.3+1")
	}
}

func TestCompareTotalOrder(t *testing.T) {
	ordered := []string{"1.0.0", "1.0.1", "1.1.0", "2.0.0", "2.0.0+1", "2.0.0+2"}
	for i := 1; i < len(ordered); i++ {
		a, b := Parse(ordered[i-1]), Parse(ordered[i])
		if Compare(a, b) >= 0 {
			t.Errorf("%q should compare before %q", ordered[i-1], ordered[i])
		}
	}
}

func TestFormatOmitsZeroPatchIndex(t *testing.T) {
	if got := Format("1.2.3", 0); got != "1.2.3" {
		t.Errorf("Format(1.2.3, 0) = %q, want 1.2.3", got)
	}
	if got := Format("1.2.3", 2); got != "1.2.3+2" {
		t.Errorf("Format(1.2.3, 2) = %q, want 1.2.3+2", got)
	}
}

func TestCompareStringsMatchesCompare(t *testing.T) {
	if CompareStrings("1.2.3", "1.2.4") >= 0 {
		t.Errorf("CompareStrings(1.2.3, 1.2.4) should be negative")
	}
}
