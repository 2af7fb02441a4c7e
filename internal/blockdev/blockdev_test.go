package blockdev

import "testing"

func TestHasDigitSuffix(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"sda", false},
		{"sda1", true},
		{"sda10", true},
		{"nvme0n1", true},
	}
	for _, c := range cases {
		if got := hasDigitSuffix(c.in); got != c.want {
			t.Fatalf("hasDigitSuffix(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
