package grow

import "testing"

func TestLastUsableSector(t *testing.T) {
	cases := []struct {
		diskSectors int64
		firstUsable int64
		align       int64
		want        int64
	}{
		// 1 GiB disk at 512-byte sectors with the standard 34-sector GPT
		// header area and 1 MiB alignment.
		{diskSectors: 2_097_152, firstUsable: 34, align: 2048, want: 2_095_104},
		// Unaligned remainder rounds down.
		{diskSectors: 2_097_200, firstUsable: 34, align: 2048, want: 2_095_104},
		// Alignment of one keeps every sector up to the GPT trailer.
		{diskSectors: 1000, firstUsable: 34, align: 1, want: 967},
	}
	for _, c := range cases {
		got := LastUsableSector(c.diskSectors, c.firstUsable, c.align)
		if got != c.want {
			t.Fatalf("LastUsableSector(%d, %d, %d) = %d, want %d",
				c.diskSectors, c.firstUsable, c.align, got, c.want)
		}
	}
}

func TestFirstUsableSector(t *testing.T) {
	if got := firstUsableSector(512); got != 34 {
		t.Fatalf("firstUsableSector(512) = %d, want 34", got)
	}
	if got := firstUsableSector(4096); got != 6 {
		t.Fatalf("firstUsableSector(4096) = %d, want 6", got)
	}
}

func TestPartitionAlignment(t *testing.T) {
	cases := []struct {
		start int64
		want  int64
	}{
		{2048, 2048},
		{4096, 2048},
		{1024, 1024},
		{34, 2},
		{33, 1},
	}
	for _, c := range cases {
		if got := partitionAlignment(c.start); got != c.want {
			t.Fatalf("partitionAlignment(%d) = %d, want %d", c.start, got, c.want)
		}
	}
}
