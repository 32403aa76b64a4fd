package wgpubackend

import "testing"

func TestFloat32ByteRoundTrip(t *testing.T) {
	in := []float32{1, -2.5, 0, 3.14159, 1e10}
	raw := float32SliceToBytes(in)
	out := bytesToFloat32Slice(raw, len(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("index %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestRowsColsFlattensLeadingDims(t *testing.T) {
	rows, cols := rowsCols([]int{4, 8, 16})
	if rows != 32 || cols != 16 {
		t.Fatalf("got rows=%d cols=%d, want rows=32 cols=16", rows, cols)
	}
}

func TestRowsColsHandlesVector(t *testing.T) {
	rows, cols := rowsCols([]int{16})
	if rows != 1 || cols != 16 {
		t.Fatalf("got rows=%d cols=%d, want rows=1 cols=16", rows, cols)
	}
}
