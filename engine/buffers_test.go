package engine

import (
	"errors"
	"testing"
)

func TestCopyRows(t *testing.T) {
	dst := []float32{9, 9, 9, 9, 9, 9}
	if err := copyRows(dst, [][]float32{{1, 2}, {3, 4}}, 2); err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 2, 3, 4, 9, 9}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}

	if err := copyRows(dst, [][]float32{{1, 2, 3}}, 2); !errors.Is(err, ErrDimension) {
		t.Errorf("wide row: error = %v", err)
	}
	if err := copyRows(dst, [][]float32{{1}, {2}, {3}, {4}}, 2); !errors.Is(err, ErrDimension) {
		t.Errorf("too many rows: error = %v", err)
	}
}

func TestRowsViewAndClone(t *testing.T) {
	flat := []float32{1, 2, 3, 4, 5, 6}
	view := rowsView(flat, 2, 3)
	clone := cloneRows(flat, 2, 3)
	flat[0] = 7
	if view[0][0] != 7 {
		t.Error("view does not share storage")
	}
	if clone[0][0] != 1 || clone[1][2] != 6 {
		t.Errorf("clone = %v", clone)
	}
	if cap(view[0]) != 3 {
		t.Errorf("view row capacity %d leaks into the next row", cap(view[0]))
	}
}

func TestFlattenInto(t *testing.T) {
	dst := make([]float32, 4)
	flattenInto(dst, [][]float32{{1, 2}, {3, 4}})
	if dst[2] != 3 || dst[3] != 4 {
		t.Errorf("dst = %v", dst)
	}
}
