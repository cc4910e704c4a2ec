package engine

import "fmt"

// copyRows writes rows into the row-major buffer dst. Every row must be
// width wide; rows past len(rows) are left untouched.
func copyRows(dst []float32, rows [][]float32, width int) error {
	if len(rows)*width > len(dst) {
		return fmt.Errorf("%w: %d rows of width %d don't fit a buffer of %d values", ErrDimension, len(rows), width, len(dst))
	}
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d values, expected %d", ErrDimension, i, len(row), width)
		}
		copy(dst[i*width:(i+1)*width], row)
	}
	return nil
}

// rowsView returns the first n rows of a row-major buffer. The rows share
// storage with flat.
func rowsView(flat []float32, n, width int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = flat[i*width : (i+1)*width : (i+1)*width]
	}
	return rows
}

// cloneRows copies the first n rows of a row-major buffer.
func cloneRows(flat []float32, n, width int) [][]float32 {
	backing := make([]float32, n*width)
	copy(backing, flat[:n*width])
	return rowsView(backing, n, width)
}

// flattenInto writes a [rows][cols] matrix into dst row by row.
func flattenInto(dst []float32, m [][]float32) {
	off := 0
	for _, row := range m {
		off += copy(dst[off:], row)
	}
}

// checkWidths verifies every row has the given width.
func checkWidths(rows [][]float32, width int, what string) error {
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("%w: %s row %d has %d values, expected %d", ErrDimension, what, i, len(row), width)
		}
	}
	return nil
}
