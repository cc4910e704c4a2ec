package nn

import (
	"math"
	"math/rand"
)

// MaxAbsDiff calculates the maximum absolute difference between two slices
func MaxAbsDiff(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	m := 0.0
	for i := 0; i < n; i++ {
		d := math.Abs(float64(a[i] - b[i]))
		if d > m {
			m = d
		}
	}
	return m
}

// Mean returns the mean value of a slice
func Mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// Sample pairs an input row with its expected output row.
type Sample struct {
	Input    []float32
	Expected []float32
}

// Zip pairs inputs with expected rows; extra rows on either side are dropped.
func Zip(input, expected [][]float32) []Sample {
	n := min(len(input), len(expected))
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		out[i] = Sample{Input: input[i], Expected: expected[i]}
	}
	return out
}

// Shuffled returns a shuffled copy of samples. Every trainer uses this
// helper so identical seeds give identical batch orders.
func Shuffled[T any](items []T, rng *rand.Rand) []T {
	out := make([]T, len(items))
	copy(out, items)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Partition splits items into consecutive chunks of at most size elements.
func Partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Split separates samples into input and expected rows.
func Split(batch []Sample) (input, expected [][]float32) {
	input = make([][]float32, len(batch))
	expected = make([][]float32, len(batch))
	for i, s := range batch {
		input[i] = s.Input
		expected[i] = s.Expected
	}
	return input, expected
}

// RandomMatrix returns rows x cols values drawn uniformly from [-1, 1).
func RandomMatrix(rng *rand.Rand, rows, cols int) [][]float32 {
	m := make([][]float32, rows)
	for i := range m {
		m[i] = make([]float32, cols)
		for j := range m[i] {
			m[i][j] = float32(rng.Float64()*2 - 1)
		}
	}
	return m
}

// RandomNormalMatrix returns rows x cols values from N(0, 1).
func RandomNormalMatrix(rng *rand.Rand, rows, cols int) [][]float32 {
	m := make([][]float32, rows)
	for i := range m {
		m[i] = make([]float32, cols)
		for j := range m[i] {
			m[i][j] = float32(rng.NormFloat64())
		}
	}
	return m
}
