package nn

import "math/rand"

// Dropout holds a reusable mask for one row of layer output. The same mask
// is applied to the forward activations and to the error in the paired
// backward pass, so dropped units receive no gradient.
type Dropout struct {
	rate float32
	mask []float32
	rng  *rand.Rand
}

// NewDropout creates a mask of the given width. Kept units are scaled by
// 1/(1-rate) so the expected activation is unchanged.
func NewDropout(rate float32, size int, rng *rand.Rand) *Dropout {
	d := &Dropout{rate: rate, mask: make([]float32, size), rng: rng}
	for i := range d.mask {
		d.mask[i] = 1
	}
	return d
}

func (d *Dropout) Rate() float32 { return d.rate }

// Mask returns the current mask; callers must not modify it.
func (d *Dropout) Mask() []float32 { return d.mask }

// CalculateMask draws a fresh mask.
func (d *Dropout) CalculateMask() {
	if d.rate <= 0 {
		return
	}
	scale := 1 / (1 - d.rate)
	for i := range d.mask {
		if d.rng.Float32() < d.rate {
			d.mask[i] = 0
		} else {
			d.mask[i] = scale
		}
	}
}

// ApplyMask multiplies row by the current mask in place.
func (d *Dropout) ApplyMask(row []float32) []float32 {
	if d.rate <= 0 {
		return row
	}
	for i := range row {
		row[i] *= d.mask[i]
	}
	return row
}
