package cwfs

import (
	"wavefront/internal/img"
)

// SynthesizePair renders an intra/extra donut pair for a known
// wavefront, using the same linearized intensity transport the solver
// inverts. zk are Noll coefficients in nanometers starting at Z1; at
// most Basis.Terms entries are used. The extra image is returned in
// detector orientation, rotated 180 degrees from the intra frame.
func (s *Solver) SynthesizePair(zk []float64) (intra, extra *img.Image) {
	b := s.Basis
	c := make([]float64, b.Terms)
	copy(c, zk)

	lap := b.Combine(b.Lap, c)
	size := b.Size
	intra = img.New(size, size)
	aligned := img.New(size, size)
	for i := range b.Mask {
		if !b.Mask[i] {
			continue
		}
		srcTerm := lap[i] / s.invKappa
		intra.Pix[i] = 1 + srcTerm
		aligned.Pix[i] = 1 - srcTerm
		if intra.Pix[i] < 0 {
			intra.Pix[i] = 0
		}
		if aligned.Pix[i] < 0 {
			aligned.Pix[i] = 0
		}
	}
	extra = aligned.Rotate180()
	return intra, extra
}
