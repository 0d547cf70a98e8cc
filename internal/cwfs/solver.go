package cwfs

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"wavefront/internal/img"
)

// curvatureSkip counts the leading Noll terms the intensity transport
// cannot sense: piston and the two tilts.
const curvatureSkip = 3

// Result is one wavefront estimate.
type Result struct {
	// Coeffs are annular Zernike coefficients from Z4 up, in
	// nanometers.
	Coeffs     []float64
	Converged  bool
	Iterations int
	// Wavefront is the estimated surface in nanometers on the solver
	// grid; PupilMask marks which grid points carry signal.
	Wavefront []float64
	PupilMask []bool
}

// Solver runs the iterative transport-of-intensity estimation on one
// donut pair.
type Solver struct {
	Inst  *Instrument
	Cfg   AlgorithmConfig
	Basis *Basis

	// invKappa converts the normalized intensity difference into a
	// wavefront Laplacian in nm per squared pupil unit.
	invKappa float64
}

// NewSolver validates the configuration and precomputes the basis.
func NewSolver(inst *Instrument, cfg AlgorithmConfig) (*Solver, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	basis, err := NewBasis(inst, cfg.NumTerms)
	if err != nil {
		return nil, err
	}
	r := inst.PupilRadius()
	return &Solver{
		Inst:     inst,
		Cfg:      cfg,
		Basis:    basis,
		invKappa: 2 * r * r / (inst.EffectiveDistance() * 1e-9),
	}, nil
}

// Estimate solves for the wavefront of one intra/extra pair. Both
// stamps must match the instrument's stamp size. FieldX/FieldY locate
// the star on the focal plane in degrees; only the off-axis
// compensation model uses them. The r^n harmonic terms produce no
// curvature signal and their coefficients come back zero.
func (s *Solver) Estimate(intra, extra *img.Image, fieldX, fieldY float64) (*Result, error) {
	size := s.Inst.StampSize
	if intra.W != size || intra.H != size || extra.W != size || extra.H != size {
		return nil, fmt.Errorf("solver: stamps %dx%d and %dx%d, want %dx%d",
			intra.W, intra.H, extra.W, extra.H, size, size)
	}

	i1, err := NewCompImage(intra, true, fieldX, fieldY)
	if err != nil {
		return nil, err
	}
	i2, err := NewCompImage(extra, false, fieldX, fieldY)
	if err != nil {
		return nil, err
	}

	b := s.Basis
	zk := make([]float64, b.Terms)
	res := &Result{PupilMask: b.Mask}

	for res.Iterations = 1; res.Iterations <= s.Cfg.MaxIterations; res.Iterations++ {
		c1, err := i1.Compensated(b, s.Inst, s.Cfg.Model, zk)
		if err != nil {
			return nil, err
		}
		c2, err := i2.Compensated(b, s.Inst, s.Cfg.Model, zk)
		if err != nil {
			return nil, err
		}

		src := s.sourceTerm(c1, c2)

		// Subtract the part already explained by the running estimate;
		// the fit below sees only the residual curvature.
		lapEst := b.Combine(b.Lap, zk)
		for i := range src {
			if b.Mask[i] {
				src[i] -= lapEst[i]
			} else {
				src[i] = 0
			}
		}

		var dz []float64
		switch s.Cfg.Solver {
		case SolverExp:
			dz, err = b.FitLaplacian(src)
		case SolverFFT:
			dz, err = s.fitSpectral(src)
		}
		if err != nil {
			return nil, err
		}

		floats.AddScaled(zk, s.Cfg.Gain, dz)
		if normFrom(dz, curvatureSkip) < s.Cfg.ToleranceNm {
			res.Converged = true
			break
		}
	}
	if res.Iterations > s.Cfg.MaxIterations {
		res.Iterations = s.Cfg.MaxIterations
	}

	res.Coeffs = append([]float64(nil), zk[curvatureSkip:]...)
	res.Wavefront = b.Combine(b.Val, zk)
	return res, nil
}

// sourceTerm converts the compensated pair into the wavefront
// Laplacian implied by the intensity transport.
func (s *Solver) sourceTerm(c1, c2 *img.Image) []float64 {
	b := s.Basis
	src := make([]float64, len(b.Mask))
	for i := range src {
		if !b.Mask[i] {
			continue
		}
		sum := c1.Pix[i] + c2.Pix[i]
		if sum <= 0 {
			continue
		}
		src[i] = (c1.Pix[i] - c2.Pix[i]) / sum * s.invKappa
	}
	return src
}

// fitSpectral inverts the Poisson equation on a padded grid and
// projects the reconstructed surface onto the basis. The source is only
// measured on the annular mask; a source-free obscuration hole and
// surround bias the annulus solution, so the boundary iterations fill
// the unmasked stamp points with the curvature of the Zernike model
// fitted to the current solution and re-invert.
func (s *Solver) fitSpectral(src []float64) ([]float64, error) {
	b := s.Basis
	size := b.Size
	padded := nextPow2(2 * size)
	off := (padded - size) / 2
	h := 1 / b.RadiusPx

	full := make([]float64, padded*padded)
	embed := func(grid []float64, onlyMask bool) {
		for i := range full {
			full[i] = 0
		}
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				i := y*size + x
				if onlyMask && !b.Mask[i] {
					continue
				}
				full[(y+off)*padded+(x+off)] = grid[i]
			}
		}
	}
	project := func(w []float64) []float64 {
		inner := make([]float64, size*size)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				inner[y*size+x] = w[(y+off)*padded+(x+off)]
			}
		}
		// Remove the arbitrary offset before projecting.
		mean := 0.0
		for i, v := range inner {
			if b.Mask[i] {
				mean += v
			}
		}
		mean /= float64(b.MaskCount)
		for i := range inner {
			inner[i] -= mean
		}
		return b.Fit(inner)
	}

	ft := fourier.NewCmplxFFT(padded)
	embed(src, true)
	w := invertLaplacianFFT(full, padded, h, ft)
	merged := make([]float64, size*size)
	for bi := 0; bi < s.Cfg.BoundaryIterations; bi++ {
		model := b.Combine(b.Lap, project(w))
		for i := range merged {
			if b.Mask[i] {
				merged[i] = src[i]
			} else {
				merged[i] = model[i]
			}
		}
		embed(merged, false)
		w = invertLaplacianFFT(full, padded, h, ft)
	}

	dz := project(w)
	for j := range dz {
		if j < curvatureSkip || harmonicTerm(j) {
			dz[j] = 0
		}
	}
	return dz, nil
}

// invertLaplacianFFT solves the five-point discrete Poisson equation
// with periodic boundaries.
func invertLaplacianFFT(src []float64, n int, h float64, ft *fourier.CmplxFFT) []float64 {
	data := make([]complex128, n*n)
	for i, v := range src {
		data[i] = complex(v, 0)
	}
	fft2(data, n, ft, false)

	h2 := h * h
	for ky := 0; ky < n; ky++ {
		cy := 2*math.Cos(2*math.Pi*float64(ky)/float64(n)) - 2
		for kx := 0; kx < n; kx++ {
			i := ky*n + kx
			if kx == 0 && ky == 0 {
				data[i] = 0
				continue
			}
			cx := 2*math.Cos(2*math.Pi*float64(kx)/float64(n)) - 2
			data[i] /= complex((cx+cy)/h2, 0)
		}
	}

	fft2(data, n, ft, true)
	out := make([]float64, n*n)
	for i, c := range data {
		out[i] = real(c)
	}
	return out
}

// fft2 transforms a square grid in place, rows then columns.
func fft2(data []complex128, n int, ft *fourier.CmplxFFT, inverse bool) {
	row := make([]complex128, n)
	for y := 0; y < n; y++ {
		copy(row, data[y*n:(y+1)*n])
		if inverse {
			ft.Sequence(data[y*n:(y+1)*n], row)
		} else {
			ft.Coefficients(data[y*n:(y+1)*n], row)
		}
	}
	col := make([]complex128, n)
	out := make([]complex128, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = data[y*n+x]
		}
		if inverse {
			ft.Sequence(out, col)
		} else {
			ft.Coefficients(out, col)
		}
		for y := 0; y < n; y++ {
			data[y*n+x] = out[y]
		}
	}
	if inverse {
		norm := complex(float64(n*n), 0)
		for i := range data {
			data[i] /= norm
		}
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func normFrom(v []float64, from int) float64 {
	s := 0.0
	for _, x := range v[from:] {
		s += x * x
	}
	return math.Sqrt(s)
}
