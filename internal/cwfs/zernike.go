package cwfs

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// nollIndex carries the radial order n and azimuthal frequency m of
// one Noll-indexed Zernike term. Negative m selects the sine form.
type nollIndex struct{ n, m int }

// nollTable lists Z1 through Z22 in Noll order.
var nollTable = [...]nollIndex{
	{0, 0},
	{1, 1}, {1, -1},
	{2, 0}, {2, -2}, {2, 2},
	{3, -1}, {3, 1}, {3, -3}, {3, 3},
	{4, 0}, {4, 2}, {4, -2}, {4, 4}, {4, -4},
	{5, 1}, {5, -1}, {5, 3}, {5, -3}, {5, 5}, {5, -5},
	{6, 0},
}

// MaxTerms is the highest supported Noll index.
const MaxTerms = len(nollTable)

// zernikeValue evaluates the disc Zernike term j (1-based Noll index)
// at polar pupil coordinates.
func zernikeValue(j int, r, theta float64) float64 {
	idx := nollTable[j-1]
	n, m := idx.n, idx.m
	am := m
	if am < 0 {
		am = -am
	}

	rad := 0.0
	for k := 0; k <= (n-am)/2; k++ {
		c := float64(sign(k)) * factorial(n-k) /
			(factorial(k) * factorial((n+am)/2-k) * factorial((n-am)/2-k))
		rad += c * math.Pow(r, float64(n-2*k))
	}

	norm := math.Sqrt(float64(n + 1))
	if m != 0 {
		norm = math.Sqrt(2 * float64(n+1))
	}
	switch {
	case m > 0:
		return norm * rad * math.Cos(float64(am)*theta)
	case m < 0:
		return norm * rad * math.Sin(float64(am)*theta)
	}
	return norm * rad
}

func sign(k int) int {
	if k%2 == 1 {
		return -1
	}
	return 1
}

func factorial(n int) float64 {
	f := 1.0
	for i := 2; i <= n; i++ {
		f *= float64(i)
	}
	return f
}

// Basis is a set of Zernike modes sampled on the solver grid and
// orthonormalized over the annular pupil mask. Per-term grids of the
// mode values and their first and second derivatives are precomputed
// so the estimation loop only does inner products.
type Basis struct {
	Size     int
	Terms    int
	RadiusPx float64
	// U and V are the normalized pupil coordinates of each grid point.
	U, V []float64
	// Mask marks grid points inside the annular pupil.
	Mask      []bool
	MaskCount int

	Val   [][]float64
	GradX [][]float64
	GradY [][]float64
	Lap   [][]float64
}

// NewBasis samples and orthonormalizes the first terms Zernike modes
// for the given optical geometry.
func NewBasis(inst *Instrument, terms int) (*Basis, error) {
	if terms < 1 || terms > MaxTerms {
		return nil, fmt.Errorf("basis: %d terms outside [1, %d]", terms, MaxTerms)
	}
	size := inst.StampSize
	radius := inst.DonutRadiusPx()
	n := size * size

	b := &Basis{
		Size:     size,
		Terms:    terms,
		RadiusPx: radius,
		U:        make([]float64, n),
		V:        make([]float64, n),
		Mask:     make([]bool, n),
	}
	half := float64(size-1) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := y*size + x
			b.U[i] = (float64(x) - half) / radius
			b.V[i] = (float64(y) - half) / radius
			r := math.Hypot(b.U[i], b.V[i])
			if r >= inst.Obscuration && r <= 1 {
				b.Mask[i] = true
				b.MaskCount++
			}
		}
	}
	if b.MaskCount < terms {
		return nil, fmt.Errorf("basis: pupil mask has %d pixels, fewer than %d terms", b.MaskCount, terms)
	}

	// Disc Zernikes on the full grid.
	disc := make([][]float64, terms)
	for j := 0; j < terms; j++ {
		disc[j] = make([]float64, n)
		for i := 0; i < n; i++ {
			r := math.Hypot(b.U[i], b.V[i])
			theta := math.Atan2(b.V[i], b.U[i])
			disc[j][i] = zernikeValue(j+1, r, theta)
		}
	}

	// Gram matrix over the annular mask, then Cholesky whitening so
	// the basis is orthonormal under the mask-mean inner product.
	gram := mat.NewSymDense(terms, nil)
	for a := 0; a < terms; a++ {
		for c := a; c < terms; c++ {
			s := 0.0
			for i := 0; i < n; i++ {
				if b.Mask[i] {
					s += disc[a][i] * disc[c][i]
				}
			}
			gram.SetSym(a, c, s/float64(b.MaskCount))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(gram) {
		return nil, fmt.Errorf("basis: gram matrix not positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)
	linv := invertLowerTriangular(&l, terms)

	b.Val = make([][]float64, terms)
	for j := 0; j < terms; j++ {
		b.Val[j] = make([]float64, n)
		for k := 0; k <= j; k++ {
			w := linv[j][k]
			if w == 0 {
				continue
			}
			for i := 0; i < n; i++ {
				b.Val[j][i] += w * disc[k][i]
			}
		}
	}

	h := 1 / radius
	b.GradX = make([][]float64, terms)
	b.GradY = make([][]float64, terms)
	b.Lap = make([][]float64, terms)
	for j := 0; j < terms; j++ {
		b.GradX[j], b.GradY[j] = gradient(b.Val[j], size, h)
		b.Lap[j] = laplacian(b.Val[j], size, h)
	}
	return b, nil
}

// invertLowerTriangular solves L X = I by forward substitution.
func invertLowerTriangular(l *mat.TriDense, n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for col := 0; col < n; col++ {
		for row := col; row < n; row++ {
			v := 0.0
			if row == col {
				v = 1
			}
			for k := col; k < row; k++ {
				v -= l.At(row, k) * out[k][col]
			}
			out[row][col] = v / l.At(row, row)
		}
	}
	return out
}

// gradient returns central-difference partial derivatives with grid
// spacing h, falling back to one-sided differences at the borders.
func gradient(f []float64, size int, h float64) (gx, gy []float64) {
	gx = make([]float64, len(f))
	gy = make([]float64, len(f))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := y*size + x
			switch {
			case x == 0:
				gx[i] = (f[i+1] - f[i]) / h
			case x == size-1:
				gx[i] = (f[i] - f[i-1]) / h
			default:
				gx[i] = (f[i+1] - f[i-1]) / (2 * h)
			}
			switch {
			case y == 0:
				gy[i] = (f[i+size] - f[i]) / h
			case y == size-1:
				gy[i] = (f[i] - f[i-size]) / h
			default:
				gy[i] = (f[i+size] - f[i-size]) / (2 * h)
			}
		}
	}
	return gx, gy
}

// laplacian returns the five-point Laplacian with grid spacing h. At
// the borders the second difference of the three nearest points is
// used.
func laplacian(f []float64, size int, h float64) []float64 {
	lap := make([]float64, len(f))
	h2 := h * h
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := y*size + x
			var dxx, dyy float64
			switch {
			case x == 0:
				dxx = f[i] - 2*f[i+1] + f[i+2]
			case x == size-1:
				dxx = f[i] - 2*f[i-1] + f[i-2]
			default:
				dxx = f[i-1] - 2*f[i] + f[i+1]
			}
			switch {
			case y == 0:
				dyy = f[i] - 2*f[i+size] + f[i+2*size]
			case y == size-1:
				dyy = f[i] - 2*f[i-size] + f[i-2*size]
			default:
				dyy = f[i-size] - 2*f[i] + f[i+size]
			}
			lap[i] = (dxx + dyy) / h2
		}
	}
	return lap
}

// Fit projects a masked grid function onto the basis.
func (b *Basis) Fit(w []float64) []float64 {
	c := make([]float64, b.Terms)
	for j := 0; j < b.Terms; j++ {
		s := 0.0
		for i, v := range w {
			if b.Mask[i] {
				s += v * b.Val[j][i]
			}
		}
		c[j] = s / float64(b.MaskCount)
	}
	return c
}

// harmonicTerm reports whether 0-based term j is one of the r^n
// harmonics (|m| = n: Z5, Z6, Z9, Z10, ...). Their Laplacian vanishes
// identically, so a curvature source term carries no information about
// them.
func harmonicTerm(j int) bool {
	idx := nollTable[j]
	m := idx.m
	if m < 0 {
		m = -m
	}
	return m == idx.n
}

// FitLaplacian finds coefficients whose mode Laplacians best match the
// given source term over the mask, in the least squares sense. Piston,
// the two tilts and the r^n harmonics have zero Laplacian; including
// their columns would make the system singular, so they are left out
// and their coefficients stay zero.
func (b *Basis) FitLaplacian(src []float64) ([]float64, error) {
	const skip = 3
	cols := make([]int, 0, b.Terms-skip)
	for j := skip; j < b.Terms; j++ {
		if !harmonicTerm(j) {
			cols = append(cols, j)
		}
	}
	a := mat.NewDense(b.MaskCount, len(cols), nil)
	rhs := mat.NewVecDense(b.MaskCount, nil)
	row := 0
	for i := range src {
		if !b.Mask[i] {
			continue
		}
		for k, j := range cols {
			a.Set(row, k, b.Lap[j][i])
		}
		rhs.SetVec(row, src[i])
		row++
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, rhs); err != nil {
		return nil, fmt.Errorf("basis: laplacian fit: %w", err)
	}
	c := make([]float64, b.Terms)
	for k, j := range cols {
		c[j] = sol.AtVec(k)
	}
	return c, nil
}

// Combine sums per-term grids weighted by coefficients.
func (b *Basis) Combine(grids [][]float64, c []float64) []float64 {
	out := make([]float64, b.Size*b.Size)
	for j := 0; j < b.Terms && j < len(c); j++ {
		if c[j] == 0 {
			continue
		}
		for i := range out {
			out[i] += c[j] * grids[j][i]
		}
	}
	return out
}
