package donut

import (
	"errors"
	"math"

	"wavefront/internal/img"
)

// ErrTooCrowded rejects blends of more than two stars; the iterative
// separation only converges for a single companion.
var ErrTooCrowded = errors.New("donut: more than one neighbor in blend")

// Neighbor describes one companion star relative to the stamp frame.
// Ratio is companion flux over target flux.
type Neighbor struct {
	X, Y  float64
	Ratio float64
}

// DeblendOptions bounds the fixed-point iteration.
type DeblendOptions struct {
	MaxIterations int
	// Tol is the centroid shift in pixels below which the iteration
	// stops.
	Tol float64
}

// DefaultDeblendOptions returns the operational iteration bounds.
func DefaultDeblendOptions() DeblendOptions {
	return DeblendOptions{MaxIterations: 50, Tol: 1e-3}
}

// DeblendResult is the separated target image together with its
// recomputed centroid and diagnostics.
type DeblendResult struct {
	Img        *img.Image
	CenterX    float64
	CenterY    float64
	Iterations int
	Converged  bool
	// Inconsistent is set when the removed flux disagrees with the
	// cataloged flux ratio, a sign the blend model did not fit.
	Inconsistent bool
}

// Deblend removes a single companion from a blended stamp. The blend
// is modeled as the target plus a scaled, shifted copy of itself; the
// target estimate is refined by fixed-point iteration. With no
// neighbors the stamp passes through with a fresh centroid. More than
// one neighbor is ErrTooCrowded.
func Deblend(stamp *img.Image, candX, candY float64, neighbors []Neighbor, opts DeblendOptions) (DeblendResult, error) {
	if len(neighbors) > 1 {
		return DeblendResult{}, ErrTooCrowded
	}
	if opts.MaxIterations <= 0 {
		opts = DefaultDeblendOptions()
	}

	if len(neighbors) == 0 {
		out := stamp.Clone()
		cx, cy := out.Centroid()
		return DeblendResult{Img: out, CenterX: cx, CenterY: cy, Converged: true}, nil
	}

	nb := neighbors[0]
	r := nb.Ratio
	dx := int(math.Round(nb.X - candX))
	dy := int(math.Round(nb.Y - candY))

	// Start from the target's share of the blended flux.
	cur := stamp.Clone()
	scale := 1 / (1 + r)
	for i := range cur.Pix {
		cur.Pix[i] *= scale
	}

	res := DeblendResult{}
	prevX, prevY := cur.Centroid()
	for res.Iterations = 1; res.Iterations <= opts.MaxIterations; res.Iterations++ {
		companion := cur.Shift(dx, dy)
		next := img.New(stamp.W, stamp.H)
		for i := range next.Pix {
			v := stamp.Pix[i] - r*companion.Pix[i]
			if v < 0 {
				v = 0
			}
			next.Pix[i] = v
		}
		cur = next
		// The target centroid is re-estimated every pass; the iteration
		// has settled once it stops moving.
		cx, cy := cur.Centroid()
		if math.Hypot(cx-prevX, cy-prevY) < opts.Tol {
			res.Converged = true
			break
		}
		prevX, prevY = cx, cy
	}
	if res.Iterations > opts.MaxIterations {
		res.Iterations = opts.MaxIterations
	}

	res.Img = cur
	res.CenterX, res.CenterY = cur.Centroid()

	// The companion's share of the blended flux should be close to
	// r/(1+r); a large excess or an inverted ratio marks the result.
	removed := stamp.Sum() - cur.Sum()
	expected := stamp.Sum() * r / (1 + r)
	if r > 1 || removed > expected*1.2 {
		res.Inconsistent = true
	}
	return res, nil
}
