package cwfs

import (
	"fmt"
	"math"

	"wavefront/internal/img"
)

// CompImage is one defocused donut prepared for the estimation loop:
// recentered on its centroid and, for the extra-focal side, rotated
// into the intra-focal orientation.
type CompImage struct {
	Img *img.Image
	// defocalSign is +1 intra-focal, -1 extra-focal.
	defocalSign float64
	// FieldX and FieldY locate the star on the focal plane in degrees.
	FieldX float64
	FieldY float64
}

// NewCompImage prepares a stamp. The extra-focal image is the
// pupil mirrored, so it is rotated 180 degrees to share the intra
// orientation before anything else looks at it.
func NewCompImage(stamp *img.Image, intra bool, fieldX, fieldY float64) (*CompImage, error) {
	if stamp.W != stamp.H {
		return nil, fmt.Errorf("compimage: stamp %dx%d not square", stamp.W, stamp.H)
	}
	im := stamp.Clone()
	sign := 1.0
	if !intra {
		im = im.Rotate180()
		sign = -1
	}
	im = recenter(im)
	return &CompImage{Img: im, defocalSign: sign, FieldX: fieldX, FieldY: fieldY}, nil
}

// recenter shifts the centroid onto the stamp center by a whole-pixel
// translation.
func recenter(im *img.Image) *img.Image {
	cx, cy := im.Centroid()
	dx := int(math.Round(float64(im.W-1)/2 - cx))
	dy := int(math.Round(float64(im.H-1)/2 - cy))
	if dx == 0 && dy == 0 {
		return im
	}
	return im.Shift(dx, dy)
}

// Compensated warps the image by the current wavefront estimate so the
// donut looks the way it would without the estimated aberration. zk
// are Noll coefficients in nanometers on the solver basis.
func (c *CompImage) Compensated(b *Basis, inst *Instrument, model CompensationModel, zk []float64) (*img.Image, error) {
	if allZero(zk) {
		return c.Img.Clone(), nil
	}
	if model == ModelOffAxis && inst.Distortion == nil {
		return nil, fmt.Errorf("compimage: off-axis model needs a field distortion")
	}

	gradX := b.Combine(b.GradX, zk)
	gradY := b.Combine(b.GradY, zk)

	// Slope-to-pixel scale: a wavefront slope of one nm per pupil unit
	// displaces the ray on the donut by effectiveDistance * slope /
	// pupilRadius^2 pupil units, converted to pixels by the donut
	// radius.
	r := inst.PupilRadius()
	scale := c.defocalSign * inst.EffectiveDistance() * 1e-9 * b.RadiusPx / (r * r)
	rOverF := r / inst.FocalLength

	// Below half a pixel the warp is dominated by interpolation error
	// at the donut edge; the image is left alone.
	if model == ModelParaxial || model == ModelOnAxis {
		maxDisp := 0.0
		for i := range gradX {
			d := math.Abs(scale) * math.Hypot(gradX[i], gradY[i])
			if d > maxDisp {
				maxDisp = d
			}
		}
		if maxDisp < 0.5 {
			return c.Img.Clone(), nil
		}
	}

	out := img.New(c.Img.W, c.Img.H)
	for y := 0; y < out.H; y++ {
		for x := 0; x < out.W; x++ {
			i := y*out.W + x
			dx := scale * gradX[i]
			dy := scale * gradY[i]
			switch model {
			case ModelOnAxis, ModelOffAxis:
				r2 := (b.U[i]*b.U[i] + b.V[i]*b.V[i]) * rOverF * rOverF
				if r2 < 1 {
					dx /= 1 - r2
					dy /= 1 - r2
				}
			}
			if model == ModelOffAxis {
				du, dv := inst.Distortion.Displace(c.FieldX, c.FieldY, b.U[i], b.V[i])
				dx += du * b.RadiusPx
				dy += dv * b.RadiusPx
			}
			out.Pix[i] = c.Img.Bilinear(float64(x)+dx, float64(y)+dy)
		}
	}
	return out, nil
}

func allZero(zk []float64) bool {
	for _, v := range zk {
		if v != 0 {
			return false
		}
	}
	return true
}
