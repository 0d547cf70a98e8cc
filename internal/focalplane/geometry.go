package focalplane

import (
	"fmt"
	"math"
)

// Pointing is the camera boresight in degrees.
type Pointing struct {
	RA, Dec float64
}

// Detector describes one sensor's footprint on the focal plane. The
// four corners are in focal-plane degrees, ordered counter-clockwise
// starting from the pixel-origin corner; pixel coordinates increase
// along the first two edges.
type Detector struct {
	Name      string
	Corners   [4][2]float64
	WidthPx   int
	HeightPx  int
	scaleXDeg float64
	scaleYDeg float64
}

// NewDetector builds an axis-aligned detector from its focal-plane
// center, pixel dimensions and pixel scale (degrees per pixel).
func NewDetector(name string, centerX, centerY float64, widthPx, heightPx int, pixelScaleDeg float64) (*Detector, error) {
	if _, err := ParseName(name); err != nil {
		return nil, err
	}
	if widthPx <= 0 || heightPx <= 0 || pixelScaleDeg <= 0 {
		return nil, fmt.Errorf("detector %s: non-positive geometry", name)
	}
	hw := float64(widthPx) * pixelScaleDeg / 2
	hh := float64(heightPx) * pixelScaleDeg / 2
	return &Detector{
		Name: name,
		Corners: [4][2]float64{
			{centerX - hw, centerY - hh},
			{centerX + hw, centerY - hh},
			{centerX + hw, centerY + hh},
			{centerX - hw, centerY + hh},
		},
		WidthPx:   widthPx,
		HeightPx:  heightPx,
		scaleXDeg: pixelScaleDeg,
		scaleYDeg: pixelScaleDeg,
	}, nil
}

// Contains tests focal-plane membership against the corner polygon.
func (d *Detector) Contains(fpX, fpY float64) bool {
	inside := false
	n := len(d.Corners)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := d.Corners[i][0], d.Corners[i][1]
		xj, yj := d.Corners[j][0], d.Corners[j][1]
		if (yi > fpY) != (yj > fpY) &&
			fpX < (xj-xi)*(fpY-yi)/(yj-yi)+xi {
			inside = true
		}
	}
	return inside
}

// PixelPosition converts focal-plane degrees to this detector's pixel
// frame. Positions outside the footprint extrapolate linearly.
func (d *Detector) PixelPosition(fpX, fpY float64) (px, py float64) {
	px = (fpX - d.Corners[0][0]) / d.scaleXDeg
	py = (fpY - d.Corners[0][1]) / d.scaleYDeg
	return px, py
}

// FieldPosition is the inverse of PixelPosition.
func (d *Detector) FieldPosition(px, py float64) (fpX, fpY float64) {
	fpX = d.Corners[0][0] + px*d.scaleXDeg
	fpY = d.Corners[0][1] + py*d.scaleYDeg
	return fpX, fpY
}

// Project maps a sky position onto the focal plane for a given
// pointing and camera rotation. The projection is gnomonic in the
// small-angle limit; outputs are focal-plane degrees.
func Project(p Pointing, rotationDeg, ra, dec float64) (fpX, fpY float64) {
	dRA := wrapDegrees(ra-p.RA) * math.Cos(p.Dec*math.Pi/180)
	dDec := dec - p.Dec
	rot := rotationDeg * math.Pi / 180
	fpX = dRA*math.Cos(rot) + dDec*math.Sin(rot)
	fpY = -dRA*math.Sin(rot) + dDec*math.Cos(rot)
	return fpX, fpY
}

// Unproject maps focal-plane degrees back to sky coordinates.
func Unproject(p Pointing, rotationDeg, fpX, fpY float64) (ra, dec float64) {
	rot := rotationDeg * math.Pi / 180
	dRA := fpX*math.Cos(rot) - fpY*math.Sin(rot)
	dDec := fpX*math.Sin(rot) + fpY*math.Cos(rot)
	cos := math.Cos(p.Dec * math.Pi / 180)
	if cos == 0 {
		cos = 1e-12
	}
	ra = p.RA + dRA/cos
	dec = p.Dec + dDec
	return wrapDegrees360(ra), dec
}

func wrapDegrees(d float64) float64 {
	for d > 180 {
		d -= 360
	}
	for d < -180 {
		d += 360
	}
	return d
}

func wrapDegrees360(d float64) float64 {
	for d >= 360 {
		d -= 360
	}
	for d < 0 {
		d += 360
	}
	return d
}
