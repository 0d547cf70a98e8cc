package cwfs

import (
	"fmt"
)

// FieldDistortion supplies the off-axis compensation correction for a
// field position. Displace returns the extra ray displacement in
// normalized pupil units at pupil point (u, v) for a star at field
// position (fieldX, fieldY) degrees.
type FieldDistortion interface {
	Displace(fieldX, fieldY, u, v float64) (du, dv float64)
}

// Instrument describes the optical geometry the solver needs. Lengths
// are in meters.
type Instrument struct {
	Name             string
	Obscuration      float64
	FocalLength      float64
	ApertureDiameter float64
	// Offset is the defocal distance of the sensor from focus.
	Offset    float64
	PixelSize float64
	// StampSize is the postage-stamp dimension in pixels.
	StampSize int
	// Distortion is required by the off-axis compensation model and
	// ignored by the others.
	Distortion FieldDistortion
}

// DefaultInstrument returns the LSST corner-sensor geometry.
func DefaultInstrument() *Instrument {
	return &Instrument{
		Name:             "lsst",
		Obscuration:      0.61,
		FocalLength:      10.312,
		ApertureDiameter: 8.36,
		Offset:           1.5e-3,
		PixelSize:        10.0e-6,
		StampSize:        120,
	}
}

// LoadInstrument reads an instrument parameter file.
func LoadInstrument(path string) (*Instrument, error) {
	p, err := LoadParamFile(path)
	if err != nil {
		return nil, err
	}
	inst := DefaultInstrument()
	inst.Name = ""
	for key, dst := range map[string]*float64{
		"obscuration":      &inst.Obscuration,
		"focalLength":      &inst.FocalLength,
		"apertureDiameter": &inst.ApertureDiameter,
		"offset":           &inst.Offset,
		"pixelSize":        &inst.PixelSize,
	} {
		v, err := p.Float(key)
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	if p.Has("donutImgSize") {
		n, err := p.Int("donutImgSize")
		if err != nil {
			return nil, err
		}
		inst.StampSize = n
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return inst, nil
}

// Validate rejects geometries the solver cannot work with.
func (i *Instrument) Validate() error {
	switch {
	case i.Obscuration < 0 || i.Obscuration >= 1:
		return fmt.Errorf("instrument: obscuration %g outside [0, 1)", i.Obscuration)
	case i.FocalLength <= 0 || i.ApertureDiameter <= 0 || i.PixelSize <= 0:
		return fmt.Errorf("instrument: non-positive optical lengths")
	case i.Offset <= 0 || i.Offset >= i.FocalLength:
		return fmt.Errorf("instrument: defocal offset %g outside (0, focal length)", i.Offset)
	case i.StampSize < 16:
		return fmt.Errorf("instrument: stamp size %d too small", i.StampSize)
	}
	return nil
}

// PupilRadius is the aperture radius in meters.
func (i *Instrument) PupilRadius() float64 {
	return i.ApertureDiameter / 2
}

// DonutRadiusPx is the nominal donut radius on the defocused sensor.
func (i *Instrument) DonutRadiusPx() float64 {
	return i.Offset * i.ApertureDiameter / (2 * i.FocalLength * i.PixelSize)
}

// EffectiveDistance is f(f-l)/l, the projection distance that scales
// the intensity transport between the pupil and the defocused sensor.
func (i *Instrument) EffectiveDistance() float64 {
	return i.FocalLength * (i.FocalLength - i.Offset) / i.Offset
}
