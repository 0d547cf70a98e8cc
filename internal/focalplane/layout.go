package focalplane

// Nominal camera geometry. Only the angular scale matters here, so
// everything is expressed in focal-plane degrees.
const (
	PixelScaleDeg = 0.2 / 3600

	scienceWidthPx  = 4072
	scienceHeightPx = 4000
	halfChipWidthPx = 2036

	// sensorPitchDeg is the center-to-center spacing of neighboring
	// science sensors including the inter-chip gap.
	sensorPitchDeg = 4100 * PixelScaleDeg

	// cornerFieldDeg places the wavefront sensors near the edge of the
	// field on the raft diagonals.
	cornerFieldDeg = 1.18
)

// DefaultLayout returns the detectors the pipeline knows out of the
// box: the central science raft, whose sensors see paired defocused
// visits, and the eight corner wavefront half-chips.
func DefaultLayout() ([]*Detector, error) {
	var dets []*Detector

	// Central raft R:2,2, three by three sensors around the boresight.
	for s0 := 0; s0 < 3; s0++ {
		for s1 := 0; s1 < 3; s1++ {
			name := Name{Raft0: 2, Raft1: 2, Sensor0: s0, Sensor1: s1}
			cx := float64(s1-1) * sensorPitchDeg
			cy := float64(s0-1) * sensorPitchDeg
			det, err := NewDetector(name.String(), cx, cy, scienceWidthPx, scienceHeightPx, PixelScaleDeg)
			if err != nil {
				return nil, err
			}
			dets = append(dets, det)
		}
	}

	// Corner wavefront sensors, one intra and one extra half-chip per
	// corner. The halves sit side by side along the split axis.
	halfOffset := float64(halfChipWidthPx) / 2 * PixelScaleDeg
	for _, corner := range []struct {
		name   string
		x, y   float64
		split  float64 // direction the halves separate along x
	}{
		{"R:0,0 S:2,2", -cornerFieldDeg, -cornerFieldDeg, 1},
		{"R:0,4 S:2,0", cornerFieldDeg, -cornerFieldDeg, -1},
		{"R:4,0 S:0,2", -cornerFieldDeg, cornerFieldDeg, 1},
		{"R:4,4 S:0,0", cornerFieldDeg, cornerFieldDeg, -1},
	} {
		for i, ch := range []string{"A", "B"} {
			side := float64(2*i-1) * corner.split // A inward, B outward
			det, err := NewDetector(corner.name+","+ch,
				corner.x+side*halfOffset, corner.y,
				halfChipWidthPx, scienceHeightPx, PixelScaleDeg)
			if err != nil {
				return nil, err
			}
			dets = append(dets, det)
		}
	}
	return dets, nil
}

// LayoutByName indexes a detector list by canonical name.
func LayoutByName(dets []*Detector) map[string]*Detector {
	m := make(map[string]*Detector, len(dets))
	for _, d := range dets {
		m[d.Name] = d
	}
	return m
}
