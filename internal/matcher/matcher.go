// Package matcher selects wavefront-estimation target stars from a
// bright star catalog and maps them onto detector pixel coordinates.
package matcher

import (
	"context"
	"errors"
	"math"

	"wavefront/internal/catalog"
	"wavefront/internal/focalplane"
)

// ErrRemoteCatalog rejects catalog backends this process cannot query
// directly.
var ErrRemoteCatalog = errors.New("matcher: catalog backend is not local")

// Criteria bounds target selection. A star qualifies when its
// magnitude lies in [MagMin, MagMax], it has at most one neighbor
// within the spacing radius, and it outshines that neighbor.
type Criteria struct {
	// StarRadiusPixels is the nominal donut radius on the detector.
	StarRadiusPixels float64
	// SpacingCoefficient scales the donut radius into the exclusion
	// radius used for the neighbor search.
	SpacingCoefficient float64
	MagMin             float64
	MagMax             float64
}

// DefaultCriteria matches the operational defocus and sensor scale.
func DefaultCriteria() Criteria {
	return Criteria{
		StarRadiusPixels:   63,
		SpacingCoefficient: 2.5,
		MagMin:             0,
		MagMax:             99,
	}
}

// SpacingRadius is the neighbor exclusion radius in pixels.
func (c Criteria) SpacingRadius() float64 {
	return c.StarRadiusPixels * c.SpacingCoefficient
}

// StarPos is a catalog star placed on a detector.
type StarPos struct {
	ID     int64
	RA     float64
	Dec    float64
	Mag    float64
	PixelX float64
	PixelY float64
}

// NeighborStarSet holds the selected targets of one detector together
// with the neighbors that survived inside each target's spacing radius.
type NeighborStarSet struct {
	Candidates []StarPos
	// Neighbors maps a candidate's catalog id to the stars inside its
	// spacing radius (at most one per candidate).
	Neighbors map[int64][]StarPos
}

// FluxRatio returns neighbor flux over candidate flux for a candidate
// with exactly one neighbor, or 0 for an isolated candidate.
func (s *NeighborStarSet) FluxRatio(c StarPos) float64 {
	nb := s.Neighbors[c.ID]
	if len(nb) == 0 {
		return 0
	}
	return catalog.FluxRatio(c.Mag, nb[0].Mag)
}

// Catalog is the slice of the star catalog the selector needs.
// *catalog.DB satisfies it.
type Catalog interface {
	Kind() catalog.Kind
	QueryRegion(f catalog.Filter, raMin, raMax, decMin, decMax float64) ([]catalog.Star, error)
}

// Selector matches catalog stars against a detector layout.
type Selector struct {
	db       Catalog
	criteria Criteria
}

// NewSelector wraps a local catalog. Remote backends are refused
// outright so a misconfigured deployment fails at startup rather than
// mid-run.
func NewSelector(db Catalog, criteria Criteria) (*Selector, error) {
	if db.Kind() != catalog.KindLocal {
		return nil, ErrRemoteCatalog
	}
	if criteria.StarRadiusPixels <= 0 || criteria.SpacingCoefficient <= 0 {
		criteria = DefaultCriteria()
	}
	return &Selector{db: db, criteria: criteria}, nil
}

// Match queries the sky around the pointing once, projects every star
// onto the focal plane, and returns per-detector target sets keyed by
// canonical detector name. Detectors without any qualifying target are
// omitted.
func (s *Selector) Match(ctx context.Context, f catalog.Filter, p focalplane.Pointing, rotationDeg float64, detectors []*focalplane.Detector) (map[string]*NeighborStarSet, error) {
	stars, err := s.queryAround(f, p, detectors)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*NeighborStarSet)
	for _, det := range detectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set := s.matchDetector(p, rotationDeg, det, stars)
		if set != nil {
			out[det.Name] = set
		}
	}
	return out, nil
}

// queryAround issues one region query wide enough to cover every
// detector footprint plus the spacing radius.
func (s *Selector) queryAround(f catalog.Filter, p focalplane.Pointing, detectors []*focalplane.Detector) ([]catalog.Star, error) {
	extent := 0.0
	for _, det := range detectors {
		for _, c := range det.Corners {
			r := math.Hypot(c[0], c[1])
			if r > extent {
				extent = r
			}
		}
	}
	// Margin for stars just off the footprint that still fall inside a
	// target's spacing radius.
	extent *= 1.2
	if extent == 0 {
		return nil, nil
	}

	decMin := p.Dec - extent
	decMax := p.Dec + extent
	cos := math.Cos(p.Dec * math.Pi / 180)
	if math.Abs(cos) < 1e-6 {
		// Polar pointing: the RA box degenerates, take the whole circle.
		return s.db.QueryRegion(f, 0, 360, decMin, decMax)
	}
	half := extent / cos
	if half >= 180 {
		return s.db.QueryRegion(f, 0, 360, decMin, decMax)
	}
	raMin := wrap360(p.RA - half)
	raMax := wrap360(p.RA + half)
	return s.db.QueryRegion(f, raMin, raMax, decMin, decMax)
}

func (s *Selector) matchDetector(p focalplane.Pointing, rotationDeg float64, det *focalplane.Detector, stars []catalog.Star) *NeighborStarSet {
	// Place every nearby star in this detector's pixel frame; stars
	// beyond the frame plus spacing radius cannot influence selection.
	radius := s.criteria.SpacingRadius()
	var onDet []StarPos
	for _, st := range stars {
		fpX, fpY := focalplane.Project(p, rotationDeg, st.RA, st.Dec)
		px, py := det.PixelPosition(fpX, fpY)
		if px < -radius || px > float64(det.WidthPx)+radius ||
			py < -radius || py > float64(det.HeightPx)+radius {
			continue
		}
		onDet = append(onDet, StarPos{
			ID:     st.ID,
			RA:     st.RA,
			Dec:    st.Dec,
			Mag:    st.Mag,
			PixelX: px,
			PixelY: py,
		})
	}

	set := &NeighborStarSet{Neighbors: make(map[int64][]StarPos)}
	for _, cand := range onDet {
		if cand.Mag < s.criteria.MagMin || cand.Mag > s.criteria.MagMax {
			continue
		}
		if cand.PixelX < 0 || cand.PixelX >= float64(det.WidthPx) ||
			cand.PixelY < 0 || cand.PixelY >= float64(det.HeightPx) {
			continue
		}
		var neighbors []StarPos
		tooMany := false
		for _, other := range onDet {
			if other.ID == cand.ID {
				continue
			}
			if math.Hypot(other.PixelX-cand.PixelX, other.PixelY-cand.PixelY) > radius {
				continue
			}
			neighbors = append(neighbors, other)
			if len(neighbors) > 1 {
				tooMany = true
				break
			}
		}
		if tooMany {
			continue
		}
		if len(neighbors) == 1 && neighbors[0].Mag <= cand.Mag {
			// The target must outshine its companion or the pair is
			// skipped entirely.
			continue
		}
		set.Candidates = append(set.Candidates, cand)
		set.Neighbors[cand.ID] = neighbors
	}
	if len(set.Candidates) == 0 {
		return nil
	}
	return set
}

func wrap360(d float64) float64 {
	for d >= 360 {
		d -= 360
	}
	for d < 0 {
		d += 360
	}
	return d
}
