package matcher

import (
	"context"
	"math"
	"testing"

	"wavefront/internal/catalog"
	"wavefront/internal/focalplane"
)

// pixelScaleDeg matches the 0.2 arcsec/px sensor scale.
const pixelScaleDeg = 0.2 / 3600

type fakeCatalog struct {
	kind  catalog.Kind
	stars []catalog.Star
}

func (f *fakeCatalog) Kind() catalog.Kind { return f.kind }

func (f *fakeCatalog) QueryRegion(_ catalog.Filter, raMin, raMax, decMin, decMax float64) ([]catalog.Star, error) {
	var out []catalog.Star
	for _, s := range f.stars {
		if s.Dec < decMin || s.Dec > decMax {
			continue
		}
		inRA := false
		if raMin <= raMax {
			inRA = s.RA >= raMin && s.RA <= raMax
		} else {
			inRA = s.RA >= raMin || s.RA <= raMax
		}
		if inRA {
			out = append(out, s)
		}
	}
	return out, nil
}

func testDetector(t *testing.T) *focalplane.Detector {
	t.Helper()
	det, err := focalplane.NewDetector("R:2,2 S:1,1", 0, 0, 4000, 4000, pixelScaleDeg)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	return det
}

// starAtPixel places a star so it projects to the given pixel on a
// detector centered on the boresight with zero rotation.
func starAtPixel(det *focalplane.Detector, id int64, px, py, mag float64) catalog.Star {
	fpX, fpY := det.FieldPosition(px, py)
	ra, dec := focalplane.Unproject(focalplane.Pointing{}, 0, fpX, fpY)
	return catalog.Star{ID: id, RA: ra, Dec: dec, Mag: mag}
}

func TestNewSelectorRejectsRemoteCatalog(t *testing.T) {
	_, err := NewSelector(&fakeCatalog{kind: catalog.KindRemote}, DefaultCriteria())
	if err != ErrRemoteCatalog {
		t.Fatalf("got %v, want ErrRemoteCatalog", err)
	}
}

func TestMatchAssignsStarToDetector(t *testing.T) {
	det := testDetector(t)
	cat := &fakeCatalog{stars: []catalog.Star{starAtPixel(det, 1, 2000, 2000, 15)}}
	sel, err := NewSelector(cat, DefaultCriteria())
	if err != nil {
		t.Fatalf("selector: %v", err)
	}

	sets, err := sel.Match(context.Background(), catalog.FilterR, focalplane.Pointing{}, 0, []*focalplane.Detector{det})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	set, ok := sets[det.Name]
	if !ok {
		t.Fatalf("detector %s missing from result", det.Name)
	}
	if len(set.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(set.Candidates))
	}
	c := set.Candidates[0]
	if math.Abs(c.PixelX-2000) > 0.5 || math.Abs(c.PixelY-2000) > 0.5 {
		t.Fatalf("candidate at (%.2f, %.2f), want detector center", c.PixelX, c.PixelY)
	}
	if len(set.Neighbors[c.ID]) != 0 {
		t.Fatalf("isolated star reported %d neighbors", len(set.Neighbors[c.ID]))
	}
}

func TestMatchSpacingRadius(t *testing.T) {
	det := testDetector(t)
	crit := DefaultCriteria()
	radius := crit.SpacingRadius()

	t.Run("one dimmer neighbor inside radius keeps the target", func(t *testing.T) {
		cat := &fakeCatalog{stars: []catalog.Star{
			starAtPixel(det, 1, 2000, 2000, 15),
			starAtPixel(det, 2, 2000+radius*0.5, 2000, 16),
		}}
		sel, _ := NewSelector(cat, crit)
		sets, err := sel.Match(context.Background(), catalog.FilterR, focalplane.Pointing{}, 0, []*focalplane.Detector{det})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		set := sets[det.Name]
		if set == nil || len(set.Candidates) != 1 {
			t.Fatalf("want one candidate, got %+v", set)
		}
		if set.Candidates[0].ID != 1 {
			t.Fatalf("candidate id = %d, want 1", set.Candidates[0].ID)
		}
		nb := set.Neighbors[1]
		if len(nb) != 1 || nb[0].ID != 2 {
			t.Fatalf("neighbors = %+v, want star 2", nb)
		}
		r := set.FluxRatio(set.Candidates[0])
		want := catalog.FluxRatio(15, 16)
		if math.Abs(r-want) > 1e-12 {
			t.Fatalf("flux ratio = %g, want %g", r, want)
		}
	})

	t.Run("brighter neighbor inside radius drops the target", func(t *testing.T) {
		cat := &fakeCatalog{stars: []catalog.Star{
			starAtPixel(det, 1, 2000, 2000, 15),
			starAtPixel(det, 2, 2000+radius*0.5, 2000, 14),
		}}
		sel, _ := NewSelector(cat, crit)
		sets, err := sel.Match(context.Background(), catalog.FilterR, focalplane.Pointing{}, 0, []*focalplane.Detector{det})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		// Star 2 is isolated-bright and still qualifies; star 1 must not.
		set := sets[det.Name]
		if set == nil {
			t.Fatal("detector dropped entirely")
		}
		for _, c := range set.Candidates {
			if c.ID == 1 {
				t.Fatal("dim member of a close pair selected as target")
			}
		}
	})

	t.Run("two neighbors inside radius drop the target", func(t *testing.T) {
		cat := &fakeCatalog{stars: []catalog.Star{
			starAtPixel(det, 1, 2000, 2000, 14),
			starAtPixel(det, 2, 2000+radius*0.4, 2000, 16),
			starAtPixel(det, 3, 2000-radius*0.4, 2000, 16),
		}}
		sel, _ := NewSelector(cat, crit)
		sets, err := sel.Match(context.Background(), catalog.FilterR, focalplane.Pointing{}, 0, []*focalplane.Detector{det})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if set := sets[det.Name]; set != nil {
			for _, c := range set.Candidates {
				if c.ID == 1 {
					t.Fatal("crowded star selected as target")
				}
			}
		}
	})

	t.Run("neighbor just outside radius is ignored", func(t *testing.T) {
		cat := &fakeCatalog{stars: []catalog.Star{
			starAtPixel(det, 1, 2000, 2000, 15),
			starAtPixel(det, 2, 2000+radius+2, 2000, 14),
		}}
		sel, _ := NewSelector(cat, crit)
		sets, err := sel.Match(context.Background(), catalog.FilterR, focalplane.Pointing{}, 0, []*focalplane.Detector{det})
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		set := sets[det.Name]
		if set == nil {
			t.Fatal("detector dropped entirely")
		}
		found := false
		for _, c := range set.Candidates {
			if c.ID == 1 {
				found = true
				if len(set.Neighbors[1]) != 0 {
					t.Fatalf("star outside radius recorded as neighbor: %+v", set.Neighbors[1])
				}
			}
		}
		if !found {
			t.Fatal("target with distant companion not selected")
		}
	})
}

func TestMatchDropsEmptyDetectors(t *testing.T) {
	det := testDetector(t)
	other, err := focalplane.NewDetector("R:2,2 S:1,2", 1.0, 1.0, 4000, 4000, pixelScaleDeg)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	cat := &fakeCatalog{stars: []catalog.Star{starAtPixel(det, 1, 2000, 2000, 15)}}
	sel, _ := NewSelector(cat, DefaultCriteria())

	sets, err := sel.Match(context.Background(), catalog.FilterR, focalplane.Pointing{}, 0, []*focalplane.Detector{det, other})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if _, ok := sets[other.Name]; ok {
		t.Fatalf("detector %s has no targets but appears in result", other.Name)
	}
	if _, ok := sets[det.Name]; !ok {
		t.Fatalf("detector %s with a target missing from result", det.Name)
	}
}

func TestMatchMagnitudeLimits(t *testing.T) {
	det := testDetector(t)
	crit := DefaultCriteria()
	crit.MagMin = 10
	crit.MagMax = 16
	cat := &fakeCatalog{stars: []catalog.Star{
		starAtPixel(det, 1, 1000, 1000, 8),  // too bright
		starAtPixel(det, 2, 2000, 2000, 15), // in range
		starAtPixel(det, 3, 3000, 3000, 17), // too faint
	}}
	sel, _ := NewSelector(cat, crit)

	sets, err := sel.Match(context.Background(), catalog.FilterR, focalplane.Pointing{}, 0, []*focalplane.Detector{det})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	set := sets[det.Name]
	if set == nil || len(set.Candidates) != 1 || set.Candidates[0].ID != 2 {
		t.Fatalf("magnitude limits not applied: %+v", set)
	}
}
