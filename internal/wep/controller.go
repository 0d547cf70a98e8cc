// Package wep runs the wavefront estimation pipeline: select target
// stars, cut out their defocused donuts, separate blends, and estimate
// annular Zernike coefficients per target.
package wep

import (
	"context"
	"fmt"
	"sync"

	"log/slog"

	"wavefront/internal/catalog"
	"wavefront/internal/cwfs"
	"wavefront/internal/donut"
	"wavefront/internal/focalplane"
	"wavefront/internal/img"
	"wavefront/internal/matcher"
)

// Config tunes one controller instance.
type Config struct {
	Filter catalog.Filter
	// DoDeblending enables neighbor separation; with it off, targets
	// with one companion are processed blended.
	DoDeblending bool
	// Parallelism bounds the per-detector workers.
	Parallelism int
	Deblend     donut.DeblendOptions
}

// Controller wires the star selector, the image source and the solver.
type Controller struct {
	log      *slog.Logger
	selector *matcher.Selector
	provider img.Provider
	solver   *cwfs.Solver
	cfg      Config
}

// NewController builds a controller. The solver fixes the stamp size.
func NewController(log *slog.Logger, sel *matcher.Selector, provider img.Provider, solver *cwfs.Solver, cfg Config) *Controller {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Deblend.MaxIterations <= 0 {
		cfg.Deblend = donut.DefaultDeblendOptions()
	}
	if cfg.Filter == "" {
		cfg.Filter = catalog.FilterR
	}
	return &Controller{log: log, selector: sel, provider: provider, solver: solver, cfg: cfg}
}

// RunRequest describes one estimation run. Science detectors pair two
// exposures of the same sensor; corner wavefront sensors carry both
// defocal sides in a single visit, so the two visit numbers are equal
// there.
type RunRequest struct {
	VisitIntra  int
	VisitExtra  int
	Snap        int
	Pointing    focalplane.Pointing
	RotationDeg float64
	// Detectors lists sensor footprints by canonical name. Corner
	// half-chips are given as their intra-focal "A" half; the matching
	// "B" half image is looked up automatically.
	Detectors []*focalplane.Detector
}

// StarResult is the wavefront estimate for one target star.
type StarResult struct {
	StarID              int64
	Detector            string
	FieldX              float64
	FieldY              float64
	Zernikes            []float64 // nm, Z4 and up
	Converged           bool
	Iterations          int
	Deblended           bool
	DeblendInconsistent bool
}

// RunResult aggregates a full run.
type RunResult struct {
	Stars []StarResult
	// SkippedStars counts targets dropped before estimation, for
	// example blends left untouched because deblending is disabled.
	SkippedStars int
}

// Run executes the whole pipeline for one pointing.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	pairs, skipped, err := c.DonutMap(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &RunResult{SkippedStars: skipped}
	for detName, detPairs := range pairs {
		for _, p := range detPairs {
			if !p.Complete() {
				out.SkippedStars++
				continue
			}
			res, err := c.solver.Estimate(p.Intra.Img, p.Extra.Img, p.FieldX, p.FieldY)
			if err != nil {
				return nil, fmt.Errorf("wep: star %d on %s: %w", p.StarID, detName, err)
			}
			if !res.Converged {
				c.log.Warn("estimation did not converge",
					"detector", detName, "star", p.StarID, "iterations", res.Iterations)
			}
			out.Stars = append(out.Stars, StarResult{
				StarID:              p.StarID,
				Detector:            detName,
				FieldX:              p.FieldX,
				FieldY:              p.FieldY,
				Zernikes:            res.Coeffs,
				Converged:           res.Converged,
				Iterations:          res.Iterations,
				Deblended:           p.Intra.Deblended || p.Extra.Deblended,
				DeblendInconsistent: p.Intra.Inconsistent || p.Extra.Inconsistent,
			})
		}
	}
	return out, nil
}

// DonutMap selects targets and cuts out their donut pairs, keyed by
// canonical detector name. Pairs missing one side, for example because
// an exposure never arrived, stay in the map half-filled. The skipped
// count reports targets dropped before cutout.
func (c *Controller) DonutMap(ctx context.Context, req RunRequest) (map[string][]*donut.Pair, int, error) {
	sets, err := c.selector.Match(ctx, c.cfg.Filter, req.Pointing, req.RotationDeg, req.Detectors)
	if err != nil {
		return nil, 0, err
	}

	type detJob struct {
		det *focalplane.Detector
		set *matcher.NeighborStarSet
	}
	jobs := make(chan detJob)

	pairs := make(map[string][]*donut.Pair)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		skipped  int
		firstErr error
	)

	for i := 0; i < c.cfg.Parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				detPairs, detSkipped, err := c.detectorPairs(req, j.det, j.set)
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if err == nil && len(detPairs) > 0 {
					pairs[j.det.Name] = detPairs
				}
				skipped += detSkipped
				mu.Unlock()
			}
		}()
	}

	for _, det := range req.Detectors {
		set, ok := sets[det.Name]
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, 0, ctx.Err()
		case jobs <- detJob{det: det, set: set}:
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, 0, firstErr
	}
	return pairs, skipped, nil
}

// detectorPairs cuts one detector's donut pairs out of its exposures.
func (c *Controller) detectorPairs(req RunRequest, det *focalplane.Detector, set *matcher.NeighborStarSet) ([]*donut.Pair, int, error) {
	name, err := focalplane.ParseName(det.Name)
	if err != nil {
		return nil, 0, err
	}

	// Science detectors read the same sensor in two visits. A corner
	// "A" half reads intra from itself and extra from its "B" twin in
	// one visit.
	intraKey, extraKey := name.Abbrev(), name.Abbrev()
	visitIntra, visitExtra := req.VisitIntra, req.VisitExtra
	if name.IsCorner() {
		if !name.IntraFocal() {
			// The "B" half is consumed through its "A" twin.
			return nil, 0, nil
		}
		twin := name
		twin.Channel = "B"
		extraKey = twin.Abbrev()
		visitExtra = visitIntra
	}

	// A missing exposure degrades the detector, never the run: pairs
	// are built from whichever sides are available and stay in the map
	// half-filled.
	frameIntra, err := c.provider.Calibrated(visitIntra, intraKey, req.Snap)
	if err != nil {
		c.log.Warn("intra-focal frame unavailable",
			"detector", det.Name, "visit", visitIntra, "error", err)
		frameIntra = nil
	}
	frameExtra, err := c.provider.Calibrated(visitExtra, extraKey, req.Snap)
	if err != nil {
		c.log.Warn("extra-focal frame unavailable",
			"detector", det.Name, "visit", visitExtra, "error", err)
		frameExtra = nil
	}
	if frameIntra == nil && frameExtra == nil {
		return nil, len(set.Candidates), nil
	}

	size := c.solver.Inst.StampSize
	var out []*donut.Pair
	skipped := 0
	for _, cand := range set.Candidates {
		neighbors := set.Neighbors[cand.ID]
		if len(neighbors) == 1 && !c.cfg.DoDeblending {
			// A blend left alone would bias the estimate; drop it.
			skipped++
			continue
		}

		fieldX, fieldY := det.FieldPosition(cand.PixelX, cand.PixelY)
		p := &donut.Pair{
			StarID:   cand.ID,
			Detector: det.Name,
			FieldX:   fieldX,
			FieldY:   fieldY,
		}

		if frameIntra != nil {
			intraStamp, err := c.buildStamp(frameIntra, donut.RoleIntra, cand, neighbors, set, size)
			if err != nil {
				return nil, 0, fmt.Errorf("wep: star %d on %s: %w", cand.ID, det.Name, err)
			}
			p.SetStamp(intraStamp)
		}
		if frameExtra != nil {
			extraStamp, err := c.buildStamp(frameExtra, donut.RoleExtra, cand, neighbors, set, size)
			if err != nil {
				return nil, 0, fmt.Errorf("wep: star %d on %s: %w", cand.ID, det.Name, err)
			}
			p.SetStamp(extraStamp)
		}
		out = append(out, p)
	}
	return out, skipped, nil
}

// buildStamp cuts one donut stamp and separates a single companion
// when deblending is on.
func (c *Controller) buildStamp(frame *img.Image, role donut.Role, cand matcher.StarPos, neighbors []matcher.StarPos, set *matcher.NeighborStarSet, size int) (*donut.Stamp, error) {
	stamp := donut.Extract(frame, role, cand.PixelX, cand.PixelY, size)
	if len(neighbors) == 0 || !c.cfg.DoDeblending {
		return stamp, nil
	}

	nbs := make([]donut.Neighbor, 0, len(neighbors))
	for _, n := range neighbors {
		nbs = append(nbs, donut.Neighbor{
			X:     n.PixelX - float64(stamp.OffsetX),
			Y:     n.PixelY - float64(stamp.OffsetY),
			Ratio: set.FluxRatio(cand),
		})
	}
	res, err := donut.Deblend(stamp.Img, stamp.StarX, stamp.StarY, nbs, c.cfg.Deblend)
	if err != nil {
		return nil, err
	}
	if res.Inconsistent {
		// The separation removed more flux than the cataloged ratio
		// allows; the raw cutout is the better estimate.
		c.log.Warn("deblend flux inconsistent, keeping raw cutout", "star", cand.ID, "role", role.String())
		stamp.Inconsistent = true
		return stamp, nil
	}
	stamp.Img = res.Img
	stamp.StarX = res.CenterX
	stamp.StarY = res.CenterY
	stamp.Deblended = true
	return stamp, nil
}
