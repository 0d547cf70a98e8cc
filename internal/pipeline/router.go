package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"wavefront/internal/catalog"
	"wavefront/internal/config"
	"wavefront/internal/cwfs"
	"wavefront/internal/donut"
	"wavefront/internal/focalplane"
	"wavefront/internal/img"
	"wavefront/internal/matcher"
	"wavefront/internal/storage"
	"wavefront/internal/wep"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	cfg      *config.Config
	layout   map[string]*focalplane.Detector
	runner   pipelineRunner
	selector starSelector
	solver   wavefrontSolver
	importer catalogImporter
}

type pipelineRunner interface {
	Run(ctx context.Context, req wep.RunRequest) (*wep.RunResult, error)
}

type starSelector interface {
	Match(ctx context.Context, f catalog.Filter, p focalplane.Pointing, rotationDeg float64, detectors []*focalplane.Detector) (map[string]*matcher.NeighborStarSet, error)
}

type wavefrontSolver interface {
	Estimate(intra, extra *img.Image, fieldX, fieldY float64) (*cwfs.Result, error)
}

type catalogImporter interface {
	CreateTable(f catalog.Filter) error
	InsertFromSkyFile(f catalog.Filter, path string, skipRows int) (int, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) (Processor, error) {
	inst := cwfs.DefaultInstrument()
	if cfg.Paths.InstrumentFile != "" {
		loaded, err := cwfs.LoadInstrument(cfg.Paths.InstrumentFile)
		if err != nil {
			return nil, fmt.Errorf("pipeline: instrument file: %w", err)
		}
		inst = loaded
	}

	algo := algorithmFromConfig(cfg.Estimation)
	if cfg.Paths.AlgorithmFile != "" {
		loaded, err := cwfs.LoadAlgorithm(cfg.Paths.AlgorithmFile)
		if err != nil {
			return nil, fmt.Errorf("pipeline: algorithm file: %w", err)
		}
		algo = loaded
	}

	solver, err := cwfs.NewSolver(inst, algo)
	if err != nil {
		return nil, err
	}

	db, err := catalog.Open(cfg.Paths.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: star catalog: %w", err)
	}

	criteria := matcher.DefaultCriteria()
	if cfg.Matching.StarRadiusPixels > 0 {
		criteria.StarRadiusPixels = cfg.Matching.StarRadiusPixels
	}
	if cfg.Matching.SpacingCoefficient > 0 {
		criteria.SpacingCoefficient = cfg.Matching.SpacingCoefficient
	}
	criteria.MagMin = cfg.Matching.MagMin
	criteria.MagMax = cfg.Matching.MagMax

	selector, err := matcher.NewSelector(db, criteria)
	if err != nil {
		return nil, err
	}

	filter, err := catalog.ParseFilter(cfg.Matching.Filter)
	if err != nil {
		return nil, err
	}

	controller := wep.NewController(logger, selector, img.DirProvider{Dir: cfg.Paths.ImageDir}, solver, wep.Config{
		Filter:       filter,
		DoDeblending: cfg.Matching.DoDeblending,
		Parallelism:  cfg.Processing.ParallelJobs,
		Deblend:      donut.DefaultDeblendOptions(),
	})

	dets, err := focalplane.DefaultLayout()
	if err != nil {
		return nil, err
	}

	return &router{
		log:      logger,
		store:    store,
		cfg:      cfg,
		layout:   focalplane.LayoutByName(dets),
		runner:   controller,
		selector: selector,
		solver:   solver,
		importer: db,
	}, nil
}

// algorithmFromConfig maps the estimation section onto loop settings,
// keeping defaults for anything left zero.
func algorithmFromConfig(est config.Estimation) cwfs.AlgorithmConfig {
	algo := cwfs.DefaultAlgorithm()
	if est.PoissonSolver != "" {
		algo.Solver = cwfs.SolverKind(est.PoissonSolver)
	}
	if est.CompensatorMode != "" {
		algo.Model = cwfs.CompensationModel(est.CompensatorMode)
	}
	if est.NumTerms > 0 {
		algo.NumTerms = est.NumTerms
	}
	if est.ToleranceNm > 0 {
		algo.ToleranceNm = est.ToleranceNm
	}
	if est.MaxIterations > 0 {
		algo.MaxIterations = est.MaxIterations
	}
	if est.FeedbackGain > 0 {
		algo.Gain = est.FeedbackGain
	}
	if est.BoundaryIterations > 0 {
		algo.BoundaryIterations = est.BoundaryIterations
	}
	return algo
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRun:
		return r.handleRun(ctx, job)
	case JobMatch:
		return r.handleMatch(ctx, job)
	case JobEstimate:
		return r.handleEstimate(ctx, job)
	case JobCatalogImport:
		return r.handleCatalogImport(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleRun executes the full pipeline for one pointing and persists
// each star's coefficients under the job ID.
func (r *router) handleRun(ctx context.Context, job Job) Result {
	req, err := r.runRequest(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	res, err := r.runner.Run(ctx, req)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	converged := 0
	for _, star := range res.Stars {
		if star.Converged {
			converged++
		}
		if r.store != nil {
			_ = r.store.RecordZernikes(storage.ZernikeRecord{
				JobID:      job.ID,
				Detector:   star.Detector,
				StarID:     star.StarID,
				FieldX:     star.FieldX,
				FieldY:     star.FieldY,
				Zernikes:   star.Zernikes,
				Converged:  star.Converged,
				Iterations: star.Iterations,
				Deblended:  star.Deblended,
			})
		}
	}

	meta := map[string]any{
		"stars":     len(res.Stars),
		"converged": converged,
		"skipped":   res.SkippedStars,
		"detectors": len(req.Detectors),
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// handleMatch runs target selection only and reports candidate counts
// per detector.
func (r *router) handleMatch(ctx context.Context, job Job) Result {
	filter, err := r.jobFilter(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dets, err := r.resolveDetectors(getStringsOption(job.Options, "detectors"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	pointing := focalplane.Pointing{
		RA:  getFloat64Option(job.Options, "ra"),
		Dec: getFloat64Option(job.Options, "dec"),
	}

	sets, err := r.selector.Match(ctx, filter, pointing, getFloat64Option(job.Options, "rotation"), dets)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	perDetector := make(map[string]any, len(sets))
	total := 0
	for name, set := range sets {
		blended := 0
		for _, cand := range set.Candidates {
			if len(set.Neighbors[cand.ID]) > 0 {
				blended++
			}
		}
		perDetector[name] = map[string]any{
			"candidates": len(set.Candidates),
			"blended":    blended,
		}
		total += len(set.Candidates)
	}

	meta := map[string]any{
		"filter":     string(filter),
		"candidates": total,
		"detectors":  perDetector,
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// handleEstimate solves one donut pair read from stamp files. Options:
// "intra" and "extra" are text image paths, "fieldX"/"fieldY" the
// field position in degrees, "output" an optional wavefront dump path.
func (r *router) handleEstimate(ctx context.Context, job Job) Result {
	intraPath := getStringOption(job.Options, "intra")
	extraPath := getStringOption(job.Options, "extra")
	if intraPath == "" || extraPath == "" {
		return Result{Job: job, Error: fmt.Errorf("estimate needs intra and extra stamp paths")}
	}

	intra, err := img.ReadTextFile(intraPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	extra, err := img.ReadTextFile(extraPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	fieldX := getFloat64Option(job.Options, "fieldX")
	fieldY := getFloat64Option(job.Options, "fieldY")
	res, err := r.solver.Estimate(intra, extra, fieldX, fieldY)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if r.store != nil {
		_ = r.store.RecordZernikes(storage.ZernikeRecord{
			JobID:      job.ID,
			Detector:   "file",
			FieldX:     fieldX,
			FieldY:     fieldY,
			Zernikes:   res.Coeffs,
			Converged:  res.Converged,
			Iterations: res.Iterations,
		})
	}

	meta := map[string]any{
		"zernikes":   res.Coeffs,
		"converged":  res.Converged,
		"iterations": res.Iterations,
	}

	if output := getStringOption(job.Options, "output"); output != "" {
		size := intra.W
		surface := img.New(size, size)
		for i, v := range res.Wavefront {
			surface.Set(i%size, i/size, v)
		}
		if err := img.WriteTextFile(output, surface); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["output"] = output
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// handleCatalogImport loads a sky file into the catalog band table.
// Options: "path" the sky file, "filter" the band, "skipRows" header
// rows to skip.
func (r *router) handleCatalogImport(ctx context.Context, job Job) Result {
	path := getStringOption(job.Options, "path")
	if path == "" {
		return Result{Job: job, Error: fmt.Errorf("catalog import needs a sky file path")}
	}
	filter, err := r.jobFilter(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	skipRows := getIntOption(job.Options, "skipRows")
	if skipRows == 0 {
		skipRows = r.cfg.Matching.SkyFileSkipRows
	}

	if err := r.importer.CreateTable(filter); err != nil {
		return Result{Job: job, Error: err}
	}
	inserted, err := r.importer.InsertFromSkyFile(filter, path, skipRows)
	meta := map[string]any{
		"filter":   string(filter),
		"inserted": inserted,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// runRequest assembles a wep.RunRequest from job options. With no
// detector list the corner wavefront sensors are used, which need a
// single visit.
func (r *router) runRequest(options map[string]any) (wep.RunRequest, error) {
	visitIntra := getIntOption(options, "visitIntra")
	if visitIntra == 0 {
		return wep.RunRequest{}, fmt.Errorf("run needs a visitIntra number")
	}
	visitExtra := getIntOption(options, "visitExtra")
	if visitExtra == 0 {
		visitExtra = visitIntra
	}

	dets, err := r.resolveDetectors(getStringsOption(options, "detectors"))
	if err != nil {
		return wep.RunRequest{}, err
	}

	return wep.RunRequest{
		VisitIntra: visitIntra,
		VisitExtra: visitExtra,
		Snap:       getIntOption(options, "snap"),
		Pointing: focalplane.Pointing{
			RA:  getFloat64Option(options, "ra"),
			Dec: getFloat64Option(options, "dec"),
		},
		RotationDeg: getFloat64Option(options, "rotation"),
		Detectors:   dets,
	}, nil
}

// resolveDetectors maps canonical names onto the layout. An empty list
// selects the corner wavefront sensors.
func (r *router) resolveDetectors(names []string) ([]*focalplane.Detector, error) {
	if len(names) == 0 {
		names = focalplane.CornerSensorNames()
	}
	dets := make([]*focalplane.Detector, 0, len(names))
	for _, name := range names {
		det, ok := r.layout[name]
		if !ok {
			return nil, fmt.Errorf("unknown detector %q", name)
		}
		dets = append(dets, det)
	}
	return dets, nil
}

func (r *router) jobFilter(options map[string]any) (catalog.Filter, error) {
	name := getStringOption(options, "filter")
	if name == "" {
		name = r.cfg.Matching.Filter
	}
	return catalog.ParseFilter(name)
}

// Helper functions to safely extract typed options from job.Options map
func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getStringsOption(options map[string]any, key string) []string {
	switch val := options[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getFloat64Option(options map[string]any, key string) float64 {
	switch val := options[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0.0
}

// getIntOption tolerates JSON-decoded numbers, which arrive as float64.
func getIntOption(options map[string]any, key string) int {
	switch val := options[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}
