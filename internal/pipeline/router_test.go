package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"wavefront/internal/catalog"
	"wavefront/internal/config"
	"wavefront/internal/cwfs"
	"wavefront/internal/focalplane"
	"wavefront/internal/img"
	"wavefront/internal/matcher"
	"wavefront/internal/storage"
	"wavefront/internal/wep"
)

type stubRunner struct {
	req wep.RunRequest
	res *wep.RunResult
	err error
}

func (s *stubRunner) Run(ctx context.Context, req wep.RunRequest) (*wep.RunResult, error) {
	s.req = req
	return s.res, s.err
}

type stubSelector struct {
	sets map[string]*matcher.NeighborStarSet
	err  error
}

func (s *stubSelector) Match(ctx context.Context, f catalog.Filter, p focalplane.Pointing, rotationDeg float64, detectors []*focalplane.Detector) (map[string]*matcher.NeighborStarSet, error) {
	return s.sets, s.err
}

type stubSolver struct {
	res *cwfs.Result
	err error
}

func (s *stubSolver) Estimate(intra, extra *img.Image, fieldX, fieldY float64) (*cwfs.Result, error) {
	return s.res, s.err
}

type stubImporter struct {
	created  []catalog.Filter
	path     string
	skipRows int
	inserted int
}

func (s *stubImporter) CreateTable(f catalog.Filter) error {
	s.created = append(s.created, f)
	return nil
}

func (s *stubImporter) InsertFromSkyFile(f catalog.Filter, path string, skipRows int) (int, error) {
	s.path = path
	s.skipRows = skipRows
	return s.inserted, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Matching: config.Matching{Filter: "r", SkyFileSkipRows: 1},
	}
}

func testRouter(t *testing.T, store *storage.Store) *router {
	t.Helper()
	dets, err := focalplane.DefaultLayout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	return &router{
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		store:  store,
		cfg:    testConfig(),
		layout: focalplane.LayoutByName(dets),
	}
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestProcessRejectsUnknownType(t *testing.T) {
	r := testRouter(t, nil)
	res := r.Process(context.Background(), Job{ID: "j1", Type: JobType("bogus")})
	if res.Error == nil {
		t.Fatal("expected error for unknown job type")
	}
}

func TestHandleRunRecordsZernikes(t *testing.T) {
	st := testStore(t)
	r := testRouter(t, st)
	runner := &stubRunner{res: &wep.RunResult{
		Stars: []wep.StarResult{
			{StarID: 7, Detector: "R:0,0 S:2,2,A", Zernikes: []float64{50, 0, 1}, Converged: true, Iterations: 3},
			{StarID: 9, Detector: "R:4,4 S:0,0,A", Zernikes: []float64{-12, 4, 0}, Converged: false, Iterations: 14},
		},
		SkippedStars: 1,
	}}
	r.runner = runner

	res := r.Process(context.Background(), Job{ID: "run-1", Type: JobRun, Options: map[string]any{
		"visitIntra": 9005000,
		"ra":         30.0,
		"dec":        -10.0,
	}})
	if res.Error != nil {
		t.Fatalf("run: %v", res.Error)
	}

	// Without a detector list the corner sensors are used with a
	// single visit.
	if runner.req.VisitIntra != 9005000 || runner.req.VisitExtra != 9005000 {
		t.Fatalf("visits = %d/%d", runner.req.VisitIntra, runner.req.VisitExtra)
	}
	if len(runner.req.Detectors) != 8 {
		t.Fatalf("got %d detectors, want 8 corner halves", len(runner.req.Detectors))
	}
	if runner.req.Pointing.RA != 30 || runner.req.Pointing.Dec != -10 {
		t.Fatalf("pointing = %+v", runner.req.Pointing)
	}

	if res.Meta["stars"] != 2 || res.Meta["converged"] != 1 || res.Meta["skipped"] != 1 {
		t.Fatalf("meta = %v", res.Meta)
	}

	recs, err := st.JobZernikes("run-1")
	if err != nil {
		t.Fatalf("job zernikes: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d zernike records, want 2", len(recs))
	}
	if recs[0].StarID != 7 || recs[0].Zernikes[0] != 50 || !recs[0].Converged {
		t.Fatalf("first record = %+v", recs[0])
	}
}

func TestHandleRunRequiresVisit(t *testing.T) {
	r := testRouter(t, nil)
	r.runner = &stubRunner{res: &wep.RunResult{}}
	res := r.Process(context.Background(), Job{ID: "j", Type: JobRun, Options: map[string]any{}})
	if res.Error == nil {
		t.Fatal("expected error without visitIntra")
	}
}

func TestHandleRunRejectsUnknownDetector(t *testing.T) {
	r := testRouter(t, nil)
	r.runner = &stubRunner{res: &wep.RunResult{}}
	res := r.Process(context.Background(), Job{ID: "j", Type: JobRun, Options: map[string]any{
		"visitIntra": 1,
		"detectors":  []string{"R:9,9 S:9,9"},
	}})
	if res.Error == nil {
		t.Fatal("expected error for detector outside the layout")
	}
}

func TestHandleRunPairedVisits(t *testing.T) {
	r := testRouter(t, nil)
	runner := &stubRunner{res: &wep.RunResult{}}
	r.runner = runner

	// JSON-decoded options arrive as float64.
	res := r.Process(context.Background(), Job{ID: "j", Type: JobRun, Options: map[string]any{
		"visitIntra": float64(9005000),
		"visitExtra": float64(9005001),
		"detectors":  []any{"R:2,2 S:1,1"},
	}})
	if res.Error != nil {
		t.Fatalf("run: %v", res.Error)
	}
	if runner.req.VisitIntra != 9005000 || runner.req.VisitExtra != 9005001 {
		t.Fatalf("visits = %d/%d", runner.req.VisitIntra, runner.req.VisitExtra)
	}
	if len(runner.req.Detectors) != 1 || runner.req.Detectors[0].Name != "R:2,2 S:1,1" {
		t.Fatalf("detectors = %v", runner.req.Detectors)
	}
}

func TestHandleMatchCountsCandidates(t *testing.T) {
	r := testRouter(t, nil)
	r.selector = &stubSelector{sets: map[string]*matcher.NeighborStarSet{
		"R:2,2 S:1,1": {
			Candidates: []matcher.StarPos{{ID: 1}, {ID: 2}},
			Neighbors:  map[int64][]matcher.StarPos{2: {{ID: 3}}},
		},
	}}

	res := r.Process(context.Background(), Job{ID: "m", Type: JobMatch, Options: map[string]any{
		"detectors": []string{"R:2,2 S:1,1"},
	}})
	if res.Error != nil {
		t.Fatalf("match: %v", res.Error)
	}
	if res.Meta["candidates"] != 2 || res.Meta["filter"] != "r" {
		t.Fatalf("meta = %v", res.Meta)
	}
	perDet := res.Meta["detectors"].(map[string]any)
	counts := perDet["R:2,2 S:1,1"].(map[string]any)
	if counts["candidates"] != 2 || counts["blended"] != 1 {
		t.Fatalf("detector counts = %v", counts)
	}
}

func TestHandleMatchRejectsBadFilter(t *testing.T) {
	r := testRouter(t, nil)
	r.selector = &stubSelector{}
	res := r.Process(context.Background(), Job{ID: "m", Type: JobMatch, Options: map[string]any{
		"filter": "x",
	}})
	if res.Error == nil {
		t.Fatal("expected error for unknown band")
	}
}

func TestHandleEstimateFromFiles(t *testing.T) {
	dir := t.TempDir()
	stamp := img.New(3, 3)
	stamp.Set(1, 1, 1)
	intraPath := filepath.Join(dir, "intra.txt")
	extraPath := filepath.Join(dir, "extra.txt")
	if err := img.WriteTextFile(intraPath, stamp); err != nil {
		t.Fatalf("write intra: %v", err)
	}
	if err := img.WriteTextFile(extraPath, stamp); err != nil {
		t.Fatalf("write extra: %v", err)
	}

	st := testStore(t)
	r := testRouter(t, st)
	r.solver = &stubSolver{res: &cwfs.Result{
		Coeffs:     []float64{42, -3},
		Converged:  true,
		Iterations: 5,
		Wavefront:  make([]float64, 9),
	}}

	outPath := filepath.Join(dir, "wavefront.txt")
	res := r.Process(context.Background(), Job{ID: "est-1", Type: JobEstimate, Options: map[string]any{
		"intra":  intraPath,
		"extra":  extraPath,
		"fieldX": 1.1,
		"output": outPath,
	}})
	if res.Error != nil {
		t.Fatalf("estimate: %v", res.Error)
	}
	if res.Meta["converged"] != true || res.Meta["iterations"] != 5 {
		t.Fatalf("meta = %v", res.Meta)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("wavefront dump missing: %v", err)
	}

	recs, err := st.JobZernikes("est-1")
	if err != nil {
		t.Fatalf("job zernikes: %v", err)
	}
	if len(recs) != 1 || recs[0].Zernikes[0] != 42 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestHandleEstimateRequiresPaths(t *testing.T) {
	r := testRouter(t, nil)
	r.solver = &stubSolver{}
	res := r.Process(context.Background(), Job{ID: "e", Type: JobEstimate, Options: map[string]any{}})
	if res.Error == nil {
		t.Fatal("expected error without stamp paths")
	}
}

func TestHandleCatalogImport(t *testing.T) {
	imp := &stubImporter{inserted: 12}
	r := testRouter(t, nil)
	r.importer = imp

	res := r.Process(context.Background(), Job{ID: "c", Type: JobCatalogImport, Options: map[string]any{
		"path":   "/tmp/sky.txt",
		"filter": "g",
	}})
	if res.Error != nil {
		t.Fatalf("import: %v", res.Error)
	}
	if len(imp.created) != 1 || imp.created[0] != catalog.FilterG {
		t.Fatalf("created tables = %v", imp.created)
	}
	if imp.path != "/tmp/sky.txt" {
		t.Fatalf("path = %q", imp.path)
	}
	// skipRows falls back to the configured sky file header size.
	if imp.skipRows != 1 {
		t.Fatalf("skipRows = %d", imp.skipRows)
	}
	if res.Meta["inserted"] != 12 {
		t.Fatalf("meta = %v", res.Meta)
	}
}

func TestPipelineProcessesSubmittedJobs(t *testing.T) {
	st := testStore(t)
	p := &Pipeline{
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		jobs:  make(chan Job, 2),
		store: st,
		subs:  make(map[int]chan Result),
	}
	r := testRouter(t, st)
	r.runner = &stubRunner{err: errors.New("boom")}
	p.processor = r
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.worker(ctx, 0)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	job := Job{ID: "p-1", Type: JobRun, Options: map[string]any{"visitIntra": 1}}
	if err := p.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := <-results
	if res.Job.ID != "p-1" || res.Error == nil {
		t.Fatalf("result = %+v", res)
	}

	jobs, err := st.RecentJobs(5)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "failed" {
		t.Fatalf("jobs = %+v", jobs)
	}
}
