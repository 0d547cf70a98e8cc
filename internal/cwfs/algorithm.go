package cwfs

import "fmt"

// SolverKind selects the Poisson solver inside each iteration.
type SolverKind string

const (
	// SolverFFT inverts the Laplacian spectrally with a series of
	// boundary corrections.
	SolverFFT SolverKind = "fft"
	// SolverExp fits the source term against the basis Laplacians by
	// least squares.
	SolverExp SolverKind = "exp"
)

// CompensationModel selects how image compensation maps pupil slopes
// to detector displacements.
type CompensationModel string

const (
	ModelParaxial CompensationModel = "paraxial"
	ModelOnAxis   CompensationModel = "onAxis"
	ModelOffAxis  CompensationModel = "offAxis"
)

// AlgorithmConfig tunes the outer estimation loop.
type AlgorithmConfig struct {
	Solver   SolverKind
	Model    CompensationModel
	NumTerms int
	// ToleranceNm stops the loop once the update norm falls below it.
	ToleranceNm   float64
	MaxIterations int
	Gain          float64
	// BoundaryIterations refines the spectral solution near the pupil
	// edge. Only the fft solver uses it.
	BoundaryIterations int
}

// DefaultAlgorithm returns the operational loop settings.
func DefaultAlgorithm() AlgorithmConfig {
	return AlgorithmConfig{
		Solver:             SolverExp,
		Model:              ModelParaxial,
		NumTerms:           22,
		ToleranceNm:        1.0,
		MaxIterations:      14,
		Gain:               0.6,
		BoundaryIterations: 3,
	}
}

// LoadAlgorithm reads an algorithm parameter file over the defaults.
func LoadAlgorithm(path string) (AlgorithmConfig, error) {
	cfg := DefaultAlgorithm()
	p, err := LoadParamFile(path)
	if err != nil {
		return cfg, err
	}
	if p.Has("poissonSolver") {
		s, _ := p.String("poissonSolver")
		cfg.Solver = SolverKind(s)
	}
	if p.Has("compensatorMode") {
		s, _ := p.String("compensatorMode")
		cfg.Model = CompensationModel(s)
	}
	if p.Has("numTerms") {
		if cfg.NumTerms, err = p.Int("numTerms"); err != nil {
			return cfg, err
		}
	}
	if p.Has("tolerance") {
		if cfg.ToleranceNm, err = p.Float("tolerance"); err != nil {
			return cfg, err
		}
	}
	if p.Has("maxIterations") {
		if cfg.MaxIterations, err = p.Int("maxIterations"); err != nil {
			return cfg, err
		}
	}
	if p.Has("feedbackGain") {
		if cfg.Gain, err = p.Float("feedbackGain"); err != nil {
			return cfg, err
		}
	}
	if p.Has("boundaryIterations") {
		if cfg.BoundaryIterations, err = p.Int("boundaryIterations"); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects loop settings that cannot run.
func (c AlgorithmConfig) Validate() error {
	switch c.Solver {
	case SolverFFT, SolverExp:
	default:
		return fmt.Errorf("algorithm: unknown poisson solver %q", c.Solver)
	}
	switch c.Model {
	case ModelParaxial, ModelOnAxis, ModelOffAxis:
	default:
		return fmt.Errorf("algorithm: unknown compensation model %q", c.Model)
	}
	switch {
	case c.NumTerms < 4 || c.NumTerms > 22:
		return fmt.Errorf("algorithm: numTerms %d outside [4, 22]", c.NumTerms)
	case c.ToleranceNm <= 0:
		return fmt.Errorf("algorithm: non-positive tolerance")
	case c.MaxIterations < 1:
		return fmt.Errorf("algorithm: maxIterations %d < 1", c.MaxIterations)
	case c.Gain <= 0 || c.Gain > 1:
		return fmt.Errorf("algorithm: feedback gain %g outside (0, 1]", c.Gain)
	}
	return nil
}
