package collector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/hearth-social/warden/internal/domain"
)

// DetectorEngine evaluates operator-configured CEL detectors against
// window metrics. It implements Collector, so configured detectors run
// alongside the built-ins on every evaluation.
type DetectorEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledDetector
}

// compiledDetector holds a pre-compiled CEL program.
type compiledDetector struct {
	Config  *domain.DetectorConfig
	Program cel.Program
}

// NewDetectorEngine creates a detector engine with the metric variables
// declared. Expressions must return bool (signal fires at confidence 1)
// or double (the confidence itself).
func NewDetectorEngine() (*DetectorEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("class", cel.StringType),
		cel.Variable("event_count", cel.IntType),
		cel.Variable("review_count", cel.IntType),
		cel.Variable("one_star_ratio", cel.DoubleType),
		cel.Variable("rating_stddev", cel.DoubleType),
		cel.Variable("avg_rating", cel.DoubleType),
		cel.Variable("install_count", cel.IntType),
		cel.Variable("emulated_ratio", cel.DoubleType),
		cel.Variable("duplicate_device_ratio", cel.DoubleType),
		cel.Variable("message_count", cel.IntType),
		cel.Variable("unique_recipients", cel.IntType),
		cel.Variable("messages_per_minute", cel.DoubleType),
		cel.Variable("duplicate_content_ratio", cel.DoubleType),
		cel.Variable("transaction_count", cel.IntType),
		cel.Variable("registration_count", cel.IntType),
		cel.Variable("window_secs", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &DetectorEngine{
		env:      env,
		compiled: make(map[string]*compiledDetector),
	}, nil
}

func (e *DetectorEngine) Name() string { return "detectors" }

// ValidateDetector compiles a detector without loading it.
func (e *DetectorEngine) ValidateDetector(cfg *domain.DetectorConfig) error {
	if cfg == nil {
		return fmt.Errorf("detector config is required")
	}
	if !cfg.Severity.Valid() {
		return fmt.Errorf("detector %s: unknown severity %q", cfg.ID, cfg.Severity)
	}
	if cfg.Kind == "" {
		return fmt.Errorf("detector %s: kind is required", cfg.ID)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileDetector(cfg)
	return err
}

// LoadDetector compiles and loads a detector into the engine.
func (e *DetectorEngine) LoadDetector(cfg *domain.DetectorConfig) error {
	if err := e.ValidateDetector(cfg); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileDetector(cfg)
	if err != nil {
		return err
	}
	e.compiled[cfg.ID] = compiled
	return nil
}

// LoadDetectors compiles and loads all enabled detectors.
func (e *DetectorEngine) LoadDetectors(configs []*domain.DetectorConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadDetector(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadDetectors replaces the loaded set atomically, enabling
// hot-reload from the repository.
func (e *DetectorEngine) ReloadDetectors(configs []*domain.DetectorConfig) error {
	newSet := make(map[string]*compiledDetector)

	e.mu.RLock()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileDetector(cfg)
		if err != nil {
			e.mu.RUnlock()
			return err
		}
		newSet[cfg.ID] = compiled
	}
	e.mu.RUnlock()

	e.mu.Lock()
	e.compiled = newSet
	e.mu.Unlock()
	return nil
}

// DetectorCount returns the number of loaded detectors.
func (e *DetectorEngine) DetectorCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// GetLoadedDetectors returns the currently loaded detector configurations.
func (e *DetectorEngine) GetLoadedDetectors() []*domain.DetectorConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	configs := make([]*domain.DetectorConfig, 0, len(e.compiled))
	for _, c := range e.compiled {
		configs = append(configs, c.Config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// Collect evaluates every loaded detector against the entity's window
// metrics. Detectors run in ID order so repeated evaluations of the
// same events produce an identical signal sequence. An evaluation error
// in one detector is logged and skipped; it does not abort the entity.
func (e *DetectorEngine) Collect(entity domain.EntityRef, events []*domain.Event, window time.Duration, now time.Time) ([]domain.Signal, error) {
	e.mu.RLock()
	detectors := make([]*compiledDetector, 0, len(e.compiled))
	for _, d := range e.compiled {
		detectors = append(detectors, d)
	}
	e.mu.RUnlock()

	if len(detectors) == 0 {
		return nil, nil
	}
	sort.Slice(detectors, func(i, j int) bool { return detectors[i].Config.ID < detectors[j].Config.ID })

	metrics := BuildMetrics(events, window, now)
	activation := metrics.activation(entity)
	evidence := evidenceIDs(events)

	var signals []domain.Signal
	for _, d := range detectors {
		out, _, err := d.Program.Eval(activation)
		if err != nil {
			slog.Warn("detector evaluation failed",
				"detector_id", d.Config.ID,
				"entity_id", entity.ID,
				"error", err,
			)
			continue
		}

		confidence, fired := toConfidence(out)
		if !fired || confidence < d.Config.MinConfidence {
			continue
		}

		signals = append(signals, domain.Signal{
			Kind:       d.Config.Kind,
			Severity:   d.Config.Severity,
			Confidence: clamp01(confidence),
			Evidence:   evidence,
			DetectedAt: now,
		})
	}
	return signals, nil
}

// toConfidence converts a CEL result to a confidence value.
// A false bool or non-positive double means the detector did not fire.
func toConfidence(val ref.Val) (float64, bool) {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0, true
		}
		return 0, false
	case types.Double:
		return float64(v), float64(v) > 0
	case types.Int:
		return float64(v), v > 0
	default:
		return 0, false
	}
}

func (e *DetectorEngine) compileDetector(cfg *domain.DetectorConfig) (*compiledDetector, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile detector %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("detector %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for detector %s: %w", cfg.ID, err)
	}

	return &compiledDetector{Config: cfg, Program: program}, nil
}
