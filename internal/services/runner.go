package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// Step is one independently runnable analysis.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner executes named pipeline steps. A failing step is logged and
// recorded but does not stop later steps; the final error reports
// every failure.
type Runner struct {
	steps    []Step
	prefetch func(ctx context.Context) error
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

func NewRunner(ag *AgricultureService, em *EmissionsService, sec *SectorsService, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Runner {
	return &Runner{
		steps: []Step{
			{Name: "agriculture", Run: ag.Run},
			{Name: "emissions", Run: em.Run},
			{Name: "sectors", Run: sec.Run},
		},
		prefetch: em.Prefetch,
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// StepNames lists the registered steps in execution order.
func (r *Runner) StepNames() []string {
	names := make([]string, len(r.steps))
	for i, s := range r.steps {
		names[i] = s.Name
	}
	return names
}

// Prefetch only warms the network caches.
func (r *Runner) Prefetch(ctx context.Context) error {
	return r.prefetch(ctx)
}

// Run executes the selected steps (all when only is empty). Unknown
// step names are rejected before anything runs.
func (r *Runner) Run(ctx context.Context, only []string) error {
	selected, err := r.selectSteps(only)
	if err != nil {
		return err
	}

	var failed []string
	for _, step := range selected {
		start := time.Now()
		r.logger.Info(ctx, "[STEP_START] Running pipeline step", logging.Fields{
			"step": step.Name,
		})

		if err := step.Run(ctx); err != nil {
			failed = append(failed, step.Name)
			r.metrics.RecordStepFailure(step.Name)
			r.logger.Error(ctx, "[STEP_FAILED] Pipeline step failed", logging.Fields{
				"step":        step.Name,
				"duration_ms": time.Since(start).Milliseconds(),
			}, err)
			continue
		}

		r.metrics.StepDuration.WithLabelValues(step.Name).Observe(time.Since(start).Seconds())
		r.logger.Info(ctx, "[STEP_COMPLETE] Pipeline step complete", logging.Fields{
			"step":        step.Name,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}

	if len(failed) > 0 {
		return fmt.Errorf("pipeline steps failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (r *Runner) selectSteps(only []string) ([]Step, error) {
	if len(only) == 0 {
		return r.steps, nil
	}
	byName := make(map[string]Step, len(r.steps))
	for _, s := range r.steps {
		byName[s.Name] = s
	}
	var selected []Step
	for _, name := range only {
		step, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown step %q, valid steps: %s",
				name, strings.Join(r.StepNames(), ", "))
		}
		selected = append(selected, step)
	}
	return selected, nil
}
