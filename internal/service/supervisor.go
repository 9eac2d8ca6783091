package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/arturoeanton/strategy-pipeline/pkg/config"
)

// Supervisor fails pipelines that stay in one phase past its budget.
type Supervisor struct {
	store    port.PipelineStore
	policy   config.Pipeline
	interval time.Duration
	logger   *slog.Logger
}

// NewSupervisor creates the stuck-pipeline check.
func NewSupervisor(store port.PipelineStore, policy config.Pipeline, interval time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Supervisor{store: store, policy: policy, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("supervisor started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now); err != nil && ctx.Err() == nil {
				s.logger.Error("supervisor sweep", "error", err)
			}
		}
	}
}

// Sweep fails every active pipeline whose current phase started longer
// than its budget before now, and returns how many it failed. The write
// is conditional on the phase and version read, so a pipeline that
// advanced in the meantime is left alone.
func (s *Supervisor) Sweep(ctx context.Context, now time.Time) (int, error) {
	phases := make([]string, 0, len(domain.Phases))
	for _, ph := range domain.Phases {
		phases = append(phases, string(ph))
	}
	cutoff := now.Add(-s.policy.MinBudget(phases))

	active, err := s.store.ListActivePipelines(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list active pipelines: %w", err)
	}

	failed := 0
	for i := range active {
		rec := &active[i]
		budget := s.policy.Budget(string(rec.Phase))
		idle := now.Sub(rec.PhaseStartedAt)
		if idle <= budget {
			continue
		}

		phase := rec.Phase
		status := domain.StatusFailed
		_, err := s.store.ApplyPipeline(ctx, rec.SnapshotID, domain.PipelineUpdate{
			ExpectPhase:   &phase,
			ExpectVersion: rec.Version,
			Status:        &status,
			Error: &domain.PipelineError{
				Kind:    domain.ErrorKindPipelineStuck,
				Phase:   phase,
				Message: fmt.Sprintf("no progress in phase %s for %s (budget %s)", phase, idle.Round(time.Second), budget),
			},
		})
		switch {
		case errors.Is(err, port.ErrPhaseConflict), errors.Is(err, port.ErrTerminal):
			continue
		case err != nil:
			return failed, fmt.Errorf("fail stuck pipeline %s: %w", rec.SnapshotID, err)
		}

		failed++
		pipelineStuck.Inc()
		pipelineFailures.WithLabelValues(string(phase), domain.ErrorKindPipelineStuck).Inc()
		s.logger.Warn("pipeline stuck", "snapshot_id", rec.SnapshotID, "phase", phase, "idle", idle, "budget", budget)
	}
	return failed, nil
}
