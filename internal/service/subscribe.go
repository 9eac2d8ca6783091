package service

import (
	"context"
	"errors"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

// Subscribe calls fn with the pipeline record for every transition it
// observes, until the record is terminal, fn returns an error or ctx ends.
//
// Each pipeline event is delivered as the record it announces. In-process
// events carry that record; events relayed over NOTIFY carry only phase,
// status and version, and are rebuilt from the latest read when later
// writes already landed. A polling fallback covers lost notifications, so
// a transition whose event was dropped can be missed, but the latest state
// is always delivered. Versions passed to fn strictly increase.
func (s *PipelineService) Subscribe(ctx context.Context, snapshotID, userID string, fn func(*domain.PipelineRecord) error) error {
	if _, err := ownedSnapshot(ctx, s.store, snapshotID, userID); err != nil {
		return err
	}

	var hints <-chan domain.PhaseEvent
	if s.events != nil {
		ch, cancel := s.events.Subscribe(snapshotID)
		defer cancel()
		hints = ch
	}

	var (
		last   int
		latest *domain.PipelineRecord
	)
	emit := func(rec *domain.PipelineRecord) (bool, error) {
		if rec.Version <= last {
			return false, nil
		}
		last = rec.Version
		if err := fn(rec); err != nil {
			return true, err
		}
		return rec.Status.Terminal(), nil
	}
	// read refreshes latest; it stays nil until the pipeline is started.
	read := func() error {
		rec, err := s.store.GetPipeline(ctx, snapshotID)
		if errors.Is(err, port.ErrPipelineNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		latest = rec
		return nil
	}
	check := func() (bool, error) {
		if err := read(); err != nil {
			return true, err
		}
		if latest == nil {
			return false, nil
		}
		return emit(latest.Clone())
	}
	observe := func(evt domain.PhaseEvent) (bool, error) {
		switch {
		case evt.Kind == domain.EventKindBriefing:
			return false, nil
		case evt.Kind != domain.EventKindPipeline:
			return check()
		case evt.Version <= last:
			return false, nil
		case evt.Record != nil:
			return emit(evt.Record.Clone())
		}
		if latest == nil || latest.Version < evt.Version {
			if err := read(); err != nil {
				return true, err
			}
			if latest == nil {
				return false, nil
			}
		}
		if latest.Version > evt.Version {
			return emit(latest.AsOf(evt))
		}
		return emit(latest.Clone())
	}
	// pending handles queued hints first so a poll never skips past them.
	pending := func() (bool, error) {
		for {
			select {
			case evt, ok := <-hints:
				if !ok {
					hints = nil
					return false, nil
				}
				if done, err := observe(evt); done {
					return done, err
				}
			default:
				return false, nil
			}
		}
	}

	if done, err := check(); done {
		return err
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		var (
			done bool
			err  error
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			done, err = observe(evt)
		case <-ticker.C:
			if done, err = pending(); !done {
				done, err = check()
			}
		}
		if done {
			return err
		}
	}
}
