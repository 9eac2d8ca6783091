package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

var (
	// ErrInvalidOutput marks a reply that could not be turned into a valid payload.
	ErrInvalidOutput = errors.New("invalid generator output")
	// ErrPermanent marks a failure that a retry cannot fix.
	ErrPermanent = errors.New("permanent generator failure")
)

// Permanent wraps err so Invoke reports it as non-retryable.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type outcome struct {
	payload domain.Payload
	err     error
	panic   any
}

// Invoke runs one generator call bounded by timeout and classifies every
// way it can end into a domain.Result. It never panics and never blocks
// past the timeout, even when g ignores its context.
func Invoke(ctx context.Context, g port.Generator, in port.GeneratorInput, timeout time.Duration) domain.Result {
	kind := g.Kind()
	ctx, cancel := context.WithTimeout(port.WithGeneratorKind(ctx, kind), timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panic: r}
			}
		}()
		p, err := g.Generate(ctx, in)
		done <- outcome{payload: p, err: err}
	}()

	select {
	case out := <-done:
		return classify(kind, out, ctx.Err(), timeout)
	case <-ctx.Done():
		return classify(kind, outcome{err: ctx.Err()}, ctx.Err(), timeout)
	}
}

func classify(kind domain.GeneratorKind, out outcome, ctxErr error, timeout time.Duration) domain.Result {
	if out.panic != nil {
		return domain.Failed(kind, domain.FailurePanic, false, "panic: %v", out.panic)
	}

	err := out.err
	if err != nil {
		retryable := !errors.Is(err, ErrPermanent)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded):
			return domain.Failed(kind, domain.FailureTimeout, true, "no result within %s", timeout)
		case errors.Is(err, context.Canceled):
			return domain.Failed(kind, domain.FailureGenerator, false, "canceled")
		case errors.Is(err, ErrInvalidOutput):
			return domain.Failed(kind, domain.FailureInvalidOutput, retryable, "%v", err)
		default:
			return domain.Failed(kind, domain.FailureGenerator, retryable, "%v", err)
		}
	}

	payload := domain.Normalize(out.payload)
	if payload == nil {
		return domain.Failed(kind, domain.FailureInvalidOutput, true, "generator returned no payload")
	}
	if payload.Kind() != kind {
		return domain.Failed(kind, domain.FailureInvalidOutput, false, "generator returned %s payload", payload.Kind())
	}
	return domain.Succeeded(payload)
}
