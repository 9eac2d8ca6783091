package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/adapter/generator"
	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineServiceRequiresEveryGenerator(t *testing.T) {
	_, err := NewPipelineService(PipelineDeps{
		Generators: port.NewGeneratorRegistry(fixed(domain.KindImmediate, domain.ImmediatePayload{Strategy: "x"})),
		Policy:     testPolicy(),
	})
	assert.ErrorIs(t, err, port.ErrGeneratorMissing)
}

func TestPipelineHappyPath(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, blocking(domain.KindVenuePlanner, release, samplePlan()))
	h.snapshot("s1")

	acc, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", acc.SnapshotID)
	assert.Equal(t, []domain.GeneratorKind{domain.KindBriefing, domain.KindImmediate}, acc.Kicked)

	// The immediate strategy is visible while the venue chain is still running.
	require.Eventually(t, func() bool {
		rec := h.record("s1")
		return rec.Phase == domain.PhaseVenues && rec.Status == domain.StatusPendingBlocks
	}, 2*time.Second, 5*time.Millisecond)
	early := h.record("s1")
	assert.True(t, domain.Present(early.StrategyForNow))
	assert.Nil(t, early.Venues)

	close(release)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.PhaseComplete, rec.Phase)
	assert.Equal(t, domain.StatusOK, rec.Status)
	assert.Nil(t, rec.Error)
	for _, kind := range []domain.GeneratorKind{
		domain.KindImmediate, domain.KindDaily, domain.KindVenuePlanner,
		domain.KindRouting, domain.KindPlaces, domain.KindVerifier,
	} {
		assert.True(t, domain.Present(rec.Output(kind)), "output %s", kind)
		assert.Equal(t, 1, h.calls(kind), "calls %s", kind)
	}
	assert.Equal(t, 1, h.calls(domain.KindBriefing))

	b, err := h.svc.GetBriefing(context.Background(), "s1", owner)
	require.NoError(t, err)
	assert.True(t, b.Ready())

	p := h.svc.Progress(rec)
	assert.Equal(t, 100, p.Percent)
	assert.Zero(t, p.RemainingSeconds)

	verification, err := domain.DecodePayload(domain.KindVerifier, rec.Verification)
	require.NoError(t, err)
	v := verification.(domain.VerificationPayload)
	assert.True(t, v.Verified)
	assert.Len(t, v.Issues, 4, "passthrough places are unconfirmed")
}

func TestPipelineImmediateFailureStopsEverything(t *testing.T) {
	h := newHarness(t, failing(domain.KindImmediate, errUpstream))
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.PhaseImmediate, rec.Phase)
	require.NotNil(t, rec.Error)
	assert.Equal(t, domain.ErrorKindGenerator, rec.Error.Kind)
	assert.Equal(t, domain.PhaseImmediate, rec.Error.Phase)
	assert.Contains(t, rec.Error.Message, "upstream 503")

	assert.Equal(t, 2, h.calls(domain.KindImmediate), "one retry")
	assert.Zero(t, h.calls(domain.KindVenuePlanner))
	assert.Zero(t, h.calls(domain.KindDaily))
	assert.Nil(t, rec.StrategyForNow)
}

func TestPipelineVenueFailureKeepsEarlierOutputs(t *testing.T) {
	h := newHarness(t, failing(domain.KindVenuePlanner, generator.Permanent(errUpstream)))
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.PhaseVenues, rec.Phase)
	assert.Equal(t, domain.PhaseVenues, rec.Error.Phase)
	assert.True(t, domain.Present(rec.StrategyForNow))
	assert.True(t, domain.Present(rec.ConsolidatedStrategy), "daily is settled before the failure write")
	assert.Equal(t, 1, h.calls(domain.KindVenuePlanner), "permanent failures are not retried")
	assert.Zero(t, h.calls(domain.KindRouting))
}

func TestPipelineRoutingTimeoutRetries(t *testing.T) {
	policy := testPolicy()
	pol := policy.Policies[string(domain.KindRouting)]
	pol.Timeout, pol.Retries, pol.Backoff = 20*time.Millisecond, 2, time.Millisecond
	policy.Policies[string(domain.KindRouting)] = pol

	hang := funcGen{kind: domain.KindRouting, fn: func(ctx context.Context, _ port.GeneratorInput) (domain.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := buildHarness(t, policy, nil, nil, hang)
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.PhaseRouting, rec.Phase)
	assert.Equal(t, domain.ErrorKindTimeout, rec.Error.Kind)
	assert.Equal(t, 3, h.calls(domain.KindRouting))
	assert.True(t, domain.Present(rec.Venues))
	assert.Zero(t, h.calls(domain.KindPlaces))
}

func TestPipelineVerifierRejectsShortPlan(t *testing.T) {
	plan := samplePlan()
	plan.Venues = plan.Venues[:2]
	h := newHarness(t, fixed(domain.KindVenuePlanner, plan))
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.PhaseVerifying, rec.Phase)
	assert.Equal(t, domain.ErrorKindInvalidOutput, rec.Error.Kind)
	assert.Equal(t, 1, h.calls(domain.KindVerifier))
	assert.True(t, domain.Present(rec.PlaceDetails))
}

func TestPipelineToleratesBriefingFailure(t *testing.T) {
	h := newHarness(t, failing(domain.KindBriefing, generator.Permanent(errUpstream)))
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusOK, rec.Status)
	b, err := h.svc.GetBriefing(context.Background(), "s1", owner)
	require.NoError(t, err)
	assert.False(t, b.Ready())
}

func TestToleratedBriefingFailureIsNotAPipelineFailure(t *testing.T) {
	failures := counterValue(t, pipelineFailures, string(domain.PhaseImmediate), domain.ErrorKindGenerator)
	results := counterValue(t, generatorResults, string(domain.KindBriefing), string(domain.FailureGenerator))

	h := newHarness(t, failing(domain.KindBriefing, generator.Permanent(errUpstream)))
	h.snapshot("s1")
	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	require.Equal(t, domain.StatusOK, h.record("s1").Status)
	assert.Equal(t, failures, counterValue(t, pipelineFailures, string(domain.PhaseImmediate), domain.ErrorKindGenerator))
	assert.Equal(t, results+1, counterValue(t, generatorResults, string(domain.KindBriefing), string(domain.FailureGenerator)))
}

func TestPipelineAcceptsPointerPayloads(t *testing.T) {
	plan := samplePlan()
	h := newHarness(t,
		fixed(domain.KindImmediate, &domain.ImmediatePayload{Strategy: "x"}),
		fixed(domain.KindVenuePlanner, &plan),
		fixed(domain.KindDaily, &domain.DailyPayload{Consolidated: "evening"}),
	)
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	require.Equal(t, domain.StatusOK, rec.Status, "error: %+v", rec.Error)
	assert.JSONEq(t, `{"strategy":"x"}`, string(rec.StrategyForNow))
	assert.True(t, domain.Present(rec.ConsolidatedStrategy))
	assert.Equal(t, 1, h.calls(domain.KindRouting))
}

func TestPipelineNilPointerPayloadFails(t *testing.T) {
	var none *domain.ImmediatePayload
	h := newHarness(t, fixed(domain.KindImmediate, none))
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.PhaseImmediate, rec.Phase)
	assert.Equal(t, domain.ErrorKindInvalidOutput, rec.Error.Kind)
}

func TestRunnerRejectsUnexpectedChainPayload(t *testing.T) {
	r := &runner{}
	assert.False(t, r.accept(domain.DailyPayload{}))
	assert.True(t, r.accept(domain.RoutingPayload{}))
	assert.NotNil(t, r.in.Routes)
}

func TestPipelineGeneratorPanicIsContained(t *testing.T) {
	boom := funcGen{kind: domain.KindPlaces, fn: func(context.Context, port.GeneratorInput) (domain.Payload, error) {
		panic("nil map")
	}}
	h := newHarness(t, boom)
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.PhasePlaces, rec.Phase)
	assert.Contains(t, rec.Error.Message, "nil map")
	assert.Equal(t, 1, h.calls(domain.KindPlaces))
}

func TestPipelineUnresolvedSnapshotFails(t *testing.T) {
	h := newHarness(t)
	snap := &domain.Snapshot{ID: "s1", UserID: owner, Lat: 32.7, Lng: -96.8, Timezone: "America/Chicago"}
	_, err := h.store.CreateSnapshot(context.Background(), snap)
	require.NoError(t, err)

	_, err = h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.PhaseResolving, rec.Phase)
	assert.Equal(t, domain.ErrorKindLocationUnresolved, rec.Error.Kind)
	assert.Zero(t, h.calls(domain.KindImmediate))
	assert.Zero(t, h.calls(domain.KindBriefing))
}

func TestStartPipelineIsExclusive(t *testing.T) {
	h := newHarness(t)
	h.snapshot("s1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		dupes   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.StartPipeline(context.Background(), "s1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, port.ErrAlreadyRunning):
				dupes++
			}
		}()
	}
	wg.Wait()
	h.wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 7, dupes)
	assert.Equal(t, 1, h.calls(domain.KindImmediate))
	assert.Equal(t, domain.StatusOK, h.record("s1").Status)
}

func TestStartPipelineUnknownSnapshot(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.StartPipeline(context.Background(), "missing")
	assert.ErrorIs(t, err, port.ErrSnapshotNotFound)
}

func TestStartPipelineSkipsReadyBriefing(t *testing.T) {
	h := newHarness(t)
	h.snapshot("s1")
	_, err := h.store.MergeBriefing(context.Background(), "s1", domain.BriefingPayload{
		Weather: []byte(`{"temp_f":70}`), Traffic: []byte(`"light"`), News: []byte(`[]`),
	}, 3)
	require.NoError(t, err)

	acc, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.GeneratorKind{domain.KindImmediate}, acc.Kicked)
	h.wait()

	assert.Zero(t, h.calls(domain.KindBriefing))
	assert.Equal(t, domain.StatusOK, h.record("s1").Status)
}

func TestPipelineResumeSkipsStoredOutputs(t *testing.T) {
	h := newHarness(t)
	h.snapshot("s1")
	ctx := context.Background()
	_, err := h.store.MergeBriefing(ctx, "s1", domain.BriefingPayload{
		Weather: []byte(`{"temp_f":70}`), Traffic: []byte(`"light"`), News: []byte(`[]`),
	}, 3)
	require.NoError(t, err)

	_, err = h.store.CreatePipeline(ctx, "s1")
	require.NoError(t, err)
	venues, pending := domain.PhaseVenues, domain.StatusPendingBlocks
	_, err = h.store.ApplyPipeline(ctx, "s1", domain.PipelineUpdate{
		Phase: &venues, Status: &pending, Output: domain.ImmediatePayload{Strategy: "stored"},
	})
	require.NoError(t, err)
	rec, err := h.store.ApplyPipeline(ctx, "s1", domain.PipelineUpdate{Output: samplePlan()})
	require.NoError(t, err)

	h.svc.run(ctx, rec)

	final := h.record("s1")
	assert.Equal(t, domain.StatusOK, final.Status)
	assert.Equal(t, domain.PhaseComplete, final.Phase)
	assert.Zero(t, h.calls(domain.KindBriefing))
	assert.Zero(t, h.calls(domain.KindImmediate))
	assert.Zero(t, h.calls(domain.KindVenuePlanner))
	assert.Equal(t, 1, h.calls(domain.KindRouting))
	assert.Equal(t, 1, h.calls(domain.KindDaily))
	assert.JSONEq(t, `{"strategy":"stored"}`, string(final.StrategyForNow))
}

func TestPipelineStopsWhenRecordFailedElsewhere(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, blocking(domain.KindVenuePlanner, release, samplePlan()))
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.record("s1").Phase == domain.PhaseVenues
	}, 2*time.Second, 5*time.Millisecond)

	// Stand in for the supervisor.
	failed := domain.StatusFailed
	_, err = h.store.ApplyPipeline(context.Background(), "s1", domain.PipelineUpdate{
		Status: &failed,
		Error:  &domain.PipelineError{Kind: domain.ErrorKindPipelineStuck, Phase: domain.PhaseVenues},
	})
	require.NoError(t, err)

	close(release)
	h.wait()

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.ErrorKindPipelineStuck, rec.Error.Kind)
	assert.Zero(t, h.calls(domain.KindRouting))
}

func TestWaitCancelsInFlightGenerators(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, blocking(domain.KindVenuePlanner, release, samplePlan()))
	h.snapshot("s1")

	_, err := h.svc.StartPipeline(context.Background(), "s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.record("s1").Phase == domain.PhaseVenues
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.svc.Wait(ctx), context.DeadlineExceeded)

	rec := h.record("s1")
	assert.Equal(t, domain.StatusFailed, rec.Status, "the failure is written after cancellation")
	assert.Equal(t, domain.PhaseVenues, rec.Phase)
}

func TestOwnershipIsEnforced(t *testing.T) {
	h := newHarness(t)
	h.snapshot("s1")
	ctx := context.Background()

	_, err := h.svc.GetPipelineStatus(ctx, "s1", owner)
	assert.ErrorIs(t, err, port.ErrNotVisible, "not started yet")

	_, err = h.svc.StartPipeline(ctx, "s1")
	require.NoError(t, err)
	h.wait()

	rec, err := h.svc.GetPipelineStatus(ctx, "s1", owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, rec.Status)

	_, err = h.svc.GetPipelineStatus(ctx, "s1", "driver-b")
	assert.ErrorIs(t, err, port.ErrNotVisible)
	_, err = h.svc.GetPipelineStatus(ctx, "missing", owner)
	assert.ErrorIs(t, err, port.ErrNotVisible)
	_, err = h.svc.GetBriefing(ctx, "s1", "driver-b")
	assert.ErrorIs(t, err, port.ErrNotVisible)
}
