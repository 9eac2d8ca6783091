package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/adapter/generator"
	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/arturoeanton/strategy-pipeline/pkg/config"
	"github.com/go-playground/validator/v10"
)

// writeTimeout bounds every record write, including the final failure
// write made after the run's context was canceled.
const writeTimeout = 10 * time.Second

// errHalt stops a run after a write it cannot recover from.
var errHalt = errors.New("pipeline halted")

// Accepted is the result of starting a pipeline.
type Accepted struct {
	SnapshotID string                 `json:"snapshot_id"`
	Kicked     []domain.GeneratorKind `json:"kicked"`
}

// PipelineDeps wires a PipelineService.
type PipelineDeps struct {
	Store      port.Store
	Generators port.GeneratorRegistry
	// Events feeds Subscribe; nil means subscribers only poll.
	Events       port.EventSource
	Policy       config.Pipeline
	PollInterval time.Duration
	Logger       *slog.Logger
}

// PipelineService is the phase controller. It is the only writer of
// pipeline records other than the supervisor's stuck check.
type PipelineService struct {
	store    port.Store
	gens     port.GeneratorRegistry
	events   port.EventSource
	policy   config.Pipeline
	progress ProgressTable
	poll     time.Duration
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPipelineService creates the controller. Every generator kind must be registered.
func NewPipelineService(d PipelineDeps) (*PipelineService, error) {
	for _, kind := range domain.Kinds {
		if _, ok := d.Generators[kind]; !ok {
			return nil, fmt.Errorf("%w: %s", port.ErrGeneratorMissing, kind)
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PipelineService{
		store:    d.Store,
		gens:     d.Generators,
		events:   d.Events,
		policy:   d.Policy,
		progress: NewProgressTable(d.Policy.PhaseDurations),
		poll:     d.PollInterval,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   d.Logger,
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// StartPipeline creates the pipeline record for a snapshot and runs the
// pipeline in the background. A second start for the same snapshot fails
// with port.ErrAlreadyRunning and invokes nothing.
func (s *PipelineService) StartPipeline(ctx context.Context, snapshotID string) (*Accepted, error) {
	rec, err := s.store.CreatePipeline(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	pipelineTransitions.WithLabelValues(string(rec.Phase)).Inc()

	kicked := []domain.GeneratorKind{domain.KindBriefing, domain.KindImmediate}
	if b, err := s.store.GetBriefing(ctx, snapshotID); err == nil && b.Ready() {
		kicked = kicked[1:]
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.baseCtx, rec)
	}()

	s.logger.Info("pipeline started", "snapshot_id", snapshotID, "kicked", kicked)
	return &Accepted{SnapshotID: snapshotID, Kicked: kicked}, nil
}

// Wait blocks until every running pipeline has finished or ctx is done.
// When ctx ends first, in-flight generator calls are canceled.
func (s *PipelineService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// GetPipelineStatus returns the record if the snapshot belongs to userID.
// Foreign, missing and not-yet-started pipelines are all port.ErrNotVisible.
func (s *PipelineService) GetPipelineStatus(ctx context.Context, snapshotID, userID string) (*domain.PipelineRecord, error) {
	if _, err := ownedSnapshot(ctx, s.store, snapshotID, userID); err != nil {
		return nil, err
	}
	rec, err := s.store.GetPipeline(ctx, snapshotID)
	if errors.Is(err, port.ErrPipelineNotFound) {
		return nil, fmt.Errorf("pipeline %s: %w", snapshotID, port.ErrNotVisible)
	}
	return rec, err
}

// GetBriefing returns the briefing if the snapshot belongs to userID.
func (s *PipelineService) GetBriefing(ctx context.Context, snapshotID, userID string) (*domain.BriefingRecord, error) {
	if _, err := ownedSnapshot(ctx, s.store, snapshotID, userID); err != nil {
		return nil, err
	}
	b, err := s.store.GetBriefing(ctx, snapshotID)
	if errors.Is(err, port.ErrBriefingNotFound) {
		return nil, fmt.Errorf("briefing %s: %w", snapshotID, port.ErrNotVisible)
	}
	return b, err
}

// Progress estimates completion for rec.
func (s *PipelineService) Progress(rec *domain.PipelineRecord) Progress {
	return s.progress.Estimate(rec, s.now())
}

// run drives one pipeline from its current phase to a terminal status.
func (s *PipelineService) run(ctx context.Context, rec *domain.PipelineRecord) {
	log := s.logger.With("snapshot_id", rec.SnapshotID)
	r := &runner{svc: s, rec: rec, log: log}
	defer func() {
		if p := recover(); p != nil {
			log.Error("pipeline run panicked", "phase", r.rec.Phase, "panic", p)
			_ = r.fail(ctx, r.rec.Phase, domain.ErrorKindGenerator, fmt.Sprintf("internal error: %v", p))
		}
	}()
	if err := r.execute(ctx); err != nil && !errors.Is(err, errHalt) {
		log.Error("pipeline aborted", "phase", r.rec.Phase, "error", err)
	}
}

// runner holds the state of one pipeline run. All writes happen on the
// run's goroutine, so transitions for one snapshot are totally ordered.
type runner struct {
	svc *PipelineService
	rec *domain.PipelineRecord
	in  port.GeneratorInput
	log *slog.Logger
}

// chain is the venue enrichment sequence: each stage runs in its phase and
// its success advances to the next phase.
var chain = []struct {
	phase domain.Phase
	kind  domain.GeneratorKind
	next  domain.Phase
}{
	{domain.PhaseVenues, domain.KindVenuePlanner, domain.PhaseRouting},
	{domain.PhaseRouting, domain.KindRouting, domain.PhasePlaces},
	{domain.PhasePlaces, domain.KindPlaces, domain.PhaseVerifying},
	{domain.PhaseVerifying, domain.KindVerifier, domain.PhaseComplete},
}

func (r *runner) execute(ctx context.Context) error {
	s := r.svc
	snap, err := s.store.GetSnapshot(ctx, r.rec.SnapshotID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	r.in.Snapshot = snap

	running := domain.StatusRunning
	if err := r.transition(ctx, domain.PhaseResolving, &running, nil); err != nil {
		return err
	}
	if err := ResolveSnapshot(s.validate, snap); err != nil {
		return r.fail(ctx, domain.PhaseResolving, domain.ErrorKindLocationUnresolved, err.Error())
	}
	if err := r.transition(ctx, domain.PhaseAnalyzing, nil, nil); err != nil {
		return err
	}

	// Briefing and immediate strategy run in parallel.
	briefingCh := r.async(ctx, domain.KindBriefing, r.briefingOutput(ctx))
	immediateCh := r.async(ctx, domain.KindImmediate, r.output(domain.KindImmediate))
	if err := r.transition(ctx, domain.PhaseImmediate, nil, nil); err != nil {
		return err
	}
	briefing, immediate := <-briefingCh, <-immediateCh

	r.settleBriefing(ctx, briefing)
	if !immediate.OK() {
		return r.failStage(ctx, domain.PhaseImmediate, immediate)
	}
	strategy, ok := immediate.Payload.(domain.ImmediatePayload)
	if !ok {
		return r.unexpected(ctx, domain.PhaseImmediate, immediate)
	}
	r.in.Strategy = &strategy

	pendingBlocks := domain.StatusPendingBlocks
	if err := r.transition(ctx, domain.PhaseVenues, &pendingBlocks, r.fresh(immediate)); err != nil {
		return err
	}

	// The daily consolidation never gates the venue chain.
	dailyCh := r.async(ctx, domain.KindDaily, r.output(domain.KindDaily))

	for _, st := range chain {
		res := r.produce(ctx, st.kind, r.output(st.kind))
		if !res.OK() {
			r.settleDaily(ctx, dailyCh)
			return r.failStage(ctx, st.phase, res)
		}
		if !r.accept(res.Payload) {
			r.settleDaily(ctx, dailyCh)
			return r.unexpected(ctx, st.phase, res)
		}

		var status *domain.Status
		if st.next == domain.PhaseComplete {
			r.settleDaily(ctx, dailyCh)
			ok := domain.StatusOK
			status = &ok
		}
		if err := r.transition(ctx, st.next, status, r.fresh(res)); err != nil {
			return err
		}
	}
	r.log.Info("pipeline complete", "version", r.rec.Version)
	return nil
}

// accept records a stage payload as input for the stages after it. It
// reports false for a payload no chain stage produces.
func (r *runner) accept(p domain.Payload) bool {
	switch v := p.(type) {
	case domain.VenuePlanPayload:
		r.in.VenuePlan = &v
	case domain.RoutingPayload:
		r.in.Routes = &v
	case domain.PlacesPayload:
		r.in.Places = &v
	case domain.VerificationPayload:
	default:
		return false
	}
	return true
}

// unexpected fails the pipeline for a payload of the wrong type.
func (r *runner) unexpected(ctx context.Context, phase domain.Phase, res domain.Result) error {
	return r.fail(ctx, phase, domain.ErrorKindInvalidOutput, fmt.Sprintf("%s: unexpected payload %T", res.Kind, res.Payload))
}

// fresh returns the payload to persist, or nil when it was loaded from the record.
func (r *runner) fresh(res domain.Result) domain.Payload {
	if res.Skipped {
		return nil
	}
	return res.Payload
}

// output decodes an already persisted output, if any.
func (r *runner) output(kind domain.GeneratorKind) domain.Payload {
	raw := r.rec.Output(kind)
	if !domain.Present(raw) {
		return nil
	}
	p, err := domain.DecodePayload(kind, raw)
	if err != nil {
		r.log.Warn("stored output unreadable, regenerating", "kind", kind, "error", err)
		return nil
	}
	return p
}

// briefingOutput returns the stored briefing when it is already usable.
func (r *runner) briefingOutput(ctx context.Context) domain.Payload {
	b, err := r.svc.store.GetBriefing(ctx, r.rec.SnapshotID)
	if err != nil || !b.Ready() {
		return nil
	}
	return domain.BriefingPayload{
		Weather: b.Weather, Traffic: b.Traffic, News: b.News,
		Events: b.Events, SchoolClosures: b.SchoolClosures, Airport: b.Airport,
	}
}

// async runs produce on its own goroutine. The input is copied so later
// stages can keep filling r.in.
func (r *runner) async(ctx context.Context, kind domain.GeneratorKind, existing domain.Payload) <-chan domain.Result {
	in := r.in
	out := make(chan domain.Result, 1)
	go func() {
		out <- r.svc.produce(ctx, r.log, kind, in, existing)
	}()
	return out
}

func (r *runner) produce(ctx context.Context, kind domain.GeneratorKind, existing domain.Payload) domain.Result {
	return r.svc.produce(ctx, r.log, kind, r.in, existing)
}

// settleBriefing merges a briefing result. A failed briefing is logged and
// tolerated: it does not gate the immediate strategy.
func (r *runner) settleBriefing(ctx context.Context, res domain.Result) {
	if !res.OK() {
		r.log.Warn("briefing failed", "kind", res.Failure.Kind, "detail", res.Failure.Detail)
		return
	}
	p, ok := res.Payload.(domain.BriefingPayload)
	if !ok {
		r.log.Warn("briefing returned unexpected payload", "payload", fmt.Sprintf("%T", res.Payload))
		return
	}
	r.in.Briefing = &p
	if res.Skipped {
		return
	}

	wctx, cancel := writeContext(ctx)
	defer cancel()
	if _, err := r.svc.store.MergeBriefing(wctx, r.rec.SnapshotID, p, r.svc.policy.MinBriefingFields); err != nil {
		r.log.Error("merge briefing", "error", err)
	}
}

// settleDaily waits for the daily consolidation and stores its output
// without changing the phase.
func (r *runner) settleDaily(ctx context.Context, ch <-chan domain.Result) {
	res := <-ch
	if res.Skipped {
		return
	}
	if !res.OK() {
		r.log.Warn("daily consolidation failed", "kind", res.Failure.Kind, "detail", res.Failure.Detail)
		return
	}
	phase := r.rec.Phase
	if err := r.apply(ctx, domain.PipelineUpdate{ExpectPhase: &phase, Output: res.Payload}); err != nil {
		r.log.Warn("store daily consolidation", "error", err)
	}
}

// transition advances to target, writing out and status in the same update.
// It is a no-op when the record is already at or past target.
func (r *runner) transition(ctx context.Context, target domain.Phase, status *domain.Status, out domain.Payload) error {
	if !r.rec.Phase.Before(target) {
		return nil
	}
	from := r.rec.Phase
	u := domain.PipelineUpdate{ExpectPhase: &from, Phase: &target, Status: status, Output: out}
	if err := r.apply(ctx, u); err != nil {
		return err
	}
	pipelineTransitions.WithLabelValues(string(target)).Inc()
	r.log.Info("phase advanced", "from", from, "phase", target, "status", r.rec.Status, "version", r.rec.Version)
	return nil
}

// failStage records a stage failure. Earlier outputs stay on the record.
func (r *runner) failStage(ctx context.Context, phase domain.Phase, res domain.Result) error {
	return r.fail(ctx, phase, res.Failure.ErrorKind(), fmt.Sprintf("%s: %s", res.Kind, res.Failure.Detail))
}

func (r *runner) fail(ctx context.Context, phase domain.Phase, kind, message string) error {
	failed := domain.StatusFailed
	u := domain.PipelineUpdate{
		Status: &failed,
		Error:  &domain.PipelineError{Kind: kind, Phase: phase, Message: message},
	}
	if err := r.apply(ctx, u); err != nil {
		return err
	}
	pipelineFailures.WithLabelValues(string(phase), kind).Inc()
	r.log.Warn("pipeline failed", "phase", phase, "error_kind", kind, "message", message)
	return errHalt
}

// apply writes u and keeps the latest record. A terminal or concurrently
// changed record halts the run; the supervisor may have failed it.
func (r *runner) apply(ctx context.Context, u domain.PipelineUpdate) error {
	wctx, cancel := writeContext(ctx)
	defer cancel()
	rec, err := r.svc.store.ApplyPipeline(wctx, r.rec.SnapshotID, u)
	switch {
	case errors.Is(err, port.ErrTerminal), errors.Is(err, port.ErrPhaseConflict):
		r.log.Warn("record changed outside the run, stopping", "error", err)
		return errHalt
	case err != nil:
		return fmt.Errorf("write pipeline: %w", err)
	}
	r.rec = rec
	return nil
}

// writeContext detaches writes from run cancellation so the record never
// stays half-written when the service shuts down.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// produce returns the stored payload when one exists, otherwise invokes
// the generator under its policy with bounded retries.
func (s *PipelineService) produce(ctx context.Context, log *slog.Logger, kind domain.GeneratorKind, in port.GeneratorInput, existing domain.Payload) domain.Result {
	if existing != nil {
		generatorSkipped.WithLabelValues(string(kind)).Inc()
		log.Info("output exists, skipping generator", "kind", kind)
		return domain.Result{Kind: kind, Payload: existing, Skipped: true}
	}

	g := s.gens[kind]
	pol := s.policy.Policy(string(kind))
	for attempt := 1; ; attempt++ {
		start := time.Now()
		res := generator.Invoke(ctx, g, in, pol.Timeout)
		observeAttempt(res, time.Since(start))
		if res.OK() || !res.Failure.Retryable || attempt >= pol.Attempts() {
			observeResult(res)
			return res
		}

		backoff := pol.Backoff * time.Duration(attempt)
		log.Warn("generator failed, retrying",
			"kind", kind, "attempt", attempt, "failure", res.Failure.Kind,
			"detail", res.Failure.Detail, "backoff", backoff)
		select {
		case <-ctx.Done():
			observeResult(res)
			return res
		case <-time.After(backoff):
		}
	}
}
