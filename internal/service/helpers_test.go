package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/adapter/generator"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/geo"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/places"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/store"
	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/arturoeanton/strategy-pipeline/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

const owner = "driver-a"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// counting wraps a generator and counts invocations.
type counting struct {
	port.Generator
	calls atomic.Int32
}

func (c *counting) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	c.calls.Add(1)
	return c.Generator.Generate(ctx, in)
}

type funcGen struct {
	kind domain.GeneratorKind
	fn   func(ctx context.Context, in port.GeneratorInput) (domain.Payload, error)
}

func (g funcGen) Kind() domain.GeneratorKind { return g.kind }
func (g funcGen) Generate(ctx context.Context, in port.GeneratorInput) (domain.Payload, error) {
	return g.fn(ctx, in)
}

func fixed(kind domain.GeneratorKind, p domain.Payload) funcGen {
	return funcGen{kind: kind, fn: func(context.Context, port.GeneratorInput) (domain.Payload, error) { return p, nil }}
}

func failing(kind domain.GeneratorKind, err error) funcGen {
	return funcGen{kind: kind, fn: func(context.Context, port.GeneratorInput) (domain.Payload, error) { return nil, err }}
}

// blocking waits for release (or the call's deadline) before returning p.
func blocking(kind domain.GeneratorKind, release <-chan struct{}, p domain.Payload) funcGen {
	return funcGen{kind: kind, fn: func(ctx context.Context, _ port.GeneratorInput) (domain.Payload, error) {
		select {
		case <-release:
			return p, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func f64(v float64) *float64 { return &v }

func samplePlan() domain.VenuePlanPayload {
	why := strings.Repeat("concert crowd leaving around nine with surge pricing likely ", 2)
	plan := domain.VenuePlanPayload{StagingArea: &domain.StagingArea{Name: "Lot B", Address: "1 Main St", Reasoning: "central"}}
	for i, name := range []string{"Arena", "Convention Center", "Deep Ellum", "Union Station"} {
		plan.Venues = append(plan.Venues, domain.Venue{
			Name: name, Address: fmt.Sprintf("%d Main St", 100+i), Category: "venue",
			Lat: f64(32.78 + float64(i)*0.01), Lng: f64(-96.80), Reasoning: why,
		})
	}
	return plan
}

type harness struct {
	t     *testing.T
	store *store.MemoryStore
	svc   *PipelineService
	gens  map[domain.GeneratorKind]*counting
}

// newHarness builds a service over the memory store with a fast policy.
func newHarness(t *testing.T, overrides ...port.Generator) *harness {
	t.Helper()
	return buildHarness(t, testPolicy(), nil, nil, overrides...)
}

// buildHarness wires the service. Generators default to well-behaved
// doubles; overrides replace them by kind.
func buildHarness(t *testing.T, policy config.Pipeline, pub port.EventPublisher, events port.EventSource, overrides ...port.Generator) *harness {
	t.Helper()
	defaults := map[domain.GeneratorKind]port.Generator{
		domain.KindBriefing: fixed(domain.KindBriefing, domain.BriefingPayload{
			Weather: json.RawMessage(`{"temp_f":80}`), Traffic: json.RawMessage(`"heavy"`),
			Events: json.RawMessage(`["game"]`), Airport: json.RawMessage(`{"delays":0}`),
		}),
		domain.KindImmediate:    fixed(domain.KindImmediate, domain.ImmediatePayload{Strategy: "work the arena"}),
		domain.KindDaily:        fixed(domain.KindDaily, domain.DailyPayload{Consolidated: "evening plan"}),
		domain.KindVenuePlanner: fixed(domain.KindVenuePlanner, samplePlan()),
		domain.KindRouting:      generator.NewRouting(geo.NewEstimator()),
		domain.KindPlaces:       generator.NewPlaces(places.Passthrough{}),
		domain.KindVerifier:     generator.NewVerifier(generator.VerifierRules{MinVenues: 4, MinReasoningWords: 15}, nil),
	}
	for _, g := range overrides {
		defaults[g.Kind()] = g
	}

	h := &harness{t: t, gens: make(map[domain.GeneratorKind]*counting)}
	var list []port.Generator
	for kind, g := range defaults {
		c := &counting{Generator: g}
		h.gens[kind] = c
		list = append(list, c)
	}

	h.store = store.NewMemoryStore(pub)
	svc, err := NewPipelineService(PipelineDeps{
		Store:        h.store,
		Generators:   port.NewGeneratorRegistry(list...),
		Events:       events,
		Policy:       policy,
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func testPolicy() config.Pipeline {
	p := config.DefaultPipeline()
	for kind, pol := range p.Policies {
		pol.Timeout = time.Second
		pol.Backoff = time.Millisecond
		p.Policies[kind] = pol
	}
	return p
}

func (h *harness) snapshot(id string) *domain.Snapshot {
	h.t.Helper()
	snap := &domain.Snapshot{
		ID: id, UserID: owner, Lat: 32.7767, Lng: -96.7970,
		FormattedAddress: "Downtown Dallas", City: "Dallas", State: "TX", Timezone: "America/Chicago",
		MarketID: "dfw", LocalTime: time.Date(2026, 10, 14, 17, 0, 0, 0, time.UTC), DayOfWeek: "Wednesday", Hour: 17,
		Weather: json.RawMessage(`{"temp_f":80}`), AirQuality: json.RawMessage(`{"aqi":30}`),
	}
	created, err := h.store.CreateSnapshot(context.Background(), snap)
	require.NoError(h.t, err)
	return created
}

func (h *harness) calls(kind domain.GeneratorKind) int {
	return int(h.gens[kind].calls.Load())
}

func (h *harness) wait() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.svc.Wait(ctx))
}

func (h *harness) record(id string) *domain.PipelineRecord {
	h.t.Helper()
	rec, err := h.store.GetPipeline(context.Background(), id)
	require.NoError(h.t, err)
	return rec
}

var errUpstream = errors.New("upstream 503")

// counterValue reads one series of a counter vector.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}
