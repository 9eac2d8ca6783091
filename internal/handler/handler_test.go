package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/adapter/generator"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/geo"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/places"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/store"
	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/middleware"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/arturoeanton/strategy-pipeline/internal/service"
	"github.com/arturoeanton/strategy-pipeline/pkg/config"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jwtCfg = middleware.JWTConfig{Secret: "test", Issuer: "strategy-pipeline", ExpiresIn: time.Hour}

type stubGen struct {
	kind domain.GeneratorKind
	out  domain.Payload
}

func (g stubGen) Kind() domain.GeneratorKind { return g.kind }
func (g stubGen) Generate(context.Context, port.GeneratorInput) (domain.Payload, error) {
	return g.out, nil
}

func plan() domain.VenuePlanPayload {
	why := "stadium lets out at ten and the rideshare lot fills quickly so stage two blocks north to catch riders"
	p := domain.VenuePlanPayload{StagingArea: &domain.StagingArea{Name: "Lot B"}}
	for i := 0; i < 4; i++ {
		lat, lng := 32.78+float64(i)*0.01, -96.8
		p.Venues = append(p.Venues, domain.Venue{
			Name: fmt.Sprintf("Venue %d", i), Address: "Main St", Category: "bar",
			Lat: &lat, Lng: &lng, Reasoning: why,
		})
	}
	return p
}

type testServer struct {
	app       *fiber.App
	pipelines *service.PipelineService
	store     *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore(nil)

	policy := config.DefaultPipeline()
	for kind, pol := range policy.Policies {
		pol.Timeout, pol.Backoff = time.Second, time.Millisecond
		policy.Policies[kind] = pol
	}
	gens := port.NewGeneratorRegistry(
		stubGen{domain.KindBriefing, domain.BriefingPayload{Weather: json.RawMessage(`1`), Traffic: json.RawMessage(`2`), News: json.RawMessage(`3`)}},
		stubGen{domain.KindImmediate, domain.ImmediatePayload{Strategy: "go north"}},
		stubGen{domain.KindDaily, domain.DailyPayload{Consolidated: "all day"}},
		stubGen{domain.KindVenuePlanner, plan()},
		generator.NewRouting(geo.NewEstimator()),
		generator.NewPlaces(places.Passthrough{}),
		generator.NewVerifier(generator.VerifierRules{MinVenues: 4, MinReasoningWords: 15}, nil),
	)
	pipelines, err := service.NewPipelineService(service.PipelineDeps{
		Store: s, Generators: gens, Policy: policy, PollInterval: 10 * time.Millisecond, Logger: logger,
	})
	require.NoError(t, err)
	snapshots := service.NewSnapshotService(s, logger)

	app := fiber.New()
	api := app.Group("/api/v1", middleware.JWTMiddleware(jwtCfg))
	NewStrategyHandler(snapshots, pipelines, s, logger).Register(api)
	NewStreamHandler(snapshots, pipelines, 5*time.Second, logger).Register(api)
	return &testServer{app: app, pipelines: pipelines, store: s}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := middleware.IssueToken(domain.UserContext{UserID: user}, jwtCfg, time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (ts *testServer) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.pipelines.Wait(ctx))
}

func location() map[string]any {
	return map[string]any{
		"lat": 32.7767, "lng": -96.797,
		"formatted_address": "Downtown Dallas", "city": "Dallas", "state": "TX",
		"timezone": "America/Chicago", "market_id": "dfw",
		"weather": map[string]any{"temp_f": 80}, "air_quality": map[string]any{"aqi": 30},
	}
}

func (ts *testServer) createSnapshot(t *testing.T, user string) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/snapshots", user, location())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	return snap.ID
}

func TestPipelineLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSnapshot(t, "driver-a")

	resp, body := ts.do(t, http.MethodPost, "/api/v1/pipelines/"+id+"/start", "driver-a", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var acc service.Accepted
	require.NoError(t, json.Unmarshal(body, &acc))
	assert.Equal(t, []domain.GeneratorKind{domain.KindBriefing, domain.KindImmediate}, acc.Kicked)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/pipelines/"+id+"/start", "driver-a", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ts.wait(t)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/pipelines/"+id, "driver-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Status   domain.Status    `json:"status"`
		Phase    domain.Phase     `json:"phase"`
		Progress service.Progress `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, domain.StatusOK, view.Status)
	assert.Equal(t, domain.PhaseComplete, view.Phase)
	assert.Equal(t, 100, view.Progress.Percent)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/briefings/"+id, "driver-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ready":true`)

	actions := map[string]bool{}
	for _, a := range ts.store.AuditLogs() {
		actions[a.Action] = true
	}
	assert.True(t, actions[domain.AuditActionSnapshot])
	assert.True(t, actions[domain.AuditActionPipelineStart])
}

func TestForeignSnapshotsAreNotFound(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSnapshot(t, "driver-a")

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/pipelines/" + id + "/start"},
		{http.MethodGet, "/api/v1/pipelines/" + id},
		{http.MethodGet, "/api/v1/pipelines/" + id + "/stream"},
		{http.MethodGet, "/api/v1/briefings/" + id},
	} {
		resp, _ := ts.do(t, tc.method, tc.path, "driver-b", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
	}

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/pipelines/"+id, "driver-a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "not started")
}

func TestCreateSnapshotValidation(t *testing.T) {
	ts := newTestServer(t)

	in := location()
	delete(in, "lat")
	resp, body := ts.do(t, http.MethodPost, "/api/v1/snapshots", "driver-a", in)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "location unresolved")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/snapshots", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	token, err := middleware.IssueToken(domain.UserContext{UserID: "driver-a"}, jwtCfg, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	raw, err := ts.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/snapshots", "", location())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamSendsRecordEvents(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSnapshot(t, "driver-a")
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/pipelines/"+id+"/start", "driver-a", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.wait(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/pipelines/"+id+"/stream", "driver-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "event: record\n")
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Contains(t, string(body), `"percent":100`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", port.ErrNotVisible)))
	assert.Equal(t, http.StatusConflict, statusFor(port.ErrAlreadyRunning))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(port.ErrLocationUnresolved))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("db down")))
}

type fixedCount int

func (n fixedCount) Subscribers() int { return int(n) }

func TestHealthReportsSubscribers(t *testing.T) {
	app := fiber.New()
	NewHealthHandler("Strategy Pipeline", "memory", fixedCount(3)).Register(app.Group("/api/v1"))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Store       string `json:"store"`
		Subscribers int    `json:"subscribers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "memory", body.Store)
	assert.Equal(t, 3, body.Subscribers)
}
