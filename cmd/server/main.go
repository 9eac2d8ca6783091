package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/adapter/ai"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/bus"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/generator"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/geo"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/places"
	"github.com/arturoeanton/strategy-pipeline/internal/adapter/store"
	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/handler"
	"github.com/arturoeanton/strategy-pipeline/internal/logging"
	"github.com/arturoeanton/strategy-pipeline/internal/middleware"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/arturoeanton/strategy-pipeline/internal/service"
	"github.com/arturoeanton/strategy-pipeline/pkg/config"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds how long shutdown waits for running pipelines.
const drainTimeout = 30 * time.Second

func main() {
	// ── Load .env file ───────────────────────────────────────────────────
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	// ── Configuration ────────────────────────────────────────────────────
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("🚀 Starting "+cfg.AppName, "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Storage & notification bus ───────────────────────────────────────
	hub := bus.NewHub()
	var (
		st       port.Store
		listener *bus.Listener
	)
	switch cfg.Store {
	case "memory":
		st = store.NewMemoryStore(hub)
		slog.Warn("using in-memory store; state is lost on restart")
	default:
		pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "dsn", cfg.DSN(), "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		if err := store.RunMigrations(pgStore.DB()); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		st = pgStore
		listener = bus.NewListener(cfg.DatabaseURL, hub, logger.With("component", "listener"))
	}

	// ── Generators ───────────────────────────────────────────────────────
	providers := aiProviders(cfg)
	gens := buildGenerators(cfg, providers)

	// ── Services ─────────────────────────────────────────────────────────
	snapshots := service.NewSnapshotService(st, logger.With("component", "snapshots"))
	pipelines, err := service.NewPipelineService(service.PipelineDeps{
		Store:        st,
		Generators:   gens,
		Events:       hub,
		Policy:       cfg.Pipeline,
		PollInterval: cfg.SubscribePollInterval,
		Logger:       logger.With("component", "pipeline"),
	})
	if err != nil {
		slog.Error("failed to build pipeline service", "error", err)
		os.Exit(1)
	}
	supervisor := service.NewSupervisor(st, cfg.Pipeline, cfg.SupervisorInterval, logger.With("component", "supervisor"))

	// ── Fiber App ────────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:     cfg.AppName,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams stay open until the pipeline ends.
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.FrontendURL},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
	}))

	// ── Public Routes ────────────────────────────────────────────────────
	handler.NewHealthHandler(cfg.AppName, cfg.Store, hub).Register(app.Group("/api/v1"))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ── Protected Routes ─────────────────────────────────────────────────
	jwtMiddleware := middleware.JWTMiddleware(middleware.JWTConfig{
		Secret:    cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		ExpiresIn: time.Duration(cfg.JWTExpiration) * time.Hour,
	})
	api := app.Group("/api/v1", jwtMiddleware, middleware.AuditMiddleware(st, logger))

	handler.NewStrategyHandler(snapshots, pipelines, st, logger).Register(api)
	handler.NewStreamHandler(snapshots, pipelines, 0, logger).Register(api)

	// ── Start ────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("🌐 Fiber listening", "port", cfg.Port)
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	g.Go(func() error { return supervisor.Run(gctx) })
	if listener != nil {
		g.Go(func() error { return listener.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server stopped", "error", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := pipelines.Wait(drainCtx); err != nil {
		slog.Warn("pipelines still running at shutdown", "error", err)
	}
	slog.Info("shutdown complete")
}

// aiProviders builds every configured model backend keyed by provider name.
func aiProviders(cfg *config.Config) port.AIProviderRegistry {
	providers := port.AIProviderRegistry{
		"ollama": ai.NewOllamaProvider(ai.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaModel,
			Token:   cfg.OllamaToken,
		}),
	}
	if cfg.OpenAIKey != "" {
		openAI, err := ai.NewOpenAIProvider(ai.OpenAIConfig{
			APIKey:  cfg.OpenAIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})
		if err != nil {
			slog.Warn("openai provider disabled", "error", err)
		} else {
			providers["openai"] = openAI
		}
	}
	return providers
}

// buildGenerators wires one generator per kind, each behind its policy's
// rate limit.
func buildGenerators(cfg *config.Config, providers port.AIProviderRegistry) port.GeneratorRegistry {
	pick := func(kind domain.GeneratorKind) port.AIProvider {
		name := cfg.Pipeline.Policy(string(kind)).Provider
		if p, ok := providers[name]; ok {
			return p
		}
		if name != "" {
			slog.Warn("unknown AI provider, using ollama", "kind", kind, "provider", name)
		}
		return providers["ollama"]
	}

	var lookup port.PlaceLookup = places.Passthrough{}
	if cfg.GooglePlacesKey != "" {
		lookup = places.NewGoogleLookup(cfg.GooglePlacesKey, "")
	}

	var verifierAI port.AIProvider
	if pol := cfg.Pipeline.Policy(string(domain.KindVerifier)); pol.Provider != "" {
		verifierAI = pick(domain.KindVerifier)
	}

	base := []port.Generator{
		generator.NewBriefing(pick(domain.KindBriefing)),
		generator.NewImmediate(pick(domain.KindImmediate)),
		generator.NewDaily(pick(domain.KindDaily)),
		generator.NewVenuePlanner(pick(domain.KindVenuePlanner)),
		generator.NewRouting(geo.NewEstimator()),
		generator.NewPlaces(lookup),
		generator.NewVerifier(generator.VerifierRules{
			MinVenues:         cfg.Pipeline.MinVenues,
			MinReasoningWords: cfg.Pipeline.MinReasoningWords,
		}, verifierAI),
	}

	gens := make([]port.Generator, 0, len(base))
	for _, g := range base {
		pol := cfg.Pipeline.Policy(string(g.Kind()))
		gens = append(gens, generator.RateLimited(g, pol.RatePerSecond, pol.Burst))
	}
	return port.NewGeneratorRegistry(gens...)
}
