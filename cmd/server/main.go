// Coach intake server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/coach-intake/internal/api"
	"github.com/ashureev/coach-intake/internal/config"
	"github.com/ashureev/coach-intake/internal/dispatch"
	"github.com/ashureev/coach-intake/internal/extract"
	"github.com/ashureev/coach-intake/internal/identity"
	"github.com/ashureev/coach-intake/internal/intake"
	"github.com/ashureev/coach-intake/internal/llm"
	"github.com/ashureev/coach-intake/internal/middleware"
	"github.com/ashureev/coach-intake/internal/question"
	"github.com/ashureev/coach-intake/internal/realtime"
	"github.com/ashureev/coach-intake/internal/schema"
	"github.com/ashureev/coach-intake/internal/session"
	"github.com/ashureev/coach-intake/internal/store"
	"github.com/ashureev/coach-intake/internal/sweeper"
	"github.com/ashureev/coach-intake/internal/transcript"
	"github.com/ashureev/coach-intake/internal/trigger"
)

// model is what both the extractor and the question generator need.
type model interface {
	extract.StructuredClient
	question.TextClient
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "dispatch", cfg.Dispatch.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	schemas, err := schema.Load(schema.Options{Dir: cfg.Intake.SchemaDir, DefaultMaxTurns: cfg.Intake.DefaultMaxTurns})
	if err != nil {
		return fmt.Errorf("load slot schemas: %w", err)
	}
	slog.Info("Slot schemas loaded", "domains", schemas.Domains())

	mdl, err := newModel(ctx, cfg, logger)
	if err != nil {
		return err
	}

	transcripts, err := transcript.New(transcript.Config{
		Enabled:    cfg.Transcript.Enabled,
		Dir:        cfg.Transcript.Dir,
		GlobalPath: cfg.Transcript.GlobalPath,
		QueueSize:  cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("init transcript logger: %w", err)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript logger", "error", closeErr)
		}
	}()

	trig := trigger.New(repo, nil,
		trigger.WithLogger(logger),
		trigger.WithWorkflows(func(domainName string) string {
			s, err := schemas.Get(domainName)
			if err != nil {
				return ""
			}
			return s.Artifact.Workflow
		}),
	)

	var readiness api.ReadinessChecker
	switch cfg.Dispatch.Mode {
	case "grpc":
		g, err := dispatch.NewGRPC(dispatch.DefaultGRPCConfig(cfg.Dispatch.GRPCAddr), logger)
		if err != nil {
			return err
		}
		defer g.Close()
		trig.SetDispatcher(g)
		readiness = g
	case "temporal":
		tc, err := dispatch.DialTemporal(ctx, dispatch.TemporalConfig{
			Address:   cfg.Dispatch.TemporalAddress,
			Namespace: cfg.Dispatch.TemporalNamespace,
			TaskQueue: cfg.Dispatch.TemporalTaskQueue,
		}, logger)
		if err != nil {
			return err
		}
		defer tc.Close()
		trig.SetDispatcher(dispatch.NewTemporal(tc, cfg.Dispatch.TemporalTaskQueue, logger))
	default:
		local := dispatch.NewLocal(
			dispatch.FileGenerator(mdl, cfg.Dispatch.ResultDir),
			trig,
			dispatch.LocalConfig{
				Workers: cfg.Dispatch.LocalWorkers,
				Queue:   cfg.Dispatch.LocalQueue,
				Timeout: cfg.Dispatch.LocalTimeout,
			},
			logger,
		)
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if closeErr := local.Close(drainCtx); closeErr != nil {
				slog.Warn("Local generation did not drain", "error", closeErr)
			}
		}()
		trig.SetDispatcher(local)
	}

	engine := intake.New(intake.Deps{
		Schemas:  schemas,
		Sessions: session.NewManager(repo, schemas, session.WithLogger(logger)),
		Extractor: extract.New(mdl,
			extract.WithTimeout(cfg.LLM.ExtractTimeout),
			extract.WithPromptBuilder("workout_creator", extract.WorkoutPromptBuilder{}),
		),
		Questions:  question.NewGenerator(mdl, cfg.LLM.QuestionTimeout),
		Trigger:    trig,
		Contexts:   intake.RecentSessions{Repo: repo, Limit: cfg.Intake.RecentSessions},
		Personas:   intake.StaticPersonas{},
		Transcript: transcripts,
		Logger:     logger,
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()
	handler := api.NewHandler(engine, trig, limiter, cfg)
	healthHandler := api.NewHealthHandler(repo, schemas, readiness)
	registry := realtime.NewRegistry()
	wsHandler := realtime.NewHandler(engine, repo, registry, cfg.FrontendURL, cfg.IsDevelopment())

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public and generator-facing routes.
	healthHandler.RegisterHealth(r)
	handler.RegisterInternalRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
		r.Get("/ws/intake", wsHandler.ServeHTTP)
	})

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	sweep := sweeper.New(repo, trig, sweeper.Config{
		Interval:   cfg.Sweeper.Interval,
		StaleAfter: cfg.Sweeper.StaleAfter,
		BatchSize:  cfg.Sweeper.BatchSize,
	}, logger)
	sweep.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	<-sweep.Done()

	slog.Info("Server stopped successfully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.Storage.Backend == "memory" {
		slog.Warn("Using in-memory session store; sessions are lost on restart")
		return store.NewMemory(), nil
	}
	repo, err := store.NewSQLite(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.Storage.DBPath)
	return repo, nil
}

func newModel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (model, error) {
	if cfg.LLM.Provider == "mock" {
		slog.Warn("Using mock language model")
		return llm.Mock{}, nil
	}
	g, err := llm.NewGenAI(ctx, llm.GenAIConfig{
		APIKey:   cfg.LLM.APIKey,
		Project:  cfg.LLM.Project,
		Location: cfg.LLM.Location,
		Model:    cfg.LLM.Model,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init language model: %w", err)
	}
	return g, nil
}
