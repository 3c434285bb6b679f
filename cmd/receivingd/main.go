// Command receivingd runs the receiving ingestion service: HTTP API,
// extraction worker pool, and idle-session sweeper in one process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/harborline/receiving/pkg/admission"
	"github.com/harborline/receiving/pkg/api"
	"github.com/harborline/receiving/pkg/artifact"
	"github.com/harborline/receiving/pkg/audit"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/blob"
	"github.com/harborline/receiving/pkg/catalog"
	"github.com/harborline/receiving/pkg/commitment"
	"github.com/harborline/receiving/pkg/config"
	"github.com/harborline/receiving/pkg/costplan"
	"github.com/harborline/receiving/pkg/finance"
	"github.com/harborline/receiving/pkg/label"
	"github.com/harborline/receiving/pkg/metering"
	"github.com/harborline/receiving/pkg/normalize"
	"github.com/harborline/receiving/pkg/observability"
	"github.com/harborline/receiving/pkg/ocr"
	"github.com/harborline/receiving/pkg/pipeline"
	"github.com/harborline/receiving/pkg/quota"
	"github.com/harborline/receiving/pkg/reconcile"
	"github.com/harborline/receiving/pkg/session"

	_ "github.com/lib/pq" // postgres driver
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	profile := loadProfile(cfg)
	log.Printf("[receivingd] profile: %s", profile.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "receiving",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// Storage
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}
	defer func() { _ = db.Close() }()

	artifacts := artifact.NewPostgresStore(db)
	if err := artifacts.Init(ctx); err != nil {
		log.Fatalf("Failed to init artifact store: %v", err)
	}
	sessions := session.NewPostgresStore(db)
	if err := sessions.Init(ctx); err != nil {
		log.Fatalf("Failed to init session store: %v", err)
	}
	auditStore := audit.NewPostgresStore(db)
	if err := auditStore.Init(ctx); err != nil {
		log.Fatalf("Failed to init audit store: %v", err)
	}
	parts := catalog.NewPostgresCatalog(db)
	if err := parts.Init(ctx); err != nil {
		log.Fatalf("Failed to init catalog: %v", err)
	}
	labels := label.NewPostgresStore(db)
	if err := labels.Init(ctx); err != nil {
		log.Fatalf("Failed to init label store: %v", err)
	}
	meter := metering.NewPostgresMeter(db)
	if err := meter.Init(ctx); err != nil {
		log.Fatalf("Failed to init metering: %v", err)
	}
	log.Println("[receivingd] postgres stores: ready")

	blobs, err := blob.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to init blob store: %v", err)
	}

	// Quota counter
	var counter quota.Counter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		counter = quota.NewRedisCounter(redis.NewClient(opts), 2*profile.Admission.Window.Span)
		log.Println("[receivingd] quota: redis")
	} else {
		counter = quota.NewMemoryCounter()
		log.Println("[receivingd] quota: in-memory (single node only)")
	}

	admitter := admission.NewController(profile.Admission, artifacts, counter)

	// OCR registry
	var policy ocr.Policy
	if profile.OCR.Policy != "" {
		policy, err = ocr.NewCELPolicy(profile.OCR.Policy)
		if err != nil {
			log.Fatalf("Failed to compile OCR policy: %v", err)
		}
	}
	registry := ocr.NewRegistry(profile.OCR.AvailableMiB, profile.OCR.ConfidenceFloor, policy)
	registerEngines(registry)

	// Cost planning and normalisation
	planner := costplan.NewPlanner(profile.Caps, profile.Prices)
	tiers := profile.LLMTiers
	if len(tiers) == 0 {
		tiers = map[string]string{
			costplan.ModelMini:   "gpt-4o-mini",
			costplan.ModelStrong: "gpt-4o",
		}
	}
	llmClient := normalize.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, tiers, profile.Prices)
	normaliser := normalize.NewNormaliser(llmClient, logger)

	reconciler := reconcile.NewReconciler(parts)

	sessionSvc := session.NewService(sessions, auditStore, logger)
	engine := commitment.NewPostgresEngine(db, sessions, auditStore, logger)
	if err := engine.Init(ctx); err != nil {
		log.Fatalf("Failed to init commit engine: %v", err)
	}

	budget := finance.NewPostgresTracker(db)
	if err := budget.Init(ctx); err != nil {
		log.Fatalf("Failed to init budget tracker: %v", err)
	}

	orch := pipeline.New(profile.Pipeline, pipeline.Deps{
		Admitter:   admitter,
		Artifacts:  artifacts,
		Blobs:      blobs,
		Sessions:   sessions,
		SessionSvc: sessionSvc,
		Registry:   registry,
		Planner:    planner,
		Normaliser: normaliser,
		Reconciler: reconciler,
		Labels:     labels,
		Audit:      auditStore,
		Meter:      meter,
		Budget:     budget,
		Log:        logger,
	})
	orch.Start(ctx)
	defer orch.Stop()

	// HTTP API
	parser := newTokenParser()
	server := api.NewServer(orch, sessionSvc, engine, auditStore, meter, logger)

	var handler http.Handler = server.Routes()
	handler = api.Auth(parser)(handler)
	handler = api.NewGlobalRateLimiter(100, 200).Middleware(handler)
	handler = api.RequestID(handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[receivingd] listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	go runHealthServer()

	<-ctx.Done()
	log.Println("[receivingd] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[receivingd] http shutdown: %v", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadProfile(cfg *config.Config) *config.Profile {
	if cfg.ProfilePath == "" {
		return config.DefaultProfile()
	}
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		log.Fatalf("Failed to load profile: %v", err)
	}
	return profile
}

func envName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

// registerEngines wires the OCR sidecars named in the environment:
// OCR_PRIMARY_URL is the default tesseract sidecar, OCR_PREMIUM_URL an
// optional higher-accuracy hosted service.
func registerEngines(registry *ocr.Registry) {
	if url := os.Getenv("OCR_PRIMARY_URL"); url != "" {
		registry.Register(ocr.NewHTTPEngine(ocr.Capabilities{
			EngineID:          "tesseract-sidecar",
			AccuracyTier:      1,
			MemoryEnvelopeMiB: 512,
			TypicalLatencyMS:  2000,
			CostPerPage:       0,
			SupportsPDFRaster: true,
			Enabled:           true,
		}, url))
		log.Println("[receivingd] ocr engine: tesseract-sidecar")
	}
	if url := os.Getenv("OCR_PREMIUM_URL"); url != "" {
		registry.Register(ocr.NewHTTPEngine(ocr.Capabilities{
			EngineID:          "hosted-premium",
			AccuracyTier:      3,
			MemoryEnvelopeMiB: 64,
			TypicalLatencyMS:  4000,
			CostPerPage:       0.002,
			SupportsPDFRaster: true,
			Enabled:           true,
		}, url))
		log.Println("[receivingd] ocr engine: hosted-premium")
	}
}

// newTokenParser builds the bearer-token validator from JWT_SECRET. Fails
// closed when the secret is missing.
func newTokenParser() *authctx.TokenParser {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Println("[receivingd] WARNING: JWT_SECRET unset, all requests will be rejected")
		return authctx.NewTokenParser(nil)
	}
	return authctx.NewTokenParser(func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
}

func runHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	log.Println("[receivingd] health server: :8081")
	srv := &http.Server{Addr: ":8081", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Printf("[receivingd] health server error: %v", err)
	}
}
