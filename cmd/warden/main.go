// Warden - Signal scoring and gating for the Hearth platform.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hearth-social/warden/internal/api"
	"github.com/hearth-social/warden/internal/bus"
	"github.com/hearth-social/warden/internal/cache"
	"github.com/hearth-social/warden/internal/collector"
	"github.com/hearth-social/warden/internal/domain"
	"github.com/hearth-social/warden/internal/evaluator"
	"github.com/hearth-social/warden/internal/gate"
	"github.com/hearth-social/warden/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if os.Getenv("WARDEN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting warden",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg := domain.DefaultConfig()
	if os.Getenv("WARDEN_MODE") == "cluster" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster mode")
	}
	applyEnvOverrides(cfg)

	// Profiles are security critical and have no built-in defaults: a
	// misconfigured or missing profile file is a startup failure.
	profilesPath := os.Getenv("WARDEN_PROFILES")
	if profilesPath == "" {
		profilesPath = "./configs/profiles.json"
	}
	profiles, err := domain.LoadProfiles(profilesPath)
	if err != nil {
		slog.Error("failed to load profiles", "path", profilesPath, "error", err)
		os.Exit(1)
	}
	cfg.Profiles = profiles
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"classes", len(cfg.Profiles),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// One detector engine and one collector set per entity class.
	// Detectors load from the database; configure via POST
	// /classes/{class}/detectors - there are no hardcoded defaults.
	detectors := make(map[domain.EntityClass]*collector.DetectorEngine, len(cfg.Profiles))
	sets := make(map[domain.EntityClass]*collector.Set, len(cfg.Profiles))
	for class, profile := range cfg.Profiles {
		engine, err := collector.NewDetectorEngine()
		if err != nil {
			slog.Error("failed to create detector engine", "class", class, "error", err)
			os.Exit(1)
		}
		if err := loadDetectorsFromDatabase(ctx, repo, class, engine); err != nil {
			slog.Error("failed to load detectors", "class", class, "error", err)
			os.Exit(1)
		}

		set, err := collector.NewSet(repo, profile, engine)
		if err != nil {
			slog.Error("failed to create collector set", "class", class, "error", err)
			os.Exit(1)
		}

		detectors[class] = engine
		sets[class] = set
		slog.Info("collectors initialized",
			"class", class,
			"builtins", len(profile.Collectors),
			"detectors", engine.DetectorCount(),
		)
	}

	dispatcher := gate.NewDispatcher(repo, cacheImpl, busImpl, cfg.Profiles)
	slog.Info("gate dispatcher initialized")

	eval, err := evaluator.New(repo, cacheImpl, busImpl, cfg.Profiles, sets)
	if err != nil {
		slog.Error("failed to initialize evaluator", "error", err)
		os.Exit(1)
	}
	eval.Start()
	slog.Info("evaluator started", "classes", len(cfg.Profiles))

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, dispatcher, eval, detectors, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("warden is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the evaluator first so no run is mid-flight when the store
	// closes. An interrupted run resumes from its checkpoint on restart.
	eval.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("warden shutdown complete")
}

// applyEnvOverrides layers WARDEN_* environment variables over the base
// configuration.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("WARDEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WARDEN_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("WARDEN_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("WARDEN_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("WARDEN_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("WARDEN_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("WARDEN_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("WARDEN_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("WARDEN_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("WARDEN_NATS_TOKEN"); v != "" {
		cfg.EventBus.NATSToken = v
	}
}

// loadDetectorsFromDatabase loads a class's detector configs into its engine.
func loadDetectorsFromDatabase(ctx context.Context, repo domain.Repository, class domain.EntityClass, engine *collector.DetectorEngine) error {
	configs, err := repo.ListDetectorConfigs(ctx, class)
	if err != nil {
		slog.Warn("failed to list detectors from database", "class", class, "error", err)
		return nil // Start with none - they can be added via API
	}

	if len(configs) > 0 {
		slog.Info("loading detectors from database", "class", class, "count", len(configs))
		return engine.LoadDetectors(configs)
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🛡  WARDEN                   ║")
	fmt.Println("  ║     Signal Scoring & Gating Engine        ║")
	fmt.Println("  ║     Score first. Gate what matters.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /events                                   - Ingest a domain event")
	fmt.Println("    POST /check                                    - Gate check for an operation")
	fmt.Println("    POST /classes/{class}/entities/{id}/evaluate   - Evaluate one entity now")
	fmt.Println("    GET  /classes/{class}/entities/{id}/threat     - Get threat state")
	fmt.Println("    GET  /classes/{class}/entities/{id}/audits     - List audit records")
	fmt.Println("    GET  /classes/{class}/detectors                - List loaded detectors")
	fmt.Println("    POST /classes/{class}/detectors                - Create a detector")
	fmt.Println("    POST /classes/{class}/detectors/reload         - Hot-reload detectors")
	fmt.Println("    DELETE /classes/{class}/detectors/{id}         - Delete a detector")
	fmt.Println("    GET  /health                                   - Health check")
	fmt.Println()
}
