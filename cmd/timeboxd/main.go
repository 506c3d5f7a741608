// timeboxd is the conversational day-planning engine's process entrypoint:
// it wires the Durable Constraint Store, Calendar Capability, LLM
// Extractors, Patcher, and Session Controller together behind a gin HTTP
// API (the External Interface Layer).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/fateforger/timeboxd/pkg/api"
	"github.com/fateforger/timeboxd/pkg/calendar"
	"github.com/fateforger/timeboxd/pkg/cleanup"
	"github.com/fateforger/timeboxd/pkg/config"
	"github.com/fateforger/timeboxd/pkg/constraint"
	"github.com/fateforger/timeboxd/pkg/extract"
	"github.com/fateforger/timeboxd/pkg/patcher"
	"github.com/fateforger/timeboxd/pkg/retriever"
	"github.com/fateforger/timeboxd/pkg/session"
	"github.com/fateforger/timeboxd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	ctx := context.Background()

	store, closeStore := buildConstraintStore(ctx, cfg)
	if closeStore != nil {
		defer closeStore()
	}

	cap := calendar.NewMCPCapability(cfg.Calendar)

	defaultModel, ok := cfg.ModelFor("default")
	if !ok {
		log.Fatalf("configuration missing models.default")
	}
	apiKeyEnv := defaultModel.APIKeyEnv
	if apiKeyEnv == "" {
		apiKeyEnv = "ANTHROPIC_API_KEY"
	}
	completer := extract.NewAnthropicCompleter(defaultModel, os.Getenv(apiKeyEnv))
	extractor := extract.New(completer)

	pat := patcher.New(extractor, cfg.Patcher.MaxAttempts)

	retr := retriever.New(cfg.Retriever.MaxTypeIDs, cfg.Retriever.QueryLimit)
	prefetch := session.NewPrefetchCoordinator(cap, store, retr, cfg.Concurrency, cfg.Timeouts)
	controller := session.NewController(extractor, pat, cap, prefetch, cfg)
	manager := session.NewManager()

	observer := api.NewObserver(cfg.Observer.Endpoint, cfg.Observer.WriteTimeout)
	defer observer.Close()

	reaper := cleanup.NewService(cfg.Retention, manager, store)
	reaper.Start(ctx)
	defer reaper.Stop()

	server := api.NewServer(manager, controller, extractor, observer)

	router := gin.Default()
	server.Routes(router)

	slog.Info("timeboxd starting", "version", version.Full(), "port", httpPort, "config_dir", *configDir, "store_backend", cfg.Store.Backend)
	if err := router.Run(":" + httpPort); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// buildConstraintStore selects a Durable Constraint Store backend per
// config.StoreConfig.Backend. Only BackendOther (Postgres, built
// in-process) is a real implementation here — notion and mem0 are external
// collaborators with no retrieved client library, so they fall back to
// MemStore with a loud warning rather than a fabricated client.
func buildConstraintStore(ctx context.Context, cfg *config.Config) (constraint.Store, func()) {
	switch cfg.Store.Backend {
	case config.BackendOther:
		pg, err := constraint.NewPGStore(ctx, cfg.Store)
		if err != nil {
			log.Fatalf("failed to open durable constraint store: %v", err)
		}
		return pg, pg.Close
	default:
		slog.Warn("constraint store backend has no in-process client; using an in-memory store",
			"backend", cfg.Store.Backend)
		return constraint.NewMemStore(nil), nil
	}
}
