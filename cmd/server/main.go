/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the redemption engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config
  2. Initialize the SQLite store (or in-memory stores)
  3. Build the engine: lock coordinator, verifier, orchestrators
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config path (optional, defaults apply without it)
  -port    HTTP server port, overrides listen_addr from config
  -db      SQLite database path, overrides db_path from config
           Use ":memory:" for in-memory, or "" for pure in-memory stores

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/redemption.db"

  # Run with a config file
  ./server -config=./redemption.yaml

ENVIRONMENT:
  STRIPE_LIVE_SECRET_KEY, STRIPE_TEST_SECRET_KEY, STRIPE_SECRET_KEY,
  STRIPE_WEBHOOK_SECRET are consulted when the config leaves them empty.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbon/redemption-engine/api"
	"github.com/cbon/redemption-engine/config"
	"github.com/cbon/redemption-engine/engine"
	memstore "github.com/cbon/redemption-engine/engine/store"
	"github.com/cbon/redemption-engine/store/sqlite"
	"github.com/cbon/redemption-engine/stripe"
)

func main() {
	configPath := flag.String("config", "", "YAML config path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.ListenAddr = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	catalog, err := cfg.Catalog()
	if err != nil {
		log.Fatalf("Invalid product configuration: %v", err)
	}

	// Storage: one SQLite store backs every interface, or in-memory stores
	// when no database path is configured.
	var (
		pool      engine.PoolStore
		ledger    engine.LedgerStore
		bindings  engine.BindingStore
		directory engine.DirectoryStore
		persisted engine.ActivityLog
	)
	if cfg.DBPath != "" {
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()
		pool, ledger, bindings, directory, persisted = store, store, store, store, store
	} else {
		logger.Warn("no db_path configured, state is in-memory only")
		pool = memstore.NewPool()
		ledger = memstore.NewLedger()
		bindings = memstore.NewBindings()
		directory = memstore.NewDirectory()
		persisted = memstore.NewLog()
	}

	audit := engine.Fanout{engine.NewSlogLog(logger), persisted}
	lock := engine.NewCoordinator(cfg.LockWait())

	verifier := stripe.NewClient(cfg.Stripe.BaseURL, stripe.Keys{
		Live:     cfg.Stripe.LiveKey,
		Test:     cfg.Stripe.TestKey,
		Fallback: cfg.Stripe.FallbackKey,
	}, logger)

	redeemer := engine.NewRedeemer(pool, verifier, lock, catalog, audit)
	points := engine.NewPoints(ledger, verifier, lock, catalog, audit)
	binder := engine.NewBinder(bindings, directory, lock, audit)
	members := engine.NewDirectory(directory, ledger, lock, audit)

	handler := api.NewHandler(redeemer, points, binder, members, audit, logger)
	handler.WebhookSecret = cfg.Stripe.WebhookSecret

	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("server stopped")
}
