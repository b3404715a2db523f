package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/api"
	"github.com/arbiter-labs/arbiter/pkg/authz"
	"github.com/arbiter-labs/arbiter/pkg/config"
	"github.com/arbiter-labs/arbiter/pkg/council"
	"github.com/arbiter-labs/arbiter/pkg/hitl"
	"github.com/arbiter-labs/arbiter/pkg/killswitch"
	"github.com/arbiter-labs/arbiter/pkg/observability"
	"github.com/arbiter-labs/arbiter/pkg/observer"
	"github.com/arbiter-labs/arbiter/pkg/pipeline"
	"github.com/arbiter-labs/arbiter/pkg/registry"
	"github.com/arbiter-labs/arbiter/pkg/signals"
	"github.com/arbiter-labs/arbiter/pkg/trust"
	"github.com/arbiter-labs/arbiter/pkg/webhooks"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver for lite mode
)

const version = "1.0.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "verify-chain":
		return runVerifyChainCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "arbiter %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Arbiter %s - agent governance and authorization\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  arbiter <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server        Run the governance server (default)")
	fmt.Fprintln(w, "  health        Check server health (HTTP)")
	fmt.Fprintln(w, "  verify-chain  Verify observer log chain integrity (--from, --to, --json)")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w, "  help          Show this help")
	fmt.Fprintln(w, "")
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openEventStore picks the observer store backend: postgres when
// DATABASE_URL is set, an on-disk sqlite file otherwise.
func openEventStore(ctx context.Context, cfg *config.Config) (observer.Store, *sql.DB, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		store, err := observer.NewPostgresStore(db)
		if err != nil {
			return nil, nil, err
		}
		log.Println("[arbiter] postgres: connected")
		return store, db, nil
	}

	if err := os.MkdirAll("data", 0o755); err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite", "data/arbiter.db")
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := observer.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	log.Println("[arbiter] lite mode: sqlite at data/arbiter.db")
	return store, db, nil
}

//nolint:gocognit
func runServer() {
	ctx := context.Background()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	otelProvider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "arbiter",
		ServiceVersion: version,
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTLP_INSECURE") == "true",
	})
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	eventStore, db, err := openEventStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open event store: %v", err)
	}

	signingKey := []byte(cfg.SigningKey)
	obsLog := observer.NewLog(eventStore, signingKey, observer.WithLogger(logger))

	// Identity and trust stores. Agent identity rides the database when
	// one is configured; profile state is in-process either way and is
	// rebuilt from proof batches.
	var (
		agents registry.AgentStore
		keys   registry.APIKeyStore
	)
	if cfg.DatabaseURL != "" {
		pgAgents := registry.NewPostgresAgentStore(db)
		if err := pgAgents.Init(ctx); err != nil {
			log.Fatalf("Failed to init agent store: %v", err)
		}
		agents = pgAgents
		keys = registry.NewPostgresAPIKeyStore(db)
	} else {
		agents = registry.NewMemoryAgentStore()
		keys = registry.NewMemoryAPIKeyStore()
	}
	profiles := trust.NewMemoryProfileStore()
	proofs := trust.NewMemoryProofStore()
	log.Println("[arbiter] registry: ready")

	registrar := registry.NewRegistrar(agents, keys, profiles, obsLog, registry.WithLogger(logger))

	webhookQueue := webhooks.NewQueue(agents, signingKey, webhooks.WithLogger(logger))
	go webhookQueue.Run(ctx, 5*time.Second)

	trustEngine := trust.NewEngine(profiles, proofs, obsLog, signingKey,
		trust.WithWebhooks(webhookQueue),
		trust.WithLogger(logger))

	reviews := hitl.NewManager(obsLog)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := reviews.CheckTimeouts(ctx); err != nil {
				logger.Error("review timeout sweep failed", "error", err)
			}
		}
	}()

	councilOrch := council.NewOrchestrator(council.DefaultRoster(2), obsLog,
		council.WithReviews(reviews),
		council.WithLogger(logger))

	kill := killswitch.New(agents, profiles, obsLog)
	machine := pipeline.NewMachine(agents, obsLog)
	detector := observer.NewDetector(obsLog, observer.NewMemoryAnomalyStore())

	hub := signals.NewHub(obsLog)
	go hub.Run(ctx, time.Second)

	// Authorization engine: kill switch as guard, CEL policy sets as
	// pre-hooks, decisions mirrored into the observer log.
	engineOpts := []authz.Option{
		authz.WithGuard(kill),
		authz.WithLogger(logger),
	}
	var policyHooks []*authz.CELPolicyHook
	if cfg.PolicyDir != "" {
		sets, err := config.LoadPolicySets(cfg.PolicyDir)
		if err != nil {
			log.Fatalf("Failed to load policy sets: %v", err)
		}
		ids := make([]string, 0, len(sets))
		for _, set := range sets {
			hook, err := set.Hook()
			if err != nil {
				log.Fatalf("Policy set %s: %v", set.ID, err)
			}
			policyHooks = append(policyHooks, hook)
			ids = append(ids, set.ID)
		}
		if len(ids) > 0 {
			engineOpts = append(engineOpts, authz.WithPolicySetID(strings.Join(ids, ",")))
			log.Printf("[arbiter] policy sets: %s", strings.Join(ids, ", "))
		}
	}
	engine := authz.NewEngine(api.ProfileProvider{Store: profiles}, engineOpts...)
	for _, hook := range policyHooks {
		engine.RegisterPreHook(hook)
	}
	engine.RegisterPostHook(api.ObserverRecordHook(obsLog))

	serverOpts := []api.ServerOption{
		api.WithAgents(agents),
		api.WithTokens(registry.NewTokenIssuer([]byte(cfg.JWTKey), cfg.SessionTTL)),
		api.WithCouncil(councilOrch),
		api.WithPipeline(machine),
		api.WithDetector(detector),
		api.WithServerLogger(logger),
		api.WithProofRate(cfg.AgentRPM, cfg.AgentBurst),
	}
	if cfg.RedisAddr != "" {
		serverOpts = append(serverOpts, api.WithLimiter(
			api.NewRedisLimiterStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), cfg.RedisDB)))
		log.Printf("[arbiter] redis limiter: %s", cfg.RedisAddr)
	}
	server := api.NewServer(registrar, engine, trustEngine, profiles, reviews, kill, obsLog, serverOpts...)

	handler := otelProvider.Middleware(server.Handler(cfg.RequestsPerSecond, cfg.RequestBurst))
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[arbiter] ready: http://localhost:%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[arbiter] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = otelProvider.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runHealthCmd(out, errOut io.Writer) int {
	port := envOr("PORT", "8080")
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
