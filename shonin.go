// Package shonin is the public API for embedding the Shonin change-governance
// engine.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := shonin.New(
//	    shonin.WithVersion(version),
//	    shonin.WithLogger(logger),
//	    shonin.WithBreachNotifier(myPagerHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shonin (root) imports
// internal/*, but internal/* never imports shonin (root). Public types
// (LimitBreach) are standalone structs with no internal imports; conversion
// adapters live here because this is the only file that sees both sides of
// the boundary.
package shonin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shonin/internal/auth"
	"github.com/ashita-ai/shonin/internal/config"
	"github.com/ashita-ai/shonin/internal/health"
	"github.com/ashita-ai/shonin/internal/ledger"
	"github.com/ashita-ai/shonin/internal/mcp"
	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/policy"
	"github.com/ashita-ai/shonin/internal/proposal"
	"github.com/ashita-ai/shonin/internal/safety"
	"github.com/ashita-ai/shonin/internal/server"
	"github.com/ashita-ai/shonin/internal/storage"
	"github.com/ashita-ai/shonin/internal/storage/memory"
	"github.com/ashita-ai/shonin/internal/telemetry"
	"github.com/ashita-ai/shonin/migrations"
)

// bootstrapOperatorID is the agent_id of the operator account seeded from
// SHONIN_OPERATOR_API_KEY on startup.
const bootstrapOperatorID = "operator"

// engineStore is the full persistence surface the engine wires together.
// Implemented by internal/storage (Postgres) and internal/storage/memory.
type engineStore interface {
	ledger.Store
	proposal.Store
	policy.Store
	safety.Store
	health.Store
	server.Store
}

// App is the Shonin server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil when running on the in-memory store
	store        engineStore
	srv          *server.Server
	limiter      *safety.Limiter
	runs         *ledger.Service
	proposals    *proposal.Service
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Shonin server. It connects to storage, runs
// migrations, seeds policy, wires all subsystems, and returns a ready-to-run
// App. It does NOT start any goroutines or accept HTTP connections — call
// Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shonin starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Storage: Postgres when configured, in-memory otherwise.
	var store engineStore
	var db *storage.DB
	if cfg.DatabaseURL != "" {
		db, err = storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return fail(fmt.Errorf("migrations: %w", err))
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(ctx, extraFS); err != nil {
				db.Close()
				return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
			}
		}
		store = db
	} else {
		logger.Warn("no DATABASE_URL configured — using in-memory store, nothing survives a restart")
		store = memory.New()
	}
	closeDB := func() {
		if db != nil {
			db.Close()
		}
	}

	// Seed auto-approval rules and safety limits from the policy file.
	// Only missing entries are inserted; operator edits survive restarts.
	if err := policy.SeedFromFile(ctx, store, cfg.PolicySeedPath, logger); err != nil {
		closeDB()
		return fail(fmt.Errorf("policy seed: %w", err))
	}

	var notifier safety.Notifier
	if o.breachNotifier != nil {
		notifier = &breachNotifierAdapter{n: o.breachNotifier}
	}
	limiter, err := safety.New(ctx, store, notifier, logger)
	if err != nil {
		closeDB()
		return fail(fmt.Errorf("safety: %w", err))
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		closeDB()
		return fail(fmt.Errorf("auth: %w", err))
	}

	runs := ledger.New(store, limiter, logger)
	tracker := health.New(store, logger)
	engine := policy.New(store, logger)
	proposals := proposal.New(store, engine, limiter, runs, tracker, logger)

	mcpSrv := mcp.New(runs, proposals, limiter, tracker, logger)

	handlers := server.NewHandlers(store, jwtMgr, runs, proposals, limiter, tracker, logger, version, cfg.MaxRequestBodyBytes)
	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Handlers:     handlers,
		JWTManager:   jwtMgr,
		MCP:          mcpSrv,
		Logger:       logger,
	})

	if cfg.OperatorAPIKey != "" {
		if err := srv.Handlers().SeedOperator(ctx, bootstrapOperatorID, cfg.OperatorAPIKey); err != nil {
			closeDB()
			return fail(fmt.Errorf("operator seed: %w", err))
		}
	} else {
		logger.Warn("no SHONIN_OPERATOR_API_KEY configured — no operator account seeded")
	}

	return &App{
		cfg:          cfg,
		db:           db,
		store:        store,
		srv:          srv,
		limiter:      limiter,
		runs:         runs,
		proposals:    proposals,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background sweeps and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. Shutdown is performed
// automatically on return — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start()
	})

	g.Go(func() error {
		a.sweepLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains HTTP, closes the database pool, and flushes telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shonin shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if a.db != nil {
		a.db.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("shonin stopped")
	return nil
}

// sweepLoop periodically times out stale runs and applies run retention.
// A run swept to timed_out drags its in-progress proposal to failed so the
// state machine never wedges on a crashed executor.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		swept, err := a.runs.SweepTimedOut(ctx, a.cfg.RunTimeout)
		if err != nil {
			a.logger.Error("timeout sweep failed", "error", err)
		}
		for _, run := range swept {
			if err := a.proposals.FailForRun(ctx, run.ID, "execution run timed out"); err != nil {
				a.logger.Error("failed to fail proposal for timed-out run",
					"run_id", run.ID, "error", err)
			}
		}

		if a.cfg.RunRetention > 0 {
			if n, err := a.runs.SweepRetention(ctx, a.cfg.RunRetention); err != nil {
				a.logger.Error("retention sweep failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention sweep deleted runs", "count", n)
			}
		}
	}
}

// breachNotifierAdapter converts internal limit usage to the public
// LimitBreach type.
type breachNotifierAdapter struct {
	n BreachNotifier
}

func (a *breachNotifierAdapter) NotifyLimitBreach(ctx context.Context, usage model.LimitUsage) {
	a.n.NotifyLimitBreach(ctx, LimitBreach{
		AgentClass:  string(usage.AgentClass),
		Kind:        string(usage.Kind),
		Limit:       usage.Limit,
		Used:        usage.Used,
		WindowStart: usage.WindowStart,
		WindowEnd:   usage.WindowEnd,
	})
}
