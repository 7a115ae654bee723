package compose

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/audit"
	"github.com/shaleyeah/toolkernel/pkg/authz"
	"github.com/shaleyeah/toolkernel/pkg/bundles"
	"github.com/shaleyeah/toolkernel/pkg/config"
	"github.com/shaleyeah/toolkernel/pkg/confirm"
	"github.com/shaleyeah/toolkernel/pkg/executor"
	"github.com/shaleyeah/toolkernel/pkg/middleware"
	"github.com/shaleyeah/toolkernel/pkg/observability"
	"github.com/shaleyeah/toolkernel/pkg/registry"
	"github.com/shaleyeah/toolkernel/pkg/resilience"
	"github.com/shaleyeah/toolkernel/pkg/session"
	"github.com/shaleyeah/toolkernel/pkg/toolclient"
)

// Bootstrap builds a Kernel from configuration. SQL drivers must be
// registered by the caller ("sqlite" and "postgres").
func Bootstrap(ctx context.Context, cfg *config.Config) (*Kernel, error) {
	return BootstrapWith(ctx, cfg, nil)
}

// BootstrapWith is Bootstrap with an explicit invoker. A nil invoker routes
// TOOL_ENDPOINTS over HTTP and everything else to the echo backend.
func BootstrapWith(ctx context.Context, cfg *config.Config, invoker toolclient.Invoker) (*Kernel, error) {
	logger := slog.Default().With("component", "bootstrap")
	var closers []func() error
	fail := func(err error) (*Kernel, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return fail(err)
	}

	conditions, err := bundles.NewConditions()
	if err != nil {
		return fail(fmt.Errorf("conditions: %w", err))
	}
	catalog, err := buildBundles(cfg, reg, conditions)
	if err != nil {
		return fail(err)
	}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}
	sessions := session.NewManager(store, cfg.AuthEnabled, cfg.SessionTTL)

	auditLog, closeAudit, err := buildAudit(cfg)
	if err != nil {
		return fail(err)
	}
	if closeAudit != nil {
		closers = append(closers, closeAudit)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.SampleRate = cfg.OTelSampleRate
	obsCfg.Environment = cfg.Environment
	obsCfg.Insecure = cfg.Environment == "development"
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fail(fmt.Errorf("observability: %w", err))
	}
	closers = append(closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(shutdownCtx)
	})

	if invoker == nil {
		invoker, err = buildInvoker(cfg)
		if err != nil {
			return fail(err)
		}
	}

	policy := resilience.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries

	pipeline := middleware.New(middleware.Config{
		Registry:      reg,
		Invoker:       invoker,
		Authz:         authz.NewEngine(cfg.AuthEnabled),
		Retrier:       resilience.NewRetrier(policy, resilience.NewClassifier(cfg.RetryBackoff())),
		Throttle:      resilience.NewThrottle(cfg.ServerRPS, cfg.ServerBurst),
		Audit:         auditLog,
		Redactor:      audit.NewRedactor(),
		Observability: obs,
	})

	// The gate always exists; CONFIRM_COMMANDS only decides whether
	// commands are staged by default.
	gate := confirm.NewManager(cfg.ConfirmTTL)

	engine := executor.New(executor.Config{
		Pipeline:        pipeline,
		Registry:        reg,
		Sessions:        sessions,
		Confirm:         gate,
		Bundles:         catalog,
		Conditions:      conditions,
		ConfirmCommands: cfg.ConfirmCommands,
		MaxParallel:     cfg.MaxParallel,
		CallTimeout:     cfg.CallTimeout(),
		Tracer:          obs.Tracer(),
	})

	k := New(Options{
		Registry:    reg,
		Sessions:    sessions,
		Engine:      engine,
		Confirm:     gate,
		Health:      obs.Health(),
		AuthEnabled: cfg.AuthEnabled,
	})
	k.closers = closers
	logger.Info("kernel ready",
		"servers", len(reg.Servers()),
		"bundles", len(catalog.List()),
		"session_store", cfg.SessionStore,
		"auth_enabled", cfg.AuthEnabled,
		"confirm_commands", cfg.ConfirmCommands,
	)
	return k, nil
}

func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	if err := reg.RegisterAll(registry.DefaultCatalog()); err != nil {
		return nil, fmt.Errorf("register default catalog: %w", err)
	}
	if cfg.CatalogPath != "" {
		extra, err := registry.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterAll(extra); err != nil {
			return nil, fmt.Errorf("register %s: %w", cfg.CatalogPath, err)
		}
	}
	return reg, nil
}

func buildBundles(cfg *config.Config, reg *registry.Registry, cond *bundles.Conditions) (*bundles.Catalog, error) {
	all := bundles.Builtins()
	if cfg.BundlesPath != "" {
		extra, err := bundles.LoadFile(cfg.BundlesPath)
		if err != nil {
			return nil, err
		}
		all = append(all, extra...)
	}
	catalog := bundles.NewCatalog()
	for _, b := range all {
		if err := bundles.Validate(b, reg, cond); err != nil {
			return nil, err
		}
		if err := catalog.Add(b); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (session.ResultStore, func() error, error) {
	switch cfg.SessionStore {
	case config.StoreRedis:
		s := session.NewRedisStoreFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionTTL)
		if err := s.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("redis session store: %w", err)
		}
		return s, nil, nil
	case config.StoreSQLite, config.StorePostgres:
		dialect := session.DialectSQLite
		if cfg.SessionStore == config.StorePostgres {
			dialect = session.DialectPostgres
		}
		db, err := sql.Open(string(dialect), cfg.SessionDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s session store: %w", dialect, err)
		}
		s := session.NewSQLStore(db, dialect)
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init %s session store: %w", dialect, err)
		}
		return s, db.Close, nil
	default:
		return session.NewMemoryStore(), nil, nil
	}
}

// buildAudit writes JSON lines to AUDIT_LOG_PATH, or to stderr when unset:
// stdout belongs to the stdio transport.
func buildAudit(cfg *config.Config) (audit.Logger, func() error, error) {
	if !cfg.AuditEnabled {
		return audit.Nop(), nil, nil
	}
	if cfg.AuditLogPath == "" {
		return audit.NewLoggerWithWriter(os.Stderr), nil, nil
	}
	f, err := audit.OpenFile(cfg.AuditLogPath)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func buildInvoker(cfg *config.Config) (toolclient.Invoker, error) {
	router := toolclient.NewRouter(toolclient.Echo())
	if cfg.ToolEndpoints == "" {
		return router, nil
	}
	endpoints, err := toolclient.ParseEndpoints(cfg.ToolEndpoints)
	if err != nil {
		return nil, fmt.Errorf("TOOL_ENDPOINTS: %w", err)
	}
	httpInvoker := toolclient.NewHTTPInvoker(endpoints, toolclient.WithBreaker(5, 30*time.Second))
	for _, id := range httpInvoker.Servers() {
		router.Route(id, httpInvoker)
	}
	return router, nil
}

// Run reaps idle sessions and expired confirmations until ctx is done.
func (k *Kernel) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.sessions.Reap(ctx)
			if k.confirm != nil {
				if expired := k.confirm.Expire(ctx); len(expired) > 0 {
					k.logger.InfoContext(ctx, "expired pending actions", "count", len(expired))
				}
			}
		}
	}
}
