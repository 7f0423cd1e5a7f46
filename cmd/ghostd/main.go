// Entry point for ghostd, the ghostwork server: ingests privacy-scrubbed
// event batches, clusters them into workflow patterns, and executes
// approved automations under org governance.
package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/veyra/ghostwork/audit"
	"github.com/veyra/ghostwork/config"
	"github.com/veyra/ghostwork/dbopen"
	"github.com/veyra/ghostwork/executor"
	"github.com/veyra/ghostwork/feedback"
	"github.com/veyra/ghostwork/ghost"
	"github.com/veyra/ghostwork/guard"
	"github.com/veyra/ghostwork/ingest"
	"github.com/veyra/ghostwork/kit"
	"github.com/veyra/ghostwork/llm"
	"github.com/veyra/ghostwork/mcpbridge"
	"github.com/veyra/ghostwork/mcpquic"
	"github.com/veyra/ghostwork/observability"
	"github.com/veyra/ghostwork/patterns"
	"github.com/veyra/ghostwork/schedule"
	"github.com/veyra/ghostwork/shield"
	"github.com/veyra/ghostwork/store"
	"github.com/veyra/ghostwork/trace"
	"github.com/veyra/ghostwork/vtq"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional; env overlays apply either way)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if cfg.ServiceToken != "" {
		if err := guard.ValidateSecret([]byte(cfg.ServiceToken)); err != nil {
			slog.Error("service token", "error", err)
			os.Exit(1)
		}
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability DB — always the raw "sqlite" driver. The trace store
	// writes here, so tracing it would recurse.
	obsDB, err := dbopen.Open(cfg.ObservabilityDB, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}

	// Optional SQL tracing: install the trace store before the app DB opens
	// so even schema statements are captured.
	var traceStore *trace.Store
	appOpts := []dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema)}
	if cfg.TraceSQL {
		traceStore = trace.NewStore(obsDB)
		if err := traceStore.Init(); err != nil {
			slog.Error("trace init", "error", err)
			os.Exit(1)
		}
		trace.SetStore(traceStore)
		defer traceStore.Close()
		appOpts = append(appOpts, dbopen.WithTrace())
	}

	// Application DB.
	db, err := dbopen.Open(cfg.DBPath, appOpts...)
	if err != nil {
		slog.Error("app db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Audit logger (writes to the app DB: the trail is governance data).
	auditLogger := audit.NewSQLiteLogger(db, audit.WithLogger(logger))
	if err := auditLogger.Init(); err != nil {
		slog.Error("audit init", "error", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	st := store.New(db)

	// SQLite-native observability: buffered metrics, business events, and
	// a liveness heartbeat per worker loop.
	mm := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
	defer mm.Close()
	events := observability.NewEventLogger(obsDB)
	observability.NewHeartbeatWriter(obsDB, "ghostd", 15*time.Second).Start(ctx)

	// LLM provider. Empty provider is a supported mode: scans cluster but
	// lift no patterns, and unplanned executions escalate to a human.
	var provider llm.Provider
	switch cfg.LLM.Provider {
	case "openai":
		var opts []llm.OpenAIOption
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.LLM.BaseURL))
		}
		if cfg.LLM.Model != "" {
			opts = append(opts, llm.WithModel(cfg.LLM.Model))
		}
		provider = llm.NewOpenAIChat(cfg.LLM.APIKey, opts...)
	case "gemini":
		g, err := llm.NewGemini(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			slog.Error("gemini provider", "error", err)
			os.Exit(1)
		}
		provider = g
	}
	if provider != nil {
		provider = llm.Wrap(provider, llm.WithTimeout(cfg.LLM.Timeout))
	}
	registry := llm.NewRegistry(provider)

	// Device rate limiter — shared Redis counter when configured, so
	// replicas agree on per-device budgets.
	var rateOpts []shield.RateOption
	if cfg.Redis.Addr != "" {
		counter, err := shield.NewRedisCounter(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("redis counter", "error", err)
			os.Exit(1)
		}
		defer counter.Close()
		rateOpts = append(rateOpts, shield.WithCounter(counter), shield.WithRateLogger(logger))
	}
	limiter := shield.NewDeviceRateLimiter(rateOpts...)

	// Pattern-scan queue: ingest publishes, the detection workers consume.
	scans := vtq.NewScanQueue(db, logger)
	if err := scans.EnsureTable(ctx); err != nil {
		slog.Error("scan queue", "error", err)
		os.Exit(1)
	}

	// Services.
	ingestSvc := ingest.New(st,
		ingest.WithScanQueue(scans),
		ingest.WithLimiter(limiter),
		ingest.WithMetrics(mm),
		ingest.WithLogger(logger),
	)
	defer ingestSvc.Close()

	detector := patterns.New(st, provider,
		patterns.WithRegistry(registry),
		patterns.WithMetrics(mm),
		patterns.WithEvents(events),
		patterns.WithLogger(logger),
	)

	engine := executor.New(st, provider,
		executor.WithRegistry(registry),
		executor.WithMetrics(mm),
		executor.WithLLMTimeout(cfg.LLM.Timeout),
		executor.WithLogger(logger),
	)

	ghosts := ghost.New(st, ghost.WithEvents(events), ghost.WithLogger(logger))
	fb := feedback.New(st, feedback.WithLogger(logger))

	// Detection workers.
	observability.NewHeartbeatWriter(obsDB, "pattern-worker", 15*time.Second).Start(ctx)
	go scans.RunBatch(ctx, cfg.Detect.BatchSize, cfg.Detect.Workers, detector.ScanHandler())

	// Cron runner for schedule-triggered ghosts.
	sched := schedule.New(st, func(ctx context.Context, orgID, ghostID string) error {
		_, err := engine.Execute(ctx, &executor.RunRequest{
			GhostID:     ghostID,
			OrgID:       orgID,
			Trigger:     schedule.TriggerSchedule,
			RequestedBy: "scheduler",
		})
		return err
	}, schedule.Config{
		RefreshInterval: cfg.Schedule.RefreshInterval,
		FireTimeout:     cfg.Schedule.FireTimeout,
	},
		schedule.WithMetrics(mm),
		schedule.WithEvents(events),
		schedule.WithLogger(logger),
	)
	go sched.Run(ctx)

	// Optional MCP governance surface.
	if cfg.MCP.Transport != "" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "ghostwork",
			Version: "1.0.0",
		}, nil)
		bridge := mcpbridge.New(st, ghosts, engine, fb,
			mcpbridge.WithAudit(auditLogger),
			mcpbridge.WithLogger(logger),
		)
		bridge.RegisterAll(mcpSrv)

		switch cfg.MCP.Transport {
		case "stdio":
			go func() {
				slog.Info("MCP stdio starting")
				if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
					slog.Error("MCP stdio", "error", err)
				}
			}()
		case "quic":
			var tlsCfg *tls.Config
			var err error
			if cfg.MCP.TLSCert != "" {
				tlsCfg, err = mcpquic.ServerTLSConfig(cfg.MCP.TLSCert, cfg.MCP.TLSKey)
			} else {
				tlsCfg, err = mcpquic.SelfSignedTLSConfig()
			}
			if err != nil {
				slog.Error("MCP QUIC TLS", "error", err)
			} else {
				ql, qErr := mcpquic.NewListener(cfg.MCP.Addr, tlsCfg, mcpSrv, logger)
				if qErr != nil {
					slog.Error("MCP QUIC listener", "error", qErr)
				} else {
					go func() {
						slog.Info("MCP QUIC starting", "addr", cfg.MCP.Addr)
						if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
							slog.Error("MCP QUIC", "error", sErr)
						}
					}()
				}
			}
		}
	}

	// Retention sweeper.
	go func() {
		ticker := time.NewTicker(cfg.Retention.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepRetention(ctx, cfg, auditLogger, mm, obsDB, traceStore)
			}
		}
	}()

	// Router.
	r := chi.NewRouter()
	for _, mw := range shield.Stack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		kit.WriteData(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if cfg.ServiceToken != "" {
			r.Use(requireBearer(cfg.ServiceToken))
		}
		r.Handle("/ingest-events", ingestSvc.Handler())
		r.Handle("/pattern-detector", detector.Handler())
		r.Handle("/ghost-executor", engine.Handler())
		r.Handle("/approve-ghost", ghosts.Handler())
		r.Mount("/feedback", http.StripPrefix("/feedback", fb.Handler()))
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// loadConfig reads the YAML file when given, then overlays GHOSTWORK_*
// environment variables so secrets can stay out of the file.
func loadConfig(path string) (*config.ServerConfig, error) {
	var cfg *config.ServerConfig
	var err error
	if path != "" {
		cfg, err = config.LoadServerConfig(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultServerConfig()
	}

	cfg.Listen = env("GHOSTWORK_LISTEN", cfg.Listen)
	cfg.DBPath = env("GHOSTWORK_DB_PATH", cfg.DBPath)
	cfg.ObservabilityDB = env("GHOSTWORK_OBSERVABILITY_DB", cfg.ObservabilityDB)
	cfg.LogLevel = env("GHOSTWORK_LOG_LEVEL", cfg.LogLevel)
	cfg.ServiceToken = env("GHOSTWORK_SERVICE_TOKEN", cfg.ServiceToken)
	if v := os.Getenv("GHOSTWORK_TRACE_SQL"); v == "1" || v == "true" {
		cfg.TraceSQL = true
	}
	cfg.LLM.Provider = env("GHOSTWORK_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = env("GHOSTWORK_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = env("GHOSTWORK_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = env("GHOSTWORK_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.Redis.Addr = env("GHOSTWORK_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = env("GHOSTWORK_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.MCP.Transport = env("GHOSTWORK_MCP_TRANSPORT", cfg.MCP.Transport)
	cfg.MCP.Addr = env("GHOSTWORK_MCP_ADDR", cfg.MCP.Addr)
	cfg.MCP.TLSCert = env("GHOSTWORK_MCP_TLS_CERT", cfg.MCP.TLSCert)
	cfg.MCP.TLSKey = env("GHOSTWORK_MCP_TLS_KEY", cfg.MCP.TLSKey)

	return cfg, cfg.Validate()
}

// sweepRetention applies the configured retention windows. Zero days
// disables a table's cleanup.
func sweepRetention(ctx context.Context, cfg *config.ServerConfig, auditLogger *audit.SQLiteLogger, mm *observability.MetricsManager, obsDB *sql.DB, traces *trace.Store) {
	if cfg.Retention.AuditDays > 0 {
		if n, err := auditLogger.Cleanup(ctx, cfg.Retention.AuditDays); err != nil {
			slog.Error("audit cleanup", "error", err)
		} else if n > 0 {
			slog.Info("audit cleanup", "removed", n)
		}
	}
	if cfg.Retention.MetricsDays > 0 {
		if n, err := mm.Cleanup(ctx, cfg.Retention.MetricsDays); err != nil {
			slog.Error("metrics cleanup", "error", err)
		} else if n > 0 {
			slog.Info("metrics cleanup", "removed", n)
		}
	}
	if err := observability.Cleanup(ctx, obsDB, observability.RetentionConfig{
		EventLogsDays:  cfg.Retention.EventLogDays,
		HeartbeatsDays: cfg.Retention.HeartbeatDays,
	}); err != nil {
		slog.Error("observability cleanup", "error", err)
	}
	// SQL traces share the metrics window.
	if traces != nil && cfg.Retention.MetricsDays > 0 {
		if n, err := traces.Cleanup(cfg.Retention.MetricsDays); err != nil {
			slog.Error("trace cleanup", "error", err)
		} else if n > 0 {
			slog.Info("trace cleanup", "removed", n)
		}
	}
}

// requireBearer enforces the service token on API routes. The comparison
// runs over SHA-256 digests so it is constant-time regardless of the
// presented token's length.
func requireBearer(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			sum := sha256.Sum256([]byte(got))
			if subtle.ConstantTimeCompare(want[:], sum[:]) != 1 {
				kit.WriteError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
