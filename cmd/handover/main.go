package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // IANA zones for business hours

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/rylieai/handover/internal/adapter/eventbus"
	adminhttp "github.com/rylieai/handover/internal/adapter/http"
	"github.com/rylieai/handover/internal/adapter/litellm"
	handnats "github.com/rylieai/handover/internal/adapter/nats"
	"github.com/rylieai/handover/internal/adapter/natskv"
	handotel "github.com/rylieai/handover/internal/adapter/otel"
	"github.com/rylieai/handover/internal/adapter/postgres"
	handredis "github.com/rylieai/handover/internal/adapter/redis"
	"github.com/rylieai/handover/internal/adapter/ristretto"
	"github.com/rylieai/handover/internal/adapter/tiered"
	"github.com/rylieai/handover/internal/adapter/ws"
	"github.com/rylieai/handover/internal/config"
	"github.com/rylieai/handover/internal/logger"
	"github.com/rylieai/handover/internal/middleware"
	"github.com/rylieai/handover/internal/port/cache"
	porteventbus "github.com/rylieai/handover/internal/port/eventbus"
	"github.com/rylieai/handover/internal/port/messagequeue"
	"github.com/rylieai/handover/internal/port/metrics"
	"github.com/rylieai/handover/internal/resilience"
	"github.com/rylieai/handover/internal/secrets"
	"github.com/rylieai/handover/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	var err error
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		err = runAdmin(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"events_driver", cfg.Events.Driver,
		"config_dir", cfg.Handover.ConfigDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOTEL, err := handotel.Setup(ctx, cfg.OTEL, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTEL(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	sink := handotel.NewSink(nil)
	if ah, ok := closeLog.(*logger.AsyncHandler); ok {
		_ = sink.RegisterMetric(metrics.LogRecordsDropped, metrics.KindCounter)
		ah.OnDrop(func() { sink.IncrementMetric(context.Background(), metrics.LogRecordsDropped, nil) })
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := handnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()
	queue.SetMaxInFlight(cfg.NATS.MaxInFlight)

	store := postgres.NewStore(pool)
	hub := ws.NewHub(cfg.Server.CORSOrigin)

	events, closeEvents, err := buildEvents(ctx, cfg, queue, hub)
	if err != nil {
		return err
	}
	defer closeEvents()

	classifierCache, err := buildCache(ctx, cfg.Cache, queue)
	if err != nil {
		return err
	}

	llm := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to string) {
		slog.Warn("litellm breaker state changed", "from", from, "to", to)
	})
	llm.SetBreaker(breaker)
	llm.SetHTTPClient(handotel.HTTPClient(nil))

	// --- Services ---

	configSvc := service.NewConfigService(service.ConfigOptions{
		Dir:      cfg.Handover.ConfigDir,
		CacheTTL: cfg.Handover.ConfigCacheTTL,
		Store:    store,
		Events:   events,
		Metrics:  sink,
	})
	if err := configSvc.Start(ctx, cfg.Handover.ReloadInterval); err != nil {
		slog.Error("handover config not loaded, serving safe defaults", "error", err)
	}
	defer configSvc.Close()

	stages := []service.SignalEngine{
		service.NewRuleEngine(configSvc, configSvc),
		service.NewMLClassifier(llm, classifierCache, classifierOptions(cfg.Handover)),
		service.NewBehaviouralMonitor(store, nil),
	}

	scheduler := service.NewScheduler()
	defer scheduler.Stop()

	orchestrator := service.NewIntentOrchestrator(
		configSvc,
		stages,
		store,
		events,
		sink,
		service.NewDebounceGuard(cfg.Handover.DebounceWindow),
		service.OrchestratorOptions{
			PipelineTimeout: cfg.Handover.PipelineTimeout,
			MLTimeout:       cfg.Handover.MLTimeout,
		},
	)
	orchestrator.SetSLATracker(service.NewSLATracker(store, scheduler, nil))
	defer orchestrator.Wait()

	cancelInbound, err := queue.Subscribe(ctx, cfg.Handover.InboundSubject, orchestrator.HandleInbound)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Handover.InboundSubject, err)
	}
	defer cancelInbound()

	// --- HTTP ---

	vault, err := secrets.NewVault(secrets.Chain(
		secrets.Static(map[string]string{secrets.AdminToken: cfg.Server.AdminToken}),
		secrets.DirLoader(cfg.Server.SecretsDir),
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if vault.Get(secrets.AdminToken) == "" {
		slog.Warn("admin API authentication disabled, no admin token configured")
	}

	handlers := &adminhttp.Handlers{
		Config: configSvc,
		States: store,
		Checks: []adminhttp.HealthCheck{
			{Name: "postgres", Check: store.Ping},
			{Name: "nats", Check: func(context.Context) error {
				if !queue.IsConnected() {
					return errors.New("disconnected")
				}
				return nil
			}},
			{Name: "litellm", Check: func(context.Context) error {
				if state := llm.BreakerState(); state == "open" {
					return fmt.Errorf("circuit %s", state)
				}
				return nil
			}},
		},
	}

	r := chi.NewRouter()
	r.Use(handotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.RequestID)
	r.Use(adminhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(adminhttp.SecurityHeaders)
	r.Use(adminhttp.CORS(cfg.Server.CORSOrigin))
	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		r.Use(limiter.Handler)
	}
	r.Use(middleware.AdminAuth(vault.Lookup(secrets.AdminToken)))
	adminhttp.MountRoutes(r, handlers, hub.HandleWS)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting admin server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		orchestrator.RunJanitor(gctx, cfg.Handover.JanitorInterval)
		return nil
	})
	if limiter != nil {
		g.Go(func() error {
			limiter.Run(gctx, time.Minute, 10*time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		reloadOnHangup(gctx, vault, configSvc)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// reloadOnHangup re-reads mounted secrets and the handover configuration
// whenever the process receives SIGHUP.
func reloadOnHangup(ctx context.Context, vault *secrets.Vault, configSvc *service.ConfigService) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := vault.Reload(); err != nil {
				slog.Error("secrets reload failed", "error", err)
			}
			if err := configSvc.Reload(ctx, service.ReloadManual); err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			slog.Info("reloaded on SIGHUP", "config_version", configSvc.Version())
		}
	}
}

// buildEvents assembles the publisher for produced events. Operator
// consoles always receive them: directly for nats and log, and through the
// pub/sub forwarder for redis so every instance relays every trigger.
func buildEvents(ctx context.Context, cfg *config.Config, queue messagequeue.Queue, hub *ws.Hub) (porteventbus.Publisher, func(), error) {
	switch cfg.Events.Driver {
	case "redis":
		pub, err := handredis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		err = pub.StartForwarder(ctx, func(name string, payload json.RawMessage) {
			hub.BroadcastEvent(ctx, name, payload)
		})
		if err != nil {
			_ = pub.Close()
			return nil, nil, fmt.Errorf("redis forwarder: %w", err)
		}
		return pub, func() { _ = pub.Close() }, nil
	case "log":
		return eventbus.Fanout{eventbus.NewLog(nil), hub}, func() {}, nil
	default:
		return eventbus.Fanout{handnats.NewPublisher(queue), hub}, func() {}, nil
	}
}

// buildCache creates the classification cache: ristretto in process, backed
// by a NATS KV bucket shared across instances when one is configured.
// classifierOptions leaves CacheTTL at zero so a verdict stays in the local
// cache for the life of the process. Shared entries expire with the KV bucket.
func classifierOptions(cfg config.Handover) service.ClassifierOptions {
	return service.ClassifierOptions{
		Model:     cfg.MLModel,
		MaxTokens: cfg.MLMaxTokens,
		Timeout:   cfg.MLTimeout,
	}
}

func buildCache(ctx context.Context, cfg config.Cache, queue *handnats.Queue) (cache.Cache, error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	if cfg.L2Bucket == "" {
		return l1, nil
	}
	kv, err := queue.KeyValue(ctx, cfg.L2Bucket, cfg.L2TTL)
	if err != nil {
		slog.Warn("l2 cache unavailable, using l1 only", "bucket", cfg.L2Bucket, "error", err)
		return l1, nil
	}
	return tiered.New(l1, natskv.New(kv), 0), nil
}
