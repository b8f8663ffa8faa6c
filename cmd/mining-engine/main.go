package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finova-engine/internal/cache"
	"finova-engine/internal/config"
	"finova-engine/internal/domain"
	"finova-engine/internal/engine"
	"finova-engine/internal/handler"
	"finova-engine/internal/ledger"
	"finova-engine/internal/messaging"
	"finova-engine/internal/middleware"
	"finova-engine/internal/observability"
	"finova-engine/internal/rate"
	"finova-engine/internal/repository/postgres"
	"finova-engine/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// fanoutNotifier pushes every engine event to the websocket hub and
// onto the message bus.
type fanoutNotifier []domain.Notifier

func (f fanoutNotifier) Push(userID, event string, payload any) {
	for _, n := range f {
		n.Push(userID, event, payload)
	}
}

func main() {
	cfg := config.Load()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	observability.InitLogger(logLevel, logFormat)

	slog.Info("starting mining engine")

	connCtx, connCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connCancel()

	db, err := config.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(connCtx); err != nil {
		slog.Error("database ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to postgresql")

	rdb, err := config.NewRedisClient(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rdb.Close()

	if err := rdb.Ping(connCtx).Err(); err != nil {
		slog.Error("redis ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to redis")

	rmqCtx, rmqCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer rmqCancel()

	rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()

	accountRepo, err := postgres.NewAccountRepository(db)
	if err != nil {
		slog.Error("failed to prepare account repository", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer accountRepo.Close()

	settlementRepo, err := postgres.NewSettlementRepository(db)
	if err != nil {
		slog.Error("failed to prepare settlement repository", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer settlementRepo.Close()

	sessionCache := cache.NewRedisStore(rdb, cfg.CacheTTL)
	ledgerClient := ledger.NewClient(cfg.LedgerURL)

	hub := websocket.NewHub()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go func() {
		if err := hub.Run(hubCtx); err != nil && err != context.Canceled {
			slog.Error("hub error", slog.String("error", err.Error()))
		}
	}()
	slog.Info("websocket hub started")

	notifier := fanoutNotifier{hub, messaging.NewEventPublisher(rmq)}

	store := engine.NewStore()
	clock := engine.SystemClock()
	rates := rate.DefaultConfig()

	gate := engine.NewGate(accountRepo, settlementRepo, clock, rates, cfg.HumanScoreThreshold)
	boosts := engine.NewBoostManager(store, accountRepo, sessionCache, notifier, clock, rates, cfg.CacheTimeout)
	settler := engine.NewSettler(store, ledgerClient, settlementRepo, sessionCache, notifier, clock, cfg)
	scheduler := engine.NewScheduler(store, accountRepo, accountRepo, sessionCache, boosts, settler, settlementRepo, notifier, clock, cfg, rates)
	service := engine.NewService(store, gate, boosts, settler, accountRepo, accountRepo, sessionCache, notifier, clock, cfg, rates)

	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := service.Restore(restoreCtx); err != nil {
		slog.Error("failed to restore sessions from cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	restoreCancel()
	slog.Info("restored sessions from cache", slog.Int("sessions", store.Len()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Run(ctx)
	slog.Info("accrual scheduler started",
		slog.Duration("accrual_interval", cfg.AccrualInterval),
		slog.Duration("sweep_interval", cfg.SweepInterval))

	miningHandler := handler.NewMiningHandler(service)
	wsHandler := handler.NewWebSocketHandler(hub, service)

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.CORS(middleware.ParseOrigins(cfg.AllowedOrigins)))
	r.Use(middleware.Metrics())

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(db, rdb, rmq))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity)

		r.Post("/mining/start", miningHandler.Start)
		r.Post("/mining/stop", miningHandler.Stop)
		r.Post("/mining/claim", miningHandler.Claim)
		r.Get("/mining/status", miningHandler.Status)
		r.Post("/mining/boost", miningHandler.Boost)
		r.Post("/mining/activity", miningHandler.Activity)
	})

	// Identity handled by the same middleware; the connection stays
	// open for pushed mining events.
	r.With(middleware.Identity).Get("/ws/mining", wsHandler.HandleConnection)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("mining engine listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()
	hubCancel()

	time.Sleep(100 * time.Millisecond)

	slog.Info("server stopped gracefully")
}
