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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ride-query/internal/config"
	"ride-query/internal/events"
	"ride-query/internal/logging"
	"ride-query/internal/matching"
	"ride-query/internal/middleware"
	"ride-query/internal/reports"
	"ride-query/internal/rides"
	"ride-query/internal/tracking"
	"ride-query/internal/users"
	"ride-query/migrations"
	"ride-query/pkg/amqp"
	"ride-query/pkg/db"
	"ride-query/pkg/jwt"
	"ride-query/pkg/kafka"
	rredis "ride-query/pkg/redis"
)

// bus is what both brokers and the in-process fallback provide.
type bus interface {
	events.Publisher
	events.Subscriber
}

type stores struct {
	users  users.Store
	rides  rides.Store
	events events.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── 1. JWT secret ──
	if err := jwt.Init(cfg.JWTSecret, cfg.JWTTTL); err != nil {
		return err
	}

	// ── 2. Storage ──
	var (
		st       stores
		database *db.DB
		err      error
	)
	switch cfg.Store {
	case config.StorePostgres:
		database, err = db.Connect(ctx, cfg.DatabaseURL, cfg.ConnAttempts, logger)
		if err != nil {
			return err
		}
		defer database.Close()
		if cfg.RunMigrations {
			if err := database.RunMigrations(ctx, migrations.FS); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
		}
		st = stores{
			users:  users.NewPostgresStore(database.Pool),
			rides:  rides.NewPostgresStore(database.Pool),
			events: events.NewPostgresStore(database.Pool),
		}
	default:
		logger.Warn("using in-memory storage; data is lost on exit")
		st = stores{users: users.NewMemoryStore(), rides: rides.NewMemoryStore(), events: events.NewMemoryStore()}
	}

	// ── 3. Redis (optional) ──
	var redisClient *rredis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = rredis.NewClient(ctx, cfg.RedisAddr, cfg.RedisRideTTL, cfg.ConnAttempts, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	// ── 4. Event bus ──
	b, closeBus, err := connectBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	// ── 5. Services ──
	var index users.LocationIndex
	if redisClient != nil {
		index = redisClient
	}
	userSvc := users.NewService(st.users, index, logger)

	eventLog := events.NewLog(st.events, b, logger)
	if err := eventLog.Warm(ctx); err != nil {
		return fmt.Errorf("warm status cache: %w", err)
	}
	rideSvc := rides.NewService(st.rides, eventLog, userSvc, b, logger, cfg.DefaultPageSize, cfg.MaxPageSize)
	if redisClient != nil {
		rideSvc.UseCache(redisClient)
	}
	reportSvc := reports.NewService(rideSvc, userSvc, logger)

	// ── 6. Background consumers ──
	matching.NewMatcher(rideSvc, userSvc, cfg.MatchRadiusKm, logger).Start(ctx, b)
	wsHub := tracking.NewHub(rideSvc, logger)
	wsHub.Start(ctx, b)

	// ── 7. HTTP router ──
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(chimw.RealIP)
	r.Use(middleware.Observability(logger))
	r.Use(jwt.OptionalAuth)

	r.Get("/health", health(database, redisClient))
	r.Handle("/metrics", promhttp.Handler())

	r.Mount("/users", users.NewHandler(userSvc, logger).Routes())
	r.Mount("/rides", rides.NewHandler(rideSvc, logger).Routes())
	r.Mount("/reports", reports.NewHandler(reportSvc, logger).Routes())
	r.Mount("/ws", wsHub.Routes())

	// ── 8. Start server ──
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-query listening", "addr", cfg.HTTPAddr, "store", cfg.Store, "bus", cfg.EventBus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── 9. Graceful shutdown ──
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}

func connectBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (bus, func(), error) {
	switch cfg.EventBus {
	case config.BusKafka:
		k := kafka.NewClient(cfg.KafkaBrokers, logger)
		if err := k.EnsureTopics(ctx, events.Topics()...); err != nil {
			return nil, nil, err
		}
		return k, func() { k.Close() }, nil
	case config.BusAMQP:
		a, err := amqp.Connect(ctx, cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { a.Close() }, nil
	default:
		return events.NewLocalBus(logger), func() {}, nil
	}
}

func health(database *db.DB, redisClient *rredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		code := http.StatusOK
		if database != nil {
			checks["postgres"] = "ok"
			if err := database.Ping(ctx); err != nil {
				checks["postgres"], code = err.Error(), http.StatusServiceUnavailable
			}
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(ctx); err != nil {
				checks["redis"], code = err.Error(), http.StatusServiceUnavailable
			}
		}
		status := "ok"
		if code != http.StatusOK {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"status": status, "service": "ride-query", "checks": checks})
	}
}
