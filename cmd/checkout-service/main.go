package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/overdrive-yt/sportsdevil/internal/backend"
	"github.com/overdrive-yt/sportsdevil/internal/cart"
	"github.com/overdrive-yt/sportsdevil/internal/config"
	"github.com/overdrive-yt/sportsdevil/internal/gateway"
	checkoutgrpc "github.com/overdrive-yt/sportsdevil/internal/grpc"
	h "github.com/overdrive-yt/sportsdevil/internal/http"
	"github.com/overdrive-yt/sportsdevil/internal/orchestrator"
	"github.com/overdrive-yt/sportsdevil/internal/payment"
	"github.com/overdrive-yt/sportsdevil/internal/poller"
	"github.com/overdrive-yt/sportsdevil/internal/publisher"
	"github.com/overdrive-yt/sportsdevil/internal/reconciler"
	"github.com/overdrive-yt/sportsdevil/internal/repository"
	"github.com/overdrive-yt/sportsdevil/pkg/logger"
	"github.com/overdrive-yt/sportsdevil/pkg/metrics"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHECKOUT_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, Service: cfg.Service})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("checkout service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("checkout service exited")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	checkoutMetrics := metrics.NewCheckout(reg)

	checks := map[string]checkoutgrpc.Pinger{}

	store, closeStore, err := openCartStore(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	var gw gateway.Gateway = gateway.NewSandbox()
	if cfg.Gateway.StripeSecretKey != "" {
		gw = gateway.NewStripeGateway(gateway.StripeConfig{SecretKey: cfg.Gateway.StripeSecretKey, BaseURL: cfg.Gateway.StripeURL})
		log.Info("using stripe payment gateway")
	} else {
		log.Warn("no stripe key configured, using sandbox payment gateway")
	}
	gw = gateway.NewBreaker(gw, cfg.Gateway.BreakerFailures, cfg.Gateway.BreakerOpenTimeout, log)
	payments := payment.NewController(gw, cfg.Gateway.ConfirmTimeout, log)

	client := backend.NewClient(cfg.Backend.BaseURL, backend.NewTokenSource(cfg.Backend.Token), cfg.Backend.Timeout, log,
		backend.WithBreaker(cfg.Backend.BreakerFailures, cfg.Backend.BreakerOpenTimeout))
	orders := reconciler.New(client, cfg.Reconciler, log, reconciler.WithMetrics(checkoutMetrics))
	polls := poller.New(client, cfg.Poller.Exponential, log, poller.WithMetrics(checkoutMetrics))

	g, gctx := errgroup.WithContext(ctx)

	var recorder orchestrator.Recorder
	if cfg.Postgres.Enabled {
		creds := &repository.Credentials{
			Host:              cfg.Postgres.Host,
			Port:              cfg.Postgres.Port,
			User:              cfg.Postgres.User,
			Password:          cfg.Postgres.Password,
			DBName:            cfg.Postgres.DBName,
			SSLMode:           cfg.Postgres.SSLMode,
			MigrationsDirPath: cfg.Postgres.MigrationsPath,
		}
		repo, err := repository.NewRepository(ctx, creds)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.RunMigrations(creds); err != nil {
			return err
		}
		log.Info("connected to postgres", slog.String("host", cfg.Postgres.Host), slog.String("db", cfg.Postgres.DBName))
		recorder = repo
		checks["postgres"] = repo

		if cfg.Kafka.Enabled {
			writer := publisher.NewKafkaWriter(cfg.Kafka.Topic, cfg.Kafka.Brokers...)
			outbox := publisher.NewOutboxPoller(repo, writer, cfg.Kafka.Outbox, log)
			g.Go(func() error { return outbox.Run(gctx) })
			log.Info("outbox publisher started", slog.String("topic", cfg.Kafka.Topic))
		}
	}

	registry := orchestrator.NewRegistry(func(userID string) *orchestrator.Orchestrator {
		return orchestrator.New(userID, orchestrator.Deps{
			Lock:     store,
			Payments: payments,
			Orders:   orders,
			Poller:   polls,
			Recorder: recorder,
			Metrics:  checkoutMetrics,
			Logger:   log,
		}, orchestrator.Config{
			ConfirmPolicy:  cfg.Gateway.Confirm,
			PollAttempts:   cfg.Poller.MaxAttempts,
			PollMaxElapsed: cfg.Poller.MaxElapsed,
			ReleaseTimeout: orchestrator.DefaultConfig().ReleaseTimeout,
		})
	}, orchestrator.WithIdleTTL(cfg.Checkout.IdleTTL))
	defer registry.Close()
	g.Go(func() error {
		registry.Run(gctx, cfg.Checkout.SweepInterval)
		return nil
	})

	validate := validator.New()
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: h.NewRouter(h.RouterConfig{
			Carts:         h.NewCartHandler(store, validate, cfg.HTTP.ReadTimeout, log),
			Checkout:      h.NewCheckoutHandler(registry, store, validate, cfg.HTTP.ReadTimeout, log),
			ServerMetrics: metrics.NewServerMetrics(reg, cfg.Service),
			Gatherer:      reg,
			MetricsPath:   cfg.Telemetry.MetricsPath,
			Logger:        log,
		}),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	checks["backend"] = checkoutgrpc.PingFunc(func(ctx context.Context) error {
		_, err := client.Session(ctx)
		if errors.Is(err, backend.ErrNoSession) {
			return nil
		}
		return err
	})
	health := checkoutgrpc.NewHealthServer(checks, 10*time.Second, log)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}

	g.Go(func() error { return health.Serve(gctx, lis) })
	g.Go(func() error {
		log.Info("http server listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openCartStore builds the configured cart store, fronted by Redis when enabled.
func openCartStore(ctx context.Context, cfg *config.Config, log *slog.Logger, checks map[string]checkoutgrpc.Pinger) (cart.LockingStore, func(), error) {
	var (
		store   cart.LockingStore
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Cart.Store {
	case "mongo":
		db, err := cart.ConnectMongoDB(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := db.Client().Disconnect(context.Background()); err != nil {
				log.Warn("mongo disconnect failed", slog.Any("error", err))
			}
		})
		checks["mongo"] = checkoutgrpc.PingFunc(func(ctx context.Context) error { return db.Client().Ping(ctx, nil) })
		store = cart.NewMongoStore(db, cfg.Cart.LockTTL)
		log.Info("connected to mongo", slog.String("database", cfg.Mongo.Database))
	default:
		store = cart.NewMemoryStore(cfg.Cart.LockTTL)
		log.Warn("using in-memory cart store, carts are lost on restart")
	}

	if !cfg.Redis.Enabled {
		return store, closeAll, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	checks["redis"] = checkoutgrpc.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	log.Info("redis cart cache enabled", slog.String("addr", cfg.Redis.Addr))
	return cart.NewCached(store, cart.NewRedisCache(rdb), log), closeAll, nil
}
