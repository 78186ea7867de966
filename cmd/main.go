package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/andreasstove999/cash-dispenser-go/internal/cassette"
	"github.com/andreasstove999/cash-dispenser-go/internal/config"
	"github.com/andreasstove999/cash-dispenser-go/internal/db"
	"github.com/andreasstove999/cash-dispenser-go/internal/dispenser"
	"github.com/andreasstove999/cash-dispenser-go/internal/eventlog"
	"github.com/andreasstove999/cash-dispenser-go/internal/events"
	httpapi "github.com/andreasstove999/cash-dispenser-go/internal/http"
	"github.com/andreasstove999/cash-dispenser-go/internal/logging"
	"github.com/andreasstove999/cash-dispenser-go/internal/withdrawal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("atm_id", cfg.ATMID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store          withdrawal.Store
		replenishStore events.ReplenishStore
		sequencer      events.Sequencer
		checkpoints    *eventlog.Checkpoints
	)
	cassettes := cfg.Cassettes

	// --- DB ---
	if cfg.DatabaseDSN != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()

		if cfg.RunMigrations {
			if err := db.RunMigrations(cfg.DatabaseDSN, logger); err != nil {
				logger.Fatal("db migrate", zap.Error(err))
			}
		}

		repo := cassette.NewPostgresRepository(pool)
		if err := repo.Seed(ctx, cfg.ATMID, cfg.Cassettes); err != nil {
			logger.Fatal("seed cassettes", zap.Error(err))
		}
		if cassettes, err = repo.Load(ctx, cfg.ATMID); err != nil {
			logger.Fatal("load cassettes", zap.Error(err))
		}

		store = repo
		replenishStore = repo
		sequencer = eventlog.NewSequences(pool)
		checkpoints = eventlog.NewCheckpoints(pool)
	} else {
		logger.Warn("DATABASE_DSN not set, stock is kept in memory only")
	}

	disp, err := dispenser.New(cassettes)
	if err != nil {
		logger.Fatal("build dispenser", zap.Error(err))
	}

	// --- AMQP ---
	var (
		pub      withdrawal.Publisher
		amqpConn *amqp.Connection
	)
	if cfg.RabbitURL != "" {
		amqpConn, err = events.Dial(cfg.RabbitURL)
		if err != nil {
			logger.Fatal("connect to RabbitMQ", zap.Error(err))
		}
		defer amqpConn.Close()

		publisher, err := events.NewPublisher(amqpConn, sequencer, events.PublisherOptions{
			PublishEnveloped: cfg.PublishEnveloped,
		})
		if err != nil {
			logger.Fatal("start publisher", zap.Error(err))
		}
		defer publisher.Close()
		pub = publisher
	} else {
		logger.Warn("RABBITMQ_URL not set, events are disabled")
	}

	svc := withdrawal.NewService(cfg.ATMID, disp, store, pub, logger)

	if amqpConn != nil {
		consumer, err := events.StartConsumer(
			ctx,
			amqpConn,
			events.CassetteReplenishedRoutingKey,
			events.CassetteReplenishedHandler(cfg.ATMID, svc, replenishStore, checkpoints, logger),
			logger,
		)
		if err != nil {
			logger.Fatal("start consumer", zap.Error(err))
		}
		defer consumer.Close()
	}

	logStock(logger, "stock at startup", svc)

	// --- HTTP ---
	h := httpapi.NewHandler(svc, logger)
	r := httpapi.NewRouter(h)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	cancel()

	logStock(logger, "stock at shutdown", svc)
	logger.Info("shutdown complete")
}

func logStock(logger *zap.Logger, msg string, svc *withdrawal.Service) {
	var b strings.Builder
	if err := svc.ReportStock(&b); err != nil {
		logger.Warn("report stock", zap.Error(err))
		return
	}
	logger.Info(msg, zap.String("report", b.String()))
}
