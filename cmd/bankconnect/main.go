package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bankconnect/pkg/ais"
	"bankconnect/pkg/api"
	"bankconnect/pkg/banking"
	"bankconnect/pkg/config"
	"bankconnect/pkg/consent"
	"bankconnect/pkg/events"
	"bankconnect/pkg/logging"
	"bankconnect/pkg/metrics"
	promMetrics "bankconnect/pkg/metrics/prometheus"
	"bankconnect/pkg/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Development,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("bankconnect stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting bankconnect",
		zap.String("aggregator", cfg.AIS.BaseURL),
		zap.String("store", cfg.Store.Backend))

	registry := prometheus.NewRegistry()
	var collector metrics.Collector = metrics.NoOpCollector{}
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		pc := promMetrics.NewCollector(cfg.Metrics.Namespace)
		if err := pc.Register(registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		collector = pc
		logger.Info("Prometheus metrics registered", zap.String("namespace", cfg.Metrics.Namespace))
	}

	layer, err := openStore(ctx, cfg, collector)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := layer.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}()
	logger.Info("Store ready", zap.String("layer", layer.Name()))

	go purgeExpired(ctx, layer, 10*time.Minute, logger)

	var publisher events.Publisher = events.NoOpPublisher{}
	if cfg.AMQP.URL != "" {
		p, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect AMQP: %w", err)
		}
		publisher = events.NewAsyncPublisher(p, events.AsyncConfig{QueueSize: cfg.AMQP.QueueSize}, logger)
		logger.Info("Consent events published", zap.String("exchange", cfg.AMQP.Exchange))
	}
	defer publisher.Close()

	client, err := ais.New(aisConfig(cfg.AIS),
		ais.WithMetrics(collector),
		ais.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	st := state.New(layer, logger)
	flow := consent.New(client, st,
		consent.WithPublisher(publisher),
		consent.WithMetrics(collector),
		consent.WithLogger(logger),
	)
	service := banking.New(client, st, flow, logger)

	server := api.NewServer(api.Deps{
		Auth:     client,
		Banking:  service,
		Flow:     flow,
		Store:    st,
		Metrics:  collector,
		Gatherer: registry,
		Logger:   logger,
	}, api.Config{
		Address:      cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		AppURL:       cfg.Server.AppURL,
	})

	errc := server.Start()

	select {
	case err, ok := <-errc:
		if ok && err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}

func aisConfig(c config.AISConfig) ais.Config {
	return ais.Config{
		BaseURL:          c.BaseURL,
		FintechID:        c.FintechID,
		Timeout:          c.Timeout,
		RedirectOKURL:    c.RedirectOKURL,
		RedirectNotOKURL: c.RedirectNotOKURL,
		Paths: ais.Paths{
			Login:         c.Paths.Login,
			Logout:        c.Paths.Logout,
			BankSearch:    c.Paths.BankSearch,
			BankProfile:   c.Paths.BankProfile,
			Accounts:      c.Paths.Accounts,
			Transactions:  c.Paths.Transactions,
			ConsentResume: c.Paths.ConsentResume,
			PaymentResume: c.Paths.PaymentResume,
		},
	}
}
