// Package main provides the lifecycle worker: it applies delivery events from
// Redpanda and expires prescriptions whose validity has elapsed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/app"
	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/fulfillment"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/lifecycle"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/observability/tracing"
	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

const (
	serviceName = "lifecycle-worker"
	sweepBatch  = 500
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("service", serviceName))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := rt.Service(nil)
	if err != nil {
		return err
	}

	if cfg.ExpirySweepInterval > 0 {
		sweeper := fulfillment.NewSweeper(svc, cfg.ExpirySweepInterval, sweepBatch, logger)
		sweeper.Start()
		defer sweeper.Stop()
	}

	// Delivery events need a broker; without one only the sweeper runs.
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		stopConsumer, err := startDeliveryConsumer(ctx, cfg, rt, svc, brokers, logger)
		if err != nil {
			return err
		}
		defer stopConsumer()
	} else {
		logger.Warn("KAFKA_BROKERS not set: delivery events are not consumed")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(rt.Registry))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("lifecycle worker started", zap.String("version", version))
	<-ctx.Done()
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(sctx)
	return nil
}

// startDeliveryConsumer wires consumer -> processor -> service and returns a
// function that stops them in order.
func startDeliveryConsumer(ctx context.Context, cfg *config.Config, rt *app.Runtime, svc *fulfillment.Service, brokers []string, logger *zap.Logger) (func(), error) {
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		return nil, err
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("topic provisioning failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter producer: %w", err)
	}

	poolCfg := workerpool.DefaultConfig()
	if cfg.Workers > 0 {
		poolCfg.Workers = cfg.Workers
	}
	processor, err := lifecycle.NewProcessor(svc, rt.Inbox(lifecycle.Permanent), poolCfg, producer, rt.Metrics, logger)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{cfg.DeliveryTopic}
	consumer, err := redpanda.NewConsumer(consumerCfg, processor.HandleBatch, logger)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}

	processor.Start()
	consumer.Start()

	return func() {
		if err := consumer.Stop(); err != nil {
			logger.Error("consumer stop", zap.Error(err))
		}
		if err := processor.Stop(); err != nil {
			logger.Error("processor stop", zap.Error(err))
		}
		_ = producer.Close()
	}, nil
}
