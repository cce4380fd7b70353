// Command worker runs the background half of the queue subsystem: the broker
// consumers (or the database fallback poller when no broker is configured),
// the webhook delivery loop and a Prometheus metrics endpoint.
//
// Domain handlers (scraping, exports, notifications) are registered by the
// embedding application; this binary wires only the delivery plumbing it
// owns.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrapewell/jobqueue/pkg/broker"
	"github.com/scrapewell/jobqueue/pkg/config"
	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/logger"
	"github.com/scrapewell/jobqueue/pkg/manager"
	"github.com/scrapewell/jobqueue/pkg/metrics"
	"github.com/scrapewell/jobqueue/pkg/scheduler"
	"github.com/scrapewell/jobqueue/pkg/store"
	"github.com/scrapewell/jobqueue/pkg/webhook"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("connect to postgres")
	}
	defer pg.Close()
	if err := pg.InitSchema(ctx); err != nil {
		logger.Log.Fatal().Err(err).Msg("init schema")
	}

	var br broker.Broker
	switch cfg.Broker {
	case "redis":
		br = broker.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	case "amqp":
		br, err = broker.NewAMQP(cfg.AMQPURL)
		if err != nil {
			// Broker connectivity is a soft dependency: run on the fallback
			// queue instead of refusing to start.
			logger.Log.Warn().Err(err).Msg("amqp unreachable, running on database fallback")
			br = nil
		}
	case "none":
		logger.Log.Info().Msg("no broker configured, running on database fallback")
	default:
		logger.Log.Fatal().Str("broker", cfg.Broker).Msg("unknown broker kind")
	}

	mgr := manager.New(manager.Options{
		Broker:       br,
		Store:        pg,
		PollInterval: cfg.PollInterval,
		PollBatch:    cfg.PollBatch,
	})

	hooks := webhook.NewService(pg, webhook.Options{
		Interval:  cfg.WebhookTick,
		UserAgent: cfg.WebhookUA,
	})

	// The generic webhooks queue bridges into the delivery service, which
	// owns signing and per-destination backoff.
	err = mgr.RegisterHandler(jobs.QueueWebhooks, scheduler.JobSendWebhook, func(ctx context.Context, j *jobs.Job) error {
		var p scheduler.WebhookNotification
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return err
		}
		sub, err := pg.GetSubscription(ctx, p.WebhookID)
		if err != nil {
			return err
		}
		_, err = hooks.TriggerWebhook(ctx, sub.OrganizationID, p.Event, p.Data)
		return err
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("register webhook handler")
	}

	mgr.Start()
	hooks.Start()
	if br != nil {
		for _, q := range jobs.KnownQueues() {
			// Broker consumers dispatch through the same registry the
			// fallback poller uses, so a handler registered once serves both
			// paths.
			mgr.AddWorker(q, dispatchByName(mgr), cfg.Concurrency)
		}
	}

	go collectDepths(ctx, mgr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Log.Info().Msg("shutting down")

	cancel()
	hooks.Stop()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("metrics server shutdown failed")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("shutdown finished with errors")
		os.Exit(1)
	}
}

// dispatchByName resolves broker-delivered jobs through the manager's
// registry, mirroring the fallback poller's by-name dispatch.
func dispatchByName(mgr *manager.Manager) jobs.HandlerFunc {
	return func(ctx context.Context, j *jobs.Job) error {
		return mgr.Dispatch(ctx, j)
	}
}

// collectDepths refreshes the queue depth gauges every five seconds.
func collectDepths(ctx context.Context, mgr *manager.Manager) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range jobs.KnownQueues() {
				st := mgr.GetQueueStats(ctx, q)
				if st == nil {
					continue
				}
				metrics.QueueDepth.WithLabelValues(q, "waiting").Set(float64(st.Waiting))
				metrics.QueueDepth.WithLabelValues(q, "active").Set(float64(st.Active))
				metrics.QueueDepth.WithLabelValues(q, "delayed").Set(float64(st.Delayed))
				metrics.QueueDepth.WithLabelValues(q, "failed").Set(float64(st.Failed))
			}
		}
	}
}
