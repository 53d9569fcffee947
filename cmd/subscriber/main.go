package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/bus"
	"github.com/darkden-lab/quakewatch/internal/config"
	"github.com/darkden-lab/quakewatch/internal/logger"
	"github.com/darkden-lab/quakewatch/internal/metrics"
	"github.com/darkden-lab/quakewatch/internal/subscriber"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}
	logger.Init(cfg)

	sub, err := cfg.Subscription()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dial, err := bus.NewDialer(cfg.Bus())
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, m)
	}

	client := subscriber.NewClient(subscriber.ClientConfig{
		LookupURL:     cfg.LookupURL,
		AggregatorURL: cfg.AggregatorURL,
		LookupTimeout: cfg.LookupTimeout,
		ReportTimeout: cfg.ReportTimeout,
	})
	agent, err := subscriber.NewAgent(sub, dial, client, client,
		subscriber.WithRetryPolicy(cfg.RetryPolicy()),
		subscriber.WithMetrics(m),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid subscription")
	}

	log.Info().
		Str("region", sub.Region).
		Float64("lat", sub.Lat).
		Float64("lon", sub.Lon).
		Float64("threshold_km", sub.ThresholdKm).
		Str("lookup_url", cfg.LookupURL).
		Str("aggregator_url", cfg.AggregatorURL).
		Msg("subscriber starting")

	if err := agent.Run(ctx); err != nil {
		log.Error().Err(err).Str("region", sub.Region).Msg("subscriber failed")
		os.Exit(1)
	}
	log.Info().Str("region", sub.Region).Msg("subscriber stopped")
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close() //nolint:errcheck
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
	}
}
