// Command skyproxy runs the S3-compatible federation proxy: it loads
// configuration from the environment, bootstraps one backend adapter per
// configured region, and serves the S3 wire surface over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skystore/skyproxy/internal/bootstrap"
	"github.com/skystore/skyproxy/internal/config"
	"github.com/skystore/skyproxy/internal/metrics"
	"github.com/skystore/skyproxy/internal/orchestrator"
	"github.com/skystore/skyproxy/internal/wireserver"
)

// SERVER_ADDR names the directory's host; the proxy's own listener is a
// separate concern, configured through its own env var with a sane
// default.
const defaultListenAddr = ":8080"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A missing required environment variable is a fatal startup
	// condition; Fatal exits the process rather than panicking.
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	b := bootstrap.New(cfg, log)
	if err := b.Start(ctx, bootstrap.DefaultAdapterFactory); err != nil {
		log.WithError(err).Fatal("bootstrap failed")
	}
	defer func() {
		if err := b.Stop(); err != nil {
			log.WithError(err).Warn("error closing backend adapters")
		}
	}()

	collector, err := metrics.New(metrics.DefaultConfig())
	if err != nil {
		log.WithError(err).Fatal("failed to start metrics collector")
	}
	defer func() {
		if err := collector.Close(); err != nil {
			log.WithError(err).Warn("error closing metrics collector")
		}
	}()

	orch := orchestrator.New(b.Registry, b.Directory, log)

	server := &wireserver.Server{
		Orchestrator:    orch,
		Metrics:         collector,
		Log:             log,
		AccessKeyID:     cfg.AWSAccessKeyID,
		AccessSecretKey: cfg.AWSSecretAccessKey,
		ClientRegion:    cfg.ClientFromRegion,
		PutPolicy:       cfg.PutPolicy,
	}

	listenAddr := os.Getenv("SKYPROXY_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: server.Handler(),
	}

	if metricsHandler := collector.Handler(); metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/", server.Handler())
		mux.Handle("/metrics", metricsHandler)
		httpServer.Handler = mux
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", listenAddr).Info("skyproxy listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
		}
	}
}
