package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mons/smtpkit/internal/config"
	"github.com/mons/smtpkit/internal/logging"
	"github.com/mons/smtpkit/metrics"
	"github.com/mons/smtpkit/smtpserver"
)

func runServe() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	spool, err := newSpool(cfg.Delivery.Spool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error preparing spool: %v\n", err)
		os.Exit(1)
	}

	srv := smtpserver.New(smtpserver.Config{
		Addr:           cfg.Listen,
		Hostname:       cfg.Hostname,
		MaxMessageSize: cfg.Limits.MaxMessageSize,
		MaxRecipients:  cfg.Limits.MaxRecipients,
		Timeout:        cfg.Timeouts.ConnectionTimeout(),
		Debug:          cfg.Debug,
		Logger:         logger,
		Collector:      collector,
	})
	srv.HandleMail(spool.store)

	logger.Info("starting smtpkit",
		"hostname", cfg.Hostname,
		"listen", cfg.Listen,
		"spool", cfg.Delivery.Spool,
	)

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	if err := srv.Stop(); err != nil {
		logger.Error("error stopping server", "error", err)
	}
}

// spool stores received messages as one file per envelope.
type spool struct {
	dir     string
	counter atomic.Uint64
}

func newSpool(dir string) (*spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &spool{dir: dir}, nil
}

// store writes the envelope to the spool directory. The sender and
// recipients go into a small header block above the raw message.
func (s *spool) store(env *smtpserver.Envelope) error {
	name := fmt.Sprintf("%d.%d.eml", time.Now().UnixNano(), s.counter.Add(1))
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "Return-Path: <%s>\r\n", env.From)
	for _, to := range env.To {
		fmt.Fprintf(f, "Delivered-To: <%s>\r\n", to)
	}
	if _, err := f.Write(env.Data); err != nil {
		return err
	}
	slog.Debug("message spooled", "path", path, "size", len(env.Data))
	return nil
}
