package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/justinjstark/SmtpRouter/internal/api"
	"github.com/justinjstark/SmtpRouter/internal/config"
	"github.com/justinjstark/SmtpRouter/internal/metrics"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
	"github.com/justinjstark/SmtpRouter/internal/relay"
	"github.com/justinjstark/SmtpRouter/internal/smtpserver"
	"github.com/justinjstark/SmtpRouter/internal/sse"
	"github.com/justinjstark/SmtpRouter/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger, err := newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		slog.Error("configure logging", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("smtprouter stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	routes := config.DefaultRoutes()
	if cfg.RoutesFile != "" {
		routes, err = config.LoadRoutes(cfg.RoutesFile)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("ROUTES_FILE not set; using the built-in example routes")
	}

	relayCfg, err := cfg.Relay()
	if err != nil {
		return err
	}
	relayClient := relay.New(relayCfg, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	p, err := config.BuildPipeline(routes, config.Deps{
		Logger:           logger,
		Relay:            relayClient,
		PipelineObserver: m,
		RerouteObserver:  m,
	})
	if err != nil {
		return err
	}

	hub := sse.NewHub()
	smtpSrv := smtpserver.New(p, logger, cfg.Server(), smtpserver.NewRecorder(db, hub, logger), m)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(db, hub, registry, p.Steps(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("pipeline configured", "steps", p.Steps(), "relay", relayClient.Addr())
	if cfg.SMTPAuthEnabled && cfg.SMTPAuthAcceptAny {
		logger.Warn("smtp auth accepts any credentials; the username only selects a route")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := smtpSrv.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.JournalRetention > 0 {
		g.Go(func() error {
			pruneJournal(ctx, db, cfg.JournalRetention, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown http", "error", err)
		}
		if err := smtpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown smtp", "error", err)
			_ = smtpSrv.Close()
		}
		return nil
	})
	return g.Wait()
}

// pruneJournal deletes journal entries older than retention once an hour.
func pruneJournal(ctx context.Context, db *store.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := db.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("prune journal", "error", err)
		case n > 0:
			logger.Info("pruned journal", "runs", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l >= pipeline.LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, errors.New("unknown log format " + format)
}
