package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/lectures/pipeline-go/internal/alloc"
	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/callback"
	"github.com/example/lectures/pipeline-go/internal/config"
	"github.com/example/lectures/pipeline-go/internal/httpapi"
	"github.com/example/lectures/pipeline-go/internal/notify"
	"github.com/example/lectures/pipeline-go/internal/queuewatch"
	"github.com/example/lectures/pipeline-go/internal/registry"
	"github.com/example/lectures/pipeline-go/internal/store"
	"github.com/example/lectures/pipeline-go/internal/templates"
	"github.com/example/lectures/pipeline-go/internal/token"
	"github.com/example/lectures/pipeline-go/internal/video"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if envPath := config.LoadDotEnv(); envPath != "" {
		logger.Info("loaded .env", "path", envPath)
	}
	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(logger, "invalid config", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		fatal(logger, "create directories", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		fatal(logger, "open job store", err)
	}
	defer db.Close()

	export := blob.LocalFS{Root: cfg.ExportDir}
	defaults := cfg.TokenDefaults()

	tpls := templates.New(db, blob.LocalFS{Root: cfg.TemplatesDir}, logger)
	jobs := registry.New(db, logger)
	videos := video.New(db, export, logger)
	builder := token.New(tpls, alloc.New(export), jobs, token.Config{
		Export:   export,
		Wait:     blob.LocalFS{Root: cfg.WaitDir},
		Defaults: defaults,
	}, logger)
	reconciler := callback.New(jobs, videos, db, notify.Log{Logger: logger}, callback.Config{
		Salt:   cfg.Salt,
		Verify: cfg.SignVerification,
	}, logger)
	if !cfg.SignVerification {
		logger.Warn("callback signature verification disabled")
	}

	server := httpapi.Server{
		Templates:      tpls,
		Jobs:           jobs,
		Videos:         videos,
		Builder:        builder,
		Callbacks:      reconciler,
		History:        db,
		Defaults:       defaults,
		DatadirBaseURL: cfg.DatadirBaseURL,
		Logger:         logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WatchQueue {
		w, err := queuewatch.New(cfg.WaitDir, logger)
		if err != nil {
			fatal(logger, "watch waiting queue", err)
		}
		go func() {
			for ev := range w.Watch(ctx) {
				logger.Info("waiting queue", "job_id", ev.JobID, "event", ev.Kind)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("pipeline API listening",
		"addr", cfg.Addr,
		"export_dir", cfg.ExportDir,
		"wait_dir", cfg.WaitDir,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "listen", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
