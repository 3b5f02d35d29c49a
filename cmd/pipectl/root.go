package main

import (
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/lectures/pipeline-go/internal/alloc"
	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/config"
	"github.com/example/lectures/pipeline-go/internal/registry"
	"github.com/example/lectures/pipeline-go/internal/store"
	"github.com/example/lectures/pipeline-go/internal/templates"
	"github.com/example/lectures/pipeline-go/internal/token"
	"github.com/example/lectures/pipeline-go/internal/video"
)

// app holds what the subcommands share. Components are built on first use so
// commands that only need the configuration never touch the database.
type app struct {
	verbose bool
	cfg     config.Config
	logger  *slog.Logger

	db        *store.SQLite
	templates *templates.Store
	jobs      *registry.Registry
	videos    *video.Manager
	builder   *token.Builder
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) open() error {
	if a.db != nil {
		return nil
	}
	if err := a.cfg.EnsureDirs(); err != nil {
		return err
	}
	db, err := store.Open(filepath.Join(a.cfg.DataDir, "jobs.db"))
	if err != nil {
		return err
	}
	export := blob.LocalFS{Root: a.cfg.ExportDir}

	a.db = db
	a.templates = templates.New(db, blob.LocalFS{Root: a.cfg.TemplatesDir}, a.logger)
	a.jobs = registry.New(db, a.logger)
	a.videos = video.New(db, export, a.logger)
	a.builder = token.New(a.templates, alloc.New(export), a.jobs, token.Config{
		Export:   export,
		Wait:     blob.LocalFS{Root: a.cfg.WaitDir},
		Defaults: a.cfg.TokenDefaults(),
	}, a.logger)
	return nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "pipectl",
		Short: "Administer the lecture processing pipeline",
		Long: `pipectl manages job templates, submits processing jobs and inspects
their progress. It reads the same configuration as the API service
(PIPELINE_* variables, .env, pipeline.yaml).

Examples:
  pipectl templates list
  pipectl submit config_video_convert --set input_media=/upload/x.mp4 --video-name "Lecture 1"
  pipectl jobs watch 00-20240305-140709-042-sd-001001-deadbeef
  pipectl sign 'job_id=...&status=done'`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(newTemplatesCmd(a))
	root.AddCommand(newSubmitCmd(a))
	root.AddCommand(newJobsCmd(a))
	root.AddCommand(newSignCmd(a))
	root.AddCommand(newQueueCmd(a))
	return root
}
