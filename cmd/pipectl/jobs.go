package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/model"
	"github.com/example/lectures/pipeline-go/internal/registry"
	"github.com/example/lectures/pipeline-go/internal/token"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect submitted jobs",
	}
	cmd.AddCommand(newJobsShowCmd(a))
	cmd.AddCommand(newJobsVideoCmd(a))
	cmd.AddCommand(newJobsOrphansCmd(a))
	cmd.AddCommand(newJobsWatchCmd(a))
	return cmd
}

func newJobsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			ctx := cmd.Context()
			job, err := a.jobs.TokenByID(ctx, args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			tpl, _ := a.templates.ByID(ctx, job.TemplateID)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job:       %s\n", job.ID)
			fmt.Fprintf(out, "template:  %s\n", tpl.Name)
			fmt.Fprintf(out, "video:     %d\n", job.VideoID)
			fmt.Fprintf(out, "state:     %s (%d%%)\n", job.State, registry.Progress(job, tpl))
			fmt.Fprintf(out, "current:   %s\n", dash(job.CurrentBlock))
			fmt.Fprintf(out, "pending:   %s\n", dash(strings.Join(job.PendingBlocks, ", ")))
			fmt.Fprintf(out, "created:   %s\n", humanize.Time(job.CreatedAt))
			fmt.Fprintf(out, "updated:   %s\n", ago(job.LastUpdate))
			fmt.Fprintf(out, "queued:    %s\n", ago(job.QueuedAt))
			fmt.Fprintf(out, "public:    %s\n", job.Dirs().PublicPath())

			export := blob.LocalFS{Root: a.cfg.ExportDir}
			configPath := export.Abs(job.Dirs().PrivatePath() + token.ConfigFile)
			if info, err := os.Stat(configPath); err == nil {
				fmt.Fprintf(out, "config:    %s (%s)\n", configPath, humanize.Bytes(uint64(info.Size())))
			}

			pointer, err := blob.LocalFS{Root: a.cfg.WaitDir}.ReadFile("/" + job.ID)
			switch {
			case err == nil:
				target := strings.TrimSpace(string(pointer))
				if key, ok := export.Rel(target); ok {
					fmt.Fprintf(out, "pointer:   waiting -> %s\n", key)
				} else {
					fmt.Fprintf(out, "pointer:   waiting -> %s (outside export dir)\n", target)
				}
			case job.QueuedAt != nil:
				fmt.Fprintln(out, "pointer:   picked up")
			default:
				fmt.Fprintln(out, "pointer:   never written")
			}
			return nil
		},
	}
}

func newJobsVideoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "video <video-id>",
		Short: "List the jobs of a video, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid video id %q", args[0])
			}
			if err := a.open(); err != nil {
				return err
			}
			jobs, err := a.jobs.TokensByVideo(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}
}

func newJobsOrphansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List jobs that were registered but never queued",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			jobs, err := a.jobs.Orphans(cmd.Context())
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}
}

func newJobsWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's block progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			return watchJob(cmd.Context(), a, cmd.ErrOrStderr(), args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

func watchJob(ctx context.Context, a *app, w io.Writer, id string, interval time.Duration) error {
	job, err := a.jobs.TokenByID(ctx, id)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	tpl, err := a.templates.ByID(ctx, job.TemplateID)
	if err != nil {
		return fmt.Errorf("template of job %s: %w", id, err)
	}

	bar := progressbar.NewOptions(len(tpl.Blocks),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(id),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetItsString("block"),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done := len(tpl.Blocks) - len(job.PendingBlocks)
		if job.State == model.JobDone {
			done = len(tpl.Blocks)
		}
		bar.Describe(fmt.Sprintf("%s [%s %s]", id, job.State, job.CurrentBlock))
		_ = bar.Set(done)

		if job.State.Terminal() {
			_ = bar.Finish()
			if job.State == model.JobError {
				return fmt.Errorf("job %s failed in block %s", id, dash(job.CurrentBlock))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if job, err = a.jobs.TokenByID(ctx, id); err != nil {
			return err
		}
	}
}

func printJobs(w io.Writer, jobs []model.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tCURRENT\tPENDING\tCREATED\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.State, dash(j.CurrentBlock), len(j.PendingBlocks),
			humanize.Time(j.CreatedAt), ago(j.LastUpdate))
	}
	return tw.Flush()
}

func ago(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
