// Package notify tells interested parties that a job finished or failed.
// Mail delivery lives outside the pipeline; the log sink records the event
// for whatever ships logs onwards.
package notify

import (
	"context"
	"log/slog"

	"github.com/example/lectures/pipeline-go/internal/model"
)

type Notifier interface {
	JobDone(ctx context.Context, job model.Job) error
	JobFailed(ctx context.Context, job model.Job, cb model.Callback) error
}

type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) JobDone(_ context.Context, job model.Job) error {
	l.logger().Info("processing done", "job_id", job.ID, "video_id", job.VideoID)
	return nil
}

func (l Log) JobFailed(_ context.Context, job model.Job, cb model.Callback) error {
	l.logger().Warn("processing failed",
		"job_id", job.ID,
		"video_id", job.VideoID,
		"block", cb.Block,
		"process", cb.Process,
		"message", cb.Message,
		"host", cb.HostName,
	)
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) JobDone(context.Context, model.Job) error { return nil }
func (Nop) JobFailed(context.Context, model.Job, model.Callback) error { return nil }
