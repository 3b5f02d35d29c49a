// Package registry is the durable record of every submitted job and the only
// place its state is mutated.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/lectures/pipeline-go/internal/model"
	"github.com/example/lectures/pipeline-go/internal/store"
)

const defaultMaxRetries = 8

var ErrUnknownState = errors.New("unknown job state")

type Store interface {
	CreateJob(ctx context.Context, job model.Job) (store.InsertResult, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobsByVideo(ctx context.Context, videoIDs ...int64) ([]model.Job, error)
	ListOrphanJobs(ctx context.Context) ([]model.Job, error)
	MarkJobQueued(ctx context.Context, id string, at time.Time) error
	UpdateJob(ctx context.Context, job model.Job) error
}

// VideoUpdater receives the duration a worker reported for a job's video.
type VideoUpdater interface {
	SetDuration(ctx context.Context, videoID int64, seconds float64) error
}

type Registry struct {
	store      Store
	logger     *slog.Logger
	maxRetries int
}

func New(s Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger, maxRetries: defaultMaxRetries}
}

type NewTokenParams struct {
	ID        string
	Template  model.Template
	VideoID   int64
	Dirs      model.Dirs
	CreatedAt time.Time
	// State defaults to submitted, Type to JobTypeProcessing.
	State model.JobState
	Type  int
}

// NewToken inserts the registry row for a freshly allocated job. The pending
// set starts as the template's full block list. A key collision is returned
// as store.InsertDuplicate so the caller can mint a new suffix.
func (r *Registry) NewToken(ctx context.Context, p NewTokenParams) (model.Job, store.InsertResult, error) {
	if p.State == "" {
		p.State = model.JobSubmitted
	}
	if p.Type == 0 {
		p.Type = model.JobTypeProcessing
	}
	job := model.Job{
		ID:            p.ID,
		State:         p.State,
		Type:          p.Type,
		TemplateID:    p.Template.ID,
		VideoID:       p.VideoID,
		PublicHash:    p.Dirs.Public,
		PrivateHash:   p.Dirs.Private,
		DatePrefix:    p.Dirs.Prefix,
		PendingBlocks: append([]string{}, p.Template.Blocks...),
		CreatedAt:     p.CreatedAt,
	}
	res, err := r.store.CreateJob(ctx, job)
	if err != nil || res != store.InsertOK {
		return model.Job{}, res, err
	}
	return job, res, nil
}

func (r *Registry) TokenByID(ctx context.Context, id string) (model.Job, error) {
	return r.store.GetJob(ctx, id)
}

func (r *Registry) TokensByVideo(ctx context.Context, videoIDs ...int64) ([]model.Job, error) {
	return r.store.ListJobsByVideo(ctx, videoIDs...)
}

// Orphans returns jobs that were registered but never reached the worker
// queue.
func (r *Registry) Orphans(ctx context.Context) ([]model.Job, error) {
	return r.store.ListOrphanJobs(ctx)
}

func (r *Registry) MarkQueued(ctx context.Context, id string, at time.Time) error {
	return r.store.MarkJobQueued(ctx, id, at)
}

// Outcome describes what one callback did to a job.
type Outcome struct {
	Previous     model.Job
	Job          model.Job
	StateChanged bool
	BecameDone   bool
	BecameError  bool
}

// UpdateToken applies a worker callback to job. The write is conditional on
// the row version; on a concurrent modification the row is re-read and the
// callback re-applied, so simultaneous info callbacks never lose a block
// removal.
func (r *Registry) UpdateToken(ctx context.Context, job model.Job, cb model.Callback, videos VideoUpdater) (Outcome, error) {
	current := job
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		next, fx, err := Apply(current, cb)
		if err != nil {
			return Outcome{}, err
		}

		err = r.store.UpdateJob(ctx, next)
		if errors.Is(err, store.ErrConflict) {
			r.logger.Debug("job changed concurrently, retrying", "job_id", job.ID, "attempt", attempt+1)
			if current, err = r.store.GetJob(ctx, job.ID); err != nil {
				return Outcome{}, err
			}
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("update job %s: %w", job.ID, err)
		}
		next.Version++

		if fx.duration != nil && videos != nil {
			if err := videos.SetDuration(ctx, next.VideoID, *fx.duration); err != nil {
				r.logger.Error("set video duration failed", "job_id", job.ID, "video_id", next.VideoID, "error", err)
			}
		}

		return Outcome{
			Previous:     current,
			Job:          next,
			StateChanged: current.State != next.State,
			BecameDone:   current.State != model.JobDone && next.State == model.JobDone,
			BecameError:  current.State != model.JobError && next.State == model.JobError,
		}, nil
	}
	return Outcome{}, fmt.Errorf("update job %s: %w after %d attempts", job.ID, store.ErrConflict, r.maxRetries)
}

// Progress is the share of the template's blocks no longer pending, in
// percent.
func Progress(job model.Job, tpl model.Template) int {
	if job.State == model.JobDone || len(job.PendingBlocks) == 0 {
		return 100
	}
	all := len(tpl.Blocks)
	if all == 0 {
		return 0
	}
	p := 100 - int(math.Round(100*float64(len(job.PendingBlocks))/float64(all)))
	if p < 0 {
		return 0
	}
	return p
}
