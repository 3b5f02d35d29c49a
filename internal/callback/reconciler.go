// Package callback applies worker status reports to the job registry.
package callback

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/lectures/pipeline-go/internal/model"
	"github.com/example/lectures/pipeline-go/internal/notify"
	"github.com/example/lectures/pipeline-go/internal/registry"
)

// View names the outcome of a callback as reported back to the worker.
type View string

const (
	ViewSuccess        View = "success"
	ViewError          View = "error"
	ViewErrorSignature View = "error-signature"
)

func (v View) HTTPStatus() int {
	switch v {
	case ViewSuccess:
		return http.StatusOK
	case ViewErrorSignature:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

type Registry interface {
	TokenByID(ctx context.Context, id string) (model.Job, error)
	UpdateToken(ctx context.Context, job model.Job, cb model.Callback, videos registry.VideoUpdater) (registry.Outcome, error)
}

type Videos interface {
	registry.VideoUpdater
	ImportFiles(ctx context.Context, videoID int64, dirs model.Dirs) ([]model.File, error)
}

// History keeps the raw trail of accepted reports.
type History interface {
	AppendCallback(ctx context.Context, entry model.CallbackEntry) error
	AppendReport(ctx context.Context, id string, receivedAt time.Time, body string) error
}

type Config struct {
	Salt string
	// Verify disables signature checks when false.
	Verify bool
}

type Reconciler struct {
	registry Registry
	videos   Videos
	history  History
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(reg Registry, videos Videos, history History, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{
		registry: reg,
		videos:   videos,
		history:  history,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle processes one GET callback given its raw query string.
func (r *Reconciler) Handle(ctx context.Context, rawQuery string) View {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		r.logger.Info("callback rejected", "reason", "malformed query", "error", err)
		return ViewError
	}

	if r.cfg.Verify && !Verify(CanonicalQuery(rawQuery), q.Get("sign"), r.cfg.Salt) {
		r.logger.Info("callback rejected", "reason", "signature")
		return ViewErrorSignature
	}

	cb := parseCallback(q, r.now())

	job, err := r.registry.TokenByID(ctx, cb.JobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			r.logger.Info("callback rejected", "reason", "unknown job", "job_id", cb.JobID)
		} else {
			r.logger.Error("callback job lookup failed", "job_id", cb.JobID, "error", err)
		}
		return ViewError
	}

	if _, ok := model.ParseJobState(cb.Status); !ok {
		r.logger.Info("callback rejected", "reason", "unknown status", "job_id", cb.JobID, "status", cb.Status)
		return ViewError
	}

	out, err := r.registry.UpdateToken(ctx, job, cb, r.videos)
	if err != nil {
		r.logger.Error("apply callback failed", "job_id", cb.JobID, "status", cb.Status, "error", err)
		return ViewError
	}

	if err := r.history.AppendCallback(ctx, model.CallbackEntry{ID: uuid.NewString(), Callback: cb}); err != nil {
		r.logger.Error("record callback failed", "job_id", cb.JobID, "error", err)
	}

	r.sideEffects(ctx, out, cb)

	r.logger.Info("callback accepted",
		"job_id", cb.JobID,
		"status", cb.Status,
		"block", cb.Block,
		"state", out.Job.State,
	)
	return ViewSuccess
}

func (r *Reconciler) sideEffects(ctx context.Context, out registry.Outcome, cb model.Callback) {
	switch {
	case out.BecameDone:
		if _, err := r.videos.ImportFiles(ctx, out.Job.VideoID, out.Job.Dirs()); err != nil {
			r.logger.Error("import worker files failed", "job_id", out.Job.ID, "video_id", out.Job.VideoID, "error", err)
		}
		if err := r.notifier.JobDone(ctx, out.Job); err != nil {
			r.logger.Error("done notification failed", "job_id", out.Job.ID, "error", err)
		}
	case out.BecameError:
		if err := r.notifier.JobFailed(ctx, out.Job, cb); err != nil {
			r.logger.Error("error notification failed", "job_id", out.Job.ID, "error", err)
		}
	}
}

// HandleReport stores a raw SGE report posted by the worker host. The
// signature covers the body.
func (r *Reconciler) HandleReport(ctx context.Context, body []byte, sign string) View {
	if r.cfg.Verify && !Verify(string(body), sign, r.cfg.Salt) {
		r.logger.Info("report rejected", "reason", "signature")
		return ViewErrorSignature
	}
	if sign == "" {
		r.logger.Info("report rejected", "reason", "unsigned")
		return ViewError
	}
	if err := r.history.AppendReport(ctx, uuid.NewString(), r.now(), string(body)); err != nil {
		r.logger.Error("store report failed", "error", err)
		return ViewError
	}
	return ViewSuccess
}

func parseCallback(q url.Values, at time.Time) model.Callback {
	sgeJobID, _ := strconv.ParseInt(strings.TrimSpace(q.Get("sge_job_id")), 10, 64)
	return model.Callback{
		JobID:      q.Get("job_id"),
		Status:     strings.TrimSpace(q.Get("status")),
		Message:    q.Get("message"),
		Process:    q.Get("process"),
		Block:      q.Get("block"),
		HostIP:     q.Get("hostip"),
		HostName:   q.Get("hostname"),
		SGEJobID:   sgeJobID,
		ReceivedAt: at,
	}
}
