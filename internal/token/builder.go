// Package token turns a template and caller values into a queued job: an
// allocated directory pair, a registry row, a filled config.ini and the
// pointer file the worker polls for.
package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/valyala/fasttemplate"

	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/model"
	"github.com/example/lectures/pipeline-go/internal/registry"
	"github.com/example/lectures/pipeline-go/internal/store"
	"github.com/example/lectures/pipeline-go/internal/templates"
)

const (
	ConfigFile = "config.ini"

	PriorityKey = "sge_priority"

	placeholderStart = `$VAR["`
	placeholderEnd   = `"]`

	maxInsertAttempts = 16
)

type Templates interface {
	ByName(ctx context.Context, name string) (model.Template, error)
	Body(name string) (string, error)
}

type Allocator interface {
	Allocate() (model.Dirs, time.Time, error)
	Release(d model.Dirs) error
	IDPrefix(priority int, at time.Time) string
	Suffix() (string, error)
}

type Registry interface {
	NewToken(ctx context.Context, p registry.NewTokenParams) (model.Job, store.InsertResult, error)
	MarkQueued(ctx context.Context, id string, at time.Time) error
}

type Config struct {
	// Export is the root the allocator creates job directories under.
	Export blob.LocalFS
	// Wait is the directory the worker polls for pointer files.
	Wait     blob.LocalFS
	Defaults map[string]string
}

type Builder struct {
	templates Templates
	alloc     Allocator
	registry  Registry
	export    blob.LocalFS
	wait      blob.LocalFS
	defaults  map[string]string
	logger    *slog.Logger
	now       func() time.Time
}

func New(t Templates, a Allocator, r Registry, cfg Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		templates: t,
		alloc:     a,
		registry:  r,
		export:    cfg.Export,
		wait:      cfg.Wait,
		defaults:  lo.Assign(map[string]string{PriorityKey: "0"}, cfg.Defaults),
		logger:    logger,
		now:       time.Now,
	}
}

type SubmitRequest struct {
	Template string
	Values   map[string]string
	VideoID  int64
	// Priority overrides the default sge_priority unless Values sets it.
	Priority int
}

// Submit runs the whole hand-off and returns the job ID once the pointer file
// is written. Every failure comes back as *SubmissionError.
func (b *Builder) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	tpl, err := b.templates.ByName(ctx, req.Template)
	if err != nil {
		return "", b.fail(StepTemplate, "", fmt.Errorf("%w: %w", ErrTemplateUnreadable, err))
	}
	body, err := b.templates.Body(tpl.Name)
	if err != nil {
		return "", b.fail(StepTemplate, "", fmt.Errorf("%w: %w", ErrTemplateUnreadable, err))
	}

	dirs, at, err := b.alloc.Allocate()
	if err != nil {
		return "", b.fail(StepAllocate, "", fmt.Errorf("%w: %w", ErrAllocate, err))
	}

	values := b.mergeValues(req, dirs)
	priority, _ := strconv.Atoi(strings.TrimSpace(values[PriorityKey]))

	job, err := b.register(ctx, tpl, req.VideoID, dirs, at, priority)
	if err != nil {
		b.release(dirs)
		return "", b.fail(StepRegister, "", err)
	}
	values["job_id"] = job.ID

	filled, err := Fill(body, values)
	if err != nil {
		// the registry row stays behind as an orphan
		b.release(dirs)
		return "", b.fail(StepFill, job.ID, err)
	}

	configRel := dirs.PrivatePath() + ConfigFile
	configAbs, err := b.export.WriteLocked(configRel, []byte(filled))
	if err != nil {
		return "", b.fail(StepWriteConfig, job.ID, fmt.Errorf("%w: %w", ErrWrite, err))
	}

	if _, err := b.wait.WriteLocked("/"+job.ID, []byte(configAbs)); err != nil {
		return "", b.fail(StepQueue, job.ID, fmt.Errorf("%w: %w", ErrWrite, err))
	}

	if err := b.registry.MarkQueued(ctx, job.ID, b.now()); err != nil {
		// the worker already has the job; only the orphan audit is affected
		b.logger.Error("mark job queued failed", "job_id", job.ID, "error", err)
	}

	b.logger.Info("job submitted",
		"job_id", job.ID,
		"template", tpl.Name,
		"video_id", req.VideoID,
		"public", dirs.PublicPath(),
	)
	return job.ID, nil
}

func (b *Builder) mergeValues(req SubmitRequest, dirs model.Dirs) map[string]string {
	values := lo.Assign(b.defaults, req.Values)
	if _, set := req.Values[PriorityKey]; !set && req.Priority > 0 {
		values[PriorityKey] = strconv.Itoa(req.Priority)
	}
	if _, ok := values["public_datadir"]; !ok {
		values["public_datadir"] = dirs.PublicPath()
	}
	if _, ok := values["private_datadir"]; !ok {
		values["private_datadir"] = dirs.PrivatePath()
	}
	return values
}

// register inserts the registry row, minting a new random suffix on every
// key collision.
func (b *Builder) register(ctx context.Context, tpl model.Template, videoID int64, dirs model.Dirs, at time.Time, priority int) (model.Job, error) {
	prefix := b.alloc.IDPrefix(priority, at)
	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		suffix, err := b.alloc.Suffix()
		if err != nil {
			return model.Job{}, fmt.Errorf("%w: %w", ErrRegister, err)
		}
		job, res, err := b.registry.NewToken(ctx, registry.NewTokenParams{
			ID:        prefix + suffix,
			Template:  tpl,
			VideoID:   videoID,
			Dirs:      dirs,
			CreatedAt: at,
		})
		switch res {
		case store.InsertOK:
			return job, nil
		case store.InsertDuplicate:
			b.logger.Debug("job id collision, regenerating suffix", "prefix", prefix, "attempt", attempt)
			continue
		default:
			return model.Job{}, fmt.Errorf("%w: %w", ErrRegister, err)
		}
	}
	return model.Job{}, fmt.Errorf("%w: no free job id after %d attempts", ErrRegister, maxInsertAttempts)
}

func (b *Builder) release(dirs model.Dirs) {
	if err := b.alloc.Release(dirs); err != nil {
		b.logger.Error("release job directories failed", "public", dirs.PublicPath(), "error", err)
	}
}

func (b *Builder) fail(step Step, jobID string, err error) error {
	b.logger.Error("job submission failed", "step", step, "job_id", jobID, "error", err)
	return &SubmissionError{Step: step, JobID: jobID, Err: err}
}

// Fill replaces every $VAR["name"] placeholder of body. A placeholder whose
// name is not in values fails with an *UnfilledError. Substituted values are
// not scanned again, so a value may itself contain placeholder-like text.
func Fill(body string, values map[string]string) (string, error) {
	var missing []string
	out, err := fasttemplate.ExecuteFuncStringWithErr(body, placeholderStart, placeholderEnd,
		func(w io.Writer, tag string) (int, error) {
			if v, ok := values[tag]; ok {
				return w.Write([]byte(v))
			}
			if templates.IsVariableName(tag) {
				missing = append(missing, tag)
			}
			return w.Write([]byte(placeholderStart + tag + placeholderEnd))
		})
	if err != nil {
		return "", fmt.Errorf("substitute placeholders: %w", err)
	}
	if len(missing) > 0 {
		return "", &UnfilledError{Missing: lo.Uniq(missing)}
	}
	return out, nil
}

// IsUnfilled reports whether err stems from a template variable nobody
// supplied, and which ones.
func IsUnfilled(err error) ([]string, bool) {
	var ue *UnfilledError
	if errors.As(err, &ue) {
		return ue.Missing, true
	}
	return nil, false
}
