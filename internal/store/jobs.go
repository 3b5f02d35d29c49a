package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/example/lectures/pipeline-go/internal/model"
)

const jobColumns = `id, state, type, template_id, video_id, public_hash, private_hash, date_prefix,
       pending_blocks, current_block, created_at, last_update, queued_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job                  model.Job
		state, pending       string
		current              sql.NullString
		createdMs            int64
		lastUpdate, queuedAt sql.NullInt64
	)
	if err := row.Scan(&job.ID, &state, &job.Type, &job.TemplateID, &job.VideoID,
		&job.PublicHash, &job.PrivateHash, &job.DatePrefix, &pending, &current,
		&createdMs, &lastUpdate, &queuedAt, &job.Version); err != nil {
		return model.Job{}, err
	}
	job.State = model.JobState(state)
	job.PendingBlocks = splitBlocks(pending)
	if current.Valid {
		job.CurrentBlock = current.String
	}
	job.CreatedAt = time.UnixMilli(createdMs)
	job.LastUpdate = timeFromNull(lastUpdate)
	job.QueuedAt = timeFromNull(queuedAt)
	return job, nil
}

// CreateJob inserts a new registry row. A primary key collision is reported
// as InsertDuplicate with a nil error.
func (s *SQLite) CreateJob(ctx context.Context, job model.Job) (InsertResult, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, type, template_id, video_id, public_hash, private_hash, date_prefix,
                           pending_blocks, current_block, created_at, last_update, queued_at, version)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		job.ID,
		string(job.State),
		job.Type,
		job.TemplateID,
		job.VideoID,
		job.PublicHash,
		job.PrivateHash,
		job.DatePrefix,
		joinBlocks(job.PendingBlocks),
		nullableString(job.CurrentBlock),
		job.CreatedAt.UnixMilli(),
		nullableTime(job.LastUpdate),
		nullableTime(job.QueuedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return InsertDuplicate, nil
		}
		return InsertFailed, err
	}
	return InsertOK, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		return model.Job{}, err
	}
	return job, nil
}

// ListJobsByVideo returns the jobs of the given videos, newest first.
func (s *SQLite) ListJobsByVideo(ctx context.Context, videoIDs ...int64) ([]model.Job, error) {
	if len(videoIDs) == 0 {
		return []model.Job{}, nil
	}
	args := make([]any, 0, len(videoIDs))
	for _, id := range videoIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(videoIDs)), ",")
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE video_id IN (`+placeholders+`) ORDER BY created_at DESC, id DESC`,
		args...)
}

// ListOrphanJobs returns rows whose pointer file was never written.
func (s *SQLite) ListOrphanJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queued_at IS NULL ORDER BY created_at ASC`)
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkJobQueued(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET queued_at = ?, version = version + 1 WHERE id = ?`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpdateJob writes the mutable columns of job only if the stored version still
// equals job.Version. On success the stored version is job.Version+1.
func (s *SQLite) UpdateJob(ctx context.Context, job model.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET state = ?,
             pending_blocks = ?,
             current_block = ?,
             last_update = ?,
             version = version + 1
         WHERE id = ? AND version = ?`,
		string(job.State),
		joinBlocks(job.PendingBlocks),
		nullableString(job.CurrentBlock),
		nullableTime(job.LastUpdate),
		job.ID,
		job.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, job.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
