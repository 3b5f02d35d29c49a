package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/example/lectures/pipeline-go/internal/model"
)

func (s *SQLite) CreateVideo(ctx context.Context, name string, createdAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO videos (name, created_at) VALUES (?, ?)`,
		name, createdAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) GetVideo(ctx context.Context, id int64) (model.Video, error) {
	var (
		v         model.Video
		createdMs int64
		duration  sql.NullInt64
		complete  int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, duration, complete FROM videos WHERE id = ?`, id,
	).Scan(&v.ID, &v.Name, &createdMs, &duration, &complete)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Video{}, model.ErrNotFound
		}
		return model.Video{}, err
	}
	v.CreatedAt = time.UnixMilli(createdMs)
	if duration.Valid {
		d := duration.Int64
		v.Duration = &d
	}
	v.Complete = complete != 0
	return v, nil
}

func (s *SQLite) DeleteVideo(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM video_files WHERE video_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SetVideoDuration stores seconds only while no duration is recorded yet and
// reports whether this call wrote it.
func (s *SQLite) SetVideoDuration(ctx context.Context, id int64, seconds int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE videos SET duration = ? WHERE id = ? AND duration IS NULL`,
		seconds, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkVideoComplete flips the completion flag and reports whether it was
// previously unset.
func (s *SQLite) MarkVideoComplete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE videos SET complete = 1 WHERE id = ? AND complete = 0`, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) LinkFile(ctx context.Context, videoID int64, file model.File) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (type, path) VALUES (?, ?)`, file.Type, file.Path,
	)
	if err != nil {
		return 0, err
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO video_files (video_id, file_id) VALUES (?, ?)`, videoID, fileID,
	); err != nil {
		return 0, err
	}
	return fileID, nil
}

func (s *SQLite) ListVideoFiles(ctx context.Context, videoID int64) ([]model.File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.type, f.path FROM files f
         JOIN video_files vf ON vf.file_id = f.id
         WHERE vf.video_id = ? ORDER BY f.id ASC`, videoID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.File{}
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.ID, &f.Type, &f.Path); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
