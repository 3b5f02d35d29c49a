package store

import (
	"context"
	"time"

	"github.com/example/lectures/pipeline-go/internal/model"
)

func (s *SQLite) AppendCallback(ctx context.Context, entry model.CallbackEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO callback_log (id, job_id, received_at, status, block, process, message, host_ip, host_name, sge_job_id)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.JobID,
		entry.ReceivedAt.UnixMilli(),
		entry.Status,
		entry.Block,
		entry.Process,
		entry.Message,
		entry.HostIP,
		entry.HostName,
		entry.SGEJobID,
	)
	return err
}

// ListCallbacks returns a job's callback history in arrival order.
func (s *SQLite) ListCallbacks(ctx context.Context, jobID string) ([]model.CallbackEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, received_at, status, block, process, message, host_ip, host_name, sge_job_id
       FROM callback_log WHERE job_id = ? ORDER BY received_at ASC, rowid ASC`, jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.CallbackEntry{}
	for rows.Next() {
		var (
			e          model.CallbackEntry
			receivedMs int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &receivedMs, &e.Status, &e.Block, &e.Process,
			&e.Message, &e.HostIP, &e.HostName, &e.SGEJobID); err != nil {
			return nil, err
		}
		e.ReceivedAt = time.UnixMilli(receivedMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendReport(ctx context.Context, id string, receivedAt time.Time, body string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sge_reports (id, received_at, body) VALUES (?, ?, ?)`,
		id, receivedAt.UnixMilli(), body,
	)
	return err
}

func (s *SQLite) CountReports(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sge_reports`).Scan(&n)
	return n, err
}
