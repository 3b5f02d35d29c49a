package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/lectures/pipeline-go/internal/model"
)

func scanTemplate(row rowScanner) (model.Template, error) {
	var (
		t      model.Template
		blocks string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &blocks); err != nil {
		return model.Template{}, err
	}
	t.Blocks = splitBlocks(blocks)
	return t, nil
}

func (s *SQLite) CreateTemplate(ctx context.Context, t model.Template) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (name, description, blocks) VALUES (?, ?, ?)`,
		t.Name, t.Description, joinBlocks(t.Blocks),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("template %q already exists", t.Name)
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) GetTemplate(ctx context.Context, id int64) (model.Template, error) {
	return s.getTemplate(ctx, `SELECT id, name, description, blocks FROM templates WHERE id = ?`, id)
}

func (s *SQLite) GetTemplateByName(ctx context.Context, name string) (model.Template, error) {
	return s.getTemplate(ctx, `SELECT id, name, description, blocks FROM templates WHERE name = ?`, name)
}

func (s *SQLite) getTemplate(ctx context.Context, query string, arg any) (model.Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Template{}, model.ErrNotFound
		}
		return model.Template{}, err
	}
	return t, nil
}

func (s *SQLite) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, blocks FROM templates ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateTemplate(ctx context.Context, id int64, patch model.TemplatePatch) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET name = ?, description = ?, blocks = ? WHERE id = ?`,
		patch.Name, patch.Description, joinBlocks(patch.Blocks), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template %q already exists", patch.Name)
		}
		return err
	}
	return expectOneRow(res)
}
