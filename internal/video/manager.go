// Package video is the slice of the lecture record the processing pipeline
// writes to: duration, linked output files and the completion flag.
package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/model"
)

const (
	// FileList is written by the worker into the job's private directory.
	FileList = "files.list"
	// maxListLine bounds one files.list line.
	maxListLine = 1 << 20
	// ExportMarker separates the worker-local prefix from the path recorded
	// for each listed file.
	ExportMarker = "DATA-EXPORT"

	thumbnailName = "thumbnail.jpg"
)

var (
	ErrMalformedFileList = errors.New("malformed files.list line")
	ErrInvalidDuration   = errors.New("invalid duration")
)

type Store interface {
	CreateVideo(ctx context.Context, name string, createdAt time.Time) (int64, error)
	GetVideo(ctx context.Context, id int64) (model.Video, error)
	DeleteVideo(ctx context.Context, id int64) error
	SetVideoDuration(ctx context.Context, id int64, seconds int64) (bool, error)
	MarkVideoComplete(ctx context.Context, id int64) (bool, error)
	LinkFile(ctx context.Context, videoID int64, file model.File) (int64, error)
	ListVideoFiles(ctx context.Context, videoID int64) ([]model.File, error)
}

type Manager struct {
	store  Store
	export blob.LocalFS
	logger *slog.Logger
	now    func() time.Time
}

// New returns a manager resolving recorded file paths below the export root.
func New(s Store, export blob.LocalFS, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, export: export, logger: logger, now: time.Now}
}

func (m *Manager) NewVideo(ctx context.Context, name string) (model.Video, error) {
	if strings.TrimSpace(name) == "" {
		name = "Unnamed"
	}
	at := m.now().UTC()
	id, err := m.store.CreateVideo(ctx, name, at)
	if err != nil {
		return model.Video{}, fmt.Errorf("create video: %w", err)
	}
	return model.Video{ID: id, Name: name, CreatedAt: at}, nil
}

func (m *Manager) Video(ctx context.Context, id int64) (model.Video, error) {
	return m.store.GetVideo(ctx, id)
}

func (m *Manager) Remove(ctx context.Context, id int64) error {
	return m.store.DeleteVideo(ctx, id)
}

func (m *Manager) Files(ctx context.Context, id int64) ([]model.File, error) {
	return m.store.ListVideoFiles(ctx, id)
}

// Thumbnail returns the first thumbnail linked to the video.
func (m *Manager) Thumbnail(ctx context.Context, id int64) (model.File, error) {
	files, err := m.store.ListVideoFiles(ctx, id)
	if err != nil {
		return model.File{}, err
	}
	for _, f := range files {
		if f.Type == model.FileTypeThumbnail {
			return f, nil
		}
	}
	return model.File{}, model.ErrNotFound
}

// SetDuration records the rounded length in seconds. Only the first value
// sticks; later calls are ignored.
func (m *Manager) SetDuration(ctx context.Context, videoID int64, seconds float64) error {
	if math.IsNaN(seconds) || seconds < 0 || seconds >= math.MaxInt64 {
		return fmt.Errorf("%w: %v", ErrInvalidDuration, seconds)
	}
	rounded := int64(math.Round(seconds))
	written, err := m.store.SetVideoDuration(ctx, videoID, rounded)
	if err != nil {
		return fmt.Errorf("set duration of video %d: %w", videoID, err)
	}
	if !written {
		m.logger.Debug("video duration already set", "video_id", videoID, "ignored", rounded)
	}
	return nil
}

// LinkFile attaches an output file to the video. The first video/* file
// marks the video complete.
func (m *Manager) LinkFile(ctx context.Context, videoID int64, fileType, relPath string) (model.File, error) {
	f := model.File{Type: fileType, Path: relPath}
	id, err := m.store.LinkFile(ctx, videoID, f)
	if err != nil {
		return model.File{}, fmt.Errorf("link %s to video %d: %w", relPath, videoID, err)
	}
	f.ID = id

	if f.IsVideo() {
		flipped, err := m.store.MarkVideoComplete(ctx, videoID)
		if err != nil {
			return f, fmt.Errorf("mark video %d complete: %w", videoID, err)
		}
		if flipped {
			m.logger.Info("video complete", "video_id", videoID, "file", relPath)
		}
	}
	return f, nil
}

// ImportFiles links every file named in the job's files.list. A line without
// the export marker stops the import; files linked from earlier lines stay.
func (m *Manager) ImportFiles(ctx context.Context, videoID int64, dirs model.Dirs) ([]model.File, error) {
	listPath := dirs.PrivatePath() + FileList
	f, err := m.export.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", listPath, err)
	}
	defer f.Close()

	linked := []model.File{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxListLine)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rel, ok := recordedPath(line)
		if !ok {
			return linked, fmt.Errorf("%w: line %d: %q", ErrMalformedFileList, lineNo, line)
		}
		fileType, err := m.fileType(rel)
		if err != nil {
			return linked, err
		}
		file, err := m.LinkFile(ctx, videoID, fileType, rel)
		if err != nil {
			return linked, err
		}
		linked = append(linked, file)
	}
	if err := sc.Err(); err != nil {
		return linked, fmt.Errorf("scan %s: %w", listPath, err)
	}

	m.logger.Info("imported worker files", "video_id", videoID, "count", len(linked))
	return linked, nil
}

// recordedPath returns the part of a worker path after the export marker.
func recordedPath(line string) (string, bool) {
	idx := strings.Index(line, ExportMarker)
	if idx < 0 {
		return "", false
	}
	rel := strings.TrimLeft(line[idx+len(ExportMarker):], "/")
	if rel == "" {
		return "", false
	}
	return rel, true
}

func (m *Manager) fileType(rel string) (string, error) {
	if path.Base(rel) == thumbnailName {
		return model.FileTypeThumbnail, nil
	}
	mt, err := mimetype.DetectFile(m.export.Abs(rel))
	if err != nil {
		return "", fmt.Errorf("detect type of %s: %w", rel, err)
	}
	// drop parameters such as "; charset=utf-8"
	typ, _, _ := strings.Cut(mt.String(), ";")
	return strings.TrimSpace(typ), nil
}
