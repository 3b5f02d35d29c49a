package video

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/model"
	"github.com/example/lectures/pipeline-go/internal/store"
)

// ISO base media header with an mp42 brand.
var mp4Header = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")

var dirs = model.Dirs{Prefix: "/2024/03/05/", Public: "pub", Private: "priv"}

func newManager(t *testing.T) (*Manager, blob.LocalFS) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	export := blob.LocalFS{Root: filepath.Join(dir, "export")}
	if err := export.MkdirAll(dirs.PrivatePath(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return New(db, export, nil), export
}

func writeExport(t *testing.T, fs blob.LocalFS, rel string, data []byte) {
	t.Helper()
	if err := os.WriteFile(fs.Abs(rel), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func workerLine(name string) string {
	return "/srv/worker/" + ExportMarker + strings.TrimSuffix(dirs.PrivatePath(), "/") + "/" + name
}

func TestSetDurationFirstWriteWins(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	v, err := m.NewVideo(ctx, "lecture 1")
	if err != nil {
		t.Fatalf("NewVideo() error = %v", err)
	}

	if err := m.SetDuration(ctx, v.ID, 120); err != nil {
		t.Fatalf("SetDuration() error = %v", err)
	}
	if err := m.SetDuration(ctx, v.ID, 90); err != nil {
		t.Fatalf("second SetDuration() error = %v", err)
	}
	got, _ := m.Video(ctx, v.ID)
	if got.Duration == nil || *got.Duration != 120 {
		t.Fatalf("duration = %v, want 120", got.Duration)
	}

	if err := m.SetDuration(ctx, v.ID, -1); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("negative duration err = %v", err)
	}
}

func TestSetDurationRejectsOutOfRange(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	v, _ := m.NewVideo(ctx, "lecture")

	for _, seconds := range []float64{1e19, math.MaxInt64, math.Inf(1), math.NaN()} {
		if err := m.SetDuration(ctx, v.ID, seconds); !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("SetDuration(%v) err = %v, want ErrInvalidDuration", seconds, err)
		}
	}
	got, _ := m.Video(ctx, v.ID)
	if got.Duration != nil {
		t.Fatalf("duration = %d, want unset", *got.Duration)
	}

	// a rejected value must not block the first valid one
	if err := m.SetDuration(ctx, v.ID, 3600); err != nil {
		t.Fatalf("SetDuration() error = %v", err)
	}
	got, _ = m.Video(ctx, v.ID)
	if got.Duration == nil || *got.Duration != 3600 {
		t.Fatalf("duration = %v, want 3600", got.Duration)
	}
}

func TestSetDurationRoundsHalfUp(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	v, _ := m.NewVideo(ctx, "")
	if v.Name != "Unnamed" {
		t.Fatalf("name = %q", v.Name)
	}
	if err := m.SetDuration(ctx, v.ID, 42.5); err != nil {
		t.Fatalf("SetDuration() error = %v", err)
	}
	got, _ := m.Video(ctx, v.ID)
	if got.Duration == nil || *got.Duration != 43 {
		t.Fatalf("duration = %v, want 43", got.Duration)
	}
}

func TestImportFiles(t *testing.T) {
	m, export := newManager(t)
	ctx := context.Background()
	v, _ := m.NewVideo(ctx, "lecture")

	writeExport(t, export, dirs.PrivatePath()+"out.mp4", mp4Header)
	writeExport(t, export, dirs.PrivatePath()+"thumbnail.jpg", []byte("not really a jpeg"))
	writeExport(t, export, dirs.PrivatePath()+"out.txt", []byte("transcript\n"))
	list := strings.Join([]string{
		workerLine("thumbnail.jpg"),
		"",
		workerLine("out.mp4"),
		workerLine("out.txt"),
	}, "\n")
	writeExport(t, export, dirs.PrivatePath()+FileList, []byte(list))

	linked, err := m.ImportFiles(ctx, v.ID, dirs)
	if err != nil {
		t.Fatalf("ImportFiles() error = %v", err)
	}
	want := []struct{ typ, path string }{
		{model.FileTypeThumbnail, "2024/03/05/pub/priv/thumbnail.jpg"},
		{"video/mp4", "2024/03/05/pub/priv/out.mp4"},
		{"text/plain", "2024/03/05/pub/priv/out.txt"},
	}
	if len(linked) != len(want) {
		t.Fatalf("linked %d files, want %d: %+v", len(linked), len(want), linked)
	}
	for i, w := range want {
		if linked[i].Type != w.typ || linked[i].Path != w.path {
			t.Fatalf("file %d = %+v, want %s %s", i, linked[i], w.typ, w.path)
		}
	}

	got, _ := m.Video(ctx, v.ID)
	if !got.Complete {
		t.Fatal("video should be complete after a video/* file")
	}
	thumb, err := m.Thumbnail(ctx, v.ID)
	if err != nil || thumb.Path != want[0].path {
		t.Fatalf("Thumbnail() = %+v, %v", thumb, err)
	}
}

func TestImportFilesAcceptsLongLines(t *testing.T) {
	m, export := newManager(t)
	ctx := context.Background()
	v, _ := m.NewVideo(ctx, "lecture")

	writeExport(t, export, dirs.PrivatePath()+"out.mp4", mp4Header)
	long := strings.Repeat("/mnt", 32*1024) + workerLine("out.mp4")
	writeExport(t, export, dirs.PrivatePath()+FileList, []byte(long+"\n"))

	linked, err := m.ImportFiles(ctx, v.ID, dirs)
	if err != nil {
		t.Fatalf("ImportFiles() error = %v", err)
	}
	if len(linked) != 1 || linked[0].Path != "2024/03/05/pub/priv/out.mp4" {
		t.Fatalf("linked = %+v", linked)
	}
}

func TestImportFilesStopsAtMalformedLine(t *testing.T) {
	m, export := newManager(t)
	ctx := context.Background()
	v, _ := m.NewVideo(ctx, "lecture")

	writeExport(t, export, dirs.PrivatePath()+"thumbnail.jpg", []byte("x"))
	writeExport(t, export, dirs.PrivatePath()+"out.mp4", mp4Header)
	list := workerLine("thumbnail.jpg") + "\n/srv/elsewhere/out.mp4\n" + workerLine("out.mp4") + "\n"
	writeExport(t, export, dirs.PrivatePath()+FileList, []byte(list))

	linked, err := m.ImportFiles(ctx, v.ID, dirs)
	if !errors.Is(err, ErrMalformedFileList) {
		t.Fatalf("err = %v, want ErrMalformedFileList", err)
	}
	if len(linked) != 1 {
		t.Fatalf("linked = %+v, want the thumbnail only", linked)
	}
	files, _ := m.Files(ctx, v.ID)
	if len(files) != 1 {
		t.Fatalf("stored files = %+v, earlier lines must stay linked", files)
	}
	got, _ := m.Video(ctx, v.ID)
	if got.Complete {
		t.Fatal("video must not be complete")
	}
}

func TestImportFilesMissingList(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.ImportFiles(context.Background(), 1, dirs); err == nil {
		t.Fatal("expected error for a missing files.list")
	}
}

func TestRemove(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	v, _ := m.NewVideo(ctx, "gone")
	if err := m.Remove(ctx, v.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := m.Video(ctx, v.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Video() err = %v", err)
	}
}
