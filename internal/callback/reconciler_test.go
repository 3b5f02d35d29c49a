package callback

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/example/lectures/pipeline-go/internal/alloc"
	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/model"
	"github.com/example/lectures/pipeline-go/internal/registry"
	"github.com/example/lectures/pipeline-go/internal/store"
	"github.com/example/lectures/pipeline-go/internal/templates"
	"github.com/example/lectures/pipeline-go/internal/token"
	"github.com/example/lectures/pipeline-go/internal/video"
)

const salt = "s3cret"

type recorder struct {
	mu     sync.Mutex
	done   []string
	failed []string
}

func (r *recorder) JobDone(_ context.Context, job model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, job.ID)
	return nil
}

func (r *recorder) JobFailed(_ context.Context, job model.Job, _ model.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, job.ID)
	return nil
}

type env struct {
	db       *store.SQLite
	rec      *Reconciler
	registry *registry.Registry
	videos   *video.Manager
	builder  *token.Builder
	export   blob.LocalFS
	notes    *recorder
}

func newEnv(t *testing.T, verify bool) env {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	export := blob.LocalFS{Root: filepath.Join(dir, "export")}
	wait := blob.LocalFS{Root: filepath.Join(dir, "wait")}
	if err := os.MkdirAll(wait.Root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tpls := templates.New(db, blob.LocalFS{Root: filepath.Join(dir, "templates")}, nil)
	if _, err := tpls.Create(context.Background(), model.Template{
		Name:   "convert",
		Blocks: []string{"convert", "thumbnail", "finish"},
	}, "input = $VAR[\"input_media\"]\nout = $VAR[\"private_datadir\"]\n"); err != nil {
		t.Fatalf("create template: %v", err)
	}

	reg := registry.New(db, nil)
	videos := video.New(db, export, nil)
	notes := &recorder{}
	return env{
		db:       db,
		rec:      New(reg, videos, db, notes, Config{Salt: salt, Verify: verify}, nil),
		registry: reg,
		videos:   videos,
		builder:  token.New(tpls, alloc.New(export), reg, token.Config{Export: export, Wait: wait}, nil),
		export:   export,
		notes:    notes,
	}
}

func (e env) submit(t *testing.T) (model.Job, model.Video) {
	t.Helper()
	ctx := context.Background()
	v, err := e.videos.NewVideo(ctx, "lecture")
	if err != nil {
		t.Fatalf("NewVideo() error = %v", err)
	}
	id, err := e.builder.Submit(ctx, token.SubmitRequest{
		Template: "convert",
		Values:   map[string]string{"input_media": "/tmp/x.mp4"},
		VideoID:  v.ID,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	job, err := e.registry.TokenByID(ctx, id)
	if err != nil {
		t.Fatalf("TokenByID() error = %v", err)
	}
	return job, v
}

func query(jobID, status, block, message string) string {
	q := url.Values{}
	q.Set("job_id", jobID)
	q.Set("status", status)
	if block != "" {
		q.Set("block", block)
	}
	if message != "" {
		q.Set("message", message)
	}
	q.Set("hostname", "node-3")
	q.Set("sge_job_id", "4711")
	return SignQuery(q.Encode(), salt)
}

func TestCanonicalQuery(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"job_id=a&status=done&sign=abc", "job_id=a&status=done"},
		{" job_id=a&sign=abc&later=1", "job_id=a"},
		{"job_id=a", "job_id=a"},
	}
	for _, tt := range tests {
		if got := CanonicalQuery(tt.raw); got != tt.want {
			t.Fatalf("CanonicalQuery(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
	if !Verify("job_id=a", Sign("job_id=a", salt), salt) {
		t.Fatal("Verify() rejected its own signature")
	}
	if Verify("job_id=a", Sign("job_id=a", "other"), salt) {
		t.Fatal("Verify() accepted a foreign salt")
	}
}

func TestTamperedStatusIsRejected(t *testing.T) {
	e := newEnv(t, true)
	job, _ := e.submit(t)

	signed := query(job.ID, "error", "", "")
	tampered := "job_id=" + url.QueryEscape(job.ID) + "&status=done" + signed[len(CanonicalQuery(signed)):]
	tamperedQuery, _ := url.ParseQuery(tampered)
	if tamperedQuery.Get("sign") == "" {
		t.Fatalf("tampered query lost its signature: %q", tampered)
	}

	if view := e.rec.Handle(context.Background(), tampered); view != ViewErrorSignature {
		t.Fatalf("view = %s, want %s", view, ViewErrorSignature)
	}
	got, _ := e.registry.TokenByID(context.Background(), job.ID)
	if got.State != model.JobSubmitted || got.LastUpdate != nil {
		t.Fatalf("rejected callback changed the job: %+v", got)
	}
	if ViewErrorSignature.HTTPStatus() != http.StatusForbidden {
		t.Fatal("signature errors map to 403")
	}
}

func TestUnknownJobAndStatus(t *testing.T) {
	e := newEnv(t, true)
	job, _ := e.submit(t)
	ctx := context.Background()

	if view := e.rec.Handle(ctx, query("00-missing", "start", "", "")); view != ViewError {
		t.Fatalf("unknown job view = %s", view)
	}
	if view := e.rec.Handle(ctx, query(job.ID, "paused", "", "")); view != ViewError {
		t.Fatalf("unknown status view = %s", view)
	}
	history, _ := e.db.ListCallbacks(ctx, job.ID)
	if len(history) != 0 {
		t.Fatalf("rejected callbacks were recorded: %+v", history)
	}
}

func TestVerificationCanBeDisabled(t *testing.T) {
	e := newEnv(t, false)
	job, _ := e.submit(t)
	raw := "job_id=" + url.QueryEscape(job.ID) + "&status=start"
	if view := e.rec.Handle(context.Background(), raw); view != ViewSuccess {
		t.Fatalf("view = %s, want success", view)
	}
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	job, v := e.submit(t)

	if !reflect.DeepEqual(job.PendingBlocks, []string{"convert", "thumbnail", "finish"}) {
		t.Fatalf("pending = %v", job.PendingBlocks)
	}

	mustHandle := func(raw string) {
		t.Helper()
		if view := e.rec.Handle(ctx, raw); view != ViewSuccess {
			t.Fatalf("Handle(%q) = %s", raw, view)
		}
	}
	reload := func() model.Job {
		t.Helper()
		j, err := e.registry.TokenByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		return j
	}

	mustHandle(query(job.ID, "info", "convert", ""))
	if got := reload(); !reflect.DeepEqual(got.PendingBlocks, []string{"thumbnail", "finish"}) || got.CurrentBlock != "convert" {
		t.Fatalf("after convert: %+v", got)
	}

	mustHandle(query(job.ID, "info", "thumbnail", "ffprobe output_videolength=42.5"))
	if got := reload(); !reflect.DeepEqual(got.PendingBlocks, []string{"finish"}) {
		t.Fatalf("after thumbnail: %+v", got)
	}
	if got, _ := e.videos.Video(ctx, v.ID); got.Duration == nil || *got.Duration != 43 {
		t.Fatalf("duration = %v, want 43", got.Duration)
	}

	private := job.Dirs().PrivatePath()
	mp4 := []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")
	if err := os.WriteFile(e.export.Abs(private+"lecture.mp4"), mp4, 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	list := "/worker/" + video.ExportMarker + private + "lecture.mp4\n"
	if err := os.WriteFile(e.export.Abs(private+video.FileList), []byte(list), 0o644); err != nil {
		t.Fatalf("write files.list: %v", err)
	}

	mustHandle(query(job.ID, "done", "", ""))
	got := reload()
	if got.State != model.JobDone || len(got.PendingBlocks) != 0 || got.CurrentBlock != "" {
		t.Fatalf("after done: %+v", got)
	}
	vid, _ := e.videos.Video(ctx, v.ID)
	if !vid.Complete {
		t.Fatal("video should be complete")
	}

	// replayed done must not import again
	mustHandle(query(job.ID, "done", "", ""))
	mustHandle(query(job.ID, "error", "", ""))
	if got := reload(); got.State != model.JobDone {
		t.Fatalf("state = %s, done must stick", got.State)
	}
	files, _ := e.videos.Files(ctx, v.ID)
	if len(files) != 1 || files[0].Type != "video/mp4" {
		t.Fatalf("files = %+v", files)
	}
	if !reflect.DeepEqual(e.notes.done, []string{job.ID}) || len(e.notes.failed) != 0 {
		t.Fatalf("notifications done=%v failed=%v", e.notes.done, e.notes.failed)
	}

	history, _ := e.db.ListCallbacks(ctx, job.ID)
	if len(history) != 5 || history[0].HostName != "node-3" || history[0].SGEJobID != 4711 {
		t.Fatalf("history = %+v", history)
	}
}

func TestErrorNotification(t *testing.T) {
	e := newEnv(t, true)
	job, _ := e.submit(t)
	ctx := context.Background()

	if view := e.rec.Handle(ctx, query(job.ID, "error", "convert", "ffmpeg exited 1")); view != ViewSuccess {
		t.Fatalf("view = %s", view)
	}
	_ = e.rec.Handle(ctx, query(job.ID, "error", "convert", "again"))
	if !reflect.DeepEqual(e.notes.failed, []string{job.ID}) {
		t.Fatalf("failed notifications = %v", e.notes.failed)
	}
}

func TestHandleReport(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	body := []byte("job 4711 finished on node-3\n")

	if view := e.rec.HandleReport(ctx, body, "bad"); view != ViewErrorSignature {
		t.Fatalf("view = %s", view)
	}
	if view := e.rec.HandleReport(ctx, body, Sign(string(body), salt)); view != ViewSuccess {
		t.Fatalf("view = %s", view)
	}
	if n, _ := e.db.CountReports(ctx); n != 1 {
		t.Fatalf("reports = %d, want 1", n)
	}
}
