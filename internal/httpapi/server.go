package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/lectures/pipeline-go/internal/callback"
	"github.com/example/lectures/pipeline-go/internal/model"
	"github.com/example/lectures/pipeline-go/internal/registry"
	"github.com/example/lectures/pipeline-go/internal/store"
	"github.com/example/lectures/pipeline-go/internal/templates"
	"github.com/example/lectures/pipeline-go/internal/token"
	"github.com/example/lectures/pipeline-go/internal/video"
)

const maxReportBytes = 1 << 20

// AuthorizeFunc decides whether the request may see the given video and its
// jobs.
type AuthorizeFunc func(r *http.Request, videoID int64) bool

// AllowAll is the default when no authorization layer is configured.
func AllowAll(*http.Request, int64) bool { return true }

type Server struct {
	Templates *templates.Store
	Jobs      *registry.Registry
	Videos    *video.Manager
	Builder   *token.Builder
	Callbacks *callback.Reconciler
	History   *store.SQLite
	// Defaults are the template values the service fills in itself.
	Defaults       map[string]string
	DatadirBaseURL string // optional, for public links to job output
	Authorize      AuthorizeFunc
	Logger         *slog.Logger
}

func (s Server) Router() http.Handler {
	if s.Authorize == nil {
		s.Authorize = AllowAll
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/callback", s.handleCallback)
	r.Post("/callback", s.handleReport)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Put("/templates/{id}", s.handleUpdateTemplate)
		r.Post("/templates/{id}/run", s.handleRunTemplate)

		r.Get("/jobs/orphans", s.handleListOrphans)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/callbacks", s.handleListCallbacks)

		r.Get("/videos/{id}", s.handleGetVideo)
		r.Get("/videos/{id}/jobs", s.handleListVideoJobs)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	view := s.Callbacks.Handle(r.Context(), r.URL.RawQuery)
	writeView(w, view)
}

func (s Server) handleReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes))
	if err != nil {
		writeView(w, callback.ViewError)
		return
	}
	view := s.Callbacks.HandleReport(r.Context(), body, r.URL.Query().Get("sign"))
	writeView(w, view)
}

func writeView(w http.ResponseWriter, view callback.View) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(view.HTTPStatus())
	_, _ = w.Write([]byte(view))
}

func (s Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.Templates.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (s Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	tpl, err := s.Templates.ByID(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	body, err := s.Templates.Body(tpl.Name)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("read template body: %w", err))
		return
	}
	required, err := s.Templates.RequiredVariables(tpl.Name, s.Defaults)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"template":          tpl,
		"body":              body,
		"variables":         templates.ExtractVariables(body),
		"requiredVariables": required,
	})
}

type updateTemplateRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Blocks      []string `json:"blocks"`
	Body        string   `json:"body"`
}

func (s Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req updateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	patch := model.TemplatePatch{Name: req.Name, Description: req.Description, Blocks: req.Blocks}
	if err := s.Templates.Update(r.Context(), id, patch, req.Body); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	tpl, err := s.Templates.ByID(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tpl})
}

type runRequest struct {
	VideoName string            `json:"videoName"`
	Values    map[string]string `json:"values"`
	Priority  int               `json:"priority"`
}

// handleRunTemplate creates a video and submits a job for it. The video is
// removed again when the submission fails.
func (s Server) handleRunTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	tpl, err := s.Templates.ByID(ctx, id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	v, err := s.Videos.NewVideo(ctx, req.VideoName)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	jobID, err := s.Builder.Submit(ctx, token.SubmitRequest{
		Template: tpl.Name,
		Values:   req.Values,
		VideoID:  v.ID,
		Priority: req.Priority,
	})
	if err != nil {
		if rmErr := s.Videos.Remove(ctx, v.ID); rmErr != nil {
			s.Logger.Error("remove video after failed submission", "video_id", v.ID, "error", rmErr)
		}
		if missing, ok := token.IsUnfilled(err); ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   err.Error(),
				"missing": missing,
			})
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"jobId": jobID, "videoId": v.ID})
}

func (s Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Jobs.Orphans(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, s.jobResponse(r, job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": resp})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.jobResponse(r, job))
}

func (s Server) handleListCallbacks(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	entries, err := s.History.ListCallbacks(r.Context(), job.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callbacks": entries})
}

func (s Server) authorizedJob(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	job, err := s.Jobs.TokenByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return model.Job{}, false
	}
	if !s.Authorize(r, job.VideoID) {
		writeErr(w, http.StatusForbidden, errors.New("forbidden"))
		return model.Job{}, false
	}
	return job, true
}

func (s Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizedVideo(w, r)
	if !ok {
		return
	}
	v, err := s.Videos.Video(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	files, err := s.Videos.Files(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"video": v, "files": files})
}

func (s Server) handleListVideoJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizedVideo(w, r)
	if !ok {
		return
	}
	jobs, err := s.Jobs.TokensByVideo(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, s.jobResponse(r, job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": resp})
}

func (s Server) authorizedVideo(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := idParam(w, r)
	if !ok {
		return 0, false
	}
	if !s.Authorize(r, id) {
		writeErr(w, http.StatusForbidden, errors.New("forbidden"))
		return 0, false
	}
	return id, true
}

func (s Server) jobResponse(r *http.Request, job model.Job) map[string]any {
	tpl, err := s.Templates.ByID(r.Context(), job.TemplateID)
	if err != nil {
		s.Logger.Warn("job template missing", "job_id", job.ID, "template_id", job.TemplateID, "error", err)
	}
	resp := map[string]any{
		"job":      job,
		"progress": registry.Progress(job, tpl),
		"template": tpl.Name,
	}
	if s.DatadirBaseURL != "" {
		resp["publicUrl"] = strings.TrimRight(s.DatadirBaseURL, "/") + job.Dirs().PublicPath()
	}
	return resp
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid id: %s", raw))
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, templates.ErrInvalidName), errors.Is(err, templates.ErrNoBlocks):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
