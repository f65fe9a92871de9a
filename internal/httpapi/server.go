// Package httpapi maps HTTP requests onto the orchestrator, the login
// manager and the credential cache.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mediacrawler/harvester/internal/credential"
	"github.com/mediacrawler/harvester/internal/login"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
	"github.com/mediacrawler/harvester/internal/service"
)

const (
	DefaultPush  = 2 * time.Second
	maxBody      = 1 << 20
	defaultLimit = 50
)

type Server struct {
	Jobs    *service.Orchestrator
	Logins  *login.Manager
	Cookies *credential.Cache
	MaxAge  time.Duration
	// Push is the websocket status cadence.
	Push    time.Duration
	Version string
}

func (s Server) push() time.Duration {
	if s.Push <= 0 {
		return DefaultPush
	}
	return s.Push
}

func (s Server) maxAge() time.Duration {
	if s.MaxAge <= 0 {
		return credential.DefaultMaxAge
	}
	return s.MaxAge
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.Version})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/platforms", s.handlePlatforms)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleRunning)
			r.Get("/{id}", s.handleStatus)
			r.Get("/{id}/result", s.handleResult)
			r.Post("/{id}/stop", s.handleStop)
			r.Get("/{id}/events", s.handleEvents)
			r.Get("/{id}/ws", s.handleTaskSocket)
		})
		r.Route("/system", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Post("/cleanup", s.handleCleanup)
		})
		r.Route("/cookies", func(r chi.Router) {
			r.Get("/", s.handleCookieList)
			r.Get("/{platform}", s.handleCookieStatus)
			r.Post("/{platform}", s.handleCookieSave)
			r.Delete("/{platform}", s.handleCookieClear)
		})
		r.Route("/login", func(r chi.Router) {
			r.Post("/sessions", s.handleLoginCreate)
			r.Get("/sessions", s.handleLoginList)
			r.Get("/sessions/{id}", s.handleLoginStatus)
			r.Delete("/sessions/{id}", s.handleLoginDelete)
			r.Post("/sessions/{id}/start", s.handleLoginStart)
			r.Post("/sessions/{id}/input", s.handleLoginInput)
			r.Post("/sessions/{id}/refresh", s.handleLoginRefresh)
			r.Get("/sessions/{id}/cookies", s.handleLoginCookies)
			r.Post("/sessions/{id}/cookies", s.handleLoginSaveCookies)
			r.Get("/ws/{id}", s.handleLoginSocket)
		})
	})
	return r
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s Server) handlePlatforms(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID       model.Platform `json:"id"`
		Name     string         `json:"name"`
		Detail   bool           `json:"detail"`
		Creator  bool           `json:"creator"`
		LoginURL string         `json:"login_url"`
	}
	all := platform.All()
	out := make([]entry, 0, len(all))
	for _, d := range all {
		out = append(out, entry{
			ID:       d.ID,
			Name:     d.Name,
			Detail:   d.ContentFlag != "",
			Creator:  d.CreatorFlag != "",
			LoginURL: d.LoginURL,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	job := model.DefaultJob()
	if !decode(w, r, &job) {
		return
	}
	id, err := s.Jobs.Submit(r.Context(), job)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id": id,
		"status":  model.JobRunning,
		"message": "task created",
	})
}

func (s Server) handleRunning(w http.ResponseWriter, _ *http.Request) {
	running := s.Jobs.ListRunning()
	if running == nil {
		running = []service.RunningJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": running, "total": len(running)})
}

func (s Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if st.State == model.JobNotFound {
		writeJSON(w, http.StatusNotFound, st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.Jobs.Result(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": model.JobRunning})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Jobs.Cancel(r.Context(), id) {
		writeErr(w, fmt.Errorf("task %q is not running: %w", id, model.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "message": service.MsgStopped})
}

func (s Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	events, err := s.Jobs.Events(id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": events, "total": len(events)})
}

func (s Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Jobs.Stats())
}

func (s Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	keep, err := intParam(r, "keep", 100)
	if err != nil {
		writeErr(w, err)
		return
	}
	removed := s.Jobs.Cleanup(r.Context(), keep)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "kept": keep})
}

func (s Server) handleCookieList(w http.ResponseWriter, r *http.Request) {
	list, err := s.Cookies.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s Server) platformParam(w http.ResponseWriter, r *http.Request) (model.Platform, bool) {
	p := model.Platform(chi.URLParam(r, "platform"))
	if _, err := platform.Lookup(p); err != nil {
		writeErr(w, err)
		return "", false
	}
	return p, true
}

func (s Server) handleCookieStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.platformParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Cookies.Status(r.Context(), p, s.maxAge()))
}

type cookiesRequest struct {
	Cookies string `json:"cookies"`
	JobID   string `json:"task_id,omitempty"`
}

func (s Server) handleCookieSave(w http.ResponseWriter, r *http.Request) {
	p, ok := s.platformParam(w, r)
	if !ok {
		return
	}
	var req cookiesRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Cookies) == "" {
		writeErr(w, &model.ValidationError{Field: "cookies", Reason: "must not be empty"})
		return
	}
	if err := s.Cookies.Save(r.Context(), p, req.Cookies, req.JobID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platform": p, "message": "cookies saved"})
}

func (s Server) handleCookieClear(w http.ResponseWriter, r *http.Request) {
	p, ok := s.platformParam(w, r)
	if !ok {
		return
	}
	if err := s.Cookies.Clear(r.Context(), p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platform": p, "message": "cookies cleared"})
}

type createSessionRequest struct {
	JobID          string          `json:"task_id"`
	Platform       model.Platform  `json:"platform"`
	Mode           model.LoginMode `json:"login_type"`
	TimeoutSeconds int             `json:"timeout"`
	Cookies        string          `json:"cookies,omitempty"`
}

func (s Server) handleLoginCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TimeoutSeconds < 0 {
		writeErr(w, &model.ValidationError{Field: "timeout", Reason: "must not be negative"})
		return
	}
	rep, err := s.Logins.CreateSession(r.Context(), req.JobID, req.Platform, req.Mode,
		time.Duration(req.TimeoutSeconds)*time.Second, req.Cookies)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

func (s Server) handleLoginList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Logins.List())
}

func (s Server) handleLoginStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Logins.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s Server) handleLoginDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Logins.RemoveSession(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "message": "login session removed"})
}

func (s Server) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Logins.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type inputRequest struct {
	Type  model.InputType `json:"input_type"`
	Value string          `json:"value"`
}

func (s Server) handleLoginInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !decode(w, r, &req) {
		return
	}
	rep, err := s.Logins.SubmitInput(r.Context(), chi.URLParam(r, "id"), req.Type, req.Value)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s Server) handleLoginRefresh(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Logins.RefreshChallenge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s Server) handleLoginCookies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Logins.Status(id); err != nil {
		writeErr(w, err)
		return
	}
	blob, ok := s.Logins.GetCredential(id)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "has_cookies": ok, "cookies": blob})
}

func (s Server) handleLoginSaveCookies(w http.ResponseWriter, r *http.Request) {
	var req cookiesRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Logins.SaveCredential(r.Context(), id, req.Cookies); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "message": "cookies saved"})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &model.ValidationError{Field: name, Reason: fmt.Sprintf("invalid value %q", raw)}
	}
	return v, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, &model.ValidationError{Reason: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrLaunch):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	writeJSON(w, statusOf(err), body)
}
