package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"session-orchestrator/internal/platform/auth"
	"session-orchestrator/internal/platform/metrics"
)

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
	admins  []string
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests). admins lists
// the actors allowed on /admin besides tokens carrying the admin role.
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics, admins []string) *Handler {
	return &Handler{svc: svc, log: log, metrics: m, admins: admins}
}

// Routes mounts the session and admin endpoints on r. The request must
// already carry an identity (auth.Middleware).
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/program/source", h.SwitchSource)
		r.Put("/program/audio", h.SetAudioLevel)
		r.Post("/program/resync", h.Resync)
		r.Post("/end", h.EndSession)
		r.Post("/complete", h.CompleteSession)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin(h.admins, h.log))
		r.Get("/channels", h.ListChannels)
		r.Put("/channels/{channel_id}", h.PutChannel)
		r.Put("/channels/{channel_id}/offline", h.SetChannelOffline)
		r.Put("/channels/{channel_id}/online", h.SetChannelOnline)
		r.Put("/assignments/{host_id}", h.PutAssignment)
		r.Delete("/assignments/{host_id}", h.DeleteAssignment)
	})
}

type createSessionRequest struct {
	ShowID string `json:"showId"`
}

type sourceRequest struct {
	SourceID string `json:"sourceId"`
}

type audioRequest struct {
	SourceID string   `json:"sourceId"`
	Level    *float64 `json:"level"`
}

type channelRequest struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

type assignmentRequest struct {
	ChannelID string `json:"channelId"`
}

// CreateSession handles POST /sessions. The actor is the host.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.CreateSession(r.Context(), actor, req.ShowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	s, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "session_id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// SwitchSource handles POST /sessions/{session_id}/program/source.
// Body: { "sourceId": "caller:abc" }. A persisted switch whose command
// could not be delivered answers 202 with a warning.
func (h *Handler) SwitchSource(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req sourceRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.SwitchSource(r.Context(), chi.URLParam(r, "session_id"), actor, req.SourceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Warning != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// SetAudioLevel handles PUT /sessions/{session_id}/program/audio.
// Body: { "sourceId": "host", "level": 0.8 }.
func (h *Handler) SetAudioLevel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req audioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Level == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "level is required"})
		return
	}
	res, err := h.svc.SetAudioLevel(r.Context(), chi.URLParam(r, "session_id"), actor, req.SourceID, *req.Level)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resync handles POST /sessions/{session_id}/program/resync.
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	res, err := h.svc.ResyncProgram(r.Context(), chi.URLParam(r, "session_id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// EndSession handles POST /sessions/{session_id}/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.svc.EndSession)
}

// CompleteSession handles POST /sessions/{session_id}/complete.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.svc.CompleteSession)
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, id string) (*EndResult, error)) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "session_id")
	if _, err := h.svc.GetSession(r.Context(), id, actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := run(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListChannels handles GET /admin/channels.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	chs, err := h.svc.ListChannels(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if chs == nil {
		chs = []*PersistentChannel{}
	}
	writeJSON(w, http.StatusOK, chs)
}

// PutChannel handles PUT /admin/channels/{channel_id}.
func (h *Handler) PutChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !h.decode(w, r, &req) {
		return
	}
	ch, err := h.svc.RegisterChannel(r.Context(), chi.URLParam(r, "channel_id"), req.Handle, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// SetChannelOffline handles PUT /admin/channels/{channel_id}/offline.
func (h *Handler) SetChannelOffline(w http.ResponseWriter, r *http.Request) {
	ch, err := h.svc.SetChannelOffline(r.Context(), chi.URLParam(r, "channel_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// SetChannelOnline handles PUT /admin/channels/{channel_id}/online.
func (h *Handler) SetChannelOnline(w http.ResponseWriter, r *http.Request) {
	ch, err := h.svc.SetChannelOnline(r.Context(), chi.URLParam(r, "channel_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// PutAssignment handles PUT /admin/assignments/{host_id}.
func (h *Handler) PutAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	asg, err := h.svc.AssignChannel(r.Context(), chi.URLParam(r, "host_id"), req.ChannelID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asg)
}

// DeleteAssignment handles DELETE /admin/assignments/{host_id}.
func (h *Handler) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnassignChannel(r.Context(), chi.URLParam(r, "host_id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "no actor identity"})
		return "", false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "invalid JSON body"})
		return false
	}
	return true
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Step      string `json:"step,omitempty"`
	Fatal     *bool  `json:"fatal,omitempty"`
	Token     string `json:"token,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// errorResponse maps an orchestrator error to its status and body.
func errorResponse(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var upstream *UpstreamError
	var conflict *ChannelConflictError
	var source *SourceError
	switch {
	case errors.As(err, &upstream):
		fatal := upstream.Fatal
		body.Error, body.Step, body.Fatal = "upstream_failure", upstream.Step, &fatal
		return http.StatusBadGateway, body
	case errors.As(err, &conflict):
		body.Error, body.ChannelID, body.SessionID = "conflict", conflict.ChannelID, conflict.SessionID
		return http.StatusConflict, body
	case errors.As(err, &source):
		body.Error, body.Token = "bad_request", source.Token
		return http.StatusBadRequest, body
	case errors.Is(err, ErrNotFound):
		body.Error = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, ErrForbidden):
		body.Error = "forbidden"
		return http.StatusForbidden, body
	case errors.Is(err, ErrConflict):
		body.Error = "conflict"
		return http.StatusConflict, body
	case errors.Is(err, ErrUnavailable):
		body.Error = "unavailable"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, ErrBadRequest):
		body.Error = "bad_request"
		return http.StatusBadRequest, body
	case errors.Is(err, ErrInvalidState):
		body.Error = "invalid_state"
		return http.StatusConflict, body
	default:
		body.Error, body.Message = "internal", "internal error"
		return http.StatusInternalServerError, body
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Any("error", err),
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", attrs...)
	} else {
		h.log.Info("request rejected", attrs...)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
