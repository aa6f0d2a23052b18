package workspace

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Handler exposes mirror listings over HTTP.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the workspace endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/projects", h.ListProjects)
	r.Get("/projects/{project_id}/files", h.ProjectFiles)
}

type filesResponse struct {
	Success bool        `json:"success"`
	Root    string      `json:"root"`
	Paths   []PathEntry `json:"paths"`
	Mirror  *Mirror     `json:"mirror,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    SyncKind    `json:"kind,omitempty"`
}

// ProjectFiles handles GET /projects/{project_id}/files?repo_url=...&branch=...
// It syncs the mirror, then lists it. The credential comes from
// "Authorization: Bearer <token>". When repo_url is omitted the remote
// recorded by the last successful sync is used.
func (h *Handler) ProjectFiles(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	resp := filesResponse{Root: h.svc.Namespace(), Paths: []PathEntry{}}

	if err := ValidateProjectID(projectID); err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	q := r.URL.Query()
	remote := RemoteRef{URL: q.Get("repo_url"), Branch: q.Get("branch")}
	if strings.TrimSpace(remote.URL) == "" {
		stored, ok, err := h.svc.Lookup(r.Context(), projectID)
		if err != nil {
			h.log.Warn("lookup mirror failed", slog.String("project_id", projectID), slog.String("error", err.Error()))
		}
		if !ok {
			resp.Error = "repo_url is required"
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}
		remote.URL = stored.Remote.URL
		if remote.Branch == "" {
			remote.Branch = stored.Remote.Branch
		}
	}

	mirror, err := h.svc.EnsureMirror(r.Context(), projectID, remote, bearerToken(r))
	if err != nil {
		status := syncStatus(err)
		resp.Error = err.Error()
		if status != http.StatusBadRequest {
			resp.Kind = KindOf(err)
		}
		if status == http.StatusOK {
			h.log.Error("project files unavailable",
				slog.String("project_id", projectID),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, status, resp)
		return
	}

	paths, err := h.svc.ListPaths(mirror)
	if err != nil {
		h.log.Error("list project files failed",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
		resp.Error = "listing failed"
		resp.Mirror = &mirror
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Success = true
	resp.Paths = paths
	resp.Mirror = &mirror
	writeJSON(w, http.StatusOK, resp)
}

// ListProjects handles GET /projects and returns every recorded mirror.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	mirrors, err := h.svc.Mirrors(r.Context())
	if err != nil {
		h.log.Error("list mirrors failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if mirrors == nil {
		mirrors = []Mirror{}
	}
	writeJSON(w, http.StatusOK, mirrors)
}

// syncStatus maps EnsureMirror failures to HTTP status codes. Anything not
// listed is reported as 200 with an empty listing.
func syncStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidProject), errors.Is(err, ErrInvalidRemote):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, ErrDirtyLocalState):
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
