package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimasry/go-workflow-editor/store"
	"github.com/alimasry/go-workflow-editor/workflow"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type api struct {
	hub   *Hub
	store store.WorkflowStore
}

// NewHandler creates the HTTP handler with all routes. The /metrics route
// is only mounted when gatherer is non-nil.
func NewHandler(hub *Hub, gatherer prometheus.Gatherer) http.Handler {
	a := &api{hub: hub, store: hub.Store()}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// WebSocket endpoint.
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade error", "err", err)
			return
		}
		client := newClient(hub, conn)
		hub.metrics.ClientConnected()
		go client.WritePump()
		go client.ReadPump()
	})

	r.Route("/api/workflows", func(r chi.Router) {
		r.Get("/", a.listWorkflows)
		r.Post("/", a.createWorkflow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getWorkflow)
			r.Put("/public", a.setPublic)
			r.Get("/history", a.getHistory)
			r.Get("/versions", a.listVersions)
			r.Get("/versions/{n}", a.getVersion)
			r.Post("/versions/{n}/restore", a.restoreVersion)
		})
	})

	return r
}

type createRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type publicRequest struct {
	Public bool `json:"public"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.hub.logger.Error("api: failed to write response", "status", status, "err", err)
	}
}

// writeError maps store and validation errors to HTTP status codes.
func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrVersionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrPublicWorkflow):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidGraph):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.hub.logger.Error("api: request failed", "err", err)
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *api) versionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid version number"})
		return 0, false
	}
	return n, true
}

func (a *api) listWorkflows(w http.ResponseWriter, r *http.Request) {
	infos, err := a.store.List(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if infos == nil {
		infos = []store.WorkflowInfo{}
	}
	a.writeJSON(w, http.StatusOK, infos)
}

func (a *api) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if err := a.store.Create(r.Context(), body.ID, body.Name); err != nil {
		a.writeError(w, err)
		return
	}
	info, err := a.store.Get(r.Context(), body.ID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, info)
}

func (a *api) getWorkflow(w http.ResponseWriter, r *http.Request) {
	info, err := a.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, info)
}

func (a *api) setPublic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body publicRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := a.store.SetPublic(r.Context(), id, body.Public); err != nil {
		a.writeError(w, err)
		return
	}
	info, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, info)
}

func (a *api) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s := a.hub.Session(id)
	if s == nil {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active session for " + strconv.Quote(id)})
		return
	}
	st, err := s.State(r.Context())
	if errors.Is(err, ErrSessionClosed) {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active session for " + strconv.Quote(id)})
		return
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

func (a *api) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.store.ListVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if versions == nil {
		versions = []store.VersionSummary{}
	}
	a.writeJSON(w, http.StatusOK, versions)
}

func (a *api) getVersion(w http.ResponseWriter, r *http.Request) {
	n, ok := a.versionParam(w, r)
	if !ok {
		return
	}
	v, err := a.store.GetVersion(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}

// restoreVersion goes through the live session when there is one so that
// connected editors reload the restored graph.
func (a *api) restoreVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := a.versionParam(w, r)
	if !ok {
		return
	}

	var (
		info *store.WorkflowInfo
		err  = ErrSessionClosed
	)
	if s := a.hub.Session(id); s != nil {
		info, err = s.Restore(r.Context(), n)
	}
	if errors.Is(err, ErrSessionClosed) {
		info, err = a.store.RestoreVersion(r.Context(), id, n)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, info)
}
