package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alimasry/go-workflow-editor/history"
	"github.com/alimasry/go-workflow-editor/internal/metrics"
	"github.com/alimasry/go-workflow-editor/store"
	"github.com/alimasry/go-workflow-editor/workflow"
)

type joinRequest struct {
	client     *Client
	workflowID string
}

// idleNotice is sent by a session whose last client has left. joined is
// the number of joins the session had processed at that point.
type idleNotice struct {
	session *Session
	joined  int
}

type sessionEntry struct {
	session    *Session
	dispatched int // joins handed to the session
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub's logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithMetrics sets the collectors the hub and its sessions update.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithHistorySize sets the undo depth of every editing session.
func WithHistorySize(n int) HubOption {
	return func(h *Hub) {
		h.historySize = n
	}
}

// Hub manages workflow sessions and routes clients to the right session.
// A session exists while at least one client is joined to it.
type Hub struct {
	store       store.WorkflowStore
	logger      *slog.Logger
	metrics     *metrics.Metrics
	historySize int

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	joinWorkflow chan joinRequest
	idle         chan idleNotice
	done         chan struct{}
}

func NewHub(st store.WorkflowStore, opts ...HubOption) *Hub {
	h := &Hub{
		store:        st,
		logger:       slog.Default(),
		historySize:  history.DefaultMaxSize,
		sessions:     make(map[string]*sessionEntry),
		joinWorkflow: make(chan joinRequest, 64),
		idle:         make(chan idleNotice, 64),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run is the hub's main loop. It returns when ctx is cancelled, after
// stopping every session.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case req := <-h.joinWorkflow:
			h.handleJoin(ctx, req)
		case n := <-h.idle:
			h.handleIdle(n)
		case <-ctx.Done():
			h.stopAll()
			return
		}
	}
}

func (h *Hub) requestJoin(c *Client, workflowID string) {
	select {
	case <-h.done:
		c.abortJoin()
		c.sendError("server is shutting down")
		return
	default:
	}
	select {
	case h.joinWorkflow <- joinRequest{client: c, workflowID: workflowID}:
	case <-h.done:
		c.abortJoin()
		c.sendError("server is shutting down")
	}
}

func (h *Hub) handleJoin(ctx context.Context, req joinRequest) {
	h.mu.Lock()
	entry, ok := h.sessions[req.workflowID]
	if !ok {
		s, err := h.openSession(ctx, req.workflowID)
		if err != nil {
			h.mu.Unlock()
			h.logger.Error("hub: failed to open session", "workflow", req.workflowID, "err", err)
			req.client.abortJoin()
			req.client.sendError("failed to load workflow")
			return
		}
		entry = &sessionEntry{session: s}
		h.sessions[req.workflowID] = entry
		h.metrics.SessionOpened()
		go s.Run()
	}
	entry.dispatched++
	h.mu.Unlock()

	entry.session.join <- req.client
}

// openSession loads the workflow, creating it if it does not exist, and
// builds a session around a fresh editor. Must be called with h.mu held.
func (h *Hub) openSession(ctx context.Context, id string) (*Session, error) {
	info, err := h.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		if err := h.store.Create(ctx, id, ""); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		info, err = h.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	editor, err := workflow.NewEditor(info.Graph, info.Version, h.historySize)
	if err != nil {
		return nil, err
	}
	return newSession(id, editor, h.store, h.idle, h.logger, h.metrics), nil
}

// handleIdle removes a session once it is empty and no join is on its
// way to it.
func (h *Hub) handleIdle(n idleNotice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := n.session.workflowID
	entry, ok := h.sessions[id]
	if !ok || entry.session != n.session || entry.dispatched != n.joined {
		return
	}
	delete(h.sessions, id)
	close(n.session.stop)
	h.metrics.SessionClosed()
	h.logger.Debug("hub: session closed", "workflow", id)
}

func (h *Hub) stopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.sessions {
		close(entry.session.stop)
		<-entry.session.done
		delete(h.sessions, id)
		h.metrics.SessionClosed()
	}
}

// Session returns the live session for a workflow, or nil.
func (h *Hub) Session(workflowID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if entry, ok := h.sessions[workflowID]; ok {
		return entry.session
	}
	return nil
}

// Store returns the store sessions persist to.
func (h *Hub) Store() store.WorkflowStore {
	return h.store
}
