package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alimasry/go-workflow-editor/internal/metrics"
	"github.com/alimasry/go-workflow-editor/store"
	"github.com/alimasry/go-workflow-editor/workflow"
)

const storeTimeout = 10 * time.Second

// ErrSessionClosed is returned by calls into a session that has stopped.
var ErrSessionClosed = errors.New("session closed")

type clientMessage struct {
	client *Client
	msg    ClientMessage
}

// Session manages editing of a single workflow. The editor and its
// history are only touched by the Run goroutine.
type Session struct {
	workflowID string
	editor     *workflow.Editor
	store      store.WorkflowStore
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clients    map[*Client]bool
	joined     int

	incoming chan clientMessage
	join     chan *Client
	leave    chan *Client
	calls    chan func()
	idle     chan<- idleNotice
	stop     chan struct{}
	done     chan struct{}
}

func newSession(workflowID string, editor *workflow.Editor, st store.WorkflowStore, idle chan<- idleNotice, logger *slog.Logger, m *metrics.Metrics) *Session {
	return &Session{
		workflowID: workflowID,
		editor:     editor,
		store:      st,
		logger:     logger.With("workflow", workflowID),
		metrics:    m,
		clients:    make(map[*Client]bool),
		incoming:   make(chan clientMessage, 64),
		join:       make(chan *Client, 16),
		leave:      make(chan *Client, 16),
		calls:      make(chan func()),
		idle:       idle,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run is the session's main loop. It serializes all operations.
func (s *Session) Run() {
	defer close(s.done)
	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case cm := <-s.incoming:
			s.handleMessage(cm)
		case fn := <-s.calls:
			fn()
		case <-s.stop:
			s.disconnectAll()
			return
		}
	}
}

func (s *Session) submit(cm clientMessage) {
	select {
	case s.incoming <- cm:
	case <-s.done:
		cm.client.sendError("session closed")
	}
}

func (s *Session) removeClient(c *Client) {
	select {
	case s.leave <- c:
	case <-s.done:
	}
}

// call runs fn on the session goroutine and waits for it to finish.
func (s *Session) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.calls <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (s *Session) handleJoin(c *Client) {
	s.joined++
	if !c.attach(s) {
		// Disconnected before the join landed; no leave will follow.
		c.closeSend()
		s.notifyIfIdle()
		return
	}
	s.clients[c] = true

	// Send current editor state to the joining client.
	c.sendMsg(ServerMessage{
		Type:        MsgState,
		WorkflowID:  s.workflowID,
		EditorState: s.state(),
		Clients:     s.clientInfos(),
	})

	// Notify other clients about the new user.
	for other := range s.clients {
		if other != c {
			other.sendMsg(ServerMessage{
				Type:     MsgJoin,
				ClientID: c.ID,
				Name:     c.Name,
				Color:    c.Color,
			})
		}
	}
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.setSession(nil)
	c.closeSend()

	// Notify others.
	for other := range s.clients {
		other.sendMsg(ServerMessage{
			Type:     MsgLeave,
			ClientID: c.ID,
		})
	}

	s.notifyIfIdle()
}

// notifyIfIdle tells the hub the session has no clients left.
func (s *Session) notifyIfIdle() {
	if len(s.clients) > 0 {
		return
	}
	select {
	case s.idle <- idleNotice{session: s, joined: s.joined}:
	case <-s.stop:
	}
}

func (s *Session) disconnectAll() {
	for c := range s.clients {
		delete(s.clients, c)
		c.setSession(nil)
		c.closeSend()
	}
}

func (s *Session) handleMessage(cm clientMessage) {
	c, msg := cm.client, cm.msg
	switch msg.Type {
	case MsgPush:
		if msg.Graph == nil {
			c.sendError("push requires a graph")
			return
		}
		if err := s.editor.Apply(*msg.Graph); err != nil {
			c.sendError(err.Error())
			return
		}
		s.changed(MsgPush)
	case MsgUndo:
		if s.editor.Undo() {
			s.changed(MsgUndo)
		}
	case MsgRedo:
		if s.editor.Redo() {
			s.changed(MsgRedo)
		}
	case MsgClear:
		if s.editor.CanUndo() || s.editor.CanRedo() {
			s.editor.Clear()
			s.changed(MsgClear)
		}
	case MsgSave:
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.save(ctx); err != nil {
			s.logger.Error("session: save failed", "err", err)
			c.sendError("save failed: " + err.Error())
			return
		}
		c.sendMsg(ServerMessage{Type: MsgAck, WorkflowID: s.workflowID, EditorState: s.state()})
		s.broadcastState(c)
	case MsgRestore:
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if _, err := s.restore(ctx, msg.Version); err != nil {
			c.sendError("restore failed: " + err.Error())
		}
	case MsgVersions:
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		versions, err := s.store.ListVersions(ctx, s.workflowID)
		if err != nil {
			c.sendError("list versions failed: " + err.Error())
			return
		}
		c.sendMsg(ServerMessage{Type: MsgVersions, WorkflowID: s.workflowID, Versions: versions})
	}
}

// changed records a history operation and broadcasts the new state.
func (s *Session) changed(op string) {
	s.metrics.HistoryOp(op)
	s.broadcastState(nil)
}

func (s *Session) save(ctx context.Context) error {
	version, err := s.store.SaveVersion(ctx, s.workflowID, s.editor.Graph())
	if err != nil {
		return err
	}
	s.editor.MarkSaved(version)
	s.metrics.VersionSaved()
	s.logger.Info("session: version saved", "version", version)
	return nil
}

// restore replaces the document with a stored version. The undo history
// is discarded and every client is sent the restored state.
func (s *Session) restore(ctx context.Context, version int) (*store.WorkflowInfo, error) {
	info, err := s.store.RestoreVersion(ctx, s.workflowID, version)
	if err != nil {
		return nil, err
	}
	if err := s.editor.Load(info.Graph, info.Version); err != nil {
		return nil, err
	}
	s.logger.Info("session: version restored", "version", version)
	s.changed(MsgRestore)
	return info, nil
}

// Restore restores a stored version through the session so that connected
// editors reload it.
func (s *Session) Restore(ctx context.Context, version int) (*store.WorkflowInfo, error) {
	var (
		info *store.WorkflowInfo
		err  error
	)
	if callErr := s.call(ctx, func() { info, err = s.restore(ctx, version) }); callErr != nil {
		return nil, callErr
	}
	return info, err
}

// State returns a snapshot of the editor state.
func (s *Session) State(ctx context.Context) (EditorState, error) {
	var st EditorState
	if err := s.call(ctx, func() { st = *s.state() }); err != nil {
		return EditorState{}, err
	}
	return st, nil
}

func (s *Session) state() *EditorState {
	info := s.editor.Info()
	return &EditorState{
		Graph:       s.editor.Graph(),
		CanUndo:     s.editor.CanUndo(),
		CanRedo:     s.editor.CanRedo(),
		PastCount:   info.PastCount,
		FutureCount: info.FutureCount,
		Dirty:       s.editor.Dirty(),
		Version:     s.editor.Version(),
	}
}

// broadcastState sends the current state to every client except skip.
func (s *Session) broadcastState(skip *Client) {
	msg := ServerMessage{Type: MsgState, WorkflowID: s.workflowID, EditorState: s.state()}
	for c := range s.clients {
		if c != skip {
			c.sendMsg(msg)
		}
	}
}

func (s *Session) clientInfos() []ClientInfo {
	infos := make([]ClientInfo, 0, len(s.clients))
	for c := range s.clients {
		infos = append(infos, c.Info())
	}
	return infos
}
