package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-workflow-editor/history"
	"github.com/alimasry/go-workflow-editor/internal/logging"
	"github.com/alimasry/go-workflow-editor/store"
	"github.com/alimasry/go-workflow-editor/workflow"
)

func ctx() context.Context { return context.Background() }

// mockClient creates a client without a real WebSocket connection, for testing.
func mockClient(id string) *Client {
	return &Client{
		ID:    id,
		Name:  "Test " + id,
		Color: "#000000",
		send:  make(chan []byte, 256),
	}
}

// recvMsg reads one message from a mock client's send channel with timeout.
func recvMsg(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

// recvState reads one message and requires it to carry editor state.
func recvState(t *testing.T, c *Client, msgType string) EditorState {
	t.Helper()
	msg := recvMsg(t, c)
	require.Equal(t, msgType, msg.Type, "message: %+v", msg)
	require.NotNil(t, msg.EditorState)
	return *msg.EditorState
}

// chain builds a valid graph of nodes linked in order.
func chain(ids ...string) workflow.Graph {
	g := workflow.Graph{Nodes: []workflow.Node{}, Edges: []workflow.Edge{}}
	for i, id := range ids {
		g.Nodes = append(g.Nodes, workflow.Node{ID: id, Type: "oracle.chainlink"})
		if i > 0 {
			g.Edges = append(g.Edges, workflow.Edge{ID: ids[i-1] + "-" + id, Source: ids[i-1], Target: id})
		}
	}
	return g
}

type testSession struct {
	*Session
	idle chan idleNotice
}

func startSession(t *testing.T, st store.WorkflowStore, id string) testSession {
	t.Helper()
	if _, err := st.Get(ctx(), id); err != nil {
		require.NoError(t, st.Create(ctx(), id, ""))
	}
	info, err := st.Get(ctx(), id)
	require.NoError(t, err)
	editor, err := workflow.NewEditor(info.Graph, info.Version, history.DefaultMaxSize)
	require.NoError(t, err)

	idle := make(chan idleNotice, 8)
	s := newSession(id, editor, st, idle, logging.NewNop(), nil)
	go s.Run()
	t.Cleanup(func() {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
		<-s.done
	})
	return testSession{Session: s, idle: idle}
}

func send(s testSession, c *Client, msg ClientMessage) {
	s.incoming <- clientMessage{client: c, msg: msg}
}

func TestSession_JoinReceivesState(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Create(ctx(), "wf1", ""))
	_, err := st.SaveVersion(ctx(), "wf1", chain("a", "b"))
	require.NoError(t, err)
	s := startSession(t, st, "wf1")

	c := mockClient("c1")
	s.join <- c
	msg := recvMsg(t, c)

	require.Equal(t, MsgState, msg.Type)
	assert.Equal(t, "wf1", msg.WorkflowID)
	require.NotNil(t, msg.EditorState)
	assert.Equal(t, chain("a", "b"), msg.Graph)
	assert.Equal(t, 1, msg.Version)
	assert.False(t, msg.CanUndo)
	assert.False(t, msg.CanRedo)
	assert.False(t, msg.Dirty)
	require.Len(t, msg.Clients, 1)
	assert.Equal(t, "c1", msg.Clients[0].ID)
	assert.Same(t, s.Session, c.currentSession())
}

func TestSession_PushBroadcasts(t *testing.T) {
	s := startSession(t, store.NewMemoryStore(), "wf1")

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1) // state
	recvMsg(t, c2) // state
	joined := recvMsg(t, c1)
	assert.Equal(t, MsgJoin, joined.Type)
	assert.Equal(t, "c2", joined.ClientID)

	send(s, c1, ClientMessage{Type: MsgPush, Graph: ptr(chain("a"))})

	for _, c := range []*Client{c1, c2} {
		state := recvState(t, c, MsgState)
		assert.Equal(t, chain("a"), state.Graph)
		assert.True(t, state.CanUndo)
		assert.Equal(t, 1, state.PastCount)
		assert.True(t, state.Dirty)
	}
}

func TestSession_PushRejectsInvalidGraph(t *testing.T) {
	s := startSession(t, store.NewMemoryStore(), "wf1")
	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1)
	recvMsg(t, c2)
	recvMsg(t, c1)

	bad := workflow.Graph{Nodes: []workflow.Node{{ID: "a"}, {ID: "a"}}}
	send(s, c1, ClientMessage{Type: MsgPush, Graph: &bad})
	msg := recvMsg(t, c1)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "duplicate node id")

	send(s, c1, ClientMessage{Type: MsgPush})
	msg = recvMsg(t, c1)
	assert.Equal(t, MsgError, msg.Type)

	assert.Empty(t, c2.send, "nothing is broadcast for a rejected push")
}

func TestSession_UndoRedo(t *testing.T) {
	s := startSession(t, store.NewMemoryStore(), "wf1")
	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c)

	send(s, c, ClientMessage{Type: MsgPush, Graph: ptr(chain("a"))})
	recvState(t, c, MsgState)
	send(s, c, ClientMessage{Type: MsgPush, Graph: ptr(chain("a", "b"))})
	recvState(t, c, MsgState)

	send(s, c, ClientMessage{Type: MsgUndo})
	state := recvState(t, c, MsgState)
	assert.Equal(t, chain("a"), state.Graph)
	assert.True(t, state.CanUndo)
	assert.True(t, state.CanRedo)
	assert.Equal(t, 1, state.PastCount)
	assert.Equal(t, 1, state.FutureCount)

	send(s, c, ClientMessage{Type: MsgRedo})
	state = recvState(t, c, MsgState)
	assert.Equal(t, chain("a", "b"), state.Graph)
	assert.False(t, state.CanRedo)

	send(s, c, ClientMessage{Type: MsgClear})
	state = recvState(t, c, MsgState)
	assert.Equal(t, chain("a", "b"), state.Graph)
	assert.False(t, state.CanUndo)
	assert.False(t, state.CanRedo)
}

func TestSession_NoopsAreSilent(t *testing.T) {
	s := startSession(t, store.NewMemoryStore(), "wf1")
	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c)

	send(s, c, ClientMessage{Type: MsgUndo})
	send(s, c, ClientMessage{Type: MsgRedo})
	send(s, c, ClientMessage{Type: MsgClear})
	send(s, c, ClientMessage{Type: MsgVersions})

	// The versions reply is the first thing the client sees.
	msg := recvMsg(t, c)
	assert.Equal(t, MsgVersions, msg.Type)
	assert.Nil(t, msg.EditorState)
}

func TestSession_SaveAcks(t *testing.T) {
	st := store.NewMemoryStore()
	s := startSession(t, st, "wf1")
	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1)
	recvMsg(t, c2)
	recvMsg(t, c1)

	send(s, c1, ClientMessage{Type: MsgPush, Graph: ptr(chain("a"))})
	recvState(t, c1, MsgState)
	recvState(t, c2, MsgState)

	send(s, c1, ClientMessage{Type: MsgSave})
	ack := recvState(t, c1, MsgAck)
	assert.Equal(t, 1, ack.Version)
	assert.False(t, ack.Dirty)
	assert.True(t, ack.CanUndo, "saving keeps the undo history")

	state := recvState(t, c2, MsgState)
	assert.Equal(t, 1, state.Version)
	assert.False(t, state.Dirty)

	info, err := st.Get(ctx(), "wf1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
	assert.Equal(t, chain("a"), info.Graph)

	// Undoing past the saved checkpoint makes the editor dirty again.
	send(s, c1, ClientMessage{Type: MsgUndo})
	assert.True(t, recvState(t, c1, MsgState).Dirty)
}

func TestSession_RestoreReloads(t *testing.T) {
	st := store.NewMemoryStore()
	s := startSession(t, st, "wf1")
	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1)
	recvMsg(t, c2)
	recvMsg(t, c1)

	for _, g := range []workflow.Graph{chain("a"), chain("a", "b")} {
		send(s, c1, ClientMessage{Type: MsgPush, Graph: ptr(g)})
		recvState(t, c1, MsgState)
		recvState(t, c2, MsgState)
		send(s, c1, ClientMessage{Type: MsgSave})
		recvState(t, c1, MsgAck)
		recvState(t, c2, MsgState)
	}

	send(s, c2, ClientMessage{Type: MsgRestore, Version: 1})
	for _, c := range []*Client{c1, c2} {
		state := recvState(t, c, MsgState)
		assert.Equal(t, chain("a"), state.Graph)
		assert.Equal(t, 1, state.Version)
		assert.False(t, state.CanUndo, "restore discards history")
		assert.False(t, state.CanRedo)
		assert.False(t, state.Dirty)
	}

	versions, err := st.ListVersions(ctx(), "wf1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestSession_RestoreErrors(t *testing.T) {
	st := store.NewMemoryStore()
	s := startSession(t, st, "wf1")
	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c)

	send(s, c, ClientMessage{Type: MsgRestore, Version: 3})
	msg := recvMsg(t, c)
	assert.Equal(t, MsgError, msg.Type)

	send(s, c, ClientMessage{Type: MsgPush, Graph: ptr(chain("a"))})
	recvState(t, c, MsgState)
	send(s, c, ClientMessage{Type: MsgSave})
	recvState(t, c, MsgAck)
	require.NoError(t, st.SetPublic(ctx(), "wf1", true))

	send(s, c, ClientMessage{Type: MsgRestore, Version: 1})
	msg = recvMsg(t, c)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "public")
}

func TestSession_Versions(t *testing.T) {
	st := store.NewMemoryStore()
	s := startSession(t, st, "wf1")
	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c)

	for _, g := range []workflow.Graph{chain("a"), chain("a", "b")} {
		send(s, c, ClientMessage{Type: MsgPush, Graph: ptr(g)})
		recvState(t, c, MsgState)
		send(s, c, ClientMessage{Type: MsgSave})
		recvState(t, c, MsgAck)
	}

	send(s, c, ClientMessage{Type: MsgVersions})
	msg := recvMsg(t, c)
	require.Equal(t, MsgVersions, msg.Type)
	require.Len(t, msg.Versions, 2)
	assert.Equal(t, 2, msg.Versions[0].Number)
	assert.Equal(t, 2, msg.Versions[0].NodeCount)
	assert.Equal(t, 1, msg.Versions[0].EdgeCount)
}

func TestSession_LeaveNotification(t *testing.T) {
	s := startSession(t, store.NewMemoryStore(), "wf1")

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1) // state
	recvMsg(t, c2) // state
	recvMsg(t, c1) // c2 join

	s.leave <- c2
	msg := recvMsg(t, c1)
	assert.Equal(t, MsgLeave, msg.Type)
	assert.Equal(t, "c2", msg.ClientID)
	assert.Nil(t, c2.currentSession())

	s.leave <- c1
	select {
	case n := <-s.idle:
		assert.Same(t, s.Session, n.session)
		assert.Equal(t, 2, n.joined)
	case <-time.After(2 * time.Second):
		t.Fatal("no idle notice after last leave")
	}
}

func TestSession_JoinAfterDisconnect(t *testing.T) {
	s := startSession(t, store.NewMemoryStore(), "wf1")

	c := mockClient("c1")
	require.True(t, c.beginJoin())
	assert.Nil(t, c.markGone())
	s.join <- c

	select {
	case n := <-s.idle:
		assert.Same(t, s.Session, n.session)
		assert.Equal(t, 1, n.joined)
	case <-time.After(2 * time.Second):
		t.Fatal("no idle notice for a departed client")
	}
	assert.Nil(t, c.currentSession())
	_, open := <-c.send
	assert.False(t, open, "send channel should be closed")
}

func TestClient_PendingJoin(t *testing.T) {
	c := mockClient("c1")
	require.True(t, c.beginJoin())
	assert.False(t, c.beginJoin(), "second join while pending")

	c.abortJoin()
	assert.True(t, c.beginJoin(), "join after a failed attempt")
}

func TestSession_Calls(t *testing.T) {
	st := store.NewMemoryStore()
	s := startSession(t, st, "wf1")
	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c)

	send(s, c, ClientMessage{Type: MsgPush, Graph: ptr(chain("a"))})
	recvState(t, c, MsgState)
	send(s, c, ClientMessage{Type: MsgSave})
	recvState(t, c, MsgAck)
	send(s, c, ClientMessage{Type: MsgPush, Graph: ptr(chain("a", "b"))})
	recvState(t, c, MsgState)

	state, err := s.State(ctx())
	require.NoError(t, err)
	assert.True(t, state.Dirty)
	assert.Equal(t, 1, state.PastCount)

	info, err := s.Restore(ctx(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
	restored := recvState(t, c, MsgState)
	assert.Equal(t, chain("a"), restored.Graph)

	close(s.stop)
	<-s.done
	_, err = s.State(ctx())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Restore(ctx(), 1)
	assert.ErrorIs(t, err, ErrSessionClosed)

	// Stopping disconnects remaining clients.
	_, open := <-c.send
	assert.False(t, open)
}

func TestClient_RouteWithoutSession(t *testing.T) {
	c := mockClient("c1")
	c.route(ClientMessage{Type: MsgUndo})
	assert.Equal(t, MsgError, recvMsg(t, c).Type)

	c.route(ClientMessage{Type: MsgJoin})
	assert.Equal(t, MsgError, recvMsg(t, c).Type)

	c.route(ClientMessage{Type: "op"})
	msg := recvMsg(t, c)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "unknown message type")
}

func ptr[T any](v T) *T {
	return &v
}
