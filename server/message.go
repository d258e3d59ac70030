package server

import (
	"encoding/json"

	"github.com/alimasry/go-workflow-editor/store"
	"github.com/alimasry/go-workflow-editor/workflow"
)

// Message types exchanged over WebSocket.
const (
	MsgJoin     = "join"
	MsgLeave    = "leave"
	MsgPush     = "push"
	MsgUndo     = "undo"
	MsgRedo     = "redo"
	MsgClear    = "clear"
	MsgSave     = "save"
	MsgRestore  = "restore"
	MsgVersions = "versions"
	MsgState    = "state"
	MsgAck      = "ack"
	MsgError    = "error"
)

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type       string          `json:"type"`
	WorkflowID string          `json:"workflowId,omitempty"`
	Graph      *workflow.Graph `json:"graph,omitempty"`
	Version    int             `json:"version,omitempty"`
}

// EditorState is the client-visible state of a workflow's editor.
type EditorState struct {
	Graph       workflow.Graph `json:"graph"`
	CanUndo     bool           `json:"canUndo"`
	CanRedo     bool           `json:"canRedo"`
	PastCount   int            `json:"pastCount"`
	FutureCount int            `json:"futureCount"`
	Dirty       bool           `json:"dirty"`
	Version     int            `json:"version"`
}

// ServerMessage is a message from server to client. State and ack
// messages carry the embedded EditorState.
type ServerMessage struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflowId,omitempty"`
	*EditorState
	ClientID string                 `json:"clientId,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Color    string                 `json:"color,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Clients  []ClientInfo           `json:"clients,omitempty"`
	Versions []store.VersionSummary `json:"versions,omitempty"`
}

// ClientInfo describes a connected user.
type ClientInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
