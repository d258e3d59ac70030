package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/go-workflow-editor/workflow"
)

var (
	ErrNotFound        = errors.New("workflow not found")
	ErrAlreadyExists   = errors.New("workflow already exists")
	ErrVersionNotFound = errors.New("workflow version not found")
	// ErrPublicWorkflow is returned when restoring a published workflow.
	// It has to be unpublished first.
	ErrPublicWorkflow = errors.New("workflow is public")
)

// WorkflowInfo holds workflow metadata and its latest saved graph.
// Version is the latest version number; 0 means nothing was saved yet.
type WorkflowInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Public    bool           `json:"public"`
	Graph     workflow.Graph `json:"graph"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Version is a numbered, durable snapshot of a workflow graph.
type Version struct {
	Number    int            `json:"number"`
	Graph     workflow.Graph `json:"graph"`
	CreatedAt time.Time      `json:"createdAt"`
}

// VersionSummary describes a version without its graph.
type VersionSummary struct {
	Number    int       `json:"number"`
	NodeCount int       `json:"nodeCount"`
	EdgeCount int       `json:"edgeCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary returns the summary of v.
func (v Version) Summary() VersionSummary {
	return VersionSummary{
		Number:    v.Number,
		NodeCount: len(v.Graph.Nodes),
		EdgeCount: len(v.Graph.Edges),
		CreatedAt: v.CreatedAt,
	}
}

// WorkflowStore abstracts workflow persistence.
// Version numbers start at 1 and are contiguous.
type WorkflowStore interface {
	Create(ctx context.Context, id, name string) error
	Get(ctx context.Context, id string) (*WorkflowInfo, error)
	// List returns all workflows ordered by ID.
	List(ctx context.Context) ([]WorkflowInfo, error)
	// SaveVersion stores g as the next version and returns its number.
	SaveVersion(ctx context.Context, id string, g workflow.Graph) (int, error)
	// ListVersions returns version summaries, newest first.
	ListVersions(ctx context.Context, id string) ([]VersionSummary, error)
	GetVersion(ctx context.Context, id string, number int) (*Version, error)
	// RestoreVersion makes version number the latest one and deletes every
	// newer version.
	RestoreVersion(ctx context.Context, id string, number int) (*WorkflowInfo, error)
	SetPublic(ctx context.Context, id string, public bool) error
}
