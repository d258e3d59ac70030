package workflow

import (
	"fmt"

	"github.com/alimasry/go-workflow-editor/history"
)

// Snapshot is one checkpoint in an editor's history. Seq is unique within
// the editor and increases with every checkpoint.
type Snapshot struct {
	Seq   uint64 `json:"seq"`
	Graph Graph  `json:"graph"`
}

// Editor holds the editable state of a single workflow: its undo/redo
// history and which checkpoint was last saved to the store.
type Editor struct {
	hist     *history.History[Snapshot]
	seq      uint64
	savedSeq uint64
	version  int
}

// NewEditor creates an editor whose present is g, already saved as version.
func NewEditor(g Graph, version, maxHistory int) (*Editor, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	h, err := history.New(Snapshot{Graph: g.Clone()}, history.WithMaxSize(maxHistory))
	if err != nil {
		return nil, err
	}
	return &Editor{hist: h, version: version}, nil
}

// Apply validates g and checkpoints a private copy of it as the new present.
func (e *Editor) Apply(g Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	e.seq++
	e.hist.Push(Snapshot{Seq: e.seq, Graph: g.Clone()})
	return nil
}

func (e *Editor) Undo() bool { return e.hist.Undo() }

func (e *Editor) Redo() bool { return e.hist.Redo() }

// Clear drops the undo and redo history, keeping the present graph.
func (e *Editor) Clear() { e.hist.Clear() }

// Load replaces the document with g, e.g. after a version restore. The
// previous history is discarded and g is considered saved as version.
func (e *Editor) Load(g Graph, version int) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("load version %d: %w", version, err)
	}
	e.seq++
	e.hist.Push(Snapshot{Seq: e.seq, Graph: g.Clone()})
	e.hist.Clear()
	e.MarkSaved(version)
	return nil
}

// MarkSaved records the present checkpoint as persisted under version.
func (e *Editor) MarkSaved(version int) {
	e.savedSeq = e.hist.Present().Seq
	e.version = version
}

// Dirty reports whether the present differs from the last saved checkpoint.
func (e *Editor) Dirty() bool { return e.hist.Present().Seq != e.savedSeq }

// Graph returns a copy of the present graph.
func (e *Editor) Graph() Graph { return e.hist.Present().Graph.Clone() }

// Version is the store version the editor was last saved as or loaded from.
func (e *Editor) Version() int { return e.version }

func (e *Editor) CanUndo() bool { return e.hist.CanUndo() }

func (e *Editor) CanRedo() bool { return e.hist.CanRedo() }

func (e *Editor) Info() history.Info { return e.hist.Info() }
