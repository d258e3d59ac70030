package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/go-workflow-editor/workflow"
)

// FirestoreStore is a Firestore-backed implementation of WorkflowStore.
// Each workflow is a document in the collection with its versions in a
// "versions" sub-collection keyed by zero-padded version number.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "workflows",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) versionsCollection(id string) *firestore.CollectionRef {
	return s.docRef(id).Collection("versions")
}

func (s *FirestoreStore) versionRef(id string, number int) *firestore.DocumentRef {
	return s.versionsCollection(id).Doc(zeroPad(number))
}

func zeroPad(version int) string {
	return fmt.Sprintf("%010d", version)
}

func encodeGraph(g workflow.Graph) (string, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("encode graph: %w", err)
	}
	return string(b), nil
}

func decodeGraph(s string) (workflow.Graph, error) {
	var g workflow.Graph
	if s == "" {
		return g, nil
	}
	if err := json.Unmarshal([]byte(s), &g); err != nil {
		return g, fmt.Errorf("decode graph: %w", err)
	}
	return g, nil
}

func (s *FirestoreStore) Create(ctx context.Context, id, name string) error {
	graph, err := encodeGraph(workflow.Graph{})
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.docRef(id).Create(ctx, map[string]interface{}{
		"name":      name,
		"version":   0,
		"public":    false,
		"graph":     graph,
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, id)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*WorkflowInfo, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToInfo(id, snap)
}

func snapshotToInfo(id string, snap *firestore.DocumentSnapshot) (*WorkflowInfo, error) {
	data := snap.Data()
	name, _ := data["name"].(string)
	version, _ := data["version"].(int64)
	public, _ := data["public"].(bool)
	rawGraph, _ := data["graph"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	graph, err := decodeGraph(rawGraph)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", id, err)
	}
	return &WorkflowInfo{
		ID:        id,
		Name:      name,
		Version:   int(version),
		Public:    public,
		Graph:     graph,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func snapshotToVersion(snap *firestore.DocumentSnapshot) (*Version, error) {
	data := snap.Data()
	number, ok := data["number"].(int64)
	if !ok {
		return nil, fmt.Errorf("invalid number field in version %s", snap.Ref.ID)
	}
	rawGraph, _ := data["graph"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	graph, err := decodeGraph(rawGraph)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", snap.Ref.ID, err)
	}
	return &Version{Number: int(number), Graph: graph, CreatedAt: createdAt}, nil
}

func (s *FirestoreStore) List(ctx context.Context) ([]WorkflowInfo, error) {
	// Documents are returned in ID order.
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []WorkflowInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		info, err := snapshotToInfo(snap.Ref.ID, snap)
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, nil
}

func (s *FirestoreStore) SaveVersion(ctx context.Context, id string, g workflow.Graph) (int, error) {
	graph, err := encodeGraph(g)
	if err != nil {
		return 0, err
	}

	var number int
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.docRef(id))
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		version, _ := snap.Data()["version"].(int64)
		number = int(version) + 1

		now := time.Now()
		if err := tx.Create(s.versionRef(id, number), map[string]interface{}{
			"number":    number,
			"graph":     graph,
			"nodeCount": len(g.Nodes),
			"edgeCount": len(g.Edges),
			"createdAt": now,
		}); err != nil {
			return err
		}
		return tx.Update(s.docRef(id), []firestore.Update{
			{Path: "version", Value: number},
			{Path: "graph", Value: graph},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return 0, err
	}
	return number, nil
}

func (s *FirestoreStore) ListVersions(ctx context.Context, id string) ([]VersionSummary, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	iter := s.versionsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	result := []VersionSummary{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		data := snap.Data()
		number, _ := data["number"].(int64)
		nodes, _ := data["nodeCount"].(int64)
		edges, _ := data["edgeCount"].(int64)
		createdAt, _ := data["createdAt"].(time.Time)
		result = append(result, VersionSummary{
			Number:    int(number),
			NodeCount: int(nodes),
			EdgeCount: int(edges),
			CreatedAt: createdAt,
		})
	}
	return result, nil
}

func (s *FirestoreStore) GetVersion(ctx context.Context, id string, number int) (*Version, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	snap, err := s.versionRef(id, number).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToVersion(snap)
}

func (s *FirestoreStore) RestoreVersion(ctx context.Context, id string, number int) (*WorkflowInfo, error) {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.docRef(id))
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		data := snap.Data()
		if public, _ := data["public"].(bool); public {
			return fmt.Errorf("%w: unpublish %q before restoring", ErrPublicWorkflow, id)
		}
		latest, _ := data["version"].(int64)
		if number < 1 || number > int(latest) {
			return fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
		}

		vsnap, err := tx.Get(s.versionRef(id, number))
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
		}
		if err != nil {
			return err
		}
		graph, _ := vsnap.Data()["graph"].(string)

		newer, err := tx.Documents(s.versionsCollection(id).Where("number", ">", number)).GetAll()
		if err != nil {
			return err
		}

		// All reads happen before the first write.
		for _, doc := range newer {
			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
		}
		return tx.Update(s.docRef(id), []firestore.Update{
			{Path: "version", Value: number},
			{Path: "graph", Value: graph},
			{Path: "updatedAt", Value: time.Now()},
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *FirestoreStore) SetPublic(ctx context.Context, id string, public bool) error {
	_, err := s.docRef(id).Update(ctx, []firestore.Update{
		{Path: "public", Value: public},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return err
}
