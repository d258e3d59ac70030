package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alimasry/go-workflow-editor/workflow"
)

// dirtyState tracks what needs flushing for a single workflow.
type dirtyState struct {
	created     bool // created locally but not yet in backing store
	flushed     int  // number of versions the backing store holds
	restoreTo   int  // pending truncation in the backing store, 0 if none
	publicDirty bool // public flag needs writing
}

// FlushObserver is notified of every failed backing store write.
type FlushObserver func(id string, err error)

// CachedOption configures a CachedStore.
type CachedOption func(*CachedStore)

// WithLogger sets the logger used for flush failures.
func WithLogger(logger *slog.Logger) CachedOption {
	return func(cs *CachedStore) {
		cs.logger = logger
	}
}

// WithFlushObserver registers a callback for flush failures.
func WithFlushObserver(fn FlushObserver) CachedOption {
	return func(cs *CachedStore) {
		cs.onFlushError = fn
	}
}

// CachedStore wraps a backing WorkflowStore with an in-memory cache.
// Reads and writes are served from the cache. Dirty workflows are flushed
// to the backing store periodically in the background. Writes wait while
// a workflow is being flushed; reads never do.
type CachedStore struct {
	cache         *MemoryStore
	backing       WorkflowStore
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	logger        *slog.Logger
	onFlushError  FlushObserver
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty workflows to the backing store every flushInterval.
func NewCachedStore(backing WorkflowStore, flushInterval time.Duration, opts ...CachedOption) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cs)
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id, name string) error {
	if _, err := cs.Get(ctx, id); err == nil {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, id)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.cache.Create(ctx, id, name); err != nil {
		return err
	}
	cs.dirty[id] = &dirtyState{created: true}
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*WorkflowInfo, error) {
	info, err := cs.cache.Get(ctx, id)
	if err == nil {
		return info, nil
	}
	// Cache miss, load from backing store.
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, id)
}

// List merges the backing store listing with cached workflows, preferring
// the cached copy.
func (cs *CachedStore) List(ctx context.Context) ([]WorkflowInfo, error) {
	backed, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	cached, err := cs.cache.List(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]WorkflowInfo, len(backed)+len(cached))
	for _, info := range backed {
		byID[info.ID] = info
	}
	for _, info := range cached {
		byID[info.ID] = info
	}
	result := make([]WorkflowInfo, 0, len(byID))
	for _, info := range byID {
		result = append(result, info)
	}
	slices.SortFunc(result, func(a, b WorkflowInfo) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (cs *CachedStore) SaveVersion(ctx context.Context, id string, g workflow.Graph) (int, error) {
	// Ensure workflow is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return 0, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	ds := cs.markDirty(id)
	number, err := cs.cache.SaveVersion(ctx, id, g)
	if err != nil {
		cs.forgetIfClean(id, ds)
		return 0, err
	}
	return number, nil
}

func (cs *CachedStore) ListVersions(ctx context.Context, id string) ([]VersionSummary, error) {
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.ListVersions(ctx, id)
}

func (cs *CachedStore) GetVersion(ctx context.Context, id string, number int) (*Version, error) {
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetVersion(ctx, id, number)
}

func (cs *CachedStore) RestoreVersion(ctx context.Context, id string, number int) (*WorkflowInfo, error) {
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	ds := cs.markDirty(id)
	info, err := cs.cache.RestoreVersion(ctx, id, number)
	if err != nil {
		cs.forgetIfClean(id, ds)
		return nil, err
	}
	// Versions the backing store already holds past number must go.
	if number < ds.flushed {
		ds.restoreTo = number
		ds.flushed = number
	}
	return info, nil
}

func (cs *CachedStore) SetPublic(ctx context.Context, id string, public bool) error {
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	ds := cs.markDirty(id)
	if err := cs.cache.SetPublic(ctx, id, public); err != nil {
		cs.forgetIfClean(id, ds)
		return err
	}
	ds.publicDirty = true
	return nil
}

// markDirty returns the dirty state for id, creating it if the workflow
// was clean. A clean workflow's cached versions all exist in the backing
// store. Must be called with cs.mu held.
func (cs *CachedStore) markDirty(id string) *dirtyState {
	ds := cs.dirty[id]
	if ds == nil {
		ds = &dirtyState{flushed: cs.cache.versionCount(id)}
		cs.dirty[id] = ds
	}
	return ds
}

// forgetIfClean drops a dirty entry created for a write that failed.
// Must be called with cs.mu held.
func (cs *CachedStore) forgetIfClean(id string, ds *dirtyState) {
	if ds.isClean(cs.cache.versionCount(id)) {
		delete(cs.dirty, id)
	}
}

func (ds *dirtyState) isClean(versions int) bool {
	return !ds.created && ds.restoreTo == 0 && !ds.publicDirty && ds.flushed >= versions
}

// loadFromBacking loads a workflow and all of its versions from the
// backing store into the cache.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	info, err := cs.backing.Get(ctx, id)
	if err != nil {
		return err
	}
	versions := make([]Version, 0, info.Version)
	for n := 1; n <= info.Version; n++ {
		v, err := cs.backing.GetVersion(ctx, id, n)
		if err != nil {
			return fmt.Errorf("load %q v%d: %w", id, n, err)
		}
		versions = append(versions, *v)
	}
	cs.cache.put(*info, versions)
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty workflows to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	ids := make([]string, 0, len(cs.dirty))
	for id := range cs.dirty {
		ids = append(ids, id)
	}
	cs.mu.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		cs.mu.Lock()
		cs.flushOne(ctx, id)
		cs.mu.Unlock()
	}
}

// flushOne brings the backing copy of id in line with the cache. Progress
// is recorded step by step so a failed write is retried from where it
// stopped on the next cycle. Must be called with cs.mu held.
func (cs *CachedStore) flushOne(ctx context.Context, id string) {
	ds := cs.dirty[id]
	if ds == nil {
		return
	}
	info, versions, ok := cs.cache.snapshot(id)
	if !ok {
		delete(cs.dirty, id)
		return
	}

	// 1. Create workflow in backing store if needed.
	if ds.created {
		if err := cs.backing.Create(ctx, id, info.Name); err != nil && !errors.Is(err, ErrAlreadyExists) {
			cs.flushFailed(id, "create", err)
			return
		}
		ds.created = false
	}

	// 2. Unpublish before truncating: public workflows refuse restores.
	if ds.publicDirty && (!info.Public || ds.restoreTo > 0) {
		if err := cs.backing.SetPublic(ctx, id, false); err != nil {
			cs.flushFailed(id, "unpublish", err)
			return
		}
		ds.publicDirty = false
	}

	// 3. Truncate versions dropped by a local restore.
	if ds.restoreTo > 0 {
		if _, err := cs.backing.RestoreVersion(ctx, id, ds.restoreTo); err != nil {
			cs.flushFailed(id, "restore", err)
			return
		}
		ds.restoreTo = 0
	}

	// 4. Append versions the backing store does not have yet.
	for _, v := range versions[min(ds.flushed, len(versions)):] {
		number, err := cs.backing.SaveVersion(ctx, id, v.Graph)
		if err != nil {
			cs.flushFailed(id, "save version", err)
			return
		}
		if number != v.Number {
			cs.logger.Warn("cached store: version number mismatch",
				"workflow", id, "cached", v.Number, "backing", number)
		}
		ds.flushed++
	}

	// 5. Publish last so the versions above are visible with it.
	if ds.publicDirty {
		if err := cs.backing.SetPublic(ctx, id, info.Public); err != nil {
			cs.flushFailed(id, "publish", err)
			return
		}
		ds.publicDirty = false
	}

	if ds.isClean(len(versions)) {
		delete(cs.dirty, id)
	}
}

func (cs *CachedStore) flushFailed(id, step string, err error) {
	cs.logger.Error("cached store: flush failed", "workflow", id, "step", step, "err", err)
	if cs.onFlushError != nil {
		cs.onFlushError(id, err)
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
