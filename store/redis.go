package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/alimasry/go-workflow-editor/workflow"
)

// maxTxRetries bounds optimistic transaction retries on concurrent writes.
const maxTxRetries = 16

// RedisStore implements WorkflowStore using Redis.
//
// Layout per workflow: <prefix><id> holds the metadata as JSON,
// <prefix><id>:versions is a hash from version number to JSON version.
// <prefix>index is a sorted set of workflow IDs.
type RedisStore struct {
	client *backend.Client
	prefix string
}

type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a new Redis store with options.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, opts...)
}

// NewRedisStoreFromClient creates a new Redis store from an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "wfed:workflow:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) versionsKey(id string) string {
	return s.prefix + id + ":versions"
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

type getter interface {
	Get(ctx context.Context, key string) *backend.StringCmd
}

func (s *RedisStore) load(ctx context.Context, r getter, id string) (*WorkflowInfo, error) {
	val, err := r.Get(ctx, s.key(id)).Result()
	if err != nil {
		if err == backend.Nil {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	var info WorkflowInfo
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %q: %w", id, err)
	}
	return &info, nil
}

// update runs fn inside an optimistic transaction watching the workflow key.
func (s *RedisStore) update(ctx context.Context, id string, fn func(tx *backend.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, s.key(id))
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("workflow %q: too many concurrent updates", id)
}

func (s *RedisStore) Create(ctx context.Context, id, name string) error {
	now := time.Now()
	data, err := json.Marshal(WorkflowInfo{ID: id, Name: name, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, id)
	}
	return s.client.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  float64(now.Unix()),
		Member: id,
	}).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*WorkflowInfo, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) List(ctx context.Context) ([]WorkflowInfo, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	result := make([]WorkflowInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	slices.SortFunc(result, func(a, b WorkflowInfo) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (s *RedisStore) SaveVersion(ctx context.Context, id string, g workflow.Graph) (int, error) {
	var number int
	err := s.update(ctx, id, func(tx *backend.Tx) error {
		info, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		now := time.Now()
		number = info.Version + 1
		vdata, err := json.Marshal(Version{Number: number, Graph: g, CreatedAt: now})
		if err != nil {
			return fmt.Errorf("failed to marshal version: %w", err)
		}
		info.Version = number
		info.Graph = g
		info.UpdatedAt = now
		idata, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.HSet(ctx, s.versionsKey(id), strconv.Itoa(number), vdata)
			pipe.Set(ctx, s.key(id), idata, 0)
			return nil
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return number, nil
}

func (s *RedisStore) versions(ctx context.Context, id string) ([]Version, error) {
	raw, err := s.client.HGetAll(ctx, s.versionsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get versions from redis: %w", err)
	}
	versions := make([]Version, 0, len(raw))
	for field, val := range raw {
		var v Version
		if err := json.Unmarshal([]byte(val), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %q v%s: %w", id, field, err)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *RedisStore) ListVersions(ctx context.Context, id string) ([]VersionSummary, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	versions, err := s.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(versions, func(a, b Version) int { return b.Number - a.Number })
	result := make([]VersionSummary, len(versions))
	for i, v := range versions {
		result[i] = v.Summary()
	}
	return result, nil
}

func (s *RedisStore) GetVersion(ctx context.Context, id string, number int) (*Version, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	val, err := s.client.HGet(ctx, s.versionsKey(id), strconv.Itoa(number)).Result()
	if err == backend.Nil {
		return nil, fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version from redis: %w", err)
	}
	var v Version
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %q v%d: %w", id, number, err)
	}
	return &v, nil
}

func (s *RedisStore) RestoreVersion(ctx context.Context, id string, number int) (*WorkflowInfo, error) {
	var restored *WorkflowInfo
	err := s.update(ctx, id, func(tx *backend.Tx) error {
		info, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if info.Public {
			return fmt.Errorf("%w: unpublish %q before restoring", ErrPublicWorkflow, id)
		}
		if number < 1 || number > info.Version {
			return fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
		}
		val, err := tx.HGet(ctx, s.versionsKey(id), strconv.Itoa(number)).Result()
		if err == backend.Nil {
			return fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
		}
		if err != nil {
			return fmt.Errorf("failed to get version from redis: %w", err)
		}
		var v Version
		if err := json.Unmarshal([]byte(val), &v); err != nil {
			return fmt.Errorf("failed to unmarshal %q v%d: %w", id, number, err)
		}

		newer := make([]string, 0, info.Version-number)
		for n := number + 1; n <= info.Version; n++ {
			newer = append(newer, strconv.Itoa(n))
		}
		info.Version = number
		info.Graph = v.Graph
		info.UpdatedAt = time.Now()
		idata, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			if len(newer) > 0 {
				pipe.HDel(ctx, s.versionsKey(id), newer...)
			}
			pipe.Set(ctx, s.key(id), idata, 0)
			return nil
		})
		restored = info
		return err
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func (s *RedisStore) SetPublic(ctx context.Context, id string, public bool) error {
	return s.update(ctx, id, func(tx *backend.Tx) error {
		info, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		info.Public = public
		info.UpdatedAt = time.Now()
		idata, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, s.key(id), idata, 0)
			return nil
		})
		return err
	})
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
