package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/approval-engine/types"
)

const (
	entityPrefix   = "entity:"
	configPrefix   = "status_config:"
	approvalPrefix = "approval:"
	auditPrefix    = "audit:"
)

// RedisStore is a Redis-backed implementation of the Store interface.
// Records are stored as JSON blobs under typed key prefixes. The version
// check on SaveEntity is read-compare-write without a transaction, so a
// narrow race window remains between two concurrent writers.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore creates a new RedisStore instance with configurable options.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStore{client: client}, nil
}

// saveJSON marshals and stores a value under the given key.
func (s *RedisStore) saveJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value stored under the given key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrRecordNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// scanJSON collects every value under a prefix that passes the filter.
func scanJSON[T any](ctx context.Context, client *redis.Client, prefix string, keep func(T) bool) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %v", prefix, err)
		}
		var out []T
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}
			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			if keep == nil || keep(item) {
				out = append(out, item)
			}
		}
		return out, nil
	})
}

// SaveEntity persists an entity with a read-compare-write version check.
func (s *RedisStore) SaveEntity(ctx context.Context, e types.Entity) (types.Entity, error) {
	return withContext(ctx, func() (types.Entity, error) {
		key := fmt.Sprintf("%s%d", entityPrefix, e.ID)
		current, err := getJSON[types.Entity](ctx, s.client, key)
		if err == nil && current.Version != e.Version {
			return types.Entity{}, fmt.Errorf("%w: id=%d have=%d want=%d", ErrVersionConflict, e.ID, e.Version, current.Version)
		} else if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return types.Entity{}, err
		}
		e.Version++
		if err := s.saveJSON(ctx, key, e); err != nil {
			return types.Entity{}, err
		}
		return e, nil
	})
}

// GetEntity retrieves an entity from Redis.
func (s *RedisStore) GetEntity(ctx context.Context, id uint64) (types.Entity, error) {
	return getJSON[types.Entity](ctx, s.client, fmt.Sprintf("%s%d", entityPrefix, id))
}

// DeleteEntity removes an entity from Redis.
func (s *RedisStore) DeleteEntity(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		key := fmt.Sprintf("%s%d", entityPrefix, id)
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to delete %s: %v", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: key=%s", ErrRecordNotFound, key)
		}
		return nil
	})
}

// ListEntities returns the organization's entities ordered by ID.
func (s *RedisStore) ListEntities(ctx context.Context, orgID string) ([]types.Entity, error) {
	out, err := scanJSON(ctx, s.client, entityPrefix, func(e types.Entity) bool {
		return e.OrganizationID == orgID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveConfig inserts or replaces a status configuration.
func (s *RedisStore) SaveConfig(ctx context.Context, cfg types.StatusConfiguration) error {
	return s.saveJSON(ctx, fmt.Sprintf("%s%d", configPrefix, cfg.ID), cfg)
}

// GetConfig retrieves a configuration by its (org, type, name) key.
func (s *RedisStore) GetConfig(ctx context.Context, orgID string, typ types.ConfigType, name string) (types.StatusConfiguration, error) {
	matches, err := scanJSON(ctx, s.client, configPrefix, func(c types.StatusConfiguration) bool {
		return c.OrganizationID == orgID && c.Type == typ && c.Name == name
	})
	if err != nil {
		return types.StatusConfiguration{}, err
	}
	if len(matches) == 0 {
		return types.StatusConfiguration{}, fmt.Errorf("%w: config %s/%s/%s", ErrRecordNotFound, orgID, typ, name)
	}
	return matches[0], nil
}

// GetConfigByID retrieves a configuration by ID.
func (s *RedisStore) GetConfigByID(ctx context.Context, id uint64) (types.StatusConfiguration, error) {
	return getJSON[types.StatusConfiguration](ctx, s.client, fmt.Sprintf("%s%d", configPrefix, id))
}

// ListConfigs returns an organization's configurations sorted by type then
// display order.
func (s *RedisStore) ListConfigs(ctx context.Context, orgID string, typ types.ConfigType) ([]types.StatusConfiguration, error) {
	out, err := scanJSON(ctx, s.client, configPrefix, func(c types.StatusConfiguration) bool {
		if c.OrganizationID != orgID {
			return false
		}
		return typ == "" || c.Type == typ
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteConfig removes a configuration by ID.
func (s *RedisStore) DeleteConfig(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		key := fmt.Sprintf("%s%d", configPrefix, id)
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to delete %s: %v", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: key=%s", ErrRecordNotFound, key)
		}
		return nil
	})
}

// SaveApproval inserts or replaces an approval record.
func (s *RedisStore) SaveApproval(ctx context.Context, a types.Approval) error {
	return s.saveJSON(ctx, fmt.Sprintf("%s%d", approvalPrefix, a.ID), a)
}

// ListApprovals returns an entity's approval records oldest-first.
func (s *RedisStore) ListApprovals(ctx context.Context, kind types.EntityKind, entityID uint64) ([]types.Approval, error) {
	out, err := scanJSON(ctx, s.client, approvalPrefix, func(a types.Approval) bool {
		return a.EntityKind == kind && a.EntityID == entityID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendAudit appends an audit entry.
func (s *RedisStore) AppendAudit(ctx context.Context, entry types.AuditLogEntry) error {
	return s.saveJSON(ctx, auditPrefix+entry.ID, entry)
}

// QueryAudit filters, sorts and pages audit entries.
func (s *RedisStore) QueryAudit(ctx context.Context, f types.AuditFilter) ([]types.AuditLogEntry, int, error) {
	matched, err := scanJSON(ctx, s.client, auditPrefix, func(e types.AuditLogEntry) bool {
		return matchAudit(f, e)
	})
	if err != nil {
		return nil, 0, err
	}
	entries, total := pageAudit(f, matched)
	return entries, total, nil
}

// PurgeAudit deletes entries created before the cutoff using pipelining.
func (s *RedisStore) PurgeAudit(ctx context.Context, olderThan int64) (int, error) {
	return withContext(ctx, func() (int, error) {
		keys, err := s.client.Keys(ctx, auditPrefix+"*").Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan audit keys: %v", err)
		}

		if len(keys) == 0 {
			return 0, nil
		}

		pipe := s.client.Pipeline()
		deleted := 0
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return 0, fmt.Errorf("failed to get %s: %v", key, err)
			}

			var entry types.AuditLogEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return 0, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}

			if entry.CreatedAt < olderThan {
				pipe.Del(ctx, key)
				deleted++
			}
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return deleted, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
