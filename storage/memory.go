package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStore is an in-memory implementation of the Store interface.
type MemoryStore struct {
	entities  map[uint64]types.Entity
	configs   map[uint64]types.StatusConfiguration
	approvals map[uint64]types.Approval
	audit     []types.AuditLogEntry
	mu        sync.RWMutex
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[uint64]types.Entity),
		configs:   make(map[uint64]types.StatusConfiguration),
		approvals: make(map[uint64]types.Approval),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", ErrRecordNotFound, id)
		}
		return item, nil
	})
}

// SaveEntity persists an entity with an optimistic version check.
func (s *MemoryStore) SaveEntity(ctx context.Context, e types.Entity) (types.Entity, error) {
	return withContext(ctx, func() (types.Entity, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if current, ok := s.entities[e.ID]; ok && current.Version != e.Version {
			return types.Entity{}, fmt.Errorf("%w: id=%d have=%d want=%d", ErrVersionConflict, e.ID, e.Version, current.Version)
		}
		e.Version++
		s.entities[e.ID] = e
		return e, nil
	})
}

// GetEntity retrieves an entity from memory.
func (s *MemoryStore) GetEntity(ctx context.Context, id uint64) (types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.entities, id)
}

// DeleteEntity removes an entity. Deleting an unknown ID is an error so
// callers can surface NotFound.
func (s *MemoryStore) DeleteEntity(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.entities[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrRecordNotFound, id)
		}
		delete(s.entities, id)
		return nil
	})
}

// ListEntities returns the organization's entities ordered by ID.
func (s *MemoryStore) ListEntities(ctx context.Context, orgID string) ([]types.Entity, error) {
	return withContext(ctx, func() ([]types.Entity, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Entity
		for _, e := range s.entities {
			if e.OrganizationID == orgID {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveConfig inserts or replaces a status configuration.
func (s *MemoryStore) SaveConfig(ctx context.Context, cfg types.StatusConfiguration) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.configs[cfg.ID] = cfg
		return nil
	})
}

// GetConfig retrieves a configuration by its (org, type, name) key.
func (s *MemoryStore) GetConfig(ctx context.Context, orgID string, typ types.ConfigType, name string) (types.StatusConfiguration, error) {
	return withContext(ctx, func() (types.StatusConfiguration, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, cfg := range s.configs {
			if cfg.OrganizationID == orgID && cfg.Type == typ && cfg.Name == name {
				return cfg, nil
			}
		}
		return types.StatusConfiguration{}, fmt.Errorf("%w: config %s/%s/%s", ErrRecordNotFound, orgID, typ, name)
	})
}

// GetConfigByID retrieves a configuration by ID.
func (s *MemoryStore) GetConfigByID(ctx context.Context, id uint64) (types.StatusConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.configs, id)
}

// ListConfigs returns an organization's configurations sorted by type then
// display order. An empty type matches all types.
func (s *MemoryStore) ListConfigs(ctx context.Context, orgID string, typ types.ConfigType) ([]types.StatusConfiguration, error) {
	return withContext(ctx, func() ([]types.StatusConfiguration, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.StatusConfiguration
		for _, cfg := range s.configs {
			if cfg.OrganizationID != orgID {
				continue
			}
			if typ != "" && cfg.Type != typ {
				continue
			}
			out = append(out, cfg)
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
	})
}

// DeleteConfig removes a configuration by ID.
func (s *MemoryStore) DeleteConfig(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.configs[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrRecordNotFound, id)
		}
		delete(s.configs, id)
		return nil
	})
}

// SaveApproval inserts or replaces an approval record.
func (s *MemoryStore) SaveApproval(ctx context.Context, a types.Approval) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.approvals[a.ID] = a
		return nil
	})
}

// ListApprovals returns an entity's approval records oldest-first.
func (s *MemoryStore) ListApprovals(ctx context.Context, kind types.EntityKind, entityID uint64) ([]types.Approval, error) {
	return withContext(ctx, func() ([]types.Approval, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Approval
		for _, a := range s.approvals {
			if a.EntityKind == kind && a.EntityID == entityID {
				out = append(out, a)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt < out[j].CreatedAt
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

// AppendAudit appends an audit entry.
func (s *MemoryStore) AppendAudit(ctx context.Context, entry types.AuditLogEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.audit = append(s.audit, entry)
		return nil
	})
}

// QueryAudit filters, sorts and pages audit entries.
func (s *MemoryStore) QueryAudit(ctx context.Context, f types.AuditFilter) ([]types.AuditLogEntry, int, error) {
	type page struct {
		entries []types.AuditLogEntry
		total   int
	}
	p, err := withContext(ctx, func() (page, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var matched []types.AuditLogEntry
		for _, e := range s.audit {
			if matchAudit(f, e) {
				matched = append(matched, e)
			}
		}
		entries, total := pageAudit(f, matched)
		return page{entries: entries, total: total}, nil
	})
	return p.entries, p.total, err
}

// PurgeAudit deletes entries created before the cutoff.
func (s *MemoryStore) PurgeAudit(ctx context.Context, olderThan int64) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		kept := s.audit[:0]
		deleted := 0
		for _, e := range s.audit {
			if e.CreatedAt < olderThan {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		s.audit = kept
		return deleted, nil
	})
}
