package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	// ErrRecordNotFound is returned when a requested record does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an entity save carries a stale
	// version number.
	ErrVersionConflict = errors.New("entity version conflict")
)

// Store defines the persistence contract the engine consumes: read/write
// the four record families and append audit entries. Audit rows have no
// foreign key to entities and survive entity deletion.
type Store interface {
	// SaveEntity persists an entity. A zero Version inserts; a non-zero
	// Version must match the stored one or ErrVersionConflict is
	// returned. The stored copy (with incremented Version) is returned.
	SaveEntity(ctx context.Context, e types.Entity) (types.Entity, error)

	// GetEntity retrieves an entity by ID.
	GetEntity(ctx context.Context, id uint64) (types.Entity, error)

	// DeleteEntity removes an entity. Audit entries are unaffected.
	DeleteEntity(ctx context.Context, id uint64) error

	// ListEntities returns all entities belonging to an organization.
	ListEntities(ctx context.Context, orgID string) ([]types.Entity, error)

	// SaveConfig inserts or replaces a status configuration by ID.
	SaveConfig(ctx context.Context, cfg types.StatusConfiguration) error

	// GetConfig retrieves a configuration by its (org, type, name) key.
	GetConfig(ctx context.Context, orgID string, typ types.ConfigType, name string) (types.StatusConfiguration, error)

	// GetConfigByID retrieves a configuration by ID.
	GetConfigByID(ctx context.Context, id uint64) (types.StatusConfiguration, error)

	// ListConfigs returns an organization's configurations, optionally
	// restricted to one type (empty type means all).
	ListConfigs(ctx context.Context, orgID string, typ types.ConfigType) ([]types.StatusConfiguration, error)

	// DeleteConfig removes a configuration by ID.
	DeleteConfig(ctx context.Context, id uint64) error

	// SaveApproval inserts or replaces an approval record by ID.
	SaveApproval(ctx context.Context, a types.Approval) error

	// ListApprovals returns the approval records for one entity,
	// oldest-first.
	ListApprovals(ctx context.Context, kind types.EntityKind, entityID uint64) ([]types.Approval, error)

	// AppendAudit appends an immutable audit entry.
	AppendAudit(ctx context.Context, entry types.AuditLogEntry) error

	// QueryAudit returns matching entries plus the total match count
	// before paging. Newest-first unless the filter asks otherwise.
	QueryAudit(ctx context.Context, f types.AuditFilter) ([]types.AuditLogEntry, int, error)

	// PurgeAudit deletes entries created before the cutoff and reports
	// how many were removed.
	PurgeAudit(ctx context.Context, olderThan int64) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// matchAudit reports whether an entry passes every set filter field.
func matchAudit(f types.AuditFilter, e types.AuditLogEntry) bool {
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.From != 0 && e.CreatedAt < f.From {
		return false
	}
	if f.To != 0 && e.CreatedAt > f.To {
		return false
	}
	return true
}

// pageAudit sorts and pages a filtered result set in place, returning the
// window and the pre-paging total.
func pageAudit(f types.AuditFilter, entries []types.AuditLogEntry) ([]types.AuditLogEntry, int) {
	sortAudit(entries, f.OldestFirst)
	total := len(entries)
	if f.Offset > 0 {
		if f.Offset >= len(entries) {
			return nil, total
		}
		entries = entries[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(entries) {
		entries = entries[:f.Limit]
	}
	return entries, total
}

func sortAudit(entries []types.AuditLogEntry, oldestFirst bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.CreatedAt != b.CreatedAt {
			if oldestFirst {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if a.Sequence != b.Sequence {
			if oldestFirst {
				return a.Sequence < b.Sequence
			}
			return a.Sequence > b.Sequence
		}
		if oldestFirst {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
}
