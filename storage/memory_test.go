package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/approval-engine/types"
)

func newEntity(id uint64, orgID string) types.Entity {
	now := time.Now().UnixMilli()
	return types.Entity{
		ID:             id,
		Kind:           types.KindActivity,
		OrganizationID: orgID,
		ProjectID:      "proj-1",
		TicketKey:      "ACT-TEST",
		Title:          "Test Activity",
		Status:         "planned",
		ApprovalState:  types.StateDraft,
		CreatedByID:    "u-1",
		UpdatedByID:    "u-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newConfig(id uint64, orgID string, typ types.ConfigType, name string, order int) types.StatusConfiguration {
	return types.StatusConfiguration{
		ID:             id,
		OrganizationID: orgID,
		Type:           typ,
		Name:           name,
		DisplayName:    name,
		Order:          order,
		IsActive:       true,
	}
}

func TestMemoryStoreEntities(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t.Run("SaveAndGet", func(t *testing.T) {
		saved, err := store.SaveEntity(ctx, newEntity(1, "org-1"))
		assert.NoError(t, err)
		assert.Equal(t, 1, saved.Version)

		got, err := store.GetEntity(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, saved, got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.GetEntity(ctx, 404)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		current, err := store.GetEntity(ctx, 1)
		assert.NoError(t, err)

		stale := current
		stale.Version = current.Version - 1
		_, err = store.SaveEntity(ctx, stale)
		assert.ErrorIs(t, err, ErrVersionConflict)

		// The matching version succeeds and increments.
		next, err := store.SaveEntity(ctx, current)
		assert.NoError(t, err)
		assert.Equal(t, current.Version+1, next.Version)
	})

	t.Run("ListByOrganization", func(t *testing.T) {
		_, err := store.SaveEntity(ctx, newEntity(3, "org-1"))
		assert.NoError(t, err)
		_, err = store.SaveEntity(ctx, newEntity(2, "org-2"))
		assert.NoError(t, err)

		got, err := store.ListEntities(ctx, "org-1")
		assert.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, uint64(1), got[0].ID)
		assert.Equal(t, uint64(3), got[1].ID)
	})

	t.Run("Delete", func(t *testing.T) {
		assert.NoError(t, store.DeleteEntity(ctx, 3))
		_, err := store.GetEntity(ctx, 3)
		assert.ErrorIs(t, err, ErrRecordNotFound)

		assert.ErrorIs(t, store.DeleteEntity(ctx, 3), ErrRecordNotFound)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := store.GetEntity(canceled, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryStoreConfigs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	assert.NoError(t, store.SaveConfig(ctx, newConfig(10, "org-1", types.ConfigActivity, "planned", 1)))
	assert.NoError(t, store.SaveConfig(ctx, newConfig(11, "org-1", types.ConfigActivity, "done", 2)))
	assert.NoError(t, store.SaveConfig(ctx, newConfig(12, "org-1", types.ConfigTask, "todo", 1)))
	assert.NoError(t, store.SaveConfig(ctx, newConfig(13, "org-2", types.ConfigActivity, "planned", 1)))

	t.Run("GetByKey", func(t *testing.T) {
		cfg, err := store.GetConfig(ctx, "org-1", types.ConfigActivity, "planned")
		assert.NoError(t, err)
		assert.Equal(t, uint64(10), cfg.ID)

		_, err = store.GetConfig(ctx, "org-1", types.ConfigActivity, "missing")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("GetByID", func(t *testing.T) {
		cfg, err := store.GetConfigByID(ctx, 12)
		assert.NoError(t, err)
		assert.Equal(t, "todo", cfg.Name)
	})

	t.Run("ListScopedToOrgAndType", func(t *testing.T) {
		got, err := store.ListConfigs(ctx, "org-1", types.ConfigActivity)
		assert.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, "planned", got[0].Name)
		assert.Equal(t, "done", got[1].Name)

		all, err := store.ListConfigs(ctx, "org-1", "")
		assert.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("Delete", func(t *testing.T) {
		assert.NoError(t, store.DeleteConfig(ctx, 11))
		assert.ErrorIs(t, store.DeleteConfig(ctx, 11), ErrRecordNotFound)
	})
}

func TestMemoryStoreApprovals(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := types.Approval{ID: 1, EntityKind: types.KindTask, EntityID: 7, State: types.StateSubmitted, CreatedAt: 100}
	second := types.Approval{ID: 2, EntityKind: types.KindTask, EntityID: 7, State: types.StateSubmitted, CreatedAt: 200}
	other := types.Approval{ID: 3, EntityKind: types.KindActivity, EntityID: 7, State: types.StateSubmitted, CreatedAt: 150}

	assert.NoError(t, store.SaveApproval(ctx, second))
	assert.NoError(t, store.SaveApproval(ctx, first))
	assert.NoError(t, store.SaveApproval(ctx, other))

	got, err := store.ListApprovals(ctx, types.KindTask, 7)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].ID)
	assert.Equal(t, uint64(2), got[1].ID)

	// A decision overwrites the record in place.
	first.State = types.StateApproved
	first.ProcessedAt = 300
	assert.NoError(t, store.SaveApproval(ctx, first))
	got, err = store.ListApprovals(ctx, types.KindTask, 7)
	assert.NoError(t, err)
	assert.Equal(t, types.StateApproved, got[0].State)
}

func TestMemoryStoreAudit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entries := []types.AuditLogEntry{
		{ID: "a", EntityType: "activity", EntityID: "1", Action: "create", UserID: "u-1", CreatedAt: 100},
		{ID: "b", EntityType: "activity", EntityID: "1", Action: "submit", UserID: "u-1", CreatedAt: 200},
		{ID: "c", EntityType: "activity", EntityID: "1", Action: "approve", UserID: "u-2", CreatedAt: 300},
		{ID: "d", EntityType: "task", EntityID: "2", Action: "create", UserID: "u-1", CreatedAt: 400},
	}
	for _, e := range entries {
		assert.NoError(t, store.AppendAudit(ctx, e))
	}

	t.Run("NewestFirstByDefault", func(t *testing.T) {
		got, total, err := store.QueryAudit(ctx, types.AuditFilter{})
		assert.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Equal(t, "d", got[0].ID)
		assert.Equal(t, "a", got[3].ID)
	})

	t.Run("TrailOldestFirst", func(t *testing.T) {
		got, total, err := store.QueryAudit(ctx, types.AuditFilter{
			EntityType:  "activity",
			EntityID:    "1",
			OldestFirst: true,
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, []string{"create", "submit", "approve"}, []string{got[0].Action, got[1].Action, got[2].Action})
	})

	t.Run("FilterByUserAndAction", func(t *testing.T) {
		got, total, err := store.QueryAudit(ctx, types.AuditFilter{UserID: "u-1", Action: "create"})
		assert.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, got, 2)
	})

	t.Run("DateRange", func(t *testing.T) {
		_, total, err := store.QueryAudit(ctx, types.AuditFilter{From: 150, To: 350})
		assert.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("Paging", func(t *testing.T) {
		got, total, err := store.QueryAudit(ctx, types.AuditFilter{Limit: 2, Offset: 1})
		assert.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Len(t, got, 2)
		assert.Equal(t, "c", got[0].ID)
		assert.Equal(t, "b", got[1].ID)

		got, total, err = store.QueryAudit(ctx, types.AuditFilter{Offset: 10})
		assert.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Empty(t, got)
	})

	t.Run("Purge", func(t *testing.T) {
		deleted, err := store.PurgeAudit(ctx, 250)
		assert.NoError(t, err)
		assert.Equal(t, 2, deleted)

		_, total, err := store.QueryAudit(ctx, types.AuditFilter{})
		assert.NoError(t, err)
		assert.Equal(t, 2, total)
	})
}
