package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/songzhibin97/approval-engine/types"
)

// Sink is the storage surface the recorder writes to and reads from.
type Sink interface {
	AppendAudit(ctx context.Context, entry types.AuditLogEntry) error
	QueryAudit(ctx context.Context, f types.AuditFilter) ([]types.AuditLogEntry, int, error)
	PurgeAudit(ctx context.Context, olderThan int64) (int, error)
}

// Recorder appends immutable change records. Recording is best-effort:
// audit is observability, not a transactional participant, so a sink
// failure is logged and swallowed rather than rolling back the entity
// mutation that triggered it.
type Recorder struct {
	sink   Sink
	logger logr.Logger
	seq    int64
}

// NewRecorder creates a Recorder over the given sink. The logger receives
// swallowed failures; pass logr.Discard() to silence them.
func NewRecorder(sink Sink, logger logr.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Record appends an entry, assigning its ID and timestamp when unset. The
// sequence number keeps same-millisecond entries in write order. Never
// returns an error.
func (r *Recorder) Record(ctx context.Context, entry types.AuditLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	entry.Sequence = atomic.AddInt64(&r.seq, 1)
	if err := r.sink.AppendAudit(ctx, entry); err != nil {
		r.logger.Error(err, "failed to record audit entry",
			"entityType", entry.EntityType,
			"entityId", entry.EntityID,
			"action", entry.Action)
	}
}

// Query returns matching entries plus the total match count before
// paging. Newest-first unless the filter sets OldestFirst.
func (r *Recorder) Query(ctx context.Context, f types.AuditFilter) ([]types.AuditLogEntry, int, error) {
	return r.sink.QueryAudit(ctx, f)
}

// Trail returns one entity's entries oldest-first, to read as a timeline.
func (r *Recorder) Trail(ctx context.Context, entityType, entityID string) ([]types.AuditLogEntry, error) {
	entries, _, err := r.sink.QueryAudit(ctx, types.AuditFilter{
		EntityType:  entityType,
		EntityID:    entityID,
		OldestFirst: true,
	})
	return entries, err
}

// RetentionSweep deletes entries older than maxAgeDays and reports how
// many were removed. Run out of band; it is not part of any single-entity
// workflow call.
func (r *Recorder) RetentionSweep(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UnixMilli()
	return r.sink.PurgeAudit(ctx, cutoff)
}
