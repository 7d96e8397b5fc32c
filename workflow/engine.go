package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/audit"
	"github.com/songzhibin97/approval-engine/catalog"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/gate"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Engine is the workflow orchestrator: it composes the role gate, the
// approval state machine, the status catalog and the audit recorder to
// run lifecycle operations against either entity kind. Every mutating
// operation follows the same template: load, authorize, transition,
// persist, record.
type Engine struct {
	store    storage.Store
	catalog  *catalog.Catalog
	gate     gate.Gate
	recorder *audit.Recorder
	bus      *events.Bus
	generate generator.Generator
	logger   logr.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for swallowed audit and event failures.
func WithLogger(logger logr.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithCatalog replaces the default status catalog.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithBus replaces the default event bus.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// NewEngine creates an Engine with the given generator and storage. The
// generator is required; storage defaults to an in-memory store.
func NewEngine(generate generator.Generator, store storage.Store, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	if store == nil {
		store = storage.NewMemoryStore()
	}

	e := &Engine{
		store:    store,
		gate:     gate.New(),
		generate: generate,
		logger:   logr.Discard(),
	}
	for _, option := range options {
		option(e)
	}

	if e.catalog == nil {
		c, err := catalog.New(store, generate, catalog.WithEvaluator(rules.NewExprEvaluator()))
		if err != nil {
			return nil, err
		}
		e.catalog = c
	}
	if e.bus == nil {
		logger := e.logger
		e.bus = events.NewBus(events.WithErrorHandler(func(event events.Event, err error) {
			logger.Error(err, "event handler failed", "type", event.Type, "entityId", event.EntityID)
		}))
	}
	e.recorder = audit.NewRecorder(store, e.logger)

	return e, nil
}

// Catalog returns the engine's status catalog.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Recorder returns the engine's audit recorder.
func (e *Engine) Recorder() *audit.Recorder {
	return e.recorder
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.bus.Subscribe(eventType, handler)
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.bus.Stop()
		return nil
	}
}

// CreateInput describes a new entity.
type CreateInput struct {
	Kind        types.EntityKind
	Title       string
	Description string
	ProjectID   string
	Priority    string
	AssigneeID  string

	// Optional cross-surface origin back-reference.
	OriginKind types.EntityKind
	OriginID   uint64

	// Board placement, tasks only.
	BoardID   string
	SectionID string
	Position  int
}

// CreateEntity creates an entity in DRAFT with a synthetic ticket key. The
// organization's status catalog must be seeded first; the entity's initial
// free-text status is the first active status for its kind.
func (e *Engine) CreateEntity(ctx context.Context, in CreateInput, principal types.Principal) (*types.Entity, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if in.Kind != types.KindActivity && in.Kind != types.KindTask {
		return nil, fmt.Errorf("%w: unknown entity kind %q", types.ErrInvalidOperation, in.Kind)
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", types.ErrInvalidOperation)
	}

	active, err := e.catalog.ListActive(ctx, principal.OrganizationID, types.ConfigTypeForKind(in.Kind))
	if err != nil {
		return nil, fmt.Errorf("failed to read status catalog: %w", err)
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: status catalog for organization %s is not seeded", types.ErrInvalidOperation, principal.OrganizationID)
	}

	proto := types.Entity{
		Kind:           in.Kind,
		OrganizationID: principal.OrganizationID,
		ProjectID:      in.ProjectID,
	}
	if err := e.gate.Authorize(principal, types.ActionCreate, proto).Err(); err != nil {
		return nil, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	key, err := e.ticketKey(in.Kind)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	entity := types.Entity{
		ID:             id,
		Kind:           in.Kind,
		OrganizationID: principal.OrganizationID,
		ProjectID:      in.ProjectID,
		TicketKey:      key,
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		Priority:       in.Priority,
		Status:         active[0].Name,
		ApprovalState:  types.StateDraft,
		CreatedByID:    principal.ID,
		UpdatedByID:    principal.ID,
		AssigneeID:     in.AssigneeID,
		OriginKind:     in.OriginKind,
		OriginID:       in.OriginID,
		BoardID:        in.BoardID,
		SectionID:      in.SectionID,
		Position:       in.Position,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	saved, err := e.store.SaveEntity(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to save entity: %w", err)
	}

	e.recorder.Record(ctx, types.AuditLogEntry{
		OrganizationID: saved.OrganizationID,
		EntityType:     string(saved.Kind),
		EntityID:       strconv.FormatUint(saved.ID, 10),
		Action:         string(types.ActionCreate),
		UserID:         principal.ID,
		NewValues:      entityValues(saved),
	})
	e.publish(ctx, events.Event{
		Type:     events.EventEntityCreated,
		Kind:     saved.Kind,
		EntityID: saved.ID,
		Data:     map[string]interface{}{"ticket_key": saved.TicketKey},
	})

	return &saved, nil
}

// GetEntity returns one entity, applying the read scope: members only see
// items they created or are assigned to.
func (e *Engine) GetEntity(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal) (*types.Entity, error) {
	entity, err := e.loadScoped(ctx, kind, id, principal)
	if err != nil {
		return nil, err
	}
	if err := e.gate.Authorize(principal, types.ActionRead, entity).Err(); err != nil {
		return nil, err
	}
	return &entity, nil
}

// ListEntities returns the organization's entities visible to the
// principal.
func (e *Engine) ListEntities(ctx context.Context, kind types.EntityKind, principal types.Principal) ([]types.Entity, error) {
	all, err := e.store.ListEntities(ctx, principal.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	visible := all[:0]
	for _, entity := range all {
		if entity.Kind != kind {
			continue
		}
		if e.gate.Authorize(principal, types.ActionRead, entity).Allowed {
			visible = append(visible, entity)
		}
	}
	return visible, nil
}

// UpdateInput patches entity fields; nil fields are left unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
	Priority    *string
	Status      *string
	AssigneeID  *string
	BoardID     *string
	SectionID   *string
	Position    *int
}

// UpdateEntity applies field edits. Free-text status changes are checked
// against the catalog's transition rules; a denied move fails with
// InvalidState rather than Forbidden, since it is a data-level rule.
func (e *Engine) UpdateEntity(ctx context.Context, kind types.EntityKind, id uint64, in UpdateInput, principal types.Principal) (*types.Entity, error) {
	entity, err := e.loadScoped(ctx, kind, id, principal)
	if err != nil {
		return nil, err
	}
	if err := e.gate.Authorize(principal, types.ActionUpdate, entity).Err(); err != nil {
		return nil, err
	}

	old := make(map[string]interface{})
	updated := make(map[string]interface{})
	set := func(field string, oldVal, newVal interface{}) {
		old[field] = oldVal
		updated[field] = newVal
	}

	if in.Status != nil && *in.Status != entity.Status {
		ok, err := e.catalog.CanTransitionErr(ctx, entity.OrganizationID, types.ConfigTypeForKind(kind), entity.Status, *in.Status, principal.Role)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: status change %s -> %s is not allowed for role %s", types.ErrInvalidState, entity.Status, *in.Status, principal.Role)
		}
		set("status", entity.Status, *in.Status)
		entity.Status = *in.Status
	}
	if in.Title != nil && *in.Title != entity.Title {
		set("title", entity.Title, *in.Title)
		entity.Title = *in.Title
	}
	if in.Description != nil && *in.Description != entity.Description {
		set("description", entity.Description, *in.Description)
		entity.Description = *in.Description
	}
	if in.Priority != nil && *in.Priority != entity.Priority {
		set("priority", entity.Priority, *in.Priority)
		entity.Priority = *in.Priority
	}
	if in.AssigneeID != nil && *in.AssigneeID != entity.AssigneeID {
		set("assignee_id", entity.AssigneeID, *in.AssigneeID)
		entity.AssigneeID = *in.AssigneeID
	}
	if in.BoardID != nil && *in.BoardID != entity.BoardID {
		set("board_id", entity.BoardID, *in.BoardID)
		entity.BoardID = *in.BoardID
	}
	if in.SectionID != nil && *in.SectionID != entity.SectionID {
		set("section_id", entity.SectionID, *in.SectionID)
		entity.SectionID = *in.SectionID
	}
	if in.Position != nil && *in.Position != entity.Position {
		set("position", entity.Position, *in.Position)
		entity.Position = *in.Position
	}

	if len(updated) == 0 {
		return &entity, nil
	}

	entity.UpdatedByID = principal.ID
	entity.UpdatedAt = time.Now().UnixMilli()

	saved, err := e.store.SaveEntity(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to save entity: %w", err)
	}

	e.recorder.Record(ctx, types.AuditLogEntry{
		OrganizationID: saved.OrganizationID,
		EntityType:     string(saved.Kind),
		EntityID:       strconv.FormatUint(saved.ID, 10),
		Action:         string(types.ActionUpdate),
		UserID:         principal.ID,
		OldValues:      old,
		NewValues:      updated,
	})

	return &saved, nil
}

// Submit moves a draft or reopened entity into review and opens a new
// approval record for the cycle.
func (e *Engine) Submit(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal, comment string) (*types.Entity, error) {
	return e.performTransition(ctx, types.ActionSubmit, kind, id, principal, comment)
}

// Approve accepts a submitted entity, stamping the approver and closing
// the open approval record.
func (e *Engine) Approve(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal, comment string) (*types.Entity, error) {
	return e.performTransition(ctx, types.ActionApprove, kind, id, principal, comment)
}

// Reject declines a submitted entity. A comment is required.
func (e *Engine) Reject(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal, comment string) (*types.Entity, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, fmt.Errorf("%w: a rejection comment is required", types.ErrInvalidOperation)
	}
	return e.performTransition(ctx, types.ActionReject, kind, id, principal, comment)
}

// Reopen returns a decided or closed entity to an editable state.
func (e *Engine) Reopen(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal, comment string) (*types.Entity, error) {
	return e.performTransition(ctx, types.ActionReopen, kind, id, principal, comment)
}

// Close finishes an approved or reopened entity.
func (e *Engine) Close(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal, comment string) (*types.Entity, error) {
	return e.performTransition(ctx, types.ActionClose, kind, id, principal, comment)
}

// performTransition runs the shared lifecycle template: load, authorize,
// compute next state, stamp, persist, record. Gate and machine failures
// surface unchanged; audit failures never do.
func (e *Engine) performTransition(ctx context.Context, action types.Action, kind types.EntityKind, id uint64, principal types.Principal, comment string) (*types.Entity, error) {
	entity, err := e.loadScoped(ctx, kind, id, principal)
	if err != nil {
		return nil, err
	}

	if err := e.gate.Authorize(principal, action, entity).Err(); err != nil {
		return nil, err
	}

	next, err := NextState(entity.ApprovalState, action)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	previous := entity.ApprovalState
	entity.ApprovalState = next
	entity.UpdatedByID = principal.ID
	entity.UpdatedAt = now
	if action == types.ActionApprove {
		entity.ApprovedByID = principal.ID
		entity.ApprovedAt = now
	}

	saved, err := e.store.SaveEntity(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to save entity: %w", err)
	}

	switch action {
	case types.ActionSubmit:
		err = e.openApproval(ctx, saved, now)
	case types.ActionApprove, types.ActionReject:
		err = e.decideApproval(ctx, saved, principal, next, comment, now)
	}
	if err != nil {
		return nil, err
	}

	values := map[string]interface{}{"approval_state": string(next)}
	if comment != "" {
		values["comment"] = comment
	}
	e.recorder.Record(ctx, types.AuditLogEntry{
		OrganizationID: saved.OrganizationID,
		EntityType:     string(saved.Kind),
		EntityID:       strconv.FormatUint(saved.ID, 10),
		Action:         string(action),
		UserID:         principal.ID,
		OldValues:      map[string]interface{}{"approval_state": string(previous)},
		NewValues:      values,
	})

	e.publish(ctx, events.Event{
		Type:     events.EventStateChanged,
		Kind:     saved.Kind,
		EntityID: saved.ID,
		Data: map[string]interface{}{
			"action": string(action),
			"from":   string(previous),
			"to":     string(next),
		},
	})
	if action == types.ActionApprove || action == types.ActionReject {
		e.publish(ctx, events.Event{
			Type:     events.EventDecisionRecorded,
			Kind:     saved.Kind,
			EntityID: saved.ID,
			Data: map[string]interface{}{
				"decision": string(next),
				"approver": principal.ID,
			},
		})
	}

	return &saved, nil
}

// openApproval starts a new submit→decide cycle.
func (e *Engine) openApproval(ctx context.Context, entity types.Entity, now int64) error {
	id, err := e.generate.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}
	a := types.Approval{
		ID:             id,
		OrganizationID: entity.OrganizationID,
		EntityKind:     entity.Kind,
		EntityID:       entity.ID,
		State:          types.StateSubmitted,
		CreatedAt:      now,
	}
	if err := e.store.SaveApproval(ctx, a); err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

// decideApproval stamps the open approval record for the current cycle
// with the decision, the approver, the comment and a snapshot of the
// entity at decision time. A missing open record (catalog drift, direct
// storage edits) gets a fresh, already-processed record instead of
// failing the decision.
func (e *Engine) decideApproval(ctx context.Context, entity types.Entity, principal types.Principal, decision types.ApprovalState, comment string, now int64) error {
	records, err := e.store.ListApprovals(ctx, entity.Kind, entity.ID)
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}

	var open *types.Approval
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].State == types.StateSubmitted && records[i].ProcessedAt == 0 {
			open = &records[i]
			break
		}
	}
	if open == nil {
		id, err := e.generate.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		open = &types.Approval{
			ID:             id,
			OrganizationID: entity.OrganizationID,
			EntityKind:     entity.Kind,
			EntityID:       entity.ID,
			CreatedAt:      now,
		}
	}

	open.State = decision
	open.ApproverID = principal.ID
	open.Comments = comment
	open.Snapshot = entityValues(entity)
	open.ProcessedAt = now

	if err := e.store.SaveApproval(ctx, *open); err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

// DeleteEntity removes an entity. Its audit trail remains queryable.
func (e *Engine) DeleteEntity(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal) error {
	entity, err := e.loadScoped(ctx, kind, id, principal)
	if err != nil {
		return err
	}
	if err := e.gate.Authorize(principal, types.ActionDelete, entity).Err(); err != nil {
		return err
	}
	if err := e.store.DeleteEntity(ctx, id); err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s id=%d", types.ErrNotFound, kind, id)
		}
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	e.recorder.Record(ctx, types.AuditLogEntry{
		OrganizationID: entity.OrganizationID,
		EntityType:     string(entity.Kind),
		EntityID:       strconv.FormatUint(entity.ID, 10),
		Action:         string(types.ActionDelete),
		UserID:         principal.ID,
		OldValues:      entityValues(entity),
	})
	e.publish(ctx, events.Event{
		Type:     events.EventEntityDeleted,
		Kind:     entity.Kind,
		EntityID: entity.ID,
		Data:     map[string]interface{}{"ticket_key": entity.TicketKey},
	})
	return nil
}

// BulkOutcome is the per-id result of a bulk operation.
type BulkOutcome struct {
	ID     uint64
	Entity *types.Entity
	Err    error
}

// BulkResult aggregates per-id outcomes. The batch is not atomic: one
// item's failure never rolls back another's success.
type BulkResult struct {
	Succeeded int
	Failed    int
	Outcomes  []BulkOutcome
}

// BulkApprove approves each id independently and reports per-id outcomes.
func (e *Engine) BulkApprove(ctx context.Context, kind types.EntityKind, ids []uint64, principal types.Principal, comment string) *BulkResult {
	return e.bulkDecide(ctx, types.ActionApprove, kind, ids, principal, comment)
}

// BulkReject rejects each id independently and reports per-id outcomes.
func (e *Engine) BulkReject(ctx context.Context, kind types.EntityKind, ids []uint64, principal types.Principal, comment string) *BulkResult {
	return e.bulkDecide(ctx, types.ActionReject, kind, ids, principal, comment)
}

// bulkDecide fans the single-item operation out per id. Items run
// concurrently with no ordering guarantee among them; each item is
// serialized end-to-end.
func (e *Engine) bulkDecide(ctx context.Context, action types.Action, kind types.EntityKind, ids []uint64, principal types.Principal, comment string) *BulkResult {
	result := &BulkResult{Outcomes: make([]BulkOutcome, len(ids))}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			var entity *types.Entity
			var err error
			switch action {
			case types.ActionApprove:
				entity, err = e.Approve(ctx, kind, id, principal, comment)
			default:
				entity, err = e.Reject(ctx, kind, id, principal, comment)
			}
			result.Outcomes[i] = BulkOutcome{ID: id, Entity: entity, Err: err}
		}(i, id)
	}
	wg.Wait()

	for _, o := range result.Outcomes {
		if o.Err != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}
	return result
}

// Approvals returns an entity's decision history, oldest-first.
func (e *Engine) Approvals(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal) ([]types.Approval, error) {
	entity, err := e.loadScoped(ctx, kind, id, principal)
	if err != nil {
		return nil, err
	}
	if err := e.gate.Authorize(principal, types.ActionRead, entity).Err(); err != nil {
		return nil, err
	}
	return e.store.ListApprovals(ctx, kind, id)
}

// AuditTrail returns an entity's audit entries oldest-first, as a
// timeline. It works after the entity has been deleted.
func (e *Engine) AuditTrail(ctx context.Context, entityType string, entityID uint64) ([]types.AuditLogEntry, error) {
	return e.recorder.Trail(ctx, entityType, strconv.FormatUint(entityID, 10))
}

// ValidateTransition reports whether a free-text status move is allowed
// by the organization's catalog rules for the given role.
func (e *Engine) ValidateTransition(ctx context.Context, orgID string, typ types.ConfigType, from, to string, role types.Role) bool {
	return e.catalog.CanTransition(ctx, orgID, typ, from, to, role)
}

// loadScoped loads an entity and hides anything outside the principal's
// organization, or of the wrong kind, behind NotFound.
func (e *Engine) loadScoped(ctx context.Context, kind types.EntityKind, id uint64, principal types.Principal) (types.Entity, error) {
	entity, err := e.store.GetEntity(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return types.Entity{}, fmt.Errorf("%w: %s id=%d", types.ErrNotFound, kind, id)
		}
		return types.Entity{}, fmt.Errorf("failed to load entity: %w", err)
	}
	if entity.Kind != kind || entity.OrganizationID != principal.OrganizationID {
		return types.Entity{}, fmt.Errorf("%w: %s id=%d", types.ErrNotFound, kind, id)
	}
	return entity, nil
}

// ticketKey builds the human-readable identifier: prefix, base-36
// timestamp, base-36 generator suffix, uppercased. Unique by
// construction-time entropy, not by constraint.
func (e *Engine) ticketKey(kind types.EntityKind) (string, error) {
	prefix := "ACT"
	if kind == types.KindTask {
		prefix = "TSK"
	}
	suffix, err := e.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	key := fmt.Sprintf("%s-%s%s",
		prefix,
		strconv.FormatInt(time.Now().UnixMilli(), 36),
		strconv.FormatUint(suffix%1679616, 36)) // low four base-36 digits
	return strings.ToUpper(key), nil
}

// publish sends a notification without ever failing the workflow call.
func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.V(1).Info("event not published", "type", event.Type, "reason", err.Error())
	}
}

// entityValues flattens the workflow-relevant entity fields for audit
// payloads and approval snapshots.
func entityValues(e types.Entity) map[string]interface{} {
	return map[string]interface{}{
		"ticket_key":     e.TicketKey,
		"title":          e.Title,
		"project_id":     e.ProjectID,
		"priority":       e.Priority,
		"status":         e.Status,
		"approval_state": string(e.ApprovalState),
		"assignee_id":    e.AssigneeID,
		"version":        e.Version,
	}
}
