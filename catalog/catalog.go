package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Catalog is the per-organization registry of configurable status
// definitions and their transition/role rules. It is read-mostly; reads go
// straight to storage so catalog mutations are visible to the next
// workflow call without an invalidation path.
type Catalog struct {
	store     storage.Store
	generate  generator.Generator
	evaluator rules.Evaluator
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithEvaluator sets the guard-condition evaluator. Without one, rule
// conditions are ignored.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(c *Catalog) {
		c.evaluator = evaluator
	}
}

// New creates a Catalog backed by the given store. The generator is
// required; it assigns configuration IDs.
func New(store storage.Store, generate generator.Generator, options ...Option) (*Catalog, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	c := &Catalog{store: store, generate: generate}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// defaultSet describes one seeded status.
type defaultSet struct {
	typ         types.ConfigType
	name        string
	displayName string
	color       string
}

// defaults is the fixed seed set inserted once per organization. Default
// rows can be deactivated but never deleted.
var defaults = []defaultSet{
	{types.ConfigActivity, "planned", "Planned", "#6B7280"},
	{types.ConfigActivity, "in_progress", "In Progress", "#3B82F6"},
	{types.ConfigActivity, "on_hold", "On Hold", "#F59E0B"},
	{types.ConfigActivity, "completed", "Completed", "#10B981"},
	{types.ConfigActivity, "cancelled", "Cancelled", "#EF4444"},
	{types.ConfigTask, "todo", "To Do", "#6B7280"},
	{types.ConfigTask, "in_progress", "In Progress", "#3B82F6"},
	{types.ConfigTask, "review", "Review", "#8B5CF6"},
	{types.ConfigTask, "done", "Done", "#10B981"},
	{types.ConfigApproval, "pending", "Pending", "#F59E0B"},
	{types.ConfigApproval, "approved", "Approved", "#10B981"},
	{types.ConfigApproval, "rejected", "Rejected", "#EF4444"},
}

// SeedDefaults inserts the default status set for a new organization. It
// is idempotent: if any configuration row exists for the organization the
// call is a no-op.
func (c *Catalog) SeedDefaults(ctx context.Context, orgID string) error {
	existing, err := c.store.ListConfigs(ctx, orgID, "")
	if err != nil {
		return fmt.Errorf("failed to list configs: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	order := make(map[types.ConfigType]int)
	for _, d := range defaults {
		id, err := c.generate.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		order[d.typ]++
		cfg := types.StatusConfiguration{
			ID:             id,
			OrganizationID: orgID,
			Type:           d.typ,
			Name:           d.name,
			DisplayName:    d.displayName,
			Color:          d.color,
			Order:          order[d.typ],
			IsDefault:      true,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := c.store.SaveConfig(ctx, cfg); err != nil {
			return fmt.Errorf("failed to seed config %s/%s: %w", d.typ, d.name, err)
		}
	}
	return nil
}

// List returns an organization's configurations, optionally restricted to
// one type, sorted by type then display order.
func (c *Catalog) List(ctx context.Context, orgID string, typ types.ConfigType) ([]types.StatusConfiguration, error) {
	return c.store.ListConfigs(ctx, orgID, typ)
}

// ListActive returns only active configurations for one type, sorted by
// display order.
func (c *Catalog) ListActive(ctx context.Context, orgID string, typ types.ConfigType) ([]types.StatusConfiguration, error) {
	all, err := c.store.ListConfigs(ctx, orgID, typ)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, cfg := range all {
		if cfg.IsActive {
			active = append(active, cfg)
		}
	}
	return active, nil
}

// CreateInput describes a new custom status.
type CreateInput struct {
	Type        types.ConfigType
	Name        string
	DisplayName string
	Color       string
	Description string
	Rules       *types.WorkflowRules
}

// Create adds a custom status to the catalog. Admin only. Fails with
// Conflict if the (org, type, name) key already exists; the new row is
// appended at the end of the display order and is never a default.
func (c *Catalog) Create(ctx context.Context, orgID string, principal types.Principal, in CreateInput) (types.StatusConfiguration, error) {
	if err := c.requireAdmin(orgID, principal); err != nil {
		return types.StatusConfiguration{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return types.StatusConfiguration{}, fmt.Errorf("%w: status name is required", types.ErrInvalidOperation)
	}

	if _, err := c.store.GetConfig(ctx, orgID, in.Type, name); err == nil {
		return types.StatusConfiguration{}, fmt.Errorf("%w: status %s already exists for %s", types.ErrConflict, name, in.Type)
	} else if !errors.Is(err, storage.ErrRecordNotFound) {
		return types.StatusConfiguration{}, err
	}

	siblings, err := c.store.ListConfigs(ctx, orgID, in.Type)
	if err != nil {
		return types.StatusConfiguration{}, err
	}
	maxOrder := 0
	for _, cfg := range siblings {
		if cfg.Order > maxOrder {
			maxOrder = cfg.Order
		}
	}

	id, err := c.generate.NextID()
	if err != nil {
		return types.StatusConfiguration{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := time.Now().UnixMilli()
	cfg := types.StatusConfiguration{
		ID:             id,
		OrganizationID: orgID,
		Type:           in.Type,
		Name:           name,
		DisplayName:    in.DisplayName,
		Color:          in.Color,
		Order:          maxOrder + 1,
		IsDefault:      false,
		IsActive:       true,
		Description:    in.Description,
		Rules:          in.Rules,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.SaveConfig(ctx, cfg); err != nil {
		return types.StatusConfiguration{}, err
	}
	return cfg, nil
}

// UpdateInput patches a configuration; nil fields are left unchanged.
type UpdateInput struct {
	DisplayName *string
	Color       *string
	Description *string
	IsActive    *bool
	Rules       *types.WorkflowRules
}

// Update patches a configuration owned by the organization. Admin only.
func (c *Catalog) Update(ctx context.Context, id uint64, orgID string, principal types.Principal, patch UpdateInput) (types.StatusConfiguration, error) {
	if err := c.requireAdmin(orgID, principal); err != nil {
		return types.StatusConfiguration{}, err
	}
	cfg, err := c.getOwned(ctx, id, orgID)
	if err != nil {
		return types.StatusConfiguration{}, err
	}

	if patch.DisplayName != nil {
		cfg.DisplayName = *patch.DisplayName
	}
	if patch.Color != nil {
		cfg.Color = *patch.Color
	}
	if patch.Description != nil {
		cfg.Description = *patch.Description
	}
	if patch.IsActive != nil {
		cfg.IsActive = *patch.IsActive
	}
	if patch.Rules != nil {
		cfg.Rules = patch.Rules
	}
	cfg.UpdatedAt = time.Now().UnixMilli()

	if err := c.store.SaveConfig(ctx, cfg); err != nil {
		return types.StatusConfiguration{}, err
	}
	return cfg, nil
}

// Delete removes a custom configuration. Admin only. Default rows are
// protected regardless of caller role.
func (c *Catalog) Delete(ctx context.Context, id uint64, orgID string, principal types.Principal) error {
	if err := c.requireAdmin(orgID, principal); err != nil {
		return err
	}
	cfg, err := c.getOwned(ctx, id, orgID)
	if err != nil {
		return err
	}
	if cfg.IsDefault {
		return fmt.Errorf("%w: default status %s cannot be deleted", types.ErrInvalidOperation, cfg.Name)
	}
	if err := c.store.DeleteConfig(ctx, id); err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return fmt.Errorf("%w: config id=%d", types.ErrNotFound, id)
		}
		return err
	}
	return nil
}

// Reorder reassigns display order 1..N to the given ids for one type. IDs
// not present in the catalog are silently skipped rather than failing the
// whole call.
func (c *Catalog) Reorder(ctx context.Context, orgID string, typ types.ConfigType, principal types.Principal, orderedIDs []uint64) error {
	if err := c.requireAdmin(orgID, principal); err != nil {
		return err
	}
	existing, err := c.store.ListConfigs(ctx, orgID, typ)
	if err != nil {
		return err
	}
	byID := make(map[uint64]types.StatusConfiguration, len(existing))
	for _, cfg := range existing {
		byID[cfg.ID] = cfg
	}

	now := time.Now().UnixMilli()
	next := 0
	for _, id := range orderedIDs {
		cfg, ok := byID[id]
		if !ok {
			continue
		}
		next++
		cfg.Order = next
		cfg.UpdatedAt = now
		if err := c.store.SaveConfig(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// CanTransition reports whether the status move is allowed. Evaluation
// errors are treated as deny; use CanTransitionErr when the cause matters.
func (c *Catalog) CanTransition(ctx context.Context, orgID string, typ types.ConfigType, from, to string, role types.Role) bool {
	ok, _ := c.CanTransitionErr(ctx, orgID, typ, from, to, role)
	return ok
}

// CanTransitionErr applies the permissive-by-default transition policy:
// a missing from-config, or one with no AllowedTransitions, restricts
// nothing; a missing to-config, or one with no RequiredRoles, admits any
// role. The free-text status field may reference names that predate the
// current catalog state, so unknown names are never fatal. When a config
// carries a guard Condition it is evaluated against {from, to, role}.
func (c *Catalog) CanTransitionErr(ctx context.Context, orgID string, typ types.ConfigType, from, to string, role types.Role) (bool, error) {
	fromCfg, err := c.store.GetConfig(ctx, orgID, typ, from)
	if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		return false, err
	}
	if err == nil && fromCfg.Rules != nil && len(fromCfg.Rules.AllowedTransitions) > 0 {
		if !containsString(fromCfg.Rules.AllowedTransitions, to) {
			return false, nil
		}
	}

	toCfg, err := c.store.GetConfig(ctx, orgID, typ, to)
	if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		return false, err
	}
	if err == nil && toCfg.Rules != nil && len(toCfg.Rules.RequiredRoles) > 0 {
		if !containsRole(toCfg.Rules.RequiredRoles, role) {
			return false, nil
		}
	}

	for _, cfg := range []types.StatusConfiguration{fromCfg, toCfg} {
		if cfg.Rules == nil || cfg.Rules.Condition == "" || c.evaluator == nil {
			continue
		}
		ok, err := c.evaluator.Evaluate(cfg.Rules.Condition, map[string]interface{}{
			"from": from,
			"to":   to,
			"role": string(role),
		})
		if err != nil {
			return false, fmt.Errorf("failed to evaluate condition '%s': %w", cfg.Rules.Condition, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// getOwned fetches a configuration and verifies organization ownership.
func (c *Catalog) getOwned(ctx context.Context, id uint64, orgID string) (types.StatusConfiguration, error) {
	cfg, err := c.store.GetConfigByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return types.StatusConfiguration{}, fmt.Errorf("%w: config id=%d", types.ErrNotFound, id)
		}
		return types.StatusConfiguration{}, err
	}
	if cfg.OrganizationID != orgID {
		return types.StatusConfiguration{}, fmt.Errorf("%w: config id=%d", types.ErrNotFound, id)
	}
	return cfg, nil
}

func (c *Catalog) requireAdmin(orgID string, principal types.Principal) error {
	if principal.OrganizationID != orgID {
		return fmt.Errorf("%w: principal is not a member of the organization", types.ErrForbidden)
	}
	if principal.Role != types.RoleAdmin {
		return fmt.Errorf("%w: role %s cannot manage the status catalog", types.ErrForbidden, principal.Role)
	}
	return nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsRole(set []types.Role, v types.Role) bool {
	for _, r := range set {
		if r == v {
			return true
		}
	}
	return false
}
