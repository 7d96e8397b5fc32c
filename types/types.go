package types

// Role identifies a principal's privilege level within an organization,
// highest first.
type Role string

const (
	RoleAdmin          Role = "admin"
	RolePMO            Role = "pmo"
	RoleProjectManager Role = "project_manager"
	RoleMember         Role = "member"
)

// ApprovalState is the fixed lifecycle shared by both entity kinds and by
// Approval decision records. SUBMITTED doubles as the pending marker on a
// decision record awaiting its approve/reject outcome.
type ApprovalState string

const (
	StateDraft     ApprovalState = "DRAFT"
	StateSubmitted ApprovalState = "SUBMITTED"
	StateApproved  ApprovalState = "APPROVED"
	StateRejected  ApprovalState = "REJECTED"
	StateReopened  ApprovalState = "REOPENED"
	StateClosed    ApprovalState = "CLOSED"
)

// EntityKind distinguishes the two workflowable entity kinds.
type EntityKind string

const (
	KindActivity EntityKind = "activity"
	KindTask     EntityKind = "task"
)

// ConfigType scopes status configurations to the surface they describe.
type ConfigType string

const (
	ConfigActivity ConfigType = "ACTIVITY"
	ConfigTask     ConfigType = "TASK"
	ConfigApproval ConfigType = "APPROVAL"
)

// ConfigTypeForKind maps an entity kind to its status configuration type.
func ConfigTypeForKind(kind EntityKind) ConfigType {
	if kind == KindTask {
		return ConfigTask
	}
	return ConfigActivity
}

// Action enumerates the workflow operations subject to authorization.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReopen  Action = "reopen"
	ActionClose   Action = "close"
	ActionDelete  Action = "delete"
)

// Principal is the acting user: identity, role and organization membership.
type Principal struct {
	ID             string   `json:"id"`
	Role           Role     `json:"role"`
	OrganizationID string   `json:"organization_id"`
	ProjectIDs     []string `json:"project_ids,omitempty"`
}

// MemberOf reports whether the principal belongs to the given project.
func (p Principal) MemberOf(projectID string) bool {
	for _, id := range p.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// Entity is a workflowable item (Activity or Task). Status is free text
// referencing a StatusConfiguration name by value, so catalog drift is
// possible and tolerated. ApprovalState is the structured lifecycle field.
type Entity struct {
	ID             uint64        `json:"id"`
	Kind           EntityKind    `json:"kind"`
	OrganizationID string        `json:"organization_id"`
	ProjectID      string        `json:"project_id"`
	TicketKey      string        `json:"ticket_key"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Priority       string        `json:"priority,omitempty"`
	Status         string        `json:"status"`
	ApprovalState  ApprovalState `json:"approval_state"`
	CreatedByID    string        `json:"created_by_id"`
	UpdatedByID    string        `json:"updated_by_id"`
	AssigneeID     string        `json:"assignee_id,omitempty"`
	ApprovedByID   string        `json:"approved_by_id,omitempty"`
	ApprovedAt     int64         `json:"approved_at,omitempty"`

	// Cross-surface back-reference: the entity this one originated from,
	// if any. Visibility only, never cascades state.
	OriginKind EntityKind `json:"origin_kind,omitempty"`
	OriginID   uint64     `json:"origin_id,omitempty"`

	// Board fields, tasks only.
	BoardID   string `json:"board_id,omitempty"`
	SectionID string `json:"section_id,omitempty"`
	Position  int    `json:"position,omitempty"`

	Version   int   `json:"version"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// WorkflowRules constrains movement out of and into a configured status.
// Empty or nil fields impose no restriction.
type WorkflowRules struct {
	AllowedTransitions []string `json:"allowed_transitions,omitempty"`
	RequiredRoles      []Role   `json:"required_roles,omitempty"`
	// Condition is an optional guard expression evaluated against
	// {from, to, role}; empty means unconditional.
	Condition string `json:"condition,omitempty"`
}

// StatusConfiguration is one named status in an organization's catalog,
// unique on (organization, type, name).
type StatusConfiguration struct {
	ID             uint64         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Type           ConfigType     `json:"type"`
	Name           string         `json:"name"`
	DisplayName    string         `json:"display_name"`
	Color          string         `json:"color,omitempty"`
	Order          int            `json:"order"`
	IsDefault      bool           `json:"is_default"`
	IsActive       bool           `json:"is_active"`
	Description    string         `json:"description,omitempty"`
	Rules          *WorkflowRules `json:"rules,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Approval is one submit→decide cycle on an entity: opened at submission,
// stamped once on decision, never deleted.
type Approval struct {
	ID             uint64                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	EntityKind     EntityKind             `json:"entity_kind"`
	EntityID       uint64                 `json:"entity_id"`
	ApproverID     string                 `json:"approver_id,omitempty"`
	State          ApprovalState          `json:"state"`
	Comments       string                 `json:"comments,omitempty"`
	Snapshot       map[string]interface{} `json:"snapshot,omitempty"`
	CreatedAt      int64                  `json:"created_at"`
	ProcessedAt    int64                  `json:"processed_at,omitempty"`
}

// AuditLogEntry is an immutable change record. EntityType is a free string
// so non-entity surfaces (status configurations) are auditable too, and
// entries carry no foreign key: they must remain queryable after the
// referenced entity is deleted.
type AuditLogEntry struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	Action         string                 `json:"action"`
	UserID         string                 `json:"user_id"`
	OldValues      map[string]interface{} `json:"old_values,omitempty"`
	NewValues      map[string]interface{} `json:"new_values,omitempty"`
	CreatedAt      int64                  `json:"created_at"`

	// Sequence orders entries written within the same millisecond.
	Sequence int64 `json:"sequence,omitempty"`
}

// AuditFilter selects audit entries. Zero values mean "any". Results are
// newest-first unless OldestFirst is set.
type AuditFilter struct {
	OrganizationID string
	EntityType     string
	EntityID       string
	UserID         string
	Action         string
	From           int64
	To             int64
	Limit          int
	Offset         int
	OldestFirst    bool
}
