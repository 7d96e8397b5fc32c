package gate

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// Decision is the outcome of an authorization check. Denials always carry
// a human-readable reason.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Err converts a denial into a Forbidden error; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", types.ErrForbidden, d.Reason)
}

// Gate evaluates whether a principal may perform an action on an entity.
// It is a pure predicate over the role and ownership facts passed in; the
// rules are uniform across activities and tasks.
type Gate struct{}

// New creates a Gate.
func New() Gate {
	return Gate{}
}

// Authorize applies the rule for the given action. Organization scoping is
// checked first: a principal never sees across the tenant boundary.
func (g Gate) Authorize(principal types.Principal, action types.Action, entity types.Entity) Decision {
	if entity.OrganizationID != principal.OrganizationID {
		return deny("entity belongs to another organization")
	}

	switch action {
	case types.ActionCreate:
		return g.canCreate(principal, entity)
	case types.ActionRead:
		return g.canRead(principal, entity)
	case types.ActionUpdate:
		return g.canUpdate(principal, entity)
	case types.ActionSubmit:
		return g.canSubmit(principal, entity)
	case types.ActionApprove, types.ActionReject:
		return g.canDecide(principal, action, entity)
	case types.ActionReopen:
		return g.canReopen(principal, entity)
	case types.ActionClose:
		return g.canClose(principal, entity)
	case types.ActionDelete:
		return g.canDelete(principal, entity)
	default:
		return deny("unknown action %q", action)
	}
}

// canCreate: any authenticated member of the entity's project, or an admin
// or project manager, may create in DRAFT.
func (g Gate) canCreate(p types.Principal, e types.Entity) Decision {
	if p.Role == types.RoleAdmin || p.Role == types.RoleProjectManager {
		return allow()
	}
	if p.MemberOf(e.ProjectID) {
		return allow()
	}
	return deny("user is not a member of project %s", e.ProjectID)
}

// canRead: admin, PMO and project managers see everything in-org; members
// only what they created or are assigned to.
func (g Gate) canRead(p types.Principal, e types.Entity) Decision {
	switch p.Role {
	case types.RoleAdmin, types.RolePMO, types.RoleProjectManager:
		return allow()
	}
	if e.CreatedByID == p.ID || e.AssigneeID == p.ID {
		return allow()
	}
	return deny("members can only view items they created or are assigned to")
}

// canUpdate: admins and project managers always; otherwise only the
// creator or assignee while the item is editable (DRAFT or REOPENED).
func (g Gate) canUpdate(p types.Principal, e types.Entity) Decision {
	if p.Role == types.RoleAdmin || p.Role == types.RoleProjectManager {
		return allow()
	}
	editable := e.ApprovalState == types.StateDraft || e.ApprovalState == types.StateReopened
	if editable && (e.CreatedByID == p.ID || e.AssigneeID == p.ID) {
		return allow()
	}
	if !editable {
		return deny("item in state %s can only be edited by an admin or project manager", e.ApprovalState)
	}
	return deny("only the creator or assignee may edit this item")
}

// canSubmit: by the creator or any non-member role. Whether the current
// state admits a submission is the state machine's call, so a legitimate
// submitter gets InvalidState rather than Forbidden on a bad state.
func (g Gate) canSubmit(p types.Principal, e types.Entity) Decision {
	if e.CreatedByID == p.ID || p.Role != types.RoleMember {
		return allow()
	}
	return deny("only the creator may submit this item")
}

// canDecide: approve/reject are manager actions.
func (g Gate) canDecide(p types.Principal, action types.Action, e types.Entity) Decision {
	if p.Role != types.RoleAdmin && p.Role != types.RoleProjectManager {
		return deny("role %s cannot %s items", p.Role, action)
	}
	return allow()
}

// canReopen: manager action.
func (g Gate) canReopen(p types.Principal, e types.Entity) Decision {
	if p.Role != types.RoleAdmin && p.Role != types.RoleProjectManager {
		return deny("role %s cannot reopen items", p.Role)
	}
	return allow()
}

// canClose: manager action.
func (g Gate) canClose(p types.Principal, e types.Entity) Decision {
	if p.Role != types.RoleAdmin && p.Role != types.RoleProjectManager {
		return deny("role %s cannot close items", p.Role)
	}
	return allow()
}

// canDelete: admins always; creators only while still in DRAFT.
func (g Gate) canDelete(p types.Principal, e types.Entity) Decision {
	if p.Role == types.RoleAdmin {
		return allow()
	}
	if e.ApprovalState == types.StateDraft && e.CreatedByID == p.ID {
		return allow()
	}
	return deny("only an admin, or the creator of a draft, may delete this item")
}
