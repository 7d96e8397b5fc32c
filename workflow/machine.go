package workflow

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// transitions is the canonical lifecycle shared by both entity kinds:
// draft → submitted → approved/rejected → reopened → closed, with reopen
// reachable from any decided or closed state.
var transitions = map[types.Action]struct {
	from []types.ApprovalState
	next types.ApprovalState
}{
	types.ActionSubmit: {
		from: []types.ApprovalState{types.StateDraft, types.StateReopened},
		next: types.StateSubmitted,
	},
	types.ActionApprove: {
		from: []types.ApprovalState{types.StateSubmitted},
		next: types.StateApproved,
	},
	types.ActionReject: {
		from: []types.ApprovalState{types.StateSubmitted},
		next: types.StateRejected,
	},
	types.ActionReopen: {
		from: []types.ApprovalState{types.StateApproved, types.StateClosed, types.StateRejected},
		next: types.StateReopened,
	},
	types.ActionClose: {
		from: []types.ApprovalState{types.StateApproved, types.StateReopened},
		next: types.StateClosed,
	},
}

// NextState returns the state reached by applying action to current. An
// action attempted from a state outside its allowed-from set fails with
// ErrInvalidState. The machine is stateless; persistence and stamping are
// the orchestrator's responsibility.
func NextState(current types.ApprovalState, action types.Action) (types.ApprovalState, error) {
	t, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("%w: %s is not a lifecycle action", types.ErrInvalidState, action)
	}
	for _, s := range t.from {
		if s == current {
			return t.next, nil
		}
	}
	return "", fmt.Errorf("%w: cannot %s from %s", types.ErrInvalidState, action, current)
}
