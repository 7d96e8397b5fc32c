package workflow

import (
	"errors"
	"testing"

	"github.com/songzhibin97/approval-engine/types"
)

var allStates = []types.ApprovalState{
	types.StateDraft, types.StateSubmitted, types.StateApproved,
	types.StateRejected, types.StateReopened, types.StateClosed,
}

// TestNextStateTable checks every (state, action) pair against the
// lifecycle table.
func TestNextStateTable(t *testing.T) {
	allowed := map[types.Action]map[types.ApprovalState]types.ApprovalState{
		types.ActionSubmit: {
			types.StateDraft:    types.StateSubmitted,
			types.StateReopened: types.StateSubmitted,
		},
		types.ActionApprove: {
			types.StateSubmitted: types.StateApproved,
		},
		types.ActionReject: {
			types.StateSubmitted: types.StateRejected,
		},
		types.ActionReopen: {
			types.StateApproved: types.StateReopened,
			types.StateClosed:   types.StateReopened,
			types.StateRejected: types.StateReopened,
		},
		types.ActionClose: {
			types.StateApproved: types.StateClosed,
			types.StateReopened: types.StateClosed,
		},
	}

	for action, fromStates := range allowed {
		for _, current := range allStates {
			next, err := NextState(current, action)
			want, ok := fromStates[current]
			if ok {
				if err != nil {
					t.Errorf("%s from %s: unexpected error %v", action, current, err)
				}
				if next != want {
					t.Errorf("%s from %s: got %s, want %s", action, current, next, want)
				}
			} else {
				if !errors.Is(err, types.ErrInvalidState) {
					t.Errorf("%s from %s: want ErrInvalidState, got %v", action, current, err)
				}
			}
		}
	}
}

func TestNextStateUnknownAction(t *testing.T) {
	_, err := NextState(types.StateDraft, types.ActionRead)
	if !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("want ErrInvalidState for non-lifecycle action, got %v", err)
	}
}

// Rejected is not terminal: a rejected item can be reopened and
// resubmitted for another cycle.
func TestRejectedResubmissionPath(t *testing.T) {
	state := types.StateRejected

	state, err := NextState(state, types.ActionReopen)
	if err != nil || state != types.StateReopened {
		t.Fatalf("reopen after reject: got %s, %v", state, err)
	}
	state, err = NextState(state, types.ActionSubmit)
	if err != nil || state != types.StateSubmitted {
		t.Fatalf("resubmit after reopen: got %s, %v", state, err)
	}
	state, err = NextState(state, types.ActionApprove)
	if err != nil || state != types.StateApproved {
		t.Fatalf("approve after resubmit: got %s, %v", state, err)
	}
}
