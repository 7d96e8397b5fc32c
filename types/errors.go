package types

import "errors"

// Error taxonomy shared by every engine component. Callers match with
// errors.Is; wrapped messages carry the human-readable detail.
var (
	// ErrNotFound indicates an entity, configuration or user that is not
	// resolvable within the caller's organization scope.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates an authorization denial. Always wrapped with
	// the gate's reason string.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState indicates an action that is not legal from the
	// entity's current approval state.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrConflict indicates a duplicate identity, e.g. a status
	// configuration name that already exists for the organization.
	ErrConflict = errors.New("conflict")
	// ErrInvalidOperation indicates a structural violation, e.g. deleting
	// a default status configuration.
	ErrInvalidOperation = errors.New("invalid operation")
)
