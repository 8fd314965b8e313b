package engine

import (
	"fmt"

	"deedflow/internal/domain"
)

// PreconditionError indicates a verb was invoked on a transaction that
// is not in an eligible state. It is raised before any mutation.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// TransitionError indicates the requested next status is not reachable
// from the current status under the bound workflow model.
type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
