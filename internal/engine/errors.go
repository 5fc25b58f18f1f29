package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Errors the engine surfaces to callers. Claim conflicts and duplicate
// requests are expected outcomes the caller branches on, not faults.
var (
	ErrAlreadyRequested = errors.New("emission already requested for batch")
	ErrAlreadyIssued    = errors.New("report already issued for batch")
	ErrAlreadyReset     = errors.New("evaluation already reset once for this batch")
	ErrEmissionFrozen   = errors.New("emission requested; batch evaluations are frozen")
)

// ConflictError reports a lost duplicate-prevention claim, naming the
// existing owner.
type ConflictError struct {
	Key   string
	Owner string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: already owned by %s", e.Key, e.Owner)
}

// InvalidTransitionError reports an illegal state-machine move.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

// NotReadyError carries the blocking reasons the readiness evaluator
// produced, so callers can report why emission is blocked.
type NotReadyError struct {
	Reasons []string
}

func (e NotReadyError) Error() string {
	return "batch not ready for emission: " + strings.Join(e.Reasons, "; ")
}
