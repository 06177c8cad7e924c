package changeset

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyChangeSet is returned when an operator or source attempts to
	// construct a ChangeSet with zero records; I1 forbids emitting it.
	ErrEmptyChangeSet = errors.New("changeset: change set must not be empty")

	// ErrKeyCollision is returned when a keyed operator that requires
	// uniqueness (e.g. transform-many fanning into a shared keyed child)
	// observes two items mapping to the same key.
	ErrKeyCollision = errors.New("changeset: duplicate key under a uniqueness-requiring operator")

	// ErrSourceClosed is returned by any operation attempted on a source
	// cache or source list after Close has been called.
	ErrSourceClosed = errors.New("changeset: source is closed")

	// ErrNotSubscribed is returned by watch(key) style helpers when the
	// underlying subscription has already been disposed.
	ErrNotSubscribed = errors.New("changeset: subscription is not active")

	// ErrWriterActive is returned when Edit is invoked while another
	// writer already holds the source's write scope (§4.1: "non-reentrant
	// within its own scope").
	ErrWriterActive = errors.New("changeset: another writer is active on this source")
)

// ContractViolationError reports kind-3 errors from §7: an upstream stage
// violated a documented contract (an empty change set reached a consumer
// that asserts on it, or an Update record arrived with a missing
// previous/current value). Operators may assert on this in debug builds
// and best-effort normalise otherwise; constructing the error itself never
// panics.
type ContractViolationError struct {
	// Op names the operator or source that detected the violation.
	Op string
	// Reason names the specific contract that was violated.
	Reason string
	// Detail carries any operator-specific context.
	Detail string
}

func (e *ContractViolationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("changeset: contract violation in %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("changeset: contract violation in %s: %s (%s)", e.Op, e.Reason, e.Detail)
}

// Is reports whether target is the generic contract-violation sentinel,
// allowing callers to errors.Is(err, ErrContractViolation) without caring
// which operator raised it.
func (e *ContractViolationError) Is(target error) bool {
	return target == ErrContractViolation
}

// ErrContractViolation is the sentinel matched by ContractViolationError.Is.
var ErrContractViolation = errors.New("changeset: upstream contract violation")

// NewContractViolation constructs a ContractViolationError.
func NewContractViolation(op, reason, detail string) *ContractViolationError {
	return &ContractViolationError{Op: op, Reason: reason, Detail: detail}
}
