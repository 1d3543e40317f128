package osmerr

import "errors"

// Error taxonomy shared by the store, the changeset engine and the worker runtime.
// Call sites wrap these with fmt.Errorf("...: %w", ...) and callers test with errors.Is.
var (
	// ErrNotFound is returned for ID and store lookup misses. Recoverable.
	ErrNotFound = errors.New("not found")

	// ErrConstruction marks a malformed or out-of-bounds column layout.
	// A store failing with this error must never be published.
	ErrConstruction = errors.New("construction error")

	// ErrReferentialIntegrity is returned when a rewrite target cannot be resolved during apply.
	ErrReferentialIntegrity = errors.New("referential integrity error")

	// ErrConcurrentChangeset is returned when a second changeset is opened against a live base.
	ErrConcurrentChangeset = errors.New("concurrent changeset")

	// ErrCapacity is returned when a requested allocation exceeds available memory.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrChangesetConsumed is returned when a changeset is used after apply, discard or cancellation.
	ErrChangesetConsumed = errors.New("changeset already consumed")

	// ErrCancelled is returned when a scan observed cancellation at a progress checkpoint.
	ErrCancelled = errors.New("cancelled")
)

// Kind names the taxonomy entry of err, or "Internal" if it matches none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConstruction):
		return "ConstructionError"
	case errors.Is(err, ErrReferentialIntegrity):
		return "ReferentialIntegrityError"
	case errors.Is(err, ErrConcurrentChangeset):
		return "ConcurrentChangesetError"
	case errors.Is(err, ErrCapacity):
		return "CapacityError"
	case errors.Is(err, ErrChangesetConsumed):
		return "ChangesetConsumed"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	default:
		return "Internal"
	}
}
