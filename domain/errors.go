package domain

import "errors"

var (
	// ErrOrphanReference indicates a mutation that references a missing parent.
	// The mutation is rejected and never partially applied.
	ErrOrphanReference = errors.New("orphan reference")

	// ErrStaleWrite indicates that the remote store holds a newer version of the
	// entity than the write was based on.
	ErrStaleWrite = errors.New("stale write")

	// ErrTransientNetwork indicates a write or fetch failed for connectivity reasons.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrFeedGap indicates the change feed skipped events and a full reload is required.
	ErrFeedGap = errors.New("feed gap")

	ErrNotFound      = errors.New("not found")
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrCancelled is reported for operations discarded before their write was
	// issued, e.g. edits queued behind a create that was rolled back.
	ErrCancelled = errors.New("operation cancelled")

	// ErrStaleBoard is reported when a completion belongs to a board that is no
	// longer loaded.
	ErrStaleBoard = errors.New("board no longer loaded")
)

// Recoverable reports whether err leaves room for a user level retry.
func Recoverable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
