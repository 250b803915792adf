package domain

import "errors"

// Sentinel error kinds. Callers compare with errors.Is; packages wrap
// these with fmt.Errorf("...: %w", ErrX) to add context without losing
// the comparable identity.
var (
	ErrUnsafePath     = errors.New("unsafe path")
	ErrDirtyWorktree  = errors.New("dirty worktree")
	ErrBranchConflict = errors.New("branch conflict")
	ErrNotAuthorized  = errors.New("not authorized")
	ErrDeviceMismatch = errors.New("device mismatch")
	ErrReplayedNonce  = errors.New("replayed nonce")
	ErrTTLExpired     = errors.New("ttl expired")
	ErrAlreadyLeased  = errors.New("already leased")
	ErrLeaseLost      = errors.New("lease lost")
	ErrFatal          = errors.New("fatal")
)

// Transient is implemented by package-local error types that represent
// a retryable condition (network hiccup, lock contention). Callers at
// a retry boundary check errors.As against this interface rather than
// a sentinel, since the underlying cause varies by package.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether err (or anything it wraps) identifies
// itself as retryable.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}
