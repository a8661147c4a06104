// Package errtypes defines the error kinds the coordinator and the task
// runner exchange. Each kind carries a marker method so callers can classify
// an error without depending on the concrete type.
package errtypes

import "errors"

// NotFound is returned when a file, chunk, share or node does not exist.
type NotFound string

func (e NotFound) Error() string { return "not found: " + string(e) }

// IsNotFound is the marker method for NotFound errors.
func (e NotFound) IsNotFound() {}

// AuthDenied is returned when the caller has no right to the target.
type AuthDenied string

func (e AuthDenied) Error() string { return "permission denied: " + string(e) }

// IsAuthDenied is the marker method for AuthDenied errors.
func (e AuthDenied) IsAuthDenied() {}

// Expired is returned when a share token is past its expiry.
type Expired string

func (e Expired) Error() string { return "expired: " + string(e) }

// IsExpired is the marker method for Expired errors.
func (e Expired) IsExpired() {}

// QuorumUnreachable is returned during upload when fewer than Q storage
// nodes acknowledged a chunk write.
type QuorumUnreachable string

func (e QuorumUnreachable) Error() string { return "quorum unreachable: " + string(e) }

// IsQuorumUnreachable is the marker method for QuorumUnreachable errors.
func (e QuorumUnreachable) IsQuorumUnreachable() {}

// ChunkUnavailable is returned during download when no replica produced a
// digest-valid payload.
type ChunkUnavailable string

func (e ChunkUnavailable) Error() string { return "chunk unavailable: " + string(e) }

// IsChunkUnavailable is the marker method for ChunkUnavailable errors.
func (e ChunkUnavailable) IsChunkUnavailable() {}

// IntegrityMismatch is returned when fetched chunk bytes disagree with the
// stored digest.
type IntegrityMismatch string

func (e IntegrityMismatch) Error() string { return "integrity mismatch: " + string(e) }

// IsIntegrityMismatch is the marker method for IntegrityMismatch errors.
func (e IntegrityMismatch) IsIntegrityMismatch() {}

// Transient wraps a network or broker error that the task runner may retry.
type Transient struct {
	Err error
}

func (e Transient) Error() string { return "transient: " + e.Err.Error() }

// Unwrap returns the wrapped cause.
func (e Transient) Unwrap() error { return e.Err }

// IsTransient is the marker method for Transient errors.
func (e Transient) IsTransient() {}

// Fatal wraps an invariant violation. Fatal errors are never retried.
type Fatal struct {
	Err error
}

func (e Fatal) Error() string { return "fatal: " + e.Err.Error() }

// Unwrap returns the wrapped cause.
func (e Fatal) Unwrap() error { return e.Err }

// IsFatal is the marker method for Fatal errors.
func (e Fatal) IsFatal() {}

// IsNotFound reports whether any error in err's tree is a NotFound.
func IsNotFound(err error) bool {
	var t interface{ IsNotFound() }
	return errors.As(err, &t)
}

// IsAuthDenied reports whether any error in err's tree is an AuthDenied.
func IsAuthDenied(err error) bool {
	var t interface{ IsAuthDenied() }
	return errors.As(err, &t)
}

// IsExpired reports whether any error in err's tree is an Expired.
func IsExpired(err error) bool {
	var t interface{ IsExpired() }
	return errors.As(err, &t)
}

// IsQuorumUnreachable reports whether any error in err's tree is a
// QuorumUnreachable.
func IsQuorumUnreachable(err error) bool {
	var t interface{ IsQuorumUnreachable() }
	return errors.As(err, &t)
}

// IsChunkUnavailable reports whether any error in err's tree is a
// ChunkUnavailable.
func IsChunkUnavailable(err error) bool {
	var t interface{ IsChunkUnavailable() }
	return errors.As(err, &t)
}

// IsIntegrityMismatch reports whether any error in err's tree is an
// IntegrityMismatch.
func IsIntegrityMismatch(err error) bool {
	var t interface{ IsIntegrityMismatch() }
	return errors.As(err, &t)
}

// IsTransient reports whether any error in err's tree is a Transient.
func IsTransient(err error) bool {
	var t interface{ IsTransient() }
	return errors.As(err, &t)
}

// IsFatal reports whether any error in err's tree is a Fatal.
func IsFatal(err error) bool {
	var t interface{ IsFatal() }
	return errors.As(err, &t)
}
