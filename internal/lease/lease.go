// Package lease serializes pipeline runs per dataset with a TTL'd
// advisory lock.
//
// The lease is an optimization, not a correctness barrier: the manifest
// pointer CAS decides races. A crashed run stops blocking its dataset once
// the TTL lapses, and Release is conditional on ownership so a run that
// outlived its lease never deletes a successor's.
package lease

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a crashed run can block a dataset.
const DefaultTTL = time.Hour

// ErrConditionFailed reports a conditional write rejected by the lock
// backend: Acquire on a held key, or Release by a non-owner.
var ErrConditionFailed = errors.New("lease condition failed")

// Key returns the lock key for a dataset.
func Key(datasetID string) string {
	return "pipeline:" + datasetID
}

// Locker is a TTL'd advisory lock keyed by string.
//
// Acquire returns ErrConditionFailed when the key is held and unexpired.
// Release returns ErrConditionFailed when the caller no longer owns the
// key. Any other error is a backend failure.
type Locker interface {
	Acquire(ctx context.Context, key, owner string) error
	Release(ctx context.Context, key, owner string) error
	IsLocked(ctx context.Context, key string) (bool, error)
}
