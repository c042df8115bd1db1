// Package clock provides the time and identity source for pipeline runs.
//
// Version stamps double as object-key path segments, so they use '-' in
// place of ':' and carry second precision only. Two runs of the same dataset
// inside one second would collide; the pointer CAS makes that a lost race,
// not a correctness problem.
package clock

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const versionStampLayout = "2006-01-02T15-04-05"

// Clock supplies wall time, run ids and version stamps. The pipeline never
// reads time.Now directly so tests can pin every stamp.
type Clock interface {
	Now() time.Time
	NowISO() string
	NewRunID() string
	NewVersionStamp() string
}

type realClock struct {
	clock clockwork.Clock
	newID func() string
}

// New returns a Clock backed by the given clockwork clock. A nil clock
// defaults to the real one.
func New(c clockwork.Clock) Clock {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &realClock{clock: c, newID: func() string { return uuid.NewString() }}
}

// NewWithIDs is New with the id source replaced, for deterministic tests.
func NewWithIDs(c clockwork.Clock, newID func() string) Clock {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &realClock{clock: c, newID: newID}
}

func (r *realClock) Now() time.Time { return r.clock.Now() }

func (r *realClock) NowISO() string { return r.clock.Now().UTC().Format(time.RFC3339) }

func (r *realClock) NewRunID() string { return r.newID() }

func (r *realClock) NewVersionStamp() string {
	return r.clock.Now().UTC().Format(versionStampLayout)
}
