package clock_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/serieslake-io/serieslake/internal/clock"
)

func TestClock_VersionStamp_IsPathSafe(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 12, 30, 45, 987654321, time.UTC))
	c := clock.New(fake)

	require.Equal(t, "2026-08-24T12-30-45", c.NewVersionStamp())
	require.NotContains(t, c.NewVersionStamp(), ":")
}

func TestClock_VersionStamp_ConvertsToUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("ART", -3*60*60)
	fake := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 22, 0, 0, 0, loc))
	c := clock.New(fake)

	require.Equal(t, "2026-01-03T01-00-00", c.NewVersionStamp())
}

func TestClock_NowISO(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 12, 30, 45, 0, time.UTC))
	c := clock.New(fake)

	require.Equal(t, "2026-08-24T12:30:45Z", c.NowISO())
}

func TestClock_NewRunID_Unique(t *testing.T) {
	t.Parallel()

	c := clock.New(nil)
	a, b := c.NewRunID(), c.NewRunID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestClock_NewWithIDs_Deterministic(t *testing.T) {
	t.Parallel()

	c := clock.NewWithIDs(clockwork.NewFakeClock(), func() string { return "run-1" })
	require.Equal(t, "run-1", c.NewRunID())
}
