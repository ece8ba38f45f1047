package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildrelay/internal/queue"
	"buildrelay/internal/storage"
)

func newFixture(t *testing.T, retention time.Duration) (*queue.Queue, *storage.Store, *Sweeper) {
	t.Helper()
	q := queue.New()
	st := storage.New(storage.Config{Root: t.TempDir()})
	require.NoError(t, st.Init())
	return q, st, New(q, st, nil, retention)
}

// terminalJob creates a job, drives it to success and stores files for it.
func terminalJob(t *testing.T, q *queue.Queue, st *storage.Store) *queue.Job {
	t.Helper()
	j := q.Create("ios", "release", nil, "alice")
	_, err := st.SaveBundleBytes(j.ID, []byte("bundle"))
	require.NoError(t, err)
	_, err = st.SaveArtifactBytes(j.ID, "app.ipa", []byte("artifact"))
	require.NoError(t, err)
	require.NotNil(t, q.ClaimNext("ios", "runner-1"))
	_, err = q.UpdateStatus(j.ID, queue.StatusBuilding, queue.Update{})
	require.NoError(t, err)
	_, err = q.UpdateStatus(j.ID, queue.StatusSuccess, queue.Update{})
	require.NoError(t, err)
	return j
}

func TestRunOnceRemovesExpiredTerminalJob(t *testing.T) {
	q, st, sw := newFixture(t, time.Nanosecond)
	j := terminalJob(t, q, st)
	time.Sleep(2 * time.Millisecond)

	removed := sw.RunOnce(context.Background())
	assert.Equal(t, 1, removed)

	_, ok := q.Get(j.ID)
	assert.False(t, ok, "job record must be gone")
	_, err := st.BundlePath(j.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.ArtifactPath(j.ID, "app.ipa")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunOnceSkipsInFlightJobs(t *testing.T) {
	q, st, sw := newFixture(t, time.Nanosecond)

	claimed := q.Create("ios", "release", nil, "alice")
	require.NotNil(t, q.ClaimNext("ios", "runner-1"))

	building := q.Create("android", "release", nil, "bob")
	require.NotNil(t, q.ClaimNext("android", "runner-2"))
	_, err := q.UpdateStatus(building.ID, queue.StatusBuilding, queue.Update{})
	require.NoError(t, err)

	_, err = st.SaveBundleBytes(claimed.ID, []byte("bundle"))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	removed := sw.RunOnce(context.Background())
	assert.Equal(t, 0, removed, "in-flight work is never reaped regardless of age")

	_, ok := q.Get(claimed.ID)
	assert.True(t, ok)
	_, err = st.BundlePath(claimed.ID)
	assert.NoError(t, err, "files of skipped jobs stay put")
}

func TestRunOnceRespectsRetention(t *testing.T) {
	q, st, sw := newFixture(t, time.Hour)
	terminalJob(t, q, st)

	removed := sw.RunOnce(context.Background())
	assert.Equal(t, 0, removed, "a fresh job is inside the retention window")
	assert.Equal(t, 1, q.Len())
}

func TestRunOnceRemovesQueuedJobPastRetention(t *testing.T) {
	// Abandoned queued jobs age out too; only claimed/building are protected.
	q, st, sw := newFixture(t, time.Nanosecond)
	q.Create("ios", "release", nil, "alice")
	time.Sleep(2 * time.Millisecond)

	removed := sw.RunOnce(context.Background())
	assert.Equal(t, 1, removed)
	_ = st
}

func TestSetRetention(t *testing.T) {
	q, st, sw := newFixture(t, time.Hour)
	terminalJob(t, q, st)

	sw.SetRetention(time.Nanosecond)
	assert.Equal(t, time.Nanosecond, sw.Retention())
	time.Sleep(2 * time.Millisecond)

	assert.Equal(t, 1, sw.RunOnce(context.Background()))
}

func TestRunOnceStopsOnCancelledContext(t *testing.T) {
	q, st, sw := newFixture(t, time.Nanosecond)
	terminalJob(t, q, st)
	time.Sleep(2 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, sw.RunOnce(ctx))
}
