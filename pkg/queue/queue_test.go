package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenspeed/hub/pkg/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(v float64) *float64 { return &v }

func sample(completedAtMS int64, tps *float64) metrics.RequestMetrics {
	return metrics.RequestMetrics{
		ModelID:      "gpt-5",
		ProviderID:   "openai",
		InputTokens:  100,
		OutputTokens: 50,
		TotalTokens:  150,
		Cost:         0.01,
		StartedAt:    completedAtMS - 1000,
		CompletedAt:  completedAtMS,
		OutputTps:    tps,
	}
}

func TestEnqueueCreatesBucketRow(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(90_000, ptr(42.5)), "proj-a", 60))

	pending, err := s.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	p := pending[0]
	require.Equal(t, "60:proj-a:openai:gpt-5", p.ID)
	require.Equal(t, int64(60), p.BucketStart)
	require.Equal(t, int64(119), p.BucketEnd)
	require.Equal(t, int64(1), p.RequestCount)
	require.Equal(t, int64(100), p.InputTokens)
	require.Equal(t, int64(50), p.OutputTokens)
	require.InDelta(t, 0.01, p.TotalCost, 1e-9)
	require.NotNil(t, p.AvgOutputTps)
	require.InDelta(t, 42.5, *p.AvgOutputTps, 1e-9)
	require.InDelta(t, 42.5, *p.MinOutputTps, 1e-9)
	require.InDelta(t, 42.5, *p.MaxOutputTps, 1e-9)
}

func TestEnqueueMergesIntoSameBucket(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(90_000, ptr(40)), "proj-a", 60))
	require.NoError(t, s.Enqueue(sample(95_000, ptr(60)), "proj-a", 60))
	require.NoError(t, s.Enqueue(sample(93_000, nil), "proj-a", 60))

	pending, err := s.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	p := pending[0]
	require.Equal(t, int64(3), p.RequestCount)
	require.Equal(t, int64(300), p.InputTokens)
	require.Equal(t, int64(150), p.OutputTokens)
	// The request without timing contributes tokens but not speed.
	require.InDelta(t, 50, *p.AvgOutputTps, 1e-9)
	require.InDelta(t, 40, *p.MinOutputTps, 1e-9)
	require.InDelta(t, 60, *p.MaxOutputTps, 1e-9)
	require.Equal(t, int64(95_000), p.LastSeen)
}

func TestEnqueueDefaultsProviderAndBucketSize(t *testing.T) {
	s := newTestStore(t)
	m := sample(125_000, nil)
	m.ProviderID = ""
	require.NoError(t, s.Enqueue(m, "proj-a", 5))

	pending, err := s.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "unknown", pending[0].ProviderID)
	// Bucket size below the floor is widened to 60s.
	require.Equal(t, int64(120), pending[0].BucketStart)
}

func TestEnqueueRevivesSentRow(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))

	pending, err := s.Pending(10)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(pending[0].ID))

	pending, err = s.Pending(10)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, s.Enqueue(sample(91_000, nil), "proj-a", 60))
	pending, err = s.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(2), pending[0].RequestCount)
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_000_000)
	restore := nowUnix
	nowUnix = func() int64 { return base }
	t.Cleanup(func() { nowUnix = restore })

	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))
	pending, err := s.Pending(10)
	require.NoError(t, err)
	id := pending[0].ID

	require.NoError(t, s.MarkFailed(id, "hub unreachable", 30))

	// Not yet due.
	pending, err = s.Pending(10)
	require.NoError(t, err)
	require.Empty(t, pending)

	nowUnix = func() int64 { return base + 31 }
	pending, err = s.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(1), pending[0].AttemptCount)
}

func TestMarkFailedFloorsRetryDelay(t *testing.T) {
	s := newTestStore(t)
	base := int64(2_000_000)
	restore := nowUnix
	nowUnix = func() int64 { return base }
	t.Cleanup(func() { nowUnix = restore })

	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))
	pending, _ := s.Pending(10)
	require.NoError(t, s.MarkFailed(pending[0].ID, "boom", 1))

	entries, err := s.Entries(10, StatusPending)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, base+10, entries[0].NextAttemptAt)
}

func TestMarkFailedDeadLettersAtTenAttempts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))
	pending, _ := s.Pending(10)
	id := pending[0].ID

	for i := 0; i < 10; i++ {
		require.NoError(t, s.MarkFailed(id, "refused", 10))
	}

	entries, err := s.Entries(10, StatusDead)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(10), entries[0].AttemptCount)
	require.Equal(t, "refused", entries[0].LastError)

	frozen := entries[0].NextAttemptAt
	require.NoError(t, s.MarkFailed(id, "still refused", 10))
	entries, err = s.Entries(10, StatusDead)
	require.NoError(t, err)
	require.Equal(t, frozen, entries[0].NextAttemptAt)
}

func TestEnqueueRevivesDeadRowOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))
	pending, _ := s.Pending(10)
	id := pending[0].ID
	for i := 0; i < 10; i++ {
		require.NoError(t, s.MarkFailed(id, "refused", 10))
	}

	// Late data reopens the dead bucket for one more delivery window.
	require.NoError(t, s.Enqueue(sample(91_000, nil), "proj-a", 60))
	entries, err := s.Entries(10, StatusPending)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(10), entries[0].AttemptCount)
}

func TestMarkFailedTruncatesErrorText(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))
	pending, _ := s.Pending(10)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, s.MarkFailed(pending[0].ID, string(long), 10))

	entries, err := s.Entries(10, "")
	require.NoError(t, err)
	require.Len(t, entries[0].LastError, 1000)
}

func TestPendingOrdersOldestFirstAndCapsLimit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(300_000, nil), "proj-a", 60))
	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))
	require.NoError(t, s.Enqueue(sample(180_000, nil), "proj-a", 60))

	pending, err := s.Pending(1000)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, int64(60), pending[0].BucketStart)
	require.Equal(t, int64(180), pending[1].BucketStart)
	require.Equal(t, int64(300), pending[2].BucketStart)
}

func TestQueueStatusCounts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))
	require.NoError(t, s.Enqueue(sample(180_000, nil), "proj-a", 60))
	require.NoError(t, s.Enqueue(sample(300_000, nil), "proj-b", 60))

	pending, _ := s.Pending(10)
	require.NoError(t, s.MarkSent(pending[2].ID))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.MarkFailed(pending[1].ID, "refused", 10))
	}

	st, err := s.QueueStatus()
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Pending)
	require.Equal(t, int64(1), st.Sent)
	require.Equal(t, int64(1), st.Dead)
	require.Equal(t, int64(3), st.Total)
	require.NotNil(t, st.OldestPendingBucketStart)
	require.Equal(t, int64(60), *st.OldestPendingBucketStart)
}

func TestEntriesFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(sample(90_000, nil), "proj-a", 60))
	require.NoError(t, s.Enqueue(sample(180_000, nil), "proj-a", 60))
	pending, _ := s.Pending(10)
	require.NoError(t, s.MarkSent(pending[0].ID))

	sent, err := s.Entries(10, StatusSent)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, StatusSent, sent[0].Status)

	all, err := s.Entries(10, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest bucket first.
	require.Equal(t, int64(120), all[0].BucketStart)
}
