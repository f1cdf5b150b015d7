package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "retry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreEnqueueAssignsIncreasingIDs(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.Enqueue(RetryRecord{BookingID: "b1", FinalPath: "/tmp/b1/final.mp4", NextTime: time.Now()})
	require.NoError(t, err)

	id2, err := s.Enqueue(RetryRecord{BookingID: "b2", FinalPath: "/tmp/b2/final.mp4", NextTime: time.Now()})
	require.NoError(t, err)

	require.Greater(t, id2, id1)
}

func TestStoreDueOldestFirst(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	_, err := s.Enqueue(RetryRecord{BookingID: "b1", NextTime: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = s.Enqueue(RetryRecord{BookingID: "b2", NextTime: now.Add(-30 * time.Second)})
	require.NoError(t, err)
	_, err = s.Enqueue(RetryRecord{BookingID: "b3", NextTime: now.Add(time.Hour)}) // not due
	require.NoError(t, err)

	due, err := s.Due(now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "b1", due[0].BookingID)
	require.Equal(t, "b2", due[1].BookingID)
}

func TestStoreDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Enqueue(RetryRecord{BookingID: "b1", NextTime: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))

	all, err := s.All()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestStoreUpdateBumpsAttempt(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Enqueue(RetryRecord{BookingID: "b1", Attempt: 1, NextTime: time.Now()})
	require.NoError(t, err)

	updated := RetryRecord{ID: id, BookingID: "b1", Attempt: 2, NextTime: time.Now().Add(time.Minute)}
	require.NoError(t, s.Update(updated))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 2, all[0].Attempt)
}
