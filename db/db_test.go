package db

import (
	"path/filepath"
	"testing"
	"time"

	"bounce/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOffsets(t *testing.T) {
	database := setupTestDB(t)

	h1 := time.Date(2020, 1, 1, 5, 0, 0, 0, time.UTC)
	h2 := h1.Add(time.Hour)

	require.NoError(t, database.RecordOffset("jay", "hashbang", "_server", h2, 2048))
	require.NoError(t, database.RecordOffset("jay", "hashbang", "_server", h1, 0))
	// later record for the same hour is ignored
	require.NoError(t, database.RecordOffset("jay", "hashbang", "_server", h1, 999))
	require.NoError(t, database.RecordOffset("jay", "other", "_server", h1, 7))

	offsets, err := database.GetOffsets("jay", "hashbang", "_server")
	require.NoError(t, err)
	require.Len(t, offsets, 2)

	assert.True(t, offsets[0].Hour.Equal(h1))
	assert.Equal(t, int64(0), offsets[0].Offset)
	assert.True(t, offsets[1].Hour.Equal(h2))
	assert.Equal(t, int64(2048), offsets[1].Offset)

	offset, err := database.OffsetAt("jay", "hashbang", "_server", h2.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2048), offset)

	_, err = database.OffsetAt("jay", "hashbang", "_server", h1.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestSessionEvents(t *testing.T) {
	database := setupTestDB(t)

	now := time.Now().UTC()
	states := []models.SessionState{
		models.StateConnecting,
		models.StateRegistering,
		models.StateActive,
		models.StateTerminated,
	}
	for i, state := range states {
		require.NoError(t, database.RecordSessionEvent(models.SessionEvent{
			SessionID: "abc",
			Key:       "jay:hashbang",
			State:     state,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, database.RecordSessionEvent(models.SessionEvent{
		SessionID: "def",
		Key:       "jay:other",
		State:     models.StateTerminated,
		Detail:    "connection refused",
		Timestamp: now,
	}))

	events, err := database.GetSessionEvents("jay:hashbang", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StateActive, events[0].State)
	assert.Equal(t, models.StateTerminated, events[1].State)
	assert.Equal(t, "abc", events[1].SessionID)

	events, err = database.GetSessionEvents("jay:other", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "connection refused", events[0].Detail)
	assert.True(t, events[0].Timestamp.Equal(now))
}
