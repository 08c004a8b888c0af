package alarm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dozed/internal/store"
)

func openTestAlarms(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dozed.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	alarms, err := NewStore(st.DB())
	require.NoError(t, err)
	return alarms
}

func TestAlarmStore_NextWakeup(t *testing.T) {
	alarms := openTestAlarms(t)
	now := time.Now()

	_, ok := alarms.NextWakeup(now)
	assert.False(t, ok, "empty store has no wakeup")

	_, err := alarms.Add("calendar", "org.example.cal", now.Add(time.Hour))
	require.NoError(t, err)
	_, err = alarms.Add("backup", "", now.Add(10*time.Minute))
	require.NoError(t, err)

	at, ok := alarms.NextWakeup(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Minute).Unix(), at.Unix(), "earliest pending wins")
}

func TestAlarmStore_Remove(t *testing.T) {
	alarms := openTestAlarms(t)
	now := time.Now()

	id, err := alarms.Add("one", "", now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, alarms.Remove(id))
	_, ok := alarms.NextWakeup(now)
	assert.False(t, ok)

	// Removing an absent id is a no-op.
	require.NoError(t, alarms.Remove(9999))
}

func TestAlarmStore_RemoveExpired(t *testing.T) {
	alarms := openTestAlarms(t)
	now := time.Now()

	_, err := alarms.Add("stale", "", now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = alarms.Add("fresh", "", now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, alarms.RemoveExpired(now))

	pending, err := alarms.Pending(now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].Key)
}

func TestAlarmStore_PendingOrdered(t *testing.T) {
	alarms := openTestAlarms(t)
	now := time.Now()

	_, err := alarms.Add("later", "", now.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = alarms.Add("sooner", "app", now.Add(time.Hour))
	require.NoError(t, err)

	pending, err := alarms.Pending(now)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "sooner", pending[0].Key)
	assert.Equal(t, "app", pending[0].AppID)
	assert.Equal(t, "later", pending[1].Key)
}
