package db

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortbridge/internal/sorting"
)

var t0 = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func TestRecordSort(t *testing.T) {
	db := setupTestDB(t)

	entry, err := db.RecordSort("a-1", sorting.TypePlastic, 102, t0)
	require.NoError(t, err)

	assert.NotZero(t, entry.ID)
	assert.Equal(t, "a-1", entry.ActuationID)
	assert.Equal(t, sorting.TypePlastic, entry.RecognizedTypeID)
	assert.Equal(t, 102, entry.TargetBinID)
	assert.True(t, entry.LoggedAt.Equal(t0), "logged_at = %v", entry.LoggedAt)
}

func TestRecordSort_IdempotentOnActuationID(t *testing.T) {
	db := setupTestDB(t)

	first, err := db.RecordSort("a-1", sorting.TypeCan, 2, t0)
	require.NoError(t, err)
	again, err := db.RecordSort("a-1", sorting.TypeCan, 2, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.LoggedAt.Equal(t0), "re-record must not move the timestamp")

	logs, err := db.SortLogs(10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRecordSort_ConflictingReRecord(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.RecordSort("a-1", sorting.TypeCan, 2, t0)
	require.NoError(t, err)

	_, err = db.RecordSort("a-1", sorting.TypeGeneral, 0, t0)
	assert.ErrorIs(t, err, ErrInvalidSortLog)
}

func TestRecordSort_Invalid(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.RecordSort("", sorting.TypeCan, 2, t0)
	assert.ErrorIs(t, err, ErrInvalidSortLog)

	_, err = db.RecordSort("a-2", sorting.TypeCan, -1, t0)
	assert.ErrorIs(t, err, ErrInvalidSortLog)
}

func TestRecordSort_ClosedDatabase(t *testing.T) {
	db := setupTestDB(t)
	db.Close()

	_, err := db.RecordSort("a-1", sorting.TypeCan, 2, t0)
	assert.Error(t, err)
}

func TestSortLog_AppendOnly(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.RecordSort("a-1", sorting.TypeCan, 2, t0)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE sort_log SET target_bin_id = 0`)
	assert.Error(t, err, "updates must be rejected")

	_, err = db.Exec(`DELETE FROM sort_log`)
	assert.Error(t, err, "deletes must be rejected")
}

func TestSortLogByActuation_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.SortLogByActuation("missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestSortLogs_NewestFirstWithLimit(t *testing.T) {
	db := setupTestDB(t)
	for i, id := range []string{"a", "b", "c"} {
		_, err := db.RecordSort(id, sorting.TypeGeneral, 0, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	logs, err := db.SortLogs(2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[0].ActuationID)
	assert.Equal(t, "b", logs[1].ActuationID)

	logs, err = db.SortLogs(0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestSortCounts(t *testing.T) {
	db := setupTestDB(t)
	records := []struct {
		id  string
		typ sorting.TypeID
		bin int
	}{
		{"1", sorting.TypeGeneral, 0},
		{"2", sorting.TypeGeneral, 0},
		{"3", sorting.TypeCan, 2},
	}
	for _, r := range records {
		_, err := db.RecordSort(r.id, r.typ, r.bin, t0)
		require.NoError(t, err)
	}

	counts, err := db.SortCounts()
	require.NoError(t, err)
	assert.Equal(t, []BinCount{
		{TypeID: sorting.TypeGeneral, BinID: 0, Count: 2},
		{TypeID: sorting.TypeCan, BinID: 2, Count: 1},
	}, counts)
}

func TestSortCountsByHour(t *testing.T) {
	db := setupTestDB(t)
	times := []time.Time{
		t0.Add(-2 * time.Hour),
		t0,
		t0.Add(10 * time.Minute),
		t0.Add(time.Hour),
	}
	for i, at := range times {
		_, err := db.RecordSort(string(rune('a'+i)), sorting.TypePlastic, 1, at)
		require.NoError(t, err)
	}

	buckets, err := db.SortCountsByHour(t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.True(t, buckets[0].Hour.Equal(t0.Truncate(time.Hour)))
	assert.Equal(t, int64(2), buckets[0].Count)
	assert.Equal(t, int64(1), buckets[1].Count)
}
