package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/sortbridge/internal/sorting"
)

// ErrInvalidSortLog is returned for entries the sort log must never hold.
var ErrInvalidSortLog = errors.New("invalid sort log entry")

// RecordSort appends one entry for a successful actuation and returns the
// stored row. actuationID is an idempotency key: recording the same id again
// returns the existing row instead of adding a second one.
func (db *DB) RecordSort(actuationID string, typeID sorting.TypeID, binID int, loggedAt time.Time) (sorting.SortLogEntry, error) {
	if actuationID == "" {
		return sorting.SortLogEntry{}, fmt.Errorf("%w: missing actuation id", ErrInvalidSortLog)
	}
	if binID < 0 {
		return sorting.SortLogEntry{}, fmt.Errorf("%w: negative bin id %d", ErrInvalidSortLog, binID)
	}

	_, err := db.Exec(`
		INSERT INTO sort_log (actuation_id, recognized_type_id, target_bin_id, logged_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(actuation_id) DO NOTHING`,
		actuationID, int(typeID), binID, loggedAt.UTC(),
	)
	if err != nil {
		return sorting.SortLogEntry{}, fmt.Errorf("failed to insert sort log: %w", err)
	}

	entry, err := db.SortLogByActuation(actuationID)
	if err != nil {
		return sorting.SortLogEntry{}, err
	}
	if entry.RecognizedTypeID != typeID || entry.TargetBinID != binID {
		return entry, fmt.Errorf("%w: actuation %s already recorded as type %d bin %d",
			ErrInvalidSortLog, actuationID, entry.RecognizedTypeID, entry.TargetBinID)
	}
	return entry, nil
}

// SortLogByActuation returns the entry recorded for actuationID, or
// sql.ErrNoRows.
func (db *DB) SortLogByActuation(actuationID string) (sorting.SortLogEntry, error) {
	row := db.QueryRow(`
		SELECT id, actuation_id, recognized_type_id, target_bin_id, logged_at
		FROM sort_log WHERE actuation_id = ?`, actuationID)
	return scanSortLog(row)
}

// SortLogs returns up to limit entries, newest first.
func (db *DB) SortLogs(limit int) ([]sorting.SortLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, actuation_id, recognized_type_id, target_bin_id, logged_at
		FROM sort_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []sorting.SortLogEntry{}
	for rows.Next() {
		e, err := scanSortLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BinCount is the number of sorts that went to one bin for one type.
type BinCount struct {
	TypeID sorting.TypeID `json:"type_id"`
	BinID  int            `json:"bin_id"`
	Count  int64          `json:"count"`
}

// SortCounts groups the whole log by type and bin.
func (db *DB) SortCounts() ([]BinCount, error) {
	rows, err := db.Query(`
		SELECT recognized_type_id, target_bin_id, COUNT(*)
		FROM sort_log
		GROUP BY recognized_type_id, target_bin_id
		ORDER BY recognized_type_id, target_bin_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []BinCount{}
	for rows.Next() {
		var c BinCount
		var typeID int
		if err := rows.Scan(&typeID, &c.BinID, &c.Count); err != nil {
			return nil, err
		}
		c.TypeID = sorting.TypeID(typeID)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// HourlyCount is the number of sorts logged in one hour bucket.
type HourlyCount struct {
	Hour  time.Time
	Count int64
}

// SortCountsByHour buckets entries logged at or after since by UTC hour,
// oldest first.
func (db *DB) SortCountsByHour(since time.Time) ([]HourlyCount, error) {
	rows, err := db.Query(`
		SELECT logged_at FROM sort_log WHERE logged_at >= ? ORDER BY logged_at`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyCount
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		hour := at.UTC().Truncate(time.Hour)
		if n := len(out); n > 0 && out[n-1].Hour.Equal(hour) {
			out[n-1].Count++
			continue
		}
		out = append(out, HourlyCount{Hour: hour, Count: 1})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSortLog(r rowScanner) (sorting.SortLogEntry, error) {
	var e sorting.SortLogEntry
	var typeID int
	if err := r.Scan(&e.ID, &e.ActuationID, &typeID, &e.TargetBinID, &e.LoggedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan sort log: %w", err)
	}
	e.RecognizedTypeID = sorting.TypeID(typeID)
	return e, nil
}
