package db

import (
	"database/sql"
	"errors"
	"time"

	"bounce/models"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNoRows = errors.New("no rows found")

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS log_offsets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user TEXT NOT NULL,
			network TEXT NOT NULL,
			channel TEXT NOT NULL,
			hour TEXT NOT NULL,
			byte_offset INTEGER NOT NULL,
			UNIQUE(user, network, channel, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_offsets_key ON log_offsets(user, network, channel, hour)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_key ON session_events(session_key, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// RecordOffset stores the offset of the first line written in hour. A
// second record for the same hour is ignored so the earliest offset wins.
func (db *DB) RecordOffset(user, network, channel string, hour time.Time, offset int64) error {
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO log_offsets (user, network, channel, hour, byte_offset) VALUES (?, ?, ?, ?, ?)",
		user, network, channel, hour.UTC().Format(time.RFC3339), offset,
	)
	return err
}

// GetOffsets returns the hourly offsets of one log, oldest first.
func (db *DB) GetOffsets(user, network, channel string) ([]models.LogOffset, error) {
	rows, err := db.conn.Query(
		"SELECT hour, byte_offset FROM log_offsets WHERE user = ? AND network = ? AND channel = ? ORDER BY hour ASC",
		user, network, channel,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offsets []models.LogOffset
	for rows.Next() {
		o := models.LogOffset{User: user, Network: network, Channel: channel}
		var hourStr string
		if err := rows.Scan(&hourStr, &o.Offset); err != nil {
			return nil, err
		}

		hour, err := time.Parse(time.RFC3339, hourStr)
		if err != nil {
			return nil, err
		}
		o.Hour = hour

		offsets = append(offsets, o)
	}

	return offsets, rows.Err()
}

// OffsetAt returns the offset recorded for the latest hour at or before t.
func (db *DB) OffsetAt(user, network, channel string, t time.Time) (int64, error) {
	var offset int64
	err := db.conn.QueryRow(
		`SELECT byte_offset FROM log_offsets
		WHERE user = ? AND network = ? AND channel = ? AND hour <= ?
		ORDER BY hour DESC LIMIT 1`,
		user, network, channel, t.UTC().Format(time.RFC3339),
	).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, ErrNoRows
	}
	return offset, err
}

func (db *DB) RecordSessionEvent(ev models.SessionEvent) error {
	_, err := db.conn.Exec(
		"INSERT INTO session_events (session_id, session_key, state, detail, timestamp) VALUES (?, ?, ?, ?, ?)",
		ev.SessionID, ev.Key, string(ev.State), ev.Detail, ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetSessionEvents returns up to limit most recent events for key, oldest
// first.
func (db *DB) GetSessionEvents(key string, limit int) ([]models.SessionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT session_id, session_key, state, detail, timestamp FROM (
			SELECT id, session_id, session_key, state, detail, timestamp
			FROM session_events WHERE session_key = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		key, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		var state, timestampStr string
		if err := rows.Scan(&ev.SessionID, &ev.Key, &state, &ev.Detail, &timestampStr); err != nil {
			return nil, err
		}
		ev.State = models.SessionState(state)

		timestamp, err := time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = timestamp

		events = append(events, ev)
	}

	return events, rows.Err()
}
