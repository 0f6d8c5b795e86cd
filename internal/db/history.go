package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// HistoryDatabase keeps a record of every match the lobby has hosted.
// Game IDs restart with each server run, so rows are keyed by run and game.
type HistoryDatabase struct {
	db    *Database
	runID string
}

// Match is one hosted game.
type Match struct {
	RunID     string        `json:"run_id"`
	GameID    uint32        `json:"game_id"`
	Port      int           `json:"port"`
	Owner     string        `json:"owner"`
	CreatedAt time.Time     `json:"created_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	EndReason string        `json:"end_reason,omitempty"`
	Captures  int           `json:"captures"`
	Winner    string        `json:"winner,omitempty"`
	Players   int           `json:"players"`
	Duration  time.Duration `json:"duration_ns"`
	Events    []MatchEvent  `json:"events,omitempty"`
}

// MatchEvent is one player-level step of a match.
type MatchEvent struct {
	Kind     string    `json:"kind"`
	Endpoint string    `json:"endpoint"`
	Color    string    `json:"color"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// HistoryStats summarises the stored history.
type HistoryStats struct {
	Matches  int `json:"matches"`
	Finished int `json:"finished"`
	Captures int `json:"captures"`
	Joins    int `json:"joins"`
}

// NewHistoryDatabase opens the history store at dbPath. Rows written through
// it belong to runID.
func NewHistoryDatabase(dbPath, runID string) (*HistoryDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	hdb := &HistoryDatabase{db: database, runID: runID}
	if err := hdb.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hdb, nil
}

func (h *HistoryDatabase) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS matches (
			run_id TEXT NOT NULL,
			game_id INTEGER NOT NULL,
			port INTEGER NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			ended_at DATETIME,
			end_reason TEXT NOT NULL DEFAULT '',
			captures INTEGER NOT NULL DEFAULT 0,
			winner TEXT NOT NULL DEFAULT '',
			players INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, game_id)
		);

		CREATE TABLE IF NOT EXISTS match_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			game_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			at DATETIME NOT NULL,
			FOREIGN KEY (run_id, game_id) REFERENCES matches(run_id, game_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_matches_created_at ON matches(created_at);
		CREATE INDEX IF NOT EXISTS idx_match_events_game ON match_events(run_id, game_id);
	`

	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("history schema migrated")
	return nil
}

// ensureMatch creates a placeholder row so writes arriving out of order
// still have a match to attach to.
func (h *HistoryDatabase) ensureMatch(tx *sql.Tx, gameID uint32, port int, at time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO matches (run_id, game_id, port, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, game_id) DO NOTHING
	`, h.runID, gameID, port, at.UTC())
	return err
}

// RecordCreated inserts a new match.
func (h *HistoryDatabase) RecordCreated(gameID uint32, port int, owner string, at time.Time) error {
	_, err := h.db.Exec(`
		INSERT INTO matches (run_id, game_id, port, owner, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, game_id) DO UPDATE SET
			port = excluded.port, owner = excluded.owner, created_at = excluded.created_at
	`, h.runID, gameID, port, owner, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record game %d: %w", gameID, err)
	}
	return nil
}

// RecordEnding stores how a match ended.
func (h *HistoryDatabase) RecordEnding(gameID uint32, port int, reason string, captures int, winner string, players int, at time.Time) error {
	err := h.db.Transaction(func(tx *sql.Tx) error {
		if err := h.ensureMatch(tx, gameID, port, at); err != nil {
			return err
		}
		_, err := tx.Exec(`
			UPDATE matches SET ended_at = ?, end_reason = ?, captures = MAX(captures, ?),
				winner = ?, players = MAX(players, ?)
			WHERE run_id = ? AND game_id = ?
		`, at.UTC(), reason, captures, winner, players, h.runID, gameID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record end of game %d: %w", gameID, err)
	}
	return nil
}

// RecordRemoved stores the final capture count and lifetime of a match.
func (h *HistoryDatabase) RecordRemoved(gameID uint32, port int, captures int, duration time.Duration, at time.Time) error {
	err := h.db.Transaction(func(tx *sql.Tx) error {
		if err := h.ensureMatch(tx, gameID, port, at.Add(-duration)); err != nil {
			return err
		}
		_, err := tx.Exec(`
			UPDATE matches SET captures = MAX(captures, ?), duration_ms = ?,
				ended_at = COALESCE(ended_at, ?)
			WHERE run_id = ? AND game_id = ?
		`, captures, duration.Milliseconds(), at.UTC(), h.runID, gameID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record removal of game %d: %w", gameID, err)
	}
	return nil
}

// RecordEvent appends a player-level event to a match. Joins raise the
// match's peak player count.
func (h *HistoryDatabase) RecordEvent(gameID uint32, port int, ev MatchEvent) error {
	return h.db.Transaction(func(tx *sql.Tx) error {
		if err := h.ensureMatch(tx, gameID, port, ev.At); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO match_events (run_id, game_id, kind, endpoint, color, detail, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, h.runID, gameID, ev.Kind, ev.Endpoint, ev.Color, ev.Detail, ev.At.UTC())
		if err != nil {
			return fmt.Errorf("failed to record %s for game %d: %w", ev.Kind, gameID, err)
		}

		if ev.Kind != EventJoined {
			return nil
		}
		_, err = tx.Exec(`
			UPDATE matches SET players = MAX(players, (
				SELECT COUNT(DISTINCT endpoint) FROM match_events
				WHERE run_id = ? AND game_id = ? AND kind = ?
			))
			WHERE run_id = ? AND game_id = ?
		`, h.runID, gameID, EventJoined, h.runID, gameID)
		return err
	})
}

// Event kinds stored in match_events.
const (
	EventJoined   = "joined"
	EventLeft     = "left"
	EventCaptured = "captured"
)

// Recent returns the newest matches, most recent first.
func (h *HistoryDatabase) Recent(limit int) ([]Match, error) {
	rows, err := h.db.Query(`
		SELECT run_id, game_id, port, owner, created_at, ended_at, end_reason,
			captures, winner, players, duration_ms
		FROM matches
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Match returns one match of the current run with its events.
func (h *HistoryDatabase) Match(gameID uint32) (Match, error) {
	row := h.db.QueryRow(`
		SELECT run_id, game_id, port, owner, created_at, ended_at, end_reason,
			captures, winner, players, duration_ms
		FROM matches
		WHERE run_id = ? AND game_id = ?
	`, h.runID, gameID)
	m, err := scanMatch(row)
	if err != nil {
		return Match{}, err
	}

	rows, err := h.db.Query(`
		SELECT kind, endpoint, color, detail, at FROM match_events
		WHERE run_id = ? AND game_id = ?
		ORDER BY at, id
	`, h.runID, gameID)
	if err != nil {
		return Match{}, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev MatchEvent
		if err := rows.Scan(&ev.Kind, &ev.Endpoint, &ev.Color, &ev.Detail, &ev.At); err != nil {
			return Match{}, err
		}
		m.Events = append(m.Events, ev)
	}
	return m, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMatch(s scanner) (Match, error) {
	var (
		m          Match
		endedAt    sql.NullTime
		durationMS int64
	)
	err := s.Scan(&m.RunID, &m.GameID, &m.Port, &m.Owner, &m.CreatedAt, &endedAt,
		&m.EndReason, &m.Captures, &m.Winner, &m.Players, &durationMS)
	if err != nil {
		return Match{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		m.EndedAt = &t
	}
	m.Duration = time.Duration(durationMS) * time.Millisecond
	return m, nil
}

// Stats counts the stored matches and events.
func (h *HistoryDatabase) Stats() (HistoryStats, error) {
	var s HistoryStats
	err := h.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM matches),
			(SELECT COUNT(*) FROM matches WHERE ended_at IS NOT NULL),
			(SELECT COUNT(*) FROM match_events WHERE kind = ?),
			(SELECT COUNT(*) FROM match_events WHERE kind = ?)
	`, EventCaptured, EventJoined).Scan(&s.Matches, &s.Finished, &s.Captures, &s.Joins)
	if err != nil {
		return HistoryStats{}, fmt.Errorf("failed to count history: %w", err)
	}
	return s, nil
}

// Prune removes matches created before cutoff and returns how many were
// deleted.
func (h *HistoryDatabase) Prune(cutoff time.Time) (int64, error) {
	res, err := h.db.Exec("DELETE FROM matches WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("matches", n).Time("cutoff", cutoff).Msg("pruned match history")
	}
	return n, nil
}

// RunID returns the run this store writes under.
func (h *HistoryDatabase) RunID() string {
	return h.runID
}

// Close closes the database.
func (h *HistoryDatabase) Close() error {
	return h.db.Close()
}
