package sqlite

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attempt verdicts.
const (
	VerdictPopped  = "popped"
	VerdictFailed  = "failed"
	VerdictAborted = "aborted" // peer disconnected or auth/submission never completed
	VerdictError   = "error"   // sandbox runtime failure
)

// Attempt is one audited session: who connected, what they submitted and
// how it ended.
type Attempt struct {
	ID         uuid.UUID
	Peer       string
	TeamID     int
	Token      string
	URL        string
	Verdict    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// AttemptStore persists session attempts, backed by SQLite.
type AttemptStore struct {
	db *DB
}

// NewAttemptStore creates a SQLite-backed attempt store.
func NewAttemptStore(db *DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Record inserts one attempt row.
func (s *AttemptStore) Record(a *Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (id, peer, team_id, token, url, verdict, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Peer, a.TeamID, a.Token, a.URL, a.Verdict, a.StartedAt, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListByTeam returns a team's attempts, newest first.
func (s *AttemptStore) ListByTeam(teamID int) ([]*Attempt, error) {
	rows, err := s.db.Query(`
		SELECT id, peer, team_id, token, url, verdict, started_at, finished_at
		FROM attempts WHERE team_id = ?
		ORDER BY started_at DESC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var id string
		if err := rows.Scan(&id, &a.Peer, &a.TeamID, &a.Token, &a.URL, &a.Verdict, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse attempt id: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
