package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestAttemptStore_RecordList(t *testing.T) {
	store := NewAttemptStore(newTestDB(t))

	base := time.Now().UTC().Truncate(time.Second)
	attempts := []*Attempt{
		{
			ID: uuid.New(), Peer: "10.0.0.1", TeamID: 42, Token: "aa",
			URL: "http://example.com/x", Verdict: VerdictPopped,
			StartedAt: base, FinishedAt: base.Add(35 * time.Second),
		},
		{
			ID: uuid.New(), Peer: "10.0.0.1", TeamID: 42, Token: "aa",
			URL: "http://example.com/y", Verdict: VerdictFailed,
			StartedAt: base.Add(time.Minute), FinishedAt: base.Add(2 * time.Minute),
		},
		{
			ID: uuid.New(), Peer: "10.0.0.2", TeamID: 7, Token: "bb",
			Verdict: VerdictAborted, StartedAt: base, FinishedAt: base,
		},
	}
	for _, a := range attempts {
		if err := store.Record(a); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := store.ListByTeam(42)
	if err != nil {
		t.Fatalf("ListByTeam() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListByTeam(42) returned %d attempts; want 2", len(got))
	}
	// Newest first.
	if got[0].Verdict != VerdictFailed || got[1].Verdict != VerdictPopped {
		t.Errorf("ListByTeam(42) order = %s, %s; want failed, popped", got[0].Verdict, got[1].Verdict)
	}
	if got[1].ID != attempts[0].ID {
		t.Errorf("ID round-trip mismatch: got %s want %s", got[1].ID, attempts[0].ID)
	}
	if got[1].URL != "http://example.com/x" {
		t.Errorf("URL = %q; want %q", got[1].URL, "http://example.com/x")
	}

	got, err = store.ListByTeam(99)
	if err != nil {
		t.Fatalf("ListByTeam(99) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListByTeam(99) returned %d attempts; want 0", len(got))
	}
}
