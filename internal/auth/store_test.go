package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const testSecret = "test-secret"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "token_database"), []byte(testSecret))
}

func TestStore_IsValid_Derivation(t *testing.T) {
	store := newTestStore(t)
	cred := Credential{TeamID: 42, Token: DeriveToken([]byte(testSecret), 42)}

	// First validation takes the derivation path and inserts the token.
	if !store.IsValid(cred) {
		t.Fatal("IsValid() = false for correctly derived token")
	}
	n, err := store.UsageCount(cred)
	if err != nil {
		t.Fatalf("UsageCount() error = %v", err)
	}
	if n != 0 {
		t.Errorf("UsageCount() = %d after first validation; want 0", n)
	}

	// Subsequent validations take the known-token path.
	if !store.IsValid(cred) {
		t.Error("IsValid() = false for known token")
	}
}

func TestStore_IsValid_WrongToken(t *testing.T) {
	store := newTestStore(t)

	if store.IsValid(Credential{TeamID: 42, Token: "deadbeef"}) {
		t.Error("IsValid() = true for bogus token")
	}
	// A token derived for a different team id must not validate.
	if store.IsValid(Credential{TeamID: 42, Token: DeriveToken([]byte(testSecret), 7)}) {
		t.Error("IsValid() = true for token derived from another team id")
	}
	if _, err := store.UsageCount(Credential{TeamID: 42, Token: "deadbeef"}); err != ErrUnknownToken {
		t.Errorf("UsageCount() error = %v; want ErrUnknownToken", err)
	}
}

func TestStore_RecordUse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token_database")
	store := NewStore(path, []byte(testSecret))
	cred := Credential{TeamID: 1, Token: DeriveToken([]byte(testSecret), 1)}
	store.IsValid(cred)

	for i := 1; i <= 3; i++ {
		if err := store.RecordUse(cred); err != nil {
			t.Fatalf("RecordUse() error = %v", err)
		}
		n, _ := store.UsageCount(cred)
		if n != i {
			t.Fatalf("UsageCount() = %d after %d uses", n, i)
		}
	}

	// Every increment rewrites the database file.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read database: %v", err)
	}
	var persisted map[string]int
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("decode database: %v", err)
	}
	if persisted[cred.Token] != 3 {
		t.Errorf("persisted count = %d; want 3", persisted[cred.Token])
	}
}

func TestStore_RecordUse_Unlimited(t *testing.T) {
	store := newTestStore(t)
	cred := Credential{TeamID: UnlimitedTeamID, Token: DeriveToken([]byte(testSecret), UnlimitedTeamID)}
	store.IsValid(cred)

	for i := 0; i < 10; i++ {
		if err := store.RecordUse(cred); err != nil {
			t.Fatalf("RecordUse() error = %v", err)
		}
	}
	n, _ := store.UsageCount(cred)
	if n != 0 {
		t.Errorf("UsageCount() = %d for unlimited credential; want 0", n)
	}
}

func TestStore_RecordUse_UnknownToken(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordUse(Credential{TeamID: 42, Token: "nope"}); err != ErrUnknownToken {
		t.Errorf("RecordUse() error = %v; want ErrUnknownToken", err)
	}
}

func TestStore_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token_database")
	store := NewStore(path, []byte(testSecret))
	cred := Credential{TeamID: 42, Token: DeriveToken([]byte(testSecret), 42)}
	store.IsValid(cred)
	store.RecordUse(cred)
	store.RecordUse(cred)

	// A fresh store over the same file sees the same mapping.
	reloaded := NewStore(path, []byte(testSecret))
	n, err := reloaded.UsageCount(cred)
	if err != nil {
		t.Fatalf("UsageCount() after reload error = %v", err)
	}
	if n != 2 {
		t.Errorf("UsageCount() after reload = %d; want 2", n)
	}
}

func TestStore_CorruptDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token_database")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	// Corruption must not prevent startup; the store begins empty.
	store := NewStore(path, []byte(testSecret))
	cred := Credential{TeamID: 42, Token: DeriveToken([]byte(testSecret), 42)}
	if !store.IsValid(cred) {
		t.Error("IsValid() = false on store recovered from corrupt database")
	}
	n, _ := store.UsageCount(cred)
	if n != 0 {
		t.Errorf("UsageCount() = %d on recovered store; want 0", n)
	}
}

func TestStore_ConcurrentRecordUse(t *testing.T) {
	store := newTestStore(t)
	cred := Credential{TeamID: 42, Token: DeriveToken([]byte(testSecret), 42)}
	store.IsValid(cred)

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.RecordUse(cred); err != nil {
				t.Errorf("RecordUse() error = %v", err)
			}
		}()
	}
	wg.Wait()

	n, _ := store.UsageCount(cred)
	if n != workers {
		t.Errorf("UsageCount() = %d after %d parallel uses; want %d", n, workers, workers)
	}
}
