package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRuntime implements Controller with an in-memory container count.
type fakeRuntime struct {
	mu      sync.Mutex
	live    int
	maxLive int
	listErr error
}

func (f *fakeRuntime) ListLive(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return 0, f.listErr
	}
	return f.live, nil
}

func (f *fakeRuntime) Create(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return "fake", nil
}

func (f *fakeRuntime) destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live--
}

func (f *fakeRuntime) ExecDetached(ctx context.Context, handle string, cmd ...string) error {
	return nil
}

func (f *fakeRuntime) ProcessRunning(ctx context.Context, handle, name string) (bool, error) {
	return false, nil
}

func (f *fakeRuntime) Kill(ctx context.Context, handle string) error   { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, handle string) error { return nil }

func TestGate_TryReserve(t *testing.T) {
	rt := &fakeRuntime{}
	gate := NewGate(rt, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := gate.TryReserve(ctx)
		if err != nil {
			t.Fatalf("TryReserve() error = %v", err)
		}
		if !ok {
			t.Fatalf("TryReserve() = false below ceiling (reservation %d)", i+1)
		}
	}

	// Ceiling reached via reservations alone.
	ok, err := gate.TryReserve(ctx)
	if err != nil {
		t.Fatalf("TryReserve() error = %v", err)
	}
	if ok {
		t.Error("TryReserve() = true at ceiling")
	}

	gate.Release()
	ok, _ = gate.TryReserve(ctx)
	if !ok {
		t.Error("TryReserve() = false after Release()")
	}
}

func TestGate_CountsLiveInventory(t *testing.T) {
	rt := &fakeRuntime{live: 3}
	gate := NewGate(rt, 3)

	ok, err := gate.TryReserve(context.Background())
	if err != nil {
		t.Fatalf("TryReserve() error = %v", err)
	}
	if ok {
		t.Error("TryReserve() = true while inventory is at ceiling")
	}
}

func TestGate_ListError(t *testing.T) {
	rt := &fakeRuntime{listErr: errors.New("daemon down")}
	gate := NewGate(rt, 1)

	ok, err := gate.TryReserve(context.Background())
	if err == nil {
		t.Fatal("TryReserve() error = nil; want inventory error")
	}
	if ok {
		t.Error("TryReserve() = true despite inventory error")
	}
}

// TestGate_CeilingUnderContention hammers the gate from many goroutines
// and asserts the live sandbox count never exceeds the ceiling when the
// reservation is held across creation.
func TestGate_CeilingUnderContention(t *testing.T) {
	const (
		ceiling = 3
		workers = 24
	)

	rt := &fakeRuntime{}
	gate := NewGate(rt, ceiling)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ok, err := gate.TryReserve(ctx)
				if err != nil {
					t.Errorf("TryReserve() error = %v", err)
					return
				}
				if !ok {
					time.Sleep(time.Millisecond)
					continue
				}
				if _, err := rt.Create(ctx); err != nil {
					t.Errorf("Create() error = %v", err)
				}
				gate.Release()
				// Hold the slot briefly, as a session would during
				// its verdict wait.
				time.Sleep(2 * time.Millisecond)
				rt.destroy()
				return
			}
		}()
	}
	wg.Wait()

	if rt.maxLive > ceiling {
		t.Errorf("max concurrent sandboxes = %d; ceiling is %d", rt.maxLive, ceiling)
	}
}
