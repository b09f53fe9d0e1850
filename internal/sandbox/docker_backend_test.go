package sandbox_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/saelo/feuerfuchs/internal/sandbox"
)

// skipIfNoDocker skips the test if Docker is not available
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode, skipping Docker backend tests")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("Docker not available, skipping Docker backend tests")
	}
	cmd := exec.Command("docker", "info")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("Docker daemon not running, skipping Docker backend tests: %v, output: %s", err, string(output))
	}
}

func TestDockerBackend_Lifecycle(t *testing.T) {
	skipIfNoDocker(t)

	backend, err := sandbox.NewDockerBackend(sandbox.Config{
		Image:         "alpine:latest",
		EntryLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewDockerBackend() error = %v", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	before, err := backend.ListLive(ctx)
	if err != nil {
		t.Fatalf("ListLive() error = %v", err)
	}

	handle, err := backend.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer func() {
		backend.Kill(ctx, handle)
		backend.Remove(ctx, handle)
	}()

	after, err := backend.ListLive(ctx)
	if err != nil {
		t.Fatalf("ListLive() error = %v", err)
	}
	if after != before+1 {
		t.Errorf("ListLive() = %d after create; want %d", after, before+1)
	}

	// The entry process is a sleep; pgrep must see it.
	running, err := backend.ProcessRunning(ctx, handle, "sleep")
	if err != nil {
		t.Fatalf("ProcessRunning() error = %v", err)
	}
	if !running {
		t.Error("ProcessRunning(sleep) = false for freshly created sandbox")
	}

	running, err = backend.ProcessRunning(ctx, handle, "no-such-process")
	if err != nil {
		t.Fatalf("ProcessRunning() error = %v", err)
	}
	if running {
		t.Error("ProcessRunning(no-such-process) = true")
	}

	if err := backend.ExecDetached(ctx, handle, "touch", "/tmp/marker"); err != nil {
		t.Errorf("ExecDetached() error = %v", err)
	}

	if err := backend.Kill(ctx, handle); err != nil {
		t.Errorf("Kill() error = %v", err)
	}
	// Killing an already-stopped sandbox is tolerated.
	if err := backend.Kill(ctx, handle); err != nil {
		t.Errorf("Kill() on stopped sandbox error = %v", err)
	}
	if err := backend.Remove(ctx, handle); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
}
