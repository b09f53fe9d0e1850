package fetch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// Fetcher archives a participant's exploit for later analysis by
// mirroring the submitted URL with wget into a per-team directory.
type Fetcher struct {
	dir     string
	timeout time.Duration
	command string
}

// New creates a fetcher writing below dir with the given per-fetch budget.
func New(dir string, timeout time.Duration) *Fetcher {
	return &Fetcher{dir: dir, timeout: timeout, command: "wget"}
}

// Fetch mirrors url into <dir>/team_<id>_try_<n>. The subprocess gets a
// hard wall-clock budget and is killed at expiry whether or not it
// finished; an expired budget is not an error. Archiving is best-effort,
// the returned error is for logging only.
func (f *Fetcher) Fetch(ctx context.Context, url string, teamID, try int) error {
	dest := filepath.Join(f.dir, fmt.Sprintf("team_%d_try_%d", teamID, try))

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.command, "-p", "-k", "-P", dest, url)
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("archive exploit: %w", err)
	}
	return nil
}
