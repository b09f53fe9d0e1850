package sandbox

import (
	"context"
	"time"
)

// Controller abstracts the container runtime hosting one browser sandbox
// per session. Sessions depend only on this interface so the runtime can
// be faked in tests.
type Controller interface {
	// ListLive returns the number of currently live sandboxes.
	ListLive(ctx context.Context) (int, error)

	// Create builds and starts a sandbox around an idle placeholder
	// process. It must not run any participant code; the placeholder
	// keeps the sandbox alive even if a later exec crashes.
	Create(ctx context.Context) (string, error)

	// ExecDetached launches cmd inside the sandbox and returns without
	// waiting for it to finish.
	ExecDetached(ctx context.Context, handle string, cmd ...string) error

	// ProcessRunning reports whether a process with the given name is
	// running inside the sandbox at this moment.
	ProcessRunning(ctx context.Context, handle, name string) (bool, error)

	// Kill stops the sandbox. A sandbox that already stopped on its own
	// is not an error.
	Kill(ctx context.Context, handle string) error

	// Remove deletes the stopped sandbox.
	Remove(ctx context.Context, handle string) error
}

// Config holds sandbox creation parameters.
type Config struct {
	// Image is the container image every sandbox is created from.
	Image string
	// EntryLifetime is how long the idle placeholder process sleeps. It
	// must comfortably exceed the longest possible session so the
	// sandbox never shuts itself down before teardown.
	EntryLifetime time.Duration
	// MemoryMB limits sandbox memory; 0 means unlimited.
	MemoryMB int
	// CPULimit limits sandbox CPU in fractional cores; 0 means unlimited.
	CPULimit float64
}
