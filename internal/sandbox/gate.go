package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// Gate enforces the global ceiling on concurrently live sandboxes. The
// live count comes from the controller's own inventory rather than an
// independent counter, so capacity freed elsewhere is only observed on
// the next poll. A small reservation counter covers the window between a
// granted reservation and the created sandbox showing up in the
// inventory; callers release it once creation has settled either way.
type Gate struct {
	ctrl    Controller
	ceiling int

	mu       sync.Mutex
	reserved int
}

// NewGate creates a gate admitting at most ceiling live sandboxes.
func NewGate(ctrl Controller, ceiling int) *Gate {
	return &Gate{ctrl: ctrl, ceiling: ceiling}
}

// TryReserve reserves one sandbox slot if the ceiling permits. The
// inventory check and the reservation happen under one lock, so
// concurrent reservations cannot both observe the same free slot.
func (g *Gate) TryReserve(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	live, err := g.ctrl.ListLive(ctx)
	if err != nil {
		return false, fmt.Errorf("count live sandboxes: %w", err)
	}
	if live+g.reserved >= g.ceiling {
		return false, nil
	}
	g.reserved++
	return true, nil
}

// Release frees a slot taken by TryReserve. Call it once the created
// sandbox is visible in the controller's inventory, or once creation has
// failed.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reserved > 0 {
		g.reserved--
	}
}
