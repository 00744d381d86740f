package commands

import (
	"context"
	"time"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/state"
)

// Land descends at the current position until a grounded state is observed.
// On an already-grounded vehicle it succeeds without any backend call.
type Land struct {
	Interval time.Duration
}

func newLand(catalog.Params) (Command, error) {
	return &Land{Interval: pollInterval}, nil
}

func (c *Land) Name() string { return "land" }

func (c *Land) Run(ctx context.Context, b backend.Backend) Result {
	st := b.State()
	if st == state.Disconnected {
		return fail(TagDisconnected, "not connected")
	}
	if st.Grounded() {
		return succeedData("already landed", map[string]interface{}{"already_landed": true})
	}

	if err := b.Land(ctx); err != nil {
		return failErr(TagBackend, err)
	}

	return pollUntil(ctx, c.Interval, func() (Result, bool) {
		if b.State().Grounded() {
			return succeed("landed"), true
		}
		return Result{}, false
	})
}
