package commands

import (
	"context"
	"time"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/mavlink"
	"github.com/uavforge/commandlink/internal/state"
)

// ReturnToLaunch flies the vehicle back to the arm point. With WaitForLanding
// it blocks until a grounded state; otherwise it completes as soon as the
// return mode is observed active.
type ReturnToLaunch struct {
	WaitForLanding bool
	Interval       time.Duration
}

func newRTL(p catalog.Params) (Command, error) {
	return &ReturnToLaunch{
		WaitForLanding: p.Bool("wait_for_landing"),
		Interval:       pollInterval,
	}, nil
}

func (c *ReturnToLaunch) Name() string { return "rtl" }

func (c *ReturnToLaunch) Run(ctx context.Context, b backend.Backend) Result {
	st := b.State()
	if st == state.Disconnected {
		return fail(TagDisconnected, "not connected")
	}
	if st.Grounded() {
		return succeedData("already at launch point", map[string]interface{}{"already_landed": true})
	}

	if err := b.ReturnToLaunch(ctx); err != nil {
		return failErr(TagBackend, err)
	}

	return pollUntil(ctx, c.Interval, func() (Result, bool) {
		if b.State().Grounded() {
			return succeed("returned and landed"), true
		}
		if !c.WaitForLanding && b.FlightMode() == mavlink.ModeRTL {
			return succeed("return mode active"), true
		}
		return Result{}, false
	})
}
