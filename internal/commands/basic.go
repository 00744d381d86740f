package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
)

// Wait pauses the sequence without touching the backend.
type Wait struct {
	Seconds float64
}

func newWait(p catalog.Params) (Command, error) {
	return &Wait{Seconds: p.Float("seconds")}, nil
}

func (c *Wait) Name() string { return "wait" }

func (c *Wait) Run(ctx context.Context, _ backend.Backend) Result {
	timer := time.NewTimer(time.Duration(c.Seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctxResult(ctx)
	case <-timer.C:
		return succeed(fmt.Sprintf("waited %.1f s", c.Seconds))
	}
}

// Hold switches the vehicle into the position-hold mode.
type Hold struct{}

func newHold(catalog.Params) (Command, error) {
	return &Hold{}, nil
}

func (c *Hold) Name() string { return "hold" }

func (c *Hold) Run(ctx context.Context, b backend.Backend) Result {
	if err := b.HoldPosition(ctx); err != nil {
		return failErr(TagBackend, err)
	}
	return succeed("holding position")
}

// Arm requests motor arming and waits until the armed flag is reported.
type Arm struct {
	Interval time.Duration
}

func newArm(catalog.Params) (Command, error) {
	return &Arm{Interval: pollInterval}, nil
}

func (c *Arm) Name() string { return "arm" }

func (c *Arm) Run(ctx context.Context, b backend.Backend) Result {
	if b.Armed() {
		return succeed("already armed")
	}
	if err := b.Arm(ctx); err != nil {
		return failErr(TagBackend, err)
	}
	return pollUntil(ctx, c.Interval, func() (Result, bool) {
		if b.Armed() {
			return succeed("armed"), true
		}
		return Result{}, false
	})
}

// Disarm requests motor disarming and waits until the armed flag clears.
type Disarm struct {
	Interval time.Duration
}

func newDisarm(catalog.Params) (Command, error) {
	return &Disarm{Interval: pollInterval}, nil
}

func (c *Disarm) Name() string { return "disarm" }

func (c *Disarm) Run(ctx context.Context, b backend.Backend) Result {
	if !b.Armed() {
		return succeed("already disarmed")
	}
	if err := b.Disarm(ctx); err != nil {
		return failErr(TagBackend, err)
	}
	return pollUntil(ctx, c.Interval, func() (Result, bool) {
		if !b.Armed() {
			return succeed("disarmed"), true
		}
		return Result{}, false
	})
}

// SetMode commands a named flight mode and waits for it to be reported.
type SetMode struct {
	Mode     string
	Interval time.Duration
}

func newSetMode(p catalog.Params) (Command, error) {
	return &SetMode{Mode: p.String("mode"), Interval: pollInterval}, nil
}

func (c *SetMode) Name() string { return "set_mode" }

func (c *SetMode) Run(ctx context.Context, b backend.Backend) Result {
	if b.FlightMode() == c.Mode {
		return succeed(fmt.Sprintf("mode %s already active", c.Mode))
	}
	if err := b.SetFlightMode(ctx, c.Mode); err != nil {
		return failErr(TagBackend, err)
	}
	return pollUntil(ctx, c.Interval, func() (Result, bool) {
		if b.FlightMode() == c.Mode {
			return succeed(fmt.Sprintf("mode %s active", c.Mode)), true
		}
		return Result{}, false
	})
}
