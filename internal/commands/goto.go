package commands

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/nav"
	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

const (
	// setpointRate is the offboard target refresh cadence. Below roughly
	// 2 Hz the autopilot reverts to a safe mode.
	setpointRate = 100 * time.Millisecond

	// horizontalEnvelope is the maximum |north| and |east| of an absolute
	// target, metres from the arm point.
	horizontalEnvelope = 500
	// ceilingDown is the down coordinate of the altitude ceiling.
	ceilingDown = -120

	// noMoveThreshold is the displacement below which the vehicle counts as
	// not moving at all.
	noMoveThreshold = 0.5
	// noMoveWindow is how long zero displacement is tolerated before the
	// command fails with a no-movement diagnosis.
	noMoveWindow = 15 * time.Second
)

// Goto flies the vehicle to a local-frame target, either absolute (relative
// to the arm point) or relative to the current position. While active it
// streams the target as an offboard setpoint and watches convergence by
// straight-line distance; a vehicle that never leaves its start point is
// diagnosed separately from a plain timeout.
type Goto struct {
	North, East, Down float64
	Relative          bool
	Yaw               float64 // degrees, NaN leaves heading unchanged
	MaxSpeed          float64
	Tolerance         float64

	Interval     time.Duration
	NoMoveWindow time.Duration
}

func newGoto(p catalog.Params) (Command, error) {
	g := &Goto{
		North:        p.Float("north"),
		East:         p.Float("east"),
		Down:         p.Float("down"),
		Relative:     p.Bool("relative"),
		Yaw:          math.NaN(),
		MaxSpeed:     p.Float("max_speed"),
		Tolerance:    p.Float("tolerance"),
		Interval:     pollInterval,
		NoMoveWindow: noMoveWindow,
	}
	if p.Has("yaw") {
		g.Yaw = p.Float("yaw")
	}
	return g, nil
}

func (c *Goto) Name() string { return "goto" }

func (c *Goto) Run(ctx context.Context, b backend.Backend) Result {
	tele := b.Telemetry()
	if !tele.Position.HasLocal {
		return fail(TagBackend, "no local position estimate")
	}
	start := tele.Position

	n, e, d := c.North, c.East, c.Down
	if c.Relative {
		n += start.North
		e += start.East
		d += start.Down
	}
	if math.Abs(n) > horizontalEnvelope || math.Abs(e) > horizontalEnvelope {
		return fail(TagValidation,
			fmt.Sprintf("target (%.1f, %.1f) outside the %.0f m horizontal envelope", n, e, float64(horizontalEnvelope)))
	}
	if d > 0 {
		return fail(TagValidation, fmt.Sprintf("target down %.1f is below ground", d))
	}
	if d < ceilingDown {
		return fail(TagValidation, fmt.Sprintf("target down %.1f is above the %.0f m ceiling", d, -float64(ceilingDown)))
	}

	target := start
	target.North, target.East, target.Down = n, e, d
	target.HasGlobal = false

	opts := backend.GotoOptions{Yaw: c.Yaw, MaxSpeed: c.MaxSpeed}
	if err := b.GotoPosition(ctx, target, opts); err != nil {
		return failErr(TagBackend, errors.Wrap(err, "commanding position"))
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go streamSetpoints(streamCtx, b, target, opts)

	lastDist := nav.DistanceNED(start.North, start.East, start.Down, n, e, d)
	maxMoved := 0.0
	began := time.Now()
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if maxMoved < noMoveThreshold {
					return fail(TagNoMovement, "no movement detected")
				}
				return fail(TagTimeout, fmt.Sprintf("timed out %.1f m from target", lastDist))
			}
			return ctxResult(ctx)
		case <-ticker.C:
		}

		cur := b.Telemetry()
		if cur.State == state.Disconnected || cur.State == state.Emergency {
			return fail(TagAborted, fmt.Sprintf("aborted in state %s", cur.State))
		}
		pos := cur.Position

		lastDist = nav.DistanceNED(pos.North, pos.East, pos.Down, n, e, d)
		if lastDist <= c.Tolerance {
			return succeedData(fmt.Sprintf("reached target, %.1f m off", lastDist),
				map[string]interface{}{"distance": lastDist})
		}

		if moved := nav.DistanceNED(pos.North, pos.East, pos.Down, start.North, start.East, start.Down); moved > maxMoved {
			maxMoved = moved
		}
		if time.Since(began) >= c.NoMoveWindow && maxMoved < noMoveThreshold {
			return fail(TagNoMovement, "no movement detected")
		}
	}
}

// streamSetpoints refreshes the offboard target until cancelled. Leaking this
// task past the owning command is a correctness bug; callers cancel it on
// every exit path.
func streamSetpoints(ctx context.Context, b backend.Backend, target telemetry.Position, opts backend.GotoOptions) {
	ticker := time.NewTicker(setpointRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := b.GotoPosition(ctx, target, opts); err != nil {
			return
		}
	}
}
