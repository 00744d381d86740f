package commands

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/nav"
	"github.com/uavforge/commandlink/internal/state"
)

// Orbit flies a circle around a center point by streaming position targets
// advancing at the commanded angular rate. The center may be given in the
// local frame, in geodetic coordinates (converted against the current fix),
// or defaulted to the current position. Exactly one of a fixed duration, a
// loop count or continuous mode bounds the maneuver.
type Orbit struct {
	Radius   float64
	Velocity float64

	CenterLat, CenterLon     float64
	CenterNorth, CenterEast  float64
	hasGlobalCenter          bool
	hasLocalCenter           bool

	Duration   time.Duration
	Loops      int
	Continuous bool

	Interval time.Duration
}

func newOrbit(p catalog.Params) (Command, error) {
	o := &Orbit{
		Radius:   p.Float("radius"),
		Velocity: p.Float("velocity"),
		Interval: pollInterval,
	}

	modes := 0
	if p.Has("duration") {
		o.Duration = time.Duration(p.Float("duration") * float64(time.Second))
		modes++
	}
	if p.Has("loops") {
		o.Loops = p.Int("loops")
		modes++
	}
	if p.Bool("continuous") {
		o.Continuous = true
		modes++
	}
	if modes != 1 {
		return nil, &catalog.ValidationError{
			Command: "orbit",
			Reason:  "exactly one of duration, loops or continuous must be set",
		}
	}

	switch {
	case p.Has("center_lat") != p.Has("center_lon"):
		return nil, &catalog.ValidationError{
			Command: "orbit",
			Reason:  "center_lat and center_lon must be supplied together",
		}
	case p.Has("center_lat"):
		o.CenterLat = p.Float("center_lat")
		o.CenterLon = p.Float("center_lon")
		o.hasGlobalCenter = true
	case p.Has("center_north") || p.Has("center_east"):
		o.CenterNorth = p.Float("center_north")
		o.CenterEast = p.Float("center_east")
		o.hasLocalCenter = true
	}
	return o, nil
}

func (c *Orbit) Name() string { return "orbit" }

func (c *Orbit) Run(ctx context.Context, b backend.Backend) Result {
	tele := b.Telemetry()
	if !tele.Position.HasLocal {
		return fail(TagBackend, "no local position estimate")
	}
	cur := tele.Position

	// Resolve the center in the local frame. A geodetic center is anchored
	// through the arm-point reference implied by the current fix.
	cn, ce := cur.North, cur.East
	switch {
	case c.hasLocalCenter:
		cn, ce = c.CenterNorth, c.CenterEast
	case c.hasGlobalCenter:
		if !cur.HasGlobal {
			return fail(TagBackend, "geodetic center needs a GPS fix")
		}
		refLat, refLon := nav.Offset(cur.Lat, cur.Lon, -cur.North, -cur.East)
		refAlt := cur.AltMSL + cur.Down
		cn, ce, _ = nav.GlobalToLocal(refLat, refLon, refAlt, c.CenterLat, c.CenterLon, cur.AltMSL)
	}

	// Enter the circle at the angle the vehicle already sits on, so the
	// first setpoint is the nearest point of the circle.
	startAngle := 0.0
	if math.Hypot(cur.North-cn, cur.East-ce) > 0.1 {
		startAngle = math.Atan2(cur.East-ce, cur.North-cn)
	}

	opts := backend.DefaultGotoOptions()
	opts.MaxSpeed = c.Velocity
	omega := c.Velocity / c.Radius
	began := time.Now()

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go func() {
		ticker := time.NewTicker(setpointRate)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
			}
			angle := startAngle + omega*time.Since(began).Seconds()
			target := cur
			target.HasGlobal = false
			target.North = cn + c.Radius*math.Cos(angle)
			target.East = ce + c.Radius*math.Sin(angle)
			if err := b.GotoPosition(streamCtx, target, opts); err != nil {
				return
			}
		}
	}()

	loopTime := 2 * math.Pi * c.Radius / c.Velocity
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctxResult(ctx)
		case <-ticker.C:
		}

		if st := b.State(); st == state.Disconnected || st == state.Emergency {
			return fail(TagAborted, fmt.Sprintf("aborted in state %s", st))
		}

		elapsed := time.Since(began)
		completed := elapsed.Seconds() / loopTime
		switch {
		case c.Duration > 0 && elapsed >= c.Duration:
			return succeedData(fmt.Sprintf("orbited for %.1f s", elapsed.Seconds()),
				map[string]interface{}{"loops": completed})
		case c.Loops > 0 && completed >= float64(c.Loops):
			return succeedData(fmt.Sprintf("completed %.1f loops", completed),
				map[string]interface{}{"loops": completed})
		}
	}
}
