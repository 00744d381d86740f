package commands

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/state"
)

const (
	// takeoffFraction of the target altitude counts as converged.
	takeoffFraction = 0.9
	// takeoffGrace is how long to wait before accepting "measurably airborne
	// in a flying state" as a soft success.
	takeoffGrace = 10 * time.Second
	// airborneFloor is the minimum relative altitude for the soft success.
	airborneFloor = 1.0
)

// Takeoff arms the vehicle if needed and climbs to the requested altitude
// above the arm point.
type Takeoff struct {
	Altitude float64
	Fraction float64
	Grace    time.Duration
	Interval time.Duration
}

func newTakeoff(p catalog.Params) (Command, error) {
	return &Takeoff{
		Altitude: p.Float("altitude"),
		Fraction: takeoffFraction,
		Grace:    takeoffGrace,
		Interval: pollInterval,
	}, nil
}

func (c *Takeoff) Name() string { return "takeoff" }

func (c *Takeoff) Run(ctx context.Context, b backend.Backend) Result {
	if b.State().Airborne() {
		return succeed("already airborne")
	}

	if !b.Armed() {
		if err := b.HoldPosition(ctx); err != nil {
			log.Printf("takeoff: pre-arm hold failed: %v", err)
		}
		if err := b.Arm(ctx); err != nil {
			return failErr(TagBackend, errors.Wrap(err, "arming"))
		}
	}

	if err := b.Takeoff(ctx, c.Altitude); err != nil {
		return failErr(TagBackend, err)
	}

	began := time.Now()
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			res := ctxResult(ctx)
			if alt := b.Telemetry().Position.AltRel; alt >= airborneFloor {
				res.Message = fmt.Sprintf("reached %.1f m of %.1f m requested", alt, c.Altitude)
			}
			return res
		case <-ticker.C:
		}

		tele := b.Telemetry()
		alt := tele.Position.AltRel
		if alt >= c.Fraction*c.Altitude {
			return succeedData(fmt.Sprintf("reached %.1f m of %.1f m requested", alt, c.Altitude),
				map[string]interface{}{"altitude": alt})
		}
		if time.Since(began) >= c.Grace && alt >= airborneFloor && tele.State == state.Flying {
			return succeedData(fmt.Sprintf("airborne at %.1f m, target was %.1f m", alt, c.Altitude),
				map[string]interface{}{"altitude": alt})
		}
	}
}
