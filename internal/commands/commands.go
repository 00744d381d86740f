// Package commands holds the executable implementations behind the catalog's
// command names. Each command is a bounded operation against the backend
// contract with its own completion-detection loop. Outcomes are reported as
// explicit results; panics are reserved for programming errors.
package commands

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
)

// pollInterval is the default cadence of the completion-detection loops.
const pollInterval = 500 * time.Millisecond

// Machine-readable error tags carried in failed results next to the
// human-readable message.
const (
	TagBackend      = "backend"
	TagTimeout      = "timeout"
	TagCancelled    = "cancelled"
	TagNoMovement   = "no_movement"
	TagDisconnected = "disconnected"
	TagAborted      = "aborted"
	TagValidation   = "validation"
)

// Result is the outcome of one command attempt.
type Result struct {
	Success  bool                   `json:"success"`
	Message  string                 `json:"message"`
	ErrorTag string                 `json:"error,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Duration time.Duration          `json:"duration,omitempty"`
}

func succeed(msg string) Result {
	return Result{Success: true, Message: msg}
}

func succeedData(msg string, data map[string]interface{}) Result {
	return Result{Success: true, Message: msg, Data: data}
}

func fail(tag, msg string) Result {
	return Result{Message: msg, ErrorTag: tag}
}

func failErr(tag string, err error) Result {
	return Result{Message: err.Error(), ErrorTag: tag}
}

// ctxResult maps a finished context to a timeout or cancelled result.
func ctxResult(ctx context.Context) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fail(TagTimeout, "timed out")
	}
	return fail(TagCancelled, "cancelled")
}

// Command is one executable vehicle operation. Run blocks until the operation
// completes, fails, times out or the context is cancelled; every outcome is a
// Result, cancellation included.
type Command interface {
	Name() string
	Run(ctx context.Context, b backend.Backend) Result
}

// Factory builds a fresh command instance from validated parameters. The
// engine calls it once per attempt so no state leaks between retries.
type Factory func(p catalog.Params) (Command, error)

// Factories returns the command-name to constructor table.
func Factories() map[string]Factory {
	return map[string]Factory{
		"takeoff":  newTakeoff,
		"land":     newLand,
		"rtl":      newRTL,
		"wait":     newWait,
		"hold":     newHold,
		"arm":      newArm,
		"disarm":   newDisarm,
		"set_mode": newSetMode,
		"goto":     newGoto,
		"orbit":    newOrbit,
	}
}

// CheckCatalog verifies the factory table and the catalog name exactly the
// same commands, so a mismatch surfaces at startup rather than on first use.
func CheckCatalog(factories map[string]Factory, cat *catalog.Catalog) error {
	for _, name := range cat.Names() {
		if _, ok := factories[name]; !ok {
			return errors.Errorf("catalog command %q has no implementation", name)
		}
	}
	for name := range factories {
		if _, ok := cat.Spec(name); !ok {
			return errors.Errorf("implementation %q has no catalog entry", name)
		}
	}
	return nil
}

// pollUntil runs cond at the given interval until it reports done or the
// context finishes.
func pollUntil(ctx context.Context, interval time.Duration, cond func() (Result, bool)) Result {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctxResult(ctx)
		case <-ticker.C:
		}
		if res, done := cond(); done {
			return res
		}
	}
}
