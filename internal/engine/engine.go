// Package engine executes command sequences against a vehicle backend: one
// consumer goroutine pulls sequences from a queue and drives each command
// with per-command retry, failsafe escalation on critical failure and an
// execution history for inspection.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/commands"
	"github.com/uavforge/commandlink/internal/state"
)

// Status of one command execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TagFailsafeFailed marks the terminal outcome of a critical failure whose
// configured failsafe action itself failed.
const TagFailsafeFailed = "failsafe_failed"

// TagFault marks an attempt that ended in an unexpected fault rather than a
// normal result.
const TagFault = "fault"

// Execution is the engine's record of one enqueued command.
type Execution struct {
	ID       string          `json:"id"`
	Request  catalog.Request `json:"request"`
	Status   Status          `json:"status"`
	Result   commands.Result `json:"result"`
	Attempts int             `json:"attempts"`

	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	params catalog.Params
}

// Recorder receives finished executions, for persistence.
type Recorder interface {
	RecordExecution(Execution)
}

// EngineStatus is the snapshot served to status queries.
type EngineStatus struct {
	State      state.DroneState `json:"state"`
	Current    *Execution       `json:"current,omitempty"`
	QueueDepth int              `json:"queue_depth"`
}

type sequence struct {
	ids []string
}

// Engine owns the command queue and the execution history. At most one
// sequence executes at a time per vehicle connection.
type Engine struct {
	cat       *catalog.Catalog
	factories map[string]commands.Factory
	backend   backend.Backend
	recorder  Recorder

	queue chan sequence

	mu        sync.Mutex
	history   map[string]*Execution
	current   string
	halted    bool
	idCounter int64
	cancelRun context.CancelFunc
}

// New builds an engine over the given catalog, factory table and backend.
// The factory table is checked exhaustively against the catalog here, so a
// name mismatch fails startup instead of the first request.
func New(cat *catalog.Catalog, factories map[string]commands.Factory, b backend.Backend, rec Recorder) (*Engine, error) {
	if err := commands.CheckCatalog(factories, cat); err != nil {
		return nil, err
	}
	return &Engine{
		cat:       cat,
		factories: factories,
		backend:   b,
		recorder:  rec,
		queue:     make(chan sequence, 16),
		history:   make(map[string]*Execution),
	}, nil
}

// Start launches the consumer goroutine.
func (e *Engine) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consume(ctx)
	}()
}

// Enqueue validates a command sequence and queues it for execution. The whole
// sequence is rejected if any request fails validation; on success the
// execution ids are returned immediately and completion is reported through
// the history.
func (e *Engine) Enqueue(reqs []catalog.Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, errors.New("empty command sequence")
	}

	execs := make([]*Execution, 0, len(reqs))
	for _, req := range reqs {
		params, err := e.cat.Validate(req.Name, req.Params)
		if err != nil {
			return nil, err
		}
		execs = append(execs, &Execution{
			ID:      e.nextID(),
			Request: req,
			Status:  StatusPending,
			params:  params,
		})
	}

	ids := make([]string, len(execs))
	e.mu.Lock()
	for i, exec := range execs {
		e.history[exec.ID] = exec
		ids[i] = exec.ID
	}
	e.mu.Unlock()

	select {
	case e.queue <- sequence{ids: ids}:
	default:
		e.mu.Lock()
		for _, id := range ids {
			e.history[id].Status = StatusCancelled
		}
		e.mu.Unlock()
		return nil, errors.New("command queue full")
	}

	log.Printf("engine: enqueued sequence of %d command(s)", len(ids))
	return ids, nil
}

// Execution returns a copy of the history entry for an id.
func (e *Engine) Execution(id string) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.history[id]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// Status returns the engine snapshot: vehicle state, the running execution if
// any, and the number of queued sequences.
func (e *Engine) Status() EngineStatus {
	st := EngineStatus{
		State:      e.backend.State(),
		QueueDepth: len(e.queue),
	}
	e.mu.Lock()
	if exec, ok := e.history[e.current]; ok && exec.Status == StatusRunning {
		copied := *exec
		st.Current = &copied
	}
	e.mu.Unlock()
	return st
}

// EmergencyStop cancels the running command and stops the vehicle, bypassing
// the queue entirely.
func (e *Engine) EmergencyStop(ctx context.Context) error {
	e.mu.Lock()
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.mu.Unlock()
	log.Printf("engine: emergency stop requested")
	return e.backend.EmergencyStop(ctx)
}

func (e *Engine) nextID() string {
	e.mu.Lock()
	e.idCounter++
	n := e.idCounter
	e.mu.Unlock()
	return fmt.Sprintf("%d-%04d", time.Now().UnixNano(), n)
}

func (e *Engine) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case seq := <-e.queue:
			if e.refusing() {
				log.Printf("engine: dropping sequence, halted until emergency is cleared")
				e.cancelSequence(seq.ids, 0)
				continue
			}
			e.runSequence(ctx, seq)
		}
	}
}

// refusing reports whether the engine is halted after a double failure. The
// halt releases once an explicit disarm has cleared the emergency state.
func (e *Engine) refusing() bool {
	e.mu.Lock()
	halted := e.halted
	e.mu.Unlock()
	if !halted {
		return false
	}
	if e.backend.State() == state.Emergency {
		return true
	}
	e.mu.Lock()
	e.halted = false
	e.mu.Unlock()
	return false
}

func (e *Engine) runSequence(ctx context.Context, seq sequence) {
	for i, id := range seq.ids {
		e.mu.Lock()
		exec := e.history[id]
		spec, _ := e.cat.Spec(exec.Request.Name)
		e.mu.Unlock()

		res := e.runCommand(ctx, exec, spec)
		if res.Success {
			continue
		}
		if res.ErrorTag == commands.TagCancelled {
			e.cancelSequence(seq.ids, i+1)
			return
		}

		if res.ErrorTag == TagFault {
			// Unknown failure shapes are assumed unsafe regardless of the
			// command's declared criticality.
			log.Printf("engine: %s faulted, landing and aborting sequence", exec.Request.Name)
			e.escalate(ctx, exec, catalog.FailsafeLand)
			e.cancelSequence(seq.ids, i+1)
			return
		}

		if res.ErrorTag == commands.TagTimeout && spec.TimeoutBehavior == catalog.TimeoutContinue {
			log.Printf("engine: %s timed out, continuing sequence per timeout behavior", exec.Request.Name)
			continue
		}

		if !spec.Critical {
			log.Printf("engine: %s failed (%s), continuing sequence", exec.Request.Name, res.Message)
			continue
		}

		log.Printf("engine: critical %s failed (%s), failsafe %q", exec.Request.Name, res.Message, spec.Failsafe)
		if spec.Failsafe != catalog.FailsafeNone {
			e.escalate(ctx, exec, spec.Failsafe)
		}
		e.cancelSequence(seq.ids, i+1)
		return
	}
}

// escalate runs one failsafe action, not retried. A failsafe that itself
// fails is the terminal double-failure outcome: the execution is marked, one
// emergency stop is attempted and the engine halts until the emergency state
// is cleared by a disarm.
func (e *Engine) escalate(ctx context.Context, exec *Execution, action string) {
	var err error
	switch action {
	case catalog.FailsafeLand:
		err = e.backend.Land(ctx)
	case catalog.FailsafeRTL:
		err = e.backend.ReturnToLaunch(ctx)
	case catalog.FailsafeEmergencyStop:
		err = e.backend.EmergencyStop(ctx)
	default:
		err = errors.Errorf("unknown failsafe action %q", action)
	}
	if err == nil {
		return
	}

	log.Printf("engine: failsafe %q failed: %v", action, err)
	e.mu.Lock()
	exec.Result.ErrorTag = TagFailsafeFailed
	exec.Result.Message = fmt.Sprintf("%s; failsafe %s failed: %v", exec.Result.Message, action, err)
	e.halted = true
	e.mu.Unlock()

	if stopErr := e.backend.EmergencyStop(ctx); stopErr != nil {
		log.Printf("engine: emergency stop failed: %v", stopErr)
	}
	if e.recorder != nil {
		e.recorder.RecordExecution(*exec)
	}
}

// runCommand drives one execution through its retry budget. Every attempt
// constructs a fresh command instance so no state carries over.
func (e *Engine) runCommand(ctx context.Context, exec *Execution, spec *catalog.CommandSpec) commands.Result {
	e.mu.Lock()
	exec.Status = StatusRunning
	exec.StartedAt = time.Now()
	e.current = exec.ID
	e.mu.Unlock()

	var res commands.Result
	attempts := spec.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		e.mu.Lock()
		exec.Attempts = attempt
		e.mu.Unlock()

		res = e.attempt(ctx, exec, spec)
		if res.Success ||
			res.ErrorTag == commands.TagCancelled ||
			res.ErrorTag == commands.TagValidation {
			break
		}
		if res.ErrorTag == commands.TagTimeout && spec.TimeoutBehavior == catalog.TimeoutContinue {
			// The timeout already consumed the command's whole time budget.
			break
		}
		if attempt < attempts {
			log.Printf("engine: %s attempt %d/%d failed: %s", exec.Request.Name, attempt, attempts, res.Message)
		}
	}

	e.mu.Lock()
	exec.EndedAt = time.Now()
	res.Duration = exec.EndedAt.Sub(exec.StartedAt)
	exec.Result = res
	switch {
	case res.Success:
		exec.Status = StatusSucceeded
	case res.ErrorTag == commands.TagCancelled:
		exec.Status = StatusCancelled
	default:
		exec.Status = StatusFailed
	}
	recorded := *exec
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.RecordExecution(recorded)
	}
	return res
}

// attempt runs one fresh command instance. Panics are converted into failed
// fault results; they must never take down the consumer.
func (e *Engine) attempt(ctx context.Context, exec *Execution, spec *catalog.CommandSpec) (res commands.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: %s attempt panicked: %v", exec.Request.Name, r)
			res = commands.Result{Message: fmt.Sprintf("unexpected fault: %v", r), ErrorTag: TagFault}
		}
	}()

	factory := e.factories[exec.Request.Name]
	cmd, err := factory(exec.params)
	if err != nil {
		return commands.Result{Message: err.Error(), ErrorTag: commands.TagValidation}
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if spec.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds*float64(time.Second)))
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.mu.Lock()
	e.cancelRun = cancel
	e.mu.Unlock()

	return cmd.Run(runCtx, e.backend)
}

// cancelSequence marks the not-yet-run tail of a sequence cancelled.
func (e *Engine) cancelSequence(ids []string, from int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids[from:] {
		exec := e.history[id]
		if exec.Status == StatusPending {
			exec.Status = StatusCancelled
		}
	}
}
