package telemetry

import (
	"context"
	"sync"
	"time"
)

// Source is anything that can produce a telemetry snapshot, in practice a
// vehicle backend.
type Source interface {
	Telemetry() Telemetry
}

// Poller refreshes a cached snapshot from the source at a fixed interval.
// There is exactly one writer (the poll loop); readers take copies and never
// block it.
type Poller struct {
	source   Source
	interval time.Duration

	mu       sync.Mutex
	snapshot Telemetry
}

// NewPoller returns a poller reading from source every interval.
func NewPoller(source Source, interval time.Duration) *Poller {
	return &Poller{source: source, interval: interval}
}

// Start runs the poll loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t := p.source.Telemetry()
				t.Timestamp = time.Now().UTC()
				p.mu.Lock()
				p.snapshot = t
				p.mu.Unlock()
			}
		}
	}()
}

// Snapshot returns a point-in-time copy of the latest telemetry.
func (p *Poller) Snapshot() Telemetry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}
