package engine

import "sync"

// Fanout distributes finished executions to every recorder added at wiring
// time. It lets the flight log and the cloud link both observe outcomes
// without the engine knowing either.
type Fanout struct {
	mu   sync.Mutex
	recs []Recorder
}

// Add appends a recorder to the chain.
func (f *Fanout) Add(r Recorder) {
	f.mu.Lock()
	f.recs = append(f.recs, r)
	f.mu.Unlock()
}

// RecordExecution forwards the execution to every recorder.
func (f *Fanout) RecordExecution(e Execution) {
	f.mu.Lock()
	recs := make([]Recorder, len(f.recs))
	copy(recs, f.recs)
	f.mu.Unlock()
	for _, r := range recs {
		r.RecordExecution(e)
	}
}
