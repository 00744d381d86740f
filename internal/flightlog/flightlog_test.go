package flightlog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/commands"
	"github.com/uavforge/commandlink/internal/engine"
	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

// movingSource reports a vehicle climbing a metre per poll.
type movingSource struct {
	mu  sync.Mutex
	alt float64
}

func (s *movingSource) Telemetry() telemetry.Telemetry {
	s.mu.Lock()
	s.alt++
	alt := s.alt
	s.mu.Unlock()
	return telemetry.Telemetry{
		VehicleID: "d1",
		State:     state.Flying,
		Armed:     true,
		Mode:      "position",
		Connected: true,
		Position: telemetry.Position{
			Lat: 47.397742, Lon: 8.545594, AltRel: alt, AltMSL: 488 + alt,
			Down: -alt, HasGlobal: true, HasLocal: true,
		},
		Battery: telemetry.Battery{Voltage: 15.8, Remaining: 87},
	}
}

func openLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "flight.db"), "d1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpenStartsFreshSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.db")

	first, err := Open(path, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.SessionID())
	require.NoError(t, first.Close())

	second, err := Open(path, "d1")
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, int64(2), second.SessionID())
}

func TestRecordExecutionPersistsOutcome(t *testing.T) {
	l := openLog(t)

	started := time.Now().UTC()
	l.RecordExecution(engine.Execution{
		ID:      "1700000000-0001",
		Request: catalog.Request{Name: "takeoff", Params: map[string]interface{}{"altitude": 10.0}},
		Status:  engine.StatusSucceeded,
		Result: commands.Result{
			Success:  true,
			Message:  "reached 9.2 m of 10.0 m requested",
			Duration: 12 * time.Second,
		},
		Attempts:  1,
		StartedAt: started,
		EndedAt:   started.Add(12 * time.Second),
	})
	l.RecordExecution(engine.Execution{
		ID:       "1700000000-0002",
		Request:  catalog.Request{Name: "goto"},
		Status:   engine.StatusFailed,
		Result:   commands.Result{Message: "no movement detected", ErrorTag: commands.TagNoMovement},
		Attempts: 3,
	})

	records, err := l.Commands()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "takeoff", records[0].Command)
	assert.Equal(t, string(engine.StatusSucceeded), records[0].Status)
	assert.True(t, records[0].Success)
	assert.Equal(t, "reached 9.2 m of 10.0 m requested", records[0].Message)

	assert.Equal(t, "goto", records[1].Command)
	assert.False(t, records[1].Success)
	assert.Equal(t, commands.TagNoMovement, records[1].ErrorTag)
	assert.Equal(t, 3, records[1].Attempts)
}

func TestTrackSamplerWritesFreshPoints(t *testing.T) {
	l := openLog(t)
	l.SetSampleInterval(10 * time.Millisecond)

	poller := telemetry.NewPoller(&movingSource{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	poller.Start(ctx, &wg)
	l.Start(ctx, &wg, poller)

	assert.Eventually(t, func() bool {
		n, err := l.TrackPointCount()
		return err == nil && n >= 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestTrackSamplerSkipsStaleSnapshots(t *testing.T) {
	l := openLog(t)
	l.SetSampleInterval(5 * time.Millisecond)

	// A slow poller produces one snapshot per 200 ms; the sampler must not
	// duplicate it in between.
	poller := telemetry.NewPoller(&movingSource{}, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	poller.Start(ctx, &wg)
	l.Start(ctx, &wg, poller)

	time.Sleep(300 * time.Millisecond)
	cancel()
	wg.Wait()

	n, err := l.TrackPointCount()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 3)
}

func TestCloseIsIdempotent(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "flight.db"), "d1")
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
