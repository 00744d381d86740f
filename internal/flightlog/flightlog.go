// Package flightlog persists flight tracks and command outcomes to a local
// sqlite database, one session row per process lifetime.
package flightlog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/engine"
	"github.com/uavforge/commandlink/internal/telemetry"
)

//go:embed schema.sql
var schemaSQL string

// DefaultSampleInterval is how often a track point is written when the
// caller does not override it.
const DefaultSampleInterval = time.Second

// Log owns the database connection for one flight session.
type Log struct {
	db        *sql.DB
	sessionID int64

	sampleInterval time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Open creates or opens the database at path, applies the schema and starts
// a new session for the given vehicle.
func Open(path, vehicleID string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening flight log")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initializing schema")
	}

	res, err := db.Exec(
		`INSERT INTO sessions (vehicle_id, started_at) VALUES (?, ?)`,
		vehicleID, time.Now().UTC(),
	)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating session")
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "reading session id")
	}

	return &Log{db: db, sessionID: sessionID, sampleInterval: DefaultSampleInterval}, nil
}

// SessionID returns the id of the session this log writes to.
func (l *Log) SessionID() int64 { return l.sessionID }

// SetSampleInterval overrides the track sampling interval. Call before Start.
func (l *Log) SetSampleInterval(d time.Duration) { l.sampleInterval = d }

// Start launches the track sampler. It writes one point per fresh poller
// snapshot, skipping rounds where nothing new arrived.
func (l *Log) Start(ctx context.Context, wg *sync.WaitGroup, poller *telemetry.Poller) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		var lastWritten time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.sampleInterval):
				snapshot := poller.Snapshot()
				if snapshot.Timestamp.IsZero() || !snapshot.Timestamp.After(lastWritten) {
					break
				}
				lastWritten = snapshot.Timestamp
				if err := l.writeTrackPoint(snapshot); err != nil {
					log.Printf("flightlog: could not write track point: %v", err)
				}
			}
		}
	}()
}

func (l *Log) writeTrackPoint(t telemetry.Telemetry) error {
	var lat, lon, altMSL, altRel interface{}
	if t.Position.HasGlobal {
		lat, lon = t.Position.Lat, t.Position.Lon
		altMSL, altRel = t.Position.AltMSL, t.Position.AltRel
	}
	var north, east, down interface{}
	if t.Position.HasLocal {
		north, east, down = t.Position.North, t.Position.East, t.Position.Down
	}

	_, err := l.db.Exec(
		`INSERT INTO track (session_id, timestamp, state, mode, armed,
                    latitude, longitude, alt_msl, alt_rel,
                    north, east, down, battery_v, battery_pct)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.sessionID, t.Timestamp, string(t.State), t.Mode, t.Armed,
		lat, lon, altMSL, altRel,
		north, east, down, t.Battery.Voltage, t.Battery.Remaining,
	)
	return err
}

// RecordExecution stores the outcome of one command, so the log can sit in
// the engine's recorder chain.
func (l *Log) RecordExecution(exec engine.Execution) {
	var params interface{}
	if len(exec.Request.Params) > 0 {
		b, err := json.Marshal(exec.Request.Params)
		if err == nil {
			params = string(b)
		}
	}

	_, err := l.db.Exec(
		`INSERT INTO command_log (session_id, execution_id, command, params,
                    status, success, message, error_tag, attempts,
                    started_at, ended_at, duration_ms)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.sessionID, exec.ID, exec.Request.Name, params,
		string(exec.Status), exec.Result.Success, exec.Result.Message,
		exec.Result.ErrorTag, exec.Attempts,
		exec.StartedAt, exec.EndedAt, exec.Result.Duration.Milliseconds(),
	)
	if err != nil {
		log.Printf("flightlog: could not record execution %s: %v", exec.ID, err)
	}
}

// CommandRecord is one row of the command log.
type CommandRecord struct {
	ExecutionID string
	Command     string
	Status      string
	Success     bool
	Message     string
	ErrorTag    string
	Attempts    int
}

// Commands returns the command log of this session in execution order.
func (l *Log) Commands() ([]CommandRecord, error) {
	rows, err := l.db.Query(
		`SELECT execution_id, command, status, success, message, error_tag, attempts
         FROM command_log WHERE session_id = ? ORDER BY id`,
		l.sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying command log")
	}
	defer rows.Close()

	var records []CommandRecord
	for rows.Next() {
		var r CommandRecord
		var message, errorTag sql.NullString
		if err := rows.Scan(&r.ExecutionID, &r.Command, &r.Status, &r.Success,
			&message, &errorTag, &r.Attempts); err != nil {
			return nil, errors.Wrap(err, "scanning command record")
		}
		r.Message, r.ErrorTag = message.String, errorTag.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// TrackPointCount returns how many track points this session has written.
func (l *Log) TrackPointCount() (int, error) {
	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM track WHERE session_id = ?`, l.sessionID,
	).Scan(&n)
	return n, err
}

// Close stamps the session end and releases the database. Safe to call
// more than once.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		_, err := l.db.Exec(
			`UPDATE sessions SET ended_at = ? WHERE id = ?`,
			time.Now().UTC(), l.sessionID,
		)
		if cErr := l.db.Close(); cErr != nil && err == nil {
			err = cErr
		}
		l.closeErr = err
	})
	return l.closeErr
}
