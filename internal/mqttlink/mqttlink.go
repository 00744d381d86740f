// Package mqttlink carries the engine's external interface over an MQTT
// broker: command sequences arrive on the device's command topic, telemetry
// and command outcomes are published as device events.
package mqttlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	uuid "github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/engine"
	"github.com/uavforge/commandlink/internal/telemetry"
)

const (
	qos    = 1
	retain = false

	telemetryInterval = 100 * time.Millisecond
)

// controlCommand is the envelope of every message on the control subtopic.
type controlCommand struct {
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type commandSequence struct {
	Commands []catalog.Request `json:"commands"`
}

type queuedEvent struct {
	MessageID    string    `json:"message_id"`
	ExecutionIDs []string  `json:"execution_ids"`
	Timestamp    time.Time `json:"timestamp"`
}

type rejectedEvent struct {
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type completionEvent struct {
	MessageID string           `json:"message_id"`
	Execution engine.Execution `json:"execution"`
	Timestamp time.Time        `json:"timestamp"`
}

type telemetryEvent struct {
	MessageID string `json:"message_id"`
	telemetry.Telemetry
}

type deviceState struct {
	StartedAt time.Time `json:"started_at"`
	VehicleID string    `json:"vehicle_id"`
}

// Link bridges one device's engine and telemetry to the broker.
type Link struct {
	client   mqtt.Client
	engine   *engine.Engine
	poller   *telemetry.Poller
	deviceID string
}

// New returns an unstarted link for the given device id.
func New(client mqtt.Client, eng *engine.Engine, poller *telemetry.Poller, deviceID string) *Link {
	return &Link{client: client, engine: eng, poller: poller, deviceID: deviceID}
}

// Start subscribes to the command topic and launches the publisher
// goroutines.
func (l *Link) Start(ctx context.Context, wg *sync.WaitGroup) error {
	controlCommands := make(chan []byte)

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.handleControlCommands(ctx, controlCommands)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.publishTelemetry(ctx)
	}()

	log.Printf("mqttlink: subscribing to commands")
	commandTopic := fmt.Sprintf("/devices/%s/commands/", l.deviceID)
	token := l.client.Subscribe(fmt.Sprintf("%v#", commandTopic), 0, func(client mqtt.Client, msg mqtt.Message) {
		subfolder := strings.TrimPrefix(msg.Topic(), commandTopic)
		switch subfolder {
		case "control":
			select {
			case controlCommands <- msg.Payload():
			case <-ctx.Done():
			}
		default:
			log.Printf("mqttlink: unknown command subfolder: %v", subfolder)
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "subscribing to commands")
	}

	l.publishDeviceState()
	return nil
}

// RecordExecution publishes a completion event for every finished execution,
// so the link can sit in the engine's recorder chain.
func (l *Link) RecordExecution(exec engine.Execution) {
	event := completionEvent{
		MessageID: uuid.New().String(),
		Execution: exec,
		Timestamp: time.Now().UTC(),
	}
	b, _ := json.Marshal(event)
	topic := fmt.Sprintf("/devices/%s/events/command-completion", l.deviceID)
	l.client.Publish(topic, qos, retain, b)
}

func (l *Link) handleControlCommands(ctx context.Context, commands <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-commands:
			l.handleControlCommand(ctx, payload)
		}
	}
}

func (l *Link) handleControlCommand(ctx context.Context, payload []byte) {
	var cmd controlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("mqttlink: could not unmarshal command: %v", err)
		return
	}

	switch cmd.Command {
	case "fly":
		l.enqueueSequence(cmd.Payload)
	case "emergency_stop":
		// Bypasses the queue entirely.
		log.Printf("mqttlink: emergency stop command")
		if err := l.engine.EmergencyStop(ctx); err != nil {
			log.Printf("mqttlink: emergency stop failed: %v", err)
		}
	case "status":
		l.publishStatus()
	default:
		log.Printf("mqttlink: unknown command: %v", cmd.Command)
	}
}

func (l *Link) enqueueSequence(payload []byte) {
	var seq commandSequence
	if err := json.Unmarshal(payload, &seq); err != nil {
		log.Printf("mqttlink: could not unmarshal sequence: %v", err)
		return
	}

	ids, err := l.engine.Enqueue(seq.Commands)
	if err != nil {
		log.Printf("mqttlink: sequence rejected: %v", err)
		event := rejectedEvent{
			MessageID: uuid.New().String(),
			Reason:    err.Error(),
			Timestamp: time.Now().UTC(),
		}
		b, _ := json.Marshal(event)
		topic := fmt.Sprintf("/devices/%s/events/command-rejected", l.deviceID)
		l.client.Publish(topic, qos, retain, b)
		return
	}

	event := queuedEvent{
		MessageID:    uuid.New().String(),
		ExecutionIDs: ids,
		Timestamp:    time.Now().UTC(),
	}
	b, _ := json.Marshal(event)
	topic := fmt.Sprintf("/devices/%s/events/command-queued", l.deviceID)
	l.client.Publish(topic, qos, retain, b)
}

func (l *Link) publishStatus() {
	b, _ := json.Marshal(l.engine.Status())
	topic := fmt.Sprintf("/devices/%s/events/status", l.deviceID)
	l.client.Publish(topic, qos, retain, b)
}

// publishTelemetry sends the latest snapshot ten times a second, skipping
// rounds where the poller has produced nothing new.
func (l *Link) publishTelemetry(ctx context.Context) {
	topic := fmt.Sprintf("/devices/%s/events/telemetry", l.deviceID)
	var lastSent time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(telemetryInterval):
			snapshot := l.poller.Snapshot()
			if snapshot.Timestamp.IsZero() || !snapshot.Timestamp.After(lastSent) {
				break
			}
			lastSent = snapshot.Timestamp
			event := telemetryEvent{MessageID: uuid.New().String(), Telemetry: snapshot}
			b, _ := json.Marshal(event)
			l.client.Publish(topic, qos, retain, b)
		}
	}
}

func (l *Link) publishDeviceState() {
	msg := deviceState{
		StartedAt: time.Now().UTC(),
		VehicleID: l.deviceID,
	}
	b, _ := json.Marshal(msg)
	topic := fmt.Sprintf("/devices/%s/state", l.deviceID)
	l.client.Publish(topic, qos, retain, b)
}
