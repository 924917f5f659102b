/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process event bus to NATS so external
// consumers (UI shells, dashboards) can follow playback events without
// holding an HTTP connection.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/events"
)

// subjectPrefix namespaces all published subjects.
const subjectPrefix = "adamp.events."

// bridgedTypes are the event types mirrored to NATS. Spectrum frames are
// excluded: at frame rate they would swamp the broker for no consumer
// benefit.
var bridgedTypes = []events.EventType{
	events.EventPlaybackState,
	events.EventPlaybackTrack,
	events.EventConnectionState,
	events.EventMetadataTitle,
	events.EventScrobbleSent,
	events.EventScrobbleFailed,
	events.EventDeviceChanged,
}

// message is the JSON envelope published per event.
type message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// Bridge mirrors bus events onto NATS subjects.
type Bridge struct {
	conn   *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger
	nodeID string
}

// NewBridge connects to NATS. Connection failures return an error; the
// caller decides whether external publishing is mandatory.
func NewBridge(url string, bus *events.Bus, logger zerolog.Logger) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	hostname, _ := os.Hostname()
	return &Bridge{
		conn:   conn,
		bus:    bus,
		logger: logger.With().Str("component", "eventbus").Logger(),
		nodeID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
	}, nil
}

// Run subscribes to the bridged event types and republishes until the
// context ends. Publish failures are logged and dropped; the local bus is
// the source of truth.
func (b *Bridge) Run(ctx context.Context) {
	subs := make([]events.Subscriber, 0, len(bridgedTypes))
	for _, eventType := range bridgedTypes {
		subs = append(subs, b.bus.Subscribe(eventType))
	}
	defer func() {
		for i, eventType := range bridgedTypes {
			b.bus.Unsubscribe(eventType, subs[i])
		}
	}()

	b.logger.Info().Str("node", b.nodeID).Msg("event bridge running")
	for {
		idle := true
		for i, sub := range subs {
			select {
			case payload := <-sub:
				b.publish(bridgedTypes[i], payload)
				idle = false
			default:
			}
		}
		if idle {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

func (b *Bridge) publish(eventType events.EventType, payload events.Payload) {
	data, err := json.Marshal(message{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    b.nodeID,
		MessageID: uuid.NewString(),
	})
	if err != nil {
		b.logger.Error().Err(err).Str("type", string(eventType)).Msg("marshal event failed")
		return
	}
	if err := b.conn.Publish(subjectPrefix+string(eventType), data); err != nil {
		b.logger.Warn().Err(err).Str("type", string(eventType)).Msg("nats publish failed")
	}
}

// Close drains the connection.
func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Drain()
	}
}
