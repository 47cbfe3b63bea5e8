// Package publisher pushes configuration payloads to tray devices.
// Messages go out retained at QoS 1 so a dormant device replays the
// latest config when it reconnects.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tray-tracking-service/internal/mqtt"
	"tray-tracking-service/internal/topics"
)

// ErrValidation marks an unpublishable request: missing device id or
// no configured destination topics.
var ErrValidation = errors.New("validation failed")

// ConfigPayload is the outbound configuration message. Extra contains
// any additional keys to forward to the device untouched.
type ConfigPayload struct {
	PicoID        string         `json:"pico_id"`
	TrayID        string         `json:"tray_id"`
	LocationLabel string         `json:"location_label"`
	Latitude      float64        `json:"latitude"`
	Longitude     float64        `json:"longitude"`
	Extra         map[string]any `json:"-"`
}

func (p ConfigPayload) marshal() ([]byte, error) {
	out := map[string]any{}
	for k, v := range p.Extra {
		out[k] = v
	}
	out["pico_id"] = p.PicoID
	out["tray_id"] = p.TrayID
	out["location_label"] = p.LocationLabel
	out["latitude"] = p.Latitude
	out["longitude"] = p.Longitude
	return json.Marshal(out)
}

// Connection is the transport surface a publish needs; satisfied by
// *mqtt.Client and by fakes in tests.
type Connection interface {
	PublishRetained(topic string, payload []byte, ackTimeout time.Duration) error
	Close()
}

// Publisher opens its own connection per call rather than sharing the
// listener's long-lived one; a config push is a synchronous operator
// action with its own failure surface.
type Publisher struct {
	Resolver   topics.Resolver
	AckTimeout time.Duration

	// Dial opens the per-call connection. Replaceable in tests.
	Dial func() (Connection, error)
}

func New(brokerURL, clientID string, resolver topics.Resolver) *Publisher {
	return &Publisher{
		Resolver:   resolver,
		AckTimeout: 5 * time.Second,
		Dial: func() (Connection, error) {
			return mqtt.Dial(brokerURL, clientID)
		},
	}
}

// Publish sends the payload to every resolved config topic, waiting
// for broker acknowledgment per topic. It returns the resolved topic
// list so the caller can mirror and clean up local state. Transport
// failures propagate; there is no internal retry — the operator
// decides whether to try again.
func (p *Publisher) Publish(ctx context.Context, payload ConfigPayload) ([]string, error) {
	picoID := strings.TrimSpace(payload.PicoID)
	if picoID == "" {
		return nil, fmt.Errorf("%w: payload must include pico_id", ErrValidation)
	}

	resolved := p.Resolver.Resolve(picoID)
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no configuration topics available to publish to", ErrValidation)
	}

	body, err := payload.marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: payload not serializable: %v", ErrValidation, err)
	}

	conn, err := p.Dial()
	if err != nil {
		return nil, fmt.Errorf("broker connect: %w", err)
	}
	defer conn.Close()

	ackTimeout := p.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	for _, topic := range resolved {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := conn.PublishRetained(topic, body, ackTimeout); err != nil {
			return nil, err
		}
		slog.Info("tray config published", "topic", topic, "pico_id", picoID, "tray_id", payload.TrayID)
	}
	return resolved, nil
}
