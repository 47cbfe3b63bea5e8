package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"tray-tracking-service/internal/cache"
	"tray-tracking-service/internal/normalize"
	"tray-tracking-service/internal/store"
)

// Listener turns inbound tray messages into state reconciliations. It
// owns no transport: the MQTT layer calls HandleMessage for every
// delivery, and nothing here may propagate an error back into the
// transport callback — bad payloads are logged and dropped.
type Listener struct {
	Repo *store.Repo
	// Cache is optional; nil disables last-event caching.
	Cache *cache.LastEventCache
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

func (l *Listener) HandleMessage(ctx context.Context, msg MQTTMessage, receivedAt time.Time) {
	topic := msg.Topic()
	p := normalize.Parse(msg.Payload(), topic)

	if p.TrayID == "" {
		slog.Warn("tray ingest message without tray id", "topic", topic)
		return
	}
	if !p.HasStatus() {
		slog.Debug("tray ingest ignoring non-status message", "topic", topic, "tray_id", p.TrayID)
		return
	}

	eventTime := receivedAt.UTC()
	if p.Timestamp != nil {
		eventTime = *p.Timestamp
	}

	tray, err := l.Repo.RecordTrayState(ctx, store.RecordInput{
		TrayID:        p.TrayID,
		Topic:         topic, // verbatim: origin identity partitions state
		LocationLabel: p.LocationLabel,
		Latitude:      p.Latitude,
		Longitude:     p.Longitude,
		IsActive:      p.IsActive(),
		Payload:       p.Fields,
		EventTime:     eventTime,
	})
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			slog.Warn("tray ingest rejected", "topic", topic, "error", err)
			return
		}
		slog.Error("tray ingest db write failed", "topic", topic, "tray_id", p.TrayID, "error", err)
		return
	}

	l.cacheLastEvent(ctx, topic, p, receivedAt)
	slog.Debug("tray state stored", "tray_id", tray.TrayID, "topic", topic, "active", tray.IsActive)
}

func (l *Listener) cacheLastEvent(ctx context.Context, topic string, p normalize.Payload, receivedAt time.Time) {
	if l.Cache == nil {
		return
	}
	entry, err := json.Marshal(map[string]any{
		"tray_id":   p.TrayID,
		"status":    p.Status,
		"timestamp": receivedAt.UTC().Format(time.RFC3339Nano),
		"payload":   p.Fields,
	})
	if err != nil {
		return
	}
	if err := l.Cache.Set(ctx, topic, entry); err != nil {
		slog.Warn("last-event cache write failed", "topic", topic, "error", err)
	}
}
