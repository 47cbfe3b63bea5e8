package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusOn  = "on"
	StatusOff = "off"
)

// TrayStatus is the latest known position and state of one tray as
// seen on one topic. A tray heard on several topics has one row per
// topic; live views dedupe to the freshest row.
type TrayStatus struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TrayID        string         `gorm:"size:64;uniqueIndex:idx_tray_topic,priority:1" json:"tray_id"`
	Topic         string         `gorm:"size:255;uniqueIndex:idx_tray_topic,priority:2" json:"topic"`
	LocationLabel string         `gorm:"size:255" json:"location_label"`
	Latitude      *float64       `json:"latitude"`
	Longitude     *float64       `json:"longitude"`
	IsActive      bool           `json:"is_active"`
	ActivatedAt   *time.Time     `json:"activated_at"`
	DeactivatedAt *time.Time     `json:"deactivated_at"`
	LastPayload   datatypes.JSON `gorm:"type:jsonb" json:"last_payload"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// UniqueKey identifies the (topic, tray) pair in UI-facing payloads.
func (t TrayStatus) UniqueKey() string {
	topic := t.Topic
	if topic == "" {
		topic = "global"
	}
	return topic + "::" + t.TrayID
}

// TrayEvent is one ingested state transition. Rows are append-only:
// duplicates from at-least-once delivery are kept and left to the
// reporting layer.
type TrayEvent struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TrayStatusID uuid.UUID      `gorm:"type:uuid;index:idx_event_tray_ts,priority:1" json:"tray_status_id"`
	Status       string         `gorm:"size:3" json:"status"`
	Timestamp    time.Time      `gorm:"index:idx_event_tray_ts,priority:2" json:"timestamp"`
	Topic        string         `gorm:"size:255" json:"topic"`
	Payload      datatypes.JSON `gorm:"type:jsonb" json:"payload"`
}
