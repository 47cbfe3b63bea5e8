package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrValidation marks malformed caller-supplied data (missing tray id
// and the like). Surfaced synchronously, never swallowed.
var ErrValidation = errors.New("validation failed")

type Repo struct {
	db *gorm.DB

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&TrayStatus{}, &TrayEvent{}); err != nil {
		return nil, err
	}
	return &Repo{db: db, keys: map[string]*sync.Mutex{}}, nil
}

// RecordInput carries one reconcile call. Nil coordinate / empty label
// values mean "unknown", not "erase": existing snapshot values stick.
type RecordInput struct {
	TrayID        string
	Topic         string
	LocationLabel string
	Latitude      *float64
	Longitude     *float64
	IsActive      bool
	Payload       map[string]any
	EventTime     time.Time
}

// RecordTrayState is the sole mutation path for tray state: it
// get-or-creates the (tray, topic) snapshot, applies the sticky-field
// update rules, refreshes the activation timestamp matching IsActive,
// and appends one immutable event row — even when nothing changed, so
// duplicate deliveries stay visible in history.
//
// The read-modify-write is serialized per (tray, topic) key; the
// listener and the config publisher share this process, so an
// in-process keyed lock around the transaction is sufficient.
func (r *Repo) RecordTrayState(ctx context.Context, in RecordInput) (*TrayStatus, error) {
	if in.TrayID == "" {
		return nil, fmt.Errorf("%w: tray_id is required", ErrValidation)
	}

	eventTime := in.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not serializable: %v", ErrValidation, err)
	}

	unlock := r.lockKey(in.TrayID + "\x00" + in.Topic)
	defer unlock()

	var tray TrayStatus
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Name: "tray_id"}, Value: in.TrayID},
			clause.Eq{Column: clause.Column{Name: "topic"}, Value: in.Topic},
		}}).First(&tray).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			tray = TrayStatus{ID: uuid.New(), TrayID: in.TrayID, Topic: in.Topic}
		case err != nil:
			return err
		}

		if in.LocationLabel != "" {
			tray.LocationLabel = in.LocationLabel
		}
		if in.Latitude != nil {
			tray.Latitude = in.Latitude
		}
		if in.Longitude != nil {
			tray.Longitude = in.Longitude
		}
		tray.IsActive = in.IsActive
		if in.IsActive {
			tray.ActivatedAt = &eventTime
		} else {
			tray.DeactivatedAt = &eventTime
		}
		tray.LastPayload = datatypes.JSON(payloadJSON)
		tray.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&tray).Error; err != nil {
			return err
		}

		status := StatusOff
		if in.IsActive {
			status = StatusOn
		}
		event := TrayEvent{
			ID:           uuid.New(),
			TrayStatusID: tray.ID,
			Status:       status,
			Timestamp:    eventTime,
			Topic:        in.Topic,
			Payload:      datatypes.JSON(payloadJSON),
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, err
	}
	return &tray, nil
}

func (r *Repo) lockKey(key string) func() {
	r.mu.Lock()
	m, ok := r.keys[key]
	if !ok {
		m = &sync.Mutex{}
		r.keys[key] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// ListLiveStatus returns one snapshot per tray id, the most recently
// updated row winning when a tray spans several topics. requireLocation
// keeps only rows with both coordinates (map views).
func (r *Repo) ListLiveStatus(ctx context.Context, requireLocation bool) ([]TrayStatus, error) {
	q := r.db.WithContext(ctx).Order("updated_at DESC")
	if requireLocation {
		q = q.Where("latitude IS NOT NULL").Where("longitude IS NOT NULL")
	}
	var rows []TrayStatus
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	out := make([]TrayStatus, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.TrayID]; ok {
			continue
		}
		seen[row.TrayID] = struct{}{}
		out = append(out, row)
	}
	sortByTrayID(out)
	return out, nil
}

// ListTrays returns every snapshot row, ordered by tray id, for
// selector UIs.
func (r *Repo) ListTrays(ctx context.Context) ([]TrayStatus, error) {
	var rows []TrayStatus
	if err := r.db.WithContext(ctx).Order("tray_id ASC, topic ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FindTray resolves a selector that is either a snapshot row uuid or a
// tray id; for a tray id the most recently updated row wins. Returns
// nil when nothing matches.
func (r *Repo) FindTray(ctx context.Context, selector string) (*TrayStatus, error) {
	if id, err := uuid.Parse(selector); err == nil {
		var tray TrayStatus
		err := r.db.WithContext(ctx).First(&tray, "id = ?", id).Error
		if err == nil {
			return &tray, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var tray TrayStatus
	err := r.db.WithContext(ctx).
		Where("tray_id = ?", selector).
		Order("updated_at DESC").
		First(&tray).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tray, nil
}

// ListEventsAsc returns the events of one snapshot inside [from, to],
// oldest first, the order interval analytics consumes.
func (r *Repo) ListEventsAsc(ctx context.Context, trayStatusID uuid.UUID, from, to time.Time) ([]TrayEvent, error) {
	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "tray_status_id"}, Value: trayStatusID},
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "timestamp"}, Value: from})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "timestamp"}, Value: to})
	}
	var rows []TrayEvent
	err := r.db.WithContext(ctx).
		Clauses(clause.Where{Exprs: exprs}).
		Order("timestamp ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListTopics returns the distinct topics snapshots have been seen on.
func (r *Repo) ListTopics(ctx context.Context) ([]string, error) {
	var topics []string
	err := r.db.WithContext(ctx).
		Model(&TrayStatus{}).
		Distinct("topic").
		Order("topic ASC").
		Pluck("topic", &topics).Error
	if err != nil {
		return nil, err
	}
	return topics, nil
}

// TopicTrays lists the snapshots currently bound to one topic.
func (r *Repo) TopicTrays(ctx context.Context, topic string) ([]TrayStatus, error) {
	var rows []TrayStatus
	err := r.db.WithContext(ctx).
		Clauses(clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Name: "topic"}, Value: topic},
		}}).
		Order("tray_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LastEventForTopic returns the newest event seen on a topic, or nil.
func (r *Repo) LastEventForTopic(ctx context.Context, topic string) (*TrayEvent, error) {
	var event TrayEvent
	err := r.db.WithContext(ctx).
		Clauses(clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Name: "topic"}, Value: topic},
		}}).
		Order("timestamp DESC, id DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// PurgeTopic removes every snapshot row bound to the topic and reports
// how many went. Event history is untouched; clearing it is a separate
// deliberate action.
func (r *Repo) PurgeTopic(ctx context.Context, topic string) (int64, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Name: "topic"}, Value: topic},
		}}).
		Delete(&TrayStatus{})
	return res.RowsAffected, res.Error
}

// DeleteSnapshots drops the snapshot rows for one tray on the given
// topics. The config publisher uses it to clear stale pre-reconfig
// rows before mirroring the fresh state.
func (r *Repo) DeleteSnapshots(ctx context.Context, trayID string, topics []string) (int64, error) {
	if len(topics) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("tray_id = ?", trayID).
		Where("topic IN ?", topics).
		Delete(&TrayStatus{})
	return res.RowsAffected, res.Error
}

func sortByTrayID(rows []TrayStatus) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].TrayID < rows[j].TrayID })
}
