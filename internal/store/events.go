package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

// EventCursor marks a position in the (timestamp, id) event ordering
// for keyset pagination of the raw event feed.
type EventCursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

func EncodeEventCursor(c EventCursor) string {
	s := fmt.Sprintf("%s|%s", c.Timestamp.UTC().Format(time.RFC3339Nano), c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func DecodeEventCursor(v string) (*EventCursor, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, err
	}
	return &EventCursor{Timestamp: ts, ID: id}, nil
}

type EventPage struct {
	Events     []TrayEvent `json:"events"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// ListEventsPage pages through one snapshot's event history, newest
// first by default (the display ordering; analytics uses ListEventsAsc
// instead).
func (r *Repo) ListEventsPage(ctx context.Context, trayStatusID uuid.UUID, from, to time.Time, limit int, cursor *EventCursor, desc bool) (EventPage, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "tray_status_id"}, Value: trayStatusID},
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "timestamp"}, Value: from})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "timestamp"}, Value: to})
	}
	if cursor != nil {
		if desc {
			exprs = append(exprs, clause.Or(
				clause.Lt{Column: clause.Column{Name: "timestamp"}, Value: cursor.Timestamp},
				clause.And(
					clause.Eq{Column: clause.Column{Name: "timestamp"}, Value: cursor.Timestamp},
					clause.Lt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
				),
			))
		} else {
			exprs = append(exprs, clause.Or(
				clause.Gt{Column: clause.Column{Name: "timestamp"}, Value: cursor.Timestamp},
				clause.And(
					clause.Eq{Column: clause.Column{Name: "timestamp"}, Value: cursor.Timestamp},
					clause.Gt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
				),
			))
		}
	}

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "timestamp"}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}

	var rows []TrayEvent
	q := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1)
	if err := q.Find(&rows).Error; err != nil {
		return EventPage{}, err
	}

	var next *EventCursor
	if len(rows) > limit {
		last := rows[limit-1]
		next = &EventCursor{Timestamp: last.Timestamp, ID: last.ID}
		rows = rows[:limit]
	}

	out := EventPage{Events: rows}
	if next != nil {
		out.NextCursor = EncodeEventCursor(*next)
	}
	return out, nil
}
