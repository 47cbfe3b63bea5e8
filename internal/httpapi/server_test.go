package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tray-tracking-service/internal/publisher"
	"tray-tracking-service/internal/store"
	"tray-tracking-service/internal/topics"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeConn struct {
	published map[string][]byte
	fail      bool
}

func (c *fakeConn) PublishRetained(topic string, payload []byte, _ time.Duration) error {
	if c.fail {
		return errors.New("broker unavailable")
	}
	if c.published == nil {
		c.published = map[string][]byte{}
	}
	c.published[topic] = payload
	return nil
}

func (c *fakeConn) Close() {}

func newTestServer(t *testing.T, conn *fakeConn) (*Server, *store.Repo) {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if conn == nil {
		conn = &fakeConn{}
	}
	pub := &publisher.Publisher{
		Resolver:   topics.Resolver{ConfigTopic: "cfg/{pico_id}"},
		AckTimeout: time.Second,
		Dial:       func() (publisher.Connection, error) { return conn, nil },
	}
	return New(repo, pub, nil, "MET/hospital/sensors/{tray_id}"), repo
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rw := doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/health", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rw.Body.Bytes(), &resp)
	if resp["ok"] != true {
		t.Fatalf("expected ok=true, got %v", resp)
	}
}

func TestTraysListDedupes(t *testing.T) {
	s, repo := newTestServer(t, nil)
	ctx := context.Background()
	lat, lon := 1.0, 2.0

	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "site/a", IsActive: true})
	time.Sleep(5 * time.Millisecond)
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "site/b", IsActive: false})
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T2", Topic: "site/a", IsActive: true, Latitude: &lat, Longitude: &lon})

	rw := doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/trays", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	var resp struct {
		Trays []trayDTO `json:"trays"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Trays) != 2 {
		t.Fatalf("expected 2 deduped trays, got %d", len(resp.Trays))
	}
	if resp.Trays[0].TrayID != "T1" || resp.Trays[0].Topic != "site/b" {
		t.Fatalf("expected freshest T1 row first, got %+v", resp.Trays[0])
	}

	rw = doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/trays?with_location=true", "")
	_ = json.Unmarshal(rw.Body.Bytes(), &resp)
	if len(resp.Trays) != 1 || resp.Trays[0].TrayID != "T2" {
		t.Fatalf("expected only located tray, got %+v", resp.Trays)
	}
}

func TestTrayHistory(t *testing.T) {
	s, repo := newTestServer(t, nil)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	on := now.Add(-4 * time.Hour)
	off := now.Add(-2 * time.Hour)
	reOn := now.Add(-1 * time.Hour)
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "site/T1", IsActive: true, EventTime: on})
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "site/T1", IsActive: false, EventTime: off})
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "site/T1", IsActive: true, EventTime: reOn})

	rw := doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/trays/T1/history?range=day", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	var resp historyResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Periods) != 2 {
		t.Fatalf("expected closed + open period, got %+v", resp.Periods)
	}
	if resp.Periods[0].IsOpen || resp.Periods[0].DurationSeconds != (2 * time.Hour).Seconds() {
		t.Fatalf("unexpected closed period %+v", resp.Periods[0])
	}
	if !resp.Periods[1].IsOpen || !resp.Periods[1].End.Equal(now) {
		t.Fatalf("unexpected open period %+v", resp.Periods[1])
	}
	if resp.Stats.TotalActivations != 1 {
		t.Fatalf("open period must not count, got %d", resp.Stats.TotalActivations)
	}
	// 2h closed of a 24h window.
	if resp.Stats.UtilizationPercent < 8.3 || resp.Stats.UtilizationPercent > 8.4 {
		t.Fatalf("unexpected utilization %v", resp.Stats.UtilizationPercent)
	}
	if len(resp.Chart.Labels) != 2 || len(resp.Chart.Data) != 2 {
		t.Fatalf("chart payload incomplete: %+v", resp.Chart)
	}
}

func TestTrayHistoryUnknownTray(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rw := doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/trays/nope/history", "")
	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}

func TestTrayHistoryEmptyWindow(t *testing.T) {
	s, repo := newTestServer(t, nil)
	// Events exist but fall outside the day window.
	old := time.Now().UTC().Add(-72 * time.Hour)
	_, _ = repo.RecordTrayState(context.Background(), store.RecordInput{TrayID: "T1", Topic: "site/T1", IsActive: true, EventTime: old})

	rw := doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/trays/T1/history?range=day", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("missing data must not error, got %d", rw.Code)
	}
	var resp historyResponse
	_ = json.Unmarshal(rw.Body.Bytes(), &resp)
	if len(resp.Periods) != 0 || resp.Stats.TotalActivations != 0 {
		t.Fatalf("expected empty result, got %+v", resp)
	}
}

func TestConfigurePublishesAndMirrors(t *testing.T) {
	conn := &fakeConn{}
	s, repo := newTestServer(t, conn)
	ctx := context.Background()

	// A stale snapshot on the config topic should be cleaned up.
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "cfg/P1", IsActive: true})

	body := `{"pico_id":"P1","tray_id":"T1","location_label":"Ward 3","latitude":1.5,"longitude":2.5}`
	rw := doJSON(t, s.Handler(), http.MethodPost, "/api/tracking/configure", body)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	var resp configureResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.SentTopics) != 1 || resp.SentTopics[0] != "cfg/P1" {
		t.Fatalf("expected exactly cfg/P1, got %v", resp.SentTopics)
	}
	if resp.Warning != "" {
		t.Fatalf("unexpected warning %q", resp.Warning)
	}
	if _, ok := conn.published["cfg/P1"]; !ok {
		t.Fatalf("nothing published to cfg/P1")
	}

	// Mirror exists on the status topic, inactive, tagged as config push.
	tray, _ := repo.FindTray(ctx, "T1")
	if tray == nil || tray.Topic != "MET/hospital/sensors/T1" {
		t.Fatalf("expected mirror on status topic, got %+v", tray)
	}
	if tray.IsActive {
		t.Fatalf("config push must not read as presence")
	}
	var payload map[string]any
	_ = json.Unmarshal(tray.LastPayload, &payload)
	if payload["source"] != "configuration-push" {
		t.Fatalf("mirror payload missing source tag: %v", payload)
	}

	// Stale config-topic snapshot is gone.
	rows, _ := repo.TopicTrays(ctx, "cfg/P1")
	if len(rows) != 0 {
		t.Fatalf("stale snapshot survived: %+v", rows)
	}
}

func TestConfigureValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rw := doJSON(t, s.Handler(), http.MethodPost, "/api/tracking/configure", `{"tray_id":"T1"}`)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("missing pico_id should 400, got %d", rw.Code)
	}
	rw = doJSON(t, s.Handler(), http.MethodPost, "/api/tracking/configure", `{"pico_id":"P1"}`)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("missing tray_id should 400, got %d", rw.Code)
	}
	rw = doJSON(t, s.Handler(), http.MethodPost, "/api/tracking/configure", `not json`)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("bad body should 400, got %d", rw.Code)
	}
}

func TestConfigurePublishFailure(t *testing.T) {
	s, repo := newTestServer(t, &fakeConn{fail: true})

	body := `{"pico_id":"P1","tray_id":"T1","location_label":"x","latitude":0,"longitude":0}`
	rw := doJSON(t, s.Handler(), http.MethodPost, "/api/tracking/configure", body)
	if rw.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rw.Code)
	}

	// No mirror on failure.
	tray, _ := repo.FindTray(context.Background(), "T1")
	if tray != nil {
		t.Fatalf("failed publish must not mirror state, got %+v", tray)
	}
}

func TestTopicsListAndPurge(t *testing.T) {
	s, repo := newTestServer(t, nil)
	ctx := context.Background()

	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "site/a", IsActive: true})
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T2", Topic: "site/a", IsActive: false})
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T3", Topic: "site/b", IsActive: true})

	rw := doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/topics", "")
	var listResp struct {
		Topics []topicDTO `json:"topics"`
	}
	_ = json.Unmarshal(rw.Body.Bytes(), &listResp)
	if len(listResp.Topics) != 2 || listResp.Topics[0].TrayCount != 2 {
		t.Fatalf("unexpected topics %+v", listResp.Topics)
	}

	rw = doJSON(t, s.Handler(), http.MethodDelete, "/api/tracking/topics?topic=site/a", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var purgeResp map[string]any
	_ = json.Unmarshal(rw.Body.Bytes(), &purgeResp)
	if purgeResp["removed"] != float64(2) {
		t.Fatalf("expected 2 removed, got %v", purgeResp["removed"])
	}

	rw = doJSON(t, s.Handler(), http.MethodDelete, "/api/tracking/topics", "")
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("missing topic should 400, got %d", rw.Code)
	}
}

func TestTopicLastEvent(t *testing.T) {
	s, repo := newTestServer(t, nil)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "site/a", IsActive: true, EventTime: base})
	_, _ = repo.RecordTrayState(ctx, store.RecordInput{TrayID: "T1", Topic: "site/a", IsActive: false, EventTime: base.Add(time.Hour)})

	rw := doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/topics/last?topic=site/a", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var resp struct {
		Event  *store.TrayEvent `json:"event"`
		Cached bool             `json:"cached"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Event == nil || resp.Event.Status != store.StatusOff {
		t.Fatalf("expected newest off event, got %+v", resp.Event)
	}

	rw = doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/topics/last?topic=site/none", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("unknown topic should still 200, got %d", rw.Code)
	}
}

func TestTrayEventsPage(t *testing.T) {
	s, repo := newTestServer(t, nil)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, _ = repo.RecordTrayState(ctx, store.RecordInput{
			TrayID: "T1", Topic: "site/T1", IsActive: i%2 == 0,
			EventTime: base.Add(time.Duration(i) * time.Minute),
		})
	}

	rw := doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/trays/T1/events?limit=2", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var page store.EventPage
	if err := json.Unmarshal(rw.Body.Bytes(), &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Events) != 2 || page.NextCursor == "" {
		t.Fatalf("expected first page with cursor, got %d %q", len(page.Events), page.NextCursor)
	}
	if !page.Events[0].Timestamp.After(page.Events[1].Timestamp) {
		t.Fatalf("expected newest-first display order")
	}

	rw = doJSON(t, s.Handler(), http.MethodGet, "/api/tracking/trays/T1/events?limit=2&cursor="+page.NextCursor, "")
	page = store.EventPage{}
	_ = json.Unmarshal(rw.Body.Bytes(), &page)
	if len(page.Events) != 1 || page.NextCursor != "" {
		t.Fatalf("expected final page, got %d %q", len(page.Events), page.NextCursor)
	}
}
