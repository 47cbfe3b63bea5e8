package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tray-tracking-service/internal/cache"
	"tray-tracking-service/internal/history"
	"tray-tracking-service/internal/publisher"
	"tray-tracking-service/internal/store"
	"tray-tracking-service/internal/topics"

	"github.com/go-chi/chi/v5"
)

type Server struct {
	repo *store.Repo
	pub  *publisher.Publisher
	// cache is optional; nil skips the cache-first path.
	cache *cache.LastEventCache
	// statusTopicTemplate resolves the device-origin topic used for the
	// post-configuration mirror snapshot.
	statusTopicTemplate string

	now func() time.Time
}

func New(repo *store.Repo, pub *publisher.Publisher, lastEvents *cache.LastEventCache, statusTopicTemplate string) *Server {
	return &Server{
		repo:                repo,
		pub:                 pub,
		cache:               lastEvents,
		statusTopicTemplate: statusTopicTemplate,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/tracking/health", s.handleHealth)
	r.Get("/api/tracking/trays", s.handleTraysList)
	r.Get("/api/tracking/trays/{tray}/history", s.handleTrayHistory)
	r.Get("/api/tracking/trays/{tray}/events", s.handleTrayEvents)
	r.Post("/api/tracking/configure", s.handleConfigure)
	r.Get("/api/tracking/topics", s.handleTopicsList)
	r.Get("/api/tracking/topics/last", s.handleTopicLastEvent)
	r.Delete("/api/tracking/topics", s.handleTopicPurge)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type trayDTO struct {
	Key           string     `json:"key"`
	TrayID        string     `json:"tray_id"`
	Topic         string     `json:"topic"`
	LocationLabel string     `json:"location_label"`
	Latitude      *float64   `json:"latitude"`
	Longitude     *float64   `json:"longitude"`
	IsActive      bool       `json:"is_active"`
	ActivatedAt   *time.Time `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toTrayDTO(t store.TrayStatus) trayDTO {
	return trayDTO{
		Key:           t.UniqueKey(),
		TrayID:        t.TrayID,
		Topic:         t.Topic,
		LocationLabel: t.LocationLabel,
		Latitude:      t.Latitude,
		Longitude:     t.Longitude,
		IsActive:      t.IsActive,
		ActivatedAt:   t.ActivatedAt,
		DeactivatedAt: t.DeactivatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// handleTraysList serves the live status feed: one row per tray id,
// freshest topic winning. ?with_location=true keeps only mappable rows.
func (s *Server) handleTraysList(w http.ResponseWriter, r *http.Request) {
	requireLocation := strings.EqualFold(r.URL.Query().Get("with_location"), "true")
	rows, err := s.repo.ListLiveStatus(r.Context(), requireLocation)
	if err != nil {
		slog.Error("live status query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not query tray status")
		return
	}
	out := make([]trayDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, toTrayDTO(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trays": out})
}

type periodDTO struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationSeconds float64   `json:"duration_seconds"`
	IsOpen          bool      `json:"is_open"`
}

type statsDTO struct {
	TotalActivations       int     `json:"total_activations"`
	AvgDurationSeconds     float64 `json:"avg_duration_seconds"`
	LongestDurationSeconds float64 `json:"longest_duration_seconds"`
	TotalActiveSeconds     float64 `json:"total_active_seconds"`
	OpenDurationSeconds    float64 `json:"open_duration_seconds"`
	UtilizationPercent     float64 `json:"utilization_percent"`
}

type historyResponse struct {
	Snapshot   trayDTO        `json:"snapshot"`
	RangeKey   string         `json:"range"`
	RangeLabel string         `json:"range_label"`
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Periods    []periodDTO    `json:"periods"`
	Stats      statsDTO       `json:"stats"`
	Chart      chartDTO       `json:"chart"`
}

type chartDTO struct {
	Labels []string  `json:"labels"`
	Data   []float64 `json:"data"`
}

// handleTrayHistory computes activation periods and utilization for
// one tray snapshot over a fixed lookback window. Missing data is an
// empty result, never an error.
func (s *Server) handleTrayHistory(w http.ResponseWriter, r *http.Request) {
	selector := strings.TrimSpace(chi.URLParam(r, "tray"))
	tray, err := s.repo.FindTray(r.Context(), selector)
	if err != nil {
		slog.Error("tray lookup failed", "tray", selector, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query tray")
		return
	}
	if tray == nil {
		writeError(w, http.StatusNotFound, "unknown tray")
		return
	}

	window := history.Window(r.URL.Query().Get("range"))
	now := s.now()
	from := now.Add(-window.Lookback)

	events, err := s.repo.ListEventsAsc(r.Context(), tray.ID, from, now)
	if err != nil {
		slog.Error("tray history query failed", "tray", tray.TrayID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query history")
		return
	}

	periods := history.Periods(events, now, now)
	stats := history.Compute(periods, window.Lookback)

	resp := historyResponse{
		Snapshot:   toTrayDTO(*tray),
		RangeKey:   window.Key,
		RangeLabel: window.Label,
		From:       from,
		To:         now,
		Periods:    make([]periodDTO, 0, len(periods)),
		Stats: statsDTO{
			TotalActivations:       stats.TotalActivations,
			AvgDurationSeconds:     stats.AvgDuration.Seconds(),
			LongestDurationSeconds: stats.LongestDuration.Seconds(),
			TotalActiveSeconds:     stats.TotalActive.Seconds(),
			OpenDurationSeconds:    stats.OpenDuration.Seconds(),
			UtilizationPercent:     stats.UtilizationPercent,
		},
		Chart: chartDTO{Labels: []string{}, Data: []float64{}},
	}
	for _, p := range periods {
		resp.Periods = append(resp.Periods, periodDTO{
			Start:           p.Start,
			End:             p.End,
			DurationSeconds: p.Duration.Seconds(),
			IsOpen:          p.IsOpen,
		})
		resp.Chart.Labels = append(resp.Chart.Labels, p.End.Format(time.RFC3339))
		resp.Chart.Data = append(resp.Chart.Data, roundTo(p.Duration.Minutes(), 2))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTrayEvents pages through the raw event log, newest first.
func (s *Server) handleTrayEvents(w http.ResponseWriter, r *http.Request) {
	selector := strings.TrimSpace(chi.URLParam(r, "tray"))
	tray, err := s.repo.FindTray(r.Context(), selector)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not query tray")
		return
	}
	if tray == nil {
		writeError(w, http.StatusNotFound, "unknown tray")
		return
	}

	q := r.URL.Query()
	limit := 500
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	desc := !strings.EqualFold(strings.TrimSpace(q.Get("order")), "asc")
	cursor, err := store.DecodeEventCursor(q.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	page, err := s.repo.ListEventsPage(r.Context(), tray.ID, time.Time{}, time.Time{}, limit, cursor, desc)
	if err != nil {
		slog.Error("event page query failed", "tray", tray.TrayID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query events")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type configureRequest struct {
	PicoID        string  `json:"pico_id"`
	TrayID        string  `json:"tray_id"`
	LocationLabel string  `json:"location_label"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
}

type configureResponse struct {
	SentTopics    []string `json:"sent_topics"`
	TrayID        string   `json:"tray_id"`
	MirroredTopic string   `json:"mirrored_topic"`
	Warning       string   `json:"warning,omitempty"`
}

// handleConfigure pushes a device configuration and converges local
// state: stale snapshots on the targeted config topics go first, then
// the expected post-configuration state is mirrored on the tray's
// status topic, inactive (a config push is not a presence event).
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TrayID) == "" {
		writeError(w, http.StatusBadRequest, "tray_id is required")
		return
	}

	sent, err := s.pub.Publish(r.Context(), publisher.ConfigPayload{
		PicoID:        req.PicoID,
		TrayID:        req.TrayID,
		LocationLabel: req.LocationLabel,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
	})
	if err != nil {
		if errors.Is(err, publisher.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("tray config publish failed", "tray_id", req.TrayID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to send configuration: "+err.Error())
		return
	}

	resp := configureResponse{SentTopics: sent, TrayID: req.TrayID}

	// Drop stale pre-reconfiguration rows before mirroring, so ghosts
	// on the old config topics don't linger.
	if _, err := s.repo.DeleteSnapshots(r.Context(), req.TrayID, sent); err != nil {
		slog.Warn("stale snapshot cleanup failed", "tray_id", req.TrayID, "error", err)
	}

	statusTopic := topics.StatusTopic(s.statusTopicTemplate, req.TrayID)
	resp.MirroredTopic = statusTopic
	lat, lon := req.Latitude, req.Longitude
	_, err = s.repo.RecordTrayState(r.Context(), store.RecordInput{
		TrayID:        req.TrayID,
		Topic:         statusTopic,
		LocationLabel: req.LocationLabel,
		Latitude:      &lat,
		Longitude:     &lon,
		IsActive:      false,
		Payload: map[string]any{
			"pico_id":        req.PicoID,
			"tray_id":        req.TrayID,
			"location_label": req.LocationLabel,
			"latitude":       req.Latitude,
			"longitude":      req.Longitude,
			"source":         "configuration-push",
		},
	})
	if err != nil {
		// The device got its config; only the local mirror is stale.
		slog.Warn("config mirror failed", "tray_id", req.TrayID, "error", err)
		resp.Warning = "config sent but failed to store tracker snapshot locally"
	}

	writeJSON(w, http.StatusOK, resp)
}

type topicDTO struct {
	Topic     string `json:"topic"`
	TrayCount int    `json:"tray_count"`
}

func (s *Server) handleTopicsList(w http.ResponseWriter, r *http.Request) {
	names, err := s.repo.ListTopics(r.Context())
	if err != nil {
		slog.Error("topic list query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not query topics")
		return
	}
	out := make([]topicDTO, 0, len(names))
	for _, name := range names {
		trays, err := s.repo.TopicTrays(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not query topics")
			return
		}
		out = append(out, topicDTO{Topic: name, TrayCount: len(trays)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

// handleTopicLastEvent shows the newest event observed on a topic,
// cache-first when the last-event cache is wired.
func (s *Server) handleTopicLastEvent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("topic") {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	topic := q.Get("topic")

	if cached, err := s.cache.Get(r.Context(), topic); err == nil && len(cached) > 0 {
		writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "event": json.RawMessage(cached), "cached": true})
		return
	}

	event, err := s.repo.LastEventForTopic(r.Context(), topic)
	if err != nil {
		slog.Error("last event query failed", "topic", topic, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "event": event, "cached": false})
}

// handleTopicPurge removes every snapshot bound to a topic. Event
// history stays; purging it is a deliberate separate action.
func (s *Server) handleTopicPurge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("topic") {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	topic := q.Get("topic")

	removed, err := s.repo.PurgeTopic(r.Context(), topic)
	if err != nil {
		slog.Error("topic purge failed", "topic", topic, "error", err)
		writeError(w, http.StatusInternalServerError, "could not purge topic")
		return
	}
	if err := s.cache.Delete(r.Context(), topic); err != nil {
		slog.Warn("last-event cache invalidation failed", "topic", topic, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "removed": removed})
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
