package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlogstore/chatlog/internal/chatdb"
	"github.com/chatlogstore/chatlog/internal/chatdb/export"
	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/chatlog/conf"
	"github.com/chatlogstore/chatlog/internal/chatlog/ctx"
	"github.com/chatlogstore/chatlog/internal/model"
)

func newTestService(t *testing.T, format string) *Service {
	t.Helper()
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	observer, err := metrics.NewPrometheusObserver("chatlog", reg)
	require.NoError(t, err)

	db, err := chatdb.New(dir, format, chatdb.Options{Observer: observer})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	c := ctx.New(&conf.Config{DataDir: dir, Format: format, HTTPAddr: conf.DefaultHTTPAddr, Metrics: true})
	return NewService(c, db, reg)
}

func do(t *testing.T, s *Service, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, target, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Service) {
	t.Helper()
	entries := []appendRequest{
		{Source: "alice", LogEntry: model.LogEntry{Character: "Alice", Stream: model.ChannelStream("Frontpage", ""),
			Message: model.Message{Time: day.Add(time.Hour), Speaker: "Bob", Text: "good morning"}}},
		{Source: "alice", LogEntry: model.LogEntry{Character: "Alice", Stream: model.ChannelStream("Frontpage", ""),
			Message: model.Message{Time: day.Add(2 * time.Hour), Speaker: "Carol", Text: "morning all"}}},
		{Source: "alice", LogEntry: model.LogEntry{Character: "Alice", Stream: model.PrivateStream("Bob"),
			Message: model.Message{Time: day.Add(3 * time.Hour), Speaker: "Bob", Text: "hello"}}},
		{Source: "alice", LogEntry: model.LogEntry{Character: "Alice", Stream: model.PrivateStream("Bob"),
			Message: model.Message{Time: day.Add(26 * time.Hour), Speaker: "Alice", Text: "hi again"}}},
	}
	for _, e := range entries {
		w := do(t, s, http.MethodPost, "/api/v1/messages", e)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
}

func TestAPI(t *testing.T) {
	for _, format := range []string{msgstore.FormatBinary, msgstore.FormatRelational} {
		t.Run(format, func(t *testing.T) {
			s := newTestService(t, format)
			seed(t, s)

			// Same channel message from another session is dropped.
			w := do(t, s, http.MethodPost, "/api/v1/messages", appendRequest{Source: "carol", LogEntry: model.LogEntry{
				Character: "Carol", Stream: model.ChannelStream("frontpage", ""),
				Message: model.Message{Time: day.Add(time.Hour), Speaker: "bob", Text: "good morning"}}})
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, true, decode[map[string]any](t, w)["dropped"])

			w = do(t, s, http.MethodGet, "/api/v1/search?q=MORNING&channel=frontpage", nil)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			resp := decode[model.SearchResponse](t, w)
			assert.Equal(t, 2, resp.Total)
			require.Len(t, resp.Messages, 2)
			assert.Equal(t, "Bob", resp.Messages[0].Speaker)

			w = do(t, s, http.MethodPost, "/api/v1/count", model.SearchCriteria{Who: &model.WhoSpec{Speaker: "bob"}})
			require.Equal(t, http.StatusOK, w.Code)
			assert.EqualValues(t, 2, decode[map[string]any](t, w)["count"])

			w = do(t, s, http.MethodPost, "/api/v1/ids", idsRequest{
				Criteria: model.SearchCriteria{Stream: model.PrivateSpec("alice", "bob")}, Take: 10})
			require.Equal(t, http.StatusOK, w.Code)
			ids := decode[struct{ IDs []model.MessageID }](t, w).IDs
			require.Len(t, ids, 2)

			w = do(t, s, http.MethodPost, "/api/v1/resolve", map[string]any{"ids": []model.MessageID{ids[1], ids[0]}})
			require.Equal(t, http.StatusOK, w.Code)
			items := decode[struct{ Items []*model.StoredMessage }](t, w).Items
			require.Len(t, items, 2)
			assert.Equal(t, "hi again", items[0].Text)

			w = do(t, s, http.MethodGet, "/api/v1/tail?character=alice&pm=bob&limit=1", nil)
			require.Equal(t, http.StatusOK, w.Code)
			items = decode[struct{ Items []*model.StoredMessage }](t, w).Items
			require.Len(t, items, 1)
			assert.Equal(t, "hi again", items[0].Text)

			w = do(t, s, http.MethodGet, "/api/v1/day?character=alice&pm=bob&date=2024-05-01", nil)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			items = decode[struct{ Items []*model.StoredMessage }](t, w).Items
			require.Len(t, items, 1)
			assert.Equal(t, "hello", items[0].Text)

			w = do(t, s, http.MethodGet, "/api/v1/channels", nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, []string{"Frontpage"}, decode[chatdb.GetNamesResp](t, w).Items)

			w = do(t, s, http.MethodGet, "/api/v1/characters/Alice/pms/BOB/exists", nil)
			assert.Equal(t, true, decode[map[string]any](t, w)["exists"])
			w = do(t, s, http.MethodGet, "/api/v1/channels/nowhere/exists", nil)
			assert.Equal(t, false, decode[map[string]any](t, w)["exists"])

			w = do(t, s, http.MethodGet, "/api/v1/export?channel=frontpage&compression=zstd", nil)
			require.Equal(t, http.StatusOK, w.Code)
			n := 0
			for l, err := range export.Read(w.Body) {
				require.NoError(t, err)
				assert.Equal(t, "Frontpage", l.Stream.Name)
				n++
			}
			assert.Equal(t, 2, n)
		})
	}
}

func TestForgetSourceEndsDedupWindow(t *testing.T) {
	s := newTestService(t, msgstore.FormatBinary)
	seed(t, s)
	dup := appendRequest{Source: "carol", LogEntry: model.LogEntry{
		Character: "Carol", Stream: model.ChannelStream("Frontpage", ""),
		Message: model.Message{Time: day.Add(time.Hour), Speaker: "Bob", Text: "good morning"}}}

	w := do(t, s, http.MethodPost, "/api/v1/messages", dup)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["dropped"])

	w = do(t, s, http.MethodDelete, "/api/v1/sources/Alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/messages", dup)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["dropped"])
}

func TestAPIErrors(t *testing.T) {
	s := newTestService(t, msgstore.FormatRelational)

	w := do(t, s, http.MethodPost, "/api/v1/messages", map[string]any{"character": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/search?channel=a&pm=b", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/search?after=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/tail?pm=bob", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/resolve", map[string]any{"ids": []string{"garbage"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestService(t, msgstore.FormatBinary)
	seed(t, s)

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "chatlog_appends_total"))

	w = do(t, s, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, msgstore.FormatBinary, decode[ctx.StatusInfo](t, w).Format)
}
