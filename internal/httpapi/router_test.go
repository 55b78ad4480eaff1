package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propsync/internal/config"
	"propsync/internal/model"
	"propsync/internal/propsync"
	"propsync/internal/testutil"
)

type fakeCatalog struct {
	h *testutil.Harness
}

func (f fakeCatalog) Kinds() []string { return []string{f.h.Sync.Kind().Name} }

func (f fakeCatalog) Synchronizer(kind string) (*propsync.Synchronizer, error) {
	if kind != f.h.Sync.Kind().Name {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	return f.h.Sync, nil
}

func (f fakeCatalog) Health() *propsync.HealthMonitor { return f.h.Health }

func newTestRouter(t *testing.T, cfg config.ServerConfig, defaults ...model.Entity) (*gin.Engine, *testutil.Harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := testutil.NewHarness(t, testutil.NewKind(defaults))
	return NewRouter(fakeCatalog{h}, cfg, h.Logger), h
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	r, h := newTestRouter(t, config.ServerConfig{})

	w := do(t, r, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, []any{"listings"}, body["kinds"])

	h.Remote.Fail(testutil.OpEnable, propsync.ErrUnavailable)
	h.Clock.Advance(time.Minute)
	w = do(t, r, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnknownKind(t *testing.T) {
	r, _ := newTestRouter(t, config.ServerConfig{})

	w := do(t, r, http.MethodGet, "/api/v1/parking", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestList(t *testing.T) {
	t.Run("serves the remote collection", func(t *testing.T) {
		r, h := newTestRouter(t, config.ServerConfig{})
		h.Remote.Seed(t, "listings",
			testutil.NewEntity("a", model.Available, 100, 1),
			testutil.NewEntity("b", model.Sold, 200, 2),
		)

		w := do(t, r, http.MethodGet, "/api/v1/listings", "")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[listResponse](t, w)
		assert.Equal(t, propsync.SourceRemote, body.Source)
		assert.Equal(t, 2, body.Count)
		require.Len(t, body.Items, 2)
		assert.Equal(t, "b", body.Items[0].ID)
	})

	t.Run("falls back to defaults when the remote fails", func(t *testing.T) {
		r, h := newTestRouter(t, config.ServerConfig{}, testutil.NewEntity("d1", model.Available, 500, 1))
		h.Remote.Fail(testutil.OpList, propsync.ErrUnavailable)

		w := do(t, r, http.MethodGet, "/api/v1/listings", "")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[listResponse](t, w)
		assert.Equal(t, propsync.SourceDefaults, body.Source)
		assert.Equal(t, []string{"d1"}, []string{body.Items[0].ID})
	})
}

func TestGet(t *testing.T) {
	r, h := newTestRouter(t, config.ServerConfig{})
	h.Remote.Seed(t, "listings", testutil.NewEntity("a", model.Available, 100, 1))

	w := do(t, r, http.MethodGet, "/api/v1/listings/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode[model.WireEntity](t, w)
	assert.Equal(t, "a", doc.ID)
	assert.Equal(t, "2024-01-01T01:00:00.000Z", doc.CreatedAt)

	w = do(t, r, http.MethodGet, "/api/v1/listings/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSave(t *testing.T) {
	t.Run("assigns id and timestamps", func(t *testing.T) {
		r, h := newTestRouter(t, config.ServerConfig{})

		w := do(t, r, http.MethodPost, "/api/v1/listings", `{"attributes":{"title":"Loft","price":825}}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		doc := decode[model.WireEntity](t, w)
		assert.NotEmpty(t, doc.ID)
		assert.Equal(t, "available", doc.Availability)
		assert.NotEmpty(t, doc.CreatedAt)

		_, found, err := h.Remote.Get(context.Background(), "listings", doc.ID)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("rejects invalid availability", func(t *testing.T) {
		r, _ := newTestRouter(t, config.ServerConfig{})

		w := do(t, r, http.MethodPost, "/api/v1/listings", `{"availability":"demolished"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		r, _ := newTestRouter(t, config.ServerConfig{})

		w := do(t, r, http.MethodPost, "/api/v1/listings", `{"attributes":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reports both tiers failing as unavailable", func(t *testing.T) {
		r, h := newTestRouter(t, config.ServerConfig{})
		h.Remote.Fail(testutil.OpSet, propsync.ErrUnavailable)
		h.KV.FailSets(errors.New("disk full"))

		w := do(t, r, http.MethodPost, "/api/v1/listings", `{"id":"x"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.True(t, h.Logger.Contains("ERROR", "request failed"))
	})
}

func TestUpdate(t *testing.T) {
	r, h := newTestRouter(t, config.ServerConfig{})
	h.Remote.Seed(t, "listings", testutil.NewEntity("a", model.Available, 100, 1))

	w := do(t, r, http.MethodPatch, "/api/v1/listings/a", `{"availability":"sold","attributes.price":150}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	doc := decode[model.WireEntity](t, w)
	assert.Equal(t, "sold", doc.Availability)
	assert.EqualValues(t, 150, doc.Attributes["price"])

	w = do(t, r, http.MethodPatch, "/api/v1/listings/missing", `{"availability":"sold"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPatch, "/api/v1/listings/a", `{"createdAt":"2020-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPatch, "/api/v1/listings/a", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDelete(t *testing.T) {
	r, h := newTestRouter(t, config.ServerConfig{})
	h.Remote.Seed(t, "listings", testutil.NewEntity("a", model.Available, 100, 1))

	w := do(t, r, http.MethodDelete, "/api/v1/listings/a", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	_, found, err := h.Remote.Get(context.Background(), "listings", "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSeed(t *testing.T) {
	r, h := newTestRouter(t, config.ServerConfig{},
		testutil.NewEntity("d1", model.Available, 500, 1),
		testutil.NewEntity("d2", model.Sold, 700, 2),
	)

	w := do(t, r, http.MethodPost, "/api/v1/listings/seed", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]int](t, w)
	assert.Equal(t, 2, body["saved"])

	docs, err := h.Remote.List(context.Background(), "listings")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestRequestID(t *testing.T) {
	r, _ := newTestRouter(t, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	w = do(t, r, http.MethodGet, "/api/v1/health", "")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	r, _ := newTestRouter(t, config.ServerConfig{RateLimit: 0.001, RateBurst: 1})

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/v1/listings", "").Code)

	w := do(t, r, http.MethodGet, "/api/v1/listings", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "rate limit exceeded", body["error"])

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/v1/health", "").Code)
}

func TestCORS(t *testing.T) {
	r, _ := newTestRouter(t, config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStream(t *testing.T) {
	r, h := newTestRouter(t, config.ServerConfig{})
	h.Remote.Seed(t, "listings", testutil.NewEntity("a", model.Available, 100, 1))

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/listings/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = v
			break
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, "snapshot", event)

	var docs []model.WireEntity
	require.NoError(t, json.Unmarshal([]byte(data), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)
}
