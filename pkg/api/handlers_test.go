package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"codeberg.org/rostersync/rostersync/pkg/controller"
	"codeberg.org/rostersync/rostersync/pkg/history"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCycler struct {
	mu       sync.Mutex
	calls    []string
	syncErr  error
	statuses []controller.EndpointStatus
}

func (f *fakeCycler) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCycler) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCycler) SyncAll(context.Context) error {
	f.record("sync-all")
	return f.syncErr
}

func (f *fakeCycler) Sync(_ context.Context, name string) (*controller.Report, error) {
	f.record("sync " + name)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	r := &controller.Report{Endpoint: name, Kind: history.KindSync}
	return r, nil
}

func (f *fakeCycler) SweepAll(context.Context) error {
	f.record("sweep-all")
	return nil
}

func (f *fakeCycler) Sweep(_ context.Context, name string) (*controller.Report, error) {
	f.record("sweep " + name)
	return &controller.Report{Endpoint: name, Kind: history.KindSweep}, nil
}

func (f *fakeCycler) Endpoints() []controller.EndpointStatus {
	return f.statuses
}

type fakeHistory struct {
	endpoint string
	limit    int
	err      error
}

func (f *fakeHistory) List(_ context.Context, endpoint string, limit int) ([]history.Record, error) {
	f.endpoint, f.limit = endpoint, limit
	if f.err != nil {
		return nil, f.err
	}
	return []history.Record{{ID: 1, Endpoint: "main", Kind: history.KindSync, Summary: "main sync: created 1"}}, nil
}

func setupTestRouter(t *testing.T, cycles Cycler, hist HistoryLister, opts ...Option) (*gin.Engine, *Handler) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(context.Background(), cycles, hist, zaptest.NewLogger(t), opts...)
	return NewRouter(h), h
}

func newCycler() *fakeCycler {
	return &fakeCycler{statuses: []controller.EndpointStatus{{Name: "main", Realm: "test"}}}
}

func serve(r http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	r, _ := setupTestRouter(t, newCycler(), nil)

	w := serve(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestHealthz_Disabled(t *testing.T) {
	r, _ := setupTestRouter(t, newCycler(), nil, WithHealthCheck(false))

	w := serve(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, http.MethodGet, "/api/v1/endpoints")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListEndpoints(t *testing.T) {
	r, _ := setupTestRouter(t, newCycler(), nil)

	w := serve(r, http.MethodGet, "/api/v1/endpoints")
	require.Equal(t, http.StatusOK, w.Code)

	var got []controller.EndpointStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "main", got[0].Name)
	assert.NotContains(t, w.Body.String(), "lastSync\"", "zero times are omitted")
}

func TestReconcileAll(t *testing.T) {
	t.Run("queued", func(t *testing.T) {
		cycles := newCycler()
		r, h := setupTestRouter(t, cycles, nil)

		w := serve(r, http.MethodPost, "/api/v1/reconcile")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "queued", decode(t, w)["status"])

		h.Wait()
		assert.Equal(t, []string{"sync-all"}, cycles.Calls())
	})

	t.Run("wait", func(t *testing.T) {
		cycles := newCycler()
		r, _ := setupTestRouter(t, cycles, nil)

		w := serve(r, http.MethodPost, "/api/v1/reconcile?wait=true")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "completed", decode(t, w)["status"])
	})

	t.Run("wait with failure", func(t *testing.T) {
		cycles := newCycler()
		cycles.syncErr = errors.New("directory down")
		r, _ := setupTestRouter(t, cycles, nil)

		w := serve(r, http.MethodPost, "/api/v1/reconcile?wait=true")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "directory down", decode(t, w)["error"])
	})
}

func TestReconcileEndpoint(t *testing.T) {
	cycles := newCycler()
	r, h := setupTestRouter(t, cycles, nil)

	w := serve(r, http.MethodPost, "/api/v1/endpoints/missing/reconcile")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, http.MethodPost, "/api/v1/endpoints/main/reconcile")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "main", decode(t, w)["endpoint"])
	h.Wait()

	w = serve(r, http.MethodPost, "/api/v1/endpoints/main/reconcile?wait=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "main sync: nothing to do", decode(t, w)["summary"])

	assert.Equal(t, []string{"sync main", "sync main"}, cycles.Calls())
}

func TestReconcileEndpoint_UnknownToOrchestrator(t *testing.T) {
	cycles := newCycler()
	cycles.syncErr = fmt.Errorf("%w: main", controller.ErrUnknownEndpoint)
	r, _ := setupTestRouter(t, cycles, nil)

	w := serve(r, http.MethodPost, "/api/v1/endpoints/main/reconcile?wait=true")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSweep(t *testing.T) {
	cycles := newCycler()
	r, h := setupTestRouter(t, cycles, nil)

	w := serve(r, http.MethodPost, "/api/v1/sweep")
	assert.Equal(t, http.StatusAccepted, w.Code)
	h.Wait()

	w = serve(r, http.MethodPost, "/api/v1/sweep?endpoint=main&wait=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "main sweep: nothing to do", decode(t, w)["summary"])

	w = serve(r, http.MethodPost, "/api/v1/sweep?endpoint=other")
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, []string{"sweep-all", "sweep main"}, cycles.Calls())
}

func TestHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		r, _ := setupTestRouter(t, newCycler(), nil)
		w := serve(r, http.MethodGet, "/api/v1/history")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		hist := &fakeHistory{}
		r, _ := setupTestRouter(t, newCycler(), hist)

		w := serve(r, http.MethodGet, "/api/v1/history?endpoint=main&limit=5")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "main", hist.endpoint)
		assert.Equal(t, 5, hist.limit)

		var got []history.Record
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "main sync: created 1", got[0].Summary)
	})

	t.Run("default limit", func(t *testing.T) {
		hist := &fakeHistory{}
		r, _ := setupTestRouter(t, newCycler(), hist)

		serve(r, http.MethodGet, "/api/v1/history")
		assert.Equal(t, defaultHistoryLimit, hist.limit)
		assert.Empty(t, hist.endpoint)
	})

	t.Run("bad limit", func(t *testing.T) {
		r, _ := setupTestRouter(t, newCycler(), &fakeHistory{})
		w := serve(r, http.MethodGet, "/api/v1/history?limit=-1")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("store error", func(t *testing.T) {
		r, _ := setupTestRouter(t, newCycler(), &fakeHistory{err: errors.New("locked")})
		w := serve(r, http.MethodGet, "/api/v1/history")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
