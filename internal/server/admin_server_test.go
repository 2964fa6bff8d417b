package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/devrev/pairdb/scout/internal/config"
	"github.com/devrev/pairdb/scout/internal/crdt"
	"github.com/devrev/pairdb/scout/internal/health"
	"github.com/devrev/pairdb/scout/internal/metrics"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/server"
	"github.com/devrev/pairdb/scout/internal/service"
	"github.com/devrev/pairdb/scout/internal/versioned"
)

type fakeScout struct {
	txns    []service.TxnInfo
	objects map[model.ObjectID]versioned.Info
}

func (f *fakeScout) Transactions() []service.TxnInfo { return f.txns }

func (f *fakeScout) DescribeObject(id model.ObjectID) (versioned.Info, bool) {
	info, ok := f.objects[id]
	return info, ok
}

func (f *fakeScout) CachedObjects() []model.ObjectID {
	ids := make([]model.ObjectID, 0, len(f.objects))
	for id := range f.objects {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeScout) CacheStats() service.CacheStats {
	return service.CacheStats{Entries: len(f.objects), Hits: 3, Misses: 1}
}

func newTestServer(t *testing.T) *server.AdminServer {
	t.Helper()
	listID := model.NewObjectID("items", "list")
	scout := &fakeScout{
		txns: []service.TxnInfo{{Serial: 1, Client: "scout:1", Status: "COMMITTED_LOCAL"}},
		objects: map[model.ObjectID]versioned.Info{
			listID: {ID: listID.String(), Kind: crdt.KindAddWinsSet, Clock: "[dc:2]", LogLength: 2, Registered: true, Value: []string{"a", "b"}},
		},
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("scout", reg)
	m.TxnsPending.Set(1)

	checker := health.NewHealthChecker(&health.HealthCheckConfig{ScoutID: "scout"}, zap.NewNop())
	cfg := config.DefaultConfig()
	cfg.Scout.ID = "scout"

	return server.NewAdminServer(&server.AdminServerConfig{Port: 0, Gatherer: reg}, scout, checker, cfg, zap.NewNop())
}

func get(t *testing.T, s *server.AdminServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAdminServer_Routes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		path     string
		status   int
		contains string
	}{
		{name: "metrics", path: "/metrics", status: http.StatusOK, contains: "pairdb_scout_txns_pending"},
		{name: "liveness", path: "/health", status: http.StatusOK, contains: `"scout_id":"scout"`},
		{name: "readiness", path: "/ready", status: http.StatusOK, contains: `"ready":true`},
		{name: "transactions", path: "/debug/txns", status: http.StatusOK, contains: `"COMMITTED_LOCAL"`},
		{name: "object list", path: "/debug/objects", status: http.StatusOK, contains: "items:list"},
		{name: "object dump", path: "/debug/objects/items/list", status: http.StatusOK, contains: "Registered: true"},
		{name: "cache", path: "/debug/cache", status: http.StatusOK, contains: `"hits":3`},
		{name: "config", path: "/debug/config", status: http.StatusOK, contains: "id: scout"},
		{name: "unknown object", path: "/debug/objects/items/missing", status: http.StatusNotFound, contains: "NO_SUCH_OBJECT"},
		{name: "unknown route", path: "/nope", status: http.StatusNotFound, contains: "endpoint not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestAdminServer_ErrorBody(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/debug/objects/items/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body server.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, "NO_SUCH_OBJECT", body.ErrorCode)
}

func TestAdminServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/debug/txns", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.OK, http.StatusOK},
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.NotFound, http.StatusNotFound},
		{codes.FailedPrecondition, http.StatusPreconditionFailed},
		{codes.ResourceExhausted, http.StatusTooManyRequests},
		{codes.Unavailable, http.StatusServiceUnavailable},
		{codes.DataLoss, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, server.HTTPStatus(tt.code), tt.code.String())
	}
}

func TestAdminServer_RequestID(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/debug/cache")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/debug/cache", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	h := server.Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/txns", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL")
}
