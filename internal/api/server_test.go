package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/container/mocks"
	"github.com/castellan-dev/castellan/internal/core"
	"github.com/castellan-dev/castellan/internal/history"
	"github.com/castellan-dev/castellan/internal/jobs"
	"github.com/castellan-dev/castellan/internal/plugins"
)

const testAPIKey = "test-key-123"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type passChecker struct{}

func (passChecker) Check(ctx context.Context, c jobs.Condition) error { return nil }

type failChecker struct {
	cond jobs.Condition
}

func (f failChecker) Check(ctx context.Context, c jobs.Condition) error {
	if c == f.cond {
		return &jobs.ConditionError{Condition: c, Reason: "test"}
	}
	return nil
}

// fakeManager serves a fixed supervisor set.
type fakeManager struct {
	sups      map[string]*plugins.Supervisor
	order     []string
	healthErr error
}

func (f *fakeManager) Get(name string) (*plugins.Supervisor, error) {
	s, ok := f.sups[name]
	if !ok {
		return nil, plugins.ErrPluginNotFound
	}
	return s, nil
}

func (f *fakeManager) Snapshots(ctx context.Context) []plugins.Snapshot {
	out := make([]plugins.Snapshot, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, snapshotFor(ctx, f.sups[name]))
	}
	return out
}

func (f *fakeManager) Healthy() error { return f.healthErr }

type fakeActionLog struct {
	actions []history.Action
	gotLim  int
}

func (f *fakeActionLog) RecentActions(ctx context.Context, limit int) ([]history.Action, error) {
	f.gotLim = limit
	return f.actions, nil
}

type testEnv struct {
	server *Server
	router http.Handler
	bus    *bus.Bus
	inst   *mocks.MockInstance
	log    *fakeActionLog
}

func newTestEnv(t *testing.T, checker jobs.Checker) *testEnv {
	t.Helper()
	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	inst := mocks.NewMockInstance(ctrl)
	inst.EXPECT().Name().Return("castellan_dns").AnyTimes()

	if checker == nil {
		checker = passChecker{}
	}
	reg := jobs.NewRegistry(checker, logger)

	sup := plugins.New(plugins.Options{
		Name:     "dns",
		Instance: inst,
		Bus:      b,
		Jobs:     reg,
		Log:      logger,
		Watchdog: true,
	})

	mgr := &fakeManager{
		sups:  map[string]*plugins.Supervisor{"dns": sup},
		order: []string{"dns"},
	}
	actionLog := &fakeActionLog{}

	srv := New(Config{
		Listen:       "127.0.0.1:0",
		APIKey:       testAPIKey,
		IngestSecret: "ingest-secret",
		Version:      "2026.8.1",
	}, mgr, actionLog, core.New(b, logger), nil, nil, b, logger)
	t.Cleanup(srv.relay.Close)

	return &testEnv{
		server: srv,
		router: srv.setupRoutes(),
		bus:    b,
		inst:   inst,
		log:    actionLog,
	}
}

func (e *testEnv) do(method, path string, body []byte, auth bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestHealthzNoAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inst.EXPECT().CurrentState(gomock.Any()).Return(container.StateRunning, nil)

	rr := env.do(http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "initialize", resp.Core)
	assert.Equal(t, 1, resp.PluginsLoaded)
	assert.Equal(t, 1, resp.PluginsRunning)
	assert.Equal(t, 1, resp.WatchdogEnabled)
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodGet, "/v1/status", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusReportsHealthAndPlugins(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inst.EXPECT().CurrentState(gomock.Any()).Return(container.StateStopped, nil)

	rr := env.do(http.MethodGet, "/v1/status", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "2026.8.1", resp.Version)
	assert.True(t, resp.Healthy)
	require.Len(t, resp.Plugins, 1)
	assert.Equal(t, "dns", resp.Plugins[0].Name)
	assert.Equal(t, container.StateStopped, resp.Plugins[0].State)
}

func TestPluginActionAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inst.EXPECT().Stop(gomock.Any()).Return(nil)

	rr := env.do(http.MethodPost, "/v1/plugins/dns/stop", nil, true)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp ActionResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "dns", resp.Plugin)
	assert.Equal(t, "stop", resp.Action)
}

func TestPluginActionUnknownPluginAndAction(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/v1/plugins/ghost/start", nil, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(http.MethodPost, "/v1/plugins/dns/explode", nil, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPluginActionConditionFailure(t *testing.T) {
	env := newTestEnv(t, failChecker{cond: jobs.ConditionFreeSpace})

	// Rebuild is guarded by the free space condition.
	rr := env.do(http.MethodPost, "/v1/plugins/dns/rebuild", nil, true)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, string(jobs.ConditionFreeSpace), resp.Condition)
}

func TestPluginActionConflictWhileRunning(t *testing.T) {
	env := newTestEnv(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	env.inst.EXPECT().Stop(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.do(http.MethodPost, "/v1/plugins/dns/stop", nil, true)
	}()

	<-started
	rr := env.do(http.MethodPost, "/v1/plugins/dns/stop", nil, true)
	assert.Equal(t, http.StatusConflict, rr.Code)

	close(release)
	wg.Wait()
}

func TestPluginStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inst.EXPECT().Stats(gomock.Any()).Return(&container.StatsSample{
		CPU:    container.CPUSample{TotalUsage: 200, SystemUsage: 2000},
		PreCPU: container.CPUSample{TotalUsage: 100, SystemUsage: 1000},
		Memory: container.MemorySample{Usage: 2048, Limit: 4096, InactiveFile: 1024},
	}, nil)

	rr := env.do(http.MethodGet, "/v1/plugins/dns/stats", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats container.Stats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	assert.InDelta(t, 10.0, stats.CPUPercent, 0.01)
	assert.Equal(t, uint64(1024), stats.MemoryUsage)
}

func TestPluginStatsNotRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inst.EXPECT().Stats(gomock.Any()).Return(nil, container.ErrNotRunning)

	rr := env.do(http.MethodGet, "/v1/plugins/dns/stats", nil, true)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHistoryActions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.log.actions = []history.Action{
		{ID: "a1", Plugin: "dns", Action: "rebuild", Outcome: "ok", CreatedAt: time.Now().UTC()},
	}

	rr := env.do(http.MethodGet, "/v1/history/actions?limit=10", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 10, env.log.gotLim)

	var actions []history.Action
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&actions))
	require.Len(t, actions, 1)
	assert.Equal(t, "a1", actions[0].ID)

	rr = env.do(http.MethodGet, "/v1/history/actions?limit=bogus", nil, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func ingestBody(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(container.StateEvent{
		Name:  "castellan_dns",
		ID:    "abc123",
		State: container.StateUnhealthy,
	})
	require.NoError(t, err)
	return b
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestIngestStateWithSignature(t *testing.T) {
	env := newTestEnv(t, nil)

	fired := make(chan container.StateEvent, 1)
	l := env.bus.Register(bus.EventContainerStateChange, "test_ingest", func(ctx context.Context, msg bus.Message) {
		if ev, ok := msg.Payload.(container.StateEvent); ok {
			fired <- ev
		}
	})
	defer l.Close()

	body := ingestBody(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/state", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signBody(body, "ingest-secret"))
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case ev := <-fired:
		assert.Equal(t, "castellan_dns", ev.Name)
		assert.Equal(t, container.StateUnhealthy, ev.State)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("state event never reached the bus")
	}
}

func TestIngestStateRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)

	body := ingestBody(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/state", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signBody(body, "wrong-secret"))
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIngestStateBearerFallback(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/v1/ingest/state", ingestBody(t), true)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = env.do(http.MethodPost, "/v1/ingest/state", ingestBody(t), false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIngestStateRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/v1/ingest/state", []byte(`{"name":"x"}`), true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// streamWriter is a concurrency-safe ResponseWriter with Flusher for
// exercising the SSE handler.
type streamWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *streamWriter) WriteHeader(statusCode int) {}

func (w *streamWriter) Flush() {}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestEventsReplaysBufferedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.events.Publish("watchdog_action", map[string]any{"plugin": "dns"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	w := newStreamWriter()
	done := make(chan struct{})
	go func() {
		env.router.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(w.String(), "event: watchdog_action\n") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Contains(t, w.String(), "id: 1\n")
	require.Contains(t, w.String(), "event: watchdog_action\n")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not exit after context cancel")
	}
}

func TestEventsRelayForwardsBusEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	env.bus.Fire(bus.EventWatchdogAction, plugins.WatchdogAction{
		Plugin:  "dns",
		Trigger: container.StateFailed,
		Action:  "rebuild",
		Outcome: "ok",
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(env.server.events.SnapshotSince(0)) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	events := env.server.events.SnapshotSince(0)
	require.NotEmpty(t, events)
	assert.Equal(t, "watchdog_action", events[0].Type)
	assert.Contains(t, string(events[0].Data), `"plugin":"dns"`)
}

func TestHubRingOverwritesOldest(t *testing.T) {
	hub := NewHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish("tick", nil)
	}

	events := hub.SnapshotSince(0)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, int64(5), events[2].ID)

	since := hub.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}
