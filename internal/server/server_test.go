package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/sensorcache/internal/handler"
	"github.com/xtxerr/sensorcache/internal/ingestion"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/query"
	"github.com/xtxerr/sensorcache/internal/storage/fieldstore"
	"github.com/xtxerr/sensorcache/internal/storage/types"
	"github.com/xtxerr/sensorcache/internal/wire"
)

type testEnv struct {
	store  *fieldstore.Store
	ingest *ingestion.Service
	hub    *handler.Hub
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := fieldstore.New(fieldstore.Config{
		Capacity: 100,
		Now:      func() time.Time { return time.Unix(105, 0) },
	})
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	hub := handler.NewHub(handler.HubConfig{}, m)
	svc := ingestion.New(store, hub, m, ingestion.Config{})
	engine := query.New(store, m, query.Config{MaxRows: 1000})
	h := handler.NewHandler(hub, engine, svc, m, handler.Config{})

	srv := New(Config{
		WSPath:      "/ws",
		MetricsPath: "/metrics",
		Registry:    reg,
	}, h, svc, engine, m)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Stop()
		ts.Close()
	})

	return &testEnv{store: store, ingest: svc, hub: hub, server: srv, http: ts}
}

func (e *testEnv) add(t *testing.T, field string, ts float64, v types.Value) {
	t.Helper()
	b := types.Batch{}
	b.Add(field, types.NewSample(ts, v))
	_, err := e.ingest.Ingest(context.Background(), b)
	require.NoError(t, err)
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func expectJSON(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, want, string(data))
}

func expectNone(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message: %s", data)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Timeout())
}

func (e *testEnv) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (e *testEnv) post(t *testing.T, path, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

// =============================================================================
// Websocket
// =============================================================================

func TestWebsocket_GPSLatScenario(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "GPSLat", 100, types.Number(34.5))
	env.add(t, "GPSLat", 101, types.Number(34.6))

	conn := env.dial(t)
	send(t, conn, `{"type":"subscribe","interval":0.05,"fields":{"GPSLat":{"seconds":10}}}`)
	expectJSON(t, conn, `{"data":{"GPSLat":[[100,34.5],[101,34.6]]}}`)

	send(t, conn, `{"type":"ready"}`)
	expectNone(t, conn, 200*time.Millisecond)

	env.add(t, "GPSLat", 102, types.Number(34.7))
	expectJSON(t, conn, `{"data":{"GPSLat":[[102,34.7]]}}`)
}

func TestWebsocket_PublishAndFields(t *testing.T) {
	env := newTestEnv(t)

	sub := env.dial(t)
	send(t, sub, `{"type":"subscribe","fields":["Wind"]}`)
	expectJSON(t, sub, `{"data":{"Wind":[]}}`)
	send(t, sub, `{"type":"ready"}`)

	pub := env.dial(t)
	send(t, pub, `{"type":"publish","data":{"Wind":[[104,"12.5"]]}}`)
	expectJSON(t, sub, `{"data":{"Wind":[[104,12.5]]}}`)

	send(t, pub, `{"type":"fields"}`)
	expectJSON(t, pub, `{"type":"fields","data":["Wind"]}`)
}

func TestWebsocket_DisconnectRemovesSession(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t)
	send(t, conn, `{"type":"subscribe","fields":["A"]}`)
	expectJSON(t, conn, `{"data":{"A":[]}}`)
	require.Equal(t, 1, env.hub.Count())

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, env.hub.Subscribers("A"))
}

// =============================================================================
// HTTP
// =============================================================================

func TestHTTP_PublishAndQuery(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.post(t, "/publish", `{"GPSLat":[[100,34.5],[101,34.6]],"GPSLon":[[100,-70.1]],"bad/name":[[1,1]]}`)
	require.Equal(t, http.StatusOK, status, string(body))

	var res ingestion.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, []string{"bad/name"}, res.InvalidFields)

	status, body = env.get(t, "/query?fields=GPSLat,GPSLon&start=100&end=101")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.JSONEq(t, `[{"time":100,"GPSLat":34.5,"GPSLon":-70.1},{"time":101,"GPSLat":34.6}]`, string(body))

	status, body = env.post(t, "/query", `{"fields":["GPSLat"],"start":101}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.JSONEq(t, `[{"time":101,"GPSLat":34.6}]`, string(body))
}

func TestHTTP_Errors(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.post(t, "/publish", `[1,2,3]`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.get(t, "/query?fields=A&start=x")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.get(t, "/query?start=1")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.post(t, "/query", `{`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.get(t, "/latest?fields=a/b")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHTTP_FieldsLatestStats(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.add(t, "Depth", float64(100+i), types.Number(float64(10*(i+1))))
	}
	env.add(t, "Status", 100, types.Text("OK"))

	status, body := env.get(t, "/fields")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"fields":["Depth","Status"]}`, string(body))

	status, body = env.get(t, "/latest?fields=Depth")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"Depth":[104,50]}`, string(body))

	status, body = env.get(t, "/stats?field=Depth")
	require.Equal(t, http.StatusOK, status)
	var summary types.Summary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, int64(5), summary.Count)
	assert.Equal(t, 10.0, summary.Min)
	assert.Equal(t, 50.0, summary.Max)
	assert.Equal(t, 30.0, summary.Mean)

	status, body = env.get(t, "/stats")
	require.Equal(t, http.StatusOK, status)
	var stats map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Contains(t, stats, "store")
	assert.Contains(t, stats, "ingestion")
	assert.Contains(t, stats, "sessions")
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "Depth", 100, types.Number(1))

	status, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", string(body))

	status, body = env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "sensorcache_")
}

// =============================================================================
// TCP ingest
// =============================================================================

func TestServeIngest(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.ServeIngest(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	w := wire.NewWriter(conn)
	b := types.Batch{}
	b.Add("Heading", types.NewSample(100, types.Number(271.5)))
	b.Add("Heading", types.NewSample(101, types.Number(272)))
	require.NoError(t, w.WriteBatch(b))

	require.Eventually(t, func() bool { return env.store.Len("Heading") == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeIngest did not stop")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	assert.False(t, rl.RecordFailure("10.0.0.1"))
	assert.False(t, rl.RecordFailure("10.0.0.1"))
	assert.False(t, rl.IsBlocked("10.0.0.1"))
	assert.True(t, rl.RecordFailure("10.0.0.1"))
	assert.True(t, rl.IsBlocked("10.0.0.1"))
	assert.Equal(t, 3, rl.GetFailureCount("10.0.0.1"))

	assert.False(t, rl.IsBlocked("10.0.0.2"))
	assert.Equal(t, "10.0.0.1", extractIP("10.0.0.1:5555"))
	assert.Equal(t, "nohost", extractIP("nohost"))
}
