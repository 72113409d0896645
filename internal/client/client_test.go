package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/sensorcache/internal/handler"
	"github.com/xtxerr/sensorcache/internal/ingestion"
	"github.com/xtxerr/sensorcache/internal/query"
	"github.com/xtxerr/sensorcache/internal/server"
	"github.com/xtxerr/sensorcache/internal/storage/fieldstore"
	"github.com/xtxerr/sensorcache/internal/storage/types"
	"github.com/xtxerr/sensorcache/internal/wire"
)

func startServer(t *testing.T) (*httptest.Server, *ingestion.Service, *handler.Hub) {
	t.Helper()

	store, err := fieldstore.New(fieldstore.Config{
		Capacity: 100,
		Now:      func() time.Time { return time.Unix(105, 0) },
	})
	require.NoError(t, err)

	hub := handler.NewHub(handler.HubConfig{}, nil)
	svc := ingestion.New(store, hub, nil, ingestion.Config{})
	engine := query.New(store, nil, query.Config{})
	h := handler.NewHandler(hub, engine, svc, nil, handler.Config{})
	srv := server.New(server.Config{WSPath: "/ws"}, h, svc, engine, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Stop()
		ts.Close()
	})
	return ts, svc, hub
}

func newClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	c := New(Config{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_SubscribeReadyNext(t *testing.T) {
	ts, svc, _ := startServer(t)

	b := types.Batch{}
	b.Add("GPSLat", types.NewSample(100, types.Number(34.5)))
	b.Add("GPSLat", types.NewSample(101, types.Number(34.6)))
	_, err := svc.Ingest(context.Background(), b)
	require.NoError(t, err)

	c := newClient(t, ts)
	assert.True(t, c.IsConnected())

	data, err := c.Subscribe(ctxTimeout(t), 0.05, map[string]wire.FieldSpec{"GPSLat": wire.Seconds(10)})
	require.NoError(t, err)
	require.Len(t, data["GPSLat"], 2)
	assert.Equal(t, 101.0, data["GPSLat"][1].Timestamp)

	_, err = c.Subscribe(ctxTimeout(t), 0, map[string]wire.FieldSpec{"X": {}})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	require.NoError(t, c.Ready())

	pub := types.Batch{}
	pub.Add("GPSLat", types.NewSample(102, types.Number(34.7)))
	require.NoError(t, c.Publish(pub))

	data, err = c.Next(ctxTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, []types.Sample{types.NewSample(102, types.Number(34.7))}, data["GPSLat"])
}

func TestClient_NextTimesOutWithoutData(t *testing.T) {
	ts, _, _ := startServer(t)
	c := newClient(t, ts)

	_, err := c.Subscribe(ctxTimeout(t), 0, map[string]wire.FieldSpec{"A": wire.BackRecords(1)})
	require.NoError(t, err)
	require.NoError(t, c.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_Fields(t *testing.T) {
	ts, svc, _ := startServer(t)
	b := types.Batch{}
	b.Add("Heading", types.NewSample(100, types.Number(1)))
	_, err := svc.Ingest(context.Background(), b)
	require.NoError(t, err)

	c := newClient(t, ts)
	names, err := c.Fields(ctxTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"Heading"}, names)
}

func TestClient_HTTP(t *testing.T) {
	ts, _, _ := startServer(t)
	c := New(Config{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"})

	b := types.Batch{}
	b.Add("Depth", types.NewSample(100, types.Number(10)))
	b.Add("Depth", types.NewSample(101, types.Number(20)))
	b.Add("Status", types.NewSample(101, types.Text("OK")))
	res, err := c.PublishHTTP(ctxTimeout(t), b)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)

	rows, err := c.Query(ctxTimeout(t), []string{"Depth", "Status"}, 100, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 100.0, rows[0].Time())
	assert.Equal(t, "OK", rows[1]["Status"])

	latest, err := c.Latest(ctxTimeout(t), []string{"Depth"})
	require.NoError(t, err)
	assert.Equal(t, 101.0, latest["Depth"].Timestamp)

	summary, err := c.Stats(ctxTimeout(t), "Depth", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Count)
	assert.Equal(t, 15.0, summary.Mean)

	_, err = c.Query(ctxTimeout(t), nil, 0, 0)
	assert.Error(t, err)
}

func TestClient_StateMachine(t *testing.T) {
	ts, _, _ := startServer(t)
	c := New(Config{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"})

	assert.Equal(t, "disconnected", c.State())
	assert.ErrorIs(t, c.Ready(), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Ready(), ErrClientClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	assert.NoError(t, c.Close())
}

func TestClient_ServerDisconnect(t *testing.T) {
	ts, _, hub := startServer(t)
	c := newClient(t, ts)

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	hub.Stop()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect callback")
	}
	assert.Equal(t, "disconnected", c.State())

	// A disconnected client may connect again.
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestHTTPBase(t *testing.T) {
	c := New(Config{URL: "wss://ship.example:8766/ws?x=1"})
	base, err := c.httpBase()
	require.NoError(t, err)
	assert.Equal(t, "https://ship.example:8766", base)

	c = New(Config{URL: "ws://a/", HTTPURL: "http://b:1"})
	base, err = c.httpBase()
	require.NoError(t, err)
	assert.Equal(t, "http://b:1", base)
}
