package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/edgeo/bacnet-stack/bacnet"
)

var (
	setpoint = bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 1)
	fan      = bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryValue, 1)
)

func newTestGateway(t *testing.T, opts ...Option) (*Server, *bacnet.ObjectStore, *bacnet.Metrics, *httptest.Server) {
	t.Helper()

	store, err := bacnet.NewObjectStore(bacnet.NewDeviceObject(bacnet.DeviceConfig{Instance: 77, Name: "Gateway Test"}))
	require.NoError(t, err)
	require.NoError(t, store.Add(bacnet.NewAnalogValue(1, "Setpoint", bacnet.UnitsDegreesCelsius)))
	require.NoError(t, store.Add(bacnet.NewBinaryValue(1, "Fan")))

	metrics := bacnet.NewMetrics("device")
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	gw := New(store, prometheus.Gatherers{metrics.Registry()}, opts...)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, store, metrics, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) bacnet.ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ev bacnet.ChangeEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	return ev
}

func TestHealth(t *testing.T) {
	_, _, _, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 77), h.Device)
	assert.Equal(t, 3, h.Objects)
	assert.Zero(t, h.Streams)
}

func TestMetrics(t *testing.T) {
	_, _, metrics, srv := newTestGateway(t)
	metrics.RequestsReceived.Add(3)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "bacnet_device_requests_received_total 3")
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, _, srv := newTestGateway(t)

	resp, err := http.Post(srv.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	gw, store, _, srv := newTestGateway(t)
	conn := dial(t, srv, "")

	assert.Eventually(t, func() bool { return gw.Streams() == 1 }, time.Second, 10*time.Millisecond)

	p := uint8(8)
	require.NoError(t, store.WriteProperty(setpoint, bacnet.PropertyPresentValue, nil, float32(21.5), &p))
	require.NoError(t, store.WriteProperty(fan, bacnet.PropertyDescription, nil, "supply fan", nil))

	ev := readEvent(t, conn)
	assert.Equal(t, setpoint, ev.ObjectID)
	assert.Equal(t, bacnet.PropertyPresentValue, ev.PropertyID)
	assert.Equal(t, 21.5, ev.Value)
	require.NotNil(t, ev.Priority)
	assert.Equal(t, uint8(8), *ev.Priority)

	ev = readEvent(t, conn)
	assert.Equal(t, fan, ev.ObjectID)
	assert.Equal(t, "supply fan", ev.Value)
	assert.Nil(t, ev.Priority)

	// Relinquish arrives as a null value
	require.NoError(t, store.WriteProperty(setpoint, bacnet.PropertyPresentValue, nil, nil, &p))
	ev = readEvent(t, conn)
	assert.Nil(t, ev.Value)

	conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return gw.Streams() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventsFilter(t *testing.T) {
	_, store, _, srv := newTestGateway(t)
	conn := dial(t, srv, "?object=binary-value:1")

	require.NoError(t, store.SetPresentValue(setpoint, float32(19)))
	require.NoError(t, store.SetPresentValue(fan, true))

	ev := readEvent(t, conn)
	assert.Equal(t, fan, ev.ObjectID)
	assert.Equal(t, float64(bacnet.BinaryActive), ev.Value)
}

func TestEventsBadFilter(t *testing.T) {
	_, _, _, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/events?object=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsOverflow(t *testing.T) {
	_, store, _, srv := newTestGateway(t, WithBuffer(1))
	conn := dial(t, srv, "")

	// The handler may drain one event while the others pile up
	for i := 0; i < 1000; i++ {
		require.NoError(t, store.SetPresentValue(setpoint, float32(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	for err == nil {
		var ev bacnet.ChangeEvent
		err = wsjson.Read(ctx, conn, &ev)
	}
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestListenAndServe(t *testing.T) {
	store, err := bacnet.NewObjectStore(bacnet.NewDeviceObject(bacnet.DeviceConfig{Instance: 1, Name: "Listen"}))
	require.NoError(t, err)
	gw := New(store, prometheus.NewRegistry(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}

	// A bad address fails right away
	err = gw.ListenAndServe(context.Background(), "256.0.0.1:bad")
	assert.Error(t, err)
}
