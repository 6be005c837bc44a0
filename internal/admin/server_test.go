package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/framewire/internal/config"
	"github.com/mattjoyce/framewire/internal/log"
	"github.com/mattjoyce/framewire/internal/server"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeLister struct {
	snaps []server.ConnSnapshot
}

func (f *fakeLister) Len() int                        { return len(f.snaps) }
func (f *fakeLister) Snapshot() []server.ConnSnapshot { return f.snaps }

func newTestServer(conns ConnectionLister) *httptest.Server {
	s := New(config.AdminConfig{Enabled: true, Listen: "127.0.0.1:0"}, conns, log.WithComponent("admin"))
	return httptest.NewServer(s.setupRoutes())
}

func TestAdmin_Healthz(t *testing.T) {
	ts := newTestServer(&fakeLister{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestAdmin_Status(t *testing.T) {
	lister := &fakeLister{snaps: []server.ConnSnapshot{{ID: "a"}, {ID: "b"}}}
	ts := newTestServer(lister)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.ActiveConnections)
	assert.GreaterOrEqual(t, body.UptimeSeconds, int64(0))
}

func TestAdmin_Connections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	lister := &fakeLister{snaps: []server.ConnSnapshot{
		{
			ID:          "c-1",
			RemoteAddr:  "10.0.0.5:55123",
			ConnectedAt: now,
			BytesIn:     128,
			BytesOut:    256,
			Inflight:    3,
		},
	}}
	ts := newTestServer(lister)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/connections")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ConnectionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Connections, 1)
	got := body.Connections[0]
	assert.Equal(t, "c-1", got.ID)
	assert.Equal(t, "10.0.0.5:55123", got.RemoteAddr)
	assert.True(t, got.ConnectedAt.Equal(now))
	assert.Equal(t, uint64(128), got.BytesIn)
	assert.Equal(t, uint64(256), got.BytesOut)
	assert.Equal(t, 3, got.Inflight)
}

func TestAdmin_ConnectionsEmpty(t *testing.T) {
	ts := newTestServer(&fakeLister{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/connections")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, `[]`, string(raw["connections"]), "empty list must encode as [], not null")
}
