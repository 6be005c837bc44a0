package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/framewire/internal/codec"
	"github.com/mattjoyce/framewire/internal/config"
	"github.com/mattjoyce/framewire/internal/dispatch"
	"github.com/mattjoyce/framewire/internal/log"
	"github.com/mattjoyce/framewire/internal/timer"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func echoFactory() dispatch.Service {
	return dispatch.ServiceFunc(func(ctx context.Context, item dispatch.Item) ([]byte, error) {
		if item.Kind == dispatch.KindFrame {
			return item.Frame, nil
		}
		return nil, nil
	})
}

func startTestServer(t *testing.T) (*Server, string, context.CancelFunc, chan error) {
	t.Helper()

	tm := timer.New()
	t.Cleanup(tm.Close)

	cfg := config.Defaults()
	cfg.Transport.DisconnectTimeout = 100

	srv := New(cfg, codec.NewChecksumCodec(0), echoFactory, tm, log.WithComponent("server"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	return srv, ln.Addr().String(), cancel, done
}

func roundTrip(t *testing.T, conn net.Conn, c codec.Codec, payload []byte) []byte {
	t.Helper()

	var wire bytes.Buffer
	require.NoError(t, c.Encode(payload, &wire))
	_, err := conn.Write(wire.Bytes())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var rbuf bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		frame, ok, derr := c.Decode(&rbuf)
		require.NoError(t, derr)
		if ok {
			return frame
		}
		n, rerr := conn.Read(tmp)
		require.NoError(t, rerr)
		rbuf.Write(tmp[:n])
	}
}

func TestServer_EchoRoundTrip(t *testing.T) {
	_, addr, cancel, done := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	c := codec.NewChecksumCodec(0)
	got := roundTrip(t, conn, c, []byte("hello framed world"))
	assert.Equal(t, "hello framed world", string(got))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not drain after cancel")
	}
}

func TestServer_RegistryTracksConnections(t *testing.T) {
	srv, addr, cancel, done := startTestServer(t)
	defer cancel()

	require.Equal(t, 0, srv.Registry().Len())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	c := codec.NewChecksumCodec(0)
	roundTrip(t, conn, c, []byte("ping"))

	require.Equal(t, 1, srv.Registry().Len())
	snaps := srv.Registry().Snapshot()
	require.Len(t, snaps, 1)
	assert.NotEmpty(t, snaps[0].ID)
	assert.Equal(t, conn.LocalAddr().String(), snaps[0].RemoteAddr)
	assert.NotZero(t, snaps[0].BytesIn)
	assert.NotZero(t, snaps[0].BytesOut)
	assert.Equal(t, 0, snaps[0].Inflight)

	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Registry().Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, srv.Registry().Len(), "registry entry should be removed on disconnect")

	cancel()
	<-done
}

func TestServer_CancelDisconnectsClients(t *testing.T) {
	_, addr, cancel, done := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	c := codec.NewChecksumCodec(0)
	roundTrip(t, conn, c, []byte("ping"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}

	// the server side was flushed and closed, the client sees EOF
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
