package monitor

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootbus/internal/proto"
)

// dialAndHandshake connects to addr and performs the client side of the
// fixed hello handshake, mirroring what a real observer client would do.
func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)

	errCh := make(chan error, 2)
	go func() {
		buf := make([]byte, len(hello))
		_, err := conn.Read(buf)
		if err == nil && string(buf) != hello {
			err = assertErr("unexpected hello: " + string(buf))
		}
		errCh <- err
	}()
	go func() {
		_, err := conn.Write([]byte(hello))
		errCh <- err
	}()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errCh)
	}
	return conn
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func startTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	srv := NewServer(WithListenAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server never became ready")
	}
	return srv, func() {
		cancel()
		<-done
	}
}

func TestServerPublishReachesConnectedClient(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	id := byte(0x2A)
	srv.Publish(proto.ReceiveRecord{ShortAddr: &id, Cmd: 0x01, Payload: []byte{0x99}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var codec Codec
	rec, err := codec.Decode(conn)
	require.NoError(t, err)
	require.NotNil(t, rec.ShortAddr)
	assert.Equal(t, id, *rec.ShortAddr)
	assert.Equal(t, byte(0x01), rec.Cmd)
	assert.Equal(t, []byte{0x99}, rec.Payload)
}

func TestServerRejectsBadHandshake(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))
	_, _ = conn.Write([]byte("not-the-hello!!!"))

	// The server sends its own hello before judging ours, so read past it:
	// the read must then fail because the server closes the connection on
	// handshake failure.
	buf := make([]byte, len(hello)+1)
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = io.ReadFull(conn, buf)
	assert.Error(t, err)
}

func TestServerShutdownClosesClients(t *testing.T) {
	srv, stop := startTestServer(t)
	defer stop()

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Equal(t, 0, srv.hub.Count())
}
