package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootbus/internal/proto"
)

func newTestClient(buf int) *Client {
	return &Client{Out: make(chan proto.ReceiveRecord, buf), Closed: make(chan struct{})}
}

func TestHubBroadcastFansOutToEveryClient(t *testing.T) {
	h := New()
	a := newTestClient(1)
	b := newTestClient(1)
	h.Add(a)
	h.Add(b)
	require.Equal(t, 2, h.Count())

	rec := proto.ReceiveRecord{Cmd: 0x11}
	h.Broadcast(rec)

	select {
	case got := <-a.Out:
		assert.Equal(t, rec.Cmd, got.Cmd)
	default:
		t.Fatal("client a never received broadcast")
	}
	select {
	case got := <-b.Out:
		assert.Equal(t, rec.Cmd, got.Cmd)
	default:
		t.Fatal("client b never received broadcast")
	}
}

func TestHubBroadcastDropsOnFullBuffer(t *testing.T) {
	h := New()
	c := newTestClient(1)
	h.Add(c)

	h.Broadcast(proto.ReceiveRecord{Cmd: 0x01})
	h.Broadcast(proto.ReceiveRecord{Cmd: 0x02}) // buffer full, must drop silently

	got := <-c.Out
	assert.Equal(t, byte(0x01), got.Cmd)
	select {
	case <-c.Out:
		t.Fatal("expected only one queued record")
	default:
	}
}

func TestHubRemoveClosesClient(t *testing.T) {
	h := New()
	c := newTestClient(1)
	h.Add(c)
	h.Remove(c)

	assert.Equal(t, 0, h.Count())
	select {
	case <-c.Closed:
	default:
		t.Fatal("expected client to be closed after Remove")
	}
}

func TestHubRemoveIsIdempotent(t *testing.T) {
	h := New()
	c := newTestClient(1)
	h.Add(c)
	h.Remove(c)
	assert.NotPanics(t, func() { h.Remove(c) })
}
