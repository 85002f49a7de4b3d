package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStation(t *testing.T, hub *Hub, mac byte) *Loopback {
	t.Helper()
	l := hub.Attach([]byte{mac})
	require.NoError(t, l.Open(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLoopbackUnicast(t *testing.T) {
	hub := NewHub()
	a := openStation(t, hub, 1)
	b := openStation(t, hub, 2)
	c := openStation(t, hub, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte{2}, []byte{0x01, 0x00}))

	f, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, f.NPDU)
	assert.Equal(t, []byte{1}, f.Source)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = c.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopbackBroadcastSkipsSender(t *testing.T) {
	hub := NewHub()
	a := openStation(t, hub, 1)
	b := openStation(t, hub, 2)
	c := openStation(t, hub, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Broadcast(ctx, []byte{0x01, 0x00, 0x10, 0x08}))

	for _, l := range []*Loopback{b, c} {
		f, err := l.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{1}, f.Source)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err := a.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopbackLifecycle(t *testing.T) {
	hub := NewHub()
	l := hub.Attach([]byte{9})

	err := l.Send(context.Background(), []byte{1}, nil)
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, l.Open(context.Background()))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Broadcast(context.Background(), nil), ErrClosed)
	assert.ErrorIs(t, l.Open(context.Background()), ErrClosed)
}

func TestLoopbackFrameIsCopied(t *testing.T) {
	hub := NewHub()
	a := openStation(t, hub, 1)
	b := openStation(t, hub, 2)

	payload := []byte{0x01, 0x00}
	require.NoError(t, a.Send(context.Background(), []byte{2}, payload))
	payload[1] = 0xFF

	f, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), f.NPDU[1])
}
