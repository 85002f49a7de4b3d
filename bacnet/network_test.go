package bacnet

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openLink attaches an opened raw station to hub
func openLink(t *testing.T, hub *LoopbackHub, mac ...byte) Datalink {
	t.Helper()
	l := hub.Attach(mac)
	require.NoError(t, l.Open(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func openNetworkLayer(t *testing.T, hub *LoopbackHub, network uint16, mac ...byte) *NetworkLayer {
	t.Helper()
	n := NewNetworkLayer(hub.Attach(mac), network, testLogger())
	require.NoError(t, n.Open(context.Background()))
	t.Cleanup(func() { n.Close() })
	return n
}

func receiveNPDU(t *testing.T, link Datalink) (*NPDU, Frame) {
	t.Helper()
	f, err := link.Receive(testContext(t))
	require.NoError(t, err)
	npdu, err := DecodeNPDU(f.NPDU)
	require.NoError(t, err)
	return npdu, f
}

func assertNothingReceived(t *testing.T, link Datalink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := link.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNetworkLayerLocalUnicast(t *testing.T) {
	hub := NewLoopbackHub()
	a := openNetworkLayer(t, hub, 0, 1)
	b := openNetworkLayer(t, hub, 0, 2)

	ctx := testContext(t)
	require.NoError(t, a.Send(ctx, Address{Addr: []byte{2}}, []byte{0x10, 0x08}, true, NPDUControlPriorityUrgent))

	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address{Addr: []byte{1}}, msg.Source)
	assert.True(t, msg.ExpectingReply)
	assert.Equal(t, NPDUControlPriorityUrgent, msg.Priority)
	assert.Equal(t, []byte{0x10, 0x08}, msg.APDU)
}

func TestNetworkLayerBroadcasts(t *testing.T) {
	hub := NewLoopbackHub()
	a := openNetworkLayer(t, hub, 0, 1)
	b := openNetworkLayer(t, hub, 0, 2)
	raw := openLink(t, hub, 3)
	ctx := testContext(t)

	t.Run("global", func(t *testing.T) {
		require.NoError(t, a.Send(ctx, GlobalBroadcast(), []byte{0x10, 0x08}, false, NPDUControlPriorityNormal))

		npdu, _ := receiveNPDU(t, raw)
		assert.True(t, npdu.HasDestination())
		assert.Equal(t, GlobalNetwork, npdu.DestNet)
		assert.Empty(t, npdu.DestAddr)
		assert.Equal(t, uint8(DefaultHopCount), npdu.DestHopCount)

		msg, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x10, 0x08}, msg.APDU)
	})

	t.Run("remote without route", func(t *testing.T) {
		require.NoError(t, a.Send(ctx, Address{Net: 5, Addr: []byte{0x0A}}, []byte{0x10, 0x08}, false, NPDUControlPriorityNormal))

		npdu, _ := receiveNPDU(t, raw)
		assert.Equal(t, uint16(5), npdu.DestNet)
		assert.Equal(t, []byte{0x0A}, npdu.DestAddr)

		// Not for network 5, so b drops it
		short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err := b.Receive(short)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNetworkLayerLearnsRoutes(t *testing.T) {
	hub := NewLoopbackHub()
	node := openNetworkLayer(t, hub, 0, 1)
	router := openLink(t, hub, 0x99)
	ctx := testContext(t)

	routed := NewAPDUNPDU([]byte{0x10, 0x08}, false, NPDUControlPriorityNormal)
	routed.SetSource(7, []byte{0x44})
	require.NoError(t, router.Send(ctx, []byte{1}, routed.Encode()))

	msg, err := node.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address{Net: 7, Addr: []byte{0x44}}, msg.Source)
	assert.Equal(t, map[uint16][]byte{7: {0x99}}, node.Routes())

	// Replies go straight to the router
	require.NoError(t, node.Send(ctx, msg.Source, []byte{0x20, 0x01, 0x0F}, false, NPDUControlPriorityNormal))
	npdu, _ := receiveNPDU(t, router)
	assert.Equal(t, uint16(7), npdu.DestNet)
	assert.Equal(t, []byte{0x44}, npdu.DestAddr)
	assert.Equal(t, []byte{0x20, 0x01, 0x0F}, npdu.Data)

	// I-Am-Router-To-Network adds networks, a reject removes them
	iam := NewNetworkMessage(NetworkMessageIAmRouterToNetwork, EncodeNetworkList([]uint16{8, 9}))
	require.NoError(t, router.Broadcast(ctx, iam.Encode()))
	reject := NewNetworkMessage(NetworkMessageRejectMessageToNetwork, EncodeRejectMessageToNetwork(NetworkRejectUnknownNetwork, 7))
	require.NoError(t, router.Broadcast(ctx, reject.Encode()))
	marker := NewAPDUNPDU([]byte{0x10, 0x08}, false, NPDUControlPriorityNormal)
	require.NoError(t, router.Broadcast(ctx, marker.Encode()))

	_, err = node.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uint16][]byte{8: {0x99}, 9: {0x99}}, node.Routes())
}

func TestNetworkLayerDestinationFilter(t *testing.T) {
	hub := NewLoopbackHub()
	node := openNetworkLayer(t, hub, 3, 1)
	raw := openLink(t, hub, 2)
	ctx := testContext(t)

	other := NewAPDUNPDU([]byte{0xAA}, false, NPDUControlPriorityNormal)
	other.SetDestination(9, []byte{1}, 10)
	require.NoError(t, raw.Send(ctx, []byte{1}, other.Encode()))

	ownNet := NewAPDUNPDU([]byte{0xBB}, false, NPDUControlPriorityNormal)
	ownNet.SetDestination(3, []byte{1}, 10)
	require.NoError(t, raw.Send(ctx, []byte{1}, ownNet.Encode()))

	msg, err := node.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBB}, msg.APDU, "frame for network 9 is dropped")

	// Local addressing to its own network number skips DNET
	require.NoError(t, node.Send(ctx, Address{Net: 3, Addr: []byte{2}}, []byte{0xCC}, false, NPDUControlPriorityNormal))
	npdu, _ := receiveNPDU(t, raw)
	assert.False(t, npdu.HasDestination())
}

func TestNetworkLayerNetworkNumber(t *testing.T) {
	hub := NewLoopbackHub()
	configured := openNetworkLayer(t, hub, 12, 1)
	learner := openNetworkLayer(t, hub, 0, 2)
	raw := openLink(t, hub, 3)
	ctx := testContext(t)

	go func() {
		configured.Receive(ctx)
	}()

	require.NoError(t, learner.WhatIsNetworkNumber(ctx))

	npdu, _ := receiveNPDU(t, raw)
	assert.Equal(t, NetworkMessageWhatIsNetworkNumber, npdu.MessageType)

	npdu, _ = receiveNPDU(t, raw)
	require.Equal(t, NetworkMessageNetworkNumberIs, npdu.MessageType)
	net, isConfigured, err := DecodeNetworkNumberIs(npdu.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(12), net)
	assert.True(t, isConfigured)

	go func() {
		for {
			if _, err := learner.Receive(ctx); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		return learner.NetworkNumber() == 12
	}, time.Second, 5*time.Millisecond)
}

func TestNetworkLayerSkipsInvalidNPDU(t *testing.T) {
	hub := NewLoopbackHub()
	node := openNetworkLayer(t, hub, 0, 1)
	raw := openLink(t, hub, 2)
	ctx := testContext(t)

	require.NoError(t, raw.Send(ctx, []byte{1}, []byte{0x02, 0x00}))
	require.NoError(t, raw.Send(ctx, []byte{1}, NewAPDUNPDU([]byte{0x10, 0x08}, false, NPDUControlPriorityNormal).Encode()))

	msg, err := node.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x08}, msg.APDU)
}
