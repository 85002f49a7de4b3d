package bacnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routerFixture joins network 1 and network 2 through a router with MAC
// 0xA1 on network 1 and 0xA2 on network 2
type routerFixture struct {
	router *Router
	net1   *LoopbackHub
	net2   *LoopbackHub
	left   Datalink // station 0x11 on network 1
	right  Datalink // station 0x22 on network 2
}

func startRouter(t *testing.T) *routerFixture {
	t.Helper()

	f := &routerFixture{net1: NewLoopbackHub(), net2: NewLoopbackHub()}
	f.left = openLink(t, f.net1, 0x11)
	f.right = openLink(t, f.net2, 0x22)

	r, err := NewRouter([]RouterPort{
		{Network: 1, Link: f.net1.Attach([]byte{0xA1})},
		{Network: 2, Link: f.net2.Attach([]byte{0xA2})},
	}, WithLogger(testLogger()))
	require.NoError(t, err)
	f.router = r

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	// Announcements tell that the ports are open
	npdu, _ := receiveNPDU(t, f.left)
	require.Equal(t, NetworkMessageIAmRouterToNetwork, npdu.MessageType)
	nets, err := DecodeNetworkList(npdu.Data)
	require.NoError(t, err)
	require.Equal(t, []uint16{2}, nets)

	npdu, _ = receiveNPDU(t, f.right)
	require.Equal(t, NetworkMessageIAmRouterToNetwork, npdu.MessageType)
	nets, err = DecodeNetworkList(npdu.Data)
	require.NoError(t, err)
	require.Equal(t, []uint16{1}, nets)

	return f
}

func TestNewRouterValidation(t *testing.T) {
	hub := NewLoopbackHub()

	_, err := NewRouter([]RouterPort{{Network: 1, Link: hub.Attach([]byte{1})}})
	assert.Error(t, err, "single port")

	_, err = NewRouter([]RouterPort{
		{Network: 1, Link: hub.Attach([]byte{1})},
		{Network: 1, Link: hub.Attach([]byte{2})},
	})
	assert.Error(t, err, "duplicate network")

	_, err = NewRouter([]RouterPort{
		{Network: 1, Link: hub.Attach([]byte{1})},
		{Network: GlobalNetwork, Link: hub.Attach([]byte{2})},
	})
	assert.Error(t, err, "global network as port")

	_, err = NewRouter([]RouterPort{
		{Network: 1, Link: hub.Attach([]byte{1})},
		{Network: 2},
	})
	assert.ErrorIs(t, err, ErrNoDatalink)
}

func TestRouterForwardsToDirectlyConnectedNetwork(t *testing.T) {
	f := startRouter(t)
	ctx := testContext(t)

	out := NewAPDUNPDU([]byte{0x00, 0x05, 0x01, 0x0C}, true, NPDUControlPriorityNormal)
	out.SetDestination(2, []byte{0x22}, DefaultHopCount)
	require.NoError(t, f.left.Send(ctx, []byte{0xA1}, out.Encode()))

	npdu, frame := receiveNPDU(t, f.right)
	assert.Equal(t, []byte{0xA2}, frame.Source)
	assert.False(t, npdu.HasDestination(), "DNET is removed on the final network")
	assert.True(t, npdu.HasSource())
	assert.Equal(t, uint16(1), npdu.SrcNet)
	assert.Equal(t, []byte{0x11}, npdu.SrcAddr)
	assert.True(t, npdu.ExpectingReply())
	assert.Equal(t, []byte{0x00, 0x05, 0x01, 0x0C}, npdu.Data)

	// The reply finds its way back through SNET
	back := NewAPDUNPDU([]byte{0x20, 0x01, 0x0C}, false, NPDUControlPriorityNormal)
	back.SetDestination(1, []byte{0x11}, DefaultHopCount)
	require.NoError(t, f.right.Send(ctx, []byte{0xA2}, back.Encode()))

	npdu, _ = receiveNPDU(t, f.left)
	assert.Equal(t, uint16(2), npdu.SrcNet)
	assert.Equal(t, []byte{0x22}, npdu.SrcAddr)
	assert.Equal(t, []byte{0x20, 0x01, 0x0C}, npdu.Data)

	assert.Eventually(t, func() bool {
		return f.router.Metrics().Snapshot().FramesForwarded == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRouterFloodsGlobalBroadcast(t *testing.T) {
	f := startRouter(t)
	ctx := testContext(t)

	out := NewAPDUNPDU(EncodeUnconfirmedRequest(ServiceWhoIs, nil), false, NPDUControlPriorityNormal)
	out.SetDestination(GlobalNetwork, nil, DefaultHopCount)
	require.NoError(t, f.left.Broadcast(ctx, out.Encode()))

	npdu, _ := receiveNPDU(t, f.right)
	assert.Equal(t, GlobalNetwork, npdu.DestNet)
	assert.Equal(t, uint8(DefaultHopCount-1), npdu.DestHopCount)
	assert.Equal(t, uint16(1), npdu.SrcNet)
	assert.Equal(t, []byte{0x11}, npdu.SrcAddr)
}

func TestRouterRejectsUnknownNetwork(t *testing.T) {
	f := startRouter(t)
	ctx := testContext(t)

	out := NewAPDUNPDU([]byte{0x10, 0x08}, false, NPDUControlPriorityNormal)
	out.SetDestination(77, nil, DefaultHopCount)
	require.NoError(t, f.left.Send(ctx, []byte{0xA1}, out.Encode()))

	npdu, _ := receiveNPDU(t, f.left)
	require.Equal(t, NetworkMessageRejectMessageToNetwork, npdu.MessageType)
	reason, net, err := DecodeRejectMessageToNetwork(npdu.Data)
	require.NoError(t, err)
	assert.Equal(t, NetworkRejectUnknownNetwork, reason)
	assert.Equal(t, uint16(77), net)
	assert.Equal(t, int64(1), f.router.Metrics().Snapshot().RejectsSent)
}

func TestRouterDropsExhaustedHopCount(t *testing.T) {
	f := startRouter(t)
	ctx := testContext(t)

	out := NewAPDUNPDU([]byte{0x10, 0x08}, false, NPDUControlPriorityNormal)
	out.SetDestination(2, nil, 0)
	require.NoError(t, f.left.Send(ctx, []byte{0xA1}, out.Encode()))

	assertNothingReceived(t, f.right)
	assert.Eventually(t, func() bool {
		return f.router.Metrics().Snapshot().FramesDropped == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRouterAnswersWhoIsRouter(t *testing.T) {
	f := startRouter(t)
	ctx := testContext(t)

	ask := NewNetworkMessage(NetworkMessageWhoIsRouterToNetwork, EncodeNetworkList([]uint16{2}))
	require.NoError(t, f.left.Broadcast(ctx, ask.Encode()))

	npdu, _ := receiveNPDU(t, f.left)
	require.Equal(t, NetworkMessageIAmRouterToNetwork, npdu.MessageType)
	nets, err := DecodeNetworkList(npdu.Data)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2}, nets)

	what := NewNetworkMessage(NetworkMessageWhatIsNetworkNumber, nil)
	require.NoError(t, f.right.Broadcast(ctx, what.Encode()))

	npdu, _ = receiveNPDU(t, f.right)
	require.Equal(t, NetworkMessageNetworkNumberIs, npdu.MessageType)
	num, _, err := DecodeNetworkNumberIs(npdu.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), num)
}

func TestRouterLearnsRemoteNetworks(t *testing.T) {
	f := startRouter(t)
	ctx := testContext(t)

	// Station 0x22 routes to network 3
	iam := NewNetworkMessage(NetworkMessageIAmRouterToNetwork, EncodeNetworkList([]uint16{3}))
	require.NoError(t, f.right.Broadcast(ctx, iam.Encode()))

	// and the router passes the news on to network 1
	npdu, _ := receiveNPDU(t, f.left)
	require.Equal(t, NetworkMessageIAmRouterToNetwork, npdu.MessageType)
	nets, err := DecodeNetworkList(npdu.Data)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3}, nets)

	assert.Equal(t, []Route{
		{Network: 1, Port: 1},
		{Network: 2, Port: 2},
		{Network: 3, Port: 2, NextHop: []byte{0x22}},
	}, f.router.Routes())

	out := NewAPDUNPDU([]byte{0x10, 0x08}, false, NPDUControlPriorityNormal)
	out.SetDestination(3, []byte{0x33}, 10)
	require.NoError(t, f.left.Send(ctx, []byte{0xA1}, out.Encode()))

	npdu, frame := receiveNPDU(t, f.right)
	assert.Equal(t, []byte{0xA2}, frame.Source)
	assert.Equal(t, uint16(3), npdu.DestNet)
	assert.Equal(t, []byte{0x33}, npdu.DestAddr)
	assert.Equal(t, uint8(9), npdu.DestHopCount)
}

func TestRouterWithNetworkLayers(t *testing.T) {
	f := startRouter(t)
	ctx := testContext(t)

	node := openNetworkLayer(t, f.net1, 0, 0x12)
	target := openNetworkLayer(t, f.net2, 0, 0x23)

	require.NoError(t, node.Send(ctx, Address{Net: 2, Addr: []byte{0x23}}, []byte{0x10, 0x08}, false, NPDUControlPriorityNormal))

	msg, err := target.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address{Net: 1, Addr: []byte{0x12}}, msg.Source)
	assert.Equal(t, map[uint16][]byte{1: {0xA2}}, target.Routes())

	require.NoError(t, target.Send(ctx, msg.Source, []byte{0x10, 0x00}, false, NPDUControlPriorityNormal))

	msg, err = node.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address{Net: 2, Addr: []byte{0x23}}, msg.Source)
	assert.Equal(t, []byte{0x10, 0x00}, msg.APDU)
}

func runRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

// routerAnnouncements collects the I-Am-Router-To-Network lists seen on
// link during d
func routerAnnouncements(t *testing.T, link Datalink, d time.Duration) [][]uint16 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	var seen [][]uint16
	for {
		f, err := link.Receive(ctx)
		if err != nil {
			require.ErrorIs(t, err, context.DeadlineExceeded)
			return seen
		}
		npdu, err := DecodeNPDU(f.NPDU)
		require.NoError(t, err)
		if npdu.IsNetworkMessage() && npdu.MessageType == NetworkMessageIAmRouterToNetwork {
			nets, err := DecodeNetworkList(npdu.Data)
			require.NoError(t, err)
			seen = append(seen, nets)
		}
	}
}

func TestRoutersOnParallelPathsSettle(t *testing.T) {
	net1, net2 := NewLoopbackHub(), NewLoopbackHub()
	watcher := openLink(t, net1, 0x11)
	station := openLink(t, net2, 0x22)

	var routers []*Router
	for _, mac := range []byte{0xA0, 0xB0} {
		r, err := NewRouter([]RouterPort{
			{Network: 1, Link: net1.Attach([]byte{mac | 1})},
			{Network: 2, Link: net2.Attach([]byte{mac | 2})},
		}, WithLogger(testLogger()))
		require.NoError(t, err)
		runRouter(t, r)
		routers = append(routers, r)
	}

	// Each router announces network 2 once when it starts
	assert.Len(t, routerAnnouncements(t, watcher, 100*time.Millisecond), 2)
	assert.Empty(t, routerAnnouncements(t, watcher, 150*time.Millisecond))

	// A network behind network 2 is passed on at most once by each router
	iam := NewNetworkMessage(NetworkMessageIAmRouterToNetwork, EncodeNetworkList([]uint16{3}))
	require.NoError(t, station.Broadcast(testContext(t), iam.Encode()))

	seen := routerAnnouncements(t, watcher, 150*time.Millisecond)
	assert.NotEmpty(t, seen)
	assert.LessOrEqual(t, len(seen), 2)
	for _, nets := range seen {
		assert.Equal(t, []uint16{3}, nets)
	}
	assert.Empty(t, routerAnnouncements(t, watcher, 150*time.Millisecond))

	for _, r := range routers {
		routes := r.Routes()
		require.Len(t, routes, 3)
		assert.Equal(t, uint16(3), routes[2].Network)
	}
}

func TestRouterKeepsRouteLearnedOnAnotherPort(t *testing.T) {
	f := startRouter(t)
	ctx := testContext(t)

	iam := NewNetworkMessage(NetworkMessageIAmRouterToNetwork, EncodeNetworkList([]uint16{3}))
	require.NoError(t, f.right.Broadcast(ctx, iam.Encode()))
	npdu, _ := receiveNPDU(t, f.left)
	require.Equal(t, NetworkMessageIAmRouterToNetwork, npdu.MessageType)

	// Network 3 claimed from the other side, as a router hearing its own
	// announcement would
	require.NoError(t, f.left.Broadcast(ctx, iam.Encode()))
	assertNothingReceived(t, f.right)

	// Directly connected networks are not announced back either
	back := NewNetworkMessage(NetworkMessageIAmRouterToNetwork, EncodeNetworkList([]uint16{1, 2}))
	require.NoError(t, f.left.Broadcast(ctx, back.Encode()))
	assertNothingReceived(t, f.right)

	assert.Equal(t, []Route{
		{Network: 1, Port: 1},
		{Network: 2, Port: 2},
		{Network: 3, Port: 2, NextHop: []byte{0x22}},
	}, f.router.Routes())
}
