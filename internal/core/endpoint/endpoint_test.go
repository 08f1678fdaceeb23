package endpoint

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/internal/core/peerbook"
	"github.com/dep2p/go-streamnet/pkg/types"
)

func newTestEndpoint(t *testing.T, id string, port int) (*Endpoint, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.New()
	ep, err := New(
		types.NewNodeInfo(types.PeerID(id)),
		Config{Host: "127.0.0.1", Port: port, PingInterval: time.Minute},
		peerbook.New(),
		bus,
		clock.New(),
	)
	require.NoError(t, err)
	return ep, bus
}

func waitEvent[T any](t *testing.T, sub *eventbus.Subscription) T {
	t.Helper()

	for {
		select {
		case raw := <-sub.Out():
			if evt, ok := raw.(T); ok {
				return evt
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEndpointLoopback(t *testing.T) {
	epA, busA := newTestEndpoint(t, "node-a", 34511)
	epB, busB := newTestEndpoint(t, "node-b", 34512)

	connA, err := busA.Subscribe(new(types.EvtPeerConnected))
	require.NoError(t, err)
	defer connA.Close()
	connB, err := busB.Subscribe(new(types.EvtPeerConnected))
	require.NoError(t, err)
	defer connB.Close()
	recvB, err := busB.Subscribe(new(types.EvtMessageReceived))
	require.NoError(t, err)
	defer recvB.Close()
	discA, err := busA.Subscribe(new(types.EvtPeerDisconnected))
	require.NoError(t, err)
	defer discA.Close()

	require.NoError(t, epA.Start())
	defer epA.Stop()
	require.NoError(t, epB.Start())
	defer epB.Stop()

	// 握手：双方都观察到对端连接建立
	peerID, err := epA.Connect(epB.AdvertisedURL())
	require.NoError(t, err)
	require.Equal(t, types.PeerID("node-b"), peerID)

	evtA := waitEvent[types.EvtPeerConnected](t, connA)
	require.Equal(t, types.PeerID("node-b"), evtA.Peer.ID)
	evtB := waitEvent[types.EvtPeerConnected](t, connB)
	require.Equal(t, types.PeerID("node-a"), evtB.Peer.ID)

	require.True(t, epA.IsConnected("node-b"))
	require.True(t, epB.IsConnected("node-a"))

	// 数据帧按发送顺序到达
	require.NoError(t, epA.Send("node-b", []byte("frame-1")))
	got := waitEvent[types.EvtMessageReceived](t, recvB)
	require.Equal(t, "frame-1", string(got.Payload))
	require.Equal(t, types.PeerID("node-a"), got.Peer.ID)

	// 对端关闭以断开事件浮出，携带关闭原因
	epB.Close("node-a", CodeNormal, ReasonNoSharedStreams)
	evtD := waitEvent[types.EvtPeerDisconnected](t, discA)
	require.Equal(t, types.PeerID("node-b"), evtD.Peer.ID)
	require.Equal(t, ReasonNoSharedStreams, evtD.Reason)
}

func TestConnectErrors(t *testing.T) {
	ep, _ := newTestEndpoint(t, "node-a", 34513)
	require.NoError(t, ep.Start())
	defer ep.Stop()

	t.Run("OwnAddress", func(t *testing.T) {
		_, err := ep.Connect(ep.AdvertisedURL())
		require.ErrorIs(t, err, types.ErrOwnAddress)
	})

	t.Run("Stopped", func(t *testing.T) {
		stopped, _ := newTestEndpoint(t, "node-x", 34514)
		require.NoError(t, stopped.Start())
		require.NoError(t, stopped.Stop())

		_, err := stopped.Connect("ws://127.0.0.1:9")
		require.ErrorIs(t, err, types.ErrStopped)
	})
}

func TestSendNotConnected(t *testing.T) {
	ep, _ := newTestEndpoint(t, "node-a", 34515)
	require.NoError(t, ep.Start())
	defer ep.Stop()

	err := ep.Send("stranger", []byte("x"))
	require.ErrorIs(t, err, types.ErrNotConnected)
}

func TestRegisterTiebreak(t *testing.T) {
	ep, bus := newTestEndpoint(t, "node-q", 34516)
	disc, err := bus.Subscribe(new(types.EvtPeerDisconnected))
	require.NoError(t, err)
	defer disc.Close()

	peer := types.NewNodeInfo("node-p")
	clk := clock.NewMock()

	// 既有连接由较小地址方发起
	existing := newConnection(peer, "ws://a", "ws://a", newFakeWS(), clk)
	require.True(t, ep.register(existing))

	t.Run("GreaterInitiatorReplaces", func(t *testing.T) {
		// 本端（较大地址）发起的连接胜出，替换不触发断开事件
		winner := newConnection(peer, "ws://a", "ws://q", newFakeWS(), clk)
		require.True(t, ep.register(winner))

		ep.mu.Lock()
		current := ep.conns[peer.ID]
		ep.mu.Unlock()
		require.Same(t, winner, current)
		require.True(t, existing.closed.Load())

		select {
		case raw := <-disc.Out():
			t.Fatalf("unexpected disconnect event during replacement: %v", raw)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("SmallerInitiatorLoses", func(t *testing.T) {
		loser := newConnection(peer, "ws://a", "ws://0", newFakeWS(), clk)
		require.False(t, ep.register(loser))
		require.True(t, loser.closed.Load())
	})
}

func TestDeadConnectionDetection(t *testing.T) {
	ep, bus := newTestEndpoint(t, "node-a", 34517)
	disc, err := bus.Subscribe(new(types.EvtPeerDisconnected))
	require.NoError(t, err)
	defer disc.Close()

	conn := newConnection(types.NewNodeInfo("node-b"), "ws://b", "ws://b", newFakeWS(), clock.NewMock())
	require.True(t, ep.register(conn))

	// 第一轮发出 ping；第二轮无 pong，按死连接终止
	ep.pingConnections()
	ep.pingConnections()

	evt := waitEvent[types.EvtPeerDisconnected](t, disc)
	require.Equal(t, types.PeerID("node-b"), evt.Peer.ID)
	require.Equal(t, ReasonDeadConnection, evt.Reason)
	require.False(t, ep.IsConnected("node-b"))
}
