package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-streamnet/internal/core/adapter"
	"github.com/dep2p/go-streamnet/internal/core/endpoint"
	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/internal/core/peerbook"
	"github.com/dep2p/go-streamnet/internal/core/streams"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// ============================================================================
//                              测试替身
// ============================================================================

// fakeNetwork Network 的测试替身
type fakeNetwork struct {
	mu     sync.Mutex
	peers  map[string]types.PeerID // 地址 → 对端标识
	fails  map[string]int          // 剩余连接失败次数
	dials  []string
	closed map[types.PeerID]string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		peers:  make(map[string]types.PeerID),
		fails:  make(map[string]int),
		closed: make(map[types.PeerID]string),
	}
}

func (f *fakeNetwork) Connect(peerURL string) (types.PeerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, peerURL)
	if f.fails[peerURL] > 0 {
		f.fails[peerURL]--
		return "", errors.New("connection refused")
	}
	id, ok := f.peers[peerURL]
	if !ok {
		return "", errors.New("unknown address")
	}
	return id, nil
}

func (f *fakeNetwork) Close(id types.PeerID, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = reason
}

func (f *fakeNetwork) RTTs() map[string]time.Duration { return nil }

func (f *fakeNetwork) closedReason(id types.PeerID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

func (f *fakeNetwork) dialCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, d := range f.dials {
		if d == url {
			count++
		}
	}
	return count
}

// fakeTransport Transport 的测试替身
type fakeTransport struct {
	mu   sync.Mutex
	sent map[types.PeerID][]protocol.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[types.PeerID][]protocol.Message)}
}

func (f *fakeTransport) Send(id types.PeerID, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = append(f.sent[id], msg)
	return nil
}

func (f *fakeTransport) Close(id types.PeerID, code int, reason string) {}

func (f *fakeTransport) sentTo(id types.PeerID) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, len(f.sent[id]))
	copy(out, f.sent[id])
	return out
}

func (f *fakeTransport) countTo(id types.PeerID, tag protocol.Tag) int {
	count := 0
	for _, msg := range f.sentTo(id) {
		if msg.MessageTag() == tag {
			count++
		}
	}
	return count
}

// ============================================================================
//                              构造器
// ============================================================================

type harness struct {
	node      *Node
	transport *fakeTransport
	network   *fakeNetwork
	bus       *eventbus.Bus
	book      *peerbook.PeerBook
	tracker   types.PeerInfo
}

const trackerURL = "ws://tracker:30300"

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	transport := newFakeTransport()
	network := newFakeNetwork()
	bus := eventbus.New()
	book := peerbook.New()

	tracker := types.NewTrackerInfo("tracker-1")
	network.peers[trackerURL] = tracker.ID
	if cfg.Trackers == nil {
		cfg.Trackers = []string{trackerURL}
	}
	if cfg.TrackerBackoffBase <= 0 {
		cfg.TrackerBackoffBase = 10 * time.Millisecond
	}

	n := New(
		types.NewNodeInfo("self"),
		cfg,
		streams.NewManager(),
		adapter.NewNodeToNode(transport),
		adapter.NewTrackerNode(transport),
		network,
		book,
		nil,
	)
	require.NoError(t, n.Start(bus))
	t.Cleanup(n.Stop)

	h := &harness{node: n, transport: transport, network: network, bus: bus, book: book, tracker: tracker}
	// 等待追踪器连接完成（首份状态上报）
	waitFor(t, func() bool { return transport.countTo(tracker.ID, protocol.TagStatus) >= 1 })
	return h
}

func (h *harness) inject(t *testing.T, peer types.PeerInfo, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	em, err := h.bus.Emitter(new(types.EvtMessageReceived))
	require.NoError(t, err)
	defer em.Close()
	require.NoError(t, em.Emit(types.EvtMessageReceived{Peer: peer, Payload: frame}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func key(t *testing.T, s string) types.StreamKey {
	t.Helper()
	k, err := types.ParseStreamKey(s)
	require.NoError(t, err)
	return k
}

func message(t *testing.T, stream string, ts int64, seq int) types.StreamMessage {
	t.Helper()
	k := key(t, stream)
	return types.StreamMessage{
		ID: types.MessageID{
			StreamID:       k.StreamID,
			Partition:      k.Partition,
			Timestamp:      ts,
			SequenceNumber: seq,
			PublisherID:    "publisher-1",
			MsgChainID:     "chain-1",
		},
		Content: []byte(`{"v":1}`),
	}
}

func lastStatus(t *testing.T, transport *fakeTransport, tracker types.PeerID) protocol.Status {
	t.Helper()
	msgs := transport.sentTo(tracker)
	for i := len(msgs) - 1; i >= 0; i-- {
		if sm, ok := msgs[i].(protocol.StatusMessage); ok {
			return sm.Status
		}
	}
	t.Fatal("no status sent")
	return protocol.Status{}
}

// ============================================================================
//                              用例
// ============================================================================

func TestSubscribeReportsStatus(t *testing.T) {
	h := newHarness(t, Config{})

	h.node.Subscribe(key(t, "stream-1::0"))
	waitFor(t, func() bool { return h.transport.countTo(h.tracker.ID, protocol.TagStatus) >= 2 })

	status := lastStatus(t, h.transport, h.tracker.ID)
	require.Len(t, status.Streams, 1)
	require.Equal(t, key(t, "stream-1::0"), status.Streams[0].Key)
	require.Equal(t, []types.StreamKey{key(t, "stream-1::0")}, h.node.Subscriptions())
}

func TestInstructionConnectsAndSubscribes(t *testing.T) {
	h := newHarness(t, Config{})
	stream := key(t, "stream-1::0")
	h.node.Subscribe(stream)

	h.network.peers["ws://peer-a:1"] = "peer-a"
	h.inject(t, h.tracker, protocol.InstructionMessage{
		Key:           stream,
		NodeAddresses: []string{"ws://peer-a:1"},
		Counter:       1,
	})

	// 对目标邻居先连接再订阅，随后回报状态
	waitFor(t, func() bool { return h.transport.countTo("peer-a", protocol.TagSubscribe) == 1 })
	waitFor(t, func() bool {
		status := lastStatus(t, h.transport, h.tracker.ID)
		return len(status.Streams) == 1 && status.Streams[0].Counter == 1 &&
			len(status.Streams[0].Neighbors) == 1 && status.Streams[0].Neighbors[0] == "peer-a"
	})
}

func TestStaleInstructionDropped(t *testing.T) {
	h := newHarness(t, Config{})
	stream := key(t, "stream-1::0")
	h.node.Subscribe(stream)

	h.network.peers["ws://peer-a:1"] = "peer-a"
	h.inject(t, h.tracker, protocol.InstructionMessage{Key: stream, NodeAddresses: []string{"ws://peer-a:1"}, Counter: 5})
	waitFor(t, func() bool { return h.transport.countTo("peer-a", protocol.TagSubscribe) == 1 })

	// 计数不前进的指令被丢弃
	h.network.peers["ws://peer-b:1"] = "peer-b"
	h.inject(t, h.tracker, protocol.InstructionMessage{Key: stream, NodeAddresses: []string{"ws://peer-b:1"}, Counter: 5})
	h.inject(t, h.tracker, protocol.InstructionMessage{Key: stream, NodeAddresses: []string{"ws://peer-b:1"}, Counter: 3})

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, h.transport.countTo("peer-b", protocol.TagSubscribe))
	require.Equal(t, 1, h.transport.countTo("peer-a", protocol.TagSubscribe))
}

func TestBroadcastForwardedExceptSource(t *testing.T) {
	h := newHarness(t, Config{})
	stream := key(t, "stream-1::0")
	h.node.Subscribe(stream)

	sub, err := h.bus.Subscribe(new(types.EvtUnseenMessage), eventbus.BufSize(16))
	require.NoError(t, err)
	defer sub.Close()

	// 两个邻居向本节点声明收流意向，同时本节点也从它们收流
	peerB := types.NewNodeInfo("peer-b")
	peerC := types.NewNodeInfo("peer-c")
	h.inject(t, peerB, protocol.SubscribeRequest{Key: stream})
	h.inject(t, peerC, protocol.SubscribeRequest{Key: stream})
	waitFor(t, func() bool {
		outbound := h.node.streams.Outbound(stream)
		return len(outbound) == 2
	})
	require.NoError(t, h.node.streams.AddInbound(stream, "peer-b"))
	require.NoError(t, h.node.streams.AddInbound(stream, "peer-c"))

	msg := message(t, "stream-1::0", 100, 0)
	h.inject(t, peerB, protocol.BroadcastMessage{Message: msg})

	// 转发给除来源外的全部出站邻居，并交付本地订阅者
	waitFor(t, func() bool { return h.transport.countTo("peer-c", protocol.TagBroadcast) == 1 })
	require.Zero(t, h.transport.countTo("peer-b", protocol.TagBroadcast))

	evt := (<-sub.Out()).(types.EvtUnseenMessage)
	require.Equal(t, msg.ID, evt.Message.ID)
	require.Equal(t, types.PeerID("peer-b"), evt.Source)

	// 重复消息静默丢弃
	h.inject(t, peerC, protocol.BroadcastMessage{Message: msg})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, h.transport.countTo("peer-c", protocol.TagBroadcast))
}

func TestBroadcastFromNonNeighborDropped(t *testing.T) {
	h := newHarness(t, Config{})
	stream := key(t, "stream-1::0")
	h.node.Subscribe(stream)

	sub, err := h.bus.Subscribe(new(types.EvtUnseenMessage), eventbus.BufSize(16))
	require.NoError(t, err)
	defer sub.Close()

	// peer-out 只收流，stranger 与本节点没有任何订阅关系
	peerOut := types.NewNodeInfo("peer-out")
	h.inject(t, peerOut, protocol.SubscribeRequest{Key: stream})
	waitFor(t, func() bool { return len(h.node.streams.Outbound(stream)) == 1 })

	// 非入站邻居注入的消息既不转发也不交付本地
	stranger := types.NewNodeInfo("stranger")
	h.inject(t, stranger, protocol.BroadcastMessage{Message: message(t, "stream-1::0", 100, 0)})
	h.inject(t, peerOut, protocol.BroadcastMessage{Message: message(t, "stream-1::0", 100, 1)})
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, h.transport.countTo("peer-out", protocol.TagBroadcast))
	select {
	case evt := <-sub.Out():
		t.Fatalf("unexpected local delivery: %v", evt)
	default:
	}

	// 同一消息经入站邻居送达时照常处理
	require.NoError(t, h.node.streams.AddInbound(stream, "peer-in"))
	h.inject(t, types.NewNodeInfo("peer-in"), protocol.BroadcastMessage{Message: message(t, "stream-1::0", 100, 0)})
	waitFor(t, func() bool { return h.transport.countTo("peer-out", protocol.TagBroadcast) == 1 })
}

func TestPublishDedupAndAutoSubscribe(t *testing.T) {
	h := newHarness(t, Config{})

	msg := message(t, "stream-1::0", 100, 0)
	require.NoError(t, h.node.Publish(msg))
	require.Equal(t, []types.StreamKey{key(t, "stream-1::0")}, h.node.Subscriptions())

	// 重复发布不报错也不重复扩散
	require.NoError(t, h.node.Publish(msg))

	next := message(t, "stream-1::0", 100, 1)
	require.NoError(t, h.node.Publish(next))
}

func TestUnsubscribeClosesIdleNeighbors(t *testing.T) {
	h := newHarness(t, Config{DisconnectionWait: 30 * time.Millisecond})
	stream := key(t, "stream-1::0")
	h.node.Subscribe(stream)

	peerB := types.NewNodeInfo("peer-b")
	h.inject(t, peerB, protocol.SubscribeRequest{Key: stream})
	waitFor(t, func() bool { return len(h.node.streams.Outbound(stream)) == 1 })

	h.node.Unsubscribe(stream)
	require.Equal(t, 1, h.transport.countTo("peer-b", protocol.TagUnsubscribe))

	// 宽限期后不共享任何流的邻居被断连
	waitFor(t, func() bool { return h.network.closedReason("peer-b") == endpoint.ReasonNoSharedStreams })
}

func TestNeighborUnsubscribeRemovesPeer(t *testing.T) {
	h := newHarness(t, Config{DisconnectionWait: time.Minute})
	stream := key(t, "stream-1::0")
	h.node.Subscribe(stream)

	sub, err := h.bus.Subscribe(new(types.EvtNodeUnsubscribed), eventbus.BufSize(4))
	require.NoError(t, err)
	defer sub.Close()

	peerB := types.NewNodeInfo("peer-b")
	h.inject(t, peerB, protocol.SubscribeRequest{Key: stream})
	waitFor(t, func() bool { return len(h.node.streams.Outbound(stream)) == 1 })

	h.inject(t, peerB, protocol.UnsubscribeRequest{Key: stream})
	evt := (<-sub.Out()).(types.EvtNodeUnsubscribed)
	require.Equal(t, types.PeerID("peer-b"), evt.Peer)
	require.Empty(t, h.node.streams.Outbound(stream))
}

func TestPeerDisconnectReportsStatus(t *testing.T) {
	h := newHarness(t, Config{})
	stream := key(t, "stream-1::0")
	h.node.Subscribe(stream)

	peerB := types.NewNodeInfo("peer-b")
	h.book.Add(peerB, "ws://peer-b:1")
	h.inject(t, peerB, protocol.SubscribeRequest{Key: stream})
	waitFor(t, func() bool { return len(h.node.streams.Outbound(stream)) == 1 })

	sub, err := h.bus.Subscribe(new(types.EvtNodeDisconnected), eventbus.BufSize(4))
	require.NoError(t, err)
	defer sub.Close()

	before := h.transport.countTo(h.tracker.ID, protocol.TagStatus)
	em, err := h.bus.Emitter(new(types.EvtPeerDisconnected))
	require.NoError(t, err)
	defer em.Close()
	require.NoError(t, em.Emit(types.EvtPeerDisconnected{Peer: peerB, Code: endpoint.CodeNormal}))

	evt := (<-sub.Out()).(types.EvtNodeDisconnected)
	require.Equal(t, types.PeerID("peer-b"), evt.Peer)
	require.Equal(t, "ws://peer-b:1", evt.Address)
	require.Empty(t, h.node.streams.Outbound(stream))
	waitFor(t, func() bool { return h.transport.countTo(h.tracker.ID, protocol.TagStatus) > before })
}

func TestTrackerReconnectBackoff(t *testing.T) {
	transport := newFakeTransport()
	network := newFakeNetwork()
	bus := eventbus.New()

	tracker := types.NewTrackerInfo("tracker-1")
	network.peers[trackerURL] = tracker.ID
	network.fails[trackerURL] = 2

	n := New(
		types.NewNodeInfo("self"),
		Config{Trackers: []string{trackerURL}, TrackerBackoffBase: 5 * time.Millisecond},
		streams.NewManager(),
		adapter.NewNodeToNode(transport),
		adapter.NewTrackerNode(transport),
		network,
		peerbook.New(),
		nil,
	)
	require.NoError(t, n.Start(bus))
	defer n.Stop()

	// 两次失败后第三次拨号成功
	waitFor(t, func() bool { return transport.countTo(tracker.ID, protocol.TagStatus) == 1 })
	require.GreaterOrEqual(t, network.dialCount(trackerURL), 3)

	// 断开后自动重连并再次上报
	em, err := bus.Emitter(new(types.EvtPeerDisconnected))
	require.NoError(t, err)
	defer em.Close()
	require.NoError(t, em.Emit(types.EvtPeerDisconnected{Peer: tracker, Code: endpoint.CodeNormal}))

	waitFor(t, func() bool { return transport.countTo(tracker.ID, protocol.TagStatus) >= 2 })
}
