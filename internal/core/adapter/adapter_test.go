package adapter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-streamnet/internal/core/endpoint"
	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// fakeTransport Transport 的测试替身
type fakeTransport struct {
	mu     sync.Mutex
	sent   map[types.PeerID][][]byte
	closed map[types.PeerID]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(map[types.PeerID][][]byte),
		closed: make(map[types.PeerID]string),
	}
}

func (f *fakeTransport) Send(id types.PeerID, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = append(f.sent[id], frame)
	return nil
}

func (f *fakeTransport) Close(id types.PeerID, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = reason
}

func (f *fakeTransport) lastSent(t *testing.T, id types.PeerID) protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.sent[id]
	require.NotEmpty(t, frames)
	msg, err := protocol.Decode(frames[len(frames)-1])
	require.NoError(t, err)
	return msg
}

func (f *fakeTransport) closedReason(id types.PeerID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

// inject 向总线注入一个入站帧
func inject(t *testing.T, bus *eventbus.Bus, peer types.PeerInfo, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	injectRaw(t, bus, peer, frame)
}

func injectRaw(t *testing.T, bus *eventbus.Bus, peer types.PeerInfo, frame []byte) {
	t.Helper()
	em, err := bus.Emitter(new(types.EvtMessageReceived))
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
	t.Fatal("condition not reached")
}

func TestNodeToNodeDispatch(t *testing.T) {
	transport := newFakeTransport()
	bus := eventbus.New()
	n2n := NewNodeToNode(transport)

	var mu sync.Mutex
	var broadcasts []types.PeerID
	var subscribes []protocol.SubscribeRequest
	var resends []protocol.ResendRequest
	n2n.OnBroadcast = func(msg protocol.BroadcastMessage, source types.PeerID) {
		mu.Lock()
		broadcasts = append(broadcasts, source)
		mu.Unlock()
	}
	n2n.OnSubscribe = func(req protocol.SubscribeRequest, source types.PeerID) {
		mu.Lock()
		subscribes = append(subscribes, req)
		mu.Unlock()
	}
	n2n.OnResendRequest = func(req protocol.ResendRequest, source types.PeerID) {
		mu.Lock()
		resends = append(resends, req)
		mu.Unlock()
	}

	require.NoError(t, n2n.Start(bus))
	defer n2n.Stop()

	peer := types.NewNodeInfo("node-b")
	key := types.StreamKey{StreamID: "s", Partition: 0}

	inject(t, bus, peer, protocol.BroadcastMessage{Message: types.StreamMessage{
		ID: types.MessageID{StreamID: "s", Partition: 0, Timestamp: 1, PublisherID: "p", MsgChainID: "c"},
	}})
	inject(t, bus, peer, protocol.SubscribeRequest{Key: key})
	inject(t, bus, peer, protocol.ResendLastRequest{RequestID: "req-1", Key: key, NumberLast: 10})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(broadcasts) == 1 && len(subscribes) == 1 && len(resends) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, types.PeerID("node-b"), broadcasts[0])
	require.Equal(t, key, subscribes[0].Key)
	require.Equal(t, "req-1", resends[0].ResendRequestID())
}

func TestNodeToNodeIgnoresTrackerFrames(t *testing.T) {
	transport := newFakeTransport()
	bus := eventbus.New()
	n2n := NewNodeToNode(transport)

	var called atomic.Bool
	n2n.OnBroadcast = func(protocol.BroadcastMessage, types.PeerID) { called.Store(true) }
	require.NoError(t, n2n.Start(bus))
	defer n2n.Stop()

	inject(t, bus, types.NewTrackerInfo("tracker-1"), protocol.BroadcastMessage{})
	time.Sleep(50 * time.Millisecond)
	require.False(t, called.Load())
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	transport := newFakeTransport()
	bus := eventbus.New()
	n2n := NewNodeToNode(transport)
	require.NoError(t, n2n.Start(bus))
	defer n2n.Stop()

	peer := types.NewNodeInfo("node-bad")
	injectRaw(t, bus, peer, []byte(`{"type":"gossip","payload":{}}`))

	waitFor(t, func() bool { return transport.closedReason("node-bad") != "" })
	require.Equal(t, "unknown frame", transport.closedReason("node-bad"))
}

func TestTrackerNodeDispatchAndSend(t *testing.T) {
	transport := newFakeTransport()
	bus := eventbus.New()
	tn := NewTrackerNode(transport)

	var mu sync.Mutex
	var instructions []protocol.InstructionMessage
	tn.OnInstruction = func(instr protocol.InstructionMessage, tracker types.PeerID) {
		mu.Lock()
		instructions = append(instructions, instr)
		mu.Unlock()
	}
	require.NoError(t, tn.Start(bus))
	defer tn.Stop()

	key := types.StreamKey{StreamID: "s", Partition: 0}
	tracker := types.NewTrackerInfo("tracker-1")

	// 非追踪器对端的指令被忽略
	inject(t, bus, types.NewNodeInfo("node-x"), protocol.InstructionMessage{Key: key, Counter: 9})
	inject(t, bus, tracker, protocol.InstructionMessage{Key: key, NodeAddresses: []string{"ws://a"}, Counter: 1})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(instructions) == 1
	})
	mu.Lock()
	require.Equal(t, 1, instructions[0].Counter)
	mu.Unlock()

	// 状态上报编码正确
	require.NoError(t, tn.SendStatus("tracker-1", protocol.Status{
		Streams: []protocol.StreamStatus{{Key: key, Counter: 1}},
	}))
	msg := transport.lastSent(t, "tracker-1")
	status, ok := msg.(protocol.StatusMessage)
	require.True(t, ok)
	require.Len(t, status.Status.Streams, 1)
}

func TestTrackerServerDispatchAndSend(t *testing.T) {
	transport := newFakeTransport()
	bus := eventbus.New()
	ts := NewTrackerServer(transport)

	var mu sync.Mutex
	var statuses []types.PeerID
	ts.OnStatus = func(status protocol.Status, node types.PeerID) {
		mu.Lock()
		statuses = append(statuses, node)
		mu.Unlock()
	}
	require.NoError(t, ts.Start(bus))
	defer ts.Stop()

	inject(t, bus, types.NewNodeInfo("node-a"), protocol.StatusMessage{})
	// 存储节点也是节点，其状态同样被处理
	inject(t, bus, types.NewStorageInfo("storage-a"), protocol.StatusMessage{})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	})

	key := types.StreamKey{StreamID: "s", Partition: 0}
	require.NoError(t, ts.SendInstruction("node-a", key, []string{"ws://b"}, 7))
	msg := transport.lastSent(t, "node-a")
	instr, ok := msg.(protocol.InstructionMessage)
	require.True(t, ok)
	require.Equal(t, 7, instr.Counter)
	require.Equal(t, []string{"ws://b"}, instr.NodeAddresses)
}

func TestWithRequestID(t *testing.T) {
	t.Run("MintsWhenAbsent", func(t *testing.T) {
		req := WithRequestID(protocol.ResendLastRequest{NumberLast: 5})
		require.NotEmpty(t, req.ResendRequestID())
	})

	t.Run("KeepsExisting", func(t *testing.T) {
		req := WithRequestID(protocol.ResendLastRequest{RequestID: "req-1"})
		require.Equal(t, "req-1", req.ResendRequestID())
	})
}

var _ Transport = (*endpoint.Endpoint)(nil)
