package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-streamnet/internal/core/adapter"
	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/internal/core/peerbook"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

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

func newTestTracker(t *testing.T) (*Tracker, *fakeTransport, *eventbus.Bus, *peerbook.PeerBook) {
	t.Helper()

	transport := newFakeTransport()
	book := peerbook.New()
	bus := eventbus.New()

	tr := New(types.NewTrackerInfo("tracker-1"), adapter.NewTrackerServer(transport), book, 4)
	require.NoError(t, tr.Start(bus))
	t.Cleanup(tr.Stop)

	return tr, transport, bus, book
}

func addNode(t *testing.T, book *peerbook.PeerBook, id, addr string) types.PeerInfo {
	t.Helper()
	info := types.NewNodeInfo(types.PeerID(id))
	book.Add(info, addr)
	return info
}

func sendStatus(t *testing.T, bus *eventbus.Bus, peer types.PeerInfo, keys ...types.StreamKey) {
	t.Helper()
	streams := make([]protocol.StreamStatus, 0, len(keys))
	for _, k := range keys {
		streams = append(streams, protocol.StreamStatus{Key: k})
	}
	frame, err := protocol.Encode(protocol.StatusMessage{Status: protocol.Status{Streams: streams}})
	require.NoError(t, err)

	em, err := bus.Emitter(new(types.EvtMessageReceived))
	require.NoError(t, err)
	defer em.Close()
	require.NoError(t, em.Emit(types.EvtMessageReceived{Peer: peer, Payload: frame}))
}

func lastInstruction(t *testing.T, transport *fakeTransport, id types.PeerID) protocol.InstructionMessage {
	t.Helper()
	msgs := transport.sentTo(id)
	require.NotEmpty(t, msgs)
	instr, ok := msgs[len(msgs)-1].(protocol.InstructionMessage)
	require.True(t, ok, "last frame to %s is %T", id, msgs[len(msgs)-1])
	return instr
}

func TestTrackerInstructsBothSubscribers(t *testing.T) {
	tr, transport, bus, book := newTestTracker(t)

	one := addNode(t, book, "subscriberOne", "ws://one:1")
	two := addNode(t, book, "subscriberTwo", "ws://two:1")
	stream := key(t, "stream-1::0")

	sendStatus(t, bus, one, stream)
	waitFor(t, func() bool { return len(transport.sentTo(one.ID)) == 1 })
	require.Empty(t, lastInstruction(t, transport, one.ID).NodeAddresses)

	sendStatus(t, bus, two, stream)
	waitFor(t, func() bool { return len(transport.sentTo(two.ID)) == 1 && len(transport.sentTo(one.ID)) == 2 })

	// 指令携带通告地址而非节点标识
	require.Equal(t, []string{"ws://one:1"}, lastInstruction(t, transport, two.ID).NodeAddresses)
	require.Equal(t, []string{"ws://two:1"}, lastInstruction(t, transport, one.ID).NodeAddresses)

	require.Equal(t, map[string]map[string][]string{
		"stream-1::0": {
			"subscriberOne": {"subscriberTwo"},
			"subscriberTwo": {"subscriberOne"},
		},
	}, tr.GetTopology())
}

func TestTrackerIgnoresTrackerPeers(t *testing.T) {
	tr, transport, bus, _ := newTestTracker(t)

	other := types.NewTrackerInfo("tracker-2")
	sendStatus(t, bus, other, key(t, "s::0"))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, transport.sentTo(other.ID))
	require.Empty(t, tr.GetTopology())
}

func TestTrackerNodeDisconnected(t *testing.T) {
	tr, transport, bus, book := newTestTracker(t)

	one := addNode(t, book, "one", "ws://one:1")
	two := addNode(t, book, "two", "ws://two:1")
	stream := key(t, "s::0")

	sendStatus(t, bus, one, stream)
	sendStatus(t, bus, two, stream)
	waitFor(t, func() bool { return len(transport.sentTo(one.ID)) == 2 })

	em, err := bus.Emitter(new(types.EvtPeerDisconnected))
	require.NoError(t, err)
	defer em.Close()
	require.NoError(t, em.Emit(types.EvtPeerDisconnected{Peer: two, Code: 1000}))

	// 留存节点被重新指示为无邻居
	waitFor(t, func() bool { return len(transport.sentTo(one.ID)) == 3 })
	require.Empty(t, lastInstruction(t, transport, one.ID).NodeAddresses)
	require.NotContains(t, tr.GetTopology()["s::0"], "two")
}

func TestTrackerStorageNodesRequest(t *testing.T) {
	_, transport, bus, book := newTestTracker(t)

	node := addNode(t, book, "node-1", "ws://node:1")
	storageInfo := types.NewStorageInfo("storage-1")
	book.Add(storageInfo, "ws://storage:1")

	stream := key(t, "s::0")
	sendStatus(t, bus, node, stream)
	sendStatus(t, bus, storageInfo, stream)
	waitFor(t, func() bool { return len(transport.sentTo(storageInfo.ID)) >= 1 })

	frame, err := protocol.Encode(protocol.StorageNodesRequest{Key: stream})
	require.NoError(t, err)
	em, err := bus.Emitter(new(types.EvtMessageReceived))
	require.NoError(t, err)
	defer em.Close()
	require.NoError(t, em.Emit(types.EvtMessageReceived{Peer: node, Payload: frame}))

	waitFor(t, func() bool {
		for _, msg := range transport.sentTo(node.ID) {
			if resp, ok := msg.(protocol.StorageNodesResponse); ok {
				return len(resp.NodeAddresses) == 1 && resp.NodeAddresses[0] == "ws://storage:1"
			}
		}
		return false
	})
}

func TestTrackerStatusSnapshot(t *testing.T) {
	tr, _, bus, book := newTestTracker(t)

	one := addNode(t, book, "one", "ws://one:1")
	stream := key(t, "s::0")

	status := protocol.Status{
		Streams: []protocol.StreamStatus{{Key: stream}},
		RTTs:    map[string]time.Duration{"ws://two:1": 20 * time.Millisecond},
	}
	frame, err := protocol.Encode(protocol.StatusMessage{Status: status})
	require.NoError(t, err)
	em, err := bus.Emitter(new(types.EvtMessageReceived))
	require.NoError(t, err)
	defer em.Close()
	require.NoError(t, em.Emit(types.EvtMessageReceived{Peer: one, Payload: frame}))

	// 快照保留最近一次上报（含 RTT）
	waitFor(t, func() bool { return len(tr.Statuses()) == 1 })
	require.Equal(t, 20*time.Millisecond, tr.Statuses()[one.ID].RTTs["ws://two:1"])

	// 节点断开后从快照移除
	disc, err := bus.Emitter(new(types.EvtPeerDisconnected))
	require.NoError(t, err)
	defer disc.Close()
	require.NoError(t, disc.Emit(types.EvtPeerDisconnected{Peer: one, Code: 1000}))
	waitFor(t, func() bool { return len(tr.Statuses()) == 0 })
}
