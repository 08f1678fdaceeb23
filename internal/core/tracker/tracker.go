package tracker

import (
	"sync"

	"github.com/dep2p/go-streamnet/internal/core/adapter"
	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/internal/core/peerbook"
	"github.com/dep2p/go-streamnet/pkg/lib/log"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

var logger = log.Logger("tracker")

// ============================================================================
//                              Tracker - 追踪器引擎
// ============================================================================

// Tracker 追踪器引擎
//
// 消费节点状态上报，维护各流的覆盖网拓扑，并向节点下发
// 路由指令。追踪器从不参与数据转发。
type Tracker struct {
	self     types.PeerInfo
	topology *Topology
	server   *adapter.TrackerServer
	book     *peerbook.PeerBook

	statusMu sync.Mutex
	statuses map[types.PeerID]protocol.Status

	disconnects *eventbus.Subscription
	stopOnce    sync.Once
	done        chan struct{}
}

// New 创建追踪器引擎
func New(self types.PeerInfo, server *adapter.TrackerServer, book *peerbook.PeerBook, maxNeighbors int) *Tracker {
	t := &Tracker{
		self:     self,
		topology: NewTopology(maxNeighbors),
		server:   server,
		book:     book,
		statuses: make(map[types.PeerID]protocol.Status),
		done:     make(chan struct{}),
	}
	server.OnStatus = t.handleStatus
	server.OnStorageNodesRequest = t.handleStorageNodesRequest
	return t
}

// Start 接入事件总线并开始处理
func (t *Tracker) Start(bus *eventbus.Bus) error {
	if err := t.server.Start(bus); err != nil {
		return err
	}

	sub, err := bus.Subscribe(new(types.EvtPeerDisconnected), eventbus.BufSize(64))
	if err != nil {
		t.server.Stop()
		return err
	}
	t.disconnects = sub

	go t.disconnectLoop()
	return nil
}

// Stop 停止处理
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.disconnects != nil {
			_ = t.disconnects.Close()
		}
		t.server.Stop()
	})
}

// GetTopology 当前拓扑快照
func (t *Tracker) GetTopology() map[string]map[string][]string {
	return t.topology.Snapshot()
}

// Statuses 各节点最近一次状态上报的快照（含 RTT，诊断用）
func (t *Tracker) Statuses() map[types.PeerID]protocol.Status {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	out := make(map[types.PeerID]protocol.Status, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = s
	}
	return out
}

// ============================================================================
//                              状态处理
// ============================================================================

// handleStatus 处理节点状态上报
//
// 按上报的订阅集调和各覆盖网，并把产生的全部指令下发给
// 受影响的节点。
func (t *Tracker) handleStatus(status protocol.Status, node types.PeerID) {
	keys := make([]types.StreamKey, 0, len(status.Streams))
	for _, s := range status.Streams {
		keys = append(keys, s.Key)
	}

	t.statusMu.Lock()
	t.statuses[node] = status
	t.statusMu.Unlock()

	logger.Debug("status received", "node", node, "streams", len(keys))
	t.dispatch(t.topology.UpdateStatus(node, keys))
}

// handleStorageNodesRequest 应答存储节点查询
func (t *Tracker) handleStorageNodesRequest(key types.StreamKey, node types.PeerID) {
	var addresses []string
	for _, id := range t.topology.NodesOf(key) {
		info, err := t.book.InfoOf(id)
		if err != nil || !info.IsStorage() {
			continue
		}
		addr, err := t.book.AddressOf(id)
		if err != nil {
			continue
		}
		addresses = append(addresses, addr)
	}

	logger.Debug("storage nodes request", "node", node, "key", key, "found", len(addresses))
	if err := t.server.SendStorageNodesResponse(node, key, addresses); err != nil {
		logger.Warn("failed to send storage nodes response", "node", node, "err", err)
	}
}

// dispatch 把拓扑调和产生的指令逐条下发
func (t *Tracker) dispatch(instructions []Instruction) {
	for _, instr := range instructions {
		addresses := make([]string, 0, len(instr.Neighbors))
		for _, id := range instr.Neighbors {
			addr, err := t.book.AddressOf(id)
			if err != nil {
				logger.Warn("neighbor without known address", "node", id)
				continue
			}
			addresses = append(addresses, addr)
		}

		if err := t.server.SendInstruction(instr.Node, instr.Key, addresses, instr.Counter); err != nil {
			logger.Warn("failed to send instruction",
				"node", instr.Node, "key", instr.Key, "counter", instr.Counter, "err", err)
			continue
		}
		logger.Debug("instruction sent",
			"node", instr.Node, "key", instr.Key, "neighbors", len(addresses), "counter", instr.Counter)
	}
}

// ============================================================================
//                              断连处理
// ============================================================================

func (t *Tracker) disconnectLoop() {
	for {
		select {
		case <-t.done:
			return
		case evt, ok := <-t.disconnects.Out():
			if !ok {
				return
			}
			e := evt.(types.EvtPeerDisconnected)
			if !e.Peer.IsNode() {
				continue
			}
			t.handleNodeDisconnected(e.Peer.ID)
		}
	}
}

// handleNodeDisconnected 节点断开：清出拓扑并重新指示受影响节点
func (t *Tracker) handleNodeDisconnected(node types.PeerID) {
	t.statusMu.Lock()
	delete(t.statuses, node)
	t.statusMu.Unlock()

	logger.Info("node disconnected, reconciling topology", "node", node)
	t.dispatch(t.topology.RemoveNode(node))
}
