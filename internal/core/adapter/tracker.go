// Package adapter 实现端点之上的协议适配层
//
// 本文件实现追踪器↔节点方向的两端。
package adapter

import (
	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// ============================================================================
//                              TrackerNode（节点侧）
// ============================================================================

// TrackerNode 节点侧的追踪器适配器
//
// 只处理来自追踪器对端的帧。
type TrackerNode struct {
	transport Transport
	sub       *eventbus.Subscription

	// OnInstruction 路由指令到达
	OnInstruction func(instr protocol.InstructionMessage, tracker types.PeerID)
	// OnStorageNodesResponse 存储节点查询应答到达
	OnStorageNodesResponse func(resp protocol.StorageNodesResponse, tracker types.PeerID)
}

// NewTrackerNode 创建节点侧追踪器适配器
func NewTrackerNode(transport Transport) *TrackerNode {
	return &TrackerNode{transport: transport}
}

// Start 订阅帧到达事件并开始分派
func (t *TrackerNode) Start(bus *eventbus.Bus) error {
	sub, err := bus.Subscribe(new(types.EvtMessageReceived), eventbus.BufSize(64))
	if err != nil {
		return err
	}
	t.sub = sub

	go dispatchLoop(sub, t.dispatch)
	return nil
}

// Stop 停止分派
func (t *TrackerNode) Stop() {
	if t.sub != nil {
		_ = t.sub.Close()
	}
}

func (t *TrackerNode) dispatch(peer types.PeerInfo, payload []byte) {
	if !peer.IsTracker() {
		return
	}

	msg, ok := decodeOrClose(t.transport, peer, payload)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case protocol.InstructionMessage:
		if t.OnInstruction != nil {
			t.OnInstruction(m, peer.ID)
		}
	case protocol.StorageNodesResponse:
		if t.OnStorageNodesResponse != nil {
			t.OnStorageNodesResponse(m, peer.ID)
		}
	default:
		logger.Debug("ignoring unexpected frame from tracker", "tracker", peer.ID, "tag", msg.MessageTag())
	}
}

// SendStatus 上报状态
func (t *TrackerNode) SendStatus(tracker types.PeerID, status protocol.Status) error {
	return sendMessage(t.transport, tracker, protocol.StatusMessage{Status: status})
}

// SendStorageNodesRequest 查询订阅某流的存储节点
func (t *TrackerNode) SendStorageNodesRequest(tracker types.PeerID, key types.StreamKey) error {
	return sendMessage(t.transport, tracker, protocol.StorageNodesRequest{Key: key})
}

// ============================================================================
//                              TrackerServer（追踪器侧）
// ============================================================================

// TrackerServer 追踪器侧适配器
//
// 只处理来自节点（含存储节点）的帧。
type TrackerServer struct {
	transport Transport
	sub       *eventbus.Subscription

	// OnStatus 节点状态到达
	OnStatus func(status protocol.Status, node types.PeerID)
	// OnStorageNodesRequest 存储节点查询到达
	OnStorageNodesRequest func(key types.StreamKey, node types.PeerID)
}

// NewTrackerServer 创建追踪器侧适配器
func NewTrackerServer(transport Transport) *TrackerServer {
	return &TrackerServer{transport: transport}
}

// Start 订阅帧到达事件并开始分派
func (t *TrackerServer) Start(bus *eventbus.Bus) error {
	sub, err := bus.Subscribe(new(types.EvtMessageReceived), eventbus.BufSize(256))
	if err != nil {
		return err
	}
	t.sub = sub

	go dispatchLoop(sub, t.dispatch)
	return nil
}

// Stop 停止分派
func (t *TrackerServer) Stop() {
	if t.sub != nil {
		_ = t.sub.Close()
	}
}

func (t *TrackerServer) dispatch(peer types.PeerInfo, payload []byte) {
	if !peer.IsNode() {
		return
	}

	msg, ok := decodeOrClose(t.transport, peer, payload)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case protocol.StatusMessage:
		if t.OnStatus != nil {
			t.OnStatus(m.Status, peer.ID)
		}
	case protocol.StorageNodesRequest:
		if t.OnStorageNodesRequest != nil {
			t.OnStorageNodesRequest(m.Key, peer.ID)
		}
	default:
		logger.Debug("ignoring unexpected frame from node", "node", peer.ID, "tag", msg.MessageTag())
	}
}

// SendInstruction 下发路由指令
func (t *TrackerServer) SendInstruction(node types.PeerID, key types.StreamKey, addresses []string, counter int) error {
	return sendMessage(t.transport, node, protocol.InstructionMessage{
		Key:           key,
		NodeAddresses: addresses,
		Counter:       counter,
	})
}

// SendStorageNodesResponse 应答存储节点查询
func (t *TrackerServer) SendStorageNodesResponse(node types.PeerID, key types.StreamKey, addresses []string) error {
	return sendMessage(t.transport, node, protocol.StorageNodesResponse{
		Key:           key,
		NodeAddresses: addresses,
	})
}
