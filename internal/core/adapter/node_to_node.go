// Package adapter 实现端点之上的协议适配层
//
// 本文件实现节点↔节点方向。
package adapter

import (
	"github.com/google/uuid"

	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// NodeToNode 节点↔节点适配器
//
// 回调在 Start 之前设置；未设置的回调对应的消息被忽略。
type NodeToNode struct {
	transport Transport
	sub       *eventbus.Subscription

	// OnBroadcast 发布消息到达
	OnBroadcast func(msg protocol.BroadcastMessage, source types.PeerID)
	// OnUnicast 定向历史消息帧到达
	OnUnicast func(msg protocol.UnicastMessage, source types.PeerID)
	// OnSubscribe 订阅请求到达
	OnSubscribe func(req protocol.SubscribeRequest, source types.PeerID)
	// OnUnsubscribe 取消订阅请求到达
	OnUnsubscribe func(req protocol.UnsubscribeRequest, source types.PeerID)
	// OnResendRequest 任一种重发请求到达
	OnResendRequest func(req protocol.ResendRequest, source types.PeerID)
	// OnResendResponse 任一种重发应答到达
	OnResendResponse func(msg protocol.Message, source types.PeerID)
}

// NewNodeToNode 创建节点↔节点适配器
func NewNodeToNode(transport Transport) *NodeToNode {
	return &NodeToNode{transport: transport}
}

// Start 订阅帧到达事件并开始分派
func (n *NodeToNode) Start(bus *eventbus.Bus) error {
	sub, err := bus.Subscribe(new(types.EvtMessageReceived), eventbus.BufSize(256))
	if err != nil {
		return err
	}
	n.sub = sub

	go dispatchLoop(sub, n.dispatch)
	return nil
}

// Stop 停止分派
func (n *NodeToNode) Stop() {
	if n.sub != nil {
		_ = n.sub.Close()
	}
}

// dispatch 逐帧分派
//
// 来自追踪器的帧交由追踪器适配器处理。
func (n *NodeToNode) dispatch(peer types.PeerInfo, payload []byte) {
	if peer.IsTracker() {
		return
	}

	msg, ok := decodeOrClose(n.transport, peer, payload)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case protocol.BroadcastMessage:
		if n.OnBroadcast != nil {
			n.OnBroadcast(m, peer.ID)
		}
	case protocol.UnicastMessage:
		if n.OnUnicast != nil {
			n.OnUnicast(m, peer.ID)
		}
	case protocol.SubscribeRequest:
		if n.OnSubscribe != nil {
			n.OnSubscribe(m, peer.ID)
		}
	case protocol.UnsubscribeRequest:
		if n.OnUnsubscribe != nil {
			n.OnUnsubscribe(m, peer.ID)
		}
	case protocol.ResendLastRequest, protocol.ResendFromRequest, protocol.ResendRangeRequest:
		if n.OnResendRequest != nil {
			n.OnResendRequest(msg.(protocol.ResendRequest), peer.ID)
		}
	case protocol.ResendResponseResending, protocol.ResendResponseResent, protocol.ResendResponseNoResend:
		if n.OnResendResponse != nil {
			n.OnResendResponse(msg, peer.ID)
		}
	default:
		logger.Debug("ignoring tracker-direction frame from node", "peer", peer.ID, "tag", msg.MessageTag())
	}
}

// ============================================================================
//                              类型化发送
// ============================================================================

// SendBroadcast 发送发布消息
func (n *NodeToNode) SendBroadcast(id types.PeerID, msg types.StreamMessage) error {
	return sendMessage(n.transport, id, protocol.BroadcastMessage{Message: msg})
}

// SendUnicast 发送定向历史消息帧
func (n *NodeToNode) SendUnicast(id types.PeerID, requestID string, msg types.StreamMessage) error {
	return sendMessage(n.transport, id, protocol.UnicastMessage{RequestID: requestID, Message: msg})
}

// SendSubscribe 发送订阅请求
func (n *NodeToNode) SendSubscribe(id types.PeerID, key types.StreamKey) error {
	return sendMessage(n.transport, id, protocol.SubscribeRequest{Key: key})
}

// SendUnsubscribe 发送取消订阅请求
func (n *NodeToNode) SendUnsubscribe(id types.PeerID, key types.StreamKey) error {
	return sendMessage(n.transport, id, protocol.UnsubscribeRequest{Key: key})
}

// SendResendRequest 发送重发请求
//
// 请求缺少标识时在发送时铸造 UUIDv4，返回实际使用的请求。
func (n *NodeToNode) SendResendRequest(id types.PeerID, req protocol.ResendRequest) (protocol.ResendRequest, error) {
	req = WithRequestID(req)
	return req, sendMessage(n.transport, id, req)
}

// SendResendResponseResending 发送重发开始应答
func (n *NodeToNode) SendResendResponseResending(id types.PeerID, requestID string, key types.StreamKey) error {
	return sendMessage(n.transport, id, protocol.ResendResponseResending{RequestID: requestID, Key: key})
}

// SendResendResponseResent 发送重发完成应答
func (n *NodeToNode) SendResendResponseResent(id types.PeerID, requestID string, key types.StreamKey) error {
	return sendMessage(n.transport, id, protocol.ResendResponseResent{RequestID: requestID, Key: key})
}

// SendResendResponseNoResend 发送无数据应答
func (n *NodeToNode) SendResendResponseNoResend(id types.PeerID, requestID string, key types.StreamKey) error {
	return sendMessage(n.transport, id, protocol.ResendResponseNoResend{RequestID: requestID, Key: key})
}

// WithRequestID 补齐请求标识
func WithRequestID(req protocol.ResendRequest) protocol.ResendRequest {
	if req.ResendRequestID() != "" {
		return req
	}
	return CloneWithRequestID(req, uuid.New().String())
}

// CloneWithRequestID 复制请求并替换请求标识
//
// 转发给存储节点时用新标识关联应答。
func CloneWithRequestID(req protocol.ResendRequest, id string) protocol.ResendRequest {
	switch r := req.(type) {
	case protocol.ResendLastRequest:
		r.RequestID = id
		return r
	case protocol.ResendFromRequest:
		r.RequestID = id
		return r
	case protocol.ResendRangeRequest:
		r.RequestID = id
		return r
	default:
		return req
	}
}
