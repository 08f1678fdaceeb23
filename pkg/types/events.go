// Package types 定义 go-streamnet 的基础类型
//
// 本文件定义事件相关类型。
package types

import "time"

// ============================================================================
//                              Event - 事件接口
// ============================================================================

// Event 基础事件接口
type Event interface {
	// Type 返回事件类型
	Type() string

	// Timestamp 返回事件时间戳
	Timestamp() time.Time
}

// BaseEvent 基础事件实现
type BaseEvent struct {
	EventType string
	Time      time.Time
}

// Type 返回事件类型
func (e BaseEvent) Type() string {
	return e.EventType
}

// Timestamp 返回事件时间戳
func (e BaseEvent) Timestamp() time.Time {
	return e.Time
}

// NewBaseEvent 创建基础事件
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventType: eventType,
		Time:      time.Now(),
	}
}

// ============================================================================
//                              端点事件
// ============================================================================

// EvtPeerConnected 对端连接建立事件
type EvtPeerConnected struct {
	BaseEvent
	Peer PeerInfo
}

// EvtPeerDisconnected 对端连接断开事件
type EvtPeerDisconnected struct {
	BaseEvent
	Peer   PeerInfo
	Code   int
	Reason string
}

// EvtMessageReceived 对端帧到达事件
//
// Payload 为未解码的原始帧，由协议适配层解码。
type EvtMessageReceived struct {
	BaseEvent
	Peer    PeerInfo
	Payload []byte
}

// EvtHighBackPressure 出站缓冲超过高水位事件
type EvtHighBackPressure struct {
	BaseEvent
	Peer PeerInfo
}

// EvtLowBackPressure 出站缓冲回落到低水位事件
type EvtLowBackPressure struct {
	BaseEvent
	Peer PeerInfo
}

// ============================================================================
//                              节点引擎事件
// ============================================================================

// EvtNodeSubscribed 邻居订阅本节点事件
type EvtNodeSubscribed struct {
	BaseEvent
	Peer PeerID
	Key  StreamKey
}

// EvtNodeUnsubscribed 邻居取消订阅事件
type EvtNodeUnsubscribed struct {
	BaseEvent
	Peer PeerID
	Key  StreamKey
}

// EvtNodeDisconnected 邻居连接关闭事件
//
// Address 为对端通告的 WebSocket 地址。
type EvtNodeDisconnected struct {
	BaseEvent
	Peer    PeerID
	Address string
}

// EvtUnseenMessage 本地投递事件
//
// 去重后首次见到的流消息，交付给本地订阅者。
type EvtUnseenMessage struct {
	BaseEvent
	Message StreamMessage
	Source  PeerID
}
