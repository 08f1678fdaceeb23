// Package protocol 定义 go-streamnet 的控制消息集
//
// 控制消息分为两个方向：节点↔节点、追踪器↔节点。
// 每个方向是一个带标签的联合类型，处理方按标签分派。
// 规范线缆编码由外部编解码器负责；本包提供仓库内部的
// JSON 信封编解码（见 codec.go）。
package protocol

import (
	"time"

	"github.com/dep2p/go-streamnet/pkg/types"
)

// ============================================================================
//                              消息标签
// ============================================================================

// Tag 控制消息标签
type Tag string

// 节点↔节点方向
const (
	TagBroadcast         Tag = "broadcast"
	TagUnicast           Tag = "unicast"
	TagSubscribe         Tag = "subscribe"
	TagUnsubscribe       Tag = "unsubscribe"
	TagResendLast        Tag = "resendLast"
	TagResendFrom        Tag = "resendFrom"
	TagResendRange       Tag = "resendRange"
	TagResendResponseResending Tag = "resendResponseResending"
	TagResendResponseResent    Tag = "resendResponseResent"
	TagResendResponseNoResend  Tag = "resendResponseNoResend"
)

// 追踪器↔节点方向
const (
	TagStatus               Tag = "status"
	TagInstruction          Tag = "instruction"
	TagStorageNodesRequest  Tag = "storageNodesRequest"
	TagStorageNodesResponse Tag = "storageNodesResponse"
)

// Message 控制消息
//
// 所有控制消息实现本接口；处理方按 MessageTag 分派。
type Message interface {
	MessageTag() Tag
}

// ============================================================================
//                              节点↔节点消息
// ============================================================================

// BroadcastMessage 发布消息（沿覆盖网扩散）
type BroadcastMessage struct {
	Message types.StreamMessage `json:"message"`
}

func (BroadcastMessage) MessageTag() Tag { return TagBroadcast }

// UnicastMessage 定向历史消息帧（重发应答的数据部分）
type UnicastMessage struct {
	RequestID string              `json:"requestId"`
	Message   types.StreamMessage `json:"message"`
}

func (UnicastMessage) MessageTag() Tag { return TagUnicast }

// SubscribeRequest 订阅请求
type SubscribeRequest struct {
	Key types.StreamKey `json:"streamKey"`
}

func (SubscribeRequest) MessageTag() Tag { return TagSubscribe }

// UnsubscribeRequest 取消订阅请求
type UnsubscribeRequest struct {
	Key types.StreamKey `json:"streamKey"`
}

func (UnsubscribeRequest) MessageTag() Tag { return TagUnsubscribe }

// ResendLastRequest 请求最近 N 条历史消息
type ResendLastRequest struct {
	RequestID  string          `json:"requestId"`
	Key        types.StreamKey `json:"streamKey"`
	NumberLast int             `json:"numberLast"`
}

func (ResendLastRequest) MessageTag() Tag { return TagResendLast }

// ResendFromRequest 请求从某引用起的历史消息
type ResendFromRequest struct {
	RequestID   string           `json:"requestId"`
	Key         types.StreamKey  `json:"streamKey"`
	From        types.MessageRef `json:"from"`
	PublisherID string           `json:"publisherId,omitempty"`
	MsgChainID  string           `json:"msgChainId,omitempty"`
}

func (ResendFromRequest) MessageTag() Tag { return TagResendFrom }

// ResendRangeRequest 请求某引用区间内的历史消息
type ResendRangeRequest struct {
	RequestID   string           `json:"requestId"`
	Key         types.StreamKey  `json:"streamKey"`
	From        types.MessageRef `json:"from"`
	To          types.MessageRef `json:"to"`
	PublisherID string           `json:"publisherId,omitempty"`
	MsgChainID  string           `json:"msgChainId,omitempty"`
}

func (ResendRangeRequest) MessageTag() Tag { return TagResendRange }

// ResendRequest 三种重发请求的公共视图
type ResendRequest interface {
	Message
	ResendRequestID() string
	ResendKey() types.StreamKey
}

func (r ResendLastRequest) ResendRequestID() string     { return r.RequestID }
func (r ResendLastRequest) ResendKey() types.StreamKey  { return r.Key }
func (r ResendFromRequest) ResendRequestID() string     { return r.RequestID }
func (r ResendFromRequest) ResendKey() types.StreamKey  { return r.Key }
func (r ResendRangeRequest) ResendRequestID() string    { return r.RequestID }
func (r ResendRangeRequest) ResendKey() types.StreamKey { return r.Key }

// ResendResponseResending 重发开始应答
type ResendResponseResending struct {
	RequestID string          `json:"requestId"`
	Key       types.StreamKey `json:"streamKey"`
}

func (ResendResponseResending) MessageTag() Tag { return TagResendResponseResending }

// ResendResponseResent 重发完成应答
type ResendResponseResent struct {
	RequestID string          `json:"requestId"`
	Key       types.StreamKey `json:"streamKey"`
}

func (ResendResponseResent) MessageTag() Tag { return TagResendResponseResent }

// ResendResponseNoResend 无可重发数据应答
type ResendResponseNoResend struct {
	RequestID string          `json:"requestId"`
	Key       types.StreamKey `json:"streamKey"`
}

func (ResendResponseNoResend) MessageTag() Tag { return TagResendResponseNoResend }

// ============================================================================
//                              追踪器↔节点消息
// ============================================================================

// StreamStatus 单条流的邻居快照
type StreamStatus struct {
	Key       types.StreamKey `json:"streamKey"`
	Neighbors []types.PeerID  `json:"neighbors"`
	Counter   int             `json:"counter"`
}

// Status 节点状态
//
// 节点在订阅、取消订阅、指令收敛与本地拓扑变化时上报。
// RTTs 为对端往返时延快照，供追踪器诊断使用。
type Status struct {
	Streams []StreamStatus           `json:"streams"`
	RTTs    map[string]time.Duration `json:"rtts,omitempty"`
}

// StatusMessage 节点→追踪器状态上报
type StatusMessage struct {
	Status Status `json:"status"`
}

func (StatusMessage) MessageTag() Tag { return TagStatus }

// InstructionMessage 追踪器→节点路由指令
//
// NodeAddresses 为该节点应保持的转发邻居的通告地址；
// Counter 按流标识严格递增，节点丢弃回退的指令。
type InstructionMessage struct {
	Key           types.StreamKey `json:"streamKey"`
	NodeAddresses []string        `json:"nodeAddresses"`
	Counter       int             `json:"counter"`
}

func (InstructionMessage) MessageTag() Tag { return TagInstruction }

// StorageNodesRequest 查询订阅某流的存储节点
type StorageNodesRequest struct {
	Key types.StreamKey `json:"streamKey"`
}

func (StorageNodesRequest) MessageTag() Tag { return TagStorageNodesRequest }

// StorageNodesResponse 存储节点查询应答
type StorageNodesResponse struct {
	Key           types.StreamKey `json:"streamKey"`
	NodeAddresses []string        `json:"nodeAddresses"`
}

func (StorageNodesResponse) MessageTag() Tag { return TagStorageNodesResponse }
