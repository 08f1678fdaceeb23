// Package types 定义 go-streamnet 的基础类型
//
// 本文件定义流消息相关类型。
package types

import "fmt"

// ============================================================================
//                              MessageRef - 消息引用
// ============================================================================

// MessageRef 消息引用
//
// (时间戳, 序列号) 二元组，仅用于去重与乱序判定。
type MessageRef struct {
	Timestamp      int64 `json:"timestamp"`
	SequenceNumber int   `json:"sequenceNumber"`
}

// Compare 按字典序比较两个消息引用
//
// 返回值 <0 表示 r 在 other 之前，0 表示相等，>0 表示之后。
func (r MessageRef) Compare(other MessageRef) int {
	switch {
	case r.Timestamp < other.Timestamp:
		return -1
	case r.Timestamp > other.Timestamp:
		return 1
	case r.SequenceNumber < other.SequenceNumber:
		return -1
	case r.SequenceNumber > other.SequenceNumber:
		return 1
	default:
		return 0
	}
}

// String 返回消息引用的字符串表示
func (r MessageRef) String() string {
	return fmt.Sprintf("(%d,%d)", r.Timestamp, r.SequenceNumber)
}

// ============================================================================
//                              MessageID - 消息标识
// ============================================================================

// MessageID 消息标识
//
// 六元组唯一确定一条流消息。
type MessageID struct {
	StreamID       string `json:"streamId"`
	Partition      int    `json:"partition"`
	Timestamp      int64  `json:"timestamp"`
	SequenceNumber int    `json:"sequenceNumber"`
	PublisherID    string `json:"publisherId"`
	MsgChainID     string `json:"msgChainId"`
}

// StreamKey 返回消息所属的流标识
func (id MessageID) StreamKey() StreamKey {
	return StreamKey{StreamID: id.StreamID, Partition: id.Partition}
}

// Ref 返回消息的 (时间戳, 序列号) 引用
func (id MessageID) Ref() MessageRef {
	return MessageRef{Timestamp: id.Timestamp, SequenceNumber: id.SequenceNumber}
}

// ChainKey 返回去重链键 (publisherId, msgChainId)
func (id MessageID) ChainKey() ChainKey {
	return ChainKey{PublisherID: id.PublisherID, MsgChainID: id.MsgChainID}
}

// ChainKey 去重链键
type ChainKey struct {
	PublisherID string
	MsgChainID  string
}

// ============================================================================
//                              StreamMessage - 流消息
// ============================================================================

// StreamMessage 流消息
//
// 内容与签名对核心不透明，原样透传。PrevMsgRef 可选，
// 仅用于去重与间隙簿记。
type StreamMessage struct {
	ID         MessageID   `json:"id"`
	PrevMsgRef *MessageRef `json:"prevMsgRef,omitempty"`
	Content    []byte      `json:"content"`
	Signature  []byte      `json:"signature,omitempty"`
}
