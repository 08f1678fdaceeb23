// Package types 定义 go-streamnet 的基础类型
//
// 本文件定义所有公共错误类型。
package types

import "errors"

// ============================================================================
//                              身份相关错误
// ============================================================================

var (
	// ErrEmptyPeerID 空节点 ID
	ErrEmptyPeerID = errors.New("empty peer ID")

	// ErrInvalidPeerType 无效的节点类型
	ErrInvalidPeerType = errors.New("invalid peer type")

	// ErrUnknownPeer 节点簿中不存在的节点
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrUnknownAddress 节点簿中不存在的地址
	ErrUnknownAddress = errors.New("unknown address")
)

// ============================================================================
//                              流标识相关错误
// ============================================================================

var (
	// ErrEmptyStreamID 空流 ID
	ErrEmptyStreamID = errors.New("empty stream ID")

	// ErrInvalidPartition 分区号为负
	ErrInvalidPartition = errors.New("invalid partition")

	// ErrMalformedStreamKey 流标识文本形式无法解析
	ErrMalformedStreamKey = errors.New("malformed stream key")
)

// ============================================================================
//                              传输相关错误
// ============================================================================

var (
	// ErrNotConnected 未连接到目标节点
	ErrNotConnected = errors.New("not connected")

	// ErrSendFailed 底层发送失败
	ErrSendFailed = errors.New("send failed")

	// ErrHeadersMissing 握手应答缺少身份头
	ErrHeadersMissing = errors.New("handshake headers missing")

	// ErrOwnAddress 连接到自身通告地址
	ErrOwnAddress = errors.New("connecting to own address")

	// ErrDuplicateSocket 重复连接在决胜中被淘汰
	ErrDuplicateSocket = errors.New("duplicate socket")

	// ErrStopped 端点已停止
	ErrStopped = errors.New("endpoint stopped")
)

// ============================================================================
//                              协议相关错误
// ============================================================================

var (
	// ErrUnknownFrame 未识别的控制消息标签
	ErrUnknownFrame = errors.New("unknown frame")

	// ErrMalformedPayload 载荷无法解码
	ErrMalformedPayload = errors.New("malformed payload")
)

// ============================================================================
//                              重发相关错误
// ============================================================================

var (
	// ErrStrategyTimeout 重发策略静默超时
	ErrStrategyTimeout = errors.New("resend strategy timed out")

	// ErrNoStorageNodes 没有可用的存储节点
	ErrNoStorageNodes = errors.New("no storage nodes available")
)
