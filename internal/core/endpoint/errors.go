// Package endpoint 实现基于 WebSocket 的双向传输端点
//
// 本文件定义关闭码、关闭原因与握手常量。
package endpoint

// ============================================================================
//                              关闭码与关闭原因
// ============================================================================

const (
	// CodeNormal 正常关闭
	CodeNormal = 1000
	// CodeProtocolError 协议层错误关闭
	CodeProtocolError = 1002
)

const (
	// ReasonGracefulShutdown 正常停机
	ReasonGracefulShutdown = "streamr:node:graceful-shutdown"
	// ReasonNoSharedStreams 无共同订阅流
	ReasonNoSharedStreams = "streamr:node:no-shared-streams"
	// ReasonDuplicateSocket 重复连接决胜失败
	ReasonDuplicateSocket = "streamr:endpoint:duplicate-connection"
	// ReasonMissingParameter 握手缺少必需参数
	ReasonMissingParameter = "streamr:node:missing-required-parameter"
	// ReasonDeadConnection 心跳超时
	ReasonDeadConnection = "streamr:endpoint:dead-connection"
)

// ============================================================================
//                              握手常量
// ============================================================================

const (
	// HeaderPeerID 升级请求/应答中的节点标识头
	HeaderPeerID = "streamr-peer-id"
	// HeaderPeerType 升级请求/应答中的节点类型头
	HeaderPeerType = "streamr-peer-type"
	// QueryAddress 升级请求中携带己方通告地址的查询参数
	QueryAddress = "address"
)

// ============================================================================
//                              缓冲水位
// ============================================================================

const (
	// DefaultHighWatermark 出站缓冲高水位（2 MiB）
	DefaultHighWatermark = 2 << 20
	// DefaultLowWatermark 出站缓冲低水位（1 MiB）
	DefaultLowWatermark = 1 << 20
	// MaxPayloadSize 单帧最大载荷（1 MiB）
	MaxPayloadSize = 1 << 20
	// maxBufferedBytes 出站缓冲上限（高水位 + 1 MiB）
	maxBufferedBytes = DefaultHighWatermark + (1 << 20)
)
