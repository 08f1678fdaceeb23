// Package types 定义 go-streamnet 的基础类型
//
// 本文件定义节点身份相关类型。
package types

import "fmt"

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 节点标识
//
// 不透明字符串，由节点自行选取；相等性按字符串比较。
type PeerID string

// String 返回节点标识的字符串表示
func (id PeerID) String() string {
	return string(id)
}

// ============================================================================
//                              PeerType - 节点类型
// ============================================================================

// PeerType 节点类型
type PeerType string

const (
	// PeerTypeNode 普通节点
	PeerTypeNode PeerType = "node"
	// PeerTypeStorage 存储节点
	PeerTypeStorage PeerType = "storage"
	// PeerTypeTracker 追踪器节点
	PeerTypeTracker PeerType = "tracker"
	// PeerTypeUnknown 未知类型
	PeerTypeUnknown PeerType = "unknown"
)

// valid 校验节点类型是否在封闭集合内
func (pt PeerType) valid() bool {
	switch pt {
	case PeerTypeNode, PeerTypeStorage, PeerTypeTracker, PeerTypeUnknown:
		return true
	default:
		return false
	}
}

// ============================================================================
//                              PeerInfo - 节点信息
// ============================================================================

// PeerInfo 节点信息
//
// 携带节点标识与节点类型；类型集合封闭，构造时校验。
type PeerInfo struct {
	ID   PeerID
	Type PeerType
}

// NewPeerInfo 创建节点信息
//
// 类型不在封闭集合内时返回 ErrInvalidPeerType。
func NewPeerInfo(id PeerID, peerType PeerType) (PeerInfo, error) {
	if id == "" {
		return PeerInfo{}, ErrEmptyPeerID
	}
	if !peerType.valid() {
		return PeerInfo{}, fmt.Errorf("%w: %q", ErrInvalidPeerType, peerType)
	}
	return PeerInfo{ID: id, Type: peerType}, nil
}

// NewNodeInfo 创建普通节点信息
func NewNodeInfo(id PeerID) PeerInfo {
	return PeerInfo{ID: id, Type: PeerTypeNode}
}

// NewStorageInfo 创建存储节点信息
func NewStorageInfo(id PeerID) PeerInfo {
	return PeerInfo{ID: id, Type: PeerTypeStorage}
}

// NewTrackerInfo 创建追踪器信息
func NewTrackerInfo(id PeerID) PeerInfo {
	return PeerInfo{ID: id, Type: PeerTypeTracker}
}

// IsNode 是否为普通节点（存储节点也是节点）
func (p PeerInfo) IsNode() bool {
	return p.Type == PeerTypeNode || p.Type == PeerTypeStorage
}

// IsStorage 是否为存储节点
func (p PeerInfo) IsStorage() bool {
	return p.Type == PeerTypeStorage
}

// IsTracker 是否为追踪器
func (p PeerInfo) IsTracker() bool {
	return p.Type == PeerTypeTracker
}

// String 返回节点信息的字符串表示
func (p PeerInfo) String() string {
	return fmt.Sprintf("%s<%s>", p.ID, p.Type)
}
