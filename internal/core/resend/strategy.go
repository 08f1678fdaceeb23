package resend

import (
	"context"

	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// ============================================================================
//                              Strategy - 重发策略
// ============================================================================

// Strategy 重发策略
//
// Request 返回匹配消息的通道，取完或失败后关闭。
// 实现必须尊重 ctx 取消，不得在通道上阻塞泄漏。
type Strategy interface {
	Request(ctx context.Context, req protocol.ResendRequest, source types.PeerID) <-chan types.StreamMessage
}

// ============================================================================
//                              LocalStrategy - 本地存储策略
// ============================================================================

// LocalStrategy 从本地存储产出历史消息
type LocalStrategy struct {
	store Store
}

var _ Strategy = (*LocalStrategy)(nil)

// NewLocalStrategy 创建本地存储策略
func NewLocalStrategy(store Store) *LocalStrategy {
	return &LocalStrategy{store: store}
}

// Request 查询本地存储
func (s *LocalStrategy) Request(ctx context.Context, req protocol.ResendRequest, _ types.PeerID) <-chan types.StreamMessage {
	return s.store.Fetch(ctx, req)
}
