// Package resend 实现历史消息重发管线
//
// 一次重发请求依次尝试配置的各策略，任一策略产出至少
// 一条消息即视为满足。消息以 Unicast 帧送回请求方，
// 结束时回 Resent 或 NoResend。
package resend

import (
	"context"
	"sort"
	"sync"

	"github.com/dep2p/go-streamnet/pkg/lib/log"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

var logger = log.Logger("resend")

// DefaultMaxMessagesPerStream 内存存储每条流的消息上限
const DefaultMaxMessagesPerStream = 10000

// ============================================================================
//                              Store - 历史消息查询
// ============================================================================

// Store 历史消息查询接口
//
// Fetch 按请求类型（last / from / range）产出匹配消息，
// 通道在取完或 ctx 取消后关闭。
type Store interface {
	Fetch(ctx context.Context, req protocol.ResendRequest) <-chan types.StreamMessage
}

// ============================================================================
//                              MemoryStore - 内存存储
// ============================================================================

// MemoryStore 有界内存历史存储
//
// 每条流保留最近 maxPerStream 条消息，按消息引用排序。
type MemoryStore struct {
	mu           sync.RWMutex
	maxPerStream int
	data         map[types.StreamKey][]types.StreamMessage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储
func NewMemoryStore(maxPerStream int) *MemoryStore {
	if maxPerStream <= 0 {
		maxPerStream = DefaultMaxMessagesPerStream
	}
	return &MemoryStore{
		maxPerStream: maxPerStream,
		data:         make(map[types.StreamKey][]types.StreamMessage),
	}
}

// Add 写入一条消息（按引用排序插入，满则淘汰最旧）
func (s *MemoryStore) Add(msg types.StreamMessage) {
	key := msg.ID.StreamKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.data[key]
	idx := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].ID.Ref().Compare(msg.ID.Ref()) >= 0
	})
	for i := idx; i < len(msgs) && msgs[i].ID.Ref().Compare(msg.ID.Ref()) == 0; i++ {
		if msgs[i].ID == msg.ID {
			return
		}
	}

	msgs = append(msgs, types.StreamMessage{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = msg
	if len(msgs) > s.maxPerStream {
		msgs = msgs[1:]
	}
	s.data[key] = msgs
}

// Size 某条流当前存储的消息数
func (s *MemoryStore) Size(key types.StreamKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[key])
}

// Fetch 按请求产出匹配消息
func (s *MemoryStore) Fetch(ctx context.Context, req protocol.ResendRequest) <-chan types.StreamMessage {
	matched := s.collect(req)

	out := make(chan types.StreamMessage)
	go func() {
		defer close(out)
		for _, msg := range matched {
			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
	}()
	return out
}

// collect 在锁内取出请求匹配的消息快照
func (s *MemoryStore) collect(req protocol.ResendRequest) []types.StreamMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.data[req.ResendKey()]
	switch r := req.(type) {
	case protocol.ResendLastRequest:
		if r.NumberLast <= 0 {
			return nil
		}
		start := len(msgs) - r.NumberLast
		if start < 0 {
			start = 0
		}
		return append([]types.StreamMessage(nil), msgs[start:]...)

	case protocol.ResendFromRequest:
		var out []types.StreamMessage
		for _, msg := range msgs {
			if msg.ID.Ref().Compare(r.From) < 0 {
				continue
			}
			if matchesChain(msg, r.PublisherID, r.MsgChainID) {
				out = append(out, msg)
			}
		}
		return out

	case protocol.ResendRangeRequest:
		var out []types.StreamMessage
		for _, msg := range msgs {
			ref := msg.ID.Ref()
			if ref.Compare(r.From) < 0 || ref.Compare(r.To) > 0 {
				continue
			}
			if matchesChain(msg, r.PublisherID, r.MsgChainID) {
				out = append(out, msg)
			}
		}
		return out

	default:
		return nil
	}
}

func matchesChain(msg types.StreamMessage, publisherID, msgChainID string) bool {
	if publisherID != "" && msg.ID.PublisherID != publisherID {
		return false
	}
	if msgChainID != "" && msg.ID.MsgChainID != msgChainID {
		return false
	}
	return true
}
