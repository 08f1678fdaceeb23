package resend

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/go-streamnet/internal/core/adapter"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// DefaultStorageAskTimeout 等待追踪器/存储节点应答的超时
const DefaultStorageAskTimeout = 30 * time.Second

// Forwarder 向存储节点转发重发请求的出口
//
// 由 adapter.NodeToNode 实现。
type Forwarder interface {
	SendResendRequest(id types.PeerID, req protocol.ResendRequest) (protocol.ResendRequest, error)
}

// StorageAsker 向追踪器查询存储节点的出口
//
// 由 adapter.TrackerNode 实现。
type StorageAsker interface {
	SendStorageNodesRequest(tracker types.PeerID, key types.StreamKey) error
}

// Dialer 建立到存储节点的连接
type Dialer interface {
	Connect(peerURL string) (types.PeerID, error)
}

// ============================================================================
//                              StorageStrategy - 存储节点代答策略
// ============================================================================

// StorageStrategy 向订阅同一流的存储节点代取历史消息
//
// 流程：向追踪器查询存储节点地址，逐个连接并转发重发
// 请求（换用新请求标识关联应答），把收到的 Unicast 帧
// 接回本地管线。任一存储节点产出即满足。
type StorageStrategy struct {
	forwarder Forwarder
	asker     StorageAsker
	dialer    Dialer
	tracker   func() (types.PeerID, bool)
	clk       clock.Clock
	timeout   time.Duration

	mu       sync.Mutex
	askWait  map[types.StreamKey][]chan []string
	relayers map[string]chan relayEvent
}

var _ Strategy = (*StorageStrategy)(nil)

type relayEvent struct {
	msg  *types.StreamMessage
	done bool
}

// NewStorageStrategy 创建存储节点代答策略
//
// tracker 返回当前已连接的追踪器，未连接时策略直接落空。
func NewStorageStrategy(forwarder Forwarder, asker StorageAsker, dialer Dialer, tracker func() (types.PeerID, bool), clk clock.Clock, timeout time.Duration) *StorageStrategy {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultStorageAskTimeout
	}
	return &StorageStrategy{
		forwarder: forwarder,
		asker:     asker,
		dialer:    dialer,
		tracker:   tracker,
		clk:       clk,
		timeout:   timeout,
		askWait:   make(map[types.StreamKey][]chan []string),
		relayers:  make(map[string]chan relayEvent),
	}
}

// ============================================================================
//                              适配器回调
// ============================================================================

// HandleStorageNodesResponse 追踪器应答到达
func (s *StorageStrategy) HandleStorageNodesResponse(resp protocol.StorageNodesResponse, _ types.PeerID) {
	s.mu.Lock()
	waiters := s.askWait[resp.Key]
	delete(s.askWait, resp.Key)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- resp.NodeAddresses
	}
}

// HandleUnicast 存储节点送回的历史消息帧
func (s *StorageStrategy) HandleUnicast(msg protocol.UnicastMessage, _ types.PeerID) {
	s.deliver(msg.RequestID, relayEvent{msg: &msg.Message})
}

// HandleResendResponse 存储节点的结束应答（Resent / NoResend）
func (s *StorageStrategy) HandleResendResponse(msg protocol.Message, _ types.PeerID) {
	switch m := msg.(type) {
	case protocol.ResendResponseResent:
		s.deliver(m.RequestID, relayEvent{done: true})
	case protocol.ResendResponseNoResend:
		s.deliver(m.RequestID, relayEvent{done: true})
	}
}

func (s *StorageStrategy) deliver(requestID string, evt relayEvent) {
	s.mu.Lock()
	ch, ok := s.relayers[requestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- evt:
	default:
		logger.Warn("relay buffer full, dropping frame", "request", requestID)
	}
}

// ============================================================================
//                              策略实现
// ============================================================================

// Request 代取历史消息
func (s *StorageStrategy) Request(ctx context.Context, req protocol.ResendRequest, source types.PeerID) <-chan types.StreamMessage {
	out := make(chan types.StreamMessage)
	go func() {
		defer close(out)

		tracker, ok := s.tracker()
		if !ok {
			logger.Debug("no tracker connected, storage strategy unavailable")
			return
		}

		addresses, err := s.storageNodes(ctx, tracker, req.ResendKey())
		if err != nil {
			logger.Debug("storage node lookup failed", "key", req.ResendKey(), "err", err)
			return
		}

		for _, addr := range addresses {
			if ctx.Err() != nil {
				return
			}
			if count := s.relayFrom(ctx, addr, req, out); count > 0 {
				return
			}
		}
	}()
	return out
}

// storageNodes 向追踪器查询订阅该流的存储节点地址
func (s *StorageStrategy) storageNodes(ctx context.Context, tracker types.PeerID, key types.StreamKey) ([]string, error) {
	wait := make(chan []string, 1)
	s.mu.Lock()
	s.askWait[key] = append(s.askWait[key], wait)
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		waiters := s.askWait[key]
		for i, ch := range waiters {
			if ch == wait {
				s.askWait[key] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(s.askWait[key]) == 0 {
			delete(s.askWait, key)
		}
	}

	if err := s.asker.SendStorageNodesRequest(tracker, key); err != nil {
		cleanup()
		return nil, err
	}

	timer := s.clk.Timer(s.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-timer.C:
		cleanup()
		return nil, types.ErrNoStorageNodes
	case addresses := <-wait:
		if len(addresses) == 0 {
			return nil, types.ErrNoStorageNodes
		}
		return addresses, nil
	}
}

// relayFrom 连接单个存储节点并转接其重发应答
func (s *StorageStrategy) relayFrom(ctx context.Context, address string, req protocol.ResendRequest, out chan<- types.StreamMessage) int {
	peer, err := s.dialer.Connect(address)
	if err != nil {
		logger.Debug("failed to connect to storage node", "address", address, "err", err)
		return 0
	}

	// 换用新请求标识，避免与请求方的标识混淆
	relayID := uuid.New().String()
	events := make(chan relayEvent, 256)
	s.mu.Lock()
	s.relayers[relayID] = events
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.relayers, relayID)
		s.mu.Unlock()
	}()

	if _, err := s.forwarder.SendResendRequest(peer, adapter.CloneWithRequestID(req, relayID)); err != nil {
		logger.Debug("failed to forward resend request", "peer", peer, "err", err)
		return 0
	}

	timer := s.clk.Timer(s.timeout)
	defer func() { timer.Stop() }()

	count := 0
	for {
		select {
		case <-ctx.Done():
			return count
		case <-timer.C:
			logger.Debug("storage node went silent", "peer", peer, "request", relayID)
			return count
		case evt := <-events:
			if evt.done {
				return count
			}
			select {
			case <-ctx.Done():
				return count
			case out <- *evt.msg:
				count++
				timer.Stop()
				timer = s.clk.Timer(s.timeout)
			}
		}
	}
}
