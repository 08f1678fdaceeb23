package resend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// DefaultMaxInactivityPeriod 策略无产出判定超时
const DefaultMaxInactivityPeriod = 5 * time.Minute

// Responder 重发应答出口
//
// 由 adapter.NodeToNode 实现。
type Responder interface {
	SendUnicast(id types.PeerID, requestID string, msg types.StreamMessage) error
	SendResendResponseResending(id types.PeerID, requestID string, key types.StreamKey) error
	SendResendResponseResent(id types.PeerID, requestID string, key types.StreamKey) error
	SendResendResponseNoResend(id types.PeerID, requestID string, key types.StreamKey) error
}

// ============================================================================
//                              Handler - 重发处理器
// ============================================================================

// Handler 重发请求处理器
//
// 按序尝试各策略直到某一策略产出至少一条消息。请求按
// 来源分组登记，来源断开时整体取消。
type Handler struct {
	responder     Responder
	strategies    []Strategy
	clk           clock.Clock
	maxInactivity time.Duration

	// NotifyError 策略失败回调（可选）
	NotifyError func(req protocol.ResendRequest, err error)

	mu      sync.Mutex
	ongoing map[types.PeerID]map[*task]struct{}
	watch   *eventbus.Subscription
	stopped bool
}

type task struct {
	cancel  context.CancelFunc
	started time.Time
}

// NewHandler 创建重发处理器
func NewHandler(responder Responder, strategies []Strategy, clk clock.Clock, maxInactivity time.Duration) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	if maxInactivity <= 0 {
		maxInactivity = DefaultMaxInactivityPeriod
	}
	return &Handler{
		responder:     responder,
		strategies:    strategies,
		clk:           clk,
		maxInactivity: maxInactivity,
		ongoing:       make(map[types.PeerID]map[*task]struct{}),
	}
}

// HandleRequest 异步处理一次重发请求
func (h *Handler) HandleRequest(req protocol.ResendRequest, source types.PeerID) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := &task{cancel: cancel, started: h.clk.Now()}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		cancel()
		return
	}
	tasks, ok := h.ongoing[source]
	if !ok {
		tasks = make(map[*task]struct{})
		h.ongoing[source] = tasks
	}
	tasks[tk] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer h.finish(source, tk)
		h.run(ctx, req, source)
	}()
}

// WatchDisconnects 订阅对端断开事件并取消其在途重发
func (h *Handler) WatchDisconnects(bus *eventbus.Bus) error {
	sub, err := bus.Subscribe(new(types.EvtPeerDisconnected), eventbus.BufSize(64))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.watch = sub
	h.mu.Unlock()

	go func() {
		for evt := range sub.Out() {
			h.CancelBySource(evt.(types.EvtPeerDisconnected).Peer.ID)
		}
	}()
	return nil
}

// CancelBySource 取消某来源的全部在途重发
func (h *Handler) CancelBySource(source types.PeerID) {
	h.mu.Lock()
	tasks := h.ongoing[source]
	delete(h.ongoing, source)
	h.mu.Unlock()

	for tk := range tasks {
		tk.cancel()
	}
}

// Stop 取消全部在途重发
func (h *Handler) Stop() {
	h.mu.Lock()
	all := h.ongoing
	h.ongoing = make(map[types.PeerID]map[*task]struct{})
	h.stopped = true
	watch := h.watch
	h.watch = nil
	h.mu.Unlock()

	if watch != nil {
		_ = watch.Close()
	}

	for _, tasks := range all {
		for tk := range tasks {
			tk.cancel()
		}
	}
}

// Stats 在途重发数与平均请求年龄
func (h *Handler) Stats() (ongoing int, meanAge time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clk.Now()
	var total time.Duration
	for _, tasks := range h.ongoing {
		for tk := range tasks {
			ongoing++
			total += now.Sub(tk.started)
		}
	}
	if ongoing > 0 {
		meanAge = total / time.Duration(ongoing)
	}
	return ongoing, meanAge
}

// ============================================================================
//                              内部流程
// ============================================================================

func (h *Handler) finish(source types.PeerID, tk *task) {
	tk.cancel()
	h.mu.Lock()
	if tasks, ok := h.ongoing[source]; ok {
		delete(tasks, tk)
		if len(tasks) == 0 {
			delete(h.ongoing, source)
		}
	}
	h.mu.Unlock()
}

// run 依次尝试各策略，产出任意消息即满足
func (h *Handler) run(ctx context.Context, req protocol.ResendRequest, source types.PeerID) {
	requestID := req.ResendRequestID()
	key := req.ResendKey()

	fulfilled := false
	for _, strategy := range h.strategies {
		count, err := h.drain(ctx, strategy, req, source)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Debug("resend strategy failed", "request", requestID, "err", err)
			if h.NotifyError != nil {
				h.NotifyError(req, err)
			}
		}
		if count > 0 {
			fulfilled = true
			break
		}
	}

	if ctx.Err() != nil {
		return
	}
	if fulfilled {
		_ = h.responder.SendResendResponseResent(source, requestID, key)
		return
	}
	_ = h.responder.SendResendResponseNoResend(source, requestID, key)
}

// drain 消费单个策略的输出并以 Unicast 送回请求方
//
// 超过 maxInactivity 无产出则放弃该策略。
func (h *Handler) drain(parent context.Context, strategy Strategy, req protocol.ResendRequest, source types.PeerID) (int, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	requestID := req.ResendRequestID()
	key := req.ResendKey()
	ch := strategy.Request(ctx, req, source)

	timer := h.clk.Timer(h.maxInactivity)
	defer func() { timer.Stop() }()

	count := 0
	for {
		select {
		case <-parent.Done():
			return count, parent.Err()

		case <-timer.C:
			return count, types.ErrStrategyTimeout

		case msg, ok := <-ch:
			if !ok {
				return count, nil
			}
			if count == 0 {
				if err := h.responder.SendResendResponseResending(source, requestID, key); err != nil {
					return count, err
				}
			}
			if err := h.responder.SendUnicast(source, requestID, msg); err != nil {
				return count, err
			}
			count++

			timer.Stop()
			timer = h.clk.Timer(h.maxInactivity)
		}
	}
}
