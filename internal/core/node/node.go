// Package node 实现节点引擎：订阅、发布、去重转发与指令执行
package node

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-streamnet/internal/core/adapter"
	"github.com/dep2p/go-streamnet/internal/core/endpoint"
	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/internal/core/peerbook"
	"github.com/dep2p/go-streamnet/internal/core/streams"
	"github.com/dep2p/go-streamnet/pkg/lib/log"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

var logger = log.Logger("node")

// ============================================================================
//                              配置
// ============================================================================

const (
	// DefaultDisconnectionWait 无共享流断连前的宽限期
	DefaultDisconnectionWait = 30 * time.Second
	// DefaultTrackerBackoffBase 追踪器重连退避起始值
	DefaultTrackerBackoffBase = 2 * time.Second
	// DefaultTrackerBackoffMax 追踪器重连退避上限
	DefaultTrackerBackoffMax = 60 * time.Second
)

// Config 节点引擎配置
type Config struct {
	// Trackers 追踪器 WebSocket 地址
	Trackers []string
	// DisconnectionWait 无共享流断连前的宽限期
	DisconnectionWait time.Duration
	// TrackerBackoffBase 追踪器重连退避起始值
	TrackerBackoffBase time.Duration
	// TrackerBackoffMax 追踪器重连退避上限
	TrackerBackoffMax time.Duration
}

func (c *Config) withDefaults() {
	if c.DisconnectionWait <= 0 {
		c.DisconnectionWait = DefaultDisconnectionWait
	}
	if c.TrackerBackoffBase <= 0 {
		c.TrackerBackoffBase = DefaultTrackerBackoffBase
	}
	if c.TrackerBackoffMax <= 0 {
		c.TrackerBackoffMax = DefaultTrackerBackoffMax
	}
}

// Network 节点引擎需要的连接操作
//
// 由 endpoint.Endpoint 实现；测试用替身。
type Network interface {
	Connect(peerURL string) (types.PeerID, error)
	Close(id types.PeerID, code int, reason string)
	RTTs() map[string]time.Duration
}

// ============================================================================
//                              Node - 节点引擎
// ============================================================================

// Node 节点引擎
//
// 单个流网络节点的核心逻辑：维护订阅状态，执行追踪器
// 指令，对入站消息去重并沿覆盖网转发。
type Node struct {
	self types.PeerInfo
	cfg  Config

	streams *streams.Manager
	nn      *adapter.NodeToNode
	tn      *adapter.TrackerNode
	net     Network
	book    *peerbook.PeerBook
	clk     clock.Clock

	mu           sync.Mutex
	trackers     map[string]types.PeerID // 已连接追踪器：地址 → 标识
	trackerDown  map[string]chan struct{}
	pendingClose map[types.PeerID]*clock.Timer

	emitSubscribed   *eventbus.Emitter
	emitUnsubscribed *eventbus.Emitter
	emitDisconnected *eventbus.Emitter
	emitUnseen       *eventbus.Emitter
	disconnects      *eventbus.Subscription

	stopOnce sync.Once
	done     chan struct{}
}

// New 创建节点引擎
func New(self types.PeerInfo, cfg Config, mgr *streams.Manager, nn *adapter.NodeToNode, tn *adapter.TrackerNode, net Network, book *peerbook.PeerBook, clk clock.Clock) *Node {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}

	n := &Node{
		self:         self,
		cfg:          cfg,
		streams:      mgr,
		nn:           nn,
		tn:           tn,
		net:          net,
		book:         book,
		clk:          clk,
		trackers:     make(map[string]types.PeerID),
		trackerDown:  make(map[string]chan struct{}),
		pendingClose: make(map[types.PeerID]*clock.Timer),
		done:         make(chan struct{}),
	}

	nn.OnBroadcast = n.handleBroadcast
	nn.OnSubscribe = n.handleSubscribe
	nn.OnUnsubscribe = n.handleUnsubscribe
	tn.OnInstruction = n.handleInstruction
	return n
}

// Start 接入事件总线并连接追踪器
func (n *Node) Start(bus *eventbus.Bus) error {
	var err error
	if n.emitSubscribed, err = bus.Emitter(new(types.EvtNodeSubscribed)); err != nil {
		return err
	}
	if n.emitUnsubscribed, err = bus.Emitter(new(types.EvtNodeUnsubscribed)); err != nil {
		return err
	}
	if n.emitDisconnected, err = bus.Emitter(new(types.EvtNodeDisconnected)); err != nil {
		return err
	}
	if n.emitUnseen, err = bus.Emitter(new(types.EvtUnseenMessage)); err != nil {
		return err
	}

	if err = n.nn.Start(bus); err != nil {
		return err
	}
	if err = n.tn.Start(bus); err != nil {
		n.nn.Stop()
		return err
	}

	if n.disconnects, err = bus.Subscribe(new(types.EvtPeerDisconnected), eventbus.BufSize(64)); err != nil {
		n.nn.Stop()
		n.tn.Stop()
		return err
	}
	go n.disconnectLoop()

	for _, addr := range n.cfg.Trackers {
		go n.trackerLoop(addr)
	}
	return nil
}

// Stop 停止引擎
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)

		n.mu.Lock()
		for _, timer := range n.pendingClose {
			timer.Stop()
		}
		n.pendingClose = make(map[types.PeerID]*clock.Timer)
		n.mu.Unlock()

		if n.disconnects != nil {
			_ = n.disconnects.Close()
		}
		n.nn.Stop()
		n.tn.Stop()

		for _, em := range []*eventbus.Emitter{n.emitSubscribed, n.emitUnsubscribed, n.emitDisconnected, n.emitUnseen} {
			if em != nil {
				_ = em.Close()
			}
		}
	})
}

// ============================================================================
//                              订阅与发布
// ============================================================================

// Subscribe 订阅一条流
//
// 幂等。邻居由追踪器指令建立，本方法只登记意图并上报状态。
func (n *Node) Subscribe(key types.StreamKey) {
	n.streams.SetUp(key)
	logger.Info("subscribed", "key", key)
	n.sendStatusToTrackers()
}

// Unsubscribe 取消订阅一条流
//
// 通知全部邻居；不再共享任何流的邻居在宽限期后断连。
func (n *Node) Unsubscribe(key types.StreamKey) {
	neighbors := n.streams.Remove(key)
	for _, peer := range neighbors {
		if err := n.nn.SendUnsubscribe(peer, key); err != nil {
			logger.Debug("failed to send unsubscribe", "peer", peer, "err", err)
		}
		n.maybeScheduleClose(peer)
	}
	logger.Info("unsubscribed", "key", key, "neighbors", len(neighbors))
	n.sendStatusToTrackers()
}

// Publish 发布一条流消息
//
// 未订阅的流自动建立订阅。重复消息静默丢弃。
func (n *Node) Publish(msg types.StreamMessage) error {
	key := msg.ID.StreamKey()
	if !n.streams.IsSetUp(key) {
		n.Subscribe(key)
	}

	fresh, err := n.streams.MarkAndCheckDuplicate(msg.ID)
	if err != nil {
		return err
	}
	if !fresh {
		logger.Debug("duplicate publish ignored", "key", key, "ref", msg.ID.Ref())
		return nil
	}

	n.propagate(msg, n.self.ID)
	return nil
}

// Subscriptions 当前订阅的流
func (n *Node) Subscriptions() []types.StreamKey {
	return n.streams.Keys()
}

// ConnectedTracker 返回任一已连接的追踪器
func (n *Node) ConnectedTracker() (types.PeerID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, addr := range n.cfg.Trackers {
		if id, ok := n.trackers[addr]; ok {
			return id, true
		}
	}
	return "", false
}

// propagate 向出站邻居扇出并交付本地订阅者
func (n *Node) propagate(msg types.StreamMessage, source types.PeerID) {
	key := msg.ID.StreamKey()
	for _, peer := range n.streams.Outbound(key) {
		if peer == source {
			continue
		}
		if err := n.nn.SendBroadcast(peer, msg); err != nil {
			logger.Debug("failed to forward", "peer", peer, "key", key, "err", err)
		}
	}
	n.emit(n.emitUnseen, types.EvtUnseenMessage{
		BaseEvent: types.NewBaseEvent("unseen_message"),
		Message:   msg,
		Source:    source,
	})
}

// ============================================================================
//                              节点方向帧处理
// ============================================================================

// handleBroadcast 入站发布消息：去重后继续扩散
//
// 只接受入站邻居的消息。未经订阅关系送达的帧直接忽略，
// 不参与去重与扩散。
func (n *Node) handleBroadcast(msg protocol.BroadcastMessage, source types.PeerID) {
	key := msg.Message.ID.StreamKey()
	if !n.streams.IsSetUp(key) {
		logger.Debug("broadcast for unknown stream", "key", key, "source", source)
		return
	}
	if !n.streams.HasInbound(key, source) {
		logger.Debug("broadcast from non-neighbor", "key", key, "source", source)
		return
	}

	fresh, err := n.streams.MarkAndCheckDuplicate(msg.Message.ID)
	if err != nil {
		logger.Warn("duplicate check failed", "key", key, "err", err)
		return
	}
	if !fresh {
		return
	}
	n.propagate(msg.Message, source)
}

// handleSubscribe 邻居声明它要从本节点收流
func (n *Node) handleSubscribe(req protocol.SubscribeRequest, source types.PeerID) {
	if err := n.streams.AddOutbound(req.Key, source); err != nil {
		logger.Debug("subscribe for unknown stream", "key", req.Key, "source", source)
		return
	}
	n.cancelPendingClose(source)
	n.emit(n.emitSubscribed, types.EvtNodeSubscribed{
		BaseEvent: types.NewBaseEvent("node_subscribed"),
		Peer:      source,
		Key:       req.Key,
	})
}

// handleUnsubscribe 邻居退出一条流
func (n *Node) handleUnsubscribe(req protocol.UnsubscribeRequest, source types.PeerID) {
	if !n.streams.IsSetUp(req.Key) {
		return
	}
	_ = n.streams.RemoveInbound(req.Key, source)
	_ = n.streams.RemoveOutbound(req.Key, source)
	n.emit(n.emitUnsubscribed, types.EvtNodeUnsubscribed{
		BaseEvent: types.NewBaseEvent("node_unsubscribed"),
		Peer:      source,
		Key:       req.Key,
	})
	n.maybeScheduleClose(source)
}

// ============================================================================
//                              指令执行
// ============================================================================

// handleInstruction 执行追踪器路由指令
//
// 计数回退的指令直接丢弃。对目标邻居集做调和：新邻居
// 先连接再订阅，退出的邻居取消订阅并在无共享流时断连。
// 调和完成后向下发指令的追踪器回报状态。
func (n *Node) handleInstruction(instr protocol.InstructionMessage, tracker types.PeerID) {
	key := instr.Key
	if !n.streams.IsSetUp(key) {
		logger.Debug("instruction for unknown stream", "key", key)
		return
	}

	counter, err := n.streams.Counter(key)
	if err != nil {
		return
	}
	// 计数相同视为重放，与过期指令一并丢弃。追踪器的计数
	// 严格递增，相同计数只能来自重复投递。
	if instr.Counter <= counter {
		logger.Debug("stale instruction dropped", "key", key, "counter", instr.Counter, "current", counter)
		return
	}
	_ = n.streams.SetCounter(key, instr.Counter)

	target := make(map[types.PeerID]struct{}, len(instr.NodeAddresses))
	for _, addr := range instr.NodeAddresses {
		peer, err := n.net.Connect(addr)
		if err != nil {
			logger.Warn("failed to connect to instructed neighbor", "address", addr, "err", err)
			continue
		}
		target[peer] = struct{}{}

		if n.streams.HasInbound(key, peer) {
			continue
		}
		if err := n.nn.SendSubscribe(peer, key); err != nil {
			logger.Warn("failed to subscribe to neighbor", "peer", peer, "key", key, "err", err)
			continue
		}
		_ = n.streams.AddInbound(key, peer)
		n.cancelPendingClose(peer)
	}

	// 不在目标集里的既有邻居退场
	for _, peer := range n.streams.Inbound(key) {
		if _, keep := target[peer]; keep {
			continue
		}
		_ = n.streams.RemoveInbound(key, peer)
		_ = n.streams.RemoveOutbound(key, peer)
		if err := n.nn.SendUnsubscribe(peer, key); err != nil {
			logger.Debug("failed to send unsubscribe", "peer", peer, "err", err)
		}
		n.maybeScheduleClose(peer)
	}

	logger.Debug("instruction applied", "key", key, "counter", instr.Counter, "neighbors", len(target))
	n.sendStatus(tracker)
}

// ============================================================================
//                              状态上报
// ============================================================================

// buildStatus 汇总全部订阅流的邻居与计数
func (n *Node) buildStatus() protocol.Status {
	keys := n.streams.Keys()
	streamStatuses := make([]protocol.StreamStatus, 0, len(keys))
	for _, key := range keys {
		counter, _ := n.streams.Counter(key)
		streamStatuses = append(streamStatuses, protocol.StreamStatus{
			Key:       key,
			Neighbors: unionPeers(n.streams.Inbound(key), n.streams.Outbound(key)),
			Counter:   counter,
		})
	}
	return protocol.Status{Streams: streamStatuses, RTTs: n.net.RTTs()}
}

// sendStatus 向单个追踪器上报状态
func (n *Node) sendStatus(tracker types.PeerID) {
	if err := n.tn.SendStatus(tracker, n.buildStatus()); err != nil {
		logger.Debug("failed to send status", "tracker", tracker, "err", err)
	}
}

// sendStatusToTrackers 向全部已连接追踪器上报状态
func (n *Node) sendStatusToTrackers() {
	n.mu.Lock()
	ids := make([]types.PeerID, 0, len(n.trackers))
	for _, id := range n.trackers {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	for _, id := range ids {
		n.sendStatus(id)
	}
}

// ============================================================================
//                              追踪器连接维护
// ============================================================================

// trackerLoop 维持到单个追踪器的连接，断开后指数退避重连
func (n *Node) trackerLoop(addr string) {
	backoff := n.cfg.TrackerBackoffBase
	for {
		select {
		case <-n.done:
			return
		default:
		}

		id, err := n.net.Connect(addr)
		if err != nil {
			logger.Warn("tracker connection failed", "address", addr, "retry_in", backoff, "err", err)
			if !n.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > n.cfg.TrackerBackoffMax {
				backoff = n.cfg.TrackerBackoffMax
			}
			continue
		}

		down := make(chan struct{})
		n.mu.Lock()
		n.trackers[addr] = id
		n.trackerDown[addr] = down
		n.mu.Unlock()

		logger.Info("tracker connected", "address", addr, "tracker", id)
		backoff = n.cfg.TrackerBackoffBase
		n.sendStatus(id)

		select {
		case <-n.done:
			return
		case <-down:
		}
	}
}

// sleep 可中断等待，返回 false 表示引擎已停止
func (n *Node) sleep(d time.Duration) bool {
	timer := n.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-n.done:
		return false
	case <-timer.C:
		return true
	}
}

// ============================================================================
//                              断连处理
// ============================================================================

func (n *Node) disconnectLoop() {
	for {
		select {
		case <-n.done:
			return
		case evt, ok := <-n.disconnects.Out():
			if !ok {
				return
			}
			e := evt.(types.EvtPeerDisconnected)
			if e.Peer.IsTracker() {
				n.handleTrackerDisconnected(e.Peer.ID)
				continue
			}
			n.handlePeerDisconnected(e.Peer.ID)
		}
	}
}

// handlePeerDisconnected 邻居断开：清理本地状态并上报
func (n *Node) handlePeerDisconnected(peer types.PeerID) {
	n.cancelPendingClose(peer)

	affected := n.streams.RemovePeer(peer)
	if len(affected) == 0 {
		return
	}

	address, _ := n.book.AddressOf(peer)
	logger.Info("neighbor disconnected", "peer", peer, "streams", len(affected))
	n.emit(n.emitDisconnected, types.EvtNodeDisconnected{
		BaseEvent: types.NewBaseEvent("node_disconnected"),
		Peer:      peer,
		Address:   address,
	})
	n.sendStatusToTrackers()
}

// handleTrackerDisconnected 追踪器断开：唤醒对应的重连循环
func (n *Node) handleTrackerDisconnected(tracker types.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for addr, id := range n.trackers {
		if id != tracker {
			continue
		}
		delete(n.trackers, addr)
		if down, ok := n.trackerDown[addr]; ok {
			close(down)
			delete(n.trackerDown, addr)
		}
		logger.Warn("tracker disconnected", "address", addr)
		return
	}
}

// ============================================================================
//                              无共享流断连
// ============================================================================

// maybeScheduleClose 无共享流的邻居在宽限期后断连
//
// 宽限期内重新出现共享流则取消。
func (n *Node) maybeScheduleClose(peer types.PeerID) {
	if n.sharesAnyStream(peer) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, pending := n.pendingClose[peer]; pending {
		return
	}
	n.pendingClose[peer] = n.clk.AfterFunc(n.cfg.DisconnectionWait, func() {
		n.mu.Lock()
		delete(n.pendingClose, peer)
		n.mu.Unlock()

		if n.sharesAnyStream(peer) {
			return
		}
		logger.Debug("closing connection without shared streams", "peer", peer)
		n.net.Close(peer, endpoint.CodeNormal, endpoint.ReasonNoSharedStreams)
	})
}

func (n *Node) cancelPendingClose(peer types.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if timer, ok := n.pendingClose[peer]; ok {
		timer.Stop()
		delete(n.pendingClose, peer)
	}
}

func (n *Node) sharesAnyStream(peer types.PeerID) bool {
	for _, key := range n.streams.Keys() {
		if n.streams.HasNeighbor(key, peer) {
			return true
		}
	}
	return false
}

// ============================================================================
//                              工具
// ============================================================================

func (n *Node) emit(em *eventbus.Emitter, evt interface{}) {
	if em == nil {
		return
	}
	if err := em.Emit(evt); err != nil {
		logger.Debug("failed to emit event", "err", err)
	}
}

// unionPeers 合并去重两组邻居（保持有序输入的有序输出）
func unionPeers(a, b []types.PeerID) []types.PeerID {
	seen := make(map[types.PeerID]struct{}, len(a)+len(b))
	out := make([]types.PeerID, 0, len(a)+len(b))
	for _, list := range [][]types.PeerID{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
