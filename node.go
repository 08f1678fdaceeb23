package streamnet

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/pkg/lib/log"
	"github.com/dep2p/go-streamnet/pkg/types"
)

var logger = log.Logger("streamnet")

// startTimeout Fx 应用启动/停止超时
const startTimeout = 30 * time.Second

// ============================================================================
//                              Node - 节点门面
// ============================================================================

// Node 流网络节点
//
// 封装端点、节点引擎与重发管线的完整装配。
type Node struct {
	app        *fx.App
	self       types.PeerInfo
	components nodeComponents

	mu            sync.Mutex
	started       bool
	metricsServer *http.Server
	metricsAddr   string
}

// NewNode 创建节点
func NewNode(opts ...Option) (*Node, error) {
	o, err := buildOptions(opts...)
	if err != nil {
		return nil, err
	}

	id := o.config.Node.ID
	if id == "" {
		id = uuid.New().String()
	}
	self := types.NewNodeInfo(types.PeerID(id))
	if o.config.Node.IsStorage {
		self = types.NewStorageInfo(types.PeerID(id))
	}

	n := &Node{self: self, metricsAddr: o.config.Metrics.ListenAddr}
	n.app = buildNodeApp(o, self, &n.components)
	if err := n.app.Err(); err != nil {
		return nil, fmt.Errorf("assemble node: %w", err)
	}
	return n, nil
}

// Start 启动节点
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := n.app.Start(startCtx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	n.startMetricsServer()
	n.started = true
	logger.Info("node started", "id", n.self.ID, "address", n.components.Endpoint.AdvertisedURL())
	return nil
}

// Stop 停止节点
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return ErrNotStarted
	}

	if n.metricsServer != nil {
		_ = n.metricsServer.Shutdown(ctx)
		n.metricsServer = nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := n.app.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	n.started = false
	logger.Info("node stopped", "id", n.self.ID)
	return nil
}

// ============================================================================
//                              节点操作
// ============================================================================

// ID 节点标识
func (n *Node) ID() types.PeerID {
	return n.self.ID
}

// Address 对外通告的 WebSocket 地址
func (n *Node) Address() string {
	return n.components.Endpoint.AdvertisedURL()
}

// Subscribe 订阅一条流
func (n *Node) Subscribe(key types.StreamKey) {
	n.components.Engine.Subscribe(key)
}

// Unsubscribe 取消订阅一条流
func (n *Node) Unsubscribe(key types.StreamKey) {
	n.components.Engine.Unsubscribe(key)
}

// Publish 发布一条流消息
func (n *Node) Publish(msg types.StreamMessage) error {
	return n.components.Engine.Publish(msg)
}

// Subscriptions 当前订阅的流
func (n *Node) Subscriptions() []types.StreamKey {
	return n.components.Engine.Subscriptions()
}

// Messages 订阅本地投递的消息（去重后首次见到的消息）
//
// 返回的订阅由调用方关闭。
func (n *Node) Messages() (*eventbus.Subscription, error) {
	return n.components.Bus.Subscribe(new(types.EvtUnseenMessage), eventbus.BufSize(256))
}

// Bus 事件总线（高级用法：连接、背压等事件）
func (n *Node) Bus() *eventbus.Bus {
	return n.components.Bus
}

// Peers 当前连接的对端
func (n *Node) Peers() []types.PeerInfo {
	return n.components.Endpoint.Peers()
}

// ============================================================================
//                              内部
// ============================================================================

func (n *Node) startMetricsServer() {
	if n.metricsAddr == "" || n.components.Collector == nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.components.Collector.Registry(), promhttp.HandlerOpts{}))
	n.metricsServer = &http.Server{Addr: n.metricsAddr, Handler: mux}
	go func() {
		if err := n.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server terminated", "err", err)
		}
	}()
}
