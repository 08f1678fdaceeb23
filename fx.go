package streamnet

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-streamnet/config"
	"github.com/dep2p/go-streamnet/internal/core/adapter"
	"github.com/dep2p/go-streamnet/internal/core/endpoint"
	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/internal/core/metrics"
	"github.com/dep2p/go-streamnet/internal/core/node"
	"github.com/dep2p/go-streamnet/internal/core/peerbook"
	"github.com/dep2p/go-streamnet/internal/core/resend"
	"github.com/dep2p/go-streamnet/internal/core/streams"
	"github.com/dep2p/go-streamnet/internal/core/tracker"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// ============================================================================
//                              公共模块
// ============================================================================

// baseModules 节点与追踪器共享的基础组件
func baseModules(o *options, self types.PeerInfo) []fx.Option {
	return []fx.Option{
		fx.Supply(o.config),
		fx.Supply(self),
		fx.Provide(func() clock.Clock { return o.clk }),
		fx.Provide(eventbus.New),
		fx.Provide(peerbook.New),
		fx.Provide(newEndpoint),

		// 禁用 Fx 自身的日志输出
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.NopLogger,
	}
}

func newEndpoint(self types.PeerInfo, cfg *config.Config, book *peerbook.PeerBook, bus *eventbus.Bus, clk clock.Clock) (*endpoint.Endpoint, error) {
	return endpoint.New(self, endpoint.Config{
		Host:            cfg.Network.Host,
		Port:            cfg.Network.Port,
		TLSCertFile:     cfg.Network.TLSCertFile,
		TLSKeyFile:      cfg.Network.TLSKeyFile,
		AdvertisedWsURL: cfg.Network.AdvertisedWsURL,
		PingInterval:    cfg.Network.PingInterval.Std(),
	}, book, bus, clk)
}

// maybeMetrics 按配置加载指标采集
func maybeMetrics(o *options, modules []fx.Option) []fx.Option {
	if !o.config.Metrics.Enabled {
		return modules
	}
	return append(modules,
		fx.Provide(metrics.New),
		fx.Invoke(func(lc fx.Lifecycle, c *metrics.Collector, bus *eventbus.Bus) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { return c.Start(bus) },
				OnStop:  func(context.Context) error { c.Stop(); return nil },
			})
		}),
	)
}

// ============================================================================
//                              节点装配
// ============================================================================

type nodeComponents struct {
	fx.In

	Bus       *eventbus.Bus
	Book      *peerbook.PeerBook
	Endpoint  *endpoint.Endpoint
	Engine    *node.Node
	Handler   *resend.Handler
	Store     *resend.MemoryStore
	Feeder    *resend.Feeder
	Collector *metrics.Collector `optional:"true"`
}

func buildNodeApp(o *options, self types.PeerInfo, out *nodeComponents) *fx.App {
	modules := baseModules(o, self)
	modules = append(modules,
		fx.Provide(streams.NewManager),
		fx.Provide(func(ep *endpoint.Endpoint) *adapter.NodeToNode { return adapter.NewNodeToNode(ep) }),
		fx.Provide(func(ep *endpoint.Endpoint) *adapter.TrackerNode { return adapter.NewTrackerNode(ep) }),
		fx.Provide(newNodeEngine),
		fx.Provide(newResendStore),
		fx.Provide(resend.NewFeeder),
		fx.Provide(newResendHandler),
		fx.Invoke(wireNodeLifecycle),
	)
	modules = maybeMetrics(o, modules)
	if o.config.Metrics.Enabled {
		modules = append(modules, fx.Invoke(func(c *metrics.Collector, h *resend.Handler) {
			c.ObserveResends(h.Stats)
		}))
	}
	modules = append(modules, o.userFxOption...)
	modules = append(modules, fx.Populate(out))
	return fx.New(modules...)
}

func newNodeEngine(self types.PeerInfo, cfg *config.Config, mgr *streams.Manager, nn *adapter.NodeToNode, tn *adapter.TrackerNode, ep *endpoint.Endpoint, book *peerbook.PeerBook, clk clock.Clock) *node.Node {
	return node.New(self, node.Config{
		Trackers:           cfg.Node.Trackers,
		DisconnectionWait:  cfg.Node.DisconnectionWait.Std(),
		TrackerBackoffBase: cfg.Node.TrackerBackoffBase.Std(),
		TrackerBackoffMax:  cfg.Node.TrackerBackoffMax.Std(),
	}, mgr, nn, tn, ep, book, clk)
}

func newResendStore(cfg *config.Config) *resend.MemoryStore {
	return resend.NewMemoryStore(cfg.Resend.StoreMaxPerStream)
}

// newResendHandler 组装重发管线
//
// 本地存储策略在前；非存储节点再挂存储节点代答策略。
func newResendHandler(cfg *config.Config, store *resend.MemoryStore, nn *adapter.NodeToNode, tn *adapter.TrackerNode, ep *endpoint.Endpoint, engine *node.Node, clk clock.Clock) *resend.Handler {
	strategies := []resend.Strategy{resend.NewLocalStrategy(store)}
	if !cfg.Node.IsStorage {
		storage := resend.NewStorageStrategy(nn, tn, ep, engine.ConnectedTracker, clk, cfg.Resend.StorageAskTimeout.Std())
		nn.OnUnicast = storage.HandleUnicast
		nn.OnResendResponse = storage.HandleResendResponse
		tn.OnStorageNodesResponse = storage.HandleStorageNodesResponse
		strategies = append(strategies, storage)
	}

	handler := resend.NewHandler(nn, strategies, clk, cfg.Resend.MaxInactivityPeriod.Std())
	nn.OnResendRequest = handler.HandleRequest
	return handler
}

func wireNodeLifecycle(lc fx.Lifecycle, ep *endpoint.Endpoint, engine *node.Node, handler *resend.Handler, feeder *resend.Feeder, bus *eventbus.Bus) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := feeder.Start(bus); err != nil {
				return err
			}
			if err := handler.WatchDisconnects(bus); err != nil {
				return err
			}
			if err := engine.Start(bus); err != nil {
				return err
			}
			return ep.Start()
		},
		OnStop: func(context.Context) error {
			engine.Stop()
			handler.Stop()
			feeder.Stop()
			return ep.Stop()
		},
	})
}

// ============================================================================
//                              追踪器装配
// ============================================================================

type trackerComponents struct {
	fx.In

	Bus       *eventbus.Bus
	Book      *peerbook.PeerBook
	Endpoint  *endpoint.Endpoint
	Engine    *tracker.Tracker
	Collector *metrics.Collector `optional:"true"`
}

func buildTrackerApp(o *options, self types.PeerInfo, out *trackerComponents) *fx.App {
	modules := baseModules(o, self)
	modules = append(modules,
		fx.Provide(func(ep *endpoint.Endpoint) *adapter.TrackerServer { return adapter.NewTrackerServer(ep) }),
		fx.Provide(newTrackerEngine),
		fx.Invoke(wireTrackerLifecycle),
	)
	modules = maybeMetrics(o, modules)
	modules = append(modules, o.userFxOption...)
	modules = append(modules, fx.Populate(out))
	return fx.New(modules...)
}

func newTrackerEngine(self types.PeerInfo, cfg *config.Config, server *adapter.TrackerServer, book *peerbook.PeerBook) *tracker.Tracker {
	return tracker.New(self, server, book, cfg.Tracker.MaxNeighbors)
}

func wireTrackerLifecycle(lc fx.Lifecycle, ep *endpoint.Endpoint, engine *tracker.Tracker, bus *eventbus.Bus) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := engine.Start(bus); err != nil {
				return err
			}
			return ep.Start()
		},
		OnStop: func(context.Context) error {
			engine.Stop()
			return ep.Stop()
		},
	})
}
