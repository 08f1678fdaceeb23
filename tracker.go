package streamnet

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/dep2p/go-streamnet/pkg/types"
)

// ============================================================================
//                              Tracker - 追踪器门面
// ============================================================================

// Tracker 流网络追踪器
//
// 接受节点连接与状态上报，维护各流的覆盖网拓扑。
type Tracker struct {
	app        *fx.App
	self       types.PeerInfo
	components trackerComponents

	mu            sync.Mutex
	started       bool
	metricsServer *http.Server
	metricsAddr   string
}

// NewTracker 创建追踪器
func NewTracker(opts ...Option) (*Tracker, error) {
	o, err := buildOptions(opts...)
	if err != nil {
		return nil, err
	}

	id := o.config.Tracker.ID
	if id == "" {
		id = uuid.New().String()
	}
	self := types.NewTrackerInfo(types.PeerID(id))

	t := &Tracker{self: self, metricsAddr: o.config.Metrics.ListenAddr}
	t.app = buildTrackerApp(o, self, &t.components)
	if err := t.app.Err(); err != nil {
		return nil, fmt.Errorf("assemble tracker: %w", err)
	}
	return t, nil
}

// Start 启动追踪器
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := t.app.Start(startCtx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}

	if t.metricsAddr != "" && t.components.Collector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.components.Collector.Registry(), promhttp.HandlerOpts{}))
		t.metricsServer = &http.Server{Addr: t.metricsAddr, Handler: mux}
		go func() {
			if err := t.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server terminated", "err", err)
			}
		}()
	}

	t.started = true
	logger.Info("tracker started", "id", t.self.ID, "address", t.components.Endpoint.AdvertisedURL())
	return nil
}

// Stop 停止追踪器
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return ErrNotStarted
	}

	if t.metricsServer != nil {
		_ = t.metricsServer.Shutdown(ctx)
		t.metricsServer = nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := t.app.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop tracker: %w", err)
	}
	t.started = false
	logger.Info("tracker stopped", "id", t.self.ID)
	return nil
}

// ID 追踪器标识
func (t *Tracker) ID() types.PeerID {
	return t.self.ID
}

// Address 对外通告的 WebSocket 地址
func (t *Tracker) Address() string {
	return t.components.Endpoint.AdvertisedURL()
}

// GetTopology 当前拓扑快照：流标识 → 节点 → 邻居列表
func (t *Tracker) GetTopology() map[string]map[string][]string {
	return t.components.Engine.GetTopology()
}
