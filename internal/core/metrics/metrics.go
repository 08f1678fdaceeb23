// Package metrics 基于事件总线的运行指标采集
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/pkg/lib/log"
	"github.com/dep2p/go-streamnet/pkg/types"
)

var logger = log.Logger("metrics")

// ============================================================================
//                              Collector - 指标采集器
// ============================================================================

// Collector 指标采集器
//
// 订阅事件总线，把连接、消息与背压事件换算成 Prometheus
// 指标。重发管线的在途统计通过 ObserveResends 注册。
type Collector struct {
	registry *prometheus.Registry

	peersConnected   prometheus.Gauge
	connectionsTotal prometheus.Counter
	disconnectsTotal *prometheus.CounterVec
	messagesIn       prometheus.Counter
	bytesIn          prometheus.Counter
	messagesDelivered prometheus.Counter
	neighborSubs     prometheus.Counter
	neighborUnsubs   prometheus.Counter
	highPressure     prometheus.Counter

	subs     []*eventbus.Subscription
	stopOnce sync.Once
	done     chan struct{}
}

// New 创建指标采集器
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		done:     make(chan struct{}),
	}

	c.peersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamnet", Name: "peers_connected",
		Help: "Number of currently connected peers.",
	})
	c.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamnet", Name: "connections_total",
		Help: "Total peer connections established.",
	})
	c.disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamnet", Name: "disconnects_total",
		Help: "Total peer disconnects by close reason.",
	}, []string{"reason"})
	c.messagesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamnet", Name: "messages_in_total",
		Help: "Total frames received from peers.",
	})
	c.bytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamnet", Name: "bytes_in_total",
		Help: "Total payload bytes received from peers.",
	})
	c.messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamnet", Name: "messages_delivered_total",
		Help: "Total stream messages delivered after deduplication.",
	})
	c.neighborSubs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamnet", Name: "neighbor_subscribes_total",
		Help: "Total subscribe requests accepted from neighbors.",
	})
	c.neighborUnsubs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamnet", Name: "neighbor_unsubscribes_total",
		Help: "Total unsubscribe requests received from neighbors.",
	})
	c.highPressure = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamnet", Name: "backpressure_high_total",
		Help: "Total transitions into high back pressure.",
	})

	c.registry.MustRegister(
		c.peersConnected, c.connectionsTotal, c.disconnectsTotal,
		c.messagesIn, c.bytesIn, c.messagesDelivered,
		c.neighborSubs, c.neighborUnsubs, c.highPressure,
	)
	return c
}

// Registry 指标注册表（供 HTTP 暴露）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveResends 注册重发管线的在途数与平均年龄
func (c *Collector) ObserveResends(stats func() (int, time.Duration)) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "streamnet", Name: "resends_ongoing",
		Help: "Number of resend requests currently being served.",
	}, func() float64 {
		ongoing, _ := stats()
		return float64(ongoing)
	}))
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "streamnet", Name: "resends_mean_age_seconds",
		Help: "Mean age of ongoing resend requests.",
	}, func() float64 {
		_, age := stats()
		return age.Seconds()
	}))
}

// Start 订阅事件总线并开始采集
func (c *Collector) Start(bus *eventbus.Bus) error {
	handlers := []struct {
		proto  interface{}
		handle func(interface{})
	}{
		{new(types.EvtPeerConnected), func(interface{}) {
			c.peersConnected.Inc()
			c.connectionsTotal.Inc()
		}},
		{new(types.EvtPeerDisconnected), func(evt interface{}) {
			c.peersConnected.Dec()
			c.disconnectsTotal.WithLabelValues(evt.(types.EvtPeerDisconnected).Reason).Inc()
		}},
		{new(types.EvtMessageReceived), func(evt interface{}) {
			c.messagesIn.Inc()
			c.bytesIn.Add(float64(len(evt.(types.EvtMessageReceived).Payload)))
		}},
		{new(types.EvtUnseenMessage), func(interface{}) { c.messagesDelivered.Inc() }},
		{new(types.EvtNodeSubscribed), func(interface{}) { c.neighborSubs.Inc() }},
		{new(types.EvtNodeUnsubscribed), func(interface{}) { c.neighborUnsubs.Inc() }},
		{new(types.EvtHighBackPressure), func(interface{}) { c.highPressure.Inc() }},
	}

	for _, h := range handlers {
		sub, err := bus.Subscribe(h.proto, eventbus.BufSize(128))
		if err != nil {
			logger.Warn("failed to subscribe metrics source", "err", err)
			c.Stop()
			return err
		}
		c.subs = append(c.subs, sub)
		go c.loop(sub, h.handle)
	}
	return nil
}

// Stop 停止采集
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		for _, sub := range c.subs {
			_ = sub.Close()
		}
	})
}

func (c *Collector) loop(sub *eventbus.Subscription, handle func(interface{})) {
	for {
		select {
		case <-c.done:
			return
		case evt, ok := <-sub.Out():
			if !ok {
				return
			}
			handle(evt)
		}
	}
}
