package streamnet

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-streamnet/config"
)

// ============================================================================
//                              Option - functional options
// ============================================================================

type options struct {
	config       *config.Config
	clk          clock.Clock
	userFxOption []fx.Option
}

// Option 配置选项
type Option func(*options) error

func buildOptions(opts ...Option) (*options, error) {
	o := &options{
		config: config.NewConfig(),
		clk:    clock.New(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// WithConfig 使用完整配置（替换默认配置）
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("config must not be nil")
		}
		o.config = cfg
		return nil
	}
}

// WithID 指定节点/追踪器标识
func WithID(id string) Option {
	return func(o *options) error {
		o.config.Node.ID = id
		o.config.Tracker.ID = id
		return nil
	}
}

// WithTrackers 指定要连接的追踪器地址
func WithTrackers(urls ...string) Option {
	return func(o *options) error {
		if len(urls) == 0 {
			return fmt.Errorf("at least one tracker URL required")
		}
		o.config.Node.Trackers = urls
		return nil
	}
}

// WithListenAddr 指定监听地址
func WithListenAddr(host string, port int) Option {
	return func(o *options) error {
		o.config.Network.Host = host
		o.config.Network.Port = port
		return nil
	}
}

// WithAdvertisedURL 指定对外通告的 WebSocket 地址（NAT 场景）
func WithAdvertisedURL(url string) Option {
	return func(o *options) error {
		o.config.Network.AdvertisedWsURL = url
		return nil
	}
}

// WithTLS 启用 TLS 监听
func WithTLS(certFile, keyFile string) Option {
	return func(o *options) error {
		o.config.Network.TLSCertFile = certFile
		o.config.Network.TLSKeyFile = keyFile
		return nil
	}
}

// WithStorage 以存储节点身份运行
//
// 存储节点额外保留经手消息的历史，并应答其他节点的
// 重发请求。
func WithStorage() Option {
	return func(o *options) error {
		o.config.Node.IsStorage = true
		return nil
	}
}

// WithMetrics 控制指标采集
func WithMetrics(enabled bool) Option {
	return func(o *options) error {
		o.config.Metrics.Enabled = enabled
		return nil
	}
}

// WithClock 注入时钟（测试用）
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		if clk == nil {
			return fmt.Errorf("clock must not be nil")
		}
		o.clk = clk
		return nil
	}
}

// WithFxOption 附加用户自定义 Fx 选项
func WithFxOption(opts ...fx.Option) Option {
	return func(o *options) error {
		o.userFxOption = append(o.userFxOption, opts...)
		return nil
	}
}
