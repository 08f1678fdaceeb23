// Package config 提供统一的配置管理
//
// 主 Config 结构体嵌入各子配置，支持从 JSON 加载。
// 零值字段在 NewConfig 中給出生产默认值。
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ============================================================================
//                              子配置
// ============================================================================

// NetworkConfig WebSocket 端点配置
type NetworkConfig struct {
	// Host 监听地址
	Host string `json:"host"`

	// Port 监听端口
	Port int `json:"port"`

	// AdvertisedWsURL 对外通告的 WebSocket 地址
	// 为空时按 Host:Port 推导
	AdvertisedWsURL string `json:"advertised_ws_url,omitempty"`

	// PingInterval 连接保活探测间隔
	PingInterval Duration `json:"ping_interval"`

	// TLSCertFile TLS 证书路径（与 TLSKeyFile 成对出现）
	TLSCertFile string `json:"tls_cert_file,omitempty"`

	// TLSKeyFile TLS 私钥路径
	TLSKeyFile string `json:"tls_key_file,omitempty"`
}

// NodeConfig 节点引擎配置
type NodeConfig struct {
	// ID 节点标识，为空时随机生成
	ID string `json:"id,omitempty"`

	// IsStorage 以存储节点身份运行
	IsStorage bool `json:"is_storage,omitempty"`

	// Trackers 追踪器 WebSocket 地址列表
	Trackers []string `json:"trackers"`

	// DisconnectionWait 无共享流断连前的宽限期
	DisconnectionWait Duration `json:"disconnection_wait"`

	// TrackerBackoffBase 追踪器重连退避起始值
	TrackerBackoffBase Duration `json:"tracker_backoff_base"`

	// TrackerBackoffMax 追踪器重连退避上限
	TrackerBackoffMax Duration `json:"tracker_backoff_max"`
}

// TrackerConfig 追踪器配置
type TrackerConfig struct {
	// ID 追踪器标识，为空时随机生成
	ID string `json:"id,omitempty"`

	// MaxNeighbors 每节点最大邻居数
	MaxNeighbors int `json:"max_neighbors"`
}

// ResendConfig 重发管线配置
type ResendConfig struct {
	// MaxInactivityPeriod 策略无产出判定超时
	MaxInactivityPeriod Duration `json:"max_inactivity_period"`

	// StorageAskTimeout 存储节点代答等待超时
	StorageAskTimeout Duration `json:"storage_ask_timeout"`

	// StoreMaxPerStream 内存存储每条流的消息上限
	StoreMaxPerStream int `json:"store_max_per_stream"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Enabled 是否采集指标
	Enabled bool `json:"enabled"`

	// ListenAddr Prometheus 暴露地址（如 ":9090"），为空不暴露
	ListenAddr string `json:"listen_addr,omitempty"`
}

// ============================================================================
//                              Config - 主配置
// ============================================================================

// Config go-streamnet 的完整配置
type Config struct {
	// Network 端点配置
	Network NetworkConfig `json:"network"`

	// Node 节点引擎配置
	Node NodeConfig `json:"node"`

	// Tracker 追踪器配置
	Tracker TrackerConfig `json:"tracker"`

	// Resend 重发管线配置
	Resend ResendConfig `json:"resend"`

	// Metrics 指标配置
	Metrics MetricsConfig `json:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Host:         "0.0.0.0",
			Port:         30301,
			PingInterval: Duration(5 * time.Second),
		},
		Node: NodeConfig{
			DisconnectionWait:  Duration(30 * time.Second),
			TrackerBackoffBase: Duration(2 * time.Second),
			TrackerBackoffMax:  Duration(60 * time.Second),
		},
		Tracker: TrackerConfig{
			MaxNeighbors: 4,
		},
		Resend: ResendConfig{
			MaxInactivityPeriod: Duration(5 * time.Minute),
			StorageAskTimeout:   Duration(30 * time.Second),
			StoreMaxPerStream:   10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// FromJSON 从 JSON 数据解析配置（未出现的字段保留默认值）
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile 从文件加载配置
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return FromJSON(data)
}
