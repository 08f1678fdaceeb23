// Package main 提供 streamnet 节点命令行入口
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	streamnet "github.com/dep2p/go-streamnet"
	"github.com/dep2p/go-streamnet/config"
	"github.com/dep2p/go-streamnet/pkg/lib/log"
	"github.com/dep2p/go-streamnet/pkg/types"
)

var logger = log.Logger("cmd/node")

var (
	configFile  = flag.String("config", "", "配置文件路径")
	id          = flag.String("id", "", "节点标识（默认随机生成）")
	host        = flag.String("host", "", "监听地址")
	port        = flag.Int("port", 0, "监听端口")
	trackers    = flag.String("trackers", "", "追踪器地址，逗号分隔（如 ws://tracker:30300）")
	publicURL   = flag.String("public-url", "", "对外通告的 WebSocket 地址")
	storageMode = flag.Bool("storage", false, "以存储节点身份运行")
	metricsAddr = flag.String("metrics-addr", "", "Prometheus 暴露地址（如 :9090）")
	streamList  = flag.String("subscribe", "", "启动即订阅的流，逗号分隔（如 stream-1::0）")
	verbose     = flag.Bool("verbose", false, "输出调试日志")
)

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.LevelDebug)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	n, err := streamnet.NewNode(streamnet.WithConfig(cfg))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger.Info("node running", "id", n.ID(), "address", n.Address())

	for _, raw := range splitList(*streamList) {
		key, err := types.ParseStreamKey(raw)
		if err != nil {
			logger.Warn("skipping malformed stream key", "key", raw, "err", err)
			continue
		}
		n.Subscribe(key)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	logger.Info("shutting down")
	if err := n.Stop(context.Background()); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
}

// loadConfig 配置文件打底，命令行参数覆盖
func loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if *configFile != "" {
		loaded, err := config.LoadFromFile(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *id != "" {
		cfg.Node.ID = *id
	}
	if *host != "" {
		cfg.Network.Host = *host
	}
	if *port != 0 {
		cfg.Network.Port = *port
	}
	if *publicURL != "" {
		cfg.Network.AdvertisedWsURL = *publicURL
	}
	if *trackers != "" {
		cfg.Node.Trackers = splitList(*trackers)
	}
	if *storageMode {
		cfg.Node.IsStorage = true
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = *metricsAddr
	}

	if len(cfg.Node.Trackers) == 0 {
		return nil, fmt.Errorf("at least one tracker is required (--trackers)")
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
