// Package main 提供 streamnet 追踪器命令行入口
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	streamnet "github.com/dep2p/go-streamnet"
	"github.com/dep2p/go-streamnet/config"
	"github.com/dep2p/go-streamnet/pkg/lib/log"
)

var logger = log.Logger("cmd/tracker")

var (
	configFile   = flag.String("config", "", "配置文件路径")
	id           = flag.String("id", "", "追踪器标识（默认随机生成）")
	host         = flag.String("host", "", "监听地址")
	port         = flag.Int("port", 0, "监听端口")
	maxNeighbors = flag.Int("max-neighbors", 0, "每个流中节点的目标邻居数")
	metricsAddr  = flag.String("metrics-addr", "", "Prometheus 暴露地址（如 :9090）")
	verbose      = flag.Bool("verbose", false, "输出调试日志")
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

	t, err := streamnet.NewTracker(streamnet.WithConfig(cfg))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := t.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger.Info("tracker running", "id", t.ID(), "address", t.Address())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	logger.Info("shutting down")
	if err := t.Stop(context.Background()); err != nil {
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
		cfg.Tracker.ID = *id
	}
	if *host != "" {
		cfg.Network.Host = *host
	}
	if *port != 0 {
		cfg.Network.Port = *port
	}
	if *maxNeighbors != 0 {
		cfg.Tracker.MaxNeighbors = *maxNeighbors
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = *metricsAddr
	}
	return cfg, cfg.Validate()
}
