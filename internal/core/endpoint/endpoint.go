// Package endpoint 实现基于 WebSocket 的双向传输端点
//
// 端点既接受入站连接也发起出站连接，按节点标识保持至多
// 一条连接；向外发出连接建立/断开、帧到达与背压事件；
// 以应用层 ping 实现存活检测。
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/internal/core/peerbook"
	"github.com/dep2p/go-streamnet/pkg/lib/log"
	"github.com/dep2p/go-streamnet/pkg/types"
)

var logger = log.Logger("core/endpoint")

// ============================================================================
//                              配置
// ============================================================================

// Config 端点配置
type Config struct {
	// Host 监听主机
	Host string
	// Port 监听端口
	Port int
	// TLSCertFile TLS 证书路径（可选）
	TLSCertFile string
	// TLSKeyFile TLS 私钥路径（可选）
	TLSKeyFile string
	// AdvertisedWsURL 对外通告地址（NAT 场景覆盖）
	AdvertisedWsURL string
	// PingInterval 心跳间隔
	PingInterval time.Duration
}

// DefaultPingInterval 默认心跳间隔
const DefaultPingInterval = 5 * time.Second

// ============================================================================
//                              Endpoint 实现
// ============================================================================

// Endpoint WebSocket 端点
//
// 端点是连接映射的唯一所有者；节点引擎与追踪器只通过
// 操作与事件与其交互。
type Endpoint struct {
	self       types.PeerInfo
	cfg        Config
	advertised string

	book *peerbook.PeerBook
	clk  clock.Clock

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	server   *http.Server
	listener net.Listener

	mu          sync.Mutex
	conns       map[types.PeerID]*connection
	connsByAddr map[string]*connection
	stopped     bool

	stopOnce sync.Once
	pingDone chan struct{}

	emitConnected    *eventbus.Emitter
	emitDisconnected *eventbus.Emitter
	emitReceived     *eventbus.Emitter
	emitHigh         *eventbus.Emitter
	emitLow          *eventbus.Emitter
}

// New 创建端点
func New(self types.PeerInfo, cfg Config, book *peerbook.PeerBook, bus *eventbus.Bus, clk clock.Clock) (*Endpoint, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	advertised := cfg.AdvertisedWsURL
	if advertised == "" {
		scheme := "ws"
		if cfg.TLSCertFile != "" {
			scheme = "wss"
		}
		advertised = fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	}

	e := &Endpoint{
		self:       self,
		cfg:        cfg,
		advertised: advertised,
		book:       book,
		clk:        clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		conns:       make(map[types.PeerID]*connection),
		connsByAddr: make(map[string]*connection),
		pingDone:    make(chan struct{}),
	}

	var err error
	if e.emitConnected, err = bus.Emitter(new(types.EvtPeerConnected)); err != nil {
		return nil, err
	}
	if e.emitDisconnected, err = bus.Emitter(new(types.EvtPeerDisconnected)); err != nil {
		return nil, err
	}
	if e.emitReceived, err = bus.Emitter(new(types.EvtMessageReceived)); err != nil {
		return nil, err
	}
	if e.emitHigh, err = bus.Emitter(new(types.EvtHighBackPressure)); err != nil {
		return nil, err
	}
	if e.emitLow, err = bus.Emitter(new(types.EvtLowBackPressure)); err != nil {
		return nil, err
	}

	return e, nil
}

// AdvertisedURL 返回对外通告地址
func (e *Endpoint) AdvertisedURL() string {
	return e.advertised
}

// Start 绑定监听并启动心跳循环
func (e *Endpoint) Start() error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("endpoint listen %s: %w", addr, err)
	}
	e.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleUpgrade)
	e.server = &http.Server{Handler: mux}

	go func() {
		var serveErr error
		if e.cfg.TLSCertFile != "" {
			serveErr = e.server.ServeTLS(listener, e.cfg.TLSCertFile, e.cfg.TLSKeyFile)
		} else {
			serveErr = e.server.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("endpoint server exited", "err", serveErr)
		}
	}()

	go e.pingLoop()

	logger.Info("endpoint started", "addr", addr, "advertised", e.advertised)
	return nil
}

// ============================================================================
//                              入站连接
// ============================================================================

// handleUpgrade 处理入站升级请求
//
// 必需参数：查询参数 address、头 streamr-peer-id 与
// streamr-peer-type。应答头回写己方身份。
func (e *Endpoint) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		http.Error(w, "endpoint stopped", http.StatusServiceUnavailable)
		return
	}

	address := r.URL.Query().Get(QueryAddress)
	peerID := r.Header.Get(HeaderPeerID)
	peerType := r.Header.Get(HeaderPeerType)

	respHeader := http.Header{}
	respHeader.Set(HeaderPeerID, e.self.ID.String())
	respHeader.Set(HeaderPeerType, string(e.self.Type))

	ws, err := e.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	peer, perr := types.NewPeerInfo(types.PeerID(peerID), types.PeerType(peerType))
	if address == "" || peerID == "" || peerType == "" || perr != nil {
		logger.Warn("rejecting upgrade with missing parameters",
			"remote", r.RemoteAddr, "address", address, "peerId", peerID)
		closeRaw(ws, CodeProtocolError, ReasonMissingParameter)
		return
	}

	// 两个节点共享同一通告地址时按连接自身处理
	if address == e.advertised {
		logger.Warn("peer advertises our own address", "address", address)
		closeRaw(ws, CodeProtocolError, ReasonDuplicateSocket)
		return
	}

	// 入站连接的发起方是对端，决胜用其通告地址
	conn := newConnection(peer, address, address, ws, e.clk)
	e.register(conn)
}

// ============================================================================
//                              出站连接
// ============================================================================

// Connect 向 peerURL 发起出站连接
//
// 返回对端节点标识。对端身份从升级应答头中获取；应答缺头
// 返回 ErrHeadersMissing，连向自身通告地址返回 ErrOwnAddress，
// 新连接在决胜中落败返回 ErrDuplicateSocket。
func (e *Endpoint) Connect(peerURL string) (types.PeerID, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", types.ErrStopped
	}
	if existing, ok := e.connsByAddr[peerURL]; ok {
		e.mu.Unlock()
		return existing.peer.ID, nil
	}
	e.mu.Unlock()

	if peerURL == e.advertised {
		return "", fmt.Errorf("%w: %s", types.ErrOwnAddress, peerURL)
	}

	dialURL := peerURL + "?" + QueryAddress + "=" + url.QueryEscape(e.advertised)
	header := http.Header{}
	header.Set(HeaderPeerID, e.self.ID.String())
	header.Set(HeaderPeerType, string(e.self.Type))

	ws, resp, err := e.dialer.Dial(dialURL, header)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", peerURL, err)
	}

	remoteID := resp.Header.Get(HeaderPeerID)
	remoteType := resp.Header.Get(HeaderPeerType)
	peer, perr := types.NewPeerInfo(types.PeerID(remoteID), types.PeerType(remoteType))
	if remoteID == "" || remoteType == "" || perr != nil {
		_ = ws.Close()
		return "", fmt.Errorf("%w: %s", types.ErrHeadersMissing, peerURL)
	}

	// 出站连接的发起方是本端
	conn := newConnection(peer, peerURL, e.advertised, ws, e.clk)
	if !e.register(conn) {
		return "", fmt.Errorf("%w: %s", types.ErrDuplicateSocket, peerURL)
	}
	return peer.ID, nil
}

// ============================================================================
//                              连接登记与决胜
// ============================================================================

// losesTiebreak 判定新连接是否在重复连接决胜中落败
//
// 幸存者是由通告地址字典序较大一方发起的连接。
func losesTiebreak(newInitiator, existingInitiator string) bool {
	return newInitiator < existingInitiator
}

// register 登记连接，处理重复连接决胜
//
// 返回 false 表示新连接落败并已关闭。胜出的替换不触发
// 断开事件：对同一对端仍然恰有一条连接。
func (e *Endpoint) register(conn *connection) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		conn.close(CodeNormal, ReasonGracefulShutdown)
		return false
	}

	existing := e.connsByAddr[conn.address]
	if existing != nil {
		if losesTiebreak(conn.initiator, existing.initiator) {
			e.mu.Unlock()
			logger.Debug("duplicate socket lost tiebreak",
				"peer", conn.peer.ID, "initiator", conn.initiator)
			conn.close(CodeProtocolError, ReasonDuplicateSocket)
			return false
		}
		// 新连接胜出：淘汰旧连接，对端会忽略该关闭原因
		delete(e.conns, existing.peer.ID)
		delete(e.connsByAddr, existing.address)
		existing.close(CodeProtocolError, ReasonDuplicateSocket)
	}

	fresh := existing == nil
	e.conns[conn.peer.ID] = conn
	e.connsByAddr[conn.address] = conn
	e.mu.Unlock()

	e.book.Add(conn.peer, conn.address)

	go conn.writeLoop(
		func() { conn.evaluateBackPressure(e.fireHigh, e.fireLow) },
		func(err error) { e.terminate(conn, CodeProtocolError, err.Error()) },
	)
	go e.readLoop(conn)

	if fresh {
		_ = e.emitConnected.Emit(types.EvtPeerConnected{
			BaseEvent: types.NewBaseEvent("peer_connected"),
			Peer:      conn.peer,
		})
		logger.Info("peer connected", "peer", conn.peer.ID, "address", conn.address)
	}
	return true
}

// unregister 注销连接
//
// 仅当 conn 仍是该对端的当前连接时生效，防止替换后的旧
// 连接再触发一次断开。
func (e *Endpoint) unregister(conn *connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.conns[conn.peer.ID]
	if !ok || current != conn {
		return false
	}
	delete(e.conns, conn.peer.ID)
	delete(e.connsByAddr, conn.address)
	return true
}

// ============================================================================
//                              读路径
// ============================================================================

// readLoop 连接读循环
func (e *Endpoint) readLoop(conn *connection) {
	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			e.handleReadError(conn, err)
			return
		}
		_ = e.emitReceived.Emit(types.EvtMessageReceived{
			BaseEvent: types.NewBaseEvent("message_received"),
			Peer:      conn.peer,
			Payload:   payload,
		})
	}
}

// handleReadError 读错误与对端关闭的统一处理
//
// 决胜关闭（duplicate-connection）静默忽略：胜出的连接已经
// 或即将就位，不构成对端断开。
func (e *Endpoint) handleReadError(conn *connection, err error) {
	code := CodeProtocolError
	reason := err.Error()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
	}

	conn.close(code, reason)

	if reason == ReasonDuplicateSocket {
		e.unregister(conn)
		return
	}

	if e.unregister(conn) {
		_ = e.emitDisconnected.Emit(types.EvtPeerDisconnected{
			BaseEvent: types.NewBaseEvent("peer_disconnected"),
			Peer:      conn.peer,
			Code:      code,
			Reason:    reason,
		})
		logger.Info("peer disconnected", "peer", conn.peer.ID, "reason", reason)
	}
}

// terminate 本地强制终止连接
func (e *Endpoint) terminate(conn *connection, code int, reason string) {
	conn.close(code, reason)
	if e.unregister(conn) {
		_ = e.emitDisconnected.Emit(types.EvtPeerDisconnected{
			BaseEvent: types.NewBaseEvent("peer_disconnected"),
			Peer:      conn.peer,
			Code:      code,
			Reason:    reason,
		})
	}
}

// ============================================================================
//                              发送与关闭
// ============================================================================

// Send 向对端发送一帧
//
// 无活跃连接返回 ErrNotConnected；发送失败终止连接并返回
// ErrSendFailed。
func (e *Endpoint) Send(id types.PeerID, frame []byte) error {
	e.mu.Lock()
	conn, ok := e.conns[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotConnected, id)
	}

	if err := conn.enqueue(frame); err != nil {
		e.terminate(conn, CodeProtocolError, "send failed")
		return fmt.Errorf("%w: %s: %v", types.ErrSendFailed, id, err)
	}

	conn.evaluateBackPressure(e.fireHigh, e.fireLow)
	return nil
}

// Close 以给定原因正常关闭与对端的连接
func (e *Endpoint) Close(id types.PeerID, code int, reason string) {
	e.mu.Lock()
	conn, ok := e.conns[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.terminate(conn, code, reason)
}

// Stop 停止端点
//
// 关闭每条连接（GRACEFUL_SHUTDOWN）、停止监听与心跳。
func (e *Endpoint) Stop() error {
	var result error
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		conns := make([]*connection, 0, len(e.conns))
		for _, conn := range e.conns {
			conns = append(conns, conn)
		}
		e.conns = make(map[types.PeerID]*connection)
		e.connsByAddr = make(map[string]*connection)
		e.mu.Unlock()

		close(e.pingDone)

		var g errgroup.Group
		for _, conn := range conns {
			conn := conn
			g.Go(func() error {
				conn.close(CodeNormal, ReasonGracefulShutdown)
				return nil
			})
		}
		_ = g.Wait()

		if e.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.server.Shutdown(ctx); err != nil {
				result = multierr.Append(result, err)
			}
		}
		logger.Info("endpoint stopped")
	})
	return result
}

// ============================================================================
//                              存活检测
// ============================================================================

// pingLoop 周期心跳
//
// 上一轮 ping 未被应答的连接按死连接终止（1002 /
// dead-connection），其余连接记录 RTT 起点并发送 ping。
func (e *Endpoint) pingLoop() {
	ticker := e.clk.Ticker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.pingConnections()
		case <-e.pingDone:
			return
		}
	}
}

// pingConnections 对全部连接执行一轮心跳
func (e *Endpoint) pingConnections() {
	e.mu.Lock()
	conns := make([]*connection, 0, len(e.conns))
	for _, conn := range e.conns {
		conns = append(conns, conn)
	}
	e.mu.Unlock()

	for _, conn := range conns {
		if !conn.ping() {
			logger.Warn("dead connection detected", "peer", conn.peer.ID)
			e.terminate(conn, CodeProtocolError, ReasonDeadConnection)
		}
	}
}

// ============================================================================
//                              查询
// ============================================================================

// IsConnected 是否存在到该对端的活跃连接
func (e *Endpoint) IsConnected(id types.PeerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[id]
	return ok
}

// Peers 返回当前连接的对端快照
func (e *Endpoint) Peers() []types.PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	peers := make([]types.PeerInfo, 0, len(e.conns))
	for _, conn := range e.conns {
		peers = append(peers, conn.peer)
	}
	return peers
}

// RTTs 返回各对端的 RTT 估计快照
func (e *Endpoint) RTTs() map[string]time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	rtts := make(map[string]time.Duration, len(e.conns))
	for id, conn := range e.conns {
		rtts[id.String()] = conn.currentRTT()
	}
	return rtts
}

// ============================================================================
//                              内部辅助
// ============================================================================

func (e *Endpoint) fireHigh(peer types.PeerInfo) {
	logger.Warn("high back pressure", "peer", peer.ID)
	_ = e.emitHigh.Emit(types.EvtHighBackPressure{
		BaseEvent: types.NewBaseEvent("high_back_pressure"),
		Peer:      peer,
	})
}

func (e *Endpoint) fireLow(peer types.PeerInfo) {
	_ = e.emitLow.Emit(types.EvtLowBackPressure{
		BaseEvent: types.NewBaseEvent("low_back_pressure"),
		Peer:      peer,
	})
}

// closeRaw 在未登记的裸连接上发送关闭帧
func closeRaw(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}
