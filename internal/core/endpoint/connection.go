// Package endpoint 实现基于 WebSocket 的双向传输端点
//
// 本文件定义单条连接的记录与其写路径。
package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/dep2p/go-streamnet/pkg/types"
)

// outboxCapacity 出站队列帧数上限
const outboxCapacity = 1024

// wsConn gorilla 连接中本包用到的最小切面
//
// 单元测试以假实现替换。
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// connection 连接记录
//
// 每条活跃 WebSocket 一条记录：对端身份、通告地址、出站缓冲
// 字节数、粘滞高压标志、RTT 估计与 pong 到达标志。
// 所有数据帧经 outbox 由单一 writer goroutine 写出；
// ping/close 控制帧经 WriteControl 并发安全地直写。
type connection struct {
	peer      types.PeerInfo
	address   string // 对端通告地址
	initiator string // 本条连接发起方的通告地址（重复连接决胜用）

	ws  wsConn
	clk clock.Clock

	outbox   chan []byte
	buffered atomic.Int64

	mu           sync.Mutex
	highPressure bool
	rtt          time.Duration
	rttStart     time.Time
	pongPending  bool // 上一个 ping 尚未应答

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// newConnection 创建连接记录
func newConnection(peer types.PeerInfo, address, initiator string, ws wsConn, clk clock.Clock) *connection {
	c := &connection{
		peer:      peer,
		address:   address,
		initiator: initiator,
		ws:        ws,
		clk:       clk,
		outbox:    make(chan []byte, outboxCapacity),
		done:      make(chan struct{}),
	}
	ws.SetReadLimit(MaxPayloadSize)
	ws.SetPongHandler(func(string) error {
		c.onPong()
		return nil
	})
	return c
}

// enqueue 将数据帧排入出站队列
//
// 缓冲超过上限或队列已满视为发送失败，由调用方终止连接。
func (c *connection) enqueue(frame []byte) error {
	if c.closed.Load() {
		return types.ErrNotConnected
	}
	if c.buffered.Load()+int64(len(frame)) > maxBufferedBytes {
		return types.ErrSendFailed
	}

	c.buffered.Add(int64(len(frame)))
	select {
	case c.outbox <- frame:
		return nil
	default:
		c.buffered.Add(-int64(len(frame)))
		return types.ErrSendFailed
	}
}

// writeLoop 单一写 goroutine
//
// onDrain 在每帧写出后调用（背压重估），onError 在写失败时调用。
func (c *connection) writeLoop(onDrain func(), onError func(error)) {
	for {
		select {
		case frame := <-c.outbox:
			err := c.ws.WriteMessage(websocket.TextMessage, frame)
			c.buffered.Add(-int64(len(frame)))
			if err != nil {
				onError(err)
				return
			}
			onDrain()
		case <-c.done:
			return
		}
	}
}

// evaluateBackPressure 重估背压状态
//
// 粘滞语义：缓冲越过高水位置位并触发 onHigh；置位后
// 只有缓冲降到低水位之下才复位并触发 onLow。
func (c *connection) evaluateBackPressure(onHigh, onLow func(types.PeerInfo)) {
	buffered := c.buffered.Load()

	c.mu.Lock()
	var fire func(types.PeerInfo)
	switch {
	case !c.highPressure && buffered > DefaultHighWatermark:
		c.highPressure = true
		fire = onHigh
	case c.highPressure && buffered < DefaultLowWatermark:
		c.highPressure = false
		fire = onLow
	}
	c.mu.Unlock()

	if fire != nil {
		fire(c.peer)
	}
}

// ping 发送应用层心跳
//
// 上一个 ping 未被应答时返回 false，调用方应终止连接。
func (c *connection) ping() bool {
	c.mu.Lock()
	if c.pongPending {
		c.mu.Unlock()
		return false
	}
	c.pongPending = true
	c.rttStart = c.clk.Now()
	c.mu.Unlock()

	deadline := c.clk.Now().Add(5 * time.Second)
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		// 写 ping 失败按读路径的断开处理，这里不再额外动作
		return true
	}
	return true
}

// onPong 记录 pong 到达并更新 RTT
func (c *connection) onPong() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pongPending = false
	c.rtt = c.clk.Now().Sub(c.rttStart)
}

// currentRTT 返回 RTT 估计
func (c *connection) currentRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// close 发送关闭帧并终止连接
//
// 传输层错误被吞掉：对端可能已经不在了。
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		deadline := c.clk.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()

		close(c.done)
	})
}
