package endpoint

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-streamnet/pkg/types"
)

// fakeWS wsConn 的测试替身
type fakeWS struct {
	mu          sync.Mutex
	written     [][]byte
	controls    []int
	closed      bool
	pongHandler func(string) error
	readCh      chan []byte
	readErr     chan error
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		readCh:  make(chan []byte, 16),
		readErr: make(chan error, 1),
	}
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeWS) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return nil
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-f.readCh:
		return 1, payload, nil
	case err := <-f.readErr:
		return 0, nil, err
	}
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) SetReadLimit(int64)                  {}
func (f *fakeWS) SetPongHandler(h func(string) error) { f.pongHandler = h }

func newTestConnection(clk clock.Clock) (*connection, *fakeWS) {
	ws := newFakeWS()
	conn := newConnection(types.NewNodeInfo("peer-1"), "ws://peer-1", "ws://peer-1", ws, clk)
	return conn, ws
}

func TestLosesTiebreak(t *testing.T) {
	tests := []struct {
		name                  string
		newInit, existingInit string
		want                  bool
	}{
		{"new initiator greater", "ws://b", "ws://a", false},
		{"new initiator smaller", "ws://a", "ws://b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := losesTiebreak(tt.newInit, tt.existingInit); got != tt.want {
				t.Errorf("losesTiebreak(%q, %q) = %v, want %v", tt.newInit, tt.existingInit, got, tt.want)
			}
		})
	}
}

func TestBackPressureStickiness(t *testing.T) {
	conn, _ := newTestConnection(clock.NewMock())

	var highs, lows int
	onHigh := func(types.PeerInfo) { highs++ }
	onLow := func(types.PeerInfo) { lows++ }

	// 低于高水位：无事发生
	conn.buffered.Store(DefaultHighWatermark - 1)
	conn.evaluateBackPressure(onHigh, onLow)
	if highs != 0 || lows != 0 {
		t.Fatalf("no event expected, got highs=%d lows=%d", highs, lows)
	}

	// 越过高水位：置位并触发一次
	conn.buffered.Store(DefaultHighWatermark + 1)
	conn.evaluateBackPressure(onHigh, onLow)
	conn.evaluateBackPressure(onHigh, onLow)
	if highs != 1 {
		t.Fatalf("high event fired %d times, want 1", highs)
	}

	// 回落但未低于低水位：粘滞，不复位
	conn.buffered.Store(DefaultLowWatermark + 1)
	conn.evaluateBackPressure(onHigh, onLow)
	if lows != 0 {
		t.Fatalf("low event fired while above low watermark")
	}

	// 低于低水位：复位并触发一次
	conn.buffered.Store(DefaultLowWatermark - 1)
	conn.evaluateBackPressure(onHigh, onLow)
	conn.evaluateBackPressure(onHigh, onLow)
	if lows != 1 {
		t.Fatalf("low event fired %d times, want 1", lows)
	}
}

func TestPingPong(t *testing.T) {
	clk := clock.NewMock()
	conn, _ := newTestConnection(clk)

	if !conn.ping() {
		t.Fatal("first ping should succeed")
	}

	// 未应答的第二个 ping 判定死连接
	if conn.ping() {
		t.Fatal("unanswered ping should report a dead connection")
	}

	// pong 到达：RTT 更新，下一轮 ping 恢复
	clk.Add(30 * time.Millisecond)
	conn.onPong()
	if got := conn.currentRTT(); got != 30*time.Millisecond {
		t.Errorf("rtt = %v, want 30ms", got)
	}
	if !conn.ping() {
		t.Fatal("ping after pong should succeed")
	}
}

func TestEnqueue(t *testing.T) {
	t.Run("ClosedConnection", func(t *testing.T) {
		conn, _ := newTestConnection(clock.NewMock())
		conn.close(CodeNormal, ReasonGracefulShutdown)

		if err := conn.enqueue([]byte("x")); !errors.Is(err, types.ErrNotConnected) {
			t.Errorf("enqueue() error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("BufferOverflow", func(t *testing.T) {
		conn, _ := newTestConnection(clock.NewMock())
		conn.buffered.Store(maxBufferedBytes)

		if err := conn.enqueue([]byte("x")); !errors.Is(err, types.ErrSendFailed) {
			t.Errorf("enqueue() error = %v, want ErrSendFailed", err)
		}
	})

	t.Run("WriteLoopDrains", func(t *testing.T) {
		conn, ws := newTestConnection(clock.NewMock())

		drained := make(chan struct{}, 8)
		go conn.writeLoop(func() { drained <- struct{}{} }, func(error) {})

		if err := conn.enqueue([]byte("hello")); err != nil {
			t.Fatalf("enqueue() error = %v", err)
		}

		select {
		case <-drained:
		case <-time.After(time.Second):
			t.Fatal("frame was not drained")
		}

		ws.mu.Lock()
		if len(ws.written) != 1 || string(ws.written[0]) != "hello" {
			t.Errorf("written = %q", ws.written)
		}
		if got := conn.buffered.Load(); got != 0 {
			t.Errorf("buffered after drain = %d", got)
		}
		ws.mu.Unlock()

		conn.close(CodeNormal, ReasonGracefulShutdown)
	})
}
