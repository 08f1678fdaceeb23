// Package adapter 实现端点之上的协议适配层
//
// 两个薄适配器把不透明帧翻译为类型化控制消息并暴露类型化
// 发送接口：节点↔节点方向与追踪器↔节点方向。入站帧按对端
// 类型分流：追踪器帧只由追踪器适配器处理，反之亦然。
package adapter

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-streamnet/internal/core/endpoint"
	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/pkg/lib/log"
	"github.com/dep2p/go-streamnet/pkg/protocol"
	"github.com/dep2p/go-streamnet/pkg/types"
)

var logger = log.Logger("core/adapter")

// Transport 适配层对端点的最小依赖
//
// 单元测试以假实现替换。
type Transport interface {
	Send(id types.PeerID, frame []byte) error
	Close(id types.PeerID, code int, reason string)
}

// sendMessage 编码并发送控制消息
func sendMessage(t Transport, id types.PeerID, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.MessageTag(), id, err)
	}
	return t.Send(id, frame)
}

// decodeOrClose 解码入站帧
//
// 协议错误（未知标签、坏载荷）记录日志并以 1002 关闭来源
// 连接；应用层状态不受影响。
func decodeOrClose(t Transport, peer types.PeerInfo, payload []byte) (protocol.Message, bool) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		reason := "protocol error"
		if errors.Is(err, types.ErrUnknownFrame) {
			reason = "unknown frame"
		}
		logger.Warn("closing connection on protocol error", "peer", peer.ID, "err", err)
		t.Close(peer.ID, endpoint.CodeProtocolError, reason)
		return nil, false
	}
	return msg, true
}

// dispatchLoop 订阅帧到达事件并逐帧分派
func dispatchLoop(sub *eventbus.Subscription, handle func(types.PeerInfo, []byte)) {
	for raw := range sub.Out() {
		evt, ok := raw.(types.EvtMessageReceived)
		if !ok {
			continue
		}
		handle(evt.Peer, evt.Payload)
	}
}
