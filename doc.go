// Package streamnet 实现对等发布/订阅流网络
//
// 网络由两类进程组成：
//   - 节点（Node）：按流订阅、发布与转发消息，并可选地存储
//     历史消息供重发。
//   - 追踪器（Tracker）：维护各流的覆盖网拓扑并向节点下发
//     路由指令，从不参与数据转发。
//
// 每条流按 (streamId, partition) 标识独立组网。节点之间与
// 节点到追踪器均使用 WebSocket 连接，对称握手后按节点标识
// 保持至多一条连接。
//
// 使用示例：
//
//	n, err := streamnet.NewNode(
//	    streamnet.WithID("node-1"),
//	    streamnet.WithTrackers("ws://tracker:30300"),
//	    streamnet.WithListenAddr("0.0.0.0", 30301),
//	)
//	if err != nil { ... }
//	if err := n.Start(ctx); err != nil { ... }
//	defer n.Stop(ctx)
//
//	key, _ := types.ParseStreamKey("stream-1::0")
//	n.Subscribe(key)
package streamnet
