// Package eventbus 实现组件间的类型化事件总线
//
// 端点、节点引擎与追踪器各自暴露一个小而封闭的事件集
// （见 pkg/types/events.go）；订阅按事件的 Go 类型分派。
package eventbus

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dep2p/go-streamnet/pkg/lib/log"
)

var logger = log.Logger("core/eventbus")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrInvalidEventType 无效的事件类型
	ErrInvalidEventType = errors.New("invalid event type")
	// ErrNonPointerType 非指针类型
	ErrNonPointerType = errors.New("subscribe called with non-pointer type")
	// ErrEmitterClosed 发射器已关闭
	ErrEmitterClosed = errors.New("emitter is closed")
)

// ============================================================================
//                              Bus 实现
// ============================================================================

// Bus 事件总线
type Bus struct {
	mu sync.Mutex

	// nodes 事件类型节点映射
	nodes map[reflect.Type]*node
}

// node 事件类型节点
type node struct {
	lk        sync.Mutex
	typ       reflect.Type
	sinks     []*Subscription // 订阅者列表
	nEmitters atomic.Int32    // 发射器引用计数
	dropCount atomic.Int64    // 丢弃事件计数（用于慢消费者警告）
}

// New 创建事件总线
func New() *Bus {
	return &Bus{
		nodes: make(map[reflect.Type]*node),
	}
}

// Subscribe 订阅事件
//
// eventType 传事件结构体的指针零值，例如
// bus.Subscribe(new(types.EvtPeerConnected))。
func (b *Bus) Subscribe(eventType interface{}, opts ...SubscriptionOpt) (*Subscription, error) {
	typ, err := eventElemType(eventType)
	if err != nil {
		return nil, err
	}

	settings := &subscriptionSettings{Buffer: 16}
	for _, opt := range opts {
		opt(settings)
	}

	sub := &Subscription{
		bus: b,
		typ: typ,
		out: make(chan interface{}, settings.Buffer),
	}

	b.withNode(typ, func(n *node) {
		n.sinks = append(n.sinks, sub)
	})

	return sub, nil
}

// Emitter 获取发射器
func (b *Bus) Emitter(eventType interface{}) (*Emitter, error) {
	typ, err := eventElemType(eventType)
	if err != nil {
		return nil, err
	}

	var n *node
	b.withNode(typ, func(nd *node) {
		n = nd
		n.nEmitters.Add(1)
	})

	return &Emitter{bus: b, node: n, typ: typ}, nil
}

// ============================================================================
//                              内部方法
// ============================================================================

// eventElemType 校验事件类型并取出元素类型
func eventElemType(eventType interface{}) (reflect.Type, error) {
	if eventType == nil {
		return nil, ErrInvalidEventType
	}
	typ := reflect.TypeOf(eventType)
	if typ.Kind() != reflect.Ptr {
		return nil, ErrNonPointerType
	}
	return typ.Elem(), nil
}

// withNode 在节点上执行操作
func (b *Bus) withNode(typ reflect.Type, cb func(*node)) {
	b.mu.Lock()

	n, ok := b.nodes[typ]
	if !ok {
		n = &node{typ: typ}
		b.nodes[typ] = n
	}

	n.lk.Lock()
	b.mu.Unlock()

	cb(n)
	n.lk.Unlock()
}

// tryDropNode 尝试删除节点（没有订阅者和发射器时）
func (b *Bus) tryDropNode(typ reflect.Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[typ]
	if !ok {
		return
	}

	n.lk.Lock()
	drop := len(n.sinks) == 0 && n.nEmitters.Load() == 0
	n.lk.Unlock()

	if drop {
		delete(b.nodes, typ)
	}
}

// removeSub 移除订阅
func (b *Bus) removeSub(sub *Subscription) {
	b.mu.Lock()
	n, ok := b.nodes[sub.typ]
	if !ok {
		b.mu.Unlock()
		return
	}

	n.lk.Lock()
	b.mu.Unlock()

	for i, s := range n.sinks {
		if s == sub {
			n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
			break
		}
	}
	shouldDrop := len(n.sinks) == 0 && n.nEmitters.Load() == 0
	n.lk.Unlock()

	if shouldDrop {
		b.tryDropNode(sub.typ)
	}
}

// emit 发射事件到所有订阅者
func (n *node) emit(event interface{}) {
	n.lk.Lock()
	defer n.lk.Unlock()

	for _, sub := range n.sinks {
		select {
		case sub.out <- event:
		default:
			// 缓冲区满，丢弃事件
			dropped := n.dropCount.Add(1)

			// 每丢弃 100 个事件警告一次，避免日志泛滥
			if dropped%100 == 1 {
				logger.Warn("slow event consumer",
					"dropped", dropped,
					"type", n.typ.String())
			}
		}
	}
}
