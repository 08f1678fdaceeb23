package resend

import (
	"sync"

	"github.com/dep2p/go-streamnet/internal/core/eventbus"
	"github.com/dep2p/go-streamnet/pkg/types"
)

// ============================================================================
//                              Feeder - 存储喂入
// ============================================================================

// Feeder 把去重后本地投递的消息写入历史存储
type Feeder struct {
	store    *MemoryStore
	sub      *eventbus.Subscription
	stopOnce sync.Once
	done     chan struct{}
}

// NewFeeder 创建存储喂入器
func NewFeeder(store *MemoryStore) *Feeder {
	return &Feeder{store: store, done: make(chan struct{})}
}

// Start 订阅本地投递事件
func (f *Feeder) Start(bus *eventbus.Bus) error {
	sub, err := bus.Subscribe(new(types.EvtUnseenMessage), eventbus.BufSize(256))
	if err != nil {
		return err
	}
	f.sub = sub

	go func() {
		for {
			select {
			case <-f.done:
				return
			case evt, ok := <-sub.Out():
				if !ok {
					return
				}
				f.store.Add(evt.(types.EvtUnseenMessage).Message)
			}
		}
	}()
	return nil
}

// Stop 停止喂入
func (f *Feeder) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.sub != nil {
			_ = f.sub.Close()
		}
	})
}
