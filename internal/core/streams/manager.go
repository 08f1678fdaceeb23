// Package streams 实现节点侧的流簿记
//
// 每条已订阅的流记录入站邻居（接受其消息的来源）、出站邻居
// （转发目标）、每条发布链的最新消息引用（去重用）以及最近
// 观察到的追踪器指令计数。
package streams

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dep2p/go-streamnet/pkg/types"
)

// ErrStreamNotSetUp 流尚未登记
var ErrStreamNotSetUp = errors.New("stream not set up")

// streamState 单条流的状态
type streamState struct {
	inbound        map[types.PeerID]struct{}
	outbound       map[types.PeerID]struct{}
	lastMsgByChain map[types.ChainKey]types.MessageRef
	counter        int
}

func newStreamState() *streamState {
	return &streamState{
		inbound:        make(map[types.PeerID]struct{}),
		outbound:       make(map[types.PeerID]struct{}),
		lastMsgByChain: make(map[types.ChainKey]types.MessageRef),
	}
}

// Manager 流管理器
//
// 由所属节点独占；跨组件读取通过返回快照的操作进行。
type Manager struct {
	mu     sync.RWMutex
	states map[types.StreamKey]*streamState
}

// NewManager 创建流管理器
func NewManager() *Manager {
	return &Manager{
		states: make(map[types.StreamKey]*streamState),
	}
}

// SetUp 登记流（幂等）
func (m *Manager) SetUp(key types.StreamKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[key]; !ok {
		m.states[key] = newStreamState()
	}
}

// Remove 移除流并返回其全部邻居
//
// 返回的邻居集合供调用方逐一回收连接。
func (m *Manager) Remove(key types.StreamKey) []types.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[key]
	if !ok {
		return nil
	}
	delete(m.states, key)

	neighbors := make(map[types.PeerID]struct{}, len(state.inbound)+len(state.outbound))
	for id := range state.inbound {
		neighbors[id] = struct{}{}
	}
	for id := range state.outbound {
		neighbors[id] = struct{}{}
	}
	return sortedPeers(neighbors)
}

// IsSetUp 流是否已登记
func (m *Manager) IsSetUp(key types.StreamKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.states[key]
	return ok
}

// Keys 返回已登记流的快照（字典序）
func (m *Manager) Keys() []types.StreamKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]types.StreamKey, 0, len(m.states))
	for key := range m.states {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// ============================================================================
//                              去重簿记
// ============================================================================

// MarkAndCheckDuplicate 去重检查并推进链上最新引用
//
// 返回 true 表示首次见到（可转发）。同链内只接受严格递增的
// (时间戳, 序列号)：重复与乱序消息都返回 false 并被丢弃。
func (m *Manager) MarkAndCheckDuplicate(id types.MessageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id.StreamKey()]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrStreamNotSetUp, id.StreamKey())
	}

	chain := id.ChainKey()
	ref := id.Ref()
	last, seen := state.lastMsgByChain[chain]
	if seen && ref.Compare(last) <= 0 {
		return false, nil
	}

	state.lastMsgByChain[chain] = ref
	return true, nil
}

// ============================================================================
//                              邻居簿记
// ============================================================================

// AddInbound 登记入站邻居
func (m *Manager) AddInbound(key types.StreamKey, peer types.PeerID) error {
	return m.withState(key, func(s *streamState) {
		s.inbound[peer] = struct{}{}
	})
}

// RemoveInbound 移除入站邻居
func (m *Manager) RemoveInbound(key types.StreamKey, peer types.PeerID) error {
	return m.withState(key, func(s *streamState) {
		delete(s.inbound, peer)
	})
}

// HasInbound 对端是否为该流的入站邻居
func (m *Manager) HasInbound(key types.StreamKey, peer types.PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return false
	}
	_, ok = state.inbound[peer]
	return ok
}

// AddOutbound 登记出站邻居
func (m *Manager) AddOutbound(key types.StreamKey, peer types.PeerID) error {
	return m.withState(key, func(s *streamState) {
		s.outbound[peer] = struct{}{}
	})
}

// RemoveOutbound 移除出站邻居
func (m *Manager) RemoveOutbound(key types.StreamKey, peer types.PeerID) error {
	return m.withState(key, func(s *streamState) {
		delete(s.outbound, peer)
	})
}

// HasOutbound 对端是否为该流的出站邻居
func (m *Manager) HasOutbound(key types.StreamKey, peer types.PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return false
	}
	_, ok = state.outbound[peer]
	return ok
}

// Inbound 返回入站邻居快照（字典序）
func (m *Manager) Inbound(key types.StreamKey) []types.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return nil
	}
	return sortedPeers(state.inbound)
}

// Outbound 返回出站邻居快照（字典序）
func (m *Manager) Outbound(key types.StreamKey) []types.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return nil
	}
	return sortedPeers(state.outbound)
}

// HasNeighbor 对端是否为该流任一方向的邻居
func (m *Manager) HasNeighbor(key types.StreamKey, peer types.PeerID) bool {
	return m.HasInbound(key, peer) || m.HasOutbound(key, peer)
}

// RemovePeer 从所有流移除对端
//
// 返回受影响的流标识，供调用方上报拓扑变化。
func (m *Manager) RemovePeer(peer types.PeerID) []types.StreamKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []types.StreamKey
	for key, state := range m.states {
		_, in := state.inbound[peer]
		_, out := state.outbound[peer]
		if in || out {
			delete(state.inbound, peer)
			delete(state.outbound, peer)
			affected = append(affected, key)
		}
	}
	sort.Slice(affected, func(i, j int) bool {
		return affected[i].String() < affected[j].String()
	})
	return affected
}

// ============================================================================
//                              指令计数
// ============================================================================

// Counter 返回最近观察到的指令计数
func (m *Manager) Counter(key types.StreamKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrStreamNotSetUp, key)
	}
	return state.counter, nil
}

// SetCounter 记录指令计数
func (m *Manager) SetCounter(key types.StreamKey, counter int) error {
	return m.withState(key, func(s *streamState) {
		s.counter = counter
	})
}

// ============================================================================
//                              内部辅助
// ============================================================================

func (m *Manager) withState(key types.StreamKey, cb func(*streamState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotSetUp, key)
	}
	cb(state)
	return nil
}

func sortedPeers(set map[types.PeerID]struct{}) []types.PeerID {
	peers := make([]types.PeerID, 0, len(set))
	for id := range set {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
