// Package tracker 实现追踪器：按流维护覆盖网拓扑并下发路由指令
//
// 本文件实现纯拓扑管理：每个流标识一张带标号的无向图，
// 顶点为当前订阅节点，边为"相互转发"。对称性在每次基于
// 状态的调和后成立；两次状态之间允许暂态不对称。
package tracker

import (
	"sort"
	"sync"

	"github.com/dep2p/go-streamnet/pkg/types"
)

// DefaultMaxNeighbors 每节点最大扇出
const DefaultMaxNeighbors = 4

// ============================================================================
//                              overlay - 单流覆盖网
// ============================================================================

// overlay 单个流标识的覆盖网
//
// order 记录插入顺序；邻居选择的决定性依赖它。
type overlay struct {
	order []types.PeerID
	edges map[types.PeerID]map[types.PeerID]struct{}
}

func newOverlay() *overlay {
	return &overlay{
		edges: make(map[types.PeerID]map[types.PeerID]struct{}),
	}
}

func (o *overlay) has(n types.PeerID) bool {
	_, ok := o.edges[n]
	return ok
}

// add 加入节点（幂等），保持插入顺序
func (o *overlay) add(n types.PeerID) {
	if o.has(n) {
		return
	}
	o.order = append(o.order, n)
	o.edges[n] = make(map[types.PeerID]struct{})
}

// remove 移除节点及其关联边，返回邻居集变化的节点
func (o *overlay) remove(n types.PeerID) []types.PeerID {
	neighbors, ok := o.edges[n]
	if !ok {
		return nil
	}

	changed := make([]types.PeerID, 0, len(neighbors))
	for other := range neighbors {
		delete(o.edges[other], n)
		changed = append(changed, other)
	}
	delete(o.edges, n)

	for i, id := range o.order {
		if id == n {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return changed
}

// neighborsOrdered 按插入顺序返回节点的邻居
func (o *overlay) neighborsOrdered(n types.PeerID) []types.PeerID {
	set, ok := o.edges[n]
	if !ok {
		return nil
	}
	neighbors := make([]types.PeerID, 0, len(set))
	for _, id := range o.order {
		if _, ok := set[id]; ok {
			neighbors = append(neighbors, id)
		}
	}
	return neighbors
}

// selectTargets 为节点挑选目标邻居集
//
// 在当前覆盖网内选邻居最少的节点，平局按插入顺序，
// 至多 maxNeighbors 个。给定插入顺序时结果是决定性的。
func (o *overlay) selectTargets(n types.PeerID, maxNeighbors int) []types.PeerID {
	type candidate struct {
		id     types.PeerID
		degree int
		index  int
	}

	candidates := make([]candidate, 0, len(o.order))
	for i, id := range o.order {
		if id == n {
			continue
		}
		candidates = append(candidates, candidate{id: id, degree: len(o.edges[id]), index: i})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].degree != candidates[j].degree {
			return candidates[i].degree < candidates[j].degree
		}
		return candidates[i].index < candidates[j].index
	})

	if len(candidates) > maxNeighbors {
		candidates = candidates[:maxNeighbors]
	}
	targets := make([]types.PeerID, 0, len(candidates))
	for _, c := range candidates {
		targets = append(targets, c.id)
	}
	return targets
}

// reconcile 把节点的邻居集调和为目标集
//
// 加边与删边都对称进行，返回邻居集发生变化的其他节点。
func (o *overlay) reconcile(n types.PeerID, targets []types.PeerID) []types.PeerID {
	targetSet := make(map[types.PeerID]struct{}, len(targets))
	for _, id := range targets {
		targetSet[id] = struct{}{}
	}

	changedSet := make(map[types.PeerID]struct{})
	for other := range o.edges[n] {
		if _, keep := targetSet[other]; !keep {
			delete(o.edges[n], other)
			delete(o.edges[other], n)
			changedSet[other] = struct{}{}
		}
	}
	for _, other := range targets {
		if _, ok := o.edges[n][other]; !ok {
			o.edges[n][other] = struct{}{}
			o.edges[other][n] = struct{}{}
			changedSet[other] = struct{}{}
		}
	}

	changed := make([]types.PeerID, 0, len(changedSet))
	for _, id := range o.order {
		if _, ok := changedSet[id]; ok {
			changed = append(changed, id)
		}
	}
	return changed
}

// ============================================================================
//                              Topology - 全部覆盖网
// ============================================================================

// Instruction 调和产生的一条路由指令
type Instruction struct {
	Key       types.StreamKey
	Node      types.PeerID
	Neighbors []types.PeerID
	Counter   int
}

// Topology 追踪器的拓扑管理器
//
// 由所属追踪器独占；跨组件读取通过 Snapshot。
type Topology struct {
	mu           sync.Mutex
	maxNeighbors int
	overlays     map[types.StreamKey]*overlay
	keyOrder     []types.StreamKey
	counters     map[types.StreamKey]int
	nodeKeys     map[types.PeerID]map[types.StreamKey]struct{}
}

// NewTopology 创建拓扑管理器
func NewTopology(maxNeighbors int) *Topology {
	if maxNeighbors <= 0 {
		maxNeighbors = DefaultMaxNeighbors
	}
	return &Topology{
		maxNeighbors: maxNeighbors,
		overlays:     make(map[types.StreamKey]*overlay),
		counters:     make(map[types.StreamKey]int),
		nodeKeys:     make(map[types.PeerID]map[types.StreamKey]struct{}),
	}
}

// UpdateStatus 按节点状态调和拓扑
//
// keys 为节点当前订阅的流。节点已不再上报的流按退出处理。
// 返回应下发的指令：先是状态节点自身（按上报顺序），
// 然后是邻居集连带变化的其他节点。
func (t *Topology) UpdateStatus(node types.PeerID, keys []types.StreamKey) []Instruction {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := make(map[types.StreamKey]struct{}, len(keys))
	for _, key := range keys {
		current[key] = struct{}{}
	}

	// 退出不再上报的流
	affected := make(map[types.StreamKey]map[types.PeerID]struct{})
	for key := range t.nodeKeys[node] {
		if _, still := current[key]; !still {
			t.leaveLocked(node, key, affected)
		}
	}

	// 调和上报的每条流
	for _, key := range keys {
		ov := t.overlays[key]
		if ov == nil {
			ov = newOverlay()
			t.overlays[key] = ov
			t.keyOrder = append(t.keyOrder, key)
		}
		ov.add(node)

		targets := ov.selectTargets(node, t.maxNeighbors)
		for _, other := range ov.reconcile(node, targets) {
			markAffected(affected, key, other)
		}
	}

	if len(current) == 0 {
		delete(t.nodeKeys, node)
	} else {
		t.nodeKeys[node] = current
	}

	// 状态节点每条上报的流都收到指令
	instructions := make([]Instruction, 0, len(keys))
	for _, key := range keys {
		instructions = append(instructions, t.instructionLocked(key, node))
		if peers, ok := affected[key]; ok {
			delete(peers, node)
		}
	}

	return append(instructions, t.drainAffectedLocked(affected)...)
}

// RemoveNode 节点断开：从所有覆盖网移除并重新指示受影响节点
func (t *Topology) RemoveNode(node types.PeerID) []Instruction {
	t.mu.Lock()
	defer t.mu.Unlock()

	affected := make(map[types.StreamKey]map[types.PeerID]struct{})
	for key := range t.nodeKeys[node] {
		t.leaveLocked(node, key, affected)
	}
	delete(t.nodeKeys, node)

	return t.drainAffectedLocked(affected)
}

// NodesOf 返回订阅某流的节点（插入顺序）
func (t *Topology) NodesOf(key types.StreamKey) []types.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ov, ok := t.overlays[key]
	if !ok {
		return nil
	}
	nodes := make([]types.PeerID, len(ov.order))
	copy(nodes, ov.order)
	return nodes
}

// Snapshot 拓扑快照：流标识 → 节点 → 邻居列表
func (t *Topology) Snapshot() map[string]map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[string]map[string][]string, len(t.overlays))
	for key, ov := range t.overlays {
		entry := make(map[string][]string, len(ov.order))
		for _, node := range ov.order {
			neighbors := ov.neighborsOrdered(node)
			ids := make([]string, 0, len(neighbors))
			for _, id := range neighbors {
				ids = append(ids, id.String())
			}
			entry[node.String()] = ids
		}
		snapshot[key.String()] = entry
	}
	return snapshot
}

// ============================================================================
//                              内部方法
// ============================================================================

// leaveLocked 节点退出一条流
func (t *Topology) leaveLocked(node types.PeerID, key types.StreamKey, affected map[types.StreamKey]map[types.PeerID]struct{}) {
	ov, ok := t.overlays[key]
	if !ok {
		return
	}

	for _, other := range ov.remove(node) {
		markAffected(affected, key, other)
	}

	if len(ov.order) == 0 {
		delete(t.overlays, key)
		delete(t.counters, key)
		delete(affected, key)
		for i, k := range t.keyOrder {
			if k == key {
				t.keyOrder = append(t.keyOrder[:i], t.keyOrder[i+1:]...)
				break
			}
		}
	}
}

// instructionLocked 生成一条指令并推进该流的计数
func (t *Topology) instructionLocked(key types.StreamKey, node types.PeerID) Instruction {
	t.counters[key]++
	return Instruction{
		Key:       key,
		Node:      node,
		Neighbors: t.overlays[key].neighborsOrdered(node),
		Counter:   t.counters[key],
	}
}

// drainAffectedLocked 为连带受影响的节点生成指令（决定性顺序）
func (t *Topology) drainAffectedLocked(affected map[types.StreamKey]map[types.PeerID]struct{}) []Instruction {
	var instructions []Instruction
	for _, key := range t.keyOrder {
		peers, ok := affected[key]
		if !ok {
			continue
		}
		ov := t.overlays[key]
		for _, node := range ov.order {
			if _, hit := peers[node]; hit {
				instructions = append(instructions, t.instructionLocked(key, node))
			}
		}
	}
	return instructions
}

func markAffected(affected map[types.StreamKey]map[types.PeerID]struct{}, key types.StreamKey, node types.PeerID) {
	peers, ok := affected[key]
	if !ok {
		peers = make(map[types.PeerID]struct{})
		affected[key] = peers
	}
	peers[node] = struct{}{}
}
