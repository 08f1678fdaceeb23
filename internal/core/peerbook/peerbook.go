// Package peerbook 实现节点簿
//
// 节点簿维护节点标识与传输地址（WebSocket URL）之间的双向映射。
// 两个方向都必须是单值函数：标识唯一、地址唯一。
// 重新登记会替换旧的配对，保持双射不变量。
package peerbook

import (
	"fmt"
	"sync"

	"github.com/dep2p/go-streamnet/pkg/types"
)

// PeerBook 节点簿
type PeerBook struct {
	mu        sync.RWMutex
	idToAddr  map[types.PeerID]string
	addrToID  map[string]types.PeerID
	peerInfos map[types.PeerID]types.PeerInfo
}

// New 创建节点簿
func New() *PeerBook {
	return &PeerBook{
		idToAddr:  make(map[types.PeerID]string),
		addrToID:  make(map[string]types.PeerID),
		peerInfos: make(map[types.PeerID]types.PeerInfo),
	}
}

// Add 登记节点
//
// 任一方向已有旧配对时先移除，保证双向映射都是单值的。
func (b *PeerBook) Add(peer types.PeerInfo, address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if oldAddr, ok := b.idToAddr[peer.ID]; ok {
		delete(b.addrToID, oldAddr)
	}
	if oldID, ok := b.addrToID[address]; ok {
		delete(b.idToAddr, oldID)
		delete(b.peerInfos, oldID)
	}

	b.idToAddr[peer.ID] = address
	b.addrToID[address] = peer.ID
	b.peerInfos[peer.ID] = peer
}

// RemoveByID 按标识移除节点
func (b *PeerBook) RemoveByID(id types.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr, ok := b.idToAddr[id]; ok {
		delete(b.addrToID, addr)
	}
	delete(b.idToAddr, id)
	delete(b.peerInfos, id)
}

// AddressOf 查询节点的传输地址
func (b *PeerBook) AddressOf(id types.PeerID) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addr, ok := b.idToAddr[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", types.ErrUnknownPeer, id)
	}
	return addr, nil
}

// IDOf 查询地址对应的节点标识
func (b *PeerBook) IDOf(address string) (types.PeerID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.addrToID[address]
	if !ok {
		return "", fmt.Errorf("%w: %s", types.ErrUnknownAddress, address)
	}
	return id, nil
}

// InfoOf 查询节点信息
func (b *PeerBook) InfoOf(id types.PeerID) (types.PeerInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info, ok := b.peerInfos[id]
	if !ok {
		return types.PeerInfo{}, fmt.Errorf("%w: %s", types.ErrUnknownPeer, id)
	}
	return info, nil
}

// HasAddress 地址是否已登记
func (b *PeerBook) HasAddress(address string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.addrToID[address]
	return ok
}

// Peers 返回当前登记的全部节点信息快照
func (b *PeerBook) Peers() []types.PeerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	peers := make([]types.PeerInfo, 0, len(b.peerInfos))
	for _, info := range b.peerInfos {
		peers = append(peers, info)
	}
	return peers
}
