package ws

import (
	"sort"
	"sync"
)

// Peer 是一个可以接收事件的连接
type Peer interface {
	ID() string
	// Send 把事件放入发送队列，队列满或连接已关闭时返回 false
	Send(event string, data any) bool
}

// Hub 维护连接与房间的双向成员关系：
// rooms: documentId → connID → Peer，memberships: connID → documentId 集合
type Hub struct {
	// 读写锁保护下面三个 map；广播时只在锁内拷贝接收者，发送在锁外进行
	mu          sync.RWMutex
	peers       map[string]Peer
	rooms       map[string]map[string]Peer
	memberships map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		peers:       make(map[string]Peer),
		rooms:       make(map[string]map[string]Peer),
		memberships: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.ID()] = p
}

func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, connID)
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个用户可开多个标签页，房间按连接而不是按用户记录
		h.rooms[docID] = make(map[string]Peer)
	}
	h.rooms[docID][p.ID()] = p
	if h.memberships[p.ID()] == nil {
		h.memberships[p.ID()] = make(map[string]struct{})
	}
	h.memberships[p.ID()][docID] = struct{}{}
}

// Leave 将连接从房间移除，返回是否确实是成员，以及房间剩余人数
func (h *Hub) Leave(docID, connID string) (wasMember bool, remaining int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		if _, wasMember = conns[connID]; wasMember {
			delete(conns, connID)
		}
		remaining = len(conns)
		if remaining == 0 {
			delete(h.rooms, docID)
		}
	}
	if docs, ok := h.memberships[connID]; ok {
		delete(docs, docID)
		if len(docs) == 0 {
			delete(h.memberships, connID)
		}
	}
	return wasMember, remaining
}

// Rooms 返回连接所在的全部房间（已排序）
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.memberships[connID]))
	for docID := range h.memberships[connID] {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Members(docID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[docID]))
	for id := range h.rooms[docID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) IsMember(docID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[docID][connID]
	return ok
}

func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// BroadcastRoom 发给房间内除 exceptID 之外的所有连接，返回被丢弃的条数
func (h *Hub) BroadcastRoom(docID, exceptID, event string, data any) (dropped int) {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.rooms[docID]))
	for id, p := range h.rooms[docID] {
		if id != exceptID {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()
	for _, p := range targets {
		if !p.Send(event, data) {
			dropped++
		}
	}
	return dropped
}

// BroadcastAll 发给所有已注册的连接
func (h *Hub) BroadcastAll(event string, data any) {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p)
	}
	h.mu.RUnlock()
	for _, p := range targets {
		p.Send(event, data)
	}
}
