package cache

import (
	"context"
	"sync"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// MemoryBackend is a bounded, in-process LRU cache tier, adapted from
// orchestration.LRUCache's doubly-linked-list eviction to store
// moecore.CacheEntry instead of a routing plan. A capacity of 0 means
// unbounded: entries only leave via TTL expiry.
type MemoryBackend struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*lruNode
	head     *lruNode
	tail     *lruNode

	evictions int64
}

type lruNode struct {
	entry moecore.CacheEntry
	prev  *lruNode
	next  *lruNode
}

// NewMemoryBackend builds an in-process cache tier bounded to capacity
// entries (0 = unbounded).
func NewMemoryBackend(capacity int) *MemoryBackend {
	return &MemoryBackend{
		capacity: capacity,
		items:    make(map[string]*lruNode),
	}
}

// Get returns the entry for fingerprint, promoting it to most-recently-used.
func (m *MemoryBackend) Get(_ context.Context, fingerprint string) (moecore.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.items[fingerprint]
	if !ok {
		return moecore.CacheEntry{}, false, nil
	}
	m.moveToFront(node)
	return node.entry, true, nil
}

// Put inserts or refreshes entry, evicting the least-recently-used item
// when the backend is at capacity.
func (m *MemoryBackend) Put(_ context.Context, entry moecore.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node, ok := m.items[entry.Fingerprint]; ok {
		node.entry = entry
		m.moveToFront(node)
		return nil
	}

	if m.capacity > 0 && len(m.items) >= m.capacity {
		m.evictLRU()
	}

	node := &lruNode{entry: entry}
	m.items[entry.Fingerprint] = node
	m.addToFront(node)
	return nil
}

// Clear discards every entry.
func (m *MemoryBackend) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*lruNode)
	m.head, m.tail = nil, nil
	return nil
}

// Len reports the current entry count.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryBackend) moveToFront(node *lruNode) {
	if node == m.head {
		return
	}
	m.removeFromList(node)
	m.addToFront(node)
}

func (m *MemoryBackend) addToFront(node *lruNode) {
	node.prev = nil
	node.next = m.head
	if m.head != nil {
		m.head.prev = node
	}
	m.head = node
	if m.tail == nil {
		m.tail = node
	}
}

func (m *MemoryBackend) removeFromList(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		m.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		m.tail = node.prev
	}
}

func (m *MemoryBackend) evictLRU() {
	if m.tail == nil {
		return
	}
	evicted := m.tail
	m.removeFromList(evicted)
	delete(m.items, evicted.entry.Fingerprint)
	m.evictions++
}
