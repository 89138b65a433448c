package snapshot

import (
	"sync"
	"sync/atomic"
)

// hotNode is a doubly-linked list node holding a cached entry.
type hotNode struct {
	ref   Ref
	entry *Entry
	prev  *hotNode
	next  *hotNode
}

// hotTier is a thread-safe count-bounded LRU of recently served entries.
type hotTier struct {
	mu      sync.Mutex
	nodes   map[Ref]*hotNode
	head    *hotNode // Most recently used.
	tail    *hotNode // Least recently used.
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

func newHotTier(maxEntries int) *hotTier {
	if maxEntries <= 0 {
		maxEntries = 1
	}

	return &hotTier{nodes: make(map[Ref]*hotNode), maxSize: maxEntries}
}

func (h *hotTier) get(ref Ref) (*Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, ok := h.nodes[ref]
	if !ok {
		h.misses.Add(1)

		return nil, false
	}

	h.hits.Add(1)
	h.moveToFront(node)

	return node.entry, true
}

func (h *hotTier) put(entry *Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if node, ok := h.nodes[entry.Ref]; ok {
		node.entry = entry
		h.moveToFront(node)

		return
	}

	for len(h.nodes) >= h.maxSize && h.tail != nil {
		victim := h.tail
		h.removeFromList(victim)
		delete(h.nodes, victim.ref)
	}

	node := &hotNode{ref: entry.Ref, entry: entry}
	h.nodes[entry.Ref] = node
	h.addToFront(node)
}

func (h *hotTier) remove(ref Ref) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if node, ok := h.nodes[ref]; ok {
		h.removeFromList(node)
		delete(h.nodes, ref)
	}
}

func (h *hotTier) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.nodes)
}

func (h *hotTier) moveToFront(node *hotNode) {
	if node == h.head {
		return
	}

	h.removeFromList(node)
	h.addToFront(node)
}

func (h *hotTier) addToFront(node *hotNode) {
	node.prev = nil
	node.next = h.head

	if h.head != nil {
		h.head.prev = node
	}

	h.head = node

	if h.tail == nil {
		h.tail = node
	}
}

func (h *hotTier) removeFromList(node *hotNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		h.head = node.next
	}

	if node.next != nil {
		node.next.prev = node.prev
	} else {
		h.tail = node.prev
	}
}
