package core

// Hot storage: bounded in-memory atom cache, evicting in insertion
// order. The index map and eviction queue sit behind one mutex; atom
// payloads are immutable, so readers may release the lock before
// touching the data.

import (
	"container/list"
	"sync"
)

type hotEntry struct {
	id   Hash
	atom *Atom
	size int64
	pins int
	elem *list.Element
}

// HotStorage maps atom id to atom under a byte budget. Eviction is
// least-recently-inserted first; pinned entries are skipped until
// unpinned.
type HotStorage struct {
	mu      sync.Mutex
	limit   int64
	used    int64
	index   map[Hash]*hotEntry
	order   *list.List // front = oldest insertion
	onEvict func(Hash, *Atom)
}

// NewHotStorage builds a hot store bounded to limit bytes of canonical
// atom encodings.
func NewHotStorage(limit int64) *HotStorage {
	return &HotStorage{
		limit: limit,
		index: make(map[Hash]*hotEntry),
		order: list.New(),
	}
}

// SetEvictHandler registers a callback invoked, with the store lock
// held, for every atom pushed out by the byte budget. The handler must
// not call back into the store. The facade uses it to demote evicted
// atoms to cold storage.
func (h *HotStorage) SetEvictHandler(fn func(Hash, *Atom)) {
	h.mu.Lock()
	h.onEvict = fn
	h.mu.Unlock()
}

// Get returns the atom for id, if present.
func (h *HotStorage) Get(id Hash) (*Atom, bool) {
	h.mu.Lock()
	ent, ok := h.index[id]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ent.atom, true
}

// Set inserts the atom under id, evicting oldest entries as needed. It
// returns false only when the atom alone exceeds the entire budget.
func (h *HotStorage) Set(id Hash, a *Atom) bool {
	size := int64(a.Size())
	if size > h.limit {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.index[id]; ok {
		return true
	}
	h.evictLocked(size)
	ent := &hotEntry{id: id, atom: a, size: size}
	ent.elem = h.order.PushBack(ent)
	h.index[id] = ent
	h.used += size
	return true
}

// evictLocked frees room for incoming bytes, walking the insertion
// queue from the oldest entry and skipping pinned atoms.
func (h *HotStorage) evictLocked(incoming int64) {
	elem := h.order.Front()
	for h.used+incoming > h.limit && elem != nil {
		next := elem.Next()
		ent := elem.Value.(*hotEntry)
		if ent.pins == 0 {
			h.order.Remove(elem)
			delete(h.index, ent.id)
			h.used -= ent.size
			if h.onEvict != nil {
				h.onEvict(ent.id, ent.atom)
			}
		}
		elem = next
	}
}

// Evict frees at least n bytes of headroom under the budget, oldest
// insertions first.
func (h *HotStorage) Evict(n int64) {
	h.mu.Lock()
	h.evictLocked(n)
	h.mu.Unlock()
}

// Pin marks the atom as non-evictable for the duration of an in-flight
// operation. Pins nest.
func (h *HotStorage) Pin(id Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ent, ok := h.index[id]
	if !ok {
		return false
	}
	ent.pins++
	return true
}

// Unpin releases one pin on the atom.
func (h *HotStorage) Unpin(id Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ent, ok := h.index[id]; ok && ent.pins > 0 {
		ent.pins--
	}
}

// Remove drops the atom from the store without invoking the eviction
// handler.
func (h *HotStorage) Remove(id Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ent, ok := h.index[id]; ok {
		h.order.Remove(ent.elem)
		delete(h.index, id)
		h.used -= ent.size
	}
}

// Len returns the number of stored atoms.
func (h *HotStorage) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.index)
}

// Used returns the current byte usage.
func (h *HotStorage) Used() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}
