package eviction_service

import (
	"sync"

	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	"github.com/tidwall/btree"
)

// LRUList orders live inodes by the sequence number of their last touch.
// The oldest inode has the smallest sequence number.
type LRUList struct {
	mu       sync.Mutex
	seq      uint64
	order    *btree.Map[uint64, ns.InodeID]
	position map[ns.InodeID]uint64
}

func NewLRUList() *LRUList {
	return &LRUList{
		order:    btree.NewMap[uint64, ns.InodeID](0),
		position: make(map[ns.InodeID]uint64),
	}
}

// Touch links id at the tail, moving it there if it is already linked.
func (l *LRUList) Touch(id ns.InodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq, ok := l.position[id]; ok {
		l.order.Delete(seq)
	}
	l.seq++
	l.order.Set(l.seq, id)
	l.position[id] = l.seq
}

// Remove unlinks id and reports whether it was linked.
func (l *LRUList) Remove(id ns.InodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.position[id]
	if !ok {
		return false
	}
	l.order.Delete(seq)
	delete(l.position, id)
	return true
}

// Oldest returns up to n ids, least recently touched first. n <= 0 returns
// all. It scans a copy-on-write view, so callers may unlink inodes while
// walking the result.
func (l *LRUList) Oldest(n int) []ns.InodeID {
	l.mu.Lock()
	view := l.order.Copy()
	l.mu.Unlock()

	var out []ns.InodeID
	view.Scan(func(_ uint64, id ns.InodeID) bool {
		out = append(out, id)
		return n <= 0 || len(out) < n
	})
	return out
}
