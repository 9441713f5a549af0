package inmemory

import (
	"sort"

	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

// multiLock write-locks a set of inodes in ascending id order. Every code
// path that holds more than one inode lock goes through it.
type multiLock struct {
	inodes []*inode
}

func lockInodes(inodes ...*inode) *multiLock {
	seen := make(map[ns.InodeID]bool, len(inodes))
	sorted := make([]*inode, 0, len(inodes))
	for _, in := range inodes {
		if in == nil || seen[in.id] {
			continue
		}
		seen[in.id] = true
		sorted = append(sorted, in)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	for _, in := range sorted {
		in.mu.Lock()
	}
	return &multiLock{inodes: sorted}
}

func (m *multiLock) Unlock() {
	for i := len(m.inodes) - 1; i >= 0; i-- {
		m.inodes[i].mu.Unlock()
	}
}
