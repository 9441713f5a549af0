package inmemory

import (
	"sync"

	"github.com/AnishMulay/sandmem/internal/fs_error"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

// handleBase keeps handle numbers clear of OS descriptor values.
const handleBase = 1 << 24

type openFile struct {
	mu       sync.Mutex
	inUse    bool
	inode    ns.InodeID
	readOnly bool
}

// openFileRegistry is a fixed pool of handle slots. A slot is only
// published after init under its own lock.
type openFileRegistry struct {
	mu    sync.Mutex
	slots []openFile
	free  []int
}

func newOpenFileRegistry(capacity int) *openFileRegistry {
	r := &openFileRegistry{
		slots: make([]openFile, capacity),
		free:  make([]int, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r
}

// reserve pops a slot index. The slot stays unusable until init.
func (r *openFileRegistry) reserve() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return -1, fs_error.New("open", "", fs_error.KindAllocFail)
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	return idx, nil
}

func (r *openFileRegistry) unreserve(idx int) {
	r.mu.Lock()
	r.free = append(r.free, idx)
	r.mu.Unlock()
}

func (r *openFileRegistry) init(idx int, id ns.InodeID, readOnly bool) ns.OpenHandle {
	slot := &r.slots[idx]
	slot.mu.Lock()
	slot.inode = id
	slot.readOnly = readOnly
	slot.inUse = true
	slot.mu.Unlock()
	return ns.OpenHandle(handleBase + idx)
}

// acquire locks the slot behind handle. The caller must unlock it.
func (r *openFileRegistry) acquire(op string, handle ns.OpenHandle) (*openFile, error) {
	idx := int(handle) - handleBase
	if idx < 0 || idx >= len(r.slots) {
		return nil, fs_error.New(op, handle.String(), fs_error.KindInvalidParam)
	}
	slot := &r.slots[idx]
	slot.mu.Lock()
	if !slot.inUse {
		slot.mu.Unlock()
		return nil, fs_error.New(op, handle.String(), fs_error.KindInvalidParam)
	}
	return slot, nil
}

// release clears a slot acquired by the caller, unlocks it and returns it
// to the pool.
func (r *openFileRegistry) release(handle ns.OpenHandle, slot *openFile) {
	slot.inUse = false
	slot.inode = 0
	slot.mu.Unlock()
	r.unreserve(int(handle) - handleBase)
}

func (r *openFileRegistry) capacity() int { return len(r.slots) }

func (r *openFileRegistry) inUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}
