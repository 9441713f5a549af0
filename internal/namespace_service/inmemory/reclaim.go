package inmemory

import (
	"github.com/AnishMulay/sandmem/internal/log_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

// TryReclaim drops an inactive inode from every parent directory and from
// the table. It only try-locks, so it never waits behind a namespace
// mutation. Directories must be empty; files must have their backup flag
// set. A parent that cannot be locked keeps its entry and the inode
// survives.
func (s *InMemoryNamespaceService) TryReclaim(id ns.InodeID) (int64, bool) {
	if id == ns.RootInodeID {
		return 0, false
	}
	in := s.lookupInode(id)
	if in == nil {
		return 0, false
	}
	if !in.mu.TryLock() {
		return 0, false
	}
	defer in.mu.Unlock()

	if in.removed || in.active() {
		return 0, false
	}
	if in.isDir() && len(in.children) > 0 {
		return 0, false
	}
	if !in.isDir() && !in.backupFinished.Load() {
		return 0, false
	}

	now := s.now()
	skipped := 0
	for parentID, names := range in.parents {
		parent := s.lookupInode(parentID)
		if parent == nil {
			delete(in.parents, parentID)
			continue
		}
		if !parent.mu.TryLock() {
			skipped++
			s.ls.Warn(log_service.LogEvent{
				Message:  "Skipping busy parent during reclaim",
				Metadata: map[string]any{"inode": id, "parent": parentID},
			})
			continue
		}
		for name := range names {
			if d, ok := parent.children[name]; ok && d.InodeID == id {
				delete(parent.children, name)
			}
		}
		parent.touchModified(now)
		parent.mu.Unlock()
		delete(in.parents, parentID)
	}
	if skipped > 0 {
		return 0, false
	}

	freed := s.destroyLocked(in)
	s.ls.Debug(log_service.LogEvent{
		Message:  "Reclaimed inode",
		Metadata: map[string]any{"inode": id, "type": in.typ.String(), "freedBytes": freed},
	})
	return freed, true
}
