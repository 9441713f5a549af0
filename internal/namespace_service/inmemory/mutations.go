package inmemory

import (
	"context"
	"errors"
	"strings"

	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	ps "github.com/AnishMulay/sandmem/internal/permission_service"
)

// lockedEntry is a directory entry whose parent (and child, if present) are
// write-locked and revalidated after locking.
type lockedEntry struct {
	parent *inode
	child  *inode
	name   string
	lock   *multiLock
}

func (e *lockedEntry) Unlock() { e.lock.Unlock() }

func (s *InMemoryNamespaceService) lockEntry(op string, caller ns.Caller, path string) (*lockedEntry, error) {
	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		parent, name, err := s.resolveParent(op, caller, path)
		if err != nil {
			return nil, err
		}

		parent.mu.RLock()
		d, exists := parent.children[name]
		parent.mu.RUnlock()

		var child *inode
		if exists {
			if child = s.lookupInode(d.InodeID); child == nil {
				continue
			}
		}

		lock := lockInodes(parent, child)
		if parent.removed {
			lock.Unlock()
			return nil, fs_error.New(op, path, fs_error.KindNotFound)
		}
		current, stillExists := parent.children[name]
		if stillExists != exists || (exists && (current.InodeID != child.id || child.removed)) {
			lock.Unlock()
			continue
		}
		return &lockedEntry{parent: parent, child: child, name: name, lock: lock}, nil
	}
	return nil, fs_error.New(op, path, fs_error.KindBusy)
}

// newChildLocked creates an inode and links it under parent. parent.mu is
// held for writing; the new inode is fully initialized before it becomes
// visible.
func (s *InMemoryNamespaceService) newChildLocked(parent *inode, name string, typ ns.InodeType, mode uint32, caller ns.Caller) *inode {
	now := s.now()
	child := newInode(s.allocateID(), typ, mode, caller.UID, caller.GID, s.blocks.BlockSize(), now)
	child.addParent(parent.id, name)
	if typ == ns.TypeFile {
		child.writing = true
	}
	s.insertInode(child)

	parent.children[name] = ns.Dentry{InodeID: child.id, Type: typ}
	parent.touchModified(now)
	s.touchLocked(parent)
	s.lru.Touch(child.id)
	return child
}

// --- File lifecycle ---

func (s *InMemoryNamespaceService) Create(ctx context.Context, caller ns.Caller, path string, mode uint32) (ns.OpenHandle, ns.InodeID, error) {
	if err := s.ready("create", path, true); err != nil {
		return 0, 0, err
	}
	slot, err := s.files.reserve()
	if err != nil {
		return 0, 0, fs_error.Wrap("create", path, err)
	}

	entry, err := s.lockEntry("create", caller, path)
	if err != nil {
		s.files.unreserve(slot)
		return 0, 0, err
	}
	if entry.child != nil {
		entry.Unlock()
		s.files.unreserve(slot)
		return 0, 0, fs_error.New("create", path, fs_error.KindAlreadyExists)
	}
	if !s.allowedLocked(entry.parent, caller, ps.PermWrite|ps.PermExecute) {
		entry.Unlock()
		s.files.unreserve(slot)
		return 0, 0, fs_error.New("create", path, fs_error.KindPermissionDenied)
	}
	child := s.newChildLocked(entry.parent, entry.name, ns.TypeFile, mode, caller)
	entry.Unlock()

	handle := s.files.init(slot, child.id, false)
	s.ls.Debug(log_service.LogEvent{
		Message:  "Created file",
		Metadata: map[string]any{"path": path, "inode": child.id, "handle": int64(handle)},
	})
	return handle, child.id, nil
}

func (s *InMemoryNamespaceService) Open(ctx context.Context, caller ns.Caller, path string) (ns.OpenHandle, ns.InodeID, error) {
	return s.open("open", caller, path, true)
}

func (s *InMemoryNamespaceService) OpenWrite(ctx context.Context, caller ns.Caller, path string) (ns.OpenHandle, ns.InodeID, error) {
	return s.open("open write", caller, path, false)
}

func (s *InMemoryNamespaceService) open(op string, caller ns.Caller, path string, readOnly bool) (ns.OpenHandle, ns.InodeID, error) {
	if err := s.ready(op, path, !readOnly); err != nil {
		return 0, 0, err
	}
	in, err := s.resolveInode(op, caller, path)
	if err != nil {
		return 0, 0, err
	}
	slot, err := s.files.reserve()
	if err != nil {
		return 0, 0, fs_error.Wrap(op, path, err)
	}

	in.mu.Lock()
	fail := func(kind fs_error.Kind) (ns.OpenHandle, ns.InodeID, error) {
		in.mu.Unlock()
		s.files.unreserve(slot)
		return 0, 0, fs_error.New(op, path, kind)
	}
	switch {
	case in.removed:
		return fail(fs_error.KindNotFound)
	case in.isDir():
		return fail(fs_error.KindIsADirectory)
	}

	if readOnly {
		if !s.allowedLocked(in, caller, ps.PermRead) {
			return fail(fs_error.KindPermissionDenied)
		}
		if in.writing {
			return fail(fs_error.KindBusy)
		}
		in.openCount++
		in.atime = s.now()
	} else {
		if !s.allowedLocked(in, caller, ps.PermWrite) {
			return fail(fs_error.KindPermissionDenied)
		}
		if in.active() {
			return fail(fs_error.KindBusy)
		}
		in.writing = true
	}
	s.touchLocked(in)
	id := in.id
	in.mu.Unlock()

	return s.files.init(slot, id, readOnly), id, nil
}

func (s *InMemoryNamespaceService) Close(ctx context.Context, handle ns.OpenHandle) error {
	slot, err := s.files.acquire("close", handle)
	if err != nil {
		return err
	}
	id, readOnly := slot.inode, slot.readOnly
	s.files.release(handle, slot)

	in := s.lookupInode(id)
	if in == nil {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if readOnly {
		if in.openCount > 0 {
			in.openCount--
		}
	} else {
		in.writing = false
	}
	if s.destroyIfUnreferencedLocked(in) {
		s.ls.Debug(log_service.LogEvent{
			Message:  "Destroyed unlinked inode on last close",
			Metadata: map[string]any{"inode": id},
		})
		return nil
	}
	s.touchLocked(in)
	return nil
}

func (s *InMemoryNamespaceService) HandleInfo(ctx context.Context, handle ns.OpenHandle) (ns.HandleInfo, error) {
	slot, err := s.files.acquire("handle info", handle)
	if err != nil {
		return ns.HandleInfo{}, err
	}
	defer slot.mu.Unlock()
	return ns.HandleInfo{Handle: handle, InodeID: slot.inode, ReadOnly: slot.readOnly}, nil
}

// --- Directories ---

func (s *InMemoryNamespaceService) MakeDirectory(ctx context.Context, caller ns.Caller, path string, mode uint32, recursive bool) (ns.InodeID, error) {
	if err := s.ready("mkdir", path, true); err != nil {
		return 0, err
	}
	if !recursive {
		return s.mkdirOne(caller, path, mode, false)
	}

	components, err := splitPath("mkdir", path)
	if err != nil {
		return 0, err
	}
	if len(components) == 0 {
		return ns.RootInodeID, nil
	}
	var id ns.InodeID
	for i := range components {
		prefix := "/" + strings.Join(components[:i+1], "/")
		if id, err = s.mkdirOne(caller, prefix, mode, true); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// mkdirOne creates a single directory. With existingOK an existing
// directory at path is returned instead of failing.
func (s *InMemoryNamespaceService) mkdirOne(caller ns.Caller, path string, mode uint32, existingOK bool) (ns.InodeID, error) {
	entry, err := s.lockEntry("mkdir", caller, path)
	if err != nil {
		return 0, err
	}
	defer entry.Unlock()

	if entry.child != nil {
		if existingOK && entry.child.isDir() {
			return entry.child.id, nil
		}
		if existingOK {
			return 0, fs_error.New("mkdir", path, fs_error.KindNotADirectory)
		}
		return 0, fs_error.New("mkdir", path, fs_error.KindAlreadyExists)
	}
	if !s.allowedLocked(entry.parent, caller, ps.PermWrite|ps.PermExecute) {
		return 0, fs_error.New("mkdir", path, fs_error.KindPermissionDenied)
	}
	child := s.newChildLocked(entry.parent, entry.name, ns.TypeDirectory, mode, caller)
	return child.id, nil
}

func (s *InMemoryNamespaceService) RemoveDirectory(ctx context.Context, caller ns.Caller, path string) error {
	return s.remove("rmdir", caller, path, ns.TypeDirectory)
}

func (s *InMemoryNamespaceService) RemoveFile(ctx context.Context, caller ns.Caller, path string) error {
	return s.remove("unlink", caller, path, ns.TypeFile)
}

func (s *InMemoryNamespaceService) remove(op string, caller ns.Caller, path string, want ns.InodeType) error {
	if err := s.ready(op, path, true); err != nil {
		return err
	}
	entry, err := s.lockEntry(op, caller, path)
	if err != nil {
		return err
	}
	defer entry.Unlock()

	child := entry.child
	switch {
	case child == nil:
		return fs_error.New(op, path, fs_error.KindNotFound)
	case want == ns.TypeDirectory && !child.isDir():
		return fs_error.New(op, path, fs_error.KindNotADirectory)
	case want == ns.TypeFile && child.isDir():
		return fs_error.New(op, path, fs_error.KindIsADirectory)
	case !s.allowedLocked(entry.parent, caller, ps.PermWrite|ps.PermExecute):
		return fs_error.New(op, path, fs_error.KindPermissionDenied)
	case child.isDir() && len(child.children) > 0:
		return fs_error.New(op, path, fs_error.KindNotEmpty)
	case child.active():
		return fs_error.New(op, path, fs_error.KindBusy)
	}

	now := s.now()
	delete(entry.parent.children, entry.name)
	entry.parent.touchModified(now)
	s.touchLocked(entry.parent)

	child.removeParent(entry.parent.id, entry.name)
	if !s.destroyIfUnreferencedLocked(child) {
		child.ctime = now
		s.touchLocked(child)
	}
	return nil
}

// --- Hard links ---

func (s *InMemoryNamespaceService) LinkFile(ctx context.Context, caller ns.Caller, source, target string) error {
	if err := s.ready("link", target, true); err != nil {
		return err
	}
	src, err := s.resolveInode("link", caller, source)
	if err != nil {
		return err
	}
	if src.isDir() {
		return fs_error.New("link", source, fs_error.KindIsADirectory)
	}

	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		parent, name, err := s.resolveParent("link", caller, target)
		if err != nil {
			return err
		}
		lock := lockInodes(parent, src)
		err = s.linkLocked(caller, src, parent, name, source, target)
		lock.Unlock()
		if errors.Is(err, errRetry) {
			continue
		}
		return err
	}
	return fs_error.New("link", target, fs_error.KindBusy)
}

var errRetry = errors.New("retry")

func (s *InMemoryNamespaceService) linkLocked(caller ns.Caller, src, parent *inode, name, source, target string) error {
	if src.removed || len(src.parents) == 0 {
		return fs_error.New("link", source, fs_error.KindNotFound)
	}
	if parent.removed {
		return errRetry
	}
	if _, exists := parent.children[name]; exists {
		return fs_error.New("link", target, fs_error.KindAlreadyExists)
	}
	if !s.allowedLocked(parent, caller, ps.PermWrite|ps.PermExecute) {
		return fs_error.New("link", target, fs_error.KindPermissionDenied)
	}

	now := s.now()
	parent.children[name] = ns.Dentry{InodeID: src.id, Type: src.typ}
	parent.touchModified(now)
	src.addParent(parent.id, name)
	src.ctime = now
	s.touchLocked(parent)
	s.touchLocked(src)
	return nil
}
