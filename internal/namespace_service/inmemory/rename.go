package inmemory

import (
	"context"
	"errors"

	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	ps "github.com/AnishMulay/sandmem/internal/permission_service"
)

type renameRequest struct {
	caller ns.Caller
	source string
	target string
	flag   ns.RenameFlag
}

func (s *InMemoryNamespaceService) Rename(ctx context.Context, caller ns.Caller, source, target string, flag ns.RenameFlag) error {
	if err := s.ready("rename", source, true); err != nil {
		return err
	}
	req := renameRequest{caller: caller, source: source, target: target, flag: flag}
	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		err := s.renameOnce(req)
		if errors.Is(err, errRetry) {
			continue
		}
		return err
	}
	return fs_error.New("rename", source, fs_error.KindBusy)
}

func (s *InMemoryNamespaceService) renameOnce(req renameRequest) error {
	srcParent, srcName, err := s.resolveParent("rename", req.caller, req.source)
	if err != nil {
		return err
	}
	dstParent, dstName, err := s.resolveParent("rename", req.caller, req.target)
	if err != nil {
		return err
	}

	srcParent.mu.RLock()
	sd, srcExists := srcParent.children[srcName]
	srcParent.mu.RUnlock()
	if !srcExists {
		return fs_error.New("rename", req.source, fs_error.KindNotFound)
	}
	dstParent.mu.RLock()
	dd, dstExists := dstParent.children[dstName]
	dstParent.mu.RUnlock()

	src := s.lookupInode(sd.InodeID)
	if src == nil {
		return errRetry
	}
	var dst *inode
	if dstExists {
		if dst = s.lookupInode(dd.InodeID); dst == nil {
			return errRetry
		}
	}

	crossDir := srcParent != dstParent
	movesDir := crossDir && (src.isDir() || (req.flag == ns.RenameExchange && dst != nil && dst.isDir()))
	if movesDir {
		s.renameMu.Lock()
		defer s.renameMu.Unlock()
		if src.isDir() && s.isAncestor(src.id, dstParent) {
			return fs_error.New("rename", req.target, fs_error.KindInvalidParam)
		}
		if req.flag == ns.RenameExchange && dst != nil && dst.isDir() && s.isAncestor(dst.id, srcParent) {
			return fs_error.New("rename", req.source, fs_error.KindInvalidParam)
		}
	}

	lock := lockInodes(srcParent, dstParent, src, dst)
	replaced, err := s.renameLocked(req, srcParent, srcName, src, dstParent, dstName, dst)
	var replacedDir *inode
	if err == nil && replaced != nil {
		if replaced.isDir() && len(replaced.parents) == 0 {
			replacedDir = replaced
		} else if !replaced.isDir() {
			s.destroyIfUnreferencedLocked(replaced)
		}
	}
	lock.Unlock()
	if err != nil {
		return err
	}

	if replacedDir != nil {
		n := s.eraseSubtree(replacedDir)
		s.ls.Debug(log_service.LogEvent{
			Message:  "Erased replaced directory subtree",
			Metadata: map[string]any{"target": req.target, "inode": replacedDir.id, "inodes": n},
		})
	}
	return nil
}

// renameLocked performs the dentry mutation with every involved inode
// write-locked. It returns the inode whose entry was overwritten, if any.
func (s *InMemoryNamespaceService) renameLocked(req renameRequest, srcParent *inode, srcName string, src *inode, dstParent *inode, dstName string, dst *inode) (*inode, error) {
	if srcParent.removed || dstParent.removed || src.removed || (dst != nil && dst.removed) {
		return nil, errRetry
	}
	if cur, ok := srcParent.children[srcName]; !ok || cur.InodeID != src.id {
		return nil, errRetry
	}
	cur, ok := dstParent.children[dstName]
	if ok != (dst != nil) || (ok && cur.InodeID != dst.id) {
		return nil, errRetry
	}

	if !s.allowedLocked(srcParent, req.caller, ps.PermWrite|ps.PermExecute) {
		return nil, fs_error.New("rename", req.source, fs_error.KindPermissionDenied)
	}
	if !s.allowedLocked(dstParent, req.caller, ps.PermWrite|ps.PermExecute) {
		return nil, fs_error.New("rename", req.target, fs_error.KindPermissionDenied)
	}

	if dst != nil && dst.id == src.id {
		return nil, nil
	}

	switch req.flag {
	case ns.RenameExchange:
		if dst == nil {
			return nil, fs_error.New("rename", req.target, fs_error.KindNotFound)
		}
	case ns.RenameNoReplace:
		if dst != nil {
			return nil, fs_error.New("rename", req.target, fs_error.KindAlreadyExists)
		}
	case ns.RenameForce:
	default:
		if dst != nil {
			switch {
			case src.isDir() && !dst.isDir():
				return nil, fs_error.New("rename", req.target, fs_error.KindNotADirectory)
			case !src.isDir() && dst.isDir():
				return nil, fs_error.New("rename", req.target, fs_error.KindIsADirectory)
			case dst.isDir() && len(dst.children) > 0:
				return nil, fs_error.New("rename", req.target, fs_error.KindNotEmpty)
			}
		}
	}

	now := s.now()
	var replaced *inode
	if req.flag == ns.RenameExchange {
		srcParent.children[srcName] = ns.Dentry{InodeID: dst.id, Type: dst.typ}
		dstParent.children[dstName] = ns.Dentry{InodeID: src.id, Type: src.typ}
		dst.removeParent(dstParent.id, dstName)
		dst.addParent(srcParent.id, srcName)
		dst.ctime = now
		s.touchLocked(dst)
	} else {
		delete(srcParent.children, srcName)
		dstParent.children[dstName] = ns.Dentry{InodeID: src.id, Type: src.typ}
		if dst != nil {
			dst.removeParent(dstParent.id, dstName)
			dst.ctime = now
			replaced = dst
		}
	}
	src.removeParent(srcParent.id, srcName)
	src.addParent(dstParent.id, dstName)
	src.ctime = now

	srcParent.touchModified(now)
	dstParent.touchModified(now)
	s.touchLocked(srcParent)
	s.touchLocked(dstParent)
	s.touchLocked(src)
	return replaced, nil
}

// isAncestor reports whether ancestor lies on the path from dir up to the
// root. Called with renameMu held and no inode locks held.
func (s *InMemoryNamespaceService) isAncestor(ancestor ns.InodeID, dir *inode) bool {
	cur := dir
	for cur != nil {
		if cur.id == ancestor {
			return true
		}
		if cur.id == ns.RootInodeID {
			return false
		}
		cur.mu.RLock()
		var parent ns.InodeID
		for p := range cur.parents {
			parent = p
		}
		cur.mu.RUnlock()
		cur = s.lookupInode(parent)
	}
	return false
}

// eraseSubtree unlinks every inode below root, root included, that is only
// reachable through the subtree. Inodes hard-linked from outside keep their
// other links; open inodes are destroyed on last close.
func (s *InMemoryNamespaceService) eraseSubtree(root *inode) int {
	members := map[ns.InodeID]*inode{root.id: root}
	queue := []*inode{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		dir.mu.RLock()
		for _, d := range dir.children {
			if _, seen := members[d.InodeID]; seen {
				continue
			}
			child := s.lookupInode(d.InodeID)
			if child == nil {
				continue
			}
			members[child.id] = child
			if child.isDir() {
				queue = append(queue, child)
			}
		}
		dir.mu.RUnlock()
	}

	erased := 0
	for _, in := range members {
		in.mu.Lock()
		for parent := range in.parents {
			if _, inside := members[parent]; inside {
				delete(in.parents, parent)
			}
		}
		if in.isDir() {
			in.children = make(map[string]ns.Dentry)
		}
		if s.destroyIfUnreferencedLocked(in) {
			erased++
		}
		in.mu.Unlock()
	}
	return erased
}
