package inmemory

import (
	"context"
	"sort"

	"github.com/AnishMulay/sandmem/internal/fs_error"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	ps "github.com/AnishMulay/sandmem/internal/permission_service"
)

func (s *InMemoryNamespaceService) ListDirectory(ctx context.Context, caller ns.Caller, path string) ([]ns.DirEntry, error) {
	if err := s.ready("readdir", path, false); err != nil {
		return nil, err
	}
	dir, err := s.resolveInode("readdir", caller, path)
	if err != nil {
		return nil, err
	}

	dir.mu.RLock()
	defer dir.mu.RUnlock()
	switch {
	case dir.removed:
		return nil, fs_error.New("readdir", path, fs_error.KindNotFound)
	case !dir.isDir():
		return nil, fs_error.New("readdir", path, fs_error.KindNotADirectory)
	case !s.allowedLocked(dir, caller, ps.PermRead):
		return nil, fs_error.New("readdir", path, fs_error.KindPermissionDenied)
	}

	entries := make([]ns.DirEntry, 0, len(dir.children))
	for name, d := range dir.children {
		entries = append(entries, ns.DirEntry{Name: name, InodeID: d.InodeID, Type: d.Type})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *InMemoryNamespaceService) GetMeta(ctx context.Context, caller ns.Caller, path string) (ns.Attributes, error) {
	if err := s.ready("stat", path, false); err != nil {
		return ns.Attributes{}, err
	}
	in, err := s.resolveInode("stat", caller, path)
	if err != nil {
		return ns.Attributes{}, err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.removed {
		return ns.Attributes{}, fs_error.New("stat", path, fs_error.KindNotFound)
	}
	return in.attributes(), nil
}

func (s *InMemoryNamespaceService) GetMetaByHandle(ctx context.Context, handle ns.OpenHandle) (ns.Attributes, error) {
	var attrs ns.Attributes
	err := s.withHandle("fstat", handle, false, func(in *inode, _ bool) error {
		attrs = in.attributes()
		return nil
	})
	return attrs, err
}

func (s *InMemoryNamespaceService) GetParents(ctx context.Context, caller ns.Caller, path string) ([]ns.ParentLink, error) {
	if err := s.ready("parents", path, false); err != nil {
		return nil, err
	}
	in, err := s.resolveInode("parents", caller, path)
	if err != nil {
		return nil, err
	}
	in.mu.RLock()
	links := in.parentLinks()
	in.mu.RUnlock()
	sort.Slice(links, func(i, j int) bool {
		if links[i].Parent != links[j].Parent {
			return links[i].Parent < links[j].Parent
		}
		return links[i].Name < links[j].Name
	})
	return links, nil
}

// updateMeta resolves path and runs fn with the inode write-locked.
func (s *InMemoryNamespaceService) updateMeta(op string, caller ns.Caller, path string, fn func(in *inode) error) error {
	if err := s.ready(op, path, true); err != nil {
		return err
	}
	in, err := s.resolveInode(op, caller, path)
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.removed {
		return fs_error.New(op, path, fs_error.KindNotFound)
	}
	if err := fn(in); err != nil {
		return err
	}
	in.ctime = s.now()
	s.touchLocked(in)
	return nil
}

func isOwnerOrRoot(in *inode, caller ns.Caller) bool {
	return caller.UID == 0 || caller.UID == in.uid
}

func (s *InMemoryNamespaceService) Chmod(ctx context.Context, caller ns.Caller, path string, mode uint32) error {
	return s.updateMeta("chmod", caller, path, func(in *inode) error {
		if !isOwnerOrRoot(in, caller) {
			return fs_error.New("chmod", path, fs_error.KindPermissionDenied)
		}
		in.mode = mode & 0o7777
		return nil
	})
}

// Chown lets root change anything. An owner may only move the file to a
// group it belongs to.
func (s *InMemoryNamespaceService) Chown(ctx context.Context, caller ns.Caller, path string, uid, gid uint32) error {
	return s.updateMeta("chown", caller, path, func(in *inode) error {
		if caller.UID != 0 {
			if caller.UID != in.uid || uid != in.uid {
				return fs_error.New("chown", path, fs_error.KindPermissionDenied)
			}
			if gid != caller.GID && !ps.UserInGroup(s.oracle, caller.UID, gid) {
				return fs_error.New("chown", path, fs_error.KindPermissionDenied)
			}
		}
		in.uid = uid
		in.gid = gid
		return nil
	})
}

func (s *InMemoryNamespaceService) SetACL(ctx context.Context, caller ns.Caller, path string, acl ns.ACL) error {
	return s.updateMeta("setacl", caller, path, func(in *inode) error {
		if !isOwnerOrRoot(in, caller) {
			return fs_error.New("setacl", path, fs_error.KindPermissionDenied)
		}
		in.acl = acl.Clone()
		return nil
	})
}

func (s *InMemoryNamespaceService) GetACL(ctx context.Context, caller ns.Caller, path string) (ns.ACL, error) {
	if err := s.ready("getacl", path, false); err != nil {
		return ns.ACL{}, err
	}
	in, err := s.resolveInode("getacl", caller, path)
	if err != nil {
		return ns.ACL{}, err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.acl.Clone(), nil
}

// SetBackupFinished is the hook for the coordinator that decides when a
// file's contents are safe to discard. It bypasses permission checks.
func (s *InMemoryNamespaceService) SetBackupFinished(ctx context.Context, path string, finished bool) error {
	if err := s.ready("backup", path, false); err != nil {
		return err
	}
	in, err := s.resolveInode("backup", ns.Root, path)
	if err != nil {
		return err
	}
	if in.isDir() {
		return fs_error.New("backup", path, fs_error.KindIsADirectory)
	}
	in.backupFinished.Store(finished)
	return nil
}

func (s *InMemoryNamespaceService) GetFileSystemStat(ctx context.Context) (ns.FileSystemStats, error) {
	if err := s.ready("statfs", "", false); err != nil {
		return ns.FileSystemStats{}, err
	}
	blocks := s.blocks.Stat()
	return ns.FileSystemStats{
		BlockSize:    blocks.BlockSize,
		TotalBlocks:  blocks.TotalBlocks,
		FreeBlocks:   blocks.FreeBlocks,
		UsedInodes:   int64(s.inodeCount()),
		OpenHandles:  s.files.inUse(),
		MaxOpenFiles: s.files.capacity(),
	}, nil
}

func (s *InMemoryNamespaceService) GetFsInfo(ctx context.Context) (ns.FileSystemInfo, error) {
	blocks := s.blocks.Stat()
	return ns.FileSystemInfo{
		FsID:            s.fsID,
		BlockSize:       blocks.BlockSize,
		BlockCount:      blocks.TotalBlocks,
		MaxOpenFiles:    s.files.capacity(),
		MaxFilenameSize: ns.MaxFilenameSize,
	}, nil
}
