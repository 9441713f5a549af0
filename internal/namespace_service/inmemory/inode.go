package inmemory

import (
	"sync"
	"sync/atomic"
	"time"

	bs "github.com/AnishMulay/sandmem/internal/block_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	ps "github.com/AnishMulay/sandmem/internal/permission_service"
)

// inode fields below mu are guarded by it. id and typ never change.
type inode struct {
	id  ns.InodeID
	typ ns.InodeType

	mu        sync.RWMutex
	mode      uint32
	uid       uint32
	gid       uint32
	atime     time.Time
	mtime     time.Time
	ctime     time.Time
	size      int64
	blockSize uint64
	parents   map[ns.InodeID]map[string]struct{}
	children  map[string]ns.Dentry
	blocks    []bs.BlockHandle
	acl       ps.ACL
	removed   bool
	writing   bool
	openCount int

	// written by an external coordinator without the inode lock
	backupFinished atomic.Bool
}

func newInode(id ns.InodeID, typ ns.InodeType, mode, uid, gid uint32, blockSize uint64, now time.Time) *inode {
	in := &inode{
		id:        id,
		typ:       typ,
		mode:      mode & 0o7777,
		uid:       uid,
		gid:       gid,
		atime:     now,
		mtime:     now,
		ctime:     now,
		blockSize: blockSize,
		parents:   make(map[ns.InodeID]map[string]struct{}),
	}
	if typ == ns.TypeDirectory {
		in.children = make(map[string]ns.Dentry)
	}
	return in
}

func (in *inode) isDir() bool { return in.typ == ns.TypeDirectory }

// active inodes are open or being written and cannot be removed.
func (in *inode) active() bool { return in.writing || in.openCount > 0 }

func (in *inode) linkCount() int {
	n := 0
	for _, names := range in.parents {
		n += len(names)
	}
	return n
}

func (in *inode) addParent(parent ns.InodeID, name string) {
	names, ok := in.parents[parent]
	if !ok {
		names = make(map[string]struct{})
		in.parents[parent] = names
	}
	names[name] = struct{}{}
}

func (in *inode) removeParent(parent ns.InodeID, name string) {
	names, ok := in.parents[parent]
	if !ok {
		return
	}
	delete(names, name)
	if len(names) == 0 {
		delete(in.parents, parent)
	}
}

func (in *inode) parentLinks() []ns.ParentLink {
	links := make([]ns.ParentLink, 0, len(in.parents))
	for parent, names := range in.parents {
		for name := range names {
			links = append(links, ns.ParentLink{Parent: parent, Name: name})
		}
	}
	return links
}

// snapshot must be called with mu held.
func (in *inode) snapshot() ps.Snapshot {
	return ps.Snapshot{
		IsDir: in.isDir(),
		Mode:  in.mode,
		UID:   in.uid,
		GID:   in.gid,
		ACL:   in.acl,
	}
}

// attributes must be called with mu held.
func (in *inode) attributes() ns.Attributes {
	return ns.Attributes{
		InodeID:        in.id,
		Type:           in.typ,
		Mode:           in.mode,
		UID:            in.uid,
		GID:            in.gid,
		Size:           in.size,
		BlockSize:      in.blockSize,
		Blocks:         len(in.blocks),
		LinkCount:      in.linkCount(),
		AccessTime:     in.atime,
		ModifyTime:     in.mtime,
		ChangeTime:     in.ctime,
		OpenCount:      in.openCount,
		Writing:        in.writing,
		BackupFinished: in.backupFinished.Load(),
	}
}

func (in *inode) touchModified(now time.Time) {
	in.mtime = now
	in.ctime = now
}
