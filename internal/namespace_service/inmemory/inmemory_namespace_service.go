package inmemory

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bs "github.com/AnishMulay/sandmem/internal/block_service"
	"github.com/AnishMulay/sandmem/internal/eviction_service"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	ps "github.com/AnishMulay/sandmem/internal/permission_service"
	"github.com/google/uuid"
)

const (
	DefaultMaxOpenFiles = 1024
	defaultRootMode     = 0o755
	// bound on lock-then-revalidate retries when a racing mutation
	// changed the entries an operation resolved
	maxRaceRetries = 16
)

type Options struct {
	MaxOpenFiles int
	FsID         string
	Clock        func() time.Time
}

// InMemoryNamespaceService owns the inode table. Each inode carries its own
// RWMutex; the table lock and the LRU lock are leaves that are never held
// while acquiring an inode lock.
type InMemoryNamespaceService struct {
	tableMu sync.RWMutex
	inodes  map[ns.InodeID]*inode
	nextID  atomic.Uint64

	// serializes cross-directory directory moves so that the ancestor
	// check cannot race another move
	renameMu sync.Mutex

	files  *openFileRegistry
	blocks bs.BlockService
	lru    *eviction_service.LRUList
	oracle ps.UserGroupOracle
	ls     log_service.LogService
	now    func() time.Time
	fsID   string

	started       atomic.Bool
	unserviceable atomic.Pointer[string]
}

func NewInMemoryNamespaceService(
	blocks bs.BlockService,
	lru *eviction_service.LRUList,
	oracle ps.UserGroupOracle,
	ls log_service.LogService,
	opts Options,
) *InMemoryNamespaceService {
	if opts.MaxOpenFiles <= 0 {
		opts.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FsID == "" {
		opts.FsID = uuid.New().String()
	}
	return &InMemoryNamespaceService{
		inodes: make(map[ns.InodeID]*inode),
		files:  newOpenFileRegistry(opts.MaxOpenFiles),
		blocks: blocks,
		lru:    lru,
		oracle: oracle,
		ls:     ls,
		now:    opts.Clock,
		fsID:   opts.FsID,
	}
}

// --- Lifecycle ---

func (s *InMemoryNamespaceService) Start() error {
	if s.started.Load() {
		return nil
	}
	s.ls.Info(log_service.LogEvent{Message: "Starting In-Memory Namespace Service"})

	root := newInode(ns.RootInodeID, ns.TypeDirectory, defaultRootMode, 0, 0, s.blocks.BlockSize(), s.now())
	s.tableMu.Lock()
	s.inodes[root.id] = root
	s.tableMu.Unlock()
	s.nextID.Store(uint64(ns.RootInodeID))
	s.lru.Touch(root.id)

	s.started.Store(true)
	s.ls.Info(log_service.LogEvent{
		Message:  "Bootstrapped Root Inode",
		Metadata: map[string]any{"id": root.id, "fsId": s.fsID},
	})
	return nil
}

func (s *InMemoryNamespaceService) Stop() error {
	s.ls.Info(log_service.LogEvent{
		Message:  "Stopping In-Memory Namespace Service",
		Metadata: map[string]any{"inodes": s.inodeCount(), "openHandles": s.files.inUse()},
	})
	s.started.Store(false)
	return nil
}

func (s *InMemoryNamespaceService) MarkUnserviceable(reason string) {
	s.unserviceable.Store(&reason)
	s.ls.Error(log_service.LogEvent{
		Message:  "Namespace marked unserviceable",
		Metadata: map[string]any{"reason": reason},
	})
}

// ready gates every public operation; mutations additionally require the
// engine to be serviceable.
func (s *InMemoryNamespaceService) ready(op, path string, mutating bool) error {
	if !s.started.Load() {
		return fs_error.New(op, path, fs_error.KindNotInitialized)
	}
	if mutating && s.unserviceable.Load() != nil {
		return fs_error.New(op, path, fs_error.KindUnserviceable)
	}
	return nil
}

// --- Inode table ---

func (s *InMemoryNamespaceService) lookupInode(id ns.InodeID) *inode {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return s.inodes[id]
}

func (s *InMemoryNamespaceService) insertInode(in *inode) {
	s.tableMu.Lock()
	s.inodes[in.id] = in
	s.tableMu.Unlock()
}

func (s *InMemoryNamespaceService) inodeCount() int {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return len(s.inodes)
}

func (s *InMemoryNamespaceService) allocateID() ns.InodeID {
	return ns.InodeID(s.nextID.Add(1))
}

// destroyLocked drops in from the table and the LRU list and returns its
// blocks to the allocator. Caller holds in.mu for writing.
func (s *InMemoryNamespaceService) destroyLocked(in *inode) int64 {
	in.removed = true

	s.tableMu.Lock()
	delete(s.inodes, in.id)
	s.tableMu.Unlock()
	s.lru.Remove(in.id)

	var freed int64
	for _, h := range in.blocks {
		if err := s.blocks.ReleaseOne(h); err != nil {
			s.ls.Error(log_service.LogEvent{
				Message:  "Failed to release block of destroyed inode",
				Metadata: map[string]any{"inode": in.id, "block": h.String(), "error": err.Error()},
			})
			continue
		}
		freed += int64(s.blocks.BlockSize())
	}
	in.blocks = nil
	in.size = 0
	return freed
}

// destroyIfUnreferencedLocked applies the lifetime rule: an inode lives
// while it has a parent or is active.
func (s *InMemoryNamespaceService) destroyIfUnreferencedLocked(in *inode) bool {
	if in.removed || len(in.parents) > 0 || in.active() || in.id == ns.RootInodeID {
		return false
	}
	s.destroyLocked(in)
	return true
}

// touchLocked moves in to the most recently used end of the LRU list.
func (s *InMemoryNamespaceService) touchLocked(in *inode) {
	if !in.removed {
		s.lru.Touch(in.id)
	}
}

func (s *InMemoryNamespaceService) allowedLocked(in *inode, caller ns.Caller, perm ps.Permission) bool {
	return ps.ContainsPermission(in.snapshot(), caller.UID, caller.GID, perm, s.oracle)
}

// --- Paths ---

// splitPath returns the components of an absolute path. "." and empty
// components are skipped; ".." is rejected.
func splitPath(op, path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fs_error.New(op, path, fs_error.KindInvalidParam)
	}
	var out []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, fs_error.New(op, path, fs_error.KindInvalidParam)
		}
		if len(part) > ns.MaxFilenameSize {
			return nil, fs_error.New(op, path, fs_error.KindInvalidParam)
		}
		out = append(out, part)
	}
	return out, nil
}

// walk descends components from the root, requiring execute permission on
// every directory searched.
func (s *InMemoryNamespaceService) walk(op, path string, caller ns.Caller, components []string) (*inode, error) {
	cur := s.lookupInode(ns.RootInodeID)
	if cur == nil {
		return nil, fs_error.New(op, path, fs_error.KindNotInitialized)
	}
	for _, name := range components {
		cur.mu.RLock()
		if cur.removed {
			cur.mu.RUnlock()
			return nil, fs_error.New(op, path, fs_error.KindNotFound)
		}
		if !cur.isDir() {
			cur.mu.RUnlock()
			return nil, fs_error.New(op, path, fs_error.KindNotADirectory)
		}
		if !s.allowedLocked(cur, caller, ps.PermExecute) {
			cur.mu.RUnlock()
			return nil, fs_error.New(op, path, fs_error.KindPermissionDenied)
		}
		d, ok := cur.children[name]
		cur.mu.RUnlock()
		if !ok {
			return nil, fs_error.New(op, path, fs_error.KindNotFound)
		}
		next := s.lookupInode(d.InodeID)
		if next == nil {
			return nil, fs_error.New(op, path, fs_error.KindNotFound)
		}
		cur = next
	}
	return cur, nil
}

func (s *InMemoryNamespaceService) resolveInode(op string, caller ns.Caller, path string) (*inode, error) {
	components, err := splitPath(op, path)
	if err != nil {
		return nil, err
	}
	return s.walk(op, path, caller, components)
}

// resolveParent returns the directory that holds the last component of path
// together with that component. The root has no parent.
func (s *InMemoryNamespaceService) resolveParent(op string, caller ns.Caller, path string) (*inode, string, error) {
	components, err := splitPath(op, path)
	if err != nil {
		return nil, "", err
	}
	if len(components) == 0 {
		return nil, "", fs_error.New(op, path, fs_error.KindInvalidParam)
	}
	parent, err := s.walk(op, path, caller, components[:len(components)-1])
	if err != nil {
		return nil, "", err
	}
	if !parent.isDir() {
		return nil, "", fs_error.New(op, path, fs_error.KindNotADirectory)
	}
	return parent, components[len(components)-1], nil
}

func (s *InMemoryNamespaceService) Resolve(ctx context.Context, caller ns.Caller, path string) (ns.ResolveResult, error) {
	if err := s.ready("resolve", path, false); err != nil {
		return ns.ResolveResult{}, err
	}
	components, err := splitPath("resolve", path)
	if err != nil {
		return ns.ResolveResult{}, err
	}
	if len(components) == 0 {
		return ns.ResolveResult{InodeID: ns.RootInodeID, ParentID: ns.RootInodeID}, nil
	}
	parent, name, err := s.resolveParent("resolve", caller, path)
	if err != nil {
		return ns.ResolveResult{}, err
	}

	parent.mu.RLock()
	defer parent.mu.RUnlock()
	if parent.removed {
		return ns.ResolveResult{}, fs_error.New("resolve", path, fs_error.KindNotFound)
	}
	if !s.allowedLocked(parent, caller, ps.PermExecute) {
		return ns.ResolveResult{}, fs_error.New("resolve", path, fs_error.KindPermissionDenied)
	}
	d, ok := parent.children[name]
	if !ok {
		return ns.ResolveResult{}, fs_error.New("resolve", path, fs_error.KindNotFound)
	}
	return ns.ResolveResult{InodeID: d.InodeID, ParentID: parent.id, Name: name}, nil
}

var _ ns.NamespaceService = (*InMemoryNamespaceService)(nil)
var _ eviction_service.Reclaimer = (*InMemoryNamespaceService)(nil)
