package namespace_service

import (
	"context"

	bs "github.com/AnishMulay/sandmem/internal/block_service"
)

type NamespaceService interface {
	// --- Lifecycle ---
	Start() error
	Stop() error

	// --- Resolution ---
	// Resolve walks path from the root, requiring execute permission on
	// every directory it passes through.
	Resolve(ctx context.Context, caller Caller, path string) (ResolveResult, error)

	// --- File lifecycle ---
	// Create makes a regular file and returns a write handle bound to it.
	Create(ctx context.Context, caller Caller, path string, mode uint32) (OpenHandle, InodeID, error)
	// Open returns a read-only handle.
	Open(ctx context.Context, caller Caller, path string) (OpenHandle, InodeID, error)
	// OpenWrite returns an exclusive write handle on an existing file.
	OpenWrite(ctx context.Context, caller Caller, path string) (OpenHandle, InodeID, error)
	Close(ctx context.Context, handle OpenHandle) error
	HandleInfo(ctx context.Context, handle OpenHandle) (HandleInfo, error)

	// --- Namespace mutation ---
	MakeDirectory(ctx context.Context, caller Caller, path string, mode uint32, recursive bool) (InodeID, error)
	RemoveDirectory(ctx context.Context, caller Caller, path string) error
	RemoveFile(ctx context.Context, caller Caller, path string) error
	LinkFile(ctx context.Context, caller Caller, source, target string) error
	Rename(ctx context.Context, caller Caller, source, target string, flag RenameFlag) error

	// --- File data ---
	TruncateFile(ctx context.Context, handle OpenHandle, length int64) error
	AppendFileDataBlocks(ctx context.Context, handle OpenHandle, blocks []bs.BlockHandle) error
	GetFileDataBlocks(ctx context.Context, handle OpenHandle) (FileBlocks, error)
	// ViewFileData runs fn with the handle held open and the inode
	// read-locked. fn must not retain file.Blocks.
	ViewFileData(ctx context.Context, handle OpenHandle, fn func(file FileBlocks) error) error
	// UpdateFileData runs fn with a write handle held and the inode locked.
	// The blocks and size fn leaves in file are stored when it returns nil.
	// fn may append blocks but must not drop any.
	UpdateFileData(ctx context.Context, handle OpenHandle, fn func(file *FileBlocks) error) error

	// --- Metadata ---
	ListDirectory(ctx context.Context, caller Caller, path string) ([]DirEntry, error)
	GetMeta(ctx context.Context, caller Caller, path string) (Attributes, error)
	GetMetaByHandle(ctx context.Context, handle OpenHandle) (Attributes, error)
	GetParents(ctx context.Context, caller Caller, path string) ([]ParentLink, error)
	Chmod(ctx context.Context, caller Caller, path string, mode uint32) error
	Chown(ctx context.Context, caller Caller, path string, uid, gid uint32) error
	SetACL(ctx context.Context, caller Caller, path string, acl ACL) error
	GetACL(ctx context.Context, caller Caller, path string) (ACL, error)
	SetBackupFinished(ctx context.Context, path string, finished bool) error

	// --- Filesystem ---
	GetFileSystemStat(ctx context.Context) (FileSystemStats, error)
	GetFsInfo(ctx context.Context) (FileSystemInfo, error)
	MarkUnserviceable(reason string)
}
