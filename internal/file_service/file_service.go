package file_service

import (
	"context"

	bs "github.com/AnishMulay/sandmem/internal/block_service"
	"github.com/AnishMulay/sandmem/internal/eviction_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

// ArenaInfo describes the shared region a client maps to read and write
// block contents directly.
type ArenaInfo struct {
	Name       string `json:"name"`
	Fd         int    `json:"fd"`
	Size       uint64 `json:"size"`
	BlockSize  uint64 `json:"blockSize"`
	BlockCount uint64 `json:"blockCount"`
}

type FileService interface {
	// --- Lifecycle ---
	Start() error
	Stop() error

	// --- File lifecycle ---
	Create(ctx context.Context, caller ns.Caller, path string, mode uint32) (ns.OpenHandle, ns.InodeID, error)
	Open(ctx context.Context, caller ns.Caller, path string) (ns.OpenHandle, ns.InodeID, error)
	OpenWrite(ctx context.Context, caller ns.Caller, path string) (ns.OpenHandle, ns.InodeID, error)
	Close(ctx context.Context, handle ns.OpenHandle) error

	// --- Namespace ---
	Resolve(ctx context.Context, caller ns.Caller, path string) (ns.ResolveResult, error)
	MakeDirectory(ctx context.Context, caller ns.Caller, path string, mode uint32, recursive bool) (ns.InodeID, error)
	RemoveDirectory(ctx context.Context, caller ns.Caller, path string) error
	RemoveFile(ctx context.Context, caller ns.Caller, path string) error
	LinkFile(ctx context.Context, caller ns.Caller, source, target string) error
	Rename(ctx context.Context, caller ns.Caller, source, target string, flag ns.RenameFlag) error
	ListDirectory(ctx context.Context, caller ns.Caller, path string) ([]ns.DirEntry, error)

	// --- Metadata ---
	Stat(ctx context.Context, caller ns.Caller, path string) (ns.Attributes, error)
	StatHandle(ctx context.Context, handle ns.OpenHandle) (ns.Attributes, error)
	GetParents(ctx context.Context, caller ns.Caller, path string) ([]ns.ParentLink, error)
	Chmod(ctx context.Context, caller ns.Caller, path string, mode uint32) error
	Chown(ctx context.Context, caller ns.Caller, path string, uid, gid uint32) error
	SetACL(ctx context.Context, caller ns.Caller, path string, acl ns.ACL) error
	GetACL(ctx context.Context, caller ns.Caller, path string) (ns.ACL, error)
	SetBackupFinished(ctx context.Context, path string, finished bool) error

	// --- Data ---
	Truncate(ctx context.Context, handle ns.OpenHandle, length int64) error
	// AllocateBlock appends one fresh block to the file behind handle.
	AllocateBlock(ctx context.Context, handle ns.OpenHandle) (bs.BlockHandle, error)
	// AllocateBlocks appends enough blocks to hold byteCount bytes, all or
	// nothing. Exhaustion triggers eviction and bounded retries.
	AllocateBlocks(ctx context.Context, handle ns.OpenHandle, byteCount int64) ([]bs.BlockHandle, error)
	GetBlocks(ctx context.Context, handle ns.OpenHandle) (ns.FileBlocks, error)
	BlockOffset(block bs.BlockHandle) (uint64, error)
	ReadAt(ctx context.Context, handle ns.OpenHandle, offset int64, length int) ([]byte, error)
	WriteAt(ctx context.Context, handle ns.OpenHandle, offset int64, data []byte) (int, error)

	// --- Filesystem ---
	Recycle(ctx context.Context, targetBytes int64) eviction_service.RecycleResult
	FsStat(ctx context.Context) (ns.FileSystemStats, error)
	FsInfo(ctx context.Context) (ns.FileSystemInfo, error)
	Arena() ArenaInfo
	MarkUnserviceable(reason string)
}
