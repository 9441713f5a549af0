package namespace_service

import (
	"fmt"
	"time"

	bs "github.com/AnishMulay/sandmem/internal/block_service"
	ps "github.com/AnishMulay/sandmem/internal/permission_service"
)

type InodeID uint64

const RootInodeID InodeID = 1

type InodeType int

const (
	TypeFile InodeType = iota
	TypeDirectory
)

func (t InodeType) String() string {
	if t == TypeDirectory {
		return "directory"
	}
	return "file"
}

const MaxFilenameSize = 255

// Caller is the identity a namespace operation is evaluated against.
type Caller struct {
	UID uint32
	GID uint32
}

var Root = Caller{}

type RenameFlag int

const (
	RenameNone RenameFlag = iota
	// RenameExchange swaps source and target; both must exist.
	RenameExchange
	// RenameNoReplace fails if the target exists.
	RenameNoReplace
	// RenameForce skips the target type and emptiness checks.
	RenameForce
)

func (f RenameFlag) String() string {
	switch f {
	case RenameExchange:
		return "exchange"
	case RenameNoReplace:
		return "no-replace"
	case RenameForce:
		return "force"
	default:
		return "none"
	}
}

// OpenHandle identifies an entry of the open file registry. Its numeric
// range never overlaps OS file descriptors.
type OpenHandle int64

func (h OpenHandle) String() string { return fmt.Sprintf("fh#%d", int64(h)) }

type Dentry struct {
	InodeID InodeID
	Type    InodeType
}

type DirEntry struct {
	Name    string    `json:"name"`
	InodeID InodeID   `json:"inodeId"`
	Type    InodeType `json:"type"`
}

type ParentLink struct {
	Parent InodeID `json:"parent"`
	Name   string  `json:"name"`
}

type ResolveResult struct {
	InodeID  InodeID
	ParentID InodeID
	Name     string
}

type Attributes struct {
	InodeID        InodeID   `json:"inodeId"`
	Type           InodeType `json:"type"`
	Mode           uint32    `json:"mode"`
	UID            uint32    `json:"uid"`
	GID            uint32    `json:"gid"`
	Size           int64     `json:"size"`
	BlockSize      uint64    `json:"blockSize"`
	Blocks         int       `json:"blocks"`
	LinkCount      int       `json:"linkCount"`
	AccessTime     time.Time `json:"atime"`
	ModifyTime     time.Time `json:"mtime"`
	ChangeTime     time.Time `json:"ctime"`
	OpenCount      int       `json:"openCount"`
	Writing        bool      `json:"writing"`
	BackupFinished bool      `json:"backupFinished"`
}

type HandleInfo struct {
	Handle   OpenHandle
	InodeID  InodeID
	ReadOnly bool
}

type FileSystemStats struct {
	BlockSize    uint64 `json:"blockSize"`
	TotalBlocks  uint64 `json:"totalBlocks"`
	FreeBlocks   uint64 `json:"freeBlocks"`
	UsedInodes   int64  `json:"usedInodes"`
	OpenHandles  int    `json:"openHandles"`
	MaxOpenFiles int    `json:"maxOpenFiles"`
}

type FileSystemInfo struct {
	FsID            string `json:"fsId"`
	BlockSize       uint64 `json:"blockSize"`
	BlockCount      uint64 `json:"blockCount"`
	MaxOpenFiles    int    `json:"maxOpenFiles"`
	MaxFilenameSize int    `json:"maxFilenameSize"`
}

// FileBlocks is the ordered block list of a regular file with its size.
type FileBlocks struct {
	Size   int64
	Blocks []bs.BlockHandle
}

type ACL = ps.ACL
