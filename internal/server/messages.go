package server

import (
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

// Message Type Constants
const (
	// Namespace Operations
	MsgResolve  = "resolve"
	MsgCreate   = "create"
	MsgOpen     = "open"
	MsgClose    = "close"
	MsgMkdir    = "mkdir"
	MsgRmdir    = "rmdir"
	MsgUnlink   = "unlink"
	MsgLink     = "link"
	MsgRename   = "rename"
	MsgReadDir  = "readdir"
	MsgTruncate = "truncate"

	// Metadata Operations
	MsgStat       = "stat"
	MsgStatHandle = "stathandle"
	MsgParents    = "parents"
	MsgChmod      = "chmod"
	MsgChown      = "chown"
	MsgSetACL     = "setacl"
	MsgGetACL     = "getacl"
	MsgSetBackup  = "setbackup"

	// Block Operations
	MsgAllocBlock  = "allocblock"
	MsgAllocBlocks = "allocblocks"
	MsgGetBlocks   = "getblocks"
	MsgRead        = "read"
	MsgWrite       = "write"

	// Filesystem Operations
	MsgRecycle           = "recycle"
	MsgFsStat            = "fsstat"
	MsgFsInfo            = "fsinfo"
	MsgArenaInfo         = "arenainfo"
	MsgMarkUnserviceable = "markunserviceable"
)

// --- Request Payloads ---

type PathRequest struct {
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
	Path string `json:"path"`
}

type ResolveRequest = PathRequest

type CreateRequest struct {
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

type OpenRequest struct {
	UID   uint32 `json:"uid"`
	GID   uint32 `json:"gid"`
	Path  string `json:"path"`
	Write bool   `json:"write,omitempty"`
}

type HandleRequest struct {
	Handle ns.OpenHandle `json:"handle"`
}

type MkdirRequest struct {
	UID       uint32 `json:"uid"`
	GID       uint32 `json:"gid"`
	Path      string `json:"path"`
	Mode      uint32 `json:"mode"`
	Recursive bool   `json:"recursive,omitempty"`
}

type LinkRequest struct {
	UID    uint32 `json:"uid"`
	GID    uint32 `json:"gid"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type RenameRequest struct {
	UID    uint32        `json:"uid"`
	GID    uint32        `json:"gid"`
	Source string        `json:"source"`
	Target string        `json:"target"`
	Flag   ns.RenameFlag `json:"flag,omitempty"`
}

type ChmodRequest struct {
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

type ChownRequest struct {
	UID      uint32 `json:"uid"`
	GID      uint32 `json:"gid"`
	Path     string `json:"path"`
	OwnerUID uint32 `json:"ownerUid"`
	OwnerGID uint32 `json:"ownerGid"`
}

type SetACLRequest struct {
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
	Path string `json:"path"`
	ACL  ns.ACL `json:"acl"`
}

// SetBackupRequest is honoured for root callers only.
type SetBackupRequest struct {
	UID      uint32 `json:"uid"`
	GID      uint32 `json:"gid"`
	Path     string `json:"path"`
	Finished bool   `json:"finished"`
}

type TruncateRequest struct {
	Handle ns.OpenHandle `json:"handle"`
	Length int64         `json:"length"`
}

type AllocBlocksRequest struct {
	Handle    ns.OpenHandle `json:"handle"`
	ByteCount int64         `json:"byteCount"`
}

type ReadRequest struct {
	Handle ns.OpenHandle `json:"handle"`
	Offset int64         `json:"offset"`
	Length int           `json:"length"`
}

type WriteRequest struct {
	Handle ns.OpenHandle `json:"handle"`
	Offset int64         `json:"offset"`
	Data   []byte        `json:"data"`
}

type RecycleRequest struct {
	TargetBytes int64 `json:"targetBytes"`
}

type MarkUnserviceableRequest struct {
	Reason string `json:"reason"`
}

type FsStatRequest struct{}

type FsInfoRequest struct{}

type ArenaInfoRequest struct{}

// --- Response Payloads ---

type OpenResponse struct {
	Handle  ns.OpenHandle `json:"handle"`
	InodeID ns.InodeID    `json:"inodeId"`
}

// BlockRef pairs a block handle with its byte offset inside the shared
// arena mapping.
type BlockRef struct {
	Handle uint64 `json:"handle"`
	Offset uint64 `json:"offset"`
}

type BlocksResponse struct {
	Size   int64      `json:"size"`
	Blocks []BlockRef `json:"blocks"`
}

type WriteResponse struct {
	Written int `json:"written"`
}

type RecycleResponse struct {
	Scanned        int   `json:"scanned"`
	Reclaimed      int   `json:"reclaimed"`
	ReclaimedBytes int64 `json:"reclaimedBytes"`
}
