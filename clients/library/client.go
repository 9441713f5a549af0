package sandlib

import (
	"context"
	"errors"
	"fmt"
	pathpkg "path"
	"strings"

	"github.com/AnishMulay/sandmem/internal/communication"
	"github.com/AnishMulay/sandmem/internal/eviction_service"
	fsvc "github.com/AnishMulay/sandmem/internal/file_service"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	ps "github.com/AnishMulay/sandmem/internal/server"
	"github.com/fxamacker/cbor/v2"
)

const firstUserFD = 3

func NewSandmemClient(serverAddr string, comm communication.Communicator, caller ns.Caller) *SandmemClient {
	return &SandmemClient{
		ServerAddr: serverAddr,
		Comm:       comm,
		Caller:     caller,
		OpenFiles:  make(map[int]*SandmemFD),
		nextFD:     firstUserFD,
	}
}

// --- Descriptors ---

// Create makes a new file and returns a write descriptor on it.
func (c *SandmemClient) Create(ctx context.Context, path string, mode uint32) (int, error) {
	cleanPath, err := normalizePath(path)
	if err != nil {
		return 0, err
	}
	var open ps.OpenResponse
	if err := c.call(ctx, "create", cleanPath, ps.MsgCreate, ps.CreateRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Path: cleanPath, Mode: mode,
	}, &open); err != nil {
		return 0, err
	}
	return c.addFD(open, cleanPath, true), nil
}

// Open returns a read descriptor, or an exclusive write descriptor when
// write is set.
func (c *SandmemClient) Open(ctx context.Context, path string, write bool) (int, error) {
	cleanPath, err := normalizePath(path)
	if err != nil {
		return 0, err
	}
	var open ps.OpenResponse
	if err := c.call(ctx, "open", cleanPath, ps.MsgOpen, ps.OpenRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Path: cleanPath, Write: write,
	}, &open); err != nil {
		return 0, err
	}
	return c.addFD(open, cleanPath, write), nil
}

func (c *SandmemClient) Read(ctx context.Context, fd int, n int) ([]byte, error) {
	if n < 0 {
		return nil, fs_error.New("read", "", fs_error.KindInvalidParam)
	}
	file, err := c.fd(fd)
	if err != nil {
		return nil, err
	}
	file.Mu.Lock()
	defer file.Mu.Unlock()

	resp, err := c.send(ctx, ps.MsgRead, ps.ReadRequest{Handle: file.Handle, Offset: file.Offset, Length: n})
	if err != nil {
		return nil, err
	}
	if resp.Code != communication.CodeOK {
		return nil, responseError("read", file.FilePath, resp)
	}
	file.Offset += int64(len(resp.Body))
	return resp.Body, nil
}

func (c *SandmemClient) Write(ctx context.Context, fd int, data []byte) (int, error) {
	file, err := c.fd(fd)
	if err != nil {
		return 0, err
	}
	file.Mu.Lock()
	defer file.Mu.Unlock()

	if !file.Write {
		return 0, fs_error.New("write", file.FilePath, fs_error.KindPermissionDenied)
	}
	var out ps.WriteResponse
	if err := c.call(ctx, "write", file.FilePath, ps.MsgWrite, ps.WriteRequest{
		Handle: file.Handle, Offset: file.Offset, Data: data,
	}, &out); err != nil {
		return 0, err
	}
	file.Offset += int64(out.Written)
	return out.Written, nil
}

// Seek sets the offset used by the next Read or Write.
func (c *SandmemClient) Seek(fd int, offset int64) error {
	if offset < 0 {
		return fs_error.New("seek", "", fs_error.KindInvalidParam)
	}
	file, err := c.fd(fd)
	if err != nil {
		return err
	}
	file.Mu.Lock()
	file.Offset = offset
	file.Mu.Unlock()
	return nil
}

func (c *SandmemClient) Truncate(ctx context.Context, fd int, length int64) error {
	file, err := c.fd(fd)
	if err != nil {
		return err
	}
	return c.call(ctx, "truncate", file.FilePath, ps.MsgTruncate, ps.TruncateRequest{Handle: file.Handle, Length: length}, nil)
}

// Blocks returns the file's size and the arena offsets of its blocks.
func (c *SandmemClient) Blocks(ctx context.Context, fd int) (ps.BlocksResponse, error) {
	var out ps.BlocksResponse
	file, err := c.fd(fd)
	if err != nil {
		return out, err
	}
	err = c.call(ctx, "getblocks", file.FilePath, ps.MsgGetBlocks, ps.HandleRequest{Handle: file.Handle}, &out)
	return out, err
}

// AllocateBlocks appends enough blocks to hold byteCount bytes.
func (c *SandmemClient) AllocateBlocks(ctx context.Context, fd int, byteCount int64) ([]ps.BlockRef, error) {
	file, err := c.fd(fd)
	if err != nil {
		return nil, err
	}
	var out ps.BlocksResponse
	if err := c.call(ctx, "allocblocks", file.FilePath, ps.MsgAllocBlocks, ps.AllocBlocksRequest{
		Handle: file.Handle, ByteCount: byteCount,
	}, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

func (c *SandmemClient) StatFD(ctx context.Context, fd int) (ns.Attributes, error) {
	var attr ns.Attributes
	file, err := c.fd(fd)
	if err != nil {
		return attr, err
	}
	err = c.call(ctx, "stat", file.FilePath, ps.MsgStatHandle, ps.HandleRequest{Handle: file.Handle}, &attr)
	return attr, err
}

func (c *SandmemClient) Close(ctx context.Context, fd int) error {
	c.TableMu.Lock()
	file := c.OpenFiles[fd]
	delete(c.OpenFiles, fd)
	c.TableMu.Unlock()

	if file == nil {
		return fs_error.New("close", "", fs_error.KindInvalidParam)
	}
	return c.call(ctx, "close", file.FilePath, ps.MsgClose, ps.HandleRequest{Handle: file.Handle}, nil)
}

// --- Namespace ---

func (c *SandmemClient) Mkdir(ctx context.Context, path string, mode uint32) error {
	return c.mkdir(ctx, path, mode, false)
}

func (c *SandmemClient) MkdirAll(ctx context.Context, path string, mode uint32) error {
	return c.mkdir(ctx, path, mode, true)
}

func (c *SandmemClient) mkdir(ctx context.Context, path string, mode uint32, recursive bool) error {
	cleanPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	return c.call(ctx, "mkdir", cleanPath, ps.MsgMkdir, ps.MkdirRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Path: cleanPath, Mode: mode, Recursive: recursive,
	}, nil)
}

func (c *SandmemClient) Rmdir(ctx context.Context, path string) error {
	return c.pathOp(ctx, "rmdir", ps.MsgRmdir, path, nil)
}

func (c *SandmemClient) Unlink(ctx context.Context, path string) error {
	return c.pathOp(ctx, "unlink", ps.MsgUnlink, path, nil)
}

func (c *SandmemClient) Link(ctx context.Context, source, target string) error {
	return c.call(ctx, "link", source, ps.MsgLink, ps.LinkRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Source: source, Target: target,
	}, nil)
}

func (c *SandmemClient) Rename(ctx context.Context, source, target string, flag ns.RenameFlag) error {
	return c.call(ctx, "rename", source, ps.MsgRename, ps.RenameRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Source: source, Target: target, Flag: flag,
	}, nil)
}

func (c *SandmemClient) ReadDir(ctx context.Context, path string) ([]ns.DirEntry, error) {
	var entries []ns.DirEntry
	err := c.pathOp(ctx, "readdir", ps.MsgReadDir, path, &entries)
	return entries, err
}

func (c *SandmemClient) Stat(ctx context.Context, path string) (ns.Attributes, error) {
	var attr ns.Attributes
	err := c.pathOp(ctx, "stat", ps.MsgStat, path, &attr)
	return attr, err
}

func (c *SandmemClient) Resolve(ctx context.Context, path string) (ns.ResolveResult, error) {
	var res ns.ResolveResult
	err := c.pathOp(ctx, "resolve", ps.MsgResolve, path, &res)
	return res, err
}

func (c *SandmemClient) Parents(ctx context.Context, path string) ([]ns.ParentLink, error) {
	var links []ns.ParentLink
	err := c.pathOp(ctx, "parents", ps.MsgParents, path, &links)
	return links, err
}

func (c *SandmemClient) Chmod(ctx context.Context, path string, mode uint32) error {
	return c.call(ctx, "chmod", path, ps.MsgChmod, ps.ChmodRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Path: path, Mode: mode,
	}, nil)
}

func (c *SandmemClient) Chown(ctx context.Context, path string, uid, gid uint32) error {
	return c.call(ctx, "chown", path, ps.MsgChown, ps.ChownRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Path: path, OwnerUID: uid, OwnerGID: gid,
	}, nil)
}

func (c *SandmemClient) SetACL(ctx context.Context, path string, acl ns.ACL) error {
	return c.call(ctx, "setacl", path, ps.MsgSetACL, ps.SetACLRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Path: path, ACL: acl,
	}, nil)
}

func (c *SandmemClient) GetACL(ctx context.Context, path string) (ns.ACL, error) {
	var acl ns.ACL
	err := c.pathOp(ctx, "getacl", ps.MsgGetACL, path, &acl)
	return acl, err
}

func (c *SandmemClient) SetBackupFinished(ctx context.Context, path string, finished bool) error {
	return c.call(ctx, "setbackup", path, ps.MsgSetBackup, ps.SetBackupRequest{
		UID: c.Caller.UID, GID: c.Caller.GID, Path: path, Finished: finished,
	}, nil)
}

// --- Filesystem ---

func (c *SandmemClient) Recycle(ctx context.Context, targetBytes int64) (eviction_service.RecycleResult, error) {
	var out ps.RecycleResponse
	err := c.call(ctx, "recycle", "", ps.MsgRecycle, ps.RecycleRequest{TargetBytes: targetBytes}, &out)
	return eviction_service.RecycleResult{
		Scanned:        out.Scanned,
		Reclaimed:      out.Reclaimed,
		ReclaimedBytes: out.ReclaimedBytes,
	}, err
}

func (c *SandmemClient) FsStat(ctx context.Context) (ns.FileSystemStats, error) {
	var out ns.FileSystemStats
	err := c.call(ctx, "fsstat", "", ps.MsgFsStat, ps.FsStatRequest{}, &out)
	return out, err
}

func (c *SandmemClient) FsInfo(ctx context.Context) (ns.FileSystemInfo, error) {
	var out ns.FileSystemInfo
	err := c.call(ctx, "fsinfo", "", ps.MsgFsInfo, ps.FsInfoRequest{}, &out)
	return out, err
}

func (c *SandmemClient) ArenaInfo(ctx context.Context) (fsvc.ArenaInfo, error) {
	var out fsvc.ArenaInfo
	err := c.call(ctx, "arenainfo", "", ps.MsgArenaInfo, ps.ArenaInfoRequest{}, &out)
	return out, err
}

func (c *SandmemClient) MarkUnserviceable(ctx context.Context, reason string) error {
	return c.call(ctx, "markunserviceable", "", ps.MsgMarkUnserviceable, ps.MarkUnserviceableRequest{Reason: reason}, nil)
}

// --- Plumbing ---

func (c *SandmemClient) addFD(open ps.OpenResponse, path string, write bool) int {
	c.TableMu.Lock()
	defer c.TableMu.Unlock()
	fd := c.nextFD
	c.nextFD++
	c.OpenFiles[fd] = &SandmemFD{
		FD:       fd,
		Handle:   open.Handle,
		InodeID:  open.InodeID,
		FilePath: path,
		Write:    write,
	}
	return fd
}

func (c *SandmemClient) fd(fd int) (*SandmemFD, error) {
	c.TableMu.RLock()
	defer c.TableMu.RUnlock()
	file := c.OpenFiles[fd]
	if file == nil {
		return nil, fs_error.New("fd", fmt.Sprint(fd), fs_error.KindInvalidParam)
	}
	return file, nil
}

func (c *SandmemClient) pathOp(ctx context.Context, op, msgType, path string, out any) error {
	return c.call(ctx, op, path, msgType, ps.PathRequest{UID: c.Caller.UID, GID: c.Caller.GID, Path: path}, out)
}

// call sends payload, converts a failed response into an fs_error and
// decodes a successful body into out when out is non-nil.
func (c *SandmemClient) call(ctx context.Context, op, path, msgType string, payload any, out any) error {
	resp, err := c.send(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if resp.Code != communication.CodeOK {
		return responseError(op, path, resp)
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := cbor.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *SandmemClient) send(ctx context.Context, msgType string, payload any) (*communication.Response, error) {
	if c.Comm == nil {
		return nil, fmt.Errorf("sandmem communicator is nil")
	}
	if c.ServerAddr == "" {
		return nil, fmt.Errorf("sandmem server address is empty")
	}
	return c.Comm.Send(ctx, c.ServerAddr, communication.Message{
		From:    "sandlib",
		Type:    msgType,
		Payload: payload,
	})
}

func normalizePath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fs_error.New("path", path, fs_error.KindInvalidParam)
	}
	cleanPath := pathpkg.Clean(trimmed)
	if !strings.HasPrefix(cleanPath, "/") {
		return "", fs_error.New("path", path, fs_error.KindInvalidParam)
	}
	return cleanPath, nil
}

// responseError restores the server's error kind so errors.Is matches the
// same sentinels callers of the engine see locally.
func responseError(op string, path string, resp *communication.Response) error {
	kind := fs_error.KindFromString(resp.Headers[ps.KindHeader])
	if kind == fs_error.KindUnknown {
		kind = ps.KindForCode(resp.Code)
	}
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		body = string(resp.Code)
	}
	return &fs_error.Error{Op: op, Path: path, Kind: kind, Err: errors.New(body)}
}
