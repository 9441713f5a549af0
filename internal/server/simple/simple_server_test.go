//go:build linux

package simple

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/AnishMulay/sandmem/internal/block_arena"
	"github.com/AnishMulay/sandmem/internal/block_service/arena"
	"github.com/AnishMulay/sandmem/internal/communication"
	"github.com/AnishMulay/sandmem/internal/eviction_service"
	fssimple "github.com/AnishMulay/sandmem/internal/file_service/simple"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	lsinmemory "github.com/AnishMulay/sandmem/internal/log_service/inmemory"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	nsinmemory "github.com/AnishMulay/sandmem/internal/namespace_service/inmemory"
	psinmemory "github.com/AnishMulay/sandmem/internal/permission_service/inmemory"
	ps "github.com/AnishMulay/sandmem/internal/server"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

type fakeComm struct {
	mu      sync.Mutex
	types   map[string]reflect.Type
	handler communication.MessageHandler
	stopped bool
}

func (c *fakeComm) Start(h communication.MessageHandler) error { c.handler = h; return nil }
func (c *fakeComm) Stop() error                                { c.stopped = true; return nil }
func (c *fakeComm) Address() string                            { return "fake" }

func (c *fakeComm) Send(context.Context, string, communication.Message) (*communication.Response, error) {
	return nil, communication.ErrMessageSendFailed
}

func (c *fakeComm) RegisterPayloadType(msgType string, t reflect.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.types == nil {
		c.types = make(map[string]reflect.Type)
	}
	c.types[msgType] = t
}

func (c *fakeComm) call(t *testing.T, msgType string, payload any) *communication.Response {
	t.Helper()
	resp, err := c.handler(context.Background(), communication.Message{From: "test", Type: msgType, Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func newServer(t *testing.T) *fakeComm {
	t.Helper()
	return newServerWith(t, fssimple.Options{})
}

func newServerWith(t *testing.T, opts fssimple.Options) *fakeComm {
	t.Helper()
	logs := lsinmemory.NewInMemoryLogService()
	a, err := block_arena.NewArena(block_arena.Options{BlockCount: 8, BlockSize: 4096, Name: t.Name()}, logs)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	blocks := arena.NewArenaBlockService(a, 1, logs)
	lru := eviction_service.NewLRUList()
	namespace := nsinmemory.NewInMemoryNamespaceService(blocks, lru, psinmemory.NewInMemoryOracle(), logs, nsinmemory.Options{})
	engine := eviction_service.NewEngine(lru, namespace, logs)
	opts.Backoff = time.Millisecond
	opts.Sleep = func(context.Context, time.Duration) error { return nil }
	fs := fssimple.NewSimpleFileService(namespace, blocks, engine, logs, opts)

	comm := &fakeComm{}
	srv := NewSimpleServer(comm, fs, logs)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return comm
}

func decode[T any](t *testing.T, resp *communication.Response) T {
	t.Helper()
	require.Equal(t, communication.CodeOK, resp.Code, string(resp.Body))
	var out T
	require.NoError(t, cbor.Unmarshal(resp.Body, &out))
	return out
}

func TestStart_RegistersEveryPayload(t *testing.T) {
	comm := newServer(t)
	for _, msgType := range []string{
		ps.MsgResolve, ps.MsgCreate, ps.MsgOpen, ps.MsgClose, ps.MsgMkdir, ps.MsgRmdir,
		ps.MsgUnlink, ps.MsgLink, ps.MsgRename, ps.MsgReadDir, ps.MsgTruncate, ps.MsgStat,
		ps.MsgStatHandle, ps.MsgParents, ps.MsgChmod, ps.MsgChown, ps.MsgSetACL, ps.MsgGetACL,
		ps.MsgSetBackup, ps.MsgAllocBlock, ps.MsgAllocBlocks, ps.MsgGetBlocks, ps.MsgRead,
		ps.MsgWrite, ps.MsgRecycle, ps.MsgFsStat, ps.MsgFsInfo, ps.MsgArenaInfo, ps.MsgMarkUnserviceable,
	} {
		require.Contains(t, comm.types, msgType)
	}
}

func TestHandleMessage_FileRoundTrip(t *testing.T) {
	comm := newServer(t)

	decode[ns.InodeID](t, comm.call(t, ps.MsgMkdir, ps.MkdirRequest{Path: "/a/b", Mode: 0o755, Recursive: true}))

	open := decode[ps.OpenResponse](t, comm.call(t, ps.MsgCreate, ps.CreateRequest{Path: "/a/b/f", Mode: 0o644}))
	require.NotZero(t, open.InodeID)

	written := decode[ps.WriteResponse](t, comm.call(t, ps.MsgWrite, ps.WriteRequest{Handle: open.Handle, Data: []byte("hello")}))
	require.Equal(t, 5, written.Written)

	blocks := decode[ps.BlocksResponse](t, comm.call(t, ps.MsgGetBlocks, ps.HandleRequest{Handle: open.Handle}))
	require.Equal(t, int64(5), blocks.Size)
	require.Len(t, blocks.Blocks, 1)
	require.Zero(t, blocks.Blocks[0].Offset%4096)

	resp := comm.call(t, ps.MsgRead, ps.ReadRequest{Handle: open.Handle, Length: 16})
	require.Equal(t, communication.CodeOK, resp.Code)
	require.Equal(t, []byte("hello"), resp.Body)

	require.Equal(t, communication.CodeOK, comm.call(t, ps.MsgClose, ps.HandleRequest{Handle: open.Handle}).Code)

	attr := decode[ns.Attributes](t, comm.call(t, ps.MsgStat, ps.PathRequest{Path: "/a/b/f"}))
	require.Equal(t, int64(5), attr.Size)
	require.Equal(t, ns.TypeFile, attr.Type)

	entries := decode[[]ns.DirEntry](t, comm.call(t, ps.MsgReadDir, ps.PathRequest{Path: "/a/b"}))
	require.Len(t, entries, 1)
	require.Equal(t, "f", entries[0].Name)

	stats := decode[ns.FileSystemStats](t, comm.call(t, ps.MsgFsStat, ps.FsStatRequest{}))
	require.Equal(t, uint64(8), stats.TotalBlocks)
	require.Equal(t, uint64(7), stats.FreeBlocks)
}

func TestHandleMessage_ErrorMapping(t *testing.T) {
	comm := newServer(t)
	decode[ns.InodeID](t, comm.call(t, ps.MsgMkdir, ps.MkdirRequest{Path: "/d/e", Mode: 0o755, Recursive: true}))

	tests := []struct {
		name     string
		msgType  string
		payload  any
		wantCode communication.SandCode
		wantKind fs_error.Kind
	}{
		{"missing path", ps.MsgStat, ps.PathRequest{Path: "/nope"}, communication.CodeNotFound, fs_error.KindNotFound},
		{"existing dir", ps.MsgMkdir, ps.MkdirRequest{Path: "/d", Mode: 0o755}, communication.CodeAlreadyExists, fs_error.KindAlreadyExists},
		{"non-empty dir", ps.MsgRmdir, ps.PathRequest{Path: "/d"}, communication.CodeConflict, fs_error.KindNotEmpty},
		{"unlink dir", ps.MsgUnlink, ps.PathRequest{Path: "/d"}, communication.CodeBadRequest, fs_error.KindIsADirectory},
		{"not root", ps.MsgMkdir, ps.MkdirRequest{UID: 1000, GID: 1000, Path: "/d/x", Mode: 0o755}, communication.CodePermissionDenied, fs_error.KindPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := comm.call(t, tt.msgType, tt.payload)
			require.Equal(t, tt.wantCode, resp.Code)
			require.Equal(t, tt.wantKind.String(), resp.Headers[ps.KindHeader])
		})
	}
}

func TestHandleMessage_UnknownType(t *testing.T) {
	comm := newServer(t)
	resp := comm.call(t, "bogus", nil)
	require.Equal(t, communication.CodeBadRequest, resp.Code)
}

func TestHandleMessage_Unserviceable(t *testing.T) {
	comm := newServer(t)
	require.Equal(t, communication.CodeOK, comm.call(t, ps.MsgMarkUnserviceable, ps.MarkUnserviceableRequest{Reason: "test"}).Code)

	resp := comm.call(t, ps.MsgMkdir, ps.MkdirRequest{Path: "/x", Mode: 0o755})
	require.Equal(t, communication.CodeUnavailable, resp.Code)
	require.Equal(t, fs_error.KindUnserviceable.String(), resp.Headers[ps.KindHeader])
}

// finishedFile creates path holding one block, closes it and marks its
// backup finished.
func finishedFile(t *testing.T, comm *fakeComm, path string) {
	t.Helper()
	open := decode[ps.OpenResponse](t, comm.call(t, ps.MsgCreate, ps.CreateRequest{Path: path, Mode: 0o644}))
	decode[ps.WriteResponse](t, comm.call(t, ps.MsgWrite, ps.WriteRequest{Handle: open.Handle, Data: []byte("x")}))
	require.Equal(t, communication.CodeOK, comm.call(t, ps.MsgClose, ps.HandleRequest{Handle: open.Handle}).Code)
	require.Equal(t, communication.CodeOK, comm.call(t, ps.MsgSetBackup, ps.SetBackupRequest{Path: path, Finished: true}).Code)
}

func TestHandleMessage_RecycleTarget(t *testing.T) {
	tests := []struct {
		name          string
		defaultTarget int64
		requested     int64
		wantReclaimed int
	}{
		{name: "default target bounds an unset request", defaultTarget: 4096, requested: 0, wantReclaimed: 1},
		{name: "explicit target wins", defaultTarget: 4096, requested: 2 * 4096, wantReclaimed: 2},
		{name: "no default reclaims everything", requested: 0, wantReclaimed: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comm := newServerWith(t, fssimple.Options{RecycleTarget: tt.defaultTarget})
			for _, p := range []string{"/a", "/b", "/c"} {
				finishedFile(t, comm, p)
			}

			res := decode[ps.RecycleResponse](t, comm.call(t, ps.MsgRecycle, ps.RecycleRequest{TargetBytes: tt.requested}))
			require.Equal(t, tt.wantReclaimed, res.Reclaimed)
			require.Equal(t, int64(tt.wantReclaimed*4096), res.ReclaimedBytes)
		})
	}
}

func TestHandleMessage_SetBackupRequiresRoot(t *testing.T) {
	comm := newServer(t)
	open := decode[ps.OpenResponse](t, comm.call(t, ps.MsgCreate, ps.CreateRequest{Path: "/f", Mode: 0o666}))
	require.Equal(t, communication.CodeOK, comm.call(t, ps.MsgClose, ps.HandleRequest{Handle: open.Handle}).Code)

	resp := comm.call(t, ps.MsgSetBackup, ps.SetBackupRequest{UID: 1000, GID: 1000, Path: "/f", Finished: true})
	require.Equal(t, communication.CodePermissionDenied, resp.Code)
	require.Equal(t, fs_error.KindPermissionDenied.String(), resp.Headers[ps.KindHeader])

	res := decode[ps.RecycleResponse](t, comm.call(t, ps.MsgRecycle, ps.RecycleRequest{}))
	require.Zero(t, res.Reclaimed, "file stays pinned after a refused backup mark")

	resp = comm.call(t, ps.MsgSetBackup, ps.SetBackupRequest{Path: "/f", Finished: true})
	require.Equal(t, communication.CodeOK, resp.Code)
}
