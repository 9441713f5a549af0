//go:build linux

package inmemory

import (
	"context"
	"testing"

	"github.com/AnishMulay/sandmem/internal/block_arena"
	"github.com/AnishMulay/sandmem/internal/block_service/arena"
	"github.com/AnishMulay/sandmem/internal/eviction_service"
	lsinmemory "github.com/AnishMulay/sandmem/internal/log_service/inmemory"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	psinmemory "github.com/AnishMulay/sandmem/internal/permission_service/inmemory"
	"github.com/stretchr/testify/require"
)

const (
	testBlocks    = 16
	testBlockSize = 4096
)

var (
	alice = ns.Caller{UID: 1000, GID: 1000}
	bob   = ns.Caller{UID: 1001, GID: 1001}
)

type fixture struct {
	svc    *InMemoryNamespaceService
	blocks *arena.ArenaBlockService
	engine *eviction_service.Engine
	oracle *psinmemory.InMemoryOracle
	logs   *lsinmemory.InMemoryLogService
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logs := lsinmemory.NewInMemoryLogService()
	a, err := block_arena.NewArena(block_arena.Options{
		BlockCount: testBlocks,
		BlockSize:  testBlockSize,
		Name:       t.Name(),
	}, logs)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	oracle := psinmemory.NewInMemoryOracle()
	oracle.AddUser(alice.UID, alice.GID)
	oracle.AddUser(bob.UID, bob.GID)
	oracle.AddGroup(alice.GID, alice.UID)
	oracle.AddGroup(bob.GID, bob.UID)
	oracle.AddGroup(2000, alice.UID, bob.UID)

	blocks := arena.NewArenaBlockService(a, 1, logs)
	lru := eviction_service.NewLRUList()
	svc := NewInMemoryNamespaceService(blocks, lru, oracle, logs, opts)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { svc.Stop() })

	return &fixture{
		svc:    svc,
		blocks: blocks,
		engine: eviction_service.NewEngine(lru, svc, logs),
		oracle: oracle,
		logs:   logs,
	}
}

// createClosed makes a regular file and closes its write handle.
func (f *fixture) createClosed(t *testing.T, caller ns.Caller, path string) ns.InodeID {
	t.Helper()
	ctx := context.Background()
	h, id, err := f.svc.Create(ctx, caller, path, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(ctx, h))
	return id
}

func (f *fixture) mkdir(t *testing.T, caller ns.Caller, path string, mode uint32) ns.InodeID {
	t.Helper()
	id, err := f.svc.MakeDirectory(context.Background(), caller, path, mode, false)
	require.NoError(t, err)
	return id
}

func (f *fixture) resolve(t *testing.T, path string) ns.InodeID {
	t.Helper()
	res, err := f.svc.Resolve(context.Background(), ns.Root, path)
	require.NoError(t, err)
	return res.InodeID
}
