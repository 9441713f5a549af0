//go:build linux

package simple

import (
	"bytes"
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/AnishMulay/sandmem/internal/block_arena"
	"github.com/AnishMulay/sandmem/internal/block_service/arena"
	"github.com/AnishMulay/sandmem/internal/eviction_service"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
	lsinmemory "github.com/AnishMulay/sandmem/internal/log_service/inmemory"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	nsinmemory "github.com/AnishMulay/sandmem/internal/namespace_service/inmemory"
	psinmemory "github.com/AnishMulay/sandmem/internal/permission_service/inmemory"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	testBlocks    = 8
	testBlockSize = 4096
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return r.err
}

type fixture struct {
	svc    *SimpleFileService
	blocks *arena.ArenaBlockService
	sleeps *sleepRecorder
	logs   *lsinmemory.InMemoryLogService
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	logs := lsinmemory.NewInMemoryLogService()
	a, err := block_arena.NewArena(block_arena.Options{
		BlockCount: testBlocks,
		BlockSize:  testBlockSize,
		Name:       t.Name(),
	}, logs)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	blocks := arena.NewArenaBlockService(a, 1, logs)
	lru := eviction_service.NewLRUList()
	namespace := nsinmemory.NewInMemoryNamespaceService(blocks, lru, psinmemory.NewInMemoryOracle(), logs, nsinmemory.Options{})
	engine := eviction_service.NewEngine(lru, namespace, logs)

	sleeps := &sleepRecorder{}
	svc := NewSimpleFileService(namespace, blocks, engine, logs, Options{
		MaxRetries: maxRetries,
		Backoff:    time.Millisecond,
		Sleep:      sleeps.sleep,
	})
	require.NoError(t, svc.Start())
	t.Cleanup(func() { svc.Stop() })
	return &fixture{svc: svc, blocks: blocks, sleeps: sleeps, logs: logs}
}

// fill creates path holding n blocks and closes it.
func (f *fixture) fill(t *testing.T, path string, n int, backupFinished bool) {
	t.Helper()
	ctx := context.Background()
	h, _, err := f.svc.Create(ctx, ns.Root, path, 0o644)
	require.NoError(t, err)
	_, err = f.svc.AllocateBlocks(ctx, h, int64(n*testBlockSize))
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(ctx, h))
	if backupFinished {
		require.NoError(t, f.svc.SetBackupFinished(ctx, path, true))
	}
}

func TestReadWriteAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	h, _, err := f.svc.Create(ctx, ns.Root, "/data", 0o644)
	require.NoError(t, err)

	payload := make([]byte, testBlockSize+100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	n, err := f.svc.WriteAt(ctx, h, 50, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	attrs, err := f.svc.StatHandle(ctx, h)
	require.NoError(t, err)
	require.Equal(t, int64(50+len(payload)), attrs.Size)
	require.Equal(t, 2, attrs.Blocks)
	require.NoError(t, f.svc.Close(ctx, h))

	r, _, err := f.svc.Open(ctx, ns.Root, "/data")
	require.NoError(t, err)
	defer f.svc.Close(ctx, r)

	tests := []struct {
		name   string
		offset int64
		length int
		want   []byte
	}{
		{name: "leading gap reads zero", offset: 0, length: 50, want: make([]byte, 50)},
		{name: "across block boundary", offset: 50, length: len(payload), want: payload},
		{name: "clamped at size", offset: int64(40 + len(payload)), length: 100, want: payload[len(payload)-10:]},
		{name: "past end", offset: 1 << 20, length: 10, want: []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.ReadAt(ctx, r, tt.offset, tt.length)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err = f.svc.WriteAt(ctx, r, 0, []byte("x"))
	require.ErrorIs(t, err, fs_error.ErrPermissionDenied)
	_, err = f.svc.AllocateBlock(ctx, r)
	require.ErrorIs(t, err, fs_error.ErrPermissionDenied)
	_, err = f.svc.ReadAt(ctx, r, -1, 1)
	require.ErrorIs(t, err, fs_error.ErrInvalidParam)
}

func TestWriteAt_ZeroesGapAfterTruncate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	h, _, err := f.svc.Create(ctx, ns.Root, "/data", 0o644)
	require.NoError(t, err)

	_, err = f.svc.WriteAt(ctx, h, 0, []byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Truncate(ctx, h, 2))
	_, err = f.svc.WriteAt(ctx, h, 4, []byte("xy"))
	require.NoError(t, err)

	got, err := f.svc.ReadAt(ctx, h, 0, 100)
	require.NoError(t, err)
	require.Equal(t, []byte("ab\x00\x00xy"), got)
	require.NoError(t, f.svc.Close(ctx, h))
}

func TestTruncate_ShrinkThenGrowReadsZeros(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	h, _, err := f.svc.Create(ctx, ns.Root, "/data", 0o644)
	require.NoError(t, err)
	defer f.svc.Close(ctx, h)

	_, err = f.svc.WriteAt(ctx, h, 0, []byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Truncate(ctx, h, 3))
	require.NoError(t, f.svc.Truncate(ctx, h, 2*testBlockSize))

	got, err := f.svc.ReadAt(ctx, h, 0, 2*testBlockSize)
	require.NoError(t, err)
	want := make([]byte, 2*testBlockSize)
	copy(want, "abc")
	require.Equal(t, want, got)
}

func TestAllocateBlocks(t *testing.T) {
	tests := []struct {
		name       string
		byteCount  int64
		wantBlocks int
		wantErr    error
	}{
		{name: "zero bytes", byteCount: 0, wantBlocks: 0},
		{name: "one byte", byteCount: 1, wantBlocks: 1},
		{name: "exact blocks", byteCount: 2 * testBlockSize, wantBlocks: 2},
		{name: "partial block rounds up", byteCount: 2*testBlockSize + 1, wantBlocks: 3},
		{name: "negative", byteCount: -1, wantErr: fs_error.ErrInvalidParam},
		{name: "larger than arena", byteCount: testBlocks*testBlockSize + 1, wantErr: fs_error.ErrAllocFail},
		{name: "huge", byteCount: 1 << 62, wantErr: fs_error.ErrAllocFail},
		{name: "max int64", byteCount: math.MaxInt64, wantErr: fs_error.ErrAllocFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, 0)
			h, _, err := f.svc.Create(ctx, ns.Root, "/data", 0o644)
			require.NoError(t, err)

			got, err := f.svc.AllocateBlocks(ctx, h, tt.byteCount)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, tt.wantBlocks)

			file, err := f.svc.GetBlocks(ctx, h)
			require.NoError(t, err)
			require.Len(t, file.Blocks, tt.wantBlocks)
			for _, b := range got {
				off, err := f.svc.BlockOffset(b)
				require.NoError(t, err)
				require.Zero(t, off%testBlockSize)
				require.Less(t, off, uint64(testBlocks*testBlockSize))
			}
		})
	}
}

func TestAllocateBlocks_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.fill(t, "/pinned", 6, false)

	h, _, err := f.svc.Create(ctx, ns.Root, "/new", 0o644)
	require.NoError(t, err)
	_, err = f.svc.AllocateBlocks(ctx, h, 3*testBlockSize)
	require.ErrorIs(t, err, fs_error.ErrAllocFail)

	require.Equal(t, uint64(2), f.blocks.Stat().FreeBlocks, "partial allocation is returned")
	file, err := f.svc.GetBlocks(ctx, h)
	require.NoError(t, err)
	require.Empty(t, file.Blocks)
	require.Len(t, f.sleeps.delays, 3)
	for i, d := range f.sleeps.delays {
		base := time.Millisecond << uint(i)
		require.GreaterOrEqual(t, d, base)
		require.Less(t, d, base+time.Millisecond)
	}
	require.True(t, f.logs.Has(log_service.WarnLevel, "Block allocation failed after retries"))
}

func TestAllocateBlocks_RecyclesFinishedFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.fill(t, "/old", 6, true)

	h, _, err := f.svc.Create(ctx, ns.Root, "/new", 0o644)
	require.NoError(t, err)
	got, err := f.svc.AllocateBlocks(ctx, h, 4*testBlockSize)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Empty(t, f.sleeps.delays, "recycling freed enough without backing off")

	_, err = f.svc.Resolve(ctx, ns.Root, "/old")
	require.ErrorIs(t, err, fs_error.ErrNotFound)
	require.Equal(t, uint64(4), f.blocks.Stat().FreeBlocks)
}

func TestAllocateBlocks_SleepErrorAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.sleeps.err = context.Canceled
	f.fill(t, "/pinned", testBlocks, false)

	h, _, err := f.svc.Create(ctx, ns.Root, "/new", 0o644)
	require.NoError(t, err)
	_, err = f.svc.AllocateBlock(ctx, h)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, f.sleeps.delays, 1)
}

func TestAllocateBlocks_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, -1)

	var g errgroup.Group
	for i := 0; i < testBlocks/2; i++ {
		path := "/f" + string(rune('a'+i))
		g.Go(func() error {
			h, _, err := f.svc.Create(ctx, ns.Root, path, 0o644)
			if err != nil {
				return err
			}
			if _, err := f.svc.AllocateBlocks(ctx, h, 2*testBlockSize); err != nil {
				return err
			}
			return f.svc.Close(ctx, h)
		})
	}
	require.NoError(t, g.Wait())
	require.Zero(t, f.blocks.Stat().FreeBlocks)

	stat, err := f.svc.FsStat(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1+testBlocks/2), stat.UsedInodes)
	require.Zero(t, stat.OpenHandles)
}

func TestDataPath_OversizedRequests(t *testing.T) {
	capacity := int64(testBlocks * testBlockSize)
	tests := []struct {
		name    string
		run     func(ctx context.Context, svc *SimpleFileService, h ns.OpenHandle) error
		wantErr error
	}{
		{
			name: "write at huge offset",
			run: func(ctx context.Context, svc *SimpleFileService, h ns.OpenHandle) error {
				_, err := svc.WriteAt(ctx, h, 1<<60, []byte{1})
				return err
			},
			wantErr: fs_error.ErrAllocFail,
		},
		{
			name: "write end overflows",
			run: func(ctx context.Context, svc *SimpleFileService, h ns.OpenHandle) error {
				_, err := svc.WriteAt(ctx, h, math.MaxInt64, []byte{1, 2})
				return err
			},
			wantErr: fs_error.ErrInvalidParam,
		},
		{
			name: "write ending at arena end",
			run: func(ctx context.Context, svc *SimpleFileService, h ns.OpenHandle) error {
				_, err := svc.WriteAt(ctx, h, capacity-1, []byte{1})
				return err
			},
		},
		{
			name: "truncate past arena",
			run: func(ctx context.Context, svc *SimpleFileService, h ns.OpenHandle) error {
				return svc.Truncate(ctx, h, math.MaxInt64)
			},
			wantErr: fs_error.ErrInvalidParam,
		},
		{
			name: "read at max offset",
			run: func(ctx context.Context, svc *SimpleFileService, h ns.OpenHandle) error {
				got, err := svc.ReadAt(ctx, h, math.MaxInt64, math.MaxInt)
				if err == nil && len(got) != 0 {
					t.Errorf("ReadAt() returned %d bytes past end", len(got))
				}
				return err
			},
		},
		{
			name: "huge read is capped at file size",
			run: func(ctx context.Context, svc *SimpleFileService, h ns.OpenHandle) error {
				if err := svc.Truncate(ctx, h, capacity); err != nil {
					return err
				}
				got, err := svc.ReadAt(ctx, h, 0, math.MaxInt)
				if err == nil && int64(len(got)) != capacity {
					t.Errorf("ReadAt() returned %d bytes, want %d", len(got), capacity)
				}
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, -1)
			h, _, err := f.svc.Create(ctx, ns.Root, "/data", 0o644)
			require.NoError(t, err)
			defer f.svc.Close(ctx, h)

			err = tt.run(ctx, f.svc, h)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				file, err := f.svc.GetBlocks(ctx, h)
				require.NoError(t, err)
				require.Empty(t, file.Blocks)
				require.Equal(t, uint64(testBlocks), f.blocks.Stat().FreeBlocks)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestWriteAt_CloseDuringWriteKeepsOtherFilesIntact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	victim, _, err := f.svc.Create(ctx, ns.Root, "/victim", 0o644)
	require.NoError(t, err)
	defer f.svc.Close(ctx, victim)

	mine := bytes.Repeat([]byte("a"), 2*testBlockSize)
	theirs := bytes.Repeat([]byte("v"), 2*testBlockSize)

	for i := 0; i < 50; i++ {
		path := "/writer" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		h, _, err := f.svc.Create(ctx, ns.Root, path, 0o644)
		require.NoError(t, err)
		require.NoError(t, f.svc.SetBackupFinished(ctx, path, true))

		var g errgroup.Group
		g.Go(func() error {
			for n := 0; n < 1000; n++ {
				if _, err := f.svc.WriteAt(ctx, h, 0, mine); err != nil {
					if fs_error.KindOf(err) == fs_error.KindInvalidParam {
						return nil
					}
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			if err := f.svc.Truncate(ctx, victim, 0); err != nil {
				return err
			}
			if err := f.svc.Close(ctx, h); err != nil {
				return err
			}
			f.svc.Recycle(ctx, 0)
			_, err := f.svc.WriteAt(ctx, victim, 0, theirs)
			return err
		})
		require.NoError(t, g.Wait())

		got, err := f.svc.ReadAt(ctx, victim, 0, len(theirs))
		require.NoError(t, err)
		require.True(t, bytes.Equal(theirs, got), "iteration %d: victim contents changed", i)

		if err := f.svc.RemoveFile(ctx, ns.Root, path); err != nil {
			require.ErrorIs(t, err, fs_error.ErrNotFound)
		}
	}
}
