package simple

import (
	"context"
	"errors"
	"time"

	bs "github.com/AnishMulay/sandmem/internal/block_service"
	"github.com/AnishMulay/sandmem/internal/eviction_service"
	fsvc "github.com/AnishMulay/sandmem/internal/file_service"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	"golang.org/x/exp/rand"
)

const (
	DefaultMaxRetries = 5
	DefaultBackoff    = 2 * time.Millisecond
)

// Recycler frees space when the allocator runs dry.
type Recycler interface {
	RecycleInodes(ctx context.Context, targetBytes int64) eviction_service.RecycleResult
}

type Options struct {
	// MaxRetries bounds the recycle-and-retry rounds; zero selects the
	// default and a negative value disables retrying.
	MaxRetries int
	Backoff    time.Duration
	Arena      fsvc.ArenaInfo
	// RecycleTarget replaces a non-positive recycle target. Zero leaves such
	// requests unbounded.
	RecycleTarget int64
	// Sleep waits between allocation attempts. Defaults to a context-aware
	// timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type SimpleFileService struct {
	ns       ns.NamespaceService
	blocks   bs.BlockService
	recycler Recycler
	ls       log_service.LogService

	maxRetries    int
	backoff       time.Duration
	arena         fsvc.ArenaInfo
	recycleTarget int64
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewSimpleFileService(
	namespace ns.NamespaceService,
	blocks bs.BlockService,
	recycler Recycler,
	ls log_service.LogService,
	opts Options,
) *SimpleFileService {
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &SimpleFileService{
		ns:         namespace,
		blocks:     blocks,
		recycler:   recycler,
		ls:         ls,
		maxRetries:    opts.MaxRetries,
		backoff:       opts.Backoff,
		arena:         opts.Arena,
		recycleTarget: opts.RecycleTarget,
		sleep:         opts.Sleep,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Lifecycle ---

func (s *SimpleFileService) Start() error {
	s.ls.Info(log_service.LogEvent{Message: "Starting Simple File Service"})
	if err := s.ns.Start(); err != nil {
		return err
	}
	stat := s.blocks.Stat()
	s.ls.Info(log_service.LogEvent{
		Message: "Configured File Service",
		Metadata: map[string]any{
			"blockSize":  stat.BlockSize,
			"blocks":     stat.TotalBlocks,
			"maxRetries": s.maxRetries,
		},
	})
	return nil
}

func (s *SimpleFileService) Stop() error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping Simple File Service"})
	return s.ns.Stop()
}

// --- Block allocation ---

// allocate obtains n blocks or none. Each round that falls short asks the
// recycler for the missing bytes and, if that was not enough, backs off
// with jitter before the next round.
func (s *SimpleFileService) allocate(ctx context.Context, n int) ([]bs.BlockHandle, error) {
	if n < 0 || uint64(n) > s.blocks.Stat().TotalBlocks {
		return nil, fs_error.New("allocate", "", fs_error.KindAllocFail)
	}
	out := make([]bs.BlockHandle, 0, n)
	blockSize := int64(s.blocks.BlockSize())

	for attempt := 0; ; attempt++ {
		for len(out) < n {
			h, err := s.blocks.AllocateOne()
			if err != nil {
				if !errors.Is(err, fs_error.ErrAllocFail) {
					s.releaseAll(out)
					return nil, err
				}
				break
			}
			out = append(out, h)
		}
		if len(out) == n {
			return out, nil
		}
		if attempt >= s.maxRetries {
			break
		}

		missing := int64(n-len(out)) * blockSize
		res := s.recycler.RecycleInodes(ctx, missing)
		if res.ReclaimedBytes >= missing {
			continue
		}
		delay := s.backoffFor(attempt)
		s.ls.Debug(log_service.LogEvent{
			Message: "Allocation short, backing off",
			Metadata: map[string]any{
				"attempt":        attempt + 1,
				"missingBytes":   missing,
				"reclaimedBytes": res.ReclaimedBytes,
				"delay":          delay.String(),
			},
		})
		if err := s.sleep(ctx, delay); err != nil {
			s.releaseAll(out)
			return nil, fs_error.Wrap("allocate", "", err)
		}
	}

	s.releaseAll(out)
	s.ls.Warn(log_service.LogEvent{
		Message:  "Block allocation failed after retries",
		Metadata: map[string]any{"blocks": n, "retries": s.maxRetries},
	})
	return nil, fs_error.New("allocate", "", fs_error.KindAllocFail)
}

// backoffFor doubles the base delay per attempt and adds up to one base
// delay of jitter.
func (s *SimpleFileService) backoffFor(attempt int) time.Duration {
	d := s.backoff << uint(attempt)
	return d + time.Duration(rand.Int63n(int64(s.backoff)))
}

func (s *SimpleFileService) releaseAll(blocks []bs.BlockHandle) {
	for _, h := range blocks {
		if err := s.blocks.ReleaseOne(h); err != nil {
			s.ls.Error(log_service.LogEvent{
				Message:  "Failed to release block",
				Metadata: map[string]any{"block": h.String(), "error": err.Error()},
			})
		}
	}
}

// capacityBytes is the largest size a file can reach: the whole arena.
func (s *SimpleFileService) capacityBytes() int64 {
	stat := s.blocks.Stat()
	return int64(stat.TotalBlocks * stat.BlockSize)
}

// blocksFor returns how many blocks hold size bytes. Counts the arena could
// never satisfy fail with AllocFail.
func (s *SimpleFileService) blocksFor(op string, handle ns.OpenHandle, size int64) (int, error) {
	if size < 0 {
		return 0, fs_error.New(op, handle.String(), fs_error.KindInvalidParam)
	}
	blockSize := int64(s.blocks.BlockSize())
	n := size / blockSize
	if size%blockSize != 0 {
		n++
	}
	if uint64(n) > s.blocks.Stat().TotalBlocks {
		return 0, fs_error.New(op, handle.String(), fs_error.KindAllocFail)
	}
	return int(n), nil
}

// allocateZeroed allocates n blocks and clears them.
func (s *SimpleFileService) allocateZeroed(ctx context.Context, n int) ([]bs.BlockHandle, error) {
	blocks, err := s.allocate(ctx, n)
	if err != nil {
		return nil, err
	}
	zero := make([]byte, s.blocks.BlockSize())
	for _, h := range blocks {
		if _, err := s.blocks.WriteAt(h, zero, 0); err != nil {
			s.releaseAll(blocks)
			return nil, err
		}
	}
	return blocks, nil
}

// attach allocates n blocks and appends them to the file behind handle.
func (s *SimpleFileService) attach(ctx context.Context, handle ns.OpenHandle, n int) ([]bs.BlockHandle, error) {
	info, err := s.ns.HandleInfo(ctx, handle)
	if err != nil {
		return nil, err
	}
	if info.ReadOnly {
		return nil, fs_error.New("allocate", handle.String(), fs_error.KindPermissionDenied)
	}
	if n == 0 {
		return nil, nil
	}

	blocks, err := s.allocateZeroed(ctx, n)
	if err != nil {
		return nil, err
	}
	if err := s.ns.AppendFileDataBlocks(ctx, handle, blocks); err != nil {
		s.releaseAll(blocks)
		return nil, err
	}
	return blocks, nil
}

func (s *SimpleFileService) AllocateBlock(ctx context.Context, handle ns.OpenHandle) (bs.BlockHandle, error) {
	blocks, err := s.attach(ctx, handle, 1)
	if err != nil {
		return 0, err
	}
	return blocks[0], nil
}

func (s *SimpleFileService) AllocateBlocks(ctx context.Context, handle ns.OpenHandle, byteCount int64) ([]bs.BlockHandle, error) {
	n, err := s.blocksFor("allocate", handle, byteCount)
	if err != nil {
		return nil, err
	}
	return s.attach(ctx, handle, n)
}

func (s *SimpleFileService) GetBlocks(ctx context.Context, handle ns.OpenHandle) (ns.FileBlocks, error) {
	return s.ns.GetFileDataBlocks(ctx, handle)
}

func (s *SimpleFileService) BlockOffset(block bs.BlockHandle) (uint64, error) {
	return s.blocks.GetOffset(block)
}

// --- Data ---

// ReadAt returns at most length bytes, never more than the arena holds.
func (s *SimpleFileService) ReadAt(ctx context.Context, handle ns.OpenHandle, offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fs_error.New("read", handle.String(), fs_error.KindInvalidParam)
	}
	if limit := s.capacityBytes(); int64(length) > limit {
		length = int(limit)
	}

	var out []byte
	err := s.ns.ViewFileData(ctx, handle, func(file ns.FileBlocks) error {
		if offset >= file.Size {
			out = []byte{}
			return nil
		}
		n := length
		if rest := file.Size - offset; int64(n) > rest {
			n = int(rest)
		}
		buf := make([]byte, n)
		if err := s.copyBlocks(file.Blocks, offset, buf, false); err != nil {
			return fs_error.Wrap("read", handle.String(), err)
		}
		out = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// errShortBlocks means the file lost blocks between sizing a write and
// applying it.
var errShortBlocks = errors.New("write needs more blocks")

const maxWriteAttempts = 3

// WriteAt allocates the missing blocks first, then copies with the handle
// held so a concurrent close cannot release the blocks mid-copy.
func (s *SimpleFileService) WriteAt(ctx context.Context, handle ns.OpenHandle, offset int64, data []byte) (int, error) {
	end := offset + int64(len(data))
	if offset < 0 || end < offset {
		return 0, fs_error.New("write", handle.String(), fs_error.KindInvalidParam)
	}
	info, err := s.ns.HandleInfo(ctx, handle)
	if err != nil {
		return 0, err
	}
	if info.ReadOnly {
		return 0, fs_error.New("write", handle.String(), fs_error.KindPermissionDenied)
	}
	if len(data) == 0 {
		return 0, nil
	}
	want, err := s.blocksFor("write", handle, end)
	if err != nil {
		return 0, err
	}
	s.ls.Debug(log_service.LogEvent{
		Message:  "Write Request",
		Metadata: map[string]any{"handle": int64(handle), "offset": offset, "len": len(data)},
	})

	var spare []bs.BlockHandle
	defer func() { s.releaseAll(spare) }()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		have := 0
		if err := s.ns.ViewFileData(ctx, handle, func(file ns.FileBlocks) error {
			have = len(file.Blocks)
			return nil
		}); err != nil {
			return 0, err
		}
		if need := want - have - len(spare); need > 0 {
			more, err := s.allocateZeroed(ctx, need)
			if err != nil {
				return 0, err
			}
			spare = append(spare, more...)
		}

		used := 0
		err := s.ns.UpdateFileData(ctx, handle, func(file *ns.FileBlocks) error {
			short := want - len(file.Blocks)
			if short > len(spare) {
				return errShortBlocks
			}
			if short > 0 {
				file.Blocks = append(file.Blocks, spare[:short]...)
				used = short
			}
			// bytes between the old end and offset may hold stale data
			if offset > file.Size {
				if err := s.zeroRange(file.Blocks, file.Size, offset); err != nil {
					return fs_error.Wrap("write", handle.String(), err)
				}
			}
			if err := s.copyBlocks(file.Blocks, offset, data, true); err != nil {
				return fs_error.Wrap("write", handle.String(), err)
			}
			if end > file.Size {
				file.Size = end
			}
			return nil
		})
		if errors.Is(err, errShortBlocks) {
			continue
		}
		if err != nil {
			return 0, err
		}
		spare = spare[used:]
		return len(data), nil
	}
	return 0, fs_error.New("write", handle.String(), fs_error.KindBusy)
}

// copyBlocks moves buf to (write) or from the file region starting at
// offset. Reads past the last block yield zeros.
func (s *SimpleFileService) copyBlocks(blocks []bs.BlockHandle, offset int64, buf []byte, write bool) error {
	blockSize := int64(s.blocks.BlockSize())
	done := 0
	for done < len(buf) {
		pos := offset + int64(done)
		idx := pos / blockSize
		if idx >= int64(len(blocks)) {
			if write {
				return fs_error.New("copy", "", fs_error.KindInternal)
			}
			// a truncate may extend the size past the allocated blocks
			clear(buf[done:])
			return nil
		}
		var n int
		var err error
		if write {
			n, err = s.blocks.WriteAt(blocks[idx], buf[done:], pos-idx*blockSize)
		} else {
			n, err = s.blocks.ReadAt(blocks[idx], buf[done:], pos-idx*blockSize)
		}
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

// zeroRange clears [from, to) one block-sized chunk at a time.
func (s *SimpleFileService) zeroRange(blocks []bs.BlockHandle, from, to int64) error {
	zero := make([]byte, min(to-from, int64(s.blocks.BlockSize())))
	for pos := from; pos < to; pos += int64(len(zero)) {
		if rest := to - pos; rest < int64(len(zero)) {
			zero = zero[:rest]
		}
		if err := s.copyBlocks(blocks, pos, zero, true); err != nil {
			return err
		}
	}
	return nil
}

// --- Delegated namespace operations ---

func (s *SimpleFileService) Create(ctx context.Context, caller ns.Caller, path string, mode uint32) (ns.OpenHandle, ns.InodeID, error) {
	return s.ns.Create(ctx, caller, path, mode)
}

func (s *SimpleFileService) Open(ctx context.Context, caller ns.Caller, path string) (ns.OpenHandle, ns.InodeID, error) {
	return s.ns.Open(ctx, caller, path)
}

func (s *SimpleFileService) OpenWrite(ctx context.Context, caller ns.Caller, path string) (ns.OpenHandle, ns.InodeID, error) {
	return s.ns.OpenWrite(ctx, caller, path)
}

func (s *SimpleFileService) Close(ctx context.Context, handle ns.OpenHandle) error {
	return s.ns.Close(ctx, handle)
}

func (s *SimpleFileService) Resolve(ctx context.Context, caller ns.Caller, path string) (ns.ResolveResult, error) {
	return s.ns.Resolve(ctx, caller, path)
}

func (s *SimpleFileService) MakeDirectory(ctx context.Context, caller ns.Caller, path string, mode uint32, recursive bool) (ns.InodeID, error) {
	return s.ns.MakeDirectory(ctx, caller, path, mode, recursive)
}

func (s *SimpleFileService) RemoveDirectory(ctx context.Context, caller ns.Caller, path string) error {
	return s.ns.RemoveDirectory(ctx, caller, path)
}

func (s *SimpleFileService) RemoveFile(ctx context.Context, caller ns.Caller, path string) error {
	return s.ns.RemoveFile(ctx, caller, path)
}

func (s *SimpleFileService) LinkFile(ctx context.Context, caller ns.Caller, source, target string) error {
	return s.ns.LinkFile(ctx, caller, source, target)
}

func (s *SimpleFileService) Rename(ctx context.Context, caller ns.Caller, source, target string, flag ns.RenameFlag) error {
	return s.ns.Rename(ctx, caller, source, target, flag)
}

func (s *SimpleFileService) ListDirectory(ctx context.Context, caller ns.Caller, path string) ([]ns.DirEntry, error) {
	return s.ns.ListDirectory(ctx, caller, path)
}

func (s *SimpleFileService) Stat(ctx context.Context, caller ns.Caller, path string) (ns.Attributes, error) {
	return s.ns.GetMeta(ctx, caller, path)
}

func (s *SimpleFileService) StatHandle(ctx context.Context, handle ns.OpenHandle) (ns.Attributes, error) {
	return s.ns.GetMetaByHandle(ctx, handle)
}

func (s *SimpleFileService) GetParents(ctx context.Context, caller ns.Caller, path string) ([]ns.ParentLink, error) {
	return s.ns.GetParents(ctx, caller, path)
}

func (s *SimpleFileService) Chmod(ctx context.Context, caller ns.Caller, path string, mode uint32) error {
	return s.ns.Chmod(ctx, caller, path, mode)
}

func (s *SimpleFileService) Chown(ctx context.Context, caller ns.Caller, path string, uid, gid uint32) error {
	return s.ns.Chown(ctx, caller, path, uid, gid)
}

func (s *SimpleFileService) SetACL(ctx context.Context, caller ns.Caller, path string, acl ns.ACL) error {
	return s.ns.SetACL(ctx, caller, path, acl)
}

func (s *SimpleFileService) GetACL(ctx context.Context, caller ns.Caller, path string) (ns.ACL, error) {
	return s.ns.GetACL(ctx, caller, path)
}

func (s *SimpleFileService) SetBackupFinished(ctx context.Context, path string, finished bool) error {
	return s.ns.SetBackupFinished(ctx, path, finished)
}

// Truncate rejects sizes larger than the arena.
func (s *SimpleFileService) Truncate(ctx context.Context, handle ns.OpenHandle, length int64) error {
	if length > s.capacityBytes() {
		return fs_error.New("truncate", handle.String(), fs_error.KindInvalidParam)
	}
	return s.ns.TruncateFile(ctx, handle, length)
}

// Recycle falls back to the configured target when targetBytes is not
// positive.
func (s *SimpleFileService) Recycle(ctx context.Context, targetBytes int64) eviction_service.RecycleResult {
	if targetBytes <= 0 {
		targetBytes = s.recycleTarget
	}
	return s.recycler.RecycleInodes(ctx, targetBytes)
}

func (s *SimpleFileService) FsStat(ctx context.Context) (ns.FileSystemStats, error) {
	return s.ns.GetFileSystemStat(ctx)
}

func (s *SimpleFileService) FsInfo(ctx context.Context) (ns.FileSystemInfo, error) {
	return s.ns.GetFsInfo(ctx)
}

func (s *SimpleFileService) Arena() fsvc.ArenaInfo { return s.arena }

func (s *SimpleFileService) MarkUnserviceable(reason string) {
	s.ns.MarkUnserviceable(reason)
}

var _ fsvc.FileService = (*SimpleFileService)(nil)
