//go:build linux

package arena

import (
	"github.com/AnishMulay/sandmem/internal/block_arena"
	bs "github.com/AnishMulay/sandmem/internal/block_service"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
)

const noBlock = ^uint64(0)

// ArenaBlockService hands out fixed-size blocks of an Arena. The free list is
// index based: next[i] is the block after i while i is free.
type ArenaBlockService struct {
	arena  *block_arena.Arena
	poolID uint8
	ls     log_service.LogService

	lock  spinLock
	next  []uint64
	inUse []bool
	head  uint64
	free  uint64
}

func NewArenaBlockService(arena *block_arena.Arena, poolID uint8, ls log_service.LogService) *ArenaBlockService {
	count := arena.BlockCount()
	s := &ArenaBlockService{
		arena:  arena,
		poolID: poolID,
		ls:     ls,
		next:   make([]uint64, count),
		inUse:  make([]bool, count),
		head:   0,
		free:   count,
	}
	for i := uint64(0); i < count; i++ {
		s.next[i] = i + 1
	}
	s.next[count-1] = noBlock
	return s
}

func (s *ArenaBlockService) AllocateOne() (bs.BlockHandle, error) {
	if s.arena == nil {
		return 0, fs_error.New("allocate block", "", fs_error.KindNotInitialized)
	}

	s.lock.Lock()
	index := s.head
	if index == noBlock {
		s.lock.Unlock()
		s.ls.Warn(log_service.LogEvent{
			Message:  "Block arena exhausted",
			Metadata: map[string]any{"arena": s.arena.Name(), "blocks": s.arena.BlockCount()},
		})
		return 0, fs_error.New("allocate block", "", fs_error.KindAllocFail)
	}
	s.head = s.next[index]
	s.next[index] = noBlock
	s.inUse[index] = true
	s.free--
	s.lock.Unlock()

	return bs.NewBlockHandle(s.poolID, index*s.arena.BlockSize()), nil
}

func (s *ArenaBlockService) index(handle bs.BlockHandle) (uint64, error) {
	if s.arena == nil {
		return 0, fs_error.New("block handle", handle.String(), fs_error.KindNotInitialized)
	}
	if handle.PoolID() != s.poolID {
		return 0, fs_error.New("block handle", handle.String(), fs_error.KindInvalidParam)
	}
	offset := handle.Offset()
	size := s.arena.BlockSize()
	if offset%size != 0 || offset/size >= s.arena.BlockCount() {
		return 0, fs_error.New("block handle", handle.String(), fs_error.KindInvalidParam)
	}
	return offset / size, nil
}

// ReleaseOne pushes the block onto the head of the free list so that it is
// the next one handed out.
func (s *ArenaBlockService) ReleaseOne(handle bs.BlockHandle) error {
	index, err := s.index(handle)
	if err != nil {
		return err
	}

	s.lock.Lock()
	if !s.inUse[index] {
		s.lock.Unlock()
		return fs_error.New("release block", handle.String(), fs_error.KindInvalidParam)
	}
	s.inUse[index] = false
	s.next[index] = s.head
	s.head = index
	s.free++
	s.lock.Unlock()
	return nil
}

func (s *ArenaBlockService) GetOffset(handle bs.BlockHandle) (uint64, error) {
	index, err := s.index(handle)
	if err != nil {
		return 0, err
	}
	return index * s.arena.BlockSize(), nil
}

// span returns the arena offset of byte off inside the block and clips p
// to the block's end.
func (s *ArenaBlockService) span(handle bs.BlockHandle, p []byte, off int64) (int64, []byte, error) {
	index, err := s.index(handle)
	if err != nil {
		return 0, nil, err
	}
	size := int64(s.arena.BlockSize())
	if off < 0 || off >= size {
		return 0, nil, fs_error.New("block copy", handle.String(), fs_error.KindInvalidParam)
	}
	if rest := size - off; int64(len(p)) > rest {
		p = p[:rest]
	}
	return int64(index)*size + off, p, nil
}

func (s *ArenaBlockService) ReadAt(handle bs.BlockHandle, p []byte, off int64) (int, error) {
	pos, p, err := s.span(handle, p, off)
	if err != nil {
		return 0, err
	}
	return s.arena.ReadAt(p, pos)
}

func (s *ArenaBlockService) WriteAt(handle bs.BlockHandle, p []byte, off int64) (int, error) {
	pos, p, err := s.span(handle, p, off)
	if err != nil {
		return 0, err
	}
	return s.arena.WriteAt(p, pos)
}

func (s *ArenaBlockService) BlockSize() uint64 {
	return s.arena.BlockSize()
}

func (s *ArenaBlockService) Stat() bs.BlockStat {
	s.lock.Lock()
	free := s.free
	s.lock.Unlock()
	return bs.BlockStat{
		BlockSize:   s.arena.BlockSize(),
		TotalBlocks: s.arena.BlockCount(),
		FreeBlocks:  free,
	}
}

var _ bs.BlockService = (*ArenaBlockService)(nil)
