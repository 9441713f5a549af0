package block_service

import "fmt"

const (
	offsetBits = 56
	offsetMask = (uint64(1) << offsetBits) - 1
)

// BlockHandle packs a 56-bit byte offset from the arena base with an 8-bit
// sub-pool id in the top byte.
type BlockHandle uint64

func NewBlockHandle(poolID uint8, offset uint64) BlockHandle {
	return BlockHandle(uint64(poolID)<<offsetBits | (offset & offsetMask))
}

func (h BlockHandle) PoolID() uint8 { return uint8(uint64(h) >> offsetBits) }

func (h BlockHandle) Offset() uint64 { return uint64(h) & offsetMask }

func (h BlockHandle) String() string {
	return fmt.Sprintf("blk(%d:%#x)", h.PoolID(), h.Offset())
}

type BlockStat struct {
	BlockSize   uint64
	TotalBlocks uint64
	FreeBlocks  uint64
}

type BlockService interface {
	// AllocateOne pops the most recently released block.
	AllocateOne() (BlockHandle, error)
	ReleaseOne(handle BlockHandle) error
	// GetOffset translates a handle into a byte offset inside the shared
	// mapping, suitable for sending to a client that mapped the same fd.
	GetOffset(handle BlockHandle) (uint64, error)
	// ReadAt and WriteAt copy within one block, starting off bytes into it,
	// and stop at the block's end. A fault on the backing pages is returned
	// as an error.
	ReadAt(handle BlockHandle, p []byte, off int64) (int, error)
	WriteAt(handle BlockHandle, p []byte, off int64) (int, error)
	BlockSize() uint64
	Stat() BlockStat
}
