package inmemory

import (
	"context"

	bs "github.com/AnishMulay/sandmem/internal/block_service"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

// withHandle runs fn with the handle's slot locked and its inode locked
// (for writing when write is set). Write access requires a write handle.
func (s *InMemoryNamespaceService) withHandle(op string, handle ns.OpenHandle, write bool, fn func(in *inode, readOnly bool) error) error {
	if err := s.ready(op, handle.String(), write); err != nil {
		return err
	}
	slot, err := s.files.acquire(op, handle)
	if err != nil {
		return err
	}
	defer slot.mu.Unlock()
	if write && slot.readOnly {
		return fs_error.New(op, handle.String(), fs_error.KindPermissionDenied)
	}

	in := s.lookupInode(slot.inode)
	if in == nil {
		return fs_error.New(op, handle.String(), fs_error.KindNotFound)
	}
	if write {
		in.mu.Lock()
		defer in.mu.Unlock()
	} else {
		in.mu.RLock()
		defer in.mu.RUnlock()
	}
	if in.removed {
		return fs_error.New(op, handle.String(), fs_error.KindNotFound)
	}
	return fn(in, slot.readOnly)
}

// TruncateFile releases every block past the one holding byte length-1 and
// zeroes the rest of that block when shrinking.
func (s *InMemoryNamespaceService) TruncateFile(ctx context.Context, handle ns.OpenHandle, length int64) error {
	if length < 0 {
		return fs_error.New("truncate", handle.String(), fs_error.KindInvalidParam)
	}
	return s.withHandle("truncate", handle, true, func(in *inode, _ bool) error {
		keep := int((uint64(length) + in.blockSize - 1) / in.blockSize)
		if keep < len(in.blocks) {
			for _, h := range in.blocks[keep:] {
				if err := s.blocks.ReleaseOne(h); err != nil {
					s.ls.Error(log_service.LogEvent{
						Message:  "Failed to release truncated block",
						Metadata: map[string]any{"inode": in.id, "block": h.String(), "error": err.Error()},
					})
				}
			}
			in.blocks = in.blocks[:keep:keep]
		}
		if tail := uint64(length) % in.blockSize; tail != 0 && keep > 0 && keep <= len(in.blocks) && length < in.size {
			zero := make([]byte, in.blockSize-tail)
			if _, err := s.blocks.WriteAt(in.blocks[keep-1], zero, int64(tail)); err != nil {
				s.ls.Error(log_service.LogEvent{
					Message:  "Failed to clear truncated tail",
					Metadata: map[string]any{"inode": in.id, "error": err.Error()},
				})
			}
		}
		in.size = length
		in.touchModified(s.now())
		s.touchLocked(in)
		return nil
	})
}

func (s *InMemoryNamespaceService) AppendFileDataBlocks(ctx context.Context, handle ns.OpenHandle, blocks []bs.BlockHandle) error {
	return s.withHandle("append blocks", handle, true, func(in *inode, _ bool) error {
		in.blocks = append(in.blocks, blocks...)
		in.touchModified(s.now())
		s.touchLocked(in)
		return nil
	})
}

func (s *InMemoryNamespaceService) GetFileDataBlocks(ctx context.Context, handle ns.OpenHandle) (ns.FileBlocks, error) {
	var out ns.FileBlocks
	err := s.withHandle("get blocks", handle, false, func(in *inode, _ bool) error {
		out.Size = in.size
		out.Blocks = append([]bs.BlockHandle(nil), in.blocks...)
		return nil
	})
	return out, err
}

func (s *InMemoryNamespaceService) ViewFileData(ctx context.Context, handle ns.OpenHandle, fn func(file ns.FileBlocks) error) error {
	return s.withHandle("read", handle, false, func(in *inode, _ bool) error {
		return fn(ns.FileBlocks{Size: in.size, Blocks: in.blocks})
	})
}

func (s *InMemoryNamespaceService) UpdateFileData(ctx context.Context, handle ns.OpenHandle, fn func(file *ns.FileBlocks) error) error {
	return s.withHandle("write", handle, true, func(in *inode, _ bool) error {
		file := ns.FileBlocks{Size: in.size, Blocks: append([]bs.BlockHandle(nil), in.blocks...)}
		if err := fn(&file); err != nil {
			return err
		}
		in.blocks = file.Blocks
		in.size = file.Size
		in.touchModified(s.now())
		s.touchLocked(in)
		return nil
	})
}
