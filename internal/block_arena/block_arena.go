//go:build linux

// Package block_arena owns the single shared memory region that backs every
// block. The region is a memfd (or an unlinked /dev/shm file) mapped
// MAP_SHARED so that a transport layer can hand the descriptor to clients,
// which then map the same pages and address blocks by byte offset.
package block_arena

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"unsafe"

	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
	"golang.org/x/sys/unix"
)

const (
	mpolInterleave = 3
	nodeOnlinePath = "/sys/devices/system/node/online"
)

type Options struct {
	// UseAltBacking backs the arena with an unlinked file under /dev/shm
	// instead of a memfd.
	UseAltBacking  bool
	BlockCount     uint64
	BlockSize      uint64
	Name           string
	NumaInterleave bool
}

// Arena is immutable after NewArena returns; End() == Base() + BlockCount*BlockSize.
type Arena struct {
	fd         int
	data       []byte
	blockCount uint64
	blockSize  uint64
	name       string
}

func NewArena(opts Options, ls log_service.LogService) (*Arena, error) {
	if opts.BlockCount == 0 || opts.BlockSize == 0 {
		return nil, fs_error.New("arena init", opts.Name, fs_error.KindInvalidParam)
	}
	size := opts.BlockCount * opts.BlockSize
	if size/opts.BlockSize != opts.BlockCount || size > uint64(maxInt) {
		return nil, fs_error.New("arena init", opts.Name, fs_error.KindInvalidParam)
	}

	fd, err := openBacking(opts)
	if err != nil {
		ls.Error(log_service.LogEvent{
			Message:  "Failed to create arena backing",
			Metadata: map[string]any{"name": opts.Name, "altBacking": opts.UseAltBacking, "error": err.Error()},
		})
		return nil, &fs_error.Error{Op: "arena init", Path: opts.Name, Kind: fs_error.KindAllocFail, Err: err}
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		ls.Error(log_service.LogEvent{
			Message:  "Failed to size arena backing",
			Metadata: map[string]any{"name": opts.Name, "bytes": size, "error": err.Error()},
		})
		return nil, &fs_error.Error{Op: "arena init", Path: opts.Name, Kind: fs_error.KindAllocFail, Err: err}
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		ls.Error(log_service.LogEvent{
			Message:  "Failed to map arena",
			Metadata: map[string]any{"name": opts.Name, "bytes": size, "error": err.Error()},
		})
		return nil, &fs_error.Error{Op: "arena init", Path: opts.Name, Kind: fs_error.KindAllocFail, Err: err}
	}

	a := &Arena{
		fd:         fd,
		data:       data,
		blockCount: opts.BlockCount,
		blockSize:  opts.BlockSize,
		name:       opts.Name,
	}

	if opts.NumaInterleave {
		if err := a.interleave(); err != nil {
			ls.Warn(log_service.LogEvent{
				Message:  "NUMA interleave hint not applied",
				Metadata: map[string]any{"name": opts.Name, "error": err.Error()},
			})
		}
	}

	ls.Info(log_service.LogEvent{
		Message: "Block arena mapped",
		Metadata: map[string]any{
			"name":       opts.Name,
			"blockCount": opts.BlockCount,
			"blockSize":  opts.BlockSize,
			"fd":         fd,
		},
	})
	return a, nil
}

const maxInt = int(^uint(0) >> 1)

func openBacking(opts Options) (int, error) {
	if !opts.UseAltBacking {
		return unix.MemfdCreate(opts.Name, unix.MFD_CLOEXEC)
	}

	dir := "/dev/shm"
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		dir = os.TempDir()
	}
	file, err := os.CreateTemp(dir, opts.Name+"-*")
	if err != nil {
		return -1, err
	}
	defer file.Close()
	// The name is only needed to obtain the descriptor.
	if err := os.Remove(file.Name()); err != nil {
		return -1, err
	}
	return unix.Dup(int(file.Fd()))
}

func (a *Arena) interleave() error {
	raw, err := os.ReadFile(nodeOnlinePath)
	if err != nil {
		return err
	}
	mask, maxNode, err := parseNodeList(strings.TrimSpace(string(raw)))
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		a.Base(),
		uintptr(len(a.data)),
		mpolInterleave,
		uintptr(unsafe.Pointer(&mask)),
		uintptr(maxNode+2),
		0)
	if errno != 0 {
		return errno
	}
	return nil
}

// parseNodeList parses the kernel's node list format ("0", "0-3", "0,2-3").
func parseNodeList(list string) (mask uint64, maxNode int, err error) {
	if list == "" {
		return 0, 0, fmt.Errorf("empty node list")
	}
	for _, part := range strings.Split(list, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return 0, 0, fmt.Errorf("bad node list %q: %w", list, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return 0, 0, fmt.Errorf("bad node list %q: %w", list, err)
			}
		}
		if first < 0 || last < first || last >= 64 {
			return 0, 0, fmt.Errorf("node list %q out of range", list)
		}
		for n := first; n <= last; n++ {
			mask |= 1 << uint(n)
		}
		if last > maxNode {
			maxNode = last
		}
	}
	return mask, maxNode, nil
}

func (a *Arena) Base() uintptr {
	return uintptr(unsafe.Pointer(&a.data[0]))
}

func (a *Arena) End() uintptr {
	return a.Base() + uintptr(len(a.data))
}

// Fd is the shareable backing descriptor.
func (a *Arena) Fd() int { return a.fd }

func (a *Arena) Name() string { return a.name }

func (a *Arena) BlockCount() uint64 { return a.blockCount }

func (a *Arena) BlockSize() uint64 { return a.blockSize }

func (a *Arena) Size() int64 { return int64(len(a.data)) }

// ReadAt copies from the mapping. A SIGBUS on the backing pages surfaces as
// an error instead of crashing the process.
func (a *Arena) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= int64(len(a.data)) {
		return 0, io.EOF
	}
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault reading arena at offset %d: %v", off, r)
		}
	}()

	n = copy(p, a.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (a *Arena) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(a.data)) {
		return 0, fmt.Errorf("write at offset %d with length %d exceeds arena size %d", off, len(p), len(a.data))
	}
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault writing arena at offset %d: %v", off, r)
		}
	}()
	return copy(a.data[off:], p), nil
}

// Close unmaps the region and closes the descriptor.
func (a *Arena) Close() error {
	var firstErr error
	if a.data != nil {
		if err := unix.Munmap(a.data); err != nil {
			firstErr = fmt.Errorf("unmapping arena: %w", err)
		}
		a.data = nil
	}
	if a.fd >= 0 {
		if err := unix.Close(a.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing arena fd: %w", err)
		}
		a.fd = -1
	}
	return firstErr
}
