//go:build linux

package block_arena

import (
	"bytes"
	"errors"
	"testing"

	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service/inmemory"
	"golang.org/x/sys/unix"
)

func TestNewArena(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{name: "memfd backing", opts: Options{BlockCount: 8, BlockSize: 4096, Name: "memfd"}},
		{name: "alt backing", opts: Options{UseAltBacking: true, BlockCount: 4, BlockSize: 4096, Name: "alt"}},
		{name: "zero blocks", opts: Options{BlockCount: 0, BlockSize: 4096, Name: "zero"}, wantErr: fs_error.ErrInvalidParam},
		{name: "zero block size", opts: Options{BlockCount: 4, BlockSize: 0, Name: "zero"}, wantErr: fs_error.ErrInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewArena(tt.opts, inmemory.NewInMemoryLogService())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewArena() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewArena() error = %v", err)
			}
			defer a.Close()

			if got, want := a.End()-a.Base(), uintptr(tt.opts.BlockCount*tt.opts.BlockSize); got != want {
				t.Errorf("End()-Base() = %d, want %d", got, want)
			}

			var st unix.Stat_t
			if err := unix.Fstat(a.Fd(), &st); err != nil {
				t.Fatalf("Fstat() error = %v", err)
			}
			if st.Size != a.Size() {
				t.Errorf("backing size = %d, want %d", st.Size, a.Size())
			}

			buf := make([]byte, a.Size())
			if _, err := a.ReadAt(buf, 0); err != nil {
				t.Fatalf("ReadAt() error = %v", err)
			}
			if !bytes.Equal(buf, make([]byte, len(buf))) {
				t.Errorf("fresh arena is not zero-filled")
			}
		})
	}
}

func TestArena_SharedMappingThroughFd(t *testing.T) {
	a, err := NewArena(Options{BlockCount: 2, BlockSize: 4096, Name: "shared"}, inmemory.NewInMemoryLogService())
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	defer a.Close()

	if _, err := a.WriteAt([]byte("hello"), 4096); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	// A second mapping of the same descriptor, as a client would create.
	peer, err := unix.Mmap(a.Fd(), 0, int(a.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("Mmap() error = %v", err)
	}
	defer unix.Munmap(peer)

	if got := string(peer[4096:4101]); got != "hello" {
		t.Errorf("peer mapping = %q, want %q", got, "hello")
	}

	got := make([]byte, 5)
	if _, err := a.ReadAt(got, 4096); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadAt(4096) = %q", got)
	}
}

func TestArena_WriteOutOfBounds(t *testing.T) {
	a, err := NewArena(Options{BlockCount: 1, BlockSize: 4096, Name: "bounds"}, inmemory.NewInMemoryLogService())
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	defer a.Close()

	if _, err := a.WriteAt(make([]byte, 10), 4090); err == nil {
		t.Errorf("WriteAt() past end should fail")
	}
}

func TestParseNodeList(t *testing.T) {
	tests := []struct {
		in       string
		wantMask uint64
		wantMax  int
		wantErr  bool
	}{
		{in: "0", wantMask: 0x1, wantMax: 0},
		{in: "0-3", wantMask: 0xf, wantMax: 3},
		{in: "0,2-3", wantMask: 0xd, wantMax: 3},
		{in: "", wantErr: true},
		{in: "x", wantErr: true},
		{in: "3-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			mask, max, err := parseNodeList(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseNodeList(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && (mask != tt.wantMask || max != tt.wantMax) {
				t.Errorf("parseNodeList(%q) = %x,%d want %x,%d", tt.in, mask, max, tt.wantMask, tt.wantMax)
			}
		})
	}
}
