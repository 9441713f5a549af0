package sandlib

import (
	"sync"

	"github.com/AnishMulay/sandmem/internal/communication"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

// SandmemFD is one entry of the client-side descriptor table.
//
// Mu serializes reads and writes on the descriptor so Offset advances in
// call order.
type SandmemFD struct {
	FD       int
	Handle   ns.OpenHandle
	InodeID  ns.InodeID
	FilePath string
	Write    bool
	Offset   int64
	Mu       sync.Mutex
}

// SandmemClient holds client-wide state for one sandlib instance.
//
// TableMu protects OpenFiles. Per-file state is protected by each
// SandmemFD.Mu.
type SandmemClient struct {
	ServerAddr string
	Comm       communication.Communicator
	Caller     ns.Caller

	OpenFiles map[int]*SandmemFD
	nextFD    int
	TableMu   sync.RWMutex
}
