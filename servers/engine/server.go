//go:build linux

package engine

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AnishMulay/sandmem/internal/block_arena"
	"github.com/AnishMulay/sandmem/internal/block_service/arena"
	grpccomm "github.com/AnishMulay/sandmem/internal/communication/grpc"
	"github.com/AnishMulay/sandmem/internal/config"
	"github.com/AnishMulay/sandmem/internal/eviction_service"
	fsvc "github.com/AnishMulay/sandmem/internal/file_service"
	fssimple "github.com/AnishMulay/sandmem/internal/file_service/simple"
	"github.com/AnishMulay/sandmem/internal/log_service"
	"github.com/AnishMulay/sandmem/internal/log_service/localdisc"
	nsinmemory "github.com/AnishMulay/sandmem/internal/namespace_service/inmemory"
	"github.com/AnishMulay/sandmem/internal/permission_service/system"
	"github.com/AnishMulay/sandmem/internal/server"
	"github.com/AnishMulay/sandmem/internal/server/simple"
)

const (
	blockPoolID = 1
	identityTTL = 30 * time.Second
)

type Options struct {
	Config *config.Config
	// LogMirror additionally receives every log line, typically os.Stderr.
	LogMirror io.Writer
}

type runnable interface {
	Run() error
}

// Node is a single engine instance: one arena, one namespace, one listener.
type Node struct {
	server server.Server
	arena  *block_arena.Arena
	comm   *grpccomm.GRPCCommunicator
	logs   *localdisc.LocalDiscLogService
	ls     log_service.LogService
}

func (n *Node) Start() error {
	return n.server.Start()
}

// Address is the bound listen address once started.
func (n *Node) Address() string {
	return n.comm.Address()
}

func (n *Node) Stop() error {
	err := n.server.Stop()
	if closeErr := n.arena.Close(); closeErr != nil {
		n.ls.Error(log_service.LogEvent{
			Message:  "Failed to unmap arena",
			Metadata: map[string]any{"error": closeErr.Error()},
		})
		if err == nil {
			err = closeErr
		}
	}
	n.ls.Info(log_service.LogEvent{Message: "Node stopped"})
	n.logs.Close()
	return err
}

func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		n.Stop()
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	return n.Stop()
}

func Build(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	batch, err := cfg.BatchBytes()
	if err != nil {
		return nil, err
	}
	blockSize, err := cfg.BlockSizeBytes()
	if err != nil {
		return nil, err
	}

	logDir := filepath.Join(cfg.DataDir, "logs")
	var mirrors []io.Writer
	if opts.LogMirror != nil {
		mirrors = append(mirrors, opts.LogMirror)
	}
	logs, err := localdisc.NewLocalDiscLogService(logDir, cfg.NodeID, cfg.MinLogLevel(), mirrors...)
	if err != nil {
		return nil, err
	}
	var ls log_service.LogService = logs

	ar, err := block_arena.NewArena(block_arena.Options{
		UseAltBacking:  cfg.Arena.AltBacking,
		BlockCount:     cfg.Arena.BlockCount,
		BlockSize:      blockSize,
		Name:           cfg.Arena.Name,
		NumaInterleave: cfg.Arena.NumaInterleave,
	}, ls)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to create arena: %w", err)
	}
	ls.Info(log_service.LogEvent{
		Message:  "Arena ready",
		Metadata: map[string]any{"name": ar.Name(), "size": cfg.ArenaBytes(), "blocks": cfg.Arena.BlockCount},
	})

	blocks := arena.NewArenaBlockService(ar, blockPoolID, ls)
	lru := eviction_service.NewLRUList()
	oracle := system.NewSystemOracle(identityTTL, ls)
	namespace := nsinmemory.NewInMemoryNamespaceService(blocks, lru, oracle, ls, nsinmemory.Options{
		MaxOpenFiles: cfg.Namespace.MaxOpenFiles,
	})
	evictor := eviction_service.NewEngine(lru, namespace, ls)
	// Zero in the file means no retries, which the file service spells -1.
	retries := cfg.Allocation.MaxRetries
	if retries == 0 {
		retries = -1
	}
	fs := fssimple.NewSimpleFileService(namespace, blocks, evictor, ls, fssimple.Options{
		MaxRetries:    retries,
		Backoff:       cfg.Allocation.Backoff,
		RecycleTarget: int64(batch),
		Arena: fsvc.ArenaInfo{
			Name:       ar.Name(),
			Fd:         ar.Fd(),
			Size:       uint64(ar.Size()),
			BlockSize:  ar.BlockSize(),
			BlockCount: ar.BlockCount(),
		},
	})
	comm := grpccomm.NewGRPCCommunicator(cfg.ListenAddr, ls)
	srv := simple.NewSimpleServer(comm, fs, ls)

	return &Node{
		server: srv,
		arena:  ar,
		comm:   comm,
		logs:   logs,
		ls:     ls,
	}, nil
}

var _ runnable = (*Node)(nil)
