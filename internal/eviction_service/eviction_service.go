package eviction_service

import (
	"context"
	"sync"

	"github.com/AnishMulay/sandmem/internal/log_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

// Reclaimer drops one inode if it is currently safe to do so. It must not
// block on a contended inode lock and must re-resolve id itself.
type Reclaimer interface {
	TryReclaim(id ns.InodeID) (freedBytes int64, reclaimed bool)
}

type RecycleResult struct {
	Scanned        int
	Reclaimed      int
	ReclaimedBytes int64
}

type Engine struct {
	list      *LRUList
	reclaimer Reclaimer
	ls        log_service.LogService

	// one pass at a time
	pass sync.Mutex
}

func NewEngine(list *LRUList, reclaimer Reclaimer, ls log_service.LogService) *Engine {
	return &Engine{list: list, reclaimer: reclaimer, ls: ls}
}

func (e *Engine) List() *LRUList { return e.list }

// RecycleInodes scans from the least recently touched inode and reclaims
// until targetBytes have been freed or the list is exhausted. Partial
// success is not an error.
func (e *Engine) RecycleInodes(ctx context.Context, targetBytes int64) RecycleResult {
	e.pass.Lock()
	defer e.pass.Unlock()

	var res RecycleResult
	for _, id := range e.list.Oldest(0) {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		if freed, ok := e.reclaimer.TryReclaim(id); ok {
			res.Reclaimed++
			res.ReclaimedBytes += freed
		}
		if targetBytes > 0 && res.ReclaimedBytes >= targetBytes {
			break
		}
	}

	e.ls.Info(log_service.LogEvent{
		Message: "Recycle pass finished",
		Metadata: map[string]any{
			"targetBytes":    targetBytes,
			"scanned":        res.Scanned,
			"reclaimed":      res.Reclaimed,
			"reclaimedBytes": res.ReclaimedBytes,
		},
	})
	return res
}
