package inmemory

import (
	"sync"

	"github.com/AnishMulay/sandmem/internal/log_service"
)

type Entry struct {
	Level string
	Event log_service.LogEvent
}

// InMemoryLogService keeps every event in memory. Embedders and tests use it
// to inspect what the engine reported.
type InMemoryLogService struct {
	mu      sync.Mutex
	entries []Entry
}

func NewInMemoryLogService() *InMemoryLogService {
	return &InMemoryLogService{}
}

func (ls *InMemoryLogService) record(level string, event log_service.LogEvent) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.entries = append(ls.entries, Entry{Level: level, Event: event})
}

func (ls *InMemoryLogService) Debug(event log_service.LogEvent) { ls.record(log_service.DebugLevel, event) }
func (ls *InMemoryLogService) Info(event log_service.LogEvent)  { ls.record(log_service.InfoLevel, event) }
func (ls *InMemoryLogService) Warn(event log_service.LogEvent)  { ls.record(log_service.WarnLevel, event) }
func (ls *InMemoryLogService) Error(event log_service.LogEvent) { ls.record(log_service.ErrorLevel, event) }

// Entries returns a copy of the recorded events.
func (ls *InMemoryLogService) Entries() []Entry {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]Entry, len(ls.entries))
	copy(out, ls.entries)
	return out
}

// Has reports whether an event with the given level and message was recorded.
func (ls *InMemoryLogService) Has(level, message string) bool {
	for _, e := range ls.Entries() {
		if e.Level == level && e.Event.Message == message {
			return true
		}
	}
	return false
}

var _ log_service.LogService = (*InMemoryLogService)(nil)
