package inmemory

import (
	"sync"

	ps "github.com/AnishMulay/sandmem/internal/permission_service"
)

// InMemoryOracle is a deterministic UserGroupOracle.
type InMemoryOracle struct {
	mu     sync.RWMutex
	users  map[uint32]ps.User
	groups map[uint32]ps.Group
}

func NewInMemoryOracle() *InMemoryOracle {
	return &InMemoryOracle{
		users:  make(map[uint32]ps.User),
		groups: make(map[uint32]ps.Group),
	}
}

func (o *InMemoryOracle) AddUser(uid, primaryGID uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.users[uid] = ps.User{UID: uid, PrimaryGID: primaryGID}
}

// AddGroup registers gid with the given members, replacing any previous entry.
func (o *InMemoryOracle) AddGroup(gid uint32, members ...uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g := ps.Group{GID: gid, Members: make(map[uint32]struct{}, len(members))}
	for _, m := range members {
		g.Members[m] = struct{}{}
	}
	o.groups[gid] = g
}

func (o *InMemoryOracle) LoadUser(uid uint32) (ps.User, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	u, ok := o.users[uid]
	return u, ok
}

func (o *InMemoryOracle) LoadGroup(gid uint32) (ps.Group, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.groups[gid]
	return g, ok
}

var _ ps.UserGroupOracle = (*InMemoryOracle)(nil)
