// Package system answers identity questions from the host's user and group
// databases.
package system

import (
	"bufio"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AnishMulay/sandmem/internal/log_service"
	ps "github.com/AnishMulay/sandmem/internal/permission_service"
)

const DefaultGroupFile = "/etc/group"

type entry[T any] struct {
	value   T
	found   bool
	expires time.Time
}

// SystemOracle caches lookups for ttl. Negative answers are cached too.
type SystemOracle struct {
	ttl       time.Duration
	groupFile string
	ls        log_service.LogService

	now          func() time.Time
	lookupID     func(uid string) (*user.User, error)
	lookupByName func(name string) (*user.User, error)

	mu     sync.Mutex
	users  map[uint32]entry[ps.User]
	groups map[uint32]entry[ps.Group]
}

type Option func(*SystemOracle)

func WithGroupFile(path string) Option {
	return func(o *SystemOracle) { o.groupFile = path }
}

func WithClock(now func() time.Time) Option {
	return func(o *SystemOracle) { o.now = now }
}

func WithUserLookup(byID, byName func(string) (*user.User, error)) Option {
	return func(o *SystemOracle) {
		o.lookupID = byID
		o.lookupByName = byName
	}
}

func NewSystemOracle(ttl time.Duration, ls log_service.LogService, opts ...Option) *SystemOracle {
	o := &SystemOracle{
		ttl:          ttl,
		groupFile:    DefaultGroupFile,
		ls:           ls,
		now:          time.Now,
		lookupID:     user.LookupId,
		lookupByName: user.Lookup,
		users:        make(map[uint32]entry[ps.User]),
		groups:       make(map[uint32]entry[ps.Group]),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *SystemOracle) LoadUser(uid uint32) (ps.User, bool) {
	now := o.now()
	o.mu.Lock()
	if e, ok := o.users[uid]; ok && now.Before(e.expires) {
		o.mu.Unlock()
		return e.value, e.found
	}
	o.mu.Unlock()

	var result ps.User
	found := false
	if u, err := o.lookupID(strconv.FormatUint(uint64(uid), 10)); err == nil {
		if gid, err := strconv.ParseUint(u.Gid, 10, 32); err == nil {
			result = ps.User{UID: uid, PrimaryGID: uint32(gid)}
			found = true
		}
	}

	o.mu.Lock()
	o.users[uid] = entry[ps.User]{value: result, found: found, expires: now.Add(o.ttl)}
	o.mu.Unlock()
	return result, found
}

func (o *SystemOracle) LoadGroup(gid uint32) (ps.Group, bool) {
	now := o.now()
	o.mu.Lock()
	if e, ok := o.groups[gid]; ok && now.Before(e.expires) {
		o.mu.Unlock()
		return e.value, e.found
	}
	o.mu.Unlock()

	group, found, err := o.readGroup(gid)
	if err != nil {
		o.ls.Warn(log_service.LogEvent{
			Message:  "Failed to read group database",
			Metadata: map[string]any{"path": o.groupFile, "gid": gid, "error": err.Error()},
		})
	}

	o.mu.Lock()
	o.groups[gid] = entry[ps.Group]{value: group, found: found, expires: now.Add(o.ttl)}
	o.mu.Unlock()
	return group, found
}

// readGroup scans a group(5) file: name:password:gid:member,member
func (o *SystemOracle) readGroup(gid uint32) (ps.Group, bool, error) {
	f, err := os.Open(o.groupFile)
	if err != nil {
		return ps.Group{}, false, err
	}
	defer f.Close()

	want := strconv.FormatUint(uint64(gid), 10)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 || fields[2] != want {
			continue
		}
		group := ps.Group{GID: gid, Members: make(map[uint32]struct{})}
		for _, name := range strings.Split(fields[3], ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			u, err := o.lookupByName(name)
			if err != nil {
				continue
			}
			if uid, err := strconv.ParseUint(u.Uid, 10, 32); err == nil {
				group.Members[uint32(uid)] = struct{}{}
			}
		}
		return group, true, nil
	}
	return ps.Group{}, false, scanner.Err()
}

var _ ps.UserGroupOracle = (*SystemOracle)(nil)
