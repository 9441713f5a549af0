package permission_service

// Permission uses the rwx bit layout of a single UGO band.
type Permission uint32

const (
	PermExecute Permission = 1
	PermWrite   Permission = 2
	PermRead    Permission = 4

	PermAll = PermRead | PermWrite | PermExecute
)

const (
	ownerShift = 6
	groupShift = 3
	otherShift = 0
)

func (p Permission) String() string {
	buf := []byte("---")
	if p&PermRead != 0 {
		buf[0] = 'r'
	}
	if p&PermWrite != 0 {
		buf[1] = 'w'
	}
	if p&PermExecute != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// ACL holds supplementary entries on top of the UGO bits.
type ACL struct {
	Users  map[uint32]Permission `json:"users,omitempty"`
	Groups map[uint32]Permission `json:"groups,omitempty"`
}

func (a ACL) Empty() bool {
	return len(a.Users) == 0 && len(a.Groups) == 0
}

func (a ACL) Clone() ACL {
	out := ACL{}
	if len(a.Users) > 0 {
		out.Users = make(map[uint32]Permission, len(a.Users))
		for k, v := range a.Users {
			out.Users[k] = v
		}
	}
	if len(a.Groups) > 0 {
		out.Groups = make(map[uint32]Permission, len(a.Groups))
		for k, v := range a.Groups {
			out.Groups[k] = v
		}
	}
	return out
}

func (a ACL) anyExecute() bool {
	for _, p := range a.Users {
		if p&PermExecute != 0 {
			return true
		}
	}
	for _, p := range a.Groups {
		if p&PermExecute != 0 {
			return true
		}
	}
	return false
}

// Snapshot is the metadata a permission decision depends on, copied out
// of an inode under its lock.
type Snapshot struct {
	IsDir bool
	Mode  uint32
	UID   uint32
	GID   uint32
	ACL   ACL
}

type User struct {
	UID        uint32
	PrimaryGID uint32
}

type Group struct {
	GID     uint32
	Members map[uint32]struct{}
}

// UserGroupOracle answers identity questions on behalf of the evaluator.
// Implementations own any caching of their answers.
type UserGroupOracle interface {
	LoadUser(uid uint32) (User, bool)
	LoadGroup(gid uint32) (Group, bool)
}

// UserInGroup reports whether uid has gid as primary group or is listed as
// a member of gid.
func UserInGroup(oracle UserGroupOracle, uid, gid uint32) bool {
	if oracle == nil {
		return false
	}
	if u, ok := oracle.LoadUser(uid); ok && u.PrimaryGID == gid {
		return true
	}
	g, ok := oracle.LoadGroup(gid)
	if !ok {
		return false
	}
	_, member := g.Members[uid]
	return member
}

// ContainsPermission decides whether the caller holds every bit in
// requested. It has no side effects.
func ContainsPermission(snap Snapshot, uid, gid uint32, requested Permission, oracle UserGroupOracle) bool {
	requested &= PermAll

	if uid == 0 {
		if requested&PermExecute == 0 || snap.IsDir {
			return true
		}
		// Root still needs the file to be executable by someone.
		return snap.Mode&0o111 != 0 || snap.ACL.anyExecute()
	}

	shift := otherShift
	switch {
	case uid == snap.UID:
		shift = ownerShift
	case gid == snap.GID || UserInGroup(oracle, uid, snap.GID):
		shift = groupShift
	}
	band := Permission(snap.Mode>>shift) & PermAll
	if band&requested == requested {
		return true
	}

	return aclGrants(snap.ACL, uid, gid, requested, oracle)
}

func aclGrants(acl ACL, uid, gid uint32, requested Permission, oracle UserGroupOracle) bool {
	if p, ok := acl.Users[uid]; ok && p&requested == requested {
		return true
	}
	for g, p := range acl.Groups {
		if p&requested != requested {
			continue
		}
		if g == gid || UserInGroup(oracle, uid, g) {
			return true
		}
	}
	return false
}
