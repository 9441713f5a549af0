package permission_service_test

import (
	"testing"

	ps "github.com/AnishMulay/sandmem/internal/permission_service"
	"github.com/AnishMulay/sandmem/internal/permission_service/inmemory"
)

func TestContainsPermission(t *testing.T) {
	oracle := inmemory.NewInMemoryOracle()
	oracle.AddUser(1001, 1001)
	oracle.AddUser(2002, 2002)
	oracle.AddUser(3003, 3003)
	oracle.AddUser(4004, 4004)
	oracle.AddGroup(500, 4004)
	oracle.AddGroup(600, 2002)

	private := ps.Snapshot{Mode: 0o600, UID: 1001, GID: 1001}
	shared := ps.Snapshot{Mode: 0o644, UID: 1001, GID: 500}
	withACL := ps.Snapshot{Mode: 0o644, UID: 1001, GID: 1001, ACL: ps.ACL{
		Users:  map[uint32]ps.Permission{3003: ps.PermWrite},
		Groups: map[uint32]ps.Permission{600: ps.PermRead | ps.PermWrite},
	}}
	plainFile := ps.Snapshot{Mode: 0o644, UID: 1001, GID: 1001}
	execFile := ps.Snapshot{Mode: 0o744, UID: 1001, GID: 1001}
	aclExecFile := ps.Snapshot{Mode: 0o644, UID: 1001, GID: 1001, ACL: ps.ACL{
		Groups: map[uint32]ps.Permission{700: ps.PermExecute},
	}}
	lockedDir := ps.Snapshot{IsDir: true, Mode: 0o000, UID: 1001, GID: 1001}

	tests := []struct {
		name      string
		snap      ps.Snapshot
		uid, gid  uint32
		requested ps.Permission
		want      bool
	}{
		{name: "owner read 0600", snap: private, uid: 1001, gid: 1001, requested: ps.PermRead, want: true},
		{name: "owner write 0600", snap: private, uid: 1001, gid: 1001, requested: ps.PermWrite, want: true},
		{name: "other read 0600", snap: private, uid: 2002, gid: 2002, requested: ps.PermRead, want: false},
		{name: "other write 0600", snap: private, uid: 2002, gid: 2002, requested: ps.PermWrite, want: false},
		{name: "owner exec 0600", snap: private, uid: 1001, gid: 1001, requested: ps.PermExecute, want: false},
		{name: "group by caller gid", snap: shared, uid: 2002, gid: 500, requested: ps.PermRead, want: true},
		{name: "group via oracle membership", snap: shared, uid: 4004, gid: 4004, requested: ps.PermRead, want: true},
		{name: "group band lacks write", snap: shared, uid: 4004, gid: 4004, requested: ps.PermWrite, want: false},
		{name: "acl user grants write", snap: withACL, uid: 3003, gid: 3003, requested: ps.PermWrite, want: true},
		{name: "acl user lacks read+write", snap: withACL, uid: 3003, gid: 3003, requested: ps.PermRead | ps.PermWrite, want: false},
		{name: "acl group via oracle", snap: withACL, uid: 2002, gid: 2002, requested: ps.PermWrite, want: true},
		{name: "acl group via caller gid", snap: withACL, uid: 5005, gid: 600, requested: ps.PermWrite, want: true},
		{name: "acl ignores strangers", snap: withACL, uid: 4004, gid: 4004, requested: ps.PermWrite, want: false},
		{name: "root read write anything", snap: private, uid: 0, gid: 0, requested: ps.PermRead | ps.PermWrite, want: true},
		{name: "root exec directory", snap: lockedDir, uid: 0, gid: 0, requested: ps.PermExecute, want: true},
		{name: "root exec non-executable file", snap: plainFile, uid: 0, gid: 0, requested: ps.PermExecute, want: false},
		{name: "root exec executable file", snap: execFile, uid: 0, gid: 0, requested: ps.PermExecute, want: true},
		{name: "root exec via acl bit", snap: aclExecFile, uid: 0, gid: 0, requested: ps.PermExecute, want: true},
		{name: "owner of locked dir", snap: lockedDir, uid: 1001, gid: 1001, requested: ps.PermExecute, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ps.ContainsPermission(tt.snap, tt.uid, tt.gid, tt.requested, oracle)
			if got != tt.want {
				t.Errorf("ContainsPermission(uid=%d, %s) = %v, want %v", tt.uid, tt.requested, got, tt.want)
			}
		})
	}
}

func TestContainsPermission_NilOracle(t *testing.T) {
	snap := ps.Snapshot{Mode: 0o640, UID: 1, GID: 50}
	if ps.ContainsPermission(snap, 2, 2, ps.PermRead, nil) {
		t.Errorf("stranger granted read without oracle")
	}
	if !ps.ContainsPermission(snap, 2, 50, ps.PermRead, nil) {
		t.Errorf("caller gid match not honoured without oracle")
	}
}

func TestPermission_String(t *testing.T) {
	tests := map[ps.Permission]string{
		0:                             "---",
		ps.PermRead:                   "r--",
		ps.PermRead | ps.PermWrite:    "rw-",
		ps.PermAll:                    "rwx",
		ps.PermWrite | ps.PermExecute: "-wx",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Permission(%d).String() = %q, want %q", p, got, want)
		}
	}
}
