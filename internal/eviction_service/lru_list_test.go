package eviction_service

import (
	"testing"

	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
)

func TestLRUList_TouchOrder(t *testing.T) {
	tests := []struct {
		name    string
		touches []ns.InodeID
		removes []ns.InodeID
		want    []ns.InodeID
	}{
		{name: "empty", want: nil},
		{name: "insertion order", touches: []ns.InodeID{1, 2, 3}, want: []ns.InodeID{1, 2, 3}},
		{name: "retouch moves to tail", touches: []ns.InodeID{1, 2, 3, 1}, want: []ns.InodeID{2, 3, 1}},
		{name: "remove unlinks", touches: []ns.InodeID{1, 2, 3}, removes: []ns.InodeID{2}, want: []ns.InodeID{1, 3}},
		{name: "remove head", touches: []ns.InodeID{1, 2, 3}, removes: []ns.InodeID{1}, want: []ns.InodeID{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLRUList()
			for _, id := range tt.touches {
				l.Touch(id)
			}
			for _, id := range tt.removes {
				if !l.Remove(id) {
					t.Fatalf("Remove(%d) = false, want true", id)
				}
			}
			got := l.Oldest(0)
			if len(got) != len(tt.want) {
				t.Fatalf("Oldest(0) = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Oldest(0)[%d] = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLRUList_Remove(t *testing.T) {
	l := NewLRUList()
	l.Touch(7)
	if !l.Remove(7) {
		t.Fatal("Remove(7) = false, want true")
	}
	if l.Remove(7) {
		t.Error("second Remove(7) = true, want false")
	}
	if got := l.Oldest(0); len(got) != 0 {
		t.Errorf("Oldest(0) = %v after Remove, want empty", got)
	}
	l.Touch(7)
	if got := l.Oldest(1); len(got) != 1 || got[0] != 7 {
		t.Errorf("Oldest(1) = %v, want [7]", got)
	}
}

func TestLRUList_OldestLimit(t *testing.T) {
	l := NewLRUList()
	for id := ns.InodeID(1); id <= 10; id++ {
		l.Touch(id)
	}
	got := l.Oldest(3)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Oldest(3) = %v, want [1 2 3]", got)
	}
}
