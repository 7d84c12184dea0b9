package core

import (
	"testing"
	"time"
)

func peerWithID(b byte, rest ...byte) *Peer {
	var id Hash
	id[0] = b
	for i, r := range rest {
		id[1+i] = r
	}
	return &Peer{ID: id, LastSeen: time.Now()}
}

func TestPeerTableInsertGetRemove(t *testing.T) {
	table := NewPeerTable(Hash{})
	p := peerWithID(0x80)
	if inserted, _ := table.Insert(p); !inserted {
		t.Fatalf("insert rejected")
	}
	if got := table.Get(p.ID); got == nil || got.ID != p.ID {
		t.Fatalf("get returned %v", got)
	}
	table.Remove(p.ID)
	if table.Get(p.ID) != nil {
		t.Fatalf("peer survived remove")
	}
}

func TestPeerTableRejectsSelf(t *testing.T) {
	var self Hash
	self[0] = 0x11
	table := NewPeerTable(self)
	if inserted, _ := table.Insert(&Peer{ID: self}); inserted {
		t.Fatalf("table accepted its own id")
	}
}

func TestPeerTableBucketFullReturnsCandidate(t *testing.T) {
	table := NewPeerTable(Hash{})
	// All ids with the top bit set share bucket zero.
	oldest := peerWithID(0x80, 0)
	oldest.LastSeen = time.Now().Add(-time.Hour)
	table.Insert(oldest)
	for i := 1; i < BucketSize; i++ {
		table.Insert(peerWithID(0x80, byte(i)))
	}
	extra := peerWithID(0x81, 0xff)
	inserted, victim := table.Insert(extra)
	if inserted {
		t.Fatalf("insert into full bucket succeeded")
	}
	if victim == nil || victim.ID != oldest.ID {
		t.Fatalf("eviction candidate = %v, want least recently seen", victim)
	}

	table.Replace(victim, extra)
	if table.Get(oldest.ID) != nil {
		t.Fatalf("replaced peer still present")
	}
	if table.Get(extra.ID) == nil {
		t.Fatalf("replacement peer missing")
	}
}

func TestPeerTableInsertRefreshesExisting(t *testing.T) {
	table := NewPeerTable(Hash{})
	p := peerWithID(0x80)
	table.Insert(p)
	later := &Peer{ID: p.ID, LastSeen: p.LastSeen.Add(time.Minute)}
	if inserted, _ := table.Insert(later); !inserted {
		t.Fatalf("refresh insert rejected")
	}
	if got := table.Get(p.ID); !got.LastSeen.Equal(later.LastSeen) {
		t.Fatalf("last seen not refreshed")
	}
	if table.Len() != 1 {
		t.Fatalf("duplicate entry created")
	}
}

func TestPeerTableClosestOrdering(t *testing.T) {
	table := NewPeerTable(Hash{})
	ids := []byte{0x01, 0x02, 0x04, 0x08, 0x80}
	for _, b := range ids {
		table.Insert(peerWithID(b))
	}
	var target Hash
	target[0] = 0x03
	got := table.Closest(target, 3)
	if len(got) != 3 {
		t.Fatalf("closest returned %d peers", len(got))
	}
	// xor distances to 0x03: 0x01→2, 0x02→1, 0x04→7, 0x08→0x0b, 0x80→0x83.
	if got[0].ID[0] != 0x02 || got[1].ID[0] != 0x01 || got[2].ID[0] != 0x04 {
		t.Fatalf("closest order = %x %x %x", got[0].ID[0], got[1].ID[0], got[2].ID[0])
	}
}

func TestPeerTableStale(t *testing.T) {
	table := NewPeerTable(Hash{})
	fresh := peerWithID(0x40)
	stale := peerWithID(0x20)
	stale.LastSeen = time.Now().Add(-time.Hour)
	table.Insert(fresh)
	table.Insert(stale)
	old := table.Stale(time.Now().Add(-30 * time.Minute))
	if len(old) != 1 || old[0].ID != stale.ID {
		t.Fatalf("stale = %v", old)
	}
}
