package core

// Peer table: Kademlia-style routing table keyed by relay public key.
// The relay key doubles as the node's XOR address, so the bucket index
// is the leading-zero count of xor(self, peer). Buckets are locked
// individually; cross-bucket reads (Closest, All, Len) take each lock in
// turn.

import (
	"math/big"
	"net"
	"sort"
	"sync"
	"time"
)

// Routing table dimensions.
const (
	BucketCount = 256
	BucketSize  = 20 // k
)

// Peer is one routing-table record. LastSeen, IsValidator and
// LatestBlock are refreshed by ping traffic; Session is owned by the
// record and dropped with it.
type Peer struct {
	ID          Hash
	Addr        *net.UDPAddr
	LastSeen    time.Time
	IsValidator bool
	LatestBlock Hash
	Session     *Session
}

type peerBucket struct {
	mu    sync.Mutex
	peers []*Peer
}

// PeerTable holds up to k peers per XOR-distance bucket.
type PeerTable struct {
	self    Hash
	buckets [BucketCount]peerBucket
}

// NewPeerTable builds an empty table centered on the local node id.
func NewPeerTable(self Hash) *PeerTable {
	return &PeerTable{self: self}
}

// SelfID returns the local node id the table is centered on.
func (t *PeerTable) SelfID() Hash {
	return t.self
}

// bucketIndex returns the bucket for id: the number of leading zero
// bits in xor(self, id), clamped to the last bucket.
func (t *PeerTable) bucketIndex(id Hash) int {
	zeros := 0
	for i := 0; i < HashSize; i++ {
		b := t.self[i] ^ id[i]
		if b == 0 {
			zeros += 8
			continue
		}
		for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
			zeros++
		}
		break
	}
	if zeros >= BucketCount {
		zeros = BucketCount - 1
	}
	return zeros
}

// xorDistance returns xor(a, b) as a big-endian integer, matching the
// comparison order of the raw byte strings.
func xorDistance(a, b Hash) *big.Int {
	var d [HashSize]byte
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(d[:])
}

// Insert adds the peer to its bucket. If the peer is already present
// its address is refreshed. When the bucket is full the peer is not
// inserted; instead the least-recently-seen resident is returned so the
// router can probe it and call Replace if the probe times out.
func (t *PeerTable) Insert(p *Peer) (inserted bool, evictCandidate *Peer) {
	if p.ID == t.self {
		return false, nil
	}
	b := &t.buckets[t.bucketIndex(p.ID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.peers {
		if existing.ID == p.ID {
			existing.Addr = p.Addr
			existing.LastSeen = p.LastSeen
			if p.Session != nil {
				existing.Session = p.Session
			}
			return true, nil
		}
	}
	if len(b.peers) < BucketSize {
		b.peers = append(b.peers, p)
		return true, nil
	}
	oldest := b.peers[0]
	for _, existing := range b.peers[1:] {
		if existing.LastSeen.Before(oldest.LastSeen) {
			oldest = existing
		}
	}
	return false, oldest
}

// Replace swaps a failed resident for the candidate that was waiting on
// its probe. A no-op if the resident already left the bucket.
func (t *PeerTable) Replace(old, candidate *Peer) {
	b := &t.buckets[t.bucketIndex(old.ID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.peers {
		if existing.ID == old.ID {
			b.peers[i] = candidate
			return
		}
	}
}

// Remove drops the peer (and its session) from the table.
func (t *PeerTable) Remove(id Hash) {
	b := &t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.peers {
		if existing.ID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return
		}
	}
}

// Get returns the peer record for id, or nil.
func (t *PeerTable) Get(id Hash) *Peer {
	b := &t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.peers {
		if existing.ID == id {
			return existing
		}
	}
	return nil
}

// Touch refreshes the peer's LastSeen stamp under the bucket lock.
func (t *PeerTable) Touch(id Hash, at time.Time) {
	b := &t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.peers {
		if existing.ID == id {
			existing.LastSeen = at
			return
		}
	}
}

// UpdateStatus applies the contents of a ping or pong to the peer
// record.
func (t *PeerTable) UpdateStatus(id Hash, isValidator bool, latest *Hash) {
	b := &t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.peers {
		if existing.ID == id {
			existing.IsValidator = isValidator
			if latest != nil {
				existing.LatestBlock = *latest
			}
			return
		}
	}
}

// Closest returns up to n peers minimizing XOR distance to target,
// drawn from buckets in order of proximity to the target's bucket.
func (t *PeerTable) Closest(target Hash, n int) []*Peer {
	if n <= 0 {
		return nil
	}
	idx := t.bucketIndex(target)
	out := make([]*Peer, 0, n)
	collect := func(i int) {
		b := &t.buckets[i]
		b.mu.Lock()
		out = append(out, b.peers...)
		b.mu.Unlock()
	}
	collect(idx)
	for d := 1; d < BucketCount && len(out) < n; d++ {
		if idx-d >= 0 {
			collect(idx - d)
		}
		if idx+d < BucketCount {
			collect(idx + d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di := xorDistance(out[i].ID, target)
		dj := xorDistance(out[j].ID, target)
		return di.Cmp(dj) < 0
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// All returns a snapshot of every peer in the table.
func (t *PeerTable) All() []*Peer {
	var out []*Peer
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		out = append(out, b.peers...)
		b.mu.Unlock()
	}
	return out
}

// Stale returns peers unheard from since cutoff.
func (t *PeerTable) Stale(cutoff time.Time) []*Peer {
	var out []*Peer
	for _, p := range t.All() {
		if p.LastSeen.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the total peer count.
func (t *PeerTable) Len() int {
	n := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		n += len(b.peers)
		b.mu.Unlock()
	}
	return n
}
