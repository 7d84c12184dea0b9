package core

// Overlay router: turns raw datagrams into peer-table updates, storage
// traffic and routing replies. The router owns handshake processing,
// chunk reassembly, the auth blacklist and the periodic maintenance
// tasks; the node runtime feeds it datagrams and drives its clock.

import (
	"crypto/ed25519"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	logrus "github.com/sirupsen/logrus"
)

// Overlay timing constants.
const (
	probeTimeout    = 2 * time.Second  // T_ping: bucket eviction probe
	reassemblyTTL   = 5 * time.Second  // T_reasm
	blacklistTTL    = 60 * time.Second // T_bl
	pingInterval    = 30 * time.Second
	refreshInterval = 5 * time.Minute
	staleAfter      = 15 * time.Minute

	reassemblyMaxBuffers = 256
	blacklistMaxEntries  = 1024
	pingSampleSize       = 8
)

// reassembly accumulates the chunks of one in-flight ATOM transfer,
// keyed by (sender, atom id).
type reassembly struct {
	total    uint16
	received int
	chunks   [][]byte
}

// probe tracks a bucket-eviction ping: the resident being probed and
// the candidate waiting for its seat.
type probe struct {
	old       *Peer
	candidate *Peer
	deadline  time.Time
}

// Router dispatches overlay messages and implements AtomFetcher.
type Router struct {
	localID   Hash
	relayPriv [32]byte
	identity  ed25519.PrivateKey

	table   *PeerTable
	storage *Storage
	conn    *net.UDPConn

	// localPing builds the payload advertised in our pings and pongs.
	localPing func() Ping

	reasmMu   sync.Mutex
	reasm     *expirable.LRU[string, *reassembly]
	blacklist *expirable.LRU[Hash, struct{}]

	mu          sync.Mutex
	probes      map[Hash]*probe
	lastPing    time.Time
	lastRefresh time.Time

	log *logrus.Entry
}

// NewRouter wires the router over the peer table and storage facade.
func NewRouter(localID Hash, relayPriv [32]byte, identity ed25519.PrivateKey,
	table *PeerTable, storage *Storage, localPing func() Ping, lg *logrus.Logger) *Router {
	r := &Router{
		localID:   localID,
		relayPriv: relayPriv,
		identity:  identity,
		table:     table,
		storage:   storage,
		localPing: localPing,
		reasm:     expirable.NewLRU[string, *reassembly](reassemblyMaxBuffers, nil, reassemblyTTL),
		blacklist: expirable.NewLRU[Hash, struct{}](blacklistMaxEntries, nil, blacklistTTL),
		probes:    make(map[Hash]*probe),
		log:       lg.WithField("component", "router"),
	}
	storage.SetFetcher(r)
	return r
}

// SetConn attaches the outgoing UDP socket. Must be called before any
// traffic flows.
func (r *Router) SetConn(conn *net.UDPConn) {
	r.conn = conn
}

func (r *Router) send(addr *net.UDPAddr, frame []byte) {
	if r.conn == nil || addr == nil {
		return
	}
	if _, err := r.conn.WriteToUDP(frame, addr); err != nil {
		r.log.Debugf("send to %s: %v", addr, err)
	}
}

// sendMessage seals kind|payload for the peer and ships it. A counter
// overflow tears the session down and re-handshakes.
func (r *Router) sendMessage(p *Peer, kind MessageKind, payload []byte) {
	if p == nil || p.Session == nil {
		return
	}
	body := append([]byte{byte(kind)}, payload...)
	counter, ct, err := p.Session.Seal(r.localID, body)
	if err != nil {
		r.log.Debugf("session to %s exhausted, re-keying", p.ID.Hex())
		r.table.Remove(p.ID)
		r.Hello(p.Addr)
		return
	}
	r.send(p.Addr, buildFrame(r.localID, counter, ct))
}

// Hello initiates a handshake with the node at addr.
func (r *Router) Hello(addr *net.UDPAddr) {
	h, err := NewHandshake(handshakeHello, r.identity, r.localID)
	if err != nil {
		r.log.Warnf("handshake build: %v", err)
		return
	}
	r.send(addr, buildFrame(r.localID, handshakeCounter, h.Encode()))
}

// HandleDatagram processes one raw datagram. Malformed and
// unauthenticated input is dropped here without surfacing errors;
// everything on this path is adversarial.
func (r *Router) HandleDatagram(data []byte, from *net.UDPAddr) {
	sender, counter, body, err := parseFrame(data)
	if err != nil {
		return
	}
	if sender == r.localID {
		return
	}
	if _, banned := r.blacklist.Get(sender); banned {
		return
	}
	if counter == handshakeCounter {
		r.handleHandshake(sender, body, from)
		return
	}

	peer := r.table.Get(sender)
	if peer == nil || peer.Session == nil {
		// Frames from an unknown peer cannot be authenticated; drop.
		return
	}
	plaintext, err := peer.Session.Open(counter, body)
	if err != nil {
		var authErr *AuthError
		switch {
		case errors.Is(err, ErrCounterJump):
			r.log.Debugf("counter jump from %s, forcing re-handshake", sender.Hex())
			r.table.Remove(sender)
			r.Hello(from)
		case errors.As(err, &authErr):
			r.log.Debugf("auth failure from %s, blacklisting", sender.Hex())
			r.table.Remove(sender)
			r.blacklist.Add(sender, struct{}{})
		}
		return
	}
	if len(plaintext) == 0 {
		return
	}
	r.table.Touch(sender, time.Now())
	r.resolveProbe(sender)
	r.dispatch(peer, MessageKind(plaintext[0]), plaintext[1:])
}

// handleHandshake verifies a HELLO or HELLO_ACK, installs the session
// and peer record, and answers or follows up as the protocol requires.
func (r *Router) handleHandshake(sender Hash, body []byte, from *net.UDPAddr) {
	h, err := DecodeHandshake(body)
	if err != nil {
		return
	}
	if err := h.Verify(sender); err != nil {
		r.log.Debugf("handshake signature from %s invalid, blacklisting", sender.Hex())
		r.blacklist.Add(sender, struct{}{})
		return
	}
	session, err := NewSession(r.relayPriv, r.localID, sender)
	if err != nil {
		return
	}
	peer := &Peer{
		ID:       sender,
		Addr:     from,
		LastSeen: time.Now(),
		Session:  session,
	}
	r.insertPeer(peer)

	switch h.Kind {
	case handshakeHello:
		ack, err := NewHandshake(handshakeHelloAck, r.identity, r.localID)
		if err != nil {
			return
		}
		r.send(from, buildFrame(r.localID, handshakeCounter, ack.Encode()))
	case handshakeHelloAck:
		// Channel is up from our side; advertise ourselves.
		r.sendMessage(peer, MsgPing, r.localPing().ToBytes())
	}
}

// insertPeer adds the peer, arming an eviction probe when its bucket is
// full: the least-recently-seen resident gets pinged and is replaced
// only if it stays silent past the probe timeout.
func (r *Router) insertPeer(p *Peer) {
	inserted, candidateVictim := r.table.Insert(p)
	if inserted || candidateVictim == nil {
		return
	}
	r.mu.Lock()
	_, running := r.probes[candidateVictim.ID]
	if !running {
		r.probes[candidateVictim.ID] = &probe{
			old:       candidateVictim,
			candidate: p,
			deadline:  time.Now().Add(probeTimeout),
		}
	}
	r.mu.Unlock()
	if !running {
		r.sendMessage(candidateVictim, MsgPing, r.localPing().ToBytes())
	}
}

// resolveProbe cancels the eviction probe for a peer that proved alive.
func (r *Router) resolveProbe(id Hash) {
	r.mu.Lock()
	delete(r.probes, id)
	r.mu.Unlock()
}

func (r *Router) dispatch(peer *Peer, kind MessageKind, payload []byte) {
	switch kind {
	case MsgPing:
		p, err := PingFromBytes(payload)
		if err != nil {
			return
		}
		r.table.UpdateStatus(peer.ID, p.IsValidator, p.LatestBlock)
		r.sendMessage(peer, MsgPong, r.localPing().ToBytes())
	case MsgPong:
		p, err := PingFromBytes(payload)
		if err != nil {
			return
		}
		r.table.UpdateStatus(peer.ID, p.IsValidator, p.LatestBlock)
	case MsgFindPeer:
		target, err := decodeTargetHash(payload)
		if err != nil {
			return
		}
		r.sendMessage(peer, MsgPeers, encodePeers(r.peerInfos(target, peer.ID)))
	case MsgPeers:
		infos, err := decodePeers(payload)
		if err != nil {
			return
		}
		for _, info := range infos {
			if info.ID == r.localID || r.table.Get(info.ID) != nil {
				continue
			}
			if addr, err := net.ResolveUDPAddr("udp", info.Addr); err == nil {
				r.Hello(addr)
			}
		}
	case MsgAtomGet:
		id, err := decodeTargetHash(payload)
		if err != nil {
			return
		}
		r.serveAtom(peer, id)
	case MsgAtom:
		chunk, err := decodeAtomChunk(payload)
		if err != nil {
			return
		}
		r.handleAtomChunk(peer, chunk)
	case MsgAtomNotFound:
		if id, err := decodeTargetHash(payload); err == nil {
			r.log.Debugf("peer %s lacks atom %s", peer.ID.Hex(), id.Hex())
		}
	case MsgAtomSetAnnounce:
		id, err := decodeTargetHash(payload)
		if err != nil {
			return
		}
		if _, ok := r.storage.GetLocal(id); !ok {
			r.sendMessage(peer, MsgAtomGet, id[:])
		}
	}
}

// peerInfos builds a PEERS response: the k closest records to target,
// excluding the requester.
func (r *Router) peerInfos(target Hash, exclude Hash) []PeerInfo {
	peers := r.table.Closest(target, BucketSize+1)
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.ID == exclude || p.Addr == nil {
			continue
		}
		infos = append(infos, PeerInfo{ID: p.ID, Addr: p.Addr.String()})
		if len(infos) == BucketSize {
			break
		}
	}
	return infos
}

// serveAtom answers ATOM_GET from local tiers only; remote fall-through
// on behalf of another node would amplify traffic.
func (r *Router) serveAtom(peer *Peer, id Hash) {
	atom, ok := r.storage.GetLocal(id)
	if !ok {
		r.sendMessage(peer, MsgAtomNotFound, id[:])
		return
	}
	for _, chunk := range chunkAtom(id, atom.Encode()) {
		r.sendMessage(peer, MsgAtom, encodeAtomChunk(chunk))
	}
}

// handleAtomChunk reassembles ATOM transfers by (sender, atom id) and
// hands complete atoms to the storage facade for verification.
func (r *Router) handleAtomChunk(peer *Peer, chunk AtomChunk) {
	key := peer.ID.Hex() + chunk.ID.Hex()

	r.reasmMu.Lock()
	buf, ok := r.reasm.Get(key)
	if !ok || buf.total != chunk.Total {
		buf = &reassembly{total: chunk.Total, chunks: make([][]byte, chunk.Total)}
		r.reasm.Add(key, buf)
	}
	if buf.chunks[chunk.Index] == nil {
		buf.chunks[chunk.Index] = chunk.Data
		buf.received++
	}
	if buf.received < int(buf.total) {
		r.reasmMu.Unlock()
		return
	}
	r.reasm.Remove(key)
	var enc []byte
	for _, part := range buf.chunks {
		enc = append(enc, part...)
	}
	r.reasmMu.Unlock()

	atom, err := DecodeAtom(enc)
	if err != nil {
		r.log.Debugf("bad atom from %s: %v", peer.ID.Hex(), err)
		return
	}
	r.storage.Deliver(chunk.ID, atom)
}

// RequestAtom implements AtomFetcher: ATOM_GET goes to up to n closest
// unasked peers.
func (r *Router) RequestAtom(id Hash, asked map[Hash]struct{}, n int) []Hash {
	peers := r.table.Closest(id, BucketSize)
	var sent []Hash
	for _, p := range peers {
		if len(sent) == n {
			break
		}
		if _, done := asked[p.ID]; done {
			continue
		}
		r.sendMessage(p, MsgAtomGet, id[:])
		sent = append(sent, p.ID)
	}
	return sent
}

// Announce broadcasts ATOM_SET_ANNOUNCE for id to peers closer to the
// id than we are; recipients pull with ATOM_GET.
func (r *Router) Announce(id Hash) {
	selfDist := xorDistance(r.localID, id)
	for _, p := range r.table.Closest(id, BucketSize) {
		if xorDistance(p.ID, id).Cmp(selfDist) < 0 {
			r.sendMessage(p, MsgAtomSetAnnounce, id[:])
		}
	}
}

// Tick runs the single-timer maintenance wheel: probe expiry, periodic
// pings, bucket refresh and stale-peer pruning.
func (r *Router) Tick(now time.Time) {
	r.mu.Lock()
	var expired []*probe
	for id, pr := range r.probes {
		if now.After(pr.deadline) {
			delete(r.probes, id)
			expired = append(expired, pr)
		}
	}
	doPing := now.Sub(r.lastPing) >= pingInterval
	if doPing {
		r.lastPing = now
	}
	doRefresh := now.Sub(r.lastRefresh) >= refreshInterval
	if doRefresh {
		r.lastRefresh = now
	}
	r.mu.Unlock()

	for _, pr := range expired {
		r.log.Debugf("probe timeout, replacing %s with %s", pr.old.ID.Hex(), pr.candidate.ID.Hex())
		r.table.Replace(pr.old, pr.candidate)
	}
	if doPing {
		payload := r.localPing().ToBytes()
		for i, p := range r.table.All() {
			if i == pingSampleSize {
				break
			}
			r.sendMessage(p, MsgPing, payload)
		}
	}
	if doRefresh {
		for _, p := range r.table.Closest(r.localID, requestFanout) {
			r.sendMessage(p, MsgFindPeer, r.localID[:])
		}
	}
	for _, p := range r.table.Stale(now.Add(-staleAfter)) {
		r.log.Debugf("pruning stale peer %s", p.ID.Hex())
		r.table.Remove(p.ID)
	}
}
