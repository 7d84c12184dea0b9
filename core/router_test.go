package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func newTestRouter(t *testing.T) (*Router, *Storage) {
	t.Helper()
	_, identity, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	relayPriv, relayPub, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	storage := NewStorage(NewHotStorage(1<<20), nil, testLogger())
	table := NewPeerTable(relayPub)
	router := NewRouter(relayPub, relayPriv, identity, table, storage,
		func() Ping { return Ping{} }, testLogger())
	return router, storage
}

func TestRouterReassembly(t *testing.T) {
	router, storage := newTestRouter(t)
	payload := bytes.Repeat([]byte{0x3c}, maxChunkData*2+5)
	atom, _ := NewBytesAtom(payload)
	id := atom.ID()

	sender := &Peer{ID: Hash{0x01}, LastSeen: time.Now()}
	chunks := chunkAtom(id, atom.Encode())
	// Out-of-order arrival must still reassemble.
	for _, i := range []int{2, 0, 1} {
		router.handleAtomChunk(sender, chunks[i])
	}
	got, ok := storage.GetLocal(id)
	if !ok {
		t.Fatalf("reassembled atom not installed")
	}
	if !bytes.Equal(got.Data(), payload) {
		t.Fatalf("reassembled payload corrupted")
	}
}

func TestRouterReassemblyDuplicateChunks(t *testing.T) {
	router, storage := newTestRouter(t)
	payload := bytes.Repeat([]byte{0x11}, maxChunkData+1)
	atom, _ := NewBytesAtom(payload)
	id := atom.ID()
	sender := &Peer{ID: Hash{0x02}, LastSeen: time.Now()}
	chunks := chunkAtom(id, atom.Encode())

	router.handleAtomChunk(sender, chunks[0])
	router.handleAtomChunk(sender, chunks[0])
	if _, ok := storage.GetLocal(id); ok {
		t.Fatalf("atom completed from duplicate chunks")
	}
	router.handleAtomChunk(sender, chunks[1])
	if _, ok := storage.GetLocal(id); !ok {
		t.Fatalf("atom missing after all chunks")
	}
}

func TestRouterDropsGarbageDatagrams(t *testing.T) {
	router, _ := newTestRouter(t)
	// None of these may panic or mutate state.
	router.HandleDatagram(nil, nil)
	router.HandleDatagram([]byte("short"), nil)
	frame := buildFrame(Hash{0x09}, 5, []byte("not a valid ciphertext"))
	router.HandleDatagram(frame, nil)
	if router.table.Len() != 0 {
		t.Fatalf("garbage datagram created a peer")
	}
}

func TestRouterBlacklistsBadHandshake(t *testing.T) {
	router, _ := newTestRouter(t)
	_, otherIdentity, _ := ed25519.GenerateKey(rand.Reader)
	_, senderID, _ := GenerateRelayKey()
	_, wrongRelay, _ := GenerateRelayKey()

	// Signature binds the wrong relay key, so verification against the
	// frame sender must fail and the sender gets blacklisted.
	h, err := NewHandshake(handshakeHello, otherIdentity, wrongRelay)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	router.HandleDatagram(buildFrame(senderID, handshakeCounter, h.Encode()), nil)
	if router.table.Get(senderID) != nil {
		t.Fatalf("peer added despite bad signature")
	}
	if _, banned := router.blacklist.Get(senderID); !banned {
		t.Fatalf("bad handshake sender not blacklisted")
	}
}

func TestRouterRequestAtomSkipsAskedPeers(t *testing.T) {
	router, _ := newTestRouter(t)
	var ids []Hash
	for i := 1; i <= 5; i++ {
		p := &Peer{ID: Hash{byte(i)}, LastSeen: time.Now()}
		router.table.Insert(p)
		ids = append(ids, p.ID)
	}
	_, target := testAtom(t, "wanted")
	first := router.RequestAtom(target, nil, 3)
	if len(first) != 3 {
		t.Fatalf("first fan-out = %d peers", len(first))
	}
	asked := make(map[Hash]struct{})
	for _, id := range first {
		asked[id] = struct{}{}
	}
	second := router.RequestAtom(target, asked, 3)
	if len(second) != 2 {
		t.Fatalf("second fan-out = %d peers, want the 2 unasked", len(second))
	}
	for _, id := range second {
		if _, dup := asked[id]; dup {
			t.Fatalf("peer asked twice")
		}
	}
}
