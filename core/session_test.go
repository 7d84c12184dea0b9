package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

func testSessionPair(t *testing.T) (*Session, *Session, Hash, Hash) {
	t.Helper()
	privA, idA, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("relay key: %v", err)
	}
	privB, idB, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("relay key: %v", err)
	}
	sessA, err := NewSession(privA, idA, idB)
	if err != nil {
		t.Fatalf("session a: %v", err)
	}
	sessB, err := NewSession(privB, idB, idA)
	if err != nil {
		t.Fatalf("session b: %v", err)
	}
	return sessA, sessB, idA, idB
}

func TestSessionSealOpen(t *testing.T) {
	sessA, sessB, idA, idB := testSessionPair(t)
	msg := []byte("atom traffic")

	counter, ct, err := sessA.Seal(idA, msg)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := sessB.Open(counter, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("plaintext mismatch")
	}

	// And the reverse direction uses the mirrored key.
	counter, ct, err = sessB.Seal(idB, []byte("reply"))
	if err != nil {
		t.Fatalf("seal reverse: %v", err)
	}
	if _, err := sessA.Open(counter, ct); err != nil {
		t.Fatalf("open reverse: %v", err)
	}
}

func TestSessionReplayRejected(t *testing.T) {
	sessA, sessB, idA, _ := testSessionPair(t)
	counter, ct, _ := sessA.Seal(idA, []byte("once"))
	if _, err := sessB.Open(counter, ct); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := sessB.Open(counter, ct); !errors.Is(err, errReplay) {
		t.Fatalf("replay accepted: %v", err)
	}
}

func TestSessionOutOfOrderWithinWindow(t *testing.T) {
	sessA, sessB, idA, _ := testSessionPair(t)
	c1, ct1, _ := sessA.Seal(idA, []byte("one"))
	c2, ct2, _ := sessA.Seal(idA, []byte("two"))
	if _, err := sessB.Open(c2, ct2); err != nil {
		t.Fatalf("open newer: %v", err)
	}
	if _, err := sessB.Open(c1, ct1); err != nil {
		t.Fatalf("open older within window: %v", err)
	}
	if _, err := sessB.Open(c1, ct1); !errors.Is(err, errReplay) {
		t.Fatalf("late replay accepted")
	}
}

func TestSessionCounterJumpForcesRekey(t *testing.T) {
	_, sessB, _, _ := testSessionPair(t)
	jump := uint64(replayWindowSize + 2)
	if _, err := sessB.Open(jump, []byte("whatever")); !errors.Is(err, ErrCounterJump) {
		t.Fatalf("want ErrCounterJump, got %v", err)
	}
}

func TestSessionTamperedCiphertext(t *testing.T) {
	sessA, sessB, idA, _ := testSessionPair(t)
	counter, ct, _ := sessA.Seal(idA, []byte("intact"))
	ct[0] ^= 0xff
	_, err := sessB.Open(counter, ct)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthError, got %v", err)
	}
	// A failed open must not advance the replay window.
	counter2, ct2, _ := sessA.Seal(idA, []byte("second"))
	if _, err := sessB.Open(counter2, ct2); err != nil {
		t.Fatalf("window advanced by failed open: %v", err)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	_, identity, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	_, relayPub, err := GenerateRelayKey()
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	h, err := NewHandshake(handshakeHello, identity, relayPub)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	decoded, err := DecodeHandshake(h.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := decoded.Verify(relayPub); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// A handshake bound to a different relay key must not verify.
	_, otherPub, _ := GenerateRelayKey()
	if err := decoded.Verify(otherPub); err == nil {
		t.Fatalf("signature verified for the wrong relay key")
	}
}

func TestHandshakeDecodeErrors(t *testing.T) {
	if _, err := DecodeHandshake(make([]byte, 10)); err == nil {
		t.Fatalf("short handshake decoded")
	}
	bad := make([]byte, handshakeSize)
	bad[0] = 0x09
	if _, err := DecodeHandshake(bad); err == nil {
		t.Fatalf("unknown handshake kind decoded")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var sender Hash
	sender[3] = 0x42
	frame := buildFrame(sender, 77, []byte("body"))
	gotSender, counter, body, err := parseFrame(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if gotSender != sender || counter != 77 || !bytes.Equal(body, []byte("body")) {
		t.Fatalf("frame fields mismatch")
	}
	if _, _, _, err := parseFrame(frame[:10]); err == nil {
		t.Fatalf("short frame parsed")
	}
}
