package core

// Session layer: per-peer authenticated encryption over UDP. Each node
// owns a long-term Ed25519 identity key and an ephemeral X25519 relay
// key; the relay public key is the node id. A two-message handshake
// (HELLO / HELLO_ACK) proves the identity key endorses the relay key
// and yields directional ChaCha20-Poly1305 keys via a domain-separated
// BLAKE3 KDF.
//
// Frame layout, every datagram:
//
//	sender relay key (32B) | counter (8B BE) | body
//
// A counter of 2^64-1 marks a plaintext handshake body; real sessions
// re-key long before the counter could reach it. Post-handshake bodies
// are AEAD ciphertext with nonce = counter zero-padded to 12 bytes and
// AD = sender id || counter.

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

const (
	frameHeaderSize  = HashSize + 8
	handshakeCounter = ^uint64(0)

	replayWindowSize = 64
	// rekeyAfter is the send-counter ceiling; Seal refuses beyond it and
	// the router re-handshakes.
	rekeyAfter = handshakeCounter - (1 << 16)

	handshakeHello    byte = 0x00
	handshakeHelloAck byte = 0x01
	handshakeSize          = 1 + 32 + 32 + ed25519.SignatureSize
)

// errReplay and ErrCounterJump are session drop reasons. A replayed or
// stale counter is dropped silently; a forward jump past the replay
// window invalidates the session and forces a re-handshake.
var (
	errReplay      = errors.New("session: replayed or stale counter")
	ErrCounterJump = errors.New("session: counter jump beyond replay window")
)

// Handshake is the plaintext HELLO / HELLO_ACK body. The signature is
// the identity key's endorsement of ephemeralPub || nonce.
type Handshake struct {
	Kind        byte
	IdentityKey ed25519.PublicKey
	Nonce       [32]byte
	Signature   []byte
}

// NewHandshake signs the local relay key with the identity key.
func NewHandshake(kind byte, identity ed25519.PrivateKey, relayPub Hash) (*Handshake, error) {
	h := &Handshake{
		Kind:        kind,
		IdentityKey: identity.Public().(ed25519.PublicKey),
	}
	if _, err := rand.Read(h.Nonce[:]); err != nil {
		return nil, err
	}
	msg := append(append([]byte(nil), relayPub[:]...), h.Nonce[:]...)
	h.Signature = ed25519.Sign(identity, msg)
	return h, nil
}

// Encode lays out kind | identity key | nonce | signature.
func (h *Handshake) Encode() []byte {
	out := make([]byte, 0, handshakeSize)
	out = append(out, h.Kind)
	out = append(out, h.IdentityKey...)
	out = append(out, h.Nonce[:]...)
	out = append(out, h.Signature...)
	return out
}

// DecodeHandshake parses a handshake body.
func DecodeHandshake(b []byte) (*Handshake, error) {
	if len(b) != handshakeSize {
		return nil, protocolErrorf("handshake must be %d bytes, got %d", handshakeSize, len(b))
	}
	if b[0] != handshakeHello && b[0] != handshakeHelloAck {
		return nil, protocolErrorf("unknown handshake kind %#x", b[0])
	}
	h := &Handshake{
		Kind:        b[0],
		IdentityKey: append(ed25519.PublicKey(nil), b[1:33]...),
	}
	copy(h.Nonce[:], b[33:65])
	h.Signature = append([]byte(nil), b[65:]...)
	return h, nil
}

// Verify checks the signature against the sender's relay key (the
// frame's sender id).
func (h *Handshake) Verify(relayPub Hash) error {
	msg := append(append([]byte(nil), relayPub[:]...), h.Nonce[:]...)
	if !ed25519.Verify(h.IdentityKey, msg, h.Signature) {
		return &AuthError{Reason: "handshake signature invalid"}
	}
	return nil
}

// Session is one established channel to a peer. One session exists per
// peer id at a time; re-keying is a full re-handshake that replaces it.
type Session struct {
	peerID      Hash
	established time.Time

	mu          sync.Mutex
	sendCounter uint64
	recvMax     uint64
	recvWindow  uint64 // bitmap over [recvMax-63, recvMax]

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
}

// deriveSessionKey expands the X25519 shared secret into one
// directional key. The context string orders sender before receiver, so
// both ends derive matching key pairs.
func deriveSessionKey(secret []byte, from, to Hash) [32]byte {
	var key [32]byte
	ctx := "astreum/session/v1 " + from.Hex() + " " + to.Hex()
	blake3.DeriveKey(key[:], ctx, secret)
	return key
}

// NewSession performs the key schedule for an established handshake:
// X25519 over the local relay private key and the remote relay public
// key, expanded into send and receive keys.
func NewSession(localPriv [32]byte, localID, remoteID Hash) (*Session, error) {
	secret, err := curve25519.X25519(localPriv[:], remoteID[:])
	if err != nil {
		return nil, &AuthError{Reason: "x25519: " + err.Error()}
	}
	sendKey := deriveSessionKey(secret, localID, remoteID)
	recvKey := deriveSessionKey(secret, remoteID, localID)
	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}
	return &Session{
		peerID:      remoteID,
		established: time.Now(),
		sendAEAD:    sendAEAD,
		recvAEAD:    recvAEAD,
	}, nil
}

// PeerID returns the remote node id.
func (s *Session) PeerID() Hash {
	return s.peerID
}

func aeadNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func frameAD(sender Hash, counter uint64) []byte {
	ad := make([]byte, frameHeaderSize)
	copy(ad, sender[:])
	binary.BigEndian.PutUint64(ad[HashSize:], counter)
	return ad
}

// Seal encrypts plaintext under the next send counter and returns the
// counter with the ciphertext. ErrCapacity signals counter exhaustion;
// the caller must re-handshake.
func (s *Session) Seal(localID Hash, plaintext []byte) (uint64, []byte, error) {
	s.mu.Lock()
	s.sendCounter++
	counter := s.sendCounter
	s.mu.Unlock()
	if counter >= rekeyAfter {
		return 0, nil, ErrCapacity
	}
	ct := s.sendAEAD.Seal(nil, aeadNonce(counter), plaintext, frameAD(localID, counter))
	return counter, ct, nil
}

// Open authenticates and decrypts a frame body, enforcing the sliding
// replay window. Duplicates and stale counters return errReplay; a
// forward jump past the window returns ErrCounterJump; an AEAD failure
// returns AuthError. The window only advances after authentication.
func (s *Session) Open(counter uint64, ciphertext []byte) ([]byte, error) {
	if counter == 0 || counter == handshakeCounter {
		return nil, &AuthError{Reason: "invalid frame counter"}
	}
	s.mu.Lock()
	recvMax := s.recvMax
	window := s.recvWindow
	s.mu.Unlock()

	if counter <= recvMax {
		offset := recvMax - counter
		if offset >= replayWindowSize {
			return nil, errReplay
		}
		if window&(1<<offset) != 0 {
			return nil, errReplay
		}
	} else if counter-recvMax > replayWindowSize {
		return nil, ErrCounterJump
	}

	plaintext, err := s.recvAEAD.Open(nil, aeadNonce(counter), ciphertext, frameAD(s.peerID, counter))
	if err != nil {
		return nil, &AuthError{Reason: "aead open failed"}
	}

	s.mu.Lock()
	if counter > s.recvMax {
		shift := counter - s.recvMax
		if shift >= replayWindowSize {
			s.recvWindow = 0
		} else {
			s.recvWindow <<= shift
		}
		s.recvWindow |= 1
		s.recvMax = counter
	} else {
		s.recvWindow |= 1 << (s.recvMax - counter)
	}
	s.mu.Unlock()
	return plaintext, nil
}

// buildFrame assembles sender id | counter | body.
func buildFrame(sender Hash, counter uint64, body []byte) []byte {
	out := make([]byte, frameHeaderSize+len(body))
	copy(out, sender[:])
	binary.BigEndian.PutUint64(out[HashSize:], counter)
	copy(out[frameHeaderSize:], body)
	return out
}

// parseFrame splits a datagram into sender id, counter and body.
func parseFrame(b []byte) (Hash, uint64, []byte, error) {
	if len(b) < frameHeaderSize {
		return Hash{}, 0, nil, protocolErrorf("frame shorter than header")
	}
	var sender Hash
	copy(sender[:], b[:HashSize])
	counter := binary.BigEndian.Uint64(b[HashSize:frameHeaderSize])
	return sender, counter, b[frameHeaderSize:], nil
}

// GenerateRelayKey produces an ephemeral X25519 key pair; the public
// key is the node id on the overlay.
func GenerateRelayKey() (priv [32]byte, pub Hash, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}
