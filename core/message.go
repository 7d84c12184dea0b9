package core

// Overlay wire messages. Every post-handshake datagram decrypts to a
// one-byte message kind followed by a kind-specific payload. Payload
// encodings are fixed-width where the protocol freezes them (ping,
// find-peer, atom chunks) and length-prefixed where they are not
// (peer lists).

import (
	"encoding/binary"
)

// MessageKind discriminates overlay messages.
type MessageKind byte

const (
	MsgPing MessageKind = iota + 1
	MsgPong
	MsgFindPeer
	MsgPeers
	MsgAtomGet
	MsgAtom
	MsgAtomNotFound
	MsgAtomSetAnnounce
)

// Ping payload sizes: a bare validator flag, or flag plus a 32-byte
// latest-block hash.
const (
	pingMinPayloadSize  = 1
	pingFullPayloadSize = 33
)

// Ping advertises the sender's validator role and, optionally, the
// latest block it knows. PONG carries the identical payload.
type Ping struct {
	IsValidator bool
	LatestBlock *Hash
}

// ToBytes encodes the ping payload: 1 flag byte, optionally followed by
// the 32-byte latest-block hash.
func (p Ping) ToBytes() []byte {
	flag := byte(0)
	if p.IsValidator {
		flag = 1
	}
	if p.LatestBlock == nil {
		return []byte{flag}
	}
	out := make([]byte, pingFullPayloadSize)
	out[0] = flag
	copy(out[1:], p.LatestBlock[:])
	return out
}

// PingFromBytes decodes a ping payload. Lengths other than 1 or 33, or
// a flag byte outside {0, 1}, are protocol errors.
func PingFromBytes(b []byte) (Ping, error) {
	if len(b) != pingMinPayloadSize && len(b) != pingFullPayloadSize {
		return Ping{}, protocolErrorf("ping payload must be 1 or 33 bytes, got %d", len(b))
	}
	if b[0] > 1 {
		return Ping{}, protocolErrorf("ping validator flag must be 0 or 1, got %d", b[0])
	}
	p := Ping{IsValidator: b[0] == 1}
	if len(b) == pingFullPayloadSize {
		var h Hash
		copy(h[:], b[1:])
		p.LatestBlock = &h
	}
	return p, nil
}

// PeerInfo is one entry of a PEERS response.
type PeerInfo struct {
	ID   Hash
	Addr string
}

// encodePeers lays out a PEERS payload: 1-byte count, then per entry a
// 32-byte peer id, a 1-byte address length, and the address text.
func encodePeers(peers []PeerInfo) []byte {
	if len(peers) > 255 {
		peers = peers[:255]
	}
	out := []byte{byte(len(peers))}
	for _, p := range peers {
		out = append(out, p.ID[:]...)
		addr := p.Addr
		if len(addr) > 255 {
			addr = addr[:255]
		}
		out = append(out, byte(len(addr)))
		out = append(out, addr...)
	}
	return out
}

func decodePeers(b []byte) ([]PeerInfo, error) {
	if len(b) < 1 {
		return nil, protocolErrorf("peers payload truncated")
	}
	count := int(b[0])
	b = b[1:]
	out := make([]PeerInfo, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < HashSize+1 {
			return nil, protocolErrorf("peers entry truncated")
		}
		var info PeerInfo
		copy(info.ID[:], b[:HashSize])
		addrLen := int(b[HashSize])
		b = b[HashSize+1:]
		if len(b) < addrLen {
			return nil, protocolErrorf("peers address truncated")
		}
		info.Addr = string(b[:addrLen])
		b = b[addrLen:]
		out = append(out, info)
	}
	return out, nil
}

// Atom chunking. Atoms larger than a UDP-safe payload travel as
// numbered chunks reassembled by (sender, atom id).
const maxChunkData = 1024

// AtomChunk is one fragment of an ATOM message.
type AtomChunk struct {
	ID    Hash
	Index uint16
	Total uint16
	Data  []byte
}

// encodeAtomChunk lays out: 32-byte atom id, 2-byte chunk index,
// 2-byte chunk total, chunk bytes.
func encodeAtomChunk(c AtomChunk) []byte {
	out := make([]byte, HashSize+4+len(c.Data))
	copy(out, c.ID[:])
	binary.BigEndian.PutUint16(out[HashSize:], c.Index)
	binary.BigEndian.PutUint16(out[HashSize+2:], c.Total)
	copy(out[HashSize+4:], c.Data)
	return out
}

func decodeAtomChunk(b []byte) (AtomChunk, error) {
	if len(b) < HashSize+4 {
		return AtomChunk{}, protocolErrorf("atom chunk truncated")
	}
	var c AtomChunk
	copy(c.ID[:], b[:HashSize])
	c.Index = binary.BigEndian.Uint16(b[HashSize:])
	c.Total = binary.BigEndian.Uint16(b[HashSize+2:])
	if c.Total == 0 || c.Index >= c.Total {
		return AtomChunk{}, protocolErrorf("atom chunk index %d out of %d", c.Index, c.Total)
	}
	c.Data = append([]byte(nil), b[HashSize+4:]...)
	return c, nil
}

// chunkAtom splits a canonical atom encoding into ATOM chunks.
func chunkAtom(id Hash, enc []byte) []AtomChunk {
	total := (len(enc) + maxChunkData - 1) / maxChunkData
	if total == 0 {
		total = 1
	}
	chunks := make([]AtomChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunkData
		end := start + maxChunkData
		if end > len(enc) {
			end = len(enc)
		}
		chunks = append(chunks, AtomChunk{
			ID:    id,
			Index: uint16(i),
			Total: uint16(total),
			Data:  enc[start:end],
		})
	}
	return chunks
}

// decodeTargetHash parses the 32-byte payload shared by FIND_PEER,
// ATOM_GET, ATOM_NOT_FOUND and ATOM_SET_ANNOUNCE.
func decodeTargetHash(b []byte) (Hash, error) {
	h, ok := HashFromBytes(b)
	if !ok {
		return Hash{}, protocolErrorf("expected 32-byte payload, got %d", len(b))
	}
	return h, nil
}
