package core

import (
	"bytes"
	"testing"
)

func TestPingToBytes(t *testing.T) {
	if got := (Ping{IsValidator: true}).ToBytes(); !bytes.Equal(got, []byte{0x01}) {
		t.Fatalf("validator ping = %x, want 01", got)
	}
	var latest Hash
	for i := range latest {
		latest[i] = 0xff
	}
	p := Ping{IsValidator: false, LatestBlock: &latest}
	want := append([]byte{0x00}, latest[:]...)
	if got := p.ToBytes(); !bytes.Equal(got, want) {
		t.Fatalf("full ping = %x, want %x", got, want)
	}
}

func TestPingFromBytes(t *testing.T) {
	var latest Hash
	for i := range latest {
		latest[i] = 0xff
	}
	p, err := PingFromBytes(append([]byte{0x00}, latest[:]...))
	if err != nil {
		t.Fatalf("decode full ping: %v", err)
	}
	if p.IsValidator || p.LatestBlock == nil || *p.LatestBlock != latest {
		t.Fatalf("full ping decoded wrong: %+v", p)
	}

	p, err = PingFromBytes([]byte{0x01})
	if err != nil {
		t.Fatalf("decode flag ping: %v", err)
	}
	if !p.IsValidator || p.LatestBlock != nil {
		t.Fatalf("flag ping decoded wrong: %+v", p)
	}
}

func TestPingRoundTrip(t *testing.T) {
	var latest Hash
	latest[0] = 0xaa
	cases := []Ping{
		{IsValidator: false},
		{IsValidator: true},
		{IsValidator: true, LatestBlock: &latest},
	}
	for _, p := range cases {
		got, err := PingFromBytes(p.ToBytes())
		if err != nil {
			t.Fatalf("round trip %+v: %v", p, err)
		}
		if got.IsValidator != p.IsValidator {
			t.Fatalf("flag mismatch for %+v", p)
		}
		if (got.LatestBlock == nil) != (p.LatestBlock == nil) {
			t.Fatalf("latest block presence mismatch for %+v", p)
		}
		if p.LatestBlock != nil && *got.LatestBlock != *p.LatestBlock {
			t.Fatalf("latest block mismatch for %+v", p)
		}
	}
}

func TestPingFormatErrors(t *testing.T) {
	bad := [][]byte{
		{},
		{0x02},
		{0x00, 0x01},
		append([]byte{0x02}, make([]byte, 32)...),
		make([]byte, 34),
	}
	for _, payload := range bad {
		if _, err := PingFromBytes(payload); err == nil {
			t.Fatalf("payload %x decoded without error", payload)
		} else if _, ok := err.(*ProtocolError); !ok {
			t.Fatalf("payload %x: want ProtocolError, got %T", payload, err)
		}
	}
}

func TestPeersRoundTrip(t *testing.T) {
	var a, b Hash
	a[0], b[0] = 1, 2
	in := []PeerInfo{
		{ID: a, Addr: "127.0.0.1:7000"},
		{ID: b, Addr: "10.0.0.9:41000"},
	}
	out, err := decodePeers(encodePeers(in))
	if err != nil {
		t.Fatalf("decode peers: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("peer count = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].ID != in[i].ID || out[i].Addr != in[i].Addr {
			t.Fatalf("entry %d mismatch: %+v", i, out[i])
		}
	}
}

func TestAtomChunking(t *testing.T) {
	payload := make([]byte, maxChunkData*2+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	atom, _ := NewBytesAtom(payload)
	enc := atom.Encode()
	chunks := chunkAtom(atom.ID(), enc)
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(chunks))
	}
	var rebuilt []byte
	for _, c := range chunks {
		decoded, err := decodeAtomChunk(encodeAtomChunk(c))
		if err != nil {
			t.Fatalf("chunk round trip: %v", err)
		}
		if decoded.ID != atom.ID() || decoded.Total != uint16(len(chunks)) {
			t.Fatalf("chunk header mismatch: %+v", decoded)
		}
		rebuilt = append(rebuilt, decoded.Data...)
	}
	if !bytes.Equal(rebuilt, enc) {
		t.Fatalf("reassembled bytes differ")
	}
}

func TestAtomChunkErrors(t *testing.T) {
	if _, err := decodeAtomChunk(make([]byte, 10)); err == nil {
		t.Fatalf("truncated chunk decoded")
	}
	c := AtomChunk{Total: 2, Index: 2, Data: []byte("x")}
	if _, err := decodeAtomChunk(encodeAtomChunk(c)); err == nil {
		t.Fatalf("out-of-range chunk index decoded")
	}
}
