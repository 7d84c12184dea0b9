package core

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/astreum/astreum-go/pkg/config"
)

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(node.Close)
	if err := node.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return node
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPair(t *testing.T) (*Node, *Node) {
	t.Helper()
	nodeA := startNode(t, nil)
	if !nodeA.IsConnected() {
		t.Fatalf("node_a not connected")
	}
	if nodeA.IncomingPort() == 0 {
		t.Fatalf("node_a bound no port")
	}

	cfgB := config.Default()
	cfgB.AdditionalSeeds = []string{fmt.Sprintf("127.0.0.1:%d", nodeA.IncomingPort())}
	nodeB := startNode(t, cfgB)
	if !nodeB.IsConnected() {
		t.Fatalf("node_b not connected")
	}
	return nodeA, nodeB
}

func TestNodeInitWithEmptyConfig(t *testing.T) {
	node, err := NewNode(nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer node.Close()
	if len(node.RelayPublicKey()) != HashSize {
		t.Fatalf("relay key length %d", len(node.RelayPublicKey()))
	}
	if err := node.Connect(context.Background()); err != nil {
		t.Fatalf("connect with defaults: %v", err)
	}
	if !node.IsConnected() || node.IncomingPort() == 0 {
		t.Fatalf("connected=%v port=%d", node.IsConnected(), node.IncomingPort())
	}
}

func TestNodeConnection(t *testing.T) {
	nodeA, nodeB := startPair(t)

	idA, okA := HashFromBytes(nodeA.RelayPublicKey())
	idB, okB := HashFromBytes(nodeB.RelayPublicKey())
	if !okA || !okB {
		t.Fatalf("relay keys malformed")
	}
	waitFor(t, 10*time.Second, "node_a to register node_b", func() bool {
		return nodeA.GetPeer(idB) != nil
	})
	waitFor(t, 10*time.Second, "node_b to register node_a", func() bool {
		return nodeB.GetPeer(idA) != nil
	})
}

func TestRemoteAtomFetch(t *testing.T) {
	nodeA, nodeB := startPair(t)
	idA, _ := HashFromBytes(nodeA.RelayPublicKey())
	idB, _ := HashFromBytes(nodeB.RelayPublicKey())
	waitFor(t, 10*time.Second, "mutual registration", func() bool {
		return nodeA.GetPeer(idB) != nil && nodeB.GetPeer(idA) != nil
	})

	atom, err := NewBytesAtom([]byte("remote-atom"))
	if err != nil {
		t.Fatalf("atom: %v", err)
	}
	id, err := nodeA.StorageSet(atom)
	if err != nil {
		t.Fatalf("storage set: %v", err)
	}
	nodeA.NetworkSet(id)

	fetched, err := nodeB.StorageGet(id, 10*time.Second)
	if err != nil {
		t.Fatalf("storage get: %v (pending=%v)", err, nodeB.HasAtomReq(id))
	}
	if fetched.ID() != id {
		t.Fatalf("fetched id mismatch")
	}
	if !bytes.Equal(fetched.Data(), []byte("remote-atom")) {
		t.Fatalf("fetched data = %q", fetched.Data())
	}
}

func TestRemoteFetchOfLargeAtom(t *testing.T) {
	nodeA, nodeB := startPair(t)
	idA, _ := HashFromBytes(nodeA.RelayPublicKey())
	idB, _ := HashFromBytes(nodeB.RelayPublicKey())
	waitFor(t, 10*time.Second, "mutual registration", func() bool {
		return nodeA.GetPeer(idB) != nil && nodeB.GetPeer(idA) != nil
	})

	// Forces chunked transfer and reassembly.
	payload := bytes.Repeat([]byte{0xa5}, maxChunkData*3+17)
	atom, err := NewBytesAtom(payload)
	if err != nil {
		t.Fatalf("atom: %v", err)
	}
	id, err := nodeA.StorageSet(atom)
	if err != nil {
		t.Fatalf("storage set: %v", err)
	}

	fetched, err := nodeB.StorageGet(id, 10*time.Second)
	if err != nil {
		t.Fatalf("storage get: %v", err)
	}
	if !bytes.Equal(fetched.Data(), payload) {
		t.Fatalf("large atom corrupted in transit")
	}
}

func TestNodeShutdownUnwindsWaiters(t *testing.T) {
	_, nodeB := startPair(t)
	_, id := testAtom(t, "never-arriving")

	done := make(chan error, 1)
	go func() {
		_, err := nodeB.StorageGet(id, time.Minute)
		done <- err
	}()
	waitFor(t, 5*time.Second, "pending request", func() bool {
		return nodeB.HasAtomReq(id)
	})
	nodeB.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("waiter returned an atom that does not exist")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("waiter not unwound on shutdown")
	}
}
