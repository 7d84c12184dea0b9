package core

// Node runtime: owns the UDP sockets, the worker pool and the
// lifecycles of the storage tiers, peer table, session layer and
// router, and exposes the public node API. One shutdown channel is
// observed by every goroutine.

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	logrus "github.com/sirupsen/logrus"

	"github.com/astreum/astreum-go/pkg/config"
	"github.com/astreum/astreum-go/pkg/utils"
)

const (
	dispatchWorkers  = 4
	dispatchBacklog  = 256
	bootstrapTimeout = 10 * time.Second
	timerResolution  = 1 * time.Second
	maxDatagramSize  = 2048
)

type datagram struct {
	data []byte
	from *net.UDPAddr
}

// Node is one Astreum network participant.
type Node struct {
	cfg *config.Config
	log *logrus.Logger

	identity  ed25519.PrivateKey
	relayPriv [32]byte
	relayPub  Hash

	hot     *HotStorage
	cold    *ColdStorage
	storage *Storage
	table   *PeerTable
	router  *Router

	incoming *net.UDPConn
	outgoing *net.UDPConn

	dispatch  chan datagram
	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	connected atomic.Bool

	mu          sync.Mutex
	latestBlock Hash
}

// NewNode builds a node from the configuration. A nil config gives the
// in-memory test defaults.
func NewNode(cfg *config.Config) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.HotStorageDefaultLimit <= 0 {
		cfg.HotStorageDefaultLimit = config.DefaultHotStorageLimit
	}

	log := logrus.New()
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	n := &Node{
		cfg:      cfg,
		log:      log,
		dispatch: make(chan datagram, dispatchBacklog),
		shutdown: make(chan struct{}),
	}

	var err error
	if cfg.ValidatorKey != "" {
		seed, err := hex.DecodeString(cfg.ValidatorKey)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, errors.New("validator_key must be a 32-byte hex seed")
		}
		n.identity = ed25519.NewKeyFromSeed(seed)
	} else {
		if _, n.identity, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, utils.Wrap(err, "identity key")
		}
	}
	if n.relayPriv, n.relayPub, err = GenerateRelayKey(); err != nil {
		return nil, utils.Wrap(err, "relay key")
	}

	n.hot = NewHotStorage(cfg.HotStorageDefaultLimit)
	if cfg.ColdStorageEnabled() {
		if n.cold, err = OpenColdStorage(cfg.ColdStoragePath, cfg.ColdStorageLimit, log); err != nil {
			return nil, err
		}
	}
	n.storage = NewStorage(n.hot, n.cold, log)
	n.storage.SetShutdown(n.shutdown)
	n.table = NewPeerTable(n.relayPub)
	n.router = NewRouter(n.relayPub, n.relayPriv, n.identity, n.table, n.storage, n.localPing, log)

	log.Debugf("node ready chain=%s id=%s", cfg.Chain, n.relayPub.Hex())
	return n, nil
}

// localPing is the payload this node advertises in pings and pongs.
func (n *Node) localPing() Ping {
	p := Ping{IsValidator: n.cfg.ValidatorKey != ""}
	n.mu.Lock()
	if !n.latestBlock.IsZero() {
		h := n.latestBlock
		p.LatestBlock = &h
	}
	n.mu.Unlock()
	return p
}

// Connect binds the sockets, starts the worker and timer goroutines,
// and performs the bootstrap handshakes. With seeds configured it
// blocks until at least one peer is established or the deadline
// elapses; without seeds it returns once the sockets are up.
func (n *Node) Connect(ctx context.Context) error {
	select {
	case <-n.shutdown:
		return ErrShutdown
	default:
	}

	var err error
	n.incoming, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: n.cfg.IncomingPort})
	if err != nil {
		return utils.Wrap(err, "bind incoming socket")
	}
	n.outgoing, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		n.incoming.Close()
		return utils.Wrap(err, "bind outgoing socket")
	}
	n.router.SetConn(n.outgoing)

	for _, conn := range []*net.UDPConn{n.incoming, n.outgoing} {
		n.wg.Add(1)
		go n.readLoop(conn)
	}
	for i := 0; i < dispatchWorkers; i++ {
		n.wg.Add(1)
		go n.dispatchLoop()
	}
	n.wg.Add(1)
	go n.timerLoop()

	seeds := n.cfg.Seeds()
	for _, seed := range seeds {
		addr, err := net.ResolveUDPAddr("udp", seed)
		if err != nil {
			n.log.Warnf("bad seed %q: %v", seed, err)
			continue
		}
		n.router.Hello(addr)
	}
	n.log.Debugf("listening incoming=%d outgoing=%d seeds=%d",
		n.IncomingPort(), n.outgoing.LocalAddr().(*net.UDPAddr).Port, len(seeds))

	if len(seeds) > 0 {
		deadline := time.NewTimer(bootstrapTimeout)
		defer deadline.Stop()
		probe := time.NewTicker(50 * time.Millisecond)
		defer probe.Stop()
		for n.table.Len() == 0 {
			select {
			case <-probe.C:
			case <-deadline.C:
				return errors.New("bootstrap: no seed responded before deadline")
			case <-ctx.Done():
				return ErrTimedOut
			case <-n.shutdown:
				return ErrShutdown
			}
		}
	}
	n.connected.Store(true)
	return nil
}

func (n *Node) readLoop(conn *net.UDPConn) {
	defer n.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		size, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		data := make([]byte, size)
		copy(data, buf[:size])
		select {
		case n.dispatch <- datagram{data: data, from: from}:
		case <-n.shutdown:
			return
		default:
			// Backlog full; UDP is lossy anyway.
		}
	}
}

func (n *Node) dispatchLoop() {
	defer n.wg.Done()
	for {
		select {
		case d := <-n.dispatch:
			n.router.HandleDatagram(d.data, d.from)
		case <-n.shutdown:
			return
		}
	}
}

func (n *Node) timerLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(timerResolution)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			n.storage.Tick(now)
			n.router.Tick(now)
		case <-n.shutdown:
			return
		}
	}
}

// Close stops the workers, closes the sockets and unwinds every
// pending waiter with ErrShutdown. Safe to call more than once.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.shutdown)
		if n.incoming != nil {
			n.incoming.Close()
		}
		if n.outgoing != nil {
			n.outgoing.Close()
		}
		n.wg.Wait()
		n.storage.FailAll()
		n.connected.Store(false)
	})
}

// IsConnected reports whether Connect completed.
func (n *Node) IsConnected() bool {
	return n.connected.Load()
}

// RelayPublicKey returns the node's 32-byte overlay id.
func (n *Node) RelayPublicKey() []byte {
	return append([]byte(nil), n.relayPub[:]...)
}

// IncomingPort returns the bound port of the incoming socket, 0 before
// Connect.
func (n *Node) IncomingPort() int {
	if n.incoming == nil {
		return 0
	}
	return n.incoming.LocalAddr().(*net.UDPAddr).Port
}

// StorageGet fetches the atom for id, falling through to the network,
// within timeout.
func (n *Node) StorageGet(id Hash, timeout time.Duration) (*Atom, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return n.storage.Get(ctx, id)
}

// StorageSet writes the atom locally and returns its id. Announcement
// is separate; see NetworkSet.
func (n *Node) StorageSet(a *Atom) (Hash, error) {
	return n.storage.Set(a)
}

// NetworkSet announces the atom id to peers closer to it than this
// node.
func (n *Node) NetworkSet(id Hash) {
	n.router.Announce(id)
}

// GetPeer returns the routing-table record for a peer id, or nil.
func (n *Node) GetPeer(id Hash) *Peer {
	return n.table.Get(id)
}

// HasAtomReq reports whether a network fetch for id is pending.
func (n *Node) HasAtomReq(id Hash) bool {
	return n.storage.HasAtomReq(id)
}

// Storage exposes the facade for block and trie traversal.
func (n *Node) Storage() *Storage {
	return n.storage
}

// SetLatestBlock updates the block hash advertised in pings.
func (n *Node) SetLatestBlock(h Hash) {
	n.mu.Lock()
	n.latestBlock = h
	n.mu.Unlock()
}

// HotStorageSet installs an atom directly into the hot tier. Narrow
// test surface; production writers go through StorageSet.
func (n *Node) HotStorageSet(id Hash, a *Atom) bool {
	return n.hot.Set(id, a)
}

// IdentityPublicKey returns the node's Ed25519 identity key.
func (n *Node) IdentityPublicKey() ed25519.PublicKey {
	return n.identity.Public().(ed25519.PublicKey)
}
