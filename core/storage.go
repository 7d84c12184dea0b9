package core

// Storage facade: unified get/set over the hot and cold tiers with
// network fall-through. Concurrent callers for the same missing atom
// share one pending-request record, so a node emits at most one fan-out
// of ATOM_GET datagrams per id per TTL window regardless of caller
// count.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"
)

// Fan-out and TTL defaults for remote fetches.
const (
	requestFanout = 3
	requestTTL    = 10 * time.Second
	requestTTLMax = 30 * time.Second
)

// AtomFetcher issues ATOM_GET requests on the overlay. Implemented by
// the router; nil on an offline node.
type AtomFetcher interface {
	// RequestAtom sends ATOM_GET for id to up to n closest peers not in
	// asked, returning the ids of the peers actually asked.
	RequestAtom(id Hash, asked map[Hash]struct{}, n int) []Hash
}

type storageResult struct {
	atom *Atom
	err  error
}

// pendingRequest coordinates all waiters for one in-flight atom fetch.
type pendingRequest struct {
	id        Hash
	waiters   map[uuid.UUID]chan storageResult
	asked     map[Hash]struct{}
	created   time.Time
	nextRetry time.Time
	deadline  time.Time
}

// Storage is the two-tier atom store with network fall-through.
type Storage struct {
	hot  *HotStorage
	cold *ColdStorage // nil when disabled

	mu      sync.Mutex
	pending map[Hash]*pendingRequest
	net     AtomFetcher

	shutdown <-chan struct{}
	log      *logrus.Entry
}

// NewStorage wires the facade over the given tiers. cold may be nil.
// Atoms evicted from the hot tier demote to cold.
func NewStorage(hot *HotStorage, cold *ColdStorage, lg *logrus.Logger) *Storage {
	s := &Storage{
		hot:     hot,
		cold:    cold,
		pending: make(map[Hash]*pendingRequest),
		log:     lg.WithField("component", "storage"),
	}
	if cold != nil {
		hot.SetEvictHandler(func(id Hash, a *Atom) {
			cold.Set(id, a)
		})
	}
	return s
}

// SetFetcher attaches the overlay fetch path. Called once during node
// construction, before any Get can reach the network.
func (s *Storage) SetFetcher(f AtomFetcher) {
	s.mu.Lock()
	s.net = f
	s.mu.Unlock()
}

// SetShutdown attaches the node's cancellation signal; pending waiters
// unwind with ErrShutdown when it closes.
func (s *Storage) SetShutdown(ch <-chan struct{}) {
	s.shutdown = ch
}

// Set writes the atom to the hot tier and returns its id. It never
// announces; announcement is the explicit NetworkSet on the node, so
// batch writers can dedupe.
func (s *Storage) Set(a *Atom) (Hash, error) {
	id := a.ID()
	if !s.hot.Set(id, a) {
		if s.cold == nil || !s.cold.Set(id, a) {
			return id, ErrCapacity
		}
	}
	return id, nil
}

// GetLocal probes the hot then cold tier only, promoting cold hits.
func (s *Storage) GetLocal(id Hash) (*Atom, bool) {
	if a, ok := s.hot.Get(id); ok {
		return a, true
	}
	if s.cold != nil {
		if a, ok := s.cold.Get(id); ok {
			s.hot.Set(id, a)
			return a, true
		}
	}
	return nil, false
}

// Get returns the atom for id, probing hot, then cold, then the
// network. It blocks until the atom arrives, the request TTL is
// exhausted (ErrNotFound), the context deadline passes (ErrTimedOut),
// or the node shuts down (ErrShutdown).
func (s *Storage) Get(ctx context.Context, id Hash) (*Atom, error) {
	if a, ok := s.GetLocal(id); ok {
		return a, nil
	}

	waiter := uuid.New()
	ch := make(chan storageResult, 1)

	s.mu.Lock()
	// Re-check under the pending lock: an arrival may have installed the
	// atom between the tier probe and here.
	if a, ok := s.hot.Get(id); ok {
		s.mu.Unlock()
		return a, nil
	}
	if s.net == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	req, ok := s.pending[id]
	if ok {
		req.waiters[waiter] = ch
		s.mu.Unlock()
	} else {
		now := time.Now()
		req = &pendingRequest{
			id:        id,
			waiters:   map[uuid.UUID]chan storageResult{waiter: ch},
			asked:     make(map[Hash]struct{}),
			created:   now,
			nextRetry: now.Add(requestTTL),
			deadline:  now.Add(requestTTLMax),
		}
		s.pending[id] = req
		net := s.net
		s.mu.Unlock()

		asked := net.RequestAtom(id, nil, requestFanout)
		s.mu.Lock()
		for _, p := range asked {
			req.asked[p] = struct{}{}
		}
		s.mu.Unlock()
		s.log.Debugf("atom request id=%s peers=%d", id.Hex(), len(asked))
	}

	select {
	case res := <-ch:
		return res.atom, res.err
	case <-ctx.Done():
		s.dropWaiter(id, waiter)
		return nil, ErrTimedOut
	case <-s.shutdown:
		s.dropWaiter(id, waiter)
		return nil, ErrShutdown
	}
}

// dropWaiter removes one waiter from a pending record. The record
// itself stays until its deadline so late replies remain deduped.
func (s *Storage) dropWaiter(id Hash, w uuid.UUID) {
	s.mu.Lock()
	if req, ok := s.pending[id]; ok {
		delete(req.waiters, w)
	}
	s.mu.Unlock()
}

// HasAtomReq reports whether a pending network request exists for id.
func (s *Storage) HasAtomReq(id Hash) bool {
	s.mu.Lock()
	_, ok := s.pending[id]
	s.mu.Unlock()
	return ok
}

// Deliver installs an atom that arrived from the network. The id is
// recomputed from the bytes; a mismatch drops the delivery. All waiters
// wake with the atom and the pending record is destroyed.
func (s *Storage) Deliver(id Hash, a *Atom) bool {
	if a.ID() != id {
		s.log.Debugf("dropping atom with id mismatch, claimed=%s", id.Hex())
		return false
	}
	s.hot.Set(id, a)

	s.mu.Lock()
	req, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return true
	}
	for _, ch := range req.waiters {
		ch <- storageResult{atom: a}
	}
	return true
}

// Tick drives retry and expiry for pending requests. Called from the
// node's timer loop.
func (s *Storage) Tick(now time.Time) {
	var retries []*pendingRequest
	var failed []*pendingRequest

	s.mu.Lock()
	net := s.net
	for id, req := range s.pending {
		if now.Before(req.nextRetry) {
			continue
		}
		if now.After(req.deadline) {
			delete(s.pending, id)
			failed = append(failed, req)
			continue
		}
		retries = append(retries, req)
	}
	s.mu.Unlock()

	for _, req := range failed {
		for _, ch := range req.waiters {
			ch <- storageResult{err: ErrNotFound}
		}
		s.log.Debugf("atom request expired id=%s", req.id.Hex())
	}
	if net == nil {
		return
	}
	for _, req := range retries {
		s.mu.Lock()
		asked := make(map[Hash]struct{}, len(req.asked))
		for p := range req.asked {
			asked[p] = struct{}{}
		}
		s.mu.Unlock()

		fresh := net.RequestAtom(req.id, asked, requestFanout)
		s.mu.Lock()
		for _, p := range fresh {
			req.asked[p] = struct{}{}
		}
		if len(fresh) == 0 {
			// No unasked peers remain; let the record run out its TTL.
			req.nextRetry = req.deadline
		} else {
			req.nextRetry = now.Add(requestTTL)
			if req.nextRetry.After(req.deadline) {
				req.nextRetry = req.deadline
			}
		}
		s.mu.Unlock()
	}
}

// FailAll unwinds every pending waiter with ErrShutdown. Called once
// during node close.
func (s *Storage) FailAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[Hash]*pendingRequest)
	s.mu.Unlock()
	for _, req := range pending {
		for _, ch := range req.waiters {
			ch <- storageResult{err: ErrShutdown}
		}
	}
}
