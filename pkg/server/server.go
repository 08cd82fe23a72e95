package server

import (
	"fmt"
	"sync"

	"github.com/cuemby/bigset/pkg/log"
	"github.com/cuemby/bigset/pkg/storage"
	"github.com/cuemby/bigset/pkg/types"
)

// Server is the core of the system: it owns the node's actor identity and
// the in-memory version vector, serializes all writes, and coordinates with
// the storage engine.
//
// The version vector lock is held exclusively across the context snapshot,
// the dot mint, and the storage transaction, so writes on a node are strictly
// serial. Readers share the lock only long enough to check causality.
type Server struct {
	actor types.ActorID
	store storage.Store

	mu sync.RWMutex
	vv *types.VersionVector
}

// New creates a server over the given storage, loading the persisted version
// vector before any write is served. Serving writes against a stale vector
// would re-mint observed dots; a bumped epoch is the safety net, not a
// substitute.
func New(actor types.ActorID, store storage.Store) (*Server, error) {
	vv, err := store.LoadVV()
	if err != nil {
		return nil, fmt.Errorf("failed to load version vector: %w", err)
	}
	return &Server{
		actor: actor,
		store: store,
		vv:    vv,
	}, nil
}

// ActorID returns this node's actor identity.
func (s *Server) ActorID() types.ActorID {
	return s.actor
}

// VersionVector returns a snapshot of the current vector.
func (s *Server) VersionVector() *types.VersionVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vv.Clone()
}

// SAdd adds members to a set. Returns the resulting vector and the operation
// to replicate. The operation's context is the vector BEFORE the new dot was
// minted: a peer that has seen exactly our pre-state can accept it.
func (s *Server) SAdd(setName string, members [][]byte) (*types.VersionVector, *types.Operation, error) {
	if len(members) == 0 {
		return nil, nil, types.NewInvalidArgs("wrong number of arguments for 'sadd' command")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	context := s.vv.Clone()
	dot := types.NewDot(s.actor, s.vv.Get(s.actor)+1)

	removedDots, err := s.store.AddElements(setName, members, dot)
	if err != nil {
		// the transaction failed; the in-memory vector is untouched
		return nil, nil, err
	}
	s.vv.Update(dot.Actor, dot.Counter)

	op := &types.Operation{
		SetName:     setName,
		Kind:        types.OpAdd,
		Elements:    members,
		Dot:         dot,
		RemovedDots: removedDots,
		Context:     context,
	}

	log.WithSet(setName).Debug().
		Int("members", len(members)).
		Stringer("dot", dot).
		Msg("sadd")

	return s.vv.Clone(), op, nil
}

// SRem removes members from a set. A remove that displaced nothing returns a
// nil operation and does not consume a counter: broadcasting nothing for a
// minted dot would leave a causal gap no peer could ever close.
func (s *Server) SRem(setName string, members [][]byte) (*types.VersionVector, *types.Operation, error) {
	if len(members) == 0 {
		return nil, nil, types.NewInvalidArgs("wrong number of arguments for 'srem' command")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	context := s.vv.Clone()
	dot := types.NewDot(s.actor, s.vv.Get(s.actor)+1)

	removedDots, err := s.store.RemoveElements(setName, members, dot)
	if err != nil {
		return nil, nil, err
	}
	if len(removedDots) == 0 {
		return s.vv.Clone(), nil, nil
	}
	s.vv.Update(dot.Actor, dot.Counter)

	op := &types.Operation{
		SetName:     setName,
		Kind:        types.OpRemove,
		Elements:    members,
		Dot:         dot,
		RemovedDots: removedDots,
		Context:     context,
	}

	log.WithSet(setName).Debug().
		Int("members", len(members)).
		Stringer("dot", dot).
		Msg("srem")

	return s.vv.Clone(), op, nil
}

// SCard returns the set's cardinality, honoring the client's read context.
func (s *Server) SCard(setName string, clientVV *types.VersionVector) (uint64, error) {
	if err := s.checkReady(clientVV); err != nil {
		return 0, err
	}
	return s.store.CountElements(setName)
}

// SMembers returns all members of the set.
func (s *Server) SMembers(setName string, clientVV *types.VersionVector) ([][]byte, error) {
	if err := s.checkReady(clientVV); err != nil {
		return nil, err
	}
	return s.store.GetElements(setName)
}

// SIsMember reports membership of one element.
func (s *Server) SIsMember(setName string, member []byte, clientVV *types.VersionVector) (bool, error) {
	if err := s.checkReady(clientVV); err != nil {
		return false, err
	}
	return s.store.IsMember(setName, member)
}

// SMIsMember reports membership for each element, positionally.
func (s *Server) SMIsMember(setName string, members [][]byte, clientVV *types.VersionVector) ([]bool, error) {
	if len(members) == 0 {
		return nil, types.NewInvalidArgs("wrong number of arguments for 'smismember' command")
	}
	if err := s.checkReady(clientVV); err != nil {
		return nil, err
	}
	return s.store.AreMembers(setName, members)
}

// checkReady rejects a read whose client vector the local one does not yet
// descend.
func (s *Server) checkReady(clientVV *types.VersionVector) error {
	if clientVV == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.vv.Descends(clientVV) {
		return &types.NotReadyError{Local: s.vv.Clone()}
	}
	return nil
}

// ApplyRemoteOperation applies an operation received from a peer.
//
// Returns (false, nil) when the local vector does not descend the
// operation's context; the caller buffers and retries after the gap closes.
// A duplicate dot (counter already observed) reports applied without
// touching storage, which makes remote apply idempotent.
func (s *Server) ApplyRemoteOperation(op *types.Operation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.vv.Descends(op.Context) {
		return false, nil
	}
	if op.Dot.Counter <= s.vv.Get(op.Dot.Actor) {
		return true, nil
	}

	var err error
	switch op.Kind {
	case types.OpAdd:
		err = s.store.ReplicateAdd(op.SetName, op.Elements, op.RemovedDots, op.Dot)
	case types.OpRemove:
		err = s.store.ReplicateRemove(op.SetName, op.Elements, op.RemovedDots, op.Dot)
	default:
		return false, fmt.Errorf("unknown operation kind %d", op.Kind)
	}
	if err != nil {
		return false, err
	}

	// advance only after the transaction committed: the in-memory vector
	// never leads storage
	s.vv.Update(op.Dot.Actor, op.Dot.Counter)

	log.WithSet(op.SetName).Debug().
		Stringer("dot", op.Dot).
		Str("kind", op.Kind.String()).
		Msg("applied remote operation")

	return true, nil
}
