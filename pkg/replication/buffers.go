package replication

import (
	"sync"
	"time"

	"github.com/cuemby/bigset/pkg/types"
)

// PendingBuffer holds received operations whose causal context the local
// vector does not yet descend. Bounded; not persisted. On restart its
// contents are lost and recovery rides on the senders' retry buffers.
type PendingBuffer struct {
	mu      sync.Mutex
	ops     []*types.Operation
	maxSize int
}

// NewPendingBuffer creates a buffer holding at most maxSize operations.
func NewPendingBuffer(maxSize int) *PendingBuffer {
	return &PendingBuffer{maxSize: maxSize}
}

// Add appends an operation. Returns false when the buffer is full; the
// newest message is the one dropped.
func (b *PendingBuffer) Add(op *types.Operation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ops) >= b.maxSize {
		return false
	}
	b.ops = append(b.ops, op)
	return true
}

// Drain removes and returns all buffered operations in insertion order.
func (b *PendingBuffer) Drain() []*types.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops := b.ops
	b.ops = nil
	return ops
}

// Remove deletes the operation at index i, if present.
func (b *PendingBuffer) Remove(i int) *types.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.ops) {
		return nil
	}
	op := b.ops[i]
	b.ops = append(b.ops[:i], b.ops[i+1:]...)
	return op
}

// Len returns the number of buffered operations.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// IsFull reports whether the buffer is at capacity.
func (b *PendingBuffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops) >= b.maxSize
}

// MaxSize returns the configured capacity.
func (b *PendingBuffer) MaxSize() int {
	return b.maxSize
}

// UnackedOp is one operation awaiting confirmation by a peer, with its retry
// bookkeeping. JournalKey links the entry to its durable journal record
// (zero when the journal is disabled).
type UnackedOp struct {
	Op         *types.Operation
	SentAt     time.Time
	Retries    int
	JournalKey uint64
}

// UnackedBuffer is the sender-side holding area: operations that could not
// be delivered to a peer, keyed by peer address, waiting for the retry task.
type UnackedBuffer struct {
	mu  sync.Mutex
	ops map[string][]UnackedOp
}

// NewUnackedBuffer creates an empty buffer.
func NewUnackedBuffer() *UnackedBuffer {
	return &UnackedBuffer{ops: make(map[string][]UnackedOp)}
}

// Add records an undelivered operation for a peer.
func (b *UnackedBuffer) Add(peer string, op *types.Operation, journalKey uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[peer] = append(b.ops[peer], UnackedOp{
		Op:         op,
		SentAt:     time.Now(),
		JournalKey: journalKey,
	})
}

// Take removes and returns every entry for a peer. The retry task puts back
// whatever it could not deliver.
func (b *UnackedBuffer) Take(peer string) []UnackedOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.ops[peer]
	delete(b.ops, peer)
	return entries
}

// Put re-queues entries for a peer, preserving their bookkeeping.
func (b *UnackedBuffer) Put(peer string, entries []UnackedOp) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[peer] = append(entries, b.ops[peer]...)
}

// Peers returns the peers that have unacked operations.
func (b *UnackedBuffer) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.ops))
	for peer := range b.ops {
		out = append(out, peer)
	}
	return out
}

// PeerCount returns the number of unacked operations for one peer.
func (b *UnackedBuffer) PeerCount(peer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops[peer])
}

// TotalCount returns the number of unacked operations across all peers.
func (b *UnackedBuffer) TotalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, entries := range b.ops {
		total += len(entries)
	}
	return total
}
