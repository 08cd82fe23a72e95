package replication

import (
	"net"
	"sync"
	"time"

	"github.com/cuemby/bigset/pkg/log"
	"github.com/cuemby/bigset/pkg/metrics"
	"github.com/cuemby/bigset/pkg/types"
	"github.com/cuemby/bigset/pkg/wire"
	"github.com/rs/zerolog"
)

// Peer identifies one replica we replicate to.
type Peer struct {
	Actor types.ActorID
	Addr  string
}

// ManagerOptions tunes fan-out and retry behavior.
type ManagerOptions struct {
	// BufferSize caps the receiver-side pending buffer.
	BufferSize int
	// SendTimeout bounds dialing plus writing one operation to one peer.
	SendTimeout time.Duration
	// MaxRetries bounds redelivery attempts before an operation is abandoned.
	MaxRetries int
	// RetryBackoff is the base redelivery delay, doubled per attempt.
	RetryBackoff time.Duration
}

// Manager owns the peer list and the delivery buffers: best-effort fan-out of
// local operations, with failed sends parked in the unacked buffer (and the
// journal, when one is attached) for the retry task.
//
// Sends are fire-and-forget: a peer failure never surfaces to the client,
// and nothing is lost locally when a single peer is down.
type Manager struct {
	peers   []Peer
	pending *PendingBuffer
	unacked *UnackedBuffer
	journal *Journal // nil disables durable retry
	opts    ManagerOptions
	logger  zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager for the given peers. journal may be nil.
func NewManager(peers []Peer, journal *Journal, opts ManagerOptions) *Manager {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}

	return &Manager{
		peers:   peers,
		pending: NewPendingBuffer(opts.BufferSize),
		unacked: NewUnackedBuffer(),
		journal: journal,
		opts:    opts,
		logger:  log.WithComponent("replication"),
		stopCh:  make(chan struct{}),
	}
}

// PendingBuffer returns the receiver-side buffer handle.
func (m *Manager) PendingBuffer() *PendingBuffer {
	return m.pending
}

// UnackedBuffer returns the sender-side buffer handle.
func (m *Manager) UnackedBuffer() *UnackedBuffer {
	return m.unacked
}

// Peers returns the configured peer list.
func (m *Manager) Peers() []Peer {
	return m.peers
}

// Send fans the operation out to every peer. Per-peer failures are buffered
// for retry, never returned.
func (m *Manager) Send(op *types.Operation) {
	frame := wire.EncodeFrame(op)
	for _, peer := range m.peers {
		if err := m.sendFrame(peer.Addr, frame); err != nil {
			m.logger.Warn().Err(err).Str("peer", peer.Addr).Msg("failed to send operation")
			m.buffer(peer.Addr, op)
			continue
		}
		metrics.ReplicationSent.Inc()
		m.logger.Debug().Str("peer", peer.Addr).Str("set", op.SetName).Msg("sent operation")
	}
}

// sendFrame opens a connection, writes one length-prefixed operation, and
// closes. Connections are not pooled.
func (m *Manager) sendFrame(addr string, frame []byte) error {
	conn, err := net.DialTimeout("tcp", addr, m.opts.SendTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.SendTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// buffer parks an undeliverable operation for the retry task.
func (m *Manager) buffer(peer string, op *types.Operation) {
	var key uint64
	if m.journal != nil {
		k, err := m.journal.Append(peer, op)
		if err != nil {
			m.logger.Error().Err(err).Str("peer", peer).Msg("failed to journal operation")
		} else {
			key = k
		}
	}
	m.unacked.Add(peer, op, key)
	metrics.ReplicationUnacked.Set(float64(m.unacked.TotalCount()))
}

// LoadJournal seeds the unacked buffer from the journal. Called once at
// startup, before the retry task starts.
func (m *Manager) LoadJournal() error {
	if m.journal == nil {
		return nil
	}
	entries, err := m.journal.Load()
	if err != nil {
		return err
	}
	for peer, ops := range entries {
		for _, e := range ops {
			m.unacked.Add(peer, e.Op, e.JournalKey)
		}
		m.logger.Info().Str("peer", peer).Int("operations", len(ops)).Msg("recovered journaled operations")
	}
	metrics.ReplicationUnacked.Set(float64(m.unacked.TotalCount()))
	return nil
}

// StartRetry launches the background redelivery task.
func (m *Manager) StartRetry() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.RetryBackoff)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.retryPass()
			}
		}
	}()
}

// Stop terminates the retry task and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// retryPass attempts redelivery of every due unacked operation. Exponential
// backoff per entry; entries that exhaust MaxRetries are abandoned — a later
// anti-entropy round is the recovery path beyond that.
func (m *Manager) retryPass() {
	now := time.Now()
	for _, peer := range m.unacked.Peers() {
		entries := m.unacked.Take(peer)
		var keep []UnackedOp

		for _, e := range entries {
			due := e.SentAt.Add(m.opts.RetryBackoff << uint(e.Retries))
			if now.Before(due) {
				keep = append(keep, e)
				continue
			}

			if err := m.sendFrame(peer, wire.EncodeFrame(e.Op)); err == nil {
				metrics.ReplicationSent.Inc()
				m.logger.Debug().Str("peer", peer).Int("retries", e.Retries).Msg("redelivered operation")
				m.retire(peer, e)
				continue
			}

			e.Retries++
			e.SentAt = now
			if e.Retries >= m.opts.MaxRetries {
				m.logger.Warn().
					Str("peer", peer).
					Str("set", e.Op.SetName).
					Int("retries", e.Retries).
					Msg("abandoning operation after max retries")
				metrics.ReplicationAbandoned.Inc()
				m.retire(peer, e)
				continue
			}
			keep = append(keep, e)
		}

		m.unacked.Put(peer, keep)
	}
	metrics.ReplicationUnacked.Set(float64(m.unacked.TotalCount()))
}

// retire drops an entry's journal record once it is delivered or abandoned.
func (m *Manager) retire(peer string, e UnackedOp) {
	if m.journal == nil || e.JournalKey == 0 {
		return
	}
	if err := m.journal.Delete(peer, e.JournalKey); err != nil {
		m.logger.Error().Err(err).Str("peer", peer).Msg("failed to retire journal record")
	}
}
