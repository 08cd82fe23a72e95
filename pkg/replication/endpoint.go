package replication

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cuemby/bigset/pkg/log"
	"github.com/cuemby/bigset/pkg/metrics"
	"github.com/cuemby/bigset/pkg/server"
	"github.com/cuemby/bigset/pkg/wire"
	"github.com/rs/zerolog"
)

// Endpoint is the TCP server that receives operations from peers, applies
// them via the core server, and buffers the ones whose causal context has
// not arrived yet.
type Endpoint struct {
	addr    string
	server  *server.Server
	pending *PendingBuffer
	logger  zerolog.Logger

	listener net.Listener
	// drainMu keeps pending-buffer drains single-flight per node.
	drainMu  sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEndpoint builds a replication endpoint bound to addr, feeding the given
// server and pending buffer.
func NewEndpoint(addr string, srv *server.Server, pending *PendingBuffer) *Endpoint {
	return &Endpoint{
		addr:    addr,
		server:  srv,
		pending: pending,
		logger:  log.WithComponent("replication-endpoint"),
	}
}

// Start binds the listener and begins accepting peer connections.
func (e *Endpoint) Start() error {
	listener, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	e.listener = listener
	e.logger.Info().Str("addr", listener.Addr().String()).Msg("replication endpoint listening")

	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (e *Endpoint) Addr() string {
	return e.listener.Addr().String()
}

// Stop closes the listener and waits for connection handlers to finish.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		if e.listener != nil {
			e.listener.Close()
		}
	})
	e.wg.Wait()
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Error().Err(err).Msg("accept failed")
			return
		}

		e.logger.Debug().Str("peer", conn.RemoteAddr().String()).Msg("replication connection")
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer conn.Close()
			e.handleConnection(conn)
		}()
	}
}

// handleConnection reads length-prefixed operations until the peer closes.
// An undecodable payload is dropped and the connection continues; a corrupt
// frame length ends the connection since there is no way to resynchronize.
func (e *Endpoint) handleConnection(conn net.Conn) {
	peer := conn.RemoteAddr().String()

	for {
		payload, err := wire.ReadFrame(conn)
		if err == io.EOF {
			e.logger.Debug().Str("peer", peer).Msg("peer closed connection")
			return
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("peer", peer).Msg("replication read failed")
			return
		}

		op, err := wire.DecodeOperation(payload)
		if err != nil {
			metrics.ReplicationDropped.Inc()
			e.logger.Warn().Err(err).Str("peer", peer).Msg("dropping undecodable operation")
			continue
		}

		applied, err := e.server.ApplyRemoteOperation(op)
		if err != nil {
			e.logger.Error().Err(err).Str("set", op.SetName).Msg("storage error applying operation")
			continue
		}

		if applied {
			metrics.ReplicationApplied.Inc()
			// a newly applied operation may unblock buffered ones
			e.drainPending()
			continue
		}

		e.logger.Debug().Str("set", op.SetName).Msg("buffering operation, causality not satisfied")
		metrics.ReplicationBuffered.Inc()
		if !e.pending.Add(op) {
			metrics.ReplicationDropped.Inc()
			e.logger.Warn().
				Int("size", e.pending.Len()).
				Int("max", e.pending.MaxSize()).
				Msg("pending buffer full, dropping operation")
		}
		metrics.PendingBufferSize.Set(float64(e.pending.Len()))
	}
}

// drainPending re-attempts every buffered operation, repeating until a full
// pass applies nothing. One drainer runs at a time; concurrent receivers
// just queue behind it.
func (e *Endpoint) drainPending() {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	total := 0
	for {
		ops := e.pending.Drain()
		if len(ops) == 0 {
			break
		}

		applied := 0
		for _, op := range ops {
			ok, err := e.server.ApplyRemoteOperation(op)
			if err != nil {
				e.logger.Error().Err(err).Str("set", op.SetName).Msg("storage error applying buffered operation")
				continue
			}
			if ok {
				metrics.ReplicationApplied.Inc()
				applied++
				continue
			}
			if !e.pending.Add(op) {
				metrics.ReplicationDropped.Inc()
				e.logger.Warn().Msg("pending buffer full while draining, dropping operation")
			}
		}

		total += applied
		if applied == 0 {
			break
		}
	}

	metrics.PendingBufferSize.Set(float64(e.pending.Len()))
	if total > 0 {
		e.logger.Info().Int("applied", total).Msg("applied buffered operations")
	}
}
