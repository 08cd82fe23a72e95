// Package api is the client-facing command endpoint: a RESP server that
// dispatches the set commands to the core and fans resulting operations out
// to peers.
package api

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/cuemby/bigset/pkg/log"
	"github.com/cuemby/bigset/pkg/metrics"
	"github.com/cuemby/bigset/pkg/replication"
	"github.com/cuemby/bigset/pkg/resp"
	"github.com/cuemby/bigset/pkg/server"
	"github.com/cuemby/bigset/pkg/types"
	"github.com/rs/zerolog"
)

// Server accepts client connections and executes commands against the core.
type Server struct {
	addr   string
	core   *server.Server
	repl   *replication.Manager // nil disables broadcast
	logger zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer builds a command endpoint bound to addr. repl may be nil for a
// standalone node.
func NewServer(addr string, core *server.Server, repl *replication.Manager) *Server {
	return &Server{
		addr:   addr,
		core:   core,
		repl:   repl,
		logger: log.WithComponent("api"),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("api server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	var buffer []byte
	chunk := make([]byte, 4096)

	for {
		n, err := conn.Read(chunk)
		if err != nil {
			return
		}
		buffer = append(buffer, chunk[:n]...)

		for {
			value, consumed, err := resp.Parse(buffer)
			if err == resp.ErrIncomplete {
				break
			}
			if err != nil {
				s.logger.Warn().Err(err).Msg("protocol error")
				conn.Write(resp.Append(nil, resp.Errorf("ERR %v", err)))
				return
			}
			buffer = buffer[consumed:]

			reply := s.dispatch(value)
			if _, err := conn.Write(resp.Append(nil, reply)); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(value resp.Value) resp.Value {
	parts, ok := value.BulkStringArray()
	if !ok || len(parts) == 0 {
		return resp.Error("ERR invalid command format")
	}

	cmd := strings.ToUpper(string(parts[0]))

	var reply resp.Value
	switch cmd {
	case "SADD":
		reply = s.cmdSAdd(parts)
	case "SREM":
		reply = s.cmdSRem(parts)
	case "SCARD":
		reply = s.cmdSCard(parts)
	case "SMEMBERS":
		reply = s.cmdSMembers(parts)
	case "SISMEMBER":
		reply = s.cmdSIsMember(parts)
	case "SMISMEMBER":
		reply = s.cmdSMIsMember(parts)
	case "PING":
		reply = resp.SimpleString("PONG")
	default:
		reply = resp.Errorf("ERR unknown command '%s'", cmd)
	}

	status := "ok"
	if reply.Kind == resp.KindError {
		status = "error"
	}
	metrics.CommandsTotal.WithLabelValues(cmd, status).Inc()
	return reply
}

func (s *Server) cmdSAdd(parts [][]byte) resp.Value {
	if len(parts) < 3 {
		return resp.Error("ERR wrong number of arguments for 'sadd' command")
	}

	vv, op, err := s.core.SAdd(string(parts[1]), parts[2:])
	if err != nil {
		return errorReply(err)
	}

	s.broadcast(op)
	return resp.SimpleString(fmt.Sprintf("OK vv:%s", vv))
}

func (s *Server) cmdSRem(parts [][]byte) resp.Value {
	if len(parts) < 3 {
		return resp.Error("ERR wrong number of arguments for 'srem' command")
	}

	vv, op, err := s.core.SRem(string(parts[1]), parts[2:])
	if err != nil {
		return errorReply(err)
	}
	if op == nil {
		// nothing was there: no replication message, no vector advance
		return resp.SimpleString("OK")
	}

	s.broadcast(op)
	return resp.SimpleString(fmt.Sprintf("OK vv:%s", vv))
}

func (s *Server) cmdSCard(parts [][]byte) resp.Value {
	if len(parts) < 2 || len(parts) > 3 {
		return resp.Error("ERR wrong number of arguments for 'scard' command")
	}

	clientVV, errV := parseClientVV(parts[2:])
	if errV != nil {
		return *errV
	}

	count, err := s.core.SCard(string(parts[1]), clientVV)
	if err != nil {
		return errorReply(err)
	}
	return resp.Integer(int64(count))
}

func (s *Server) cmdSMembers(parts [][]byte) resp.Value {
	if len(parts) < 2 || len(parts) > 3 {
		return resp.Error("ERR wrong number of arguments for 'smembers' command")
	}

	clientVV, errV := parseClientVV(parts[2:])
	if errV != nil {
		return *errV
	}

	members, err := s.core.SMembers(string(parts[1]), clientVV)
	if err != nil {
		return errorReply(err)
	}

	items := make([]resp.Value, len(members))
	for i, m := range members {
		items[i] = resp.BulkString(m)
	}
	return resp.Array(items...)
}

func (s *Server) cmdSIsMember(parts [][]byte) resp.Value {
	if len(parts) < 3 || len(parts) > 4 {
		return resp.Error("ERR wrong number of arguments for 'sismember' command")
	}

	clientVV, errV := parseClientVV(parts[3:])
	if errV != nil {
		return *errV
	}

	member, err := s.core.SIsMember(string(parts[1]), parts[2], clientVV)
	if err != nil {
		return errorReply(err)
	}
	if member {
		return resp.Integer(1)
	}
	return resp.Integer(0)
}

func (s *Server) cmdSMIsMember(parts [][]byte) resp.Value {
	if len(parts) < 3 {
		return resp.Error("ERR wrong number of arguments for 'smismember' command")
	}

	// the client vector, when present, is the trailing argument
	members := parts[2:]
	var clientVV *types.VersionVector
	if last := members[len(members)-1]; strings.HasPrefix(string(last), "vv:") {
		vv, errV := parseClientVV([][]byte{last})
		if errV != nil {
			return *errV
		}
		clientVV = vv
		members = members[:len(members)-1]
	}

	membership, err := s.core.SMIsMember(string(parts[1]), members, clientVV)
	if err != nil {
		return errorReply(err)
	}

	items := make([]resp.Value, len(membership))
	for i, ok := range membership {
		if ok {
			items[i] = resp.Integer(1)
		} else {
			items[i] = resp.Integer(0)
		}
	}
	return resp.Array(items...)
}

// broadcast fans the operation out without blocking the client reply.
func (s *Server) broadcast(op *types.Operation) {
	if s.repl == nil || op == nil {
		return
	}
	go s.repl.Send(op)
}

// parseClientVV extracts an optional trailing "vv:..." read-context
// argument. A malformed vector is rejected, not ignored.
func parseClientVV(args [][]byte) (*types.VersionVector, *resp.Value) {
	if len(args) == 0 {
		return nil, nil
	}

	arg := string(args[0])
	encoded, ok := strings.CutPrefix(arg, "vv:")
	if !ok {
		v := resp.Error("ERR expected vv:<version-vector> argument")
		return nil, &v
	}

	vv, err := types.ParseVersionVector(encoded)
	if err != nil {
		v := resp.Error("ERR invalid version vector")
		return nil, &v
	}
	return vv, nil
}

func errorReply(err error) resp.Value {
	var invalid *types.InvalidArgsError
	if errors.As(err, &invalid) {
		return resp.Errorf("ERR %s", invalid.Msg)
	}

	var notReady *types.NotReadyError
	if errors.As(err, &notReady) {
		return resp.Errorf("NOTREADY vv:%s", notReady.Local)
	}

	return resp.Errorf("ERR database error: %v", err)
}
