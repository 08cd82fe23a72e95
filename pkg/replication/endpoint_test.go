package replication

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/bigset/pkg/server"
	"github.com/cuemby/bigset/pkg/storage"
	"github.com/cuemby/bigset/pkg/types"
	"github.com/cuemby/bigset/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	srv      *server.Server
	endpoint *Endpoint
	pending  *PendingBuffer
}

func startTestNode(t *testing.T, nodeID uint16) *testNode {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "node.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, err := server.New(types.ActorIDFromNode(nodeID), store)
	require.NoError(t, err)

	pending := NewPendingBuffer(64)
	endpoint := NewEndpoint("127.0.0.1:0", srv, pending)
	require.NoError(t, endpoint.Start())
	t.Cleanup(endpoint.Stop)

	return &testNode{srv: srv, endpoint: endpoint, pending: pending}
}

func isMember(t *testing.T, srv *server.Server, set, elem string) bool {
	t.Helper()
	ok, err := srv.SIsMember(set, []byte(elem), nil)
	require.NoError(t, err)
	return ok
}

func TestEndpointDeliversOperation(t *testing.T) {
	n1 := startTestNode(t, 1)
	n2 := startTestNode(t, 2)

	_, op, err := n1.srv.SAdd("s", [][]byte{[]byte("x")})
	require.NoError(t, err)

	m := NewManager([]Peer{{Actor: types.ActorIDFromNode(2), Addr: n2.endpoint.Addr()}}, nil, ManagerOptions{})
	m.Send(op)

	require.Eventually(t, func() bool {
		return isMember(t, n2.srv, "s", "x")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, m.UnackedBuffer().TotalCount())
}

func TestEndpointBuffersOutOfOrderDelivery(t *testing.T) {
	n1 := startTestNode(t, 1)
	n3 := startTestNode(t, 3)

	_, op1, err := n1.srv.SAdd("s", [][]byte{[]byte("x")})
	require.NoError(t, err)
	_, op2, err := n1.srv.SAdd("s", [][]byte{[]byte("y")})
	require.NoError(t, err)

	// one connection, op2 before op1: the endpoint must buffer op2 and
	// drain it once op1 lands
	conn, err := net.Dial("tcp", n3.endpoint.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(wire.EncodeFrame(op2))
	require.NoError(t, err)
	_, err = conn.Write(wire.EncodeFrame(op1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return isMember(t, n3.srv, "s", "x") && isMember(t, n3.srv, "s", "y")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, n3.pending.Len())
}

func TestEndpointToleratesUndecodablePayload(t *testing.T) {
	n1 := startTestNode(t, 1)
	n2 := startTestNode(t, 2)

	conn, err := net.Dial("tcp", n2.endpoint.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// garbage payload with a valid length prefix
	garbage := []byte{0xff, 0xff, 0xff, 0xff}
	var frame []byte
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(garbage)))
	frame = append(frame, garbage...)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	// a valid operation on the same connection still applies
	_, op, err := n1.srv.SAdd("s", [][]byte{[]byte("x")})
	require.NoError(t, err)
	_, err = conn.Write(wire.EncodeFrame(op))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return isMember(t, n2.srv, "s", "x")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndpointFullPendingBufferDropsNewest(t *testing.T) {
	n1 := startTestNode(t, 1)

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tiny.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv, err := server.New(types.ActorIDFromNode(9), store)
	require.NoError(t, err)

	pending := NewPendingBuffer(1)
	endpoint := NewEndpoint("127.0.0.1:0", srv, pending)
	require.NoError(t, endpoint.Start())
	t.Cleanup(endpoint.Stop)

	// three causally chained ops, delivered without the first: the second
	// buffers, the third is dropped on the full buffer
	_, op1, err := n1.srv.SAdd("s", [][]byte{[]byte("a")})
	require.NoError(t, err)
	_, op2, err := n1.srv.SAdd("s", [][]byte{[]byte("b")})
	require.NoError(t, err)
	_, op3, err := n1.srv.SAdd("s", [][]byte{[]byte("c")})
	require.NoError(t, err)
	_ = op1

	conn, err := net.Dial("tcp", endpoint.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(wire.EncodeFrame(op2))
	require.NoError(t, err)
	_, err = conn.Write(wire.EncodeFrame(op3))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pending.Len() == 1 && pending.IsFull()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerBuffersAndRetries(t *testing.T) {
	n1 := startTestNode(t, 1)

	// reserve an address, then close it so the first send is refused
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	journal, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	m := NewManager([]Peer{{Actor: types.ActorIDFromNode(2), Addr: addr}}, journal, ManagerOptions{
		SendTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
		MaxRetries:   10,
	})

	_, op, err := n1.srv.SAdd("s", [][]byte{[]byte("x")})
	require.NoError(t, err)

	m.Send(op)
	require.Equal(t, 1, m.UnackedBuffer().TotalCount())

	// the journal holds the operation too
	entries, err := journal.Load()
	require.NoError(t, err)
	require.Len(t, entries[addr], 1)

	// bring the peer up on the reserved address and let the retry task
	// deliver
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "peer.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	peerSrv, err := server.New(types.ActorIDFromNode(2), store)
	require.NoError(t, err)

	endpoint := NewEndpoint(addr, peerSrv, NewPendingBuffer(16))
	require.NoError(t, endpoint.Start())
	t.Cleanup(endpoint.Stop)

	m.StartRetry()
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		return isMember(t, peerSrv, "s", "x")
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.UnackedBuffer().TotalCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// delivery retired the journal record
	entries, err = journal.Load()
	require.NoError(t, err)
	assert.Empty(t, entries[addr])
}

func TestManagerAbandonsAfterMaxRetries(t *testing.T) {
	n1 := startTestNode(t, 1)

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	m := NewManager([]Peer{{Actor: types.ActorIDFromNode(2), Addr: addr}}, nil, ManagerOptions{
		SendTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
		MaxRetries:   2,
	})

	_, op, err := n1.srv.SAdd("s", [][]byte{[]byte("x")})
	require.NoError(t, err)
	m.Send(op)
	require.Equal(t, 1, m.UnackedBuffer().TotalCount())

	m.StartRetry()
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		return m.UnackedBuffer().TotalCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
