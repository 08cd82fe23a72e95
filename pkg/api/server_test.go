package api

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/bigset/pkg/resp"
	"github.com/cuemby/bigset/pkg/server"
	"github.com/cuemby/bigset/pkg/storage"
	"github.com/cuemby/bigset/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	core, err := server.New(types.ActorIDFromNode(1), store)
	require.NoError(t, err)
	return NewServer("127.0.0.1:0", core, nil)
}

func command(args ...string) resp.Value {
	items := make([]resp.Value, len(args))
	for i, a := range args {
		items[i] = resp.BulkString([]byte(a))
	}
	return resp.Array(items...)
}

func TestDispatchSAdd(t *testing.T) {
	s := newTestAPI(t)

	reply := s.dispatch(command("SADD", "s", "a", "b", "c"))
	assert.Equal(t, resp.SimpleString("OK vv:v0:1:0:1"), reply)

	reply = s.dispatch(command("SCARD", "s"))
	assert.Equal(t, resp.Integer(3), reply)
}

func TestDispatchSAddNoMembers(t *testing.T) {
	s := newTestAPI(t)
	reply := s.dispatch(command("SADD", "s"))
	assert.Equal(t, resp.KindError, reply.Kind)
	assert.Contains(t, reply.Str, "wrong number of arguments")
}

func TestDispatchSRem(t *testing.T) {
	s := newTestAPI(t)

	s.dispatch(command("SADD", "s", "a"))
	reply := s.dispatch(command("SREM", "s", "a"))
	assert.Equal(t, resp.SimpleString("OK vv:v0:1:0:2"), reply)

	// removing what is not there is a plain OK
	reply = s.dispatch(command("SREM", "s", "ghost"))
	assert.Equal(t, resp.SimpleString("OK"), reply)
}

func TestDispatchSMembers(t *testing.T) {
	s := newTestAPI(t)

	s.dispatch(command("SADD", "s", "a", "b"))
	reply := s.dispatch(command("SMEMBERS", "s"))
	require.Equal(t, resp.KindArray, reply.Kind)

	got := make([]string, len(reply.Array))
	for i, v := range reply.Array {
		got[i] = string(v.Bulk)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, got)

	reply = s.dispatch(command("SMEMBERS", "empty"))
	require.Equal(t, resp.KindArray, reply.Kind)
	assert.Empty(t, reply.Array)
}

func TestDispatchSIsMember(t *testing.T) {
	s := newTestAPI(t)

	s.dispatch(command("SADD", "s", "a"))
	assert.Equal(t, resp.Integer(1), s.dispatch(command("SISMEMBER", "s", "a")))
	assert.Equal(t, resp.Integer(0), s.dispatch(command("SISMEMBER", "s", "b")))
}

func TestDispatchSMIsMember(t *testing.T) {
	s := newTestAPI(t)

	s.dispatch(command("SADD", "s", "a", "b"))
	reply := s.dispatch(command("SMISMEMBER", "s", "a", "x", "b"))
	assert.Equal(t, resp.Array(resp.Integer(1), resp.Integer(0), resp.Integer(1)), reply)
}

func TestDispatchReadWithClientVV(t *testing.T) {
	s := newTestAPI(t)
	s.dispatch(command("SADD", "s", "a"))

	// a vector the node descends is served
	assert.Equal(t, resp.Integer(1), s.dispatch(command("SCARD", "s", "vv:v0:1:0:1")))

	// a vector from the future is refused with the local vector
	reply := s.dispatch(command("SCARD", "s", "vv:v0:2:0:5"))
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Equal(t, "NOTREADY vv:v0:1:0:1", reply.Str)

	// the trailing vector also gates SMISMEMBER
	reply = s.dispatch(command("SMISMEMBER", "s", "a", "vv:v0:2:0:5"))
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Contains(t, reply.Str, "NOTREADY")
}

func TestDispatchMalformedClientVV(t *testing.T) {
	s := newTestAPI(t)
	s.dispatch(command("SADD", "s", "a"))

	reply := s.dispatch(command("SCARD", "s", "vv:bogus"))
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Contains(t, reply.Str, "invalid version vector")

	reply = s.dispatch(command("SCARD", "s", "notavv"))
	assert.Equal(t, resp.KindError, reply.Kind)
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := newTestAPI(t)
	reply := s.dispatch(command("GETDEL", "k"))
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Contains(t, reply.Str, "unknown command 'GETDEL'")
}

func TestDispatchPing(t *testing.T) {
	s := newTestAPI(t)
	assert.Equal(t, resp.SimpleString("PONG"), s.dispatch(command("PING")))
}

func TestServerOverTCP(t *testing.T) {
	s := newTestAPI(t)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	send := func(args ...string) {
		t.Helper()
		_, err := conn.Write(resp.Append(nil, command(args...)))
		require.NoError(t, err)
	}

	reader := bufio.NewReader(conn)
	readLine := func() string {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	send("PING")
	assert.Equal(t, "+PONG\r\n", readLine())

	send("SADD", "s", "hello")
	assert.Equal(t, "+OK vv:v0:1:0:1\r\n", readLine())

	send("SCARD", "s")
	assert.Equal(t, ":1\r\n", readLine())

	send("SMEMBERS", "s")
	assert.Equal(t, "*1\r\n", readLine())
	assert.Equal(t, "$5\r\n", readLine())
	assert.Equal(t, "hello\r\n", readLine())
}

func TestServerOverTCPPipelined(t *testing.T) {
	s := newTestAPI(t)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// two commands in one write
	var buf []byte
	buf = resp.Append(buf, command("SADD", "p", "x"))
	buf = resp.Append(buf, command("SCARD", "p"))
	_, err = conn.Write(buf)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+OK vv:v0:1:0:1\r\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":1\r\n", line)
}
