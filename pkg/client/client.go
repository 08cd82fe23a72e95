// Package client is a small Go client for the bigset command endpoint.
package client

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/bigset/pkg/resp"
	"github.com/cuemby/bigset/pkg/types"
)

// Client holds one connection to a bigset node. Not safe for concurrent use;
// commands are sent one at a time, each waiting for its reply.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration

	// lastVV tracks the vector returned by this client's writes, usable as
	// the read context against another replica.
	lastVV *types.VersionVector
}

// NewClient connects to a node's command endpoint.
func NewClient(addr string) (*Client, error) {
	return NewClientTimeout(addr, 5*time.Second)
}

// NewClientTimeout connects with an explicit dial and per-command timeout.
func NewClientTimeout(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// LastVV returns the vector from this client's most recent write, nil before
// the first one.
func (c *Client) LastVV() *types.VersionVector {
	return c.lastVV
}

// NotReadyError reports a read refused because the chosen replica has not
// caught up to the requested context.
type NotReadyError struct {
	Local *types.VersionVector
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("replica not ready, local vv %q", e.Local)
}

// SAdd adds members to a set and returns the node's resulting vector.
func (c *Client) SAdd(set string, members ...[]byte) (*types.VersionVector, error) {
	args := append([][]byte{[]byte("SADD"), []byte(set)}, members...)
	reply, err := c.do(args...)
	if err != nil {
		return nil, err
	}
	return c.parseOKVV(reply)
}

// SRem removes members from a set. The returned vector is nil when the
// remove was a no-op.
func (c *Client) SRem(set string, members ...[]byte) (*types.VersionVector, error) {
	args := append([][]byte{[]byte("SREM"), []byte(set)}, members...)
	reply, err := c.do(args...)
	if err != nil {
		return nil, err
	}
	if reply.Kind == resp.KindSimpleString && reply.Str == "OK" {
		return nil, nil
	}
	return c.parseOKVV(reply)
}

// SCard returns the set's cardinality. readVV is optional.
func (c *Client) SCard(set string, readVV *types.VersionVector) (uint64, error) {
	reply, err := c.do(readArgs("SCARD", set, readVV)...)
	if err != nil {
		return 0, err
	}
	if reply.Kind != resp.KindInteger {
		return 0, replyError(reply)
	}
	return uint64(reply.Int), nil
}

// SMembers returns all members of a set. readVV is optional.
func (c *Client) SMembers(set string, readVV *types.VersionVector) ([][]byte, error) {
	reply, err := c.do(readArgs("SMEMBERS", set, readVV)...)
	if err != nil {
		return nil, err
	}
	if reply.Kind != resp.KindArray {
		return nil, replyError(reply)
	}
	out := make([][]byte, len(reply.Array))
	for i, v := range reply.Array {
		out[i] = v.Bulk
	}
	return out, nil
}

// SIsMember reports membership of one element. readVV is optional.
func (c *Client) SIsMember(set string, member []byte, readVV *types.VersionVector) (bool, error) {
	args := [][]byte{[]byte("SISMEMBER"), []byte(set), member}
	if readVV != nil {
		args = append(args, []byte("vv:"+readVV.String()))
	}
	reply, err := c.do(args...)
	if err != nil {
		return false, err
	}
	if reply.Kind != resp.KindInteger {
		return false, replyError(reply)
	}
	return reply.Int == 1, nil
}

// SMIsMember reports membership for each element, positionally.
func (c *Client) SMIsMember(set string, members [][]byte, readVV *types.VersionVector) ([]bool, error) {
	args := append([][]byte{[]byte("SMISMEMBER"), []byte(set)}, members...)
	if readVV != nil {
		args = append(args, []byte("vv:"+readVV.String()))
	}
	reply, err := c.do(args...)
	if err != nil {
		return nil, err
	}
	if reply.Kind != resp.KindArray {
		return nil, replyError(reply)
	}
	out := make([]bool, len(reply.Array))
	for i, v := range reply.Array {
		out[i] = v.Int == 1
	}
	return out, nil
}

// Ping checks the connection.
func (c *Client) Ping() error {
	reply, err := c.do([]byte("PING"))
	if err != nil {
		return err
	}
	if reply.Kind != resp.KindSimpleString || reply.Str != "PONG" {
		return replyError(reply)
	}
	return nil
}

func (c *Client) do(args ...[]byte) (resp.Value, error) {
	items := make([]resp.Value, len(args))
	for i, a := range args {
		items[i] = resp.BulkString(a)
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return resp.Value{}, err
	}
	if _, err := c.conn.Write(resp.Append(nil, resp.Array(items...))); err != nil {
		return resp.Value{}, err
	}

	return c.readReply()
}

// readReply accumulates bytes until one full value parses.
func (c *Client) readReply() (resp.Value, error) {
	var buf []byte
	chunk := make([]byte, 512)
	for {
		n, err := c.reader.Read(chunk)
		if err != nil {
			return resp.Value{}, err
		}
		buf = append(buf, chunk[:n]...)

		value, consumed, err := resp.Parse(buf)
		if err == resp.ErrIncomplete {
			continue
		}
		if err != nil {
			return resp.Value{}, err
		}
		// bytes past the reply are discarded; with one command in flight
		// at a time there are none
		_ = consumed
		return value, nil
	}
}

func (c *Client) parseOKVV(reply resp.Value) (*types.VersionVector, error) {
	if reply.Kind != resp.KindSimpleString {
		return nil, replyError(reply)
	}
	encoded, ok := strings.CutPrefix(reply.Str, "OK vv:")
	if !ok {
		return nil, fmt.Errorf("unexpected reply %q", reply.Str)
	}
	vv, err := types.ParseVersionVector(encoded)
	if err != nil {
		return nil, fmt.Errorf("bad vector in reply %q: %w", reply.Str, err)
	}
	c.lastVV = vv
	return vv, nil
}

func readArgs(cmd, set string, readVV *types.VersionVector) [][]byte {
	args := [][]byte{[]byte(cmd), []byte(set)}
	if readVV != nil {
		args = append(args, []byte("vv:"+readVV.String()))
	}
	return args
}

func replyError(reply resp.Value) error {
	if reply.Kind == resp.KindError {
		if encoded, ok := strings.CutPrefix(reply.Str, "NOTREADY vv:"); ok {
			if vv, err := types.ParseVersionVector(encoded); err == nil {
				return &NotReadyError{Local: vv}
			}
		}
		return fmt.Errorf("server error: %s", reply.Str)
	}
	return fmt.Errorf("unexpected reply kind %d", reply.Kind)
}
