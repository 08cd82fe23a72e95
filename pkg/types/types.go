package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// ActorIDLen is the fixed encoded size of an ActorID.
const ActorIDLen = 4

// ActorID is a fixed-size writer identity.
//
// Binary layout (4 bytes): [version: u8][node_id: u16 big-endian][epoch: u8]
//   - version: protocol version (currently 0)
//   - node_id: operator-assigned node identifier (0-65535)
//   - epoch: restart/generation counter (0-255)
//
// Human-readable form: "v0:1234:5" (version:node:epoch). Ordering is
// lexicographic on the bytes.
type ActorID struct {
	b [ActorIDLen]byte
}

// NewActorID builds an ActorID with version 0.
func NewActorID(nodeID uint16, epoch uint8) ActorID {
	var a ActorID
	a.b[0] = 0
	binary.BigEndian.PutUint16(a.b[1:3], nodeID)
	a.b[3] = epoch
	return a
}

// ActorIDFromNode builds an ActorID with version 0 and epoch 0.
func ActorIDFromNode(nodeID uint16) ActorID {
	return NewActorID(nodeID, 0)
}

func newActorIDWithVersion(version uint8, nodeID uint16, epoch uint8) ActorID {
	a := NewActorID(nodeID, epoch)
	a.b[0] = version
	return a
}

// ActorIDFromBytes decodes the fixed 4-byte form.
func ActorIDFromBytes(p []byte) (ActorID, error) {
	if len(p) != ActorIDLen {
		return ActorID{}, fmt.Errorf("invalid actor id length %d (expected %d)", len(p), ActorIDLen)
	}
	var a ActorID
	copy(a.b[:], p)
	return a, nil
}

// ParseActorID parses the "v{version}:{node}:{epoch}" text form.
func ParseActorID(s string) (ActorID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "v") {
		return ActorID{}, fmt.Errorf("invalid actor id %q", s)
	}
	version, err := strconv.ParseUint(parts[0][1:], 10, 8)
	if err != nil {
		return ActorID{}, fmt.Errorf("invalid actor id %q", s)
	}
	nodeID, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return ActorID{}, fmt.Errorf("invalid actor id %q", s)
	}
	epoch, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return ActorID{}, fmt.Errorf("invalid actor id %q", s)
	}
	return newActorIDWithVersion(uint8(version), uint16(nodeID), uint8(epoch)), nil
}

// Version returns the protocol version byte.
func (a ActorID) Version() uint8 { return a.b[0] }

// NodeID returns the operator-assigned node identifier.
func (a ActorID) NodeID() uint16 { return binary.BigEndian.Uint16(a.b[1:3]) }

// Epoch returns the restart/generation counter.
func (a ActorID) Epoch() uint8 { return a.b[3] }

// Bytes returns the 4-byte encoded form.
func (a ActorID) Bytes() []byte {
	out := make([]byte, ActorIDLen)
	copy(out, a.b[:])
	return out
}

// Compare orders actor ids lexicographically on their bytes.
func (a ActorID) Compare(other ActorID) int {
	return bytes.Compare(a.b[:], other.b[:])
}

func (a ActorID) String() string {
	return fmt.Sprintf("v%d:%d:%d", a.Version(), a.NodeID(), a.Epoch())
}

// Dot names a single write event: one actor, one counter value.
// Counter 0 is reserved to mean "never seen".
type Dot struct {
	Actor   ActorID
	Counter uint64
}

// NewDot builds a Dot.
func NewDot(actor ActorID, counter uint64) Dot {
	return Dot{Actor: actor, Counter: counter}
}

// DotFromParts decodes a dot from raw actor bytes and a counter.
func DotFromParts(actorBytes []byte, counter uint64) (Dot, error) {
	actor, err := ActorIDFromBytes(actorBytes)
	if err != nil {
		return Dot{}, err
	}
	return Dot{Actor: actor, Counter: counter}, nil
}

func (d Dot) String() string {
	return fmt.Sprintf("%s:%d", d.Actor, d.Counter)
}
