package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionVectorIncrement(t *testing.T) {
	vv := NewVersionVector()
	a := ActorIDFromNode(1)
	b := ActorIDFromNode(2)

	dot1 := vv.Increment(a)
	assert.Equal(t, a, dot1.Actor)
	assert.Equal(t, uint64(1), dot1.Counter)
	assert.Equal(t, uint64(1), vv.Get(a))

	dot2 := vv.Increment(a)
	assert.Equal(t, uint64(2), dot2.Counter)

	dot3 := vv.Increment(b)
	assert.Equal(t, uint64(1), dot3.Counter)
}

func TestVersionVectorGetAbsent(t *testing.T) {
	vv := NewVersionVector()
	assert.Equal(t, uint64(0), vv.Get(ActorIDFromNode(9)))
}

func TestVersionVectorUpdate(t *testing.T) {
	vv := NewVersionVector()
	a := ActorIDFromNode(1)

	vv.Update(a, 5)
	assert.Equal(t, uint64(5), vv.Get(a))

	vv.Update(a, 3) // must not decrease
	assert.Equal(t, uint64(5), vv.Get(a))

	vv.Update(a, 7)
	assert.Equal(t, uint64(7), vv.Get(a))
}

func TestVersionVectorMerge(t *testing.T) {
	a := ActorIDFromNode(1)
	b := ActorIDFromNode(2)
	c := ActorIDFromNode(3)

	vv1 := NewVersionVector()
	vv1.Increment(a)
	vv1.Increment(a)
	vv1.Increment(b)

	vv2 := NewVersionVector()
	vv2.Increment(a)
	vv2.Increment(c)
	vv2.Increment(c)

	vv1.Merge(vv2)

	assert.Equal(t, uint64(2), vv1.Get(a))
	assert.Equal(t, uint64(1), vv1.Get(b))
	assert.Equal(t, uint64(2), vv1.Get(c))
}

func TestVersionVectorDescends(t *testing.T) {
	a := ActorIDFromNode(1)
	b := ActorIDFromNode(2)
	c := ActorIDFromNode(3)

	vv1 := NewVersionVector()
	vv1.Increment(a)
	vv1.Increment(a)
	vv1.Increment(b)

	vv2 := NewVersionVector()
	vv2.Increment(a)

	assert.True(t, vv1.Descends(vv2))
	assert.False(t, vv2.Descends(vv1))

	vv3 := NewVersionVector()
	vv3.Increment(c)

	// concurrent vectors descend neither way
	assert.False(t, vv1.Descends(vv3))
	assert.False(t, vv3.Descends(vv1))

	// reflexive
	assert.True(t, vv1.Descends(vv1))

	// everything descends the empty vector
	assert.True(t, NewVersionVector().Descends(NewVersionVector()))
	assert.True(t, vv1.Descends(NewVersionVector()))
}

func TestVersionVectorString(t *testing.T) {
	vv := NewVersionVector()
	a := ActorIDFromNode(1)
	b := ActorIDFromNode(2)

	vv.Increment(b)
	vv.Increment(a)
	vv.Increment(b)

	// sorted by actor byte order
	assert.Equal(t, "v0:1:0:1,v0:2:0:2", vv.String())
	assert.Equal(t, "", NewVersionVector().String())
}

func TestParseVersionVector(t *testing.T) {
	vv, err := ParseVersionVector("v0:1:0:5,v0:2:0:3,v0:3:0:2")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), vv.Get(ActorIDFromNode(1)))
	assert.Equal(t, uint64(3), vv.Get(ActorIDFromNode(2)))
	assert.Equal(t, uint64(2), vv.Get(ActorIDFromNode(3)))

	empty, err := ParseVersionVector("")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	for _, bad := range []string{"invalid", "v0:1:0:5,v0:2:0", "v0:1:0:x", ",", "v0:1:0:1,"} {
		_, err := ParseVersionVector(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestVersionVectorRoundTrip(t *testing.T) {
	vv1 := NewVersionVector()
	vv1.Increment(ActorIDFromNode(1))
	vv1.Increment(ActorIDFromNode(1))
	vv1.Increment(ActorIDFromNode(2))
	vv1.Increment(ActorIDFromNode(3))

	vv2, err := ParseVersionVector(vv1.String())
	require.NoError(t, err)
	assert.True(t, vv1.Equal(vv2))
}

func TestVersionVectorCloneIndependent(t *testing.T) {
	vv := NewVersionVector()
	a := ActorIDFromNode(1)
	vv.Increment(a)

	clone := vv.Clone()
	vv.Increment(a)

	assert.Equal(t, uint64(1), clone.Get(a))
	assert.Equal(t, uint64(2), vv.Get(a))
}
