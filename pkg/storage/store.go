package storage

import (
	"github.com/cuemby/bigset/pkg/types"
)

// Store defines the interface for the replicated set storage engine.
// Implemented by the SQLite-backed store.
//
// Every mutating call runs in a single transaction that also persists the
// version vector entry for the acting dot, so the durable vector never lags
// the durable dot rows.
type Store interface {
	// LoadVV reads the persisted version vector. Called once at startup,
	// before any write is served.
	LoadVV() (*types.VersionVector, error)

	// AddElements applies a local add under the given freshly-minted dot.
	// Every dot previously supporting an added element is deleted and
	// returned; the new dot becomes the element's single support.
	AddElements(setName string, elements [][]byte, dot types.Dot) ([]types.Dot, error)

	// RemoveElements applies a local remove. The dots supporting each
	// removed element are deleted and returned; elements left with no dots
	// are deleted. A remove that touches nothing returns an empty slice and
	// does not consume the dot.
	RemoveElements(setName string, elements [][]byte, dot types.Dot) ([]types.Dot, error)

	// ReplicateAdd applies a remote add: deletes the removedDots the origin
	// displaced, then inserts the incoming dot for each element.
	ReplicateAdd(setName string, elements [][]byte, removedDots []types.Dot, dot types.Dot) error

	// ReplicateRemove applies a remote remove: deletes the removedDots from
	// each element, dropping elements left without support. Elements not
	// present locally are skipped.
	ReplicateRemove(setName string, elements [][]byte, removedDots []types.Dot, dot types.Dot) error

	// Reads
	GetElements(setName string) ([][]byte, error)
	CountElements(setName string) (uint64, error)
	IsMember(setName string, element []byte) (bool, error)
	AreMembers(setName string, elements [][]byte) ([]bool, error)

	// Utility
	Close() error
}
