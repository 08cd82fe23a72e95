package replication

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/bigset/pkg/log"
	"github.com/cuemby/bigset/pkg/types"
	"github.com/cuemby/bigset/pkg/wire"
	bolt "go.etcd.io/bbolt"
)

var bucketUnacked = []byte("unacked")

// Journal is the durable backing for the unacked buffer: one BoltDB bucket
// per peer, keyed by append sequence, holding wire-encoded operations. It is
// loaded at startup so delivery retries survive a process restart. The
// pending buffer is deliberately NOT journaled.
type Journal struct {
	db *bolt.DB
}

// NewJournal opens (creating if needed) the journal database at path.
func NewJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUnacked)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records an undelivered operation for a peer and returns its key.
func (j *Journal) Append(peer string, op *types.Operation) (uint64, error) {
	var key uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketUnacked).CreateBucketIfNotExists([]byte(peer))
		if err != nil {
			return err
		}
		key, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(journalKey(key), wire.EncodeOperation(op))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to journal operation: %w", err)
	}
	return key, nil
}

// Delete retires a journaled operation, after delivery or abandonment.
func (j *Journal) Delete(peer string, key uint64) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnacked).Bucket([]byte(peer))
		if b == nil {
			return nil
		}
		return b.Delete(journalKey(key))
	})
}

// Load reads every journaled operation, keyed by peer, in append order.
// Undecodable records are dropped with a log entry rather than wedging
// startup.
func (j *Journal) Load() (map[string][]UnackedOp, error) {
	out := make(map[string][]UnackedOp)
	logger := log.WithComponent("journal")

	err := j.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketUnacked)
		return root.ForEach(func(peerName, value []byte) error {
			// nested per-peer buckets have a nil value
			if value != nil {
				return nil
			}
			peer := string(peerName)
			b := root.Bucket(peerName)
			return b.ForEach(func(k, v []byte) error {
				op, err := wire.DecodeOperation(v)
				if err != nil {
					logger.Warn().Err(err).Str("peer", peer).Msg("dropping undecodable journal record")
					return nil
				}
				out[peer] = append(out[peer], UnackedOp{
					Op:         op,
					JournalKey: binary.BigEndian.Uint64(k),
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	return out, nil
}

func journalKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
