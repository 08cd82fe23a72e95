package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/cuemby/bigset/pkg/types"
	_ "modernc.org/sqlite"
)

// schema encodes the add-wins set design as rows.
// Properties maintained at every commit:
//   - every dot's actor is in the version_vector table, with counter >= the dot's
//   - at most one dot per actor per element
//   - every element has at least one dot
const schema = `
CREATE TABLE IF NOT EXISTS sets (
    id INTEGER PRIMARY KEY,
    name TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS version_vector (
    actor_id BLOB NOT NULL,
    counter INTEGER NOT NULL,
    PRIMARY KEY (actor_id)
);

CREATE TABLE IF NOT EXISTS elements (
    id INTEGER PRIMARY KEY,
    set_id INTEGER NOT NULL,
    value BLOB NOT NULL,
    FOREIGN KEY (set_id) REFERENCES sets(id) ON DELETE CASCADE,
    UNIQUE (set_id, value)
);

CREATE TABLE IF NOT EXISTS dots (
    element_id INTEGER NOT NULL,
    actor_id BLOB NOT NULL,
    counter INTEGER NOT NULL,
    PRIMARY KEY (element_id, actor_id),
    FOREIGN KEY (element_id) REFERENCES elements(id) ON DELETE CASCADE
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_elements_set_value ON elements(set_id, value);
CREATE INDEX IF NOT EXISTS idx_dots_element ON dots(element_id);
`

const upsertVVQuery = `INSERT INTO version_vector (actor_id, counter) VALUES (?, ?)
ON CONFLICT(actor_id) DO UPDATE SET counter = MAX(counter, excluded.counter)`

// Options tunes the SQLite backend.
type Options struct {
	// CacheSize in SQLite convention: pages when positive, -KiB when negative.
	CacheSize int
	// BusyTimeoutMs bounds lock waits.
	BusyTimeoutMs int
}

// SQLiteStore implements Store on a single SQLite database file.
//
// All the add-wins set logic lives in the SQL: a set is never read into
// memory whole, neither to mutate it nor to write it back. Adds and removes
// are row-level mutations on the element/dot model, so very large sets stay
// cheap to update. See AddElements/RemoveElements and the Replicate
// counterparts for how the add-wins semantics are maintained.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = -64000
	}
	if opts.BusyTimeoutMs == 0 {
		opts.BusyTimeoutMs = 5000
	}

	dsn := fmt.Sprintf("file:%s?%s", path, strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", opts.BusyTimeoutMs),
		fmt.Sprintf("_pragma=cache_size(%d)", opts.CacheSize),
		"_pragma=foreign_keys(ON)",
	}, "&"))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialized by the server's version vector lock; the pool is
	// sized for concurrent reads.
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadVV reads the entire version_vector table.
func (s *SQLiteStore) LoadVV() (*types.VersionVector, error) {
	rows, err := s.db.Query("SELECT actor_id, counter FROM version_vector")
	if err != nil {
		return nil, fmt.Errorf("failed to load version vector: %w", err)
	}
	defer rows.Close()

	vv := types.NewVersionVector()
	for rows.Next() {
		var actorBytes []byte
		var counter int64
		if err := rows.Scan(&actorBytes, &counter); err != nil {
			return nil, err
		}
		actor, err := types.ActorIDFromBytes(actorBytes)
		if err != nil {
			return nil, fmt.Errorf("corrupt version_vector row: %w", err)
		}
		vv.Update(actor, uint64(counter))
	}
	return vv, rows.Err()
}

// AddElements joins all observed concurrent writes for each element.
// The process, per element:
//   - upsert the set and the element rows
//   - delete and collect every existing dot for the element
//   - insert the new dot as the element's single support
//
// The collected dots are returned: they must travel with the replicated
// operation so peers still holding them displace them too.
func (s *SQLiteStore) AddElements(setName string, elements [][]byte, dot types.Dot) ([]types.Dot, error) {
	if len(elements) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var setID int64
	err = tx.QueryRow(
		"INSERT INTO sets (name) VALUES (?) ON CONFLICT(name) DO UPDATE SET name=name RETURNING id",
		setName,
	).Scan(&setID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert set %q: %w", setName, err)
	}

	actorBytes := dot.Actor.Bytes()
	var displaced []types.Dot

	for _, element := range elements {
		var elementID int64
		err = tx.QueryRow(
			"INSERT INTO elements (set_id, value) VALUES (?, ?) ON CONFLICT(set_id, value) DO UPDATE SET value=value RETURNING id",
			setID, element,
		).Scan(&elementID)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert element: %w", err)
		}

		deleted, err := deleteReturningDots(tx,
			"DELETE FROM dots WHERE element_id = ? RETURNING actor_id, counter",
			elementID,
		)
		if err != nil {
			return nil, err
		}
		displaced = append(displaced, deleted...)

		if _, err := tx.Exec(
			"INSERT INTO dots (element_id, actor_id, counter) VALUES (?, ?, ?)",
			elementID, actorBytes, int64(dot.Counter),
		); err != nil {
			return nil, fmt.Errorf("failed to insert dot: %w", err)
		}
	}

	if _, err := tx.Exec(upsertVVQuery, actorBytes, int64(dot.Counter)); err != nil {
		return nil, fmt.Errorf("failed to update version vector: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return displaced, nil
}

// RemoveElements deletes each element's supporting dots and returns them;
// the returned dots are the removed context the replicated operation ships.
// A remove that touches nothing is a no-op: the version vector entry is not
// written, so the caller can decline to consume the dot.
func (s *SQLiteStore) RemoveElements(setName string, elements [][]byte, dot types.Dot) ([]types.Dot, error) {
	if len(elements) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var setID int64
	err = tx.QueryRow("SELECT id FROM sets WHERE name = ?", setName).Scan(&setID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up set %q: %w", setName, err)
	}

	var displaced []types.Dot
	for _, element := range elements {
		deleted, err := deleteReturningDots(tx,
			`DELETE FROM dots
			 WHERE element_id IN (SELECT id FROM elements WHERE set_id = ? AND value = ?)
			 RETURNING actor_id, counter`,
			setID, element,
		)
		if err != nil {
			return nil, err
		}
		if len(deleted) == 0 {
			continue
		}
		displaced = append(displaced, deleted...)

		if _, err := tx.Exec(
			"DELETE FROM elements WHERE set_id = ? AND value = ?",
			setID, element,
		); err != nil {
			return nil, fmt.Errorf("failed to delete element: %w", err)
		}
	}

	if len(displaced) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(upsertVVQuery, dot.Actor.Bytes(), int64(dot.Counter)); err != nil {
		return nil, fmt.Errorf("failed to update version vector: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return displaced, nil
}

// ReplicateAdd applies a remote add. The caller has already verified the dot
// is fresh and the operation's context is descended by the local vector.
//
// The removedDots list is the exact inverse of the origin's join step: the
// origin told us which dots its add subsumed, and we subsume them here too.
func (s *SQLiteStore) ReplicateAdd(setName string, elements [][]byte, removedDots []types.Dot, dot types.Dot) error {
	if len(elements) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var setID int64
	err = tx.QueryRow(
		"INSERT INTO sets (name) VALUES (?) ON CONFLICT(name) DO UPDATE SET name=name RETURNING id",
		setName,
	).Scan(&setID)
	if err != nil {
		return fmt.Errorf("failed to upsert set %q: %w", setName, err)
	}

	actorBytes := dot.Actor.Bytes()

	for _, element := range elements {
		var elementID int64
		err = tx.QueryRow(
			"INSERT INTO elements (set_id, value) VALUES (?, ?) ON CONFLICT(set_id, value) DO UPDATE SET value=value RETURNING id",
			setID, element,
		).Scan(&elementID)
		if err != nil {
			return fmt.Errorf("failed to upsert element: %w", err)
		}

		if err := deleteListedDots(tx, elementID, removedDots); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`INSERT INTO dots (element_id, actor_id, counter) VALUES (?, ?, ?)
			 ON CONFLICT(element_id, actor_id) DO UPDATE SET counter = MAX(counter, excluded.counter)`,
			elementID, actorBytes, int64(dot.Counter),
		); err != nil {
			return fmt.Errorf("failed to insert dot: %w", err)
		}
	}

	if _, err := tx.Exec(upsertVVQuery, actorBytes, int64(dot.Counter)); err != nil {
		return fmt.Errorf("failed to update version vector: %w", err)
	}

	return tx.Commit()
}

// ReplicateRemove applies a remote remove: for each element present locally,
// delete the listed dots and drop the element once no support remains.
// Elements we never had are skipped; our state already reflects the absence.
func (s *SQLiteStore) ReplicateRemove(setName string, elements [][]byte, removedDots []types.Dot, dot types.Dot) error {
	if len(elements) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var setID int64
	err = tx.QueryRow("SELECT id FROM sets WHERE name = ?", setName).Scan(&setID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to look up set %q: %w", setName, err)
	}

	if err == nil {
		for _, element := range elements {
			var elementID int64
			err := tx.QueryRow(
				"SELECT id FROM elements WHERE set_id = ? AND value = ?",
				setID, element,
			).Scan(&elementID)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to look up element: %w", err)
			}

			if err := deleteListedDots(tx, elementID, removedDots); err != nil {
				return err
			}

			var remaining int64
			if err := tx.QueryRow(
				"SELECT COUNT(*) FROM dots WHERE element_id = ?", elementID,
			).Scan(&remaining); err != nil {
				return err
			}
			if remaining == 0 {
				if _, err := tx.Exec("DELETE FROM elements WHERE id = ?", elementID); err != nil {
					return fmt.Errorf("failed to delete element: %w", err)
				}
			}
		}
	}

	// The vector records the observation even when every element was absent.
	if _, err := tx.Exec(upsertVVQuery, dot.Actor.Bytes(), int64(dot.Counter)); err != nil {
		return fmt.Errorf("failed to update version vector: %w", err)
	}

	return tx.Commit()
}

// GetElements returns the set's members in element row insertion order.
// There are no tombstones: the elements table is the membership.
func (s *SQLiteStore) GetElements(setName string) ([][]byte, error) {
	rows, err := s.db.Query(
		`SELECT e.value FROM elements e
		 JOIN sets s ON s.id = e.set_id
		 WHERE s.name = ?
		 ORDER BY e.id`,
		setName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

// CountElements returns the set's cardinality.
func (s *SQLiteStore) CountElements(setName string) (uint64, error) {
	var count int64
	err := s.db.QueryRow(
		`SELECT COUNT(e.id) FROM elements e
		 JOIN sets s ON s.id = e.set_id
		 WHERE s.name = ?`,
		setName,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return uint64(count), nil
}

// IsMember reports whether the element is present in the set at this replica.
func (s *SQLiteStore) IsMember(setName string, element []byte) (bool, error) {
	var exists int64
	err := s.db.QueryRow(
		`SELECT EXISTS (
		   SELECT 1 FROM elements e
		   JOIN sets s ON s.id = e.set_id
		   WHERE s.name = ? AND e.value = ?
		 )`,
		setName, element,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists != 0, nil
}

// AreMembers reports membership for each element, positionally.
func (s *SQLiteStore) AreMembers(setName string, elements [][]byte) ([]bool, error) {
	if len(elements) == 0 {
		return nil, nil
	}

	var setID int64
	err := s.db.QueryRow("SELECT id FROM sets WHERE name = ?", setName).Scan(&setID)
	if err == sql.ErrNoRows {
		return make([]bool, len(elements)), nil
	}
	if err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(elements)), ",")
	args := make([]any, 0, len(elements)+1)
	args = append(args, setID)
	for _, e := range elements {
		args = append(args, e)
	}

	rows, err := s.db.Query(
		fmt.Sprintf("SELECT value FROM elements WHERE set_id = ? AND value IN (%s)", placeholders),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[string]bool, len(elements))
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		present[string(value)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]bool, len(elements))
	for i, e := range elements {
		out[i] = present[string(e)]
	}
	return out, nil
}

// deleteReturningDots runs a DELETE ... RETURNING actor_id, counter statement
// and decodes the deleted rows.
func deleteReturningDots(tx *sql.Tx, query string, args ...any) ([]types.Dot, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete dots: %w", err)
	}
	defer rows.Close()

	var out []types.Dot
	for rows.Next() {
		var actorBytes []byte
		var counter int64
		if err := rows.Scan(&actorBytes, &counter); err != nil {
			return nil, err
		}
		d, err := types.DotFromParts(actorBytes, uint64(counter))
		if err != nil {
			return nil, fmt.Errorf("corrupt dot row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// deleteListedDots deletes the (actor, counter) pairs in removedDots from one
// element's support.
func deleteListedDots(tx *sql.Tx, elementID int64, removedDots []types.Dot) error {
	if len(removedDots) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("(?, ?),", len(removedDots)), ",")
	args := make([]any, 0, len(removedDots)*2+1)
	args = append(args, elementID)
	for _, d := range removedDots {
		args = append(args, d.Actor.Bytes(), int64(d.Counter))
	}

	_, err := tx.Exec(
		fmt.Sprintf("DELETE FROM dots WHERE element_id = ? AND (actor_id, counter) IN (VALUES %s)", placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to delete listed dots: %w", err)
	}
	return nil
}
