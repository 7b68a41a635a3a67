// Package clientstore persists the client's local metadata: the identity's
// public key (so a restart can verify it still owns the signing key it
// claims), the name→group-id mapping, and the KeyPackage pool's bookkeeping
// rows. It is built on database/sql with modernc.org/sqlite so the client
// binary stays cgo-free.
//
// Group ratchet-tree state itself is NOT stored here: MLS state lives
// in-memory for the life of the process (internal/mlsengine's Provider),
// and clientstore only remembers which group id a human-facing name
// resolves to.
package clientstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/q10elabs/mlschat/internal/mlserrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	username    TEXT PRIMARY KEY,
	public_key  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	name_key TEXT PRIMARY KEY,
	group_id BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS keypackage_pool (
	ref              BLOB PRIMARY KEY,
	username         TEXT NOT NULL,
	status           TEXT NOT NULL,
	bytes            BLOB NOT NULL,
	not_after        INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	reservation_id   TEXT UNIQUE,
	reservation_exp  INTEGER,
	spent_group_id   BLOB
);

CREATE INDEX IF NOT EXISTS idx_keypackage_pool_status ON keypackage_pool(username, status);
`

// Store wraps a single SQLite database handle. *sql.DB is safe for
// concurrent use, so no extra locking is needed here.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path and ensures the schema
// exists. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &mlserrors.StorageError{Op: "clientstore.open", Err: err}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per-connection anyway

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &mlserrors.StorageError{Op: "clientstore.init_schema", Err: err}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveIdentityPublicKey mirrors username's signature public key locally.
// The private half never lives here; it is persisted only by the MLS
// provider (internal/mlsengine.Provider), keyed by this same public key.
func (s *Store) SaveIdentityPublicKey(ctx context.Context, username string, publicKey []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (username, public_key) VALUES (?, ?)
		 ON CONFLICT(username) DO UPDATE SET public_key = excluded.public_key`,
		username, publicKey)
	if err != nil {
		return &mlserrors.StorageError{Op: "clientstore.save_identity_public_key", Err: err}
	}
	return nil
}

// LoadIdentityPublicKey returns the previously mirrored signature public key
// for username, or ok=false if none exists yet.
func (s *Store) LoadIdentityPublicKey(ctx context.Context, username string) (publicKey []byte, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT public_key FROM identities WHERE username = ?`, username).
		Scan(&publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &mlserrors.StorageError{Op: "clientstore.load_identity_public_key", Err: err}
	}
	return publicKey, true, nil
}

// SaveGroupName records which group id a human-facing name currently
// resolves to. A second call with the same nameKey overwrites the mapping.
func (s *Store) SaveGroupName(ctx context.Context, nameKey string, groupID []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (name_key, group_id) VALUES (?, ?)
		 ON CONFLICT(name_key) DO UPDATE SET group_id = excluded.group_id`,
		nameKey, groupID)
	if err != nil {
		return &mlserrors.StorageError{Op: "clientstore.save_group_name", Err: err}
	}
	return nil
}

// LoadGroupByName resolves nameKey to a group id. ok is false when no
// mapping has been saved yet.
func (s *Store) LoadGroupByName(ctx context.Context, nameKey string) (groupID []byte, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT group_id FROM groups WHERE name_key = ?`, nameKey).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &mlserrors.StorageError{Op: "clientstore.load_group_by_name", Err: err}
	}
	return groupID, true, nil
}

// PoolEntry is one row of the keypackage_pool bookkeeping table, tracking a
// locally generated KeyPackage through created → uploaded/available →
// reserved → spent (or failed).
type PoolEntry struct {
	Ref            []byte
	Username       string
	Status         string
	Bytes          []byte
	NotAfter       int64
	CreatedAt      int64
	ReservationID  sql.NullString
	ReservationExp sql.NullInt64
	SpentGroupID   []byte
}

// CreatePoolMetadata inserts a freshly generated KeyPackage's bookkeeping
// row in the "created" status. bytes is the TLS-serialized package itself:
// it is kept alongside the bookkeeping row so a later upload sends the
// exact package ref identifies, rather than a freshly regenerated one with
// a different ref.
func (s *Store) CreatePoolMetadata(ctx context.Context, username string, ref, bytes []byte, notAfter, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keypackage_pool (ref, username, status, bytes, not_after, created_at) VALUES (?, ?, 'created', ?, ?, ?)`,
		ref, username, bytes, notAfter, createdAt)
	if err != nil {
		return &mlserrors.StorageError{Op: "clientstore.create_pool_metadata", Err: err}
	}
	return nil
}

// UpdatePoolMetadataStatus transitions ref's row to status (one of
// "uploaded", "available", "reserved", "spent", "failed").
func (s *Store) UpdatePoolMetadataStatus(ctx context.Context, ref []byte, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE keypackage_pool SET status = ? WHERE ref = ?`, status, ref)
	if err != nil {
		return &mlserrors.StorageError{Op: "clientstore.update_pool_metadata_status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &mlserrors.InvalidRef{Ref: fmt.Sprintf("%x", ref)}
	}
	return nil
}

// DeletePoolMetadata removes ref's row entirely, used once a KeyPackage's
// not_after has passed and the cleanup sweep retires it.
func (s *Store) DeletePoolMetadata(ctx context.Context, ref []byte) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM keypackage_pool WHERE ref = ?`, ref)
	if err != nil {
		return &mlserrors.StorageError{Op: "clientstore.delete_pool_metadata", Err: err}
	}
	return nil
}

// GetMetadataByStatus returns every pool row currently in status, used to
// find "created" rows pending upload.
func (s *Store) GetMetadataByStatus(ctx context.Context, username, status string) ([]PoolEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, username, status, bytes, not_after, created_at, reservation_id, reservation_exp, spent_group_id
		 FROM keypackage_pool WHERE username = ? AND status = ?`, username, status)
	if err != nil {
		return nil, &mlserrors.StorageError{Op: "clientstore.get_metadata_by_status", Err: err}
	}
	defer rows.Close()

	var out []PoolEntry
	for rows.Next() {
		var e PoolEntry
		if err := rows.Scan(&e.Ref, &e.Username, &e.Status, &e.Bytes, &e.NotAfter, &e.CreatedAt,
			&e.ReservationID, &e.ReservationExp, &e.SpentGroupID); err != nil {
			return nil, &mlserrors.StorageError{Op: "clientstore.get_metadata_by_status", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &mlserrors.StorageError{Op: "clientstore.get_metadata_by_status", Err: err}
	}
	return out, nil
}

// CountByStatus returns how many of username's pool rows are in any of the
// given statuses, used by the pool's ShouldReplenish/ReplenishmentNeeded
// calculations without materializing every row.
func (s *Store) CountByStatus(ctx context.Context, username string, statuses ...string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM keypackage_pool WHERE username = ? AND status IN (` + placeholders(len(statuses)) + `)`
	args := make([]any, 0, len(statuses)+1)
	args = append(args, username)
	for _, st := range statuses {
		args = append(args, st)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, &mlserrors.StorageError{Op: "clientstore.count_by_status", Err: err}
	}
	return n, nil
}

// GetExpiredRefs returns the refs of every pool row whose not_after has
// passed nowUnix.
func (s *Store) GetExpiredRefs(ctx context.Context, username string, nowUnix int64) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref FROM keypackage_pool WHERE username = ? AND not_after < ?`, username, nowUnix)
	if err != nil {
		return nil, &mlserrors.StorageError{Op: "clientstore.get_expired_refs", Err: err}
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var ref []byte
		if err := rows.Scan(&ref); err != nil {
			return nil, &mlserrors.StorageError{Op: "clientstore.get_expired_refs", Err: err}
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ", "
		}
		s += "?"
	}
	return s
}
