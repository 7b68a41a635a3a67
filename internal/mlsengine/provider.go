// Package mlsengine wraps the MLS protocol primitives (RFC 9420) used by the
// client: credential and KeyPackage generation, group creation and join,
// application message protection, and commit processing, built around
// github.com/emersion/go-mls.
package mlsengine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	mls "github.com/emersion/go-mls"
	_ "modernc.org/sqlite"

	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// CipherSuite is the single ciphersuite this system speaks.
const CipherSuite = mls.CIPHERSUITE_MLS10_128_DHKEMX25519_AES128GCM_SHA256_ED25519

const providerSchema = `
CREATE TABLE IF NOT EXISTS signature_keys (
	public_key  BLOB PRIMARY KEY,
	private_key BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS keypackage_init_keys (
	ref              BLOB PRIMARY KEY,
	init_private_key BLOB NOT NULL
);
`

// Provider is this client's MLS storage provider: one SQLite file per
// username, so credentials never mix across identities sharing a storage
// directory. It holds the long-term signature private key (keyed by its
// public half, so identity.LoadOrCreate can look it up by the public key
// recorded in the metadata store) and, per generated KeyPackage, the
// one-time HPKE init private key a later Welcome needs to be joined.
//
// Group ratchet-tree state is kept in-memory only, for the life of the
// process; a restarted client recovers live group state through a fresh
// Welcome, not from this database.
type Provider struct {
	db *sql.DB

	mu     sync.Mutex
	states map[string]*mls.State // keyed by raw group ID bytes
}

// OpenProvider opens or creates the per-username provider database at path
// and ensures its schema exists.
func OpenProvider(ctx context.Context, path string) (*Provider, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &mlserrors.StorageError{Op: "mlsengine.open_provider", Err: err}
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, providerSchema); err != nil {
		db.Close()
		return nil, &mlserrors.StorageError{Op: "mlsengine.init_provider_schema", Err: err}
	}
	return &Provider{db: db, states: make(map[string]*mls.State)}, nil
}

// Close releases the provider's database handle.
func (p *Provider) Close() error { return p.db.Close() }

// SaveSignatureKey persists priv keyed by its public half, so a later
// LoadSignatureKey(pub) can recover it.
func (p *Provider) SaveSignatureKey(ctx context.Context, pub, priv []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO signature_keys (public_key, private_key) VALUES (?, ?)
		 ON CONFLICT(public_key) DO UPDATE SET private_key = excluded.private_key`,
		pub, priv)
	if err != nil {
		return &mlserrors.StorageError{Op: "mlsengine.save_signature_key", Err: err}
	}
	return nil
}

// LoadSignatureKey returns the private key matching pub, or ok=false if this
// provider has never stored one, an inconsistency the identity manager
// resolves by regenerating.
func (p *Provider) LoadSignatureKey(ctx context.Context, pub []byte) (priv []byte, ok bool, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT private_key FROM signature_keys WHERE public_key = ?`, pub).Scan(&priv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &mlserrors.StorageError{Op: "mlsengine.load_signature_key", Err: err}
	}
	return priv, true, nil
}

// SaveKeyPackageInit persists ref's one-time HPKE init private key, so a
// Welcome arriving later that names this ref can be joined. The pool mints
// one of these per generated package.
func (p *Provider) SaveKeyPackageInit(ctx context.Context, ref, initPriv []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO keypackage_init_keys (ref, init_private_key) VALUES (?, ?)
		 ON CONFLICT(ref) DO UPDATE SET init_private_key = excluded.init_private_key`,
		ref, initPriv)
	if err != nil {
		return &mlserrors.StorageError{Op: "mlsengine.save_keypackage_init", Err: err}
	}
	return nil
}

// LoadKeyPackageInit returns the init private key for ref, or ok=false if
// this provider holds none, either because it was never generated here or
// because CleanupExpired already deleted it.
func (p *Provider) LoadKeyPackageInit(ctx context.Context, ref []byte) (initPriv []byte, ok bool, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT init_private_key FROM keypackage_init_keys WHERE ref = ?`, ref).Scan(&initPriv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &mlserrors.StorageError{Op: "mlsengine.load_keypackage_init", Err: err}
	}
	return initPriv, true, nil
}

// DeleteKeyPackageInit forgets ref's init private key; expired pool entries
// call this so unusable key material does not accumulate.
func (p *Provider) DeleteKeyPackageInit(ctx context.Context, ref []byte) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM keypackage_init_keys WHERE ref = ?`, ref)
	if err != nil {
		return &mlserrors.StorageError{Op: "mlsengine.delete_keypackage_init", Err: err}
	}
	return nil
}

func (p *Provider) getState(groupID []byte) (*mls.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[string(groupID)]
	return s, ok
}

func (p *Provider) putState(groupID []byte, state *mls.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[string(groupID)] = state
}

func (p *Provider) dropState(groupID []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, string(groupID))
}

// LoadGroup returns the in-process Group for groupID. State only lives for
// the life of the process, so after a restart this always misses and the
// caller falls through to a Welcome or fresh-create path.
func (p *Provider) LoadGroup(groupID []byte) (*Group, bool) {
	state, ok := p.getState(groupID)
	if !ok {
		return nil, false
	}
	return wrapGroup(state), true
}

// StoreGroup registers a newly created or joined Group against its group
// id so a later LoadGroup call (e.g. a second membership reconnecting to
// the same process-local provider) can find it.
func (p *Provider) StoreGroup(g *Group) {
	p.putState(g.GroupID(), g.state)
}

// DropGroup forgets a group's in-process state entirely.
func (p *Provider) DropGroup(groupID []byte) {
	p.dropState(groupID)
}

// randomGroupID generates a fresh, random MLS group identifier.
func randomGroupID() ([]byte, error) {
	id := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generating group id: %w", err)
	}
	return id, nil
}

func wrapProtocolErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &mlserrors.MlsProtocolError{Op: op, Err: err}
}
