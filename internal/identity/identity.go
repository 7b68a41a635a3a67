// Package identity manages a username's long-term MLS signing identity
// across process restarts: reuse the saved keypair if one exists, generate
// and persist a fresh one otherwise.
package identity

import (
	"context"
	"log/slog"

	mls "github.com/emersion/go-mls"

	"github.com/q10elabs/mlschat/internal/clientstore"
	"github.com/q10elabs/mlschat/internal/mlsengine"
)

// LoadOrCreate returns username's signing identity, creating and persisting
// one if this is the first time username has been used against store and
// provider. It looks up the public key in the local metadata store; if
// present, it reads the matching signature keypair from the MLS provider by
// that public key. If the provider returns nothing (an inconsistency;
// should not happen through this package's own writes, but could follow a
// hand-edited or corrupted provider database), it generates a fresh
// keypair, persists it to the provider, and overwrites the metadata public
// key, logging a warning. If no public key is recorded at all, it
// generates, persists to the provider, and records the public key.
func LoadOrCreate(ctx context.Context, provider *mlsengine.Provider, store *clientstore.Store, log *slog.Logger, username string) (*mlsengine.Identity, error) {
	pub, ok, err := store.LoadIdentityPublicKey(ctx, username)
	if err != nil {
		return nil, err
	}
	if ok {
		priv, pok, err := provider.LoadSignatureKey(ctx, pub)
		if err != nil {
			return nil, err
		}
		if pok {
			return mlsengine.FromKeys(username, mls.SignaturePrivateKey(priv), mls.SignaturePublicKey(pub)), nil
		}
		log.Warn("public key recorded locally but missing from mls provider, regenerating",
			"username", username)
	}

	id, err := mlsengine.NewIdentity(username)
	if err != nil {
		return nil, err
	}
	if err := provider.SaveSignatureKey(ctx, id.PublicKeyBytes(), id.PrivateKeyBytes()); err != nil {
		return nil, err
	}
	if err := store.SaveIdentityPublicKey(ctx, username, id.PublicKeyBytes()); err != nil {
		return nil, err
	}
	return id, nil
}

// ValidateRemoteKeyPackage parses and validates a KeyPackage fetched from
// the relay on behalf of invitee, pinning the ciphersuite and credential
// identity before the caller is allowed to invite them into a group.
func ValidateRemoteKeyPackage(raw []byte, invitee string) (*mls.KeyPackage, error) {
	kp, err := mlsengine.DeserializeKeyPackage(raw)
	if err != nil {
		return nil, err
	}
	if err := mlsengine.ValidateRemoteKeyPackage(kp, invitee); err != nil {
		return nil, err
	}
	return kp, nil
}

// VerifyStored confirms that username's identity round-trips through both
// store (public key) and provider (private key). It exists for tests to
// assert persistence actually happened rather than just returning in-memory
// state.
func VerifyStored(ctx context.Context, provider *mlsengine.Provider, store *clientstore.Store, id *mlsengine.Identity) (bool, error) {
	pub, ok, err := store.LoadIdentityPublicKey(ctx, id.Username)
	if err != nil {
		return false, err
	}
	if !ok || string(pub) != string(id.PublicKeyBytes()) {
		return false, nil
	}
	priv, ok, err := provider.LoadSignatureKey(ctx, pub)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return string(priv) == string(id.PrivateKeyBytes()), nil
}
