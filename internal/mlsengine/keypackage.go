package mlsengine

import (
	mls "github.com/emersion/go-mls"

	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// KeyPackageBundle pairs a freshly generated KeyPackage with the local
// reference (hash) used to key it in storage, the not_after bound the pool
// uses for expiry, and the one-time HPKE init private key a later Welcome
// needs in order to be joined. It is distinct from identity's long-term
// signature key and persisted per ref, never reused across packages.
type KeyPackageBundle struct {
	Ref      []byte
	NotAfter int64
	bytes    []byte
	kp       *mls.KeyPackage
	initPriv []byte
}

// GenerateKeyPackage builds one signed KeyPackage for identity under the
// system's pinned ciphersuite. A fresh HPKE init keypair is minted per
// package; its public half is embedded in the signed package, and its
// private half is returned for the caller to persist
// (Provider.SaveKeyPackageInit) so a future Welcome referencing this exact
// package can be joined.
func GenerateKeyPackage(identity *Identity) (*KeyPackageBundle, error) {
	initPriv, initPub, err := CipherSuite.HPKE().Generate()
	if err != nil {
		return nil, wrapProtocolErr("keypackage.generate_init_key", err)
	}

	kp, err := mls.NewKeyPackage(CipherSuite, identity.private, CredentialWithKey(identity), initPub)
	if err != nil {
		return nil, wrapProtocolErr("keypackage.generate", err)
	}

	raw, err := mls.MarshalTLS(kp)
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "serializing key package", Err: err}
	}

	ref, err := kp.Ref()
	if err != nil {
		return nil, wrapProtocolErr("keypackage.hash_ref", err)
	}

	return &KeyPackageBundle{
		Ref:      ref,
		NotAfter: kp.Lifetime.NotAfter,
		bytes:    raw,
		kp:       kp,
		initPriv: []byte(initPriv),
	}, nil
}

// Bytes returns the TLS-serialized KeyPackage, the form uploaded to the
// relay and embedded in a registration request.
func (b *KeyPackageBundle) Bytes() []byte { return b.bytes }

// InitPrivateKeyBytes returns the one-time HPKE init private key matching
// this package's embedded public key. Callers must persist this alongside
// Ref before the package is ever uploaded, or a Welcome consuming it later
// will be unjoinable.
func (b *KeyPackageBundle) InitPrivateKeyBytes() []byte { return b.initPriv }

// DeserializeKeyPackage parses and validates a KeyPackage received from the
// relay, applying the library's own checks (signature, version, key
// distinctness, lifetime, extensions). Callers additionally run
// ValidateRemoteKeyPackage to pin the ciphersuite and credential identity.
func DeserializeKeyPackage(raw []byte) (*mls.KeyPackage, error) {
	var kp mls.KeyPackage
	if err := mls.UnmarshalTLS(raw, &kp); err != nil {
		return nil, &mlserrors.WireError{Reason: "deserializing key package", Err: err}
	}
	if err := kp.Validate(CipherSuite); err != nil {
		return nil, wrapProtocolErr("keypackage.validate", err)
	}
	return &kp, nil
}
