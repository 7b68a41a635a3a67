package mlsengine

import (
	mls "github.com/emersion/go-mls"

	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// Identity is a username's long-term MLS signing identity: a BasicCredential
// binding the username to a signature keypair. It outlives any single group
// membership.
type Identity struct {
	Username   string
	Credential mls.Credential
	Public     mls.SignaturePublicKey
	private    mls.SignaturePrivateKey
}

// NewIdentity generates a fresh signature keypair and wraps it with a
// BasicCredential carrying username as the identity bytes.
func NewIdentity(username string) (*Identity, error) {
	priv, pub, err := CipherSuite.SignatureScheme().Generate()
	if err != nil {
		return nil, wrapProtocolErr("identity.generate_signature_key", err)
	}

	cred := mls.Credential{
		CredentialType: mls.CredentialTypeBasic,
		Identity:       []byte(username),
	}

	return &Identity{
		Username:   username,
		Credential: cred,
		Public:     pub,
		private:    priv,
	}, nil
}

// FromKeys reconstructs an Identity from previously persisted key material
// (used when loading a saved identity: the public key is recorded in
// internal/clientstore, the private key in the Provider).
func FromKeys(username string, priv mls.SignaturePrivateKey, pub mls.SignaturePublicKey) *Identity {
	return &Identity{
		Username: username,
		Credential: mls.Credential{
			CredentialType: mls.CredentialTypeBasic,
			Identity:       []byte(username),
		},
		Public:  pub,
		private: priv,
	}
}

// PrivateKeyBytes exposes the raw signature private key for persistence.
// The only intended consumer is the MLS provider's signature_keys table.
func (id *Identity) PrivateKeyBytes() []byte {
	return []byte(id.private)
}

// PublicKeyBytes exposes the raw signature public key for persistence and for
// comparison against a remote KeyPackage's embedded credential.
func (id *Identity) PublicKeyBytes() []byte {
	return []byte(id.Public)
}

// ValidateRemoteKeyPackage checks that a KeyPackage received from the server
// uses the system's pinned ciphersuite, carries a BasicCredential, and that
// its identity bytes equal utf8(username) byte-for-byte, the two checks the
// MLS library's own validator (signature, protocol version, key
// distinctness, lifetime, extensions, all already enforced by
// DeserializeKeyPackage) does not make.
func ValidateRemoteKeyPackage(kp *mls.KeyPackage, username string) error {
	if kp.CipherSuite != CipherSuite {
		return &mlserrors.CredentialMismatch{
			Expected: CipherSuite.String(),
			Actual:   kp.CipherSuite.String(),
		}
	}
	if kp.LeafNode.Credential.CredentialType != mls.CredentialTypeBasic {
		return &mlserrors.CredentialMismatch{
			Expected: "basic",
			Actual:   "non-basic",
		}
	}
	identity := string(kp.LeafNode.Credential.Identity)
	if identity != username {
		return &mlserrors.CredentialMismatch{
			Expected: username,
			Actual:   identity,
		}
	}
	return nil
}
