package mlsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mls "github.com/emersion/go-mls"

	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// groupMetadataExtensionType is the custom MLS extension type carrying this
// system's group-context payload. It is registered in the group's
// GroupContext extensions at creation time and is therefore authoritative
// and encrypted, unlike the human-supplied name a caller passes in.
const groupMetadataExtensionType = mls.ExtensionType(0xF000)

// GroupMetadata is the group-context extension payload: a stable
// serialization of {name}, encoded as JSON.
type GroupMetadata struct {
	Name string `json:"name"`
}

// Group wraps one MLS group's ratchet-tree state together with the
// operations membership needs: sending/receiving application messages,
// adding members, and merging commits, backed by go-mls's mls.State.
//
// A Group must not be used from more than one goroutine concurrently; the
// hub's single-threaded event loop and per-membership sequencing are what
// make this safe in practice, but the mutex guards against accidental
// reentrancy from, e.g., a background refresh task.
type Group struct {
	mu    sync.Mutex
	state *mls.State

	// pendingCommit holds a commit this side just produced via AddMember,
	// awaiting MergePendingCommit. Only one can be outstanding at a time.
	pendingCommit *mls.MLSMessage
}

// wrapGroup is the only constructor: every path that produces a *mls.State
// (create, join-from-welcome, load-from-storage) funnels through here.
func wrapGroup(state *mls.State) *Group {
	return &Group{state: state}
}

// ProcessedKind discriminates what ProcessIncoming yielded, for
// membership's dispatch: application content is displayed, staged commits
// are merged, proposals and external-join proposals are logged and dropped.
type ProcessedKind int

const (
	ProcessedApplication ProcessedKind = iota
	ProcessedStagedCommit
	ProcessedProposal
	ProcessedExternalJoin
)

// Processed is the result of handing one incoming wire message to the group.
type Processed struct {
	Kind          ProcessedKind
	ApplicationPT []byte
	staged        *mls.StagedCommit
}

// CreateGroup creates a fresh MLS group for identity, stamping the
// group-context extension with name so every future member can recover it
// authoritatively from the group state itself.
func CreateGroup(identity *Identity, name string) (*Group, error) {
	groupID, err := randomGroupID()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(GroupMetadata{Name: name})
	if err != nil {
		return nil, &mlserrors.MlsProtocolError{Op: "group.encode_metadata", Err: err}
	}

	state, err := mls.NewState(groupID, CipherSuite, identity.private, CredentialWithKey(identity), []mls.Extension{
		{ExtensionType: groupMetadataExtensionType, ExtensionData: payload},
	})
	if err != nil {
		return nil, wrapProtocolErr("group.create", err)
	}

	return wrapGroup(state), nil
}

// CredentialWithKey bundles an identity's credential and signature public
// key the way every KeyPackage/Commit/Welcome operation needs it.
func CredentialWithKey(identity *Identity) mls.CredentialWithKey {
	return mls.CredentialWithKey{Credential: identity.Credential, SignatureKey: identity.Public}
}

// JoinFromWelcome processes a TLS-serialized Welcome message together with
// its exported ratchet tree, producing the joined group. Joining a Welcome
// requires the one-time HPKE init private key of whichever of our own
// KeyPackages the inviter actually consumed, not identity's long-term
// signature key, which only proves who we are, not which prekey was spent.
// provider is consulted, by the welcome's recipient refs, to recover that
// key.
func JoinFromWelcome(ctx context.Context, identity *Identity, provider *Provider, welcomeBytes, ratchetTreeJSON []byte) (*Group, error) {
	var welcome mls.Welcome
	if err := mls.UnmarshalTLS(welcomeBytes, &welcome); err != nil {
		return nil, &mlserrors.WireError{Reason: "deserializing welcome", Err: err}
	}

	var tree mls.RatchetTree
	if err := json.Unmarshal(ratchetTreeJSON, &tree); err != nil {
		return nil, &mlserrors.WireError{Reason: "deserializing ratchet tree", Err: err}
	}

	initPriv, err := findInitPrivateKey(ctx, provider, welcome.Secrets)
	if err != nil {
		return nil, err
	}

	state, err := mls.NewJoinedState([]mls.PSKWithSecret{}, mls.HPKEPrivateKey(initPriv), welcome, &tree)
	if err != nil {
		return nil, wrapProtocolErr("group.join_welcome", err)
	}

	return wrapGroup(state), nil
}

// findInitPrivateKey looks up, among a Welcome's per-recipient secrets, the
// one whose KeyPackageRef matches a package this provider still holds the
// init private key for. Exactly one match is expected in practice: invite
// flows in this system add one member at a time, so a Welcome names exactly
// one recipient.
func findInitPrivateKey(ctx context.Context, provider *Provider, secrets []mls.EncryptedGroupSecrets) ([]byte, error) {
	for _, secret := range secrets {
		ref := []byte(secret.NewMember)
		initPriv, ok, err := provider.LoadKeyPackageInit(ctx, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			return initPriv, nil
		}
	}
	return nil, &mlserrors.MlsProtocolError{
		Op:  "group.join_welcome",
		Err: fmt.Errorf("no locally held key package matches any recipient in this welcome"),
	}
}

// GroupID returns the group's opaque identifier bytes.
func (g *Group) GroupID() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.GroupID
}

// Epoch returns the group's current epoch.
func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return uint64(g.state.Epoch)
}

// GroupName extracts the authoritative name from the group-context
// extension. ok is false when the extension is absent, which the Welcome
// path treats as an incompatible-inviter failure.
func (g *Group) GroupName() (name string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ext := range g.state.GroupContextExtensions() {
		if ext.ExtensionType != groupMetadataExtensionType {
			continue
		}
		var meta GroupMetadata
		if err := json.Unmarshal(ext.ExtensionData, &meta); err != nil {
			return "", false
		}
		return meta.Name, true
	}
	return "", false
}

// ListMembers returns the username of every BasicCredential member,
// skipping any member whose credential is not a BasicCredential.
func (g *Group) ListMembers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.state.Roster()))
	for _, cred := range g.state.Roster() {
		if cred.CredentialType != mls.CredentialTypeBasic {
			continue
		}
		out = append(out, string(cred.Identity))
	}
	return out
}

// Encrypt protects text as an MLS application message and TLS-serializes it
// for wire transport.
func (g *Group) Encrypt(identity *Identity, text []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ct, err := g.state.Protect(identity.private, text, mls.ContentTypeApplication)
	if err != nil {
		return nil, wrapProtocolErr("group.encrypt", err)
	}
	out, err := mls.MarshalTLS(ct)
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "serializing application message", Err: err}
	}
	return out, nil
}

// AddMember adds invitee's KeyPackage to the group, producing the commit and
// Welcome the caller must distribute. The commit is NOT merged by this
// call; callers call MergePendingCommit next, then export the ratchet tree
// from the post-merge state so the Welcome's tree matches the new epoch.
func (g *Group) AddMember(identity *Identity, kp *mls.KeyPackage) (commit, welcome []byte, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	commitMsg, welcomeMsg, err := g.state.Commit(identity.private, []mls.ProposalContent{
		{Add: &mls.Add{KeyPackage: *kp}},
	})
	if err != nil {
		return nil, nil, wrapProtocolErr("group.add_member", err)
	}

	commitBytes, err := mls.MarshalTLS(commitMsg)
	if err != nil {
		return nil, nil, &mlserrors.WireError{Reason: "serializing commit", Err: err}
	}
	welcomeBytes, err := mls.MarshalTLS(welcomeMsg)
	if err != nil {
		return nil, nil, &mlserrors.WireError{Reason: "serializing welcome", Err: err}
	}

	g.pendingCommit = &commitMsg
	return commitBytes, welcomeBytes, nil
}

// MergePendingCommit advances our own epoch for a commit we just produced
// ourselves. This happens before anything is sent: the echo of our own
// commit is never processed, so the merge cannot wait for it.
func (g *Group) MergePendingCommit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pendingCommit == nil {
		return &mlserrors.MlsProtocolError{Op: "group.merge_pending_commit", Err: fmt.Errorf("no pending commit to merge")}
	}
	if err := g.state.Advance(g.pendingCommit); err != nil {
		return wrapProtocolErr("group.merge_pending_commit", err)
	}
	g.pendingCommit = nil
	return nil
}

// ExportRatchetTree exports the current ratchet tree as JSON; callers
// base64-encode the returned bytes themselves. A TLS-native tree encoding
// would interoperate more widely and is a candidate wire-format change, but
// both peers must switch together.
func (g *Group) ExportRatchetTree() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tree := g.state.Tree()
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "serializing ratchet tree", Err: err}
	}
	return out, nil
}

// ProcessIncoming deserializes and processes a wire message (application
// ciphertext or commit) against the current group state, without merging
// any resulting staged commit; callers decide whether to merge based on
// who sent it and whether it is a commit at all.
func (g *Group) ProcessIncoming(raw []byte) (*Processed, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var msg mls.MLSMessage
	if err := mls.UnmarshalTLS(raw, &msg); err != nil {
		return nil, &mlserrors.WireError{Reason: "deserializing incoming message", Err: err}
	}

	result, err := g.state.Process(msg)
	if err != nil {
		return nil, wrapProtocolErr("group.process", err)
	}

	switch content := result.(type) {
	case mls.ApplicationContent:
		return &Processed{Kind: ProcessedApplication, ApplicationPT: content.Data}, nil
	case *mls.StagedCommit:
		return &Processed{Kind: ProcessedStagedCommit, staged: content}, nil
	case mls.ProposalContent:
		return &Processed{Kind: ProcessedProposal}, nil
	default:
		return &Processed{Kind: ProcessedExternalJoin}, nil
	}
}

// MergeStagedCommit applies a staged commit produced by ProcessIncoming,
// updating the receiver's roster and epoch.
func (g *Group) MergeStagedCommit(p *Processed) error {
	if p == nil || p.Kind != ProcessedStagedCommit || p.staged == nil {
		return &mlserrors.MlsProtocolError{Op: "group.merge_staged_commit", Err: fmt.Errorf("not a staged commit")}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.state.AdvanceStaged(p.staged); err != nil {
		return wrapProtocolErr("group.merge_staged_commit", err)
	}
	return nil
}
