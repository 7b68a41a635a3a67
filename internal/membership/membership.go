// Package membership models one group a user currently belongs to: its MLS
// ratchet-tree state, its human-readable name, and the operations that act
// on it (send, invite, process an incoming envelope, list members). One
// instance per group, as opposed to internal/hub which owns the set of all
// of them.
package membership

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	mls "github.com/emersion/go-mls"

	"github.com/q10elabs/mlschat/internal/clientstore"
	"github.com/q10elabs/mlschat/internal/mlserrors"
	"github.com/q10elabs/mlschat/internal/mlsengine"
	"github.com/q10elabs/mlschat/internal/wire"
)

// Membership owns one MLS group's state and the plumbing to send to and
// process messages from it.
type Membership struct {
	groupName string
	group     *mlsengine.Group
	log       *slog.Logger
}

func nameKey(username, groupName string) string {
	return fmt.Sprintf("%s:%s", username, groupName)
}

// FromWelcome processes an incoming Welcome envelope, joining the group it
// describes and persisting the name→group-id mapping it authoritatively
// carries.
func FromWelcome(ctx context.Context, identity *mlsengine.Identity, provider *mlsengine.Provider, store *clientstore.Store, log *slog.Logger, env wire.Welcome) (*Membership, error) {
	welcomeBytes, err := base64.StdEncoding.DecodeString(env.WelcomeBlob)
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "decoding welcome blob", Err: err}
	}
	treeBytes, err := base64.StdEncoding.DecodeString(env.RatchetTreeBlob)
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "decoding ratchet tree blob", Err: err}
	}

	group, err := mlsengine.JoinFromWelcome(ctx, identity, provider, welcomeBytes, treeBytes)
	if err != nil {
		return nil, err
	}

	groupName, ok := group.GroupName()
	if !ok {
		return nil, &mlserrors.MlsProtocolError{
			Op:  "membership.from_welcome",
			Err: fmt.Errorf("welcome from %s missing group metadata; inviter may be using an incompatible client", env.Inviter),
		}
	}

	provider.StoreGroup(group)

	if err := store.SaveGroupName(ctx, nameKey(identity.Username, groupName), group.GroupID()); err != nil {
		log.Warn("failed to persist group id mapping after welcome", "group", groupName, "error", err)
	}

	log.Info("joined group via welcome", "group", groupName, "inviter", env.Inviter)
	return &Membership{groupName: groupName, group: group, log: log}, nil
}

// ConnectToExisting loads a previously created or joined group's state back
// from the local Provider, failing if either the name mapping or the group
// state itself is missing.
func ConnectToExisting(ctx context.Context, provider *mlsengine.Provider, store *clientstore.Store, log *slog.Logger, username, groupName string) (*Membership, error) {
	groupID, ok, err := store.LoadGroupByName(ctx, nameKey(username, groupName))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &mlserrors.StorageError{Op: "membership.connect_to_existing_group", Err: fmt.Errorf("group %q not found", groupName)}
	}

	group, ok := provider.LoadGroup(groupID)
	if !ok {
		return nil, &mlserrors.StorageError{Op: "membership.connect_to_existing_group", Err: fmt.Errorf("group %q not found in provider storage", groupName)}
	}

	return &Membership{groupName: groupName, group: group, log: log}, nil
}

// CreateNewGroup creates a fresh group named groupName, or loads it if a
// mapping for that name already exists. A data inconsistency (mapping
// present, group state missing) falls back to recreating it rather than
// failing.
func CreateNewGroup(ctx context.Context, identity *mlsengine.Identity, provider *mlsengine.Provider, store *clientstore.Store, log *slog.Logger, groupName string) (*Membership, error) {
	key := nameKey(identity.Username, groupName)

	if groupID, ok, err := store.LoadGroupByName(ctx, key); err == nil && ok {
		if group, ok := provider.LoadGroup(groupID); ok {
			log.Info("loaded existing group", "group", groupName)
			return &Membership{groupName: groupName, group: group, log: log}, nil
		}
		log.Warn("group metadata exists but group not found in storage, recreating", "group", groupName)
	} else if err != nil {
		log.Warn("error checking group mapping, creating new group", "group", groupName, "error", err)
	}

	group, err := mlsengine.CreateGroup(identity, groupName)
	if err != nil {
		return nil, err
	}
	provider.StoreGroup(group)

	if err := store.SaveGroupName(ctx, key, group.GroupID()); err != nil {
		log.Warn("failed to save group name mapping; group created but not persisted", "group", groupName, "error", err)
	}

	log.Info("created new group", "group", groupName)
	return &Membership{groupName: groupName, group: group, log: log}, nil
}

// SendMessage encrypts text as an MLS application message and returns the
// envelope ready for transport. The caller is responsible for the actual
// send; this package has no transport dependency.
func (m *Membership) SendMessage(identity *mlsengine.Identity, text string) (wire.Application, error) {
	ct, err := m.group.Encrypt(identity, []byte(text))
	if err != nil {
		return wire.Application{}, err
	}
	return wire.Application{
		Sender:           identity.Username,
		GroupID:          wire.EncodeGroupID(m.group.GroupID()),
		EncryptedContent: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// InviteResult bundles the two envelopes InviteUser produces: a Welcome
// sent directly to the invitee and a Commit broadcast to existing members.
type InviteResult struct {
	Welcome wire.Welcome
	Commit  wire.Commit
}

// InviteUser adds invitee's already-validated KeyPackage to the group,
// merges the resulting commit locally, and produces the Welcome/Commit
// pair the caller must distribute.
func (m *Membership) InviteUser(identity *mlsengine.Identity, invitee string, kp *mls.KeyPackage) (*InviteResult, error) {
	commitBytes, welcomeBytes, err := m.group.AddMember(identity, kp)
	if err != nil {
		return nil, err
	}

	// Merge before anything is sent: a commit we produced ourselves is
	// skipped when its echo comes back, so our epoch must advance now.
	if err := m.group.MergePendingCommit(); err != nil {
		return nil, err
	}

	tree, err := m.group.ExportRatchetTree()
	if err != nil {
		return nil, err
	}

	groupIDStr := wire.EncodeGroupID(m.group.GroupID())
	result := &InviteResult{
		Welcome: wire.Welcome{
			Inviter:         identity.Username,
			Invitee:         invitee,
			WelcomeBlob:     base64.StdEncoding.EncodeToString(welcomeBytes),
			RatchetTreeBlob: base64.StdEncoding.EncodeToString(tree),
		},
		Commit: wire.Commit{
			Sender:     identity.Username,
			GroupID:    groupIDStr,
			CommitBlob: base64.StdEncoding.EncodeToString(commitBytes),
		},
	}

	m.log.Info("invited user to group", "group", m.groupName, "invitee", invitee)
	return result, nil
}

// ListMembers returns the usernames of all current members.
func (m *Membership) ListMembers() []string { return m.group.ListMembers() }

// GroupName returns the group's human-readable name.
func (m *Membership) GroupName() string { return m.groupName }

// GroupID returns the group's opaque MLS identifier.
func (m *Membership) GroupID() []byte { return m.group.GroupID() }

// ProcessResult reports what processing an incoming envelope produced, for
// a caller (internal/hub) that wants to log or display it.
type ProcessResult struct {
	DisplayText  string
	Decrypted    bool
	MemberUpdate bool
}

// ProcessApplication handles an incoming Application envelope, skipping our
// own echoes and decrypting everyone else's. An echo of our own message
// cannot be decrypted anyway: our send already advanced the sender ratchet.
func (m *Membership) ProcessApplication(identity *mlsengine.Identity, env wire.Application) (*ProcessResult, error) {
	if env.Sender == identity.Username {
		m.log.Debug("skipping own application message", "group", m.groupName)
		return &ProcessResult{}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(env.EncryptedContent)
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "decoding application content", Err: err}
	}

	processed, err := m.group.ProcessIncoming(raw)
	if err != nil {
		return &ProcessResult{DisplayText: "[decryption failed]"}, nil
	}
	if processed.Kind != mlsengine.ProcessedApplication {
		m.log.Debug("received non-application message in application envelope", "group", m.groupName)
		return &ProcessResult{}, nil
	}

	return &ProcessResult{DisplayText: string(processed.ApplicationPT), Decrypted: true}, nil
}

// ProcessCommit handles an incoming Commit envelope, skipping our own
// commits (already merged at send time) and merging everyone else's.
func (m *Membership) ProcessCommit(identity *mlsengine.Identity, env wire.Commit) (*ProcessResult, error) {
	if env.Sender == identity.Username {
		m.log.Debug("skipping own commit message", "group", m.groupName)
		return &ProcessResult{}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(env.CommitBlob)
	if err != nil {
		return nil, &mlserrors.WireError{Reason: "decoding commit blob", Err: err}
	}

	processed, err := m.group.ProcessIncoming(raw)
	if err != nil {
		m.log.Error("failed to process commit", "group", m.groupName, "error", err)
		return &ProcessResult{}, nil
	}
	if processed.Kind != mlsengine.ProcessedStagedCommit {
		m.log.Debug("received non-commit handshake message, ignoring", "group", m.groupName)
		return &ProcessResult{}, nil
	}

	if err := m.group.MergeStagedCommit(processed); err != nil {
		m.log.Error("failed to merge commit", "group", m.groupName, "error", err)
		return &ProcessResult{}, nil
	}

	m.log.Info("merged commit, group membership updated", "group", m.groupName, "members", len(m.group.ListMembers()))
	return &ProcessResult{DisplayText: "[updated group membership]", MemberUpdate: true}, nil
}
