// Package hub is the client's message router: it owns the identity, the
// MLS provider, the local metadata store, the relay API client, the
// real-time transport, the KeyPackage pool, and the group_id→membership
// map, and routes incoming envelopes to the right membership.
package hub

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/q10elabs/mlschat/internal/clientstore"
	"github.com/q10elabs/mlschat/internal/identity"
	"github.com/q10elabs/mlschat/internal/keypackage"
	"github.com/q10elabs/mlschat/internal/membership"
	"github.com/q10elabs/mlschat/internal/mlsengine"
	"github.com/q10elabs/mlschat/internal/mlserrors"
	"github.com/q10elabs/mlschat/internal/relayclient"
	"github.com/q10elabs/mlschat/internal/transport"
	"github.com/q10elabs/mlschat/internal/wire"
)

// Hub owns every piece of client-side infrastructure and routes incoming
// envelopes to the membership they belong to. Its fields come alive in
// three stages (New wires local infrastructure, Initialize loads the
// identity and pool, ConnectTransport opens the gateway connection) and
// each method documents which stage it requires; splitting the struct into
// three phase types was not worth it for two late-bound fields.
type Hub struct {
	serverURL string
	username  string
	log       *slog.Logger

	store    *clientstore.Store
	provider *mlsengine.Provider
	api      *relayclient.Client
	poolCfg  keypackage.Config

	identity *mlsengine.Identity
	pool     *keypackage.Pool
	conn     *transport.Conn

	mu          sync.Mutex
	memberships map[string]*membership.Membership // keyed by raw group-id bytes
}

// New wires up local infrastructure only; no network I/O happens here.
func New(ctx context.Context, serverURL, username, storageDir string, poolCfg keypackage.Config, log *slog.Logger) (*Hub, error) {
	store, err := clientstore.Open(ctx, storageDir+"/metadata.db")
	if err != nil {
		return nil, err
	}

	provider, err := mlsengine.OpenProvider(ctx, fmt.Sprintf("%s/mls-%s.db", storageDir, username))
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			log.Warn("error closing metadata store after provider open failure", "error", cerr)
		}
		return nil, err
	}

	return &Hub{
		serverURL:   serverURL,
		username:    username,
		log:         log,
		store:       store,
		provider:    provider,
		api:         relayclient.New(serverURL),
		poolCfg:     poolCfg,
		memberships: make(map[string]*membership.Membership),
	}, nil
}

// Initialize loads or creates this username's signing identity, then
// best-effort fetches its existing server-side KeyPackage, validating the
// ciphersuite and credential identity; if none is found, it generates and
// registers one. A server-side KeyPackage whose credential names a
// different user fails Initialize with CredentialMismatch before anything
// is registered; any other validation failure leads to regeneration.
// Server registration failure is returned to the caller, but the identity
// is already usable locally by that point.
func (h *Hub) Initialize(ctx context.Context) error {
	id, err := identity.LoadOrCreate(ctx, h.provider, h.store, h.log, h.username)
	if err != nil {
		return err
	}
	h.identity = id
	h.pool = keypackage.New(h.username, h.poolCfg, h.store, h.provider, h.log)

	var keyPackageBytes []byte
	if remote, err := h.api.GetUserKey(ctx, h.username); err == nil {
		if _, verr := identity.ValidateRemoteKeyPackage(remote, h.username); verr != nil {
			var mismatch *mlserrors.CredentialMismatch
			if errors.As(verr, &mismatch) {
				h.log.Error("server-side key package credential mismatch", "username", h.username, "error", verr)
				return verr
			}
			h.log.Warn("server-side key package failed validation, regenerating", "error", verr)
		} else {
			h.log.Info("found existing key package on server", "username", h.username)
			keyPackageBytes = remote
		}
	}

	if keyPackageBytes == nil {
		h.log.Info("generating new key package", "username", h.username)
		bundle, err := mlsengine.GenerateKeyPackage(h.identity)
		if err != nil {
			return err
		}
		keyPackageBytes = bundle.Bytes()
	}

	if err := h.api.RegisterUser(ctx, h.username, keyPackageBytes); err != nil {
		var apiErr *relayclient.APIError
		if !isDuplicateUser(err, &apiErr) {
			return err
		}
	}
	return nil
}

func isDuplicateUser(err error, target **relayclient.APIError) bool {
	apiErr, ok := err.(*relayclient.APIError)
	if !ok {
		return false
	}
	*target = apiErr
	return apiErr.Code == "duplicate"
}

// ConnectTransport opens the real-time connection and subscribes to this
// user's personal channel for Welcome delivery.
func (h *Hub) ConnectTransport(ctx context.Context) error {
	conn, err := transport.Dial(ctx, h.serverURL, h.username, h.log)
	if err != nil {
		return err
	}
	h.conn = conn
	return nil
}

// RefreshKeyPackages runs the pool refresh loop: clean up expired entries,
// upload anything still pending, and top the pool back up to its target
// size if it has fallen under the low watermark.
func (h *Hub) RefreshKeyPackages(ctx context.Context) error {
	now := time.Now().Unix()

	if removed, err := h.pool.CleanupExpired(ctx, now); err != nil {
		h.log.Warn("cleanup_expired failed", "error", err)
	} else if removed > 0 {
		h.log.Debug("cleaned up expired key packages", "count", removed)
	}

	if err := h.uploadPending(ctx); err != nil {
		return err
	}

	replenish, err := h.pool.ShouldReplenish(ctx)
	if err != nil {
		return err
	}
	if !replenish {
		return nil
	}

	needed, err := h.pool.ReplenishmentNeeded(ctx)
	if err != nil {
		return err
	}
	if needed == 0 {
		return nil
	}

	if _, err := h.pool.GenerateAndUpdatePool(ctx, h.identity, needed, now); err != nil {
		return err
	}
	return h.uploadPending(ctx)
}

func (h *Hub) uploadPending(ctx context.Context) error {
	pending, err := h.pool.PendingUpload(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	items := make([]relayclient.UploadItem, 0, len(pending))
	for _, e := range pending {
		items = append(items, relayclient.UploadItem{Ref: e.Ref, Bytes: e.Bytes, NotAfter: e.NotAfter})
	}

	accepted, rejected, _, err := h.api.UploadKeyPackages(ctx, h.username, items)
	if err != nil {
		for _, it := range items {
			if uerr := h.store.UpdatePoolMetadataStatus(ctx, it.Ref, "failed"); uerr != nil {
				h.log.Warn("failed to mark upload-failed key package", "error", uerr)
			}
		}
		return err
	}

	for _, it := range items {
		if err := h.pool.MarkUploaded(ctx, it.Ref); err != nil {
			h.log.Warn("failed to mark uploaded key package", "error", err)
		}
		if err := h.pool.MarkAvailable(ctx, it.Ref); err != nil {
			h.log.Warn("failed to mark available key package", "error", err)
		}
	}
	h.log.Debug("uploaded key packages", "accepted", accepted, "rejected", rejected)
	return nil
}

// Next blocks until the next incoming envelope arrives on the transport.
func (h *Hub) Next(ctx context.Context) (wire.Envelope, error) {
	in, err := h.conn.Next(ctx)
	if err != nil {
		return nil, err
	}
	return in.Envelope, nil
}

// ProcessIncomingEnvelope routes env to the membership it belongs to,
// creating one for a Welcome, or returning NoMembership if an
// Application/Commit names a group this hub holds no membership for.
func (h *Hub) ProcessIncomingEnvelope(ctx context.Context, env wire.Envelope) error {
	switch e := env.(type) {
	case wire.Welcome:
		m, err := membership.FromWelcome(ctx, h.identity, h.provider, h.store, h.log, e)
		if err != nil {
			return err
		}

		groupIDB64 := wire.EncodeGroupID(m.GroupID())
		if err := h.conn.Subscribe(ctx, groupIDB64); err != nil {
			h.log.Warn("failed to subscribe to new group channel", "group", m.GroupName(), "error", err)
		}

		h.mu.Lock()
		h.memberships[string(m.GroupID())] = m
		h.mu.Unlock()
		return nil

	case wire.Application:
		groupID, err := wire.DecodeGroupID(e.GroupID)
		if err != nil {
			return err
		}
		m, ok := h.lookupMembership(groupID)
		if !ok {
			return &mlserrors.NoMembership{Group: e.GroupID}
		}
		result, err := m.ProcessApplication(h.identity, e)
		if err != nil {
			return err
		}
		if result.DisplayText != "" {
			fmt.Printf("[%s] %s: %s\n", m.GroupName(), e.Sender, result.DisplayText)
		}
		return nil

	case wire.Commit:
		groupID, err := wire.DecodeGroupID(e.GroupID)
		if err != nil {
			return err
		}
		m, ok := h.lookupMembership(groupID)
		if !ok {
			return &mlserrors.NoMembership{Group: e.GroupID}
		}
		result, err := m.ProcessCommit(h.identity, e)
		if err != nil {
			return err
		}
		if result.DisplayText != "" {
			fmt.Printf("[%s] %s: %s\n", m.GroupName(), e.Sender, result.DisplayText)
		}
		return nil

	default:
		return &mlserrors.WireError{Reason: fmt.Sprintf("unhandled envelope type %T", env)}
	}
}

func (h *Hub) lookupMembership(groupID []byte) (*membership.Membership, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.memberships[string(groupID)]
	return m, ok
}

// JoinOrCreateGroup resolves groupName to a membership, creating a brand
// new group unless both a local mapping and a loaded provider state already
// exist for it, and registers it in the hub's map.
func (h *Hub) JoinOrCreateGroup(ctx context.Context, groupName string) ([]byte, error) {
	m, err := membership.CreateNewGroup(ctx, h.identity, h.provider, h.store, h.log, groupName)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.memberships[string(m.GroupID())] = m
	h.mu.Unlock()
	return m.GroupID(), nil
}

// SendMessageToGroup acquires the membership for groupID and the transport
// once, then delegates the encrypt-and-send.
func (h *Hub) SendMessageToGroup(ctx context.Context, groupID []byte, text string) error {
	m, ok := h.lookupMembership(groupID)
	if !ok {
		return &mlserrors.NoMembership{Group: base64.StdEncoding.EncodeToString(groupID)}
	}
	env, err := m.SendMessage(h.identity, text)
	if err != nil {
		return err
	}
	return h.conn.Send(ctx, env)
}

// InviteUserToGroup acquires the membership for groupID, reserves and
// validates invitee's KeyPackage from the relay, adds them to the group,
// and sends the resulting Welcome and Commit.
func (h *Hub) InviteUserToGroup(ctx context.Context, groupID []byte, invitee string) error {
	m, ok := h.lookupMembership(groupID)
	if !ok {
		return &mlserrors.NoMembership{Group: base64.StdEncoding.EncodeToString(groupID)}
	}

	reservation, err := h.api.Reserve(ctx, invitee, groupID, h.username)
	if err != nil {
		return err
	}

	kp, err := identity.ValidateRemoteKeyPackage(reservation.KeyPackageBytes, invitee)
	if err != nil {
		if cerr := h.api.Cancel(ctx, reservation.KeyPackageRef, reservation.ReservationID); cerr != nil {
			h.log.Warn("failed to cancel reservation after validation failure", "error", cerr)
		}
		return err
	}

	result, err := m.InviteUser(h.identity, invitee, kp)
	if err != nil {
		if cerr := h.api.Cancel(ctx, reservation.KeyPackageRef, reservation.ReservationID); cerr != nil {
			h.log.Warn("failed to cancel reservation after invite failure", "error", cerr)
		}
		return err
	}

	if err := h.api.Spend(ctx, reservation.KeyPackageRef, groupID, h.username); err != nil {
		h.log.Warn("failed to confirm spend with relay", "error", err)
	}

	if err := h.conn.Send(ctx, result.Welcome); err != nil {
		return err
	}
	return h.conn.Send(ctx, result.Commit)
}

// ListMembers returns the usernames of groupID's current members.
func (h *Hub) ListMembers(groupID []byte) ([]string, bool) {
	m, ok := h.lookupMembership(groupID)
	if !ok {
		return nil, false
	}
	return m.ListMembers(), true
}

// Identity exposes the hub's loaded identity, mainly for callers (cmd/mlschat)
// that need the username for display.
func (h *Hub) Identity() *mlsengine.Identity { return h.identity }

// Groups returns every membership's human-readable name mapped to its group
// id, so a caller (cmd/mlschat) can resolve a name typed at the prompt even
// for groups joined by an incoming Welcome rather than an explicit
// JoinOrCreateGroup call.
func (h *Hub) Groups() map[string][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]byte, len(h.memberships))
	for _, m := range h.memberships {
		out[m.GroupName()] = m.GroupID()
	}
	return out
}

// Close releases the transport, the local store, and the MLS provider.
func (h *Hub) Close() error {
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			h.log.Warn("error closing transport", "error", err)
		}
	}
	if err := h.provider.Close(); err != nil {
		h.log.Warn("error closing mls provider", "error", err)
	}
	return h.store.Close()
}
