package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/q10elabs/mlschat/internal/wire"
)

// Router maps channel names (group channels keyed by base64 group-id,
// personal channels keyed by username) to the set of connections subscribed
// to them, persists Application messages, and fans each envelope out to its
// channel's subscribers.
//
// Fan-out rides NATS: each subscribed connection gets its own per-subscriber
// subject, so one slow consumer cannot apply backpressure to another.
type Router struct {
	db     *DB
	nc     *nats.Conn
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]map[string]struct{} // channel -> set of connection IDs
}

// NewRouter constructs a Router. nc is a live NATS connection owned by the
// caller.
func NewRouter(db *DB, nc *nats.Conn, logger *slog.Logger) *Router {
	return &Router{
		db:       db,
		nc:       nc,
		logger:   logger,
		channels: make(map[string]map[string]struct{}),
	}
}

// deliverSubject returns the per-connection NATS subject used to hand an
// envelope to exactly one websocket gateway goroutine.
func deliverSubject(connID string) string {
	return "mlschat.deliver." + connID
}

// Subscribe adds connID to channel's subscriber set.
func (r *Router) Subscribe(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[string]struct{})
		r.channels[channel] = set
	}
	set[connID] = struct{}{}
}

// Unsubscribe removes connID from channel's subscriber set.
func (r *Router) Unsubscribe(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.channels[channel]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.channels, channel)
		}
	}
}

// RemoveConnection removes connID from every channel it had subscribed to,
// called on client disconnect.
func (r *Router) RemoveConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel, set := range r.channels {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.channels, channel)
		}
	}
}

// SubscribeDeliveries subscribes handler to the envelopes routed to connID.
// The returned subscription must be unsubscribed on disconnect.
func (r *Router) SubscribeDeliveries(connID string, handler func([]byte)) (*nats.Subscription, error) {
	sub, err := r.nc.Subscribe(deliverSubject(connID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing deliveries for %s: %w", connID, err)
	}
	return sub, nil
}

func (r *Router) subscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels[channel]))
	for connID := range r.channels[channel] {
		out = append(out, connID)
	}
	return out
}

func (r *Router) broadcast(channel string, payload []byte) {
	for _, connID := range r.subscribers(channel) {
		if err := r.nc.Publish(deliverSubject(connID), payload); err != nil {
			r.logger.Warn("broadcast publish failed", slog.String("channel", channel), slog.String("conn", connID), slog.String("error", err.Error()))
		}
	}
}

// Route applies the per-kind persistence and broadcast rules: Application
// envelopes persist and fan out to the group channel, Welcome envelopes go
// to the invitee's personal channel only, Commit envelopes fan out to the
// group channel. The envelope's raw JSON bytes (as received from the source
// connection) are rebroadcast verbatim.
func (r *Router) Route(ctx context.Context, env wire.Envelope, raw []byte) error {
	switch e := env.(type) {
	case wire.Application:
		if err := r.persistApplication(ctx, e); err != nil {
			return err
		}
		r.broadcast(e.GroupID, raw)
	case wire.Welcome:
		r.broadcast(e.Invitee, raw)
	case wire.Commit:
		r.broadcast(e.GroupID, raw)
	default:
		return fmt.Errorf("routing: unhandled envelope type %T", env)
	}
	return nil
}

// persistApplication stores the ciphertext and auto-creates the groups row
// if absent, using group_id as the name. The auto-created name is advisory
// only; nothing downstream relies on it being human-readable.
func (r *Router) persistApplication(ctx context.Context, e wire.Application) error {
	content, err := decodeWireBase64(e.EncryptedContent)
	if err != nil {
		return err
	}

	if _, err := r.db.Pool.Exec(ctx,
		`INSERT INTO groups (group_id, name) VALUES ($1, $1) ON CONFLICT (group_id) DO NOTHING`,
		e.GroupID,
	); err != nil {
		return fmt.Errorf("auto-creating group row: %w", err)
	}

	id := ulid.Make().String()
	if _, err := r.db.Pool.Exec(ctx,
		`INSERT INTO messages (id, group_id, sender_id, ciphertext) VALUES ($1, $2, $3, $4)`,
		id, e.GroupID, e.Sender, content,
	); err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	return nil
}

// decodeWireBase64 decodes a base64 wire field (encrypted_content uses the
// same standard padded alphabet as group_id).
func decodeWireBase64(s string) ([]byte, error) {
	b, err := wire.DecodeGroupID(s)
	if err != nil {
		return nil, fmt.Errorf("decoding encrypted_content: %w", err)
	}
	return b, nil
}
