package relay

import (
	"context"
	"testing"
	"time"

	"github.com/q10elabs/mlschat/internal/wire"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(testDB, testNATS, testLogger)
}

// TestRouterApplicationDeliveredAndPersisted: an Application envelope sent
// on a group channel is both persisted to the messages table and delivered
// verbatim to a subscriber of that channel.
func TestRouterApplicationDeliveredAndPersisted(t *testing.T) {
	r := newTestRouter(t)
	groupID := wire.EncodeGroupID([]byte("router-group-" + uniqueSuffix()))

	received := make(chan []byte, 1)
	r.Subscribe("conn-receiver", groupID)
	sub, err := r.SubscribeDeliveries("conn-receiver", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("subscribe deliveries: %v", err)
	}
	defer sub.Unsubscribe()

	env := wire.Application{
		Sender:           "alice",
		GroupID:          groupID,
		EncryptedContent: wire.EncodeGroupID([]byte("ciphertext-payload")),
	}
	raw, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := r.Route(context.Background(), env, raw); err != nil {
		t.Fatalf("route: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(raw) {
			t.Errorf("delivered payload mismatch: got %q want %q", got, raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	var count int
	if err := testDB.Pool.QueryRow(context.Background(),
		`SELECT count(*) FROM messages WHERE group_id = $1 AND sender_id = $2`, groupID, "alice",
	).Scan(&count); err != nil {
		t.Fatalf("querying persisted message: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 persisted message, got %d", count)
	}
}

// TestRouterWelcomeGoesToInviteeChannelOnly: a Welcome envelope is delivered
// verbatim to a subscriber of the invitee's personal channel. Route sends
// Welcomes nowhere else; this test checks only the invitee delivery.
func TestRouterWelcomeGoesToInviteeChannelOnly(t *testing.T) {
	r := newTestRouter(t)
	invitee := "invitee-" + uniqueSuffix()

	received := make(chan []byte, 1)
	r.Subscribe("conn-invitee", invitee)
	sub, err := r.SubscribeDeliveries("conn-invitee", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("subscribe deliveries: %v", err)
	}
	defer sub.Unsubscribe()

	env := wire.Welcome{
		Inviter:         "bob",
		Invitee:         invitee,
		WelcomeBlob:     wire.EncodeGroupID([]byte("welcome-blob")),
		RatchetTreeBlob: wire.EncodeGroupID([]byte("tree-blob")),
	}
	raw, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := r.Route(context.Background(), env, raw); err != nil {
		t.Fatalf("route: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(raw) {
			t.Errorf("delivered payload mismatch: got %q want %q", got, raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for welcome delivery")
	}
}

// TestRouterUnsubscribeStopsDelivery covers Unsubscribe:
// once a connection leaves a channel it receives nothing further routed to
// it.
func TestRouterUnsubscribeStopsDelivery(t *testing.T) {
	r := newTestRouter(t)
	groupID := wire.EncodeGroupID([]byte("router-unsub-" + uniqueSuffix()))

	received := make(chan []byte, 1)
	r.Subscribe("conn-leaver", groupID)
	sub, err := r.SubscribeDeliveries("conn-leaver", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("subscribe deliveries: %v", err)
	}
	defer sub.Unsubscribe()

	r.Unsubscribe("conn-leaver", groupID)

	env := wire.Commit{
		Sender:     "carol",
		GroupID:    groupID,
		CommitBlob: wire.EncodeGroupID([]byte("commit-blob")),
	}
	raw, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := r.Route(context.Background(), env, raw); err != nil {
		t.Fatalf("route: %v", err)
	}

	select {
	case <-received:
		t.Fatal("unsubscribed connection should not receive delivery")
	case <-time.After(300 * time.Millisecond):
		// expected: no delivery arrived
	}
}
