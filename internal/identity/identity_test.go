package identity

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/q10elabs/mlschat/internal/clientstore"
	"github.com/q10elabs/mlschat/internal/mlsengine"
)

func newTestHarness(t *testing.T) (*mlsengine.Provider, *clientstore.Store, *slog.Logger) {
	t.Helper()
	ctx := context.Background()

	provider, err := mlsengine.OpenProvider(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenProvider: %v", err)
	}
	t.Cleanup(func() { provider.Close() })

	store, err := clientstore.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("clientstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return provider, store, log
}

func TestLoadOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	provider, store, log := newTestHarness(t)

	first, err := LoadOrCreate(ctx, provider, store, log, "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate (first): %v", err)
	}

	second, err := LoadOrCreate(ctx, provider, store, log, "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate (second): %v", err)
	}

	if string(first.PublicKeyBytes()) != string(second.PublicKeyBytes()) {
		t.Error("expected the same public key to be returned across calls")
	}
	if string(first.PrivateKeyBytes()) != string(second.PrivateKeyBytes()) {
		t.Error("expected the same private key to be returned across calls")
	}
}

func TestLoadOrCreateDistinctUsersGetDistinctKeys(t *testing.T) {
	ctx := context.Background()
	provider, store, log := newTestHarness(t)

	alice, err := LoadOrCreate(ctx, provider, store, log, "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate(alice): %v", err)
	}
	bob, err := LoadOrCreate(ctx, provider, store, log, "bob")
	if err != nil {
		t.Fatalf("LoadOrCreate(bob): %v", err)
	}

	if string(alice.PublicKeyBytes()) == string(bob.PublicKeyBytes()) {
		t.Error("expected distinct identities for distinct usernames")
	}
}

func TestVerifyStored(t *testing.T) {
	ctx := context.Background()
	provider, store, log := newTestHarness(t)

	id, err := LoadOrCreate(ctx, provider, store, log, "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	ok, err := VerifyStored(ctx, provider, store, id)
	if err != nil {
		t.Fatalf("VerifyStored: %v", err)
	}
	if !ok {
		t.Error("expected VerifyStored to confirm the freshly created identity persisted")
	}
}

func TestVerifyStoredDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	provider, store, log := newTestHarness(t)

	if _, err := LoadOrCreate(ctx, provider, store, log, "alice"); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	other, err := mlsengine.NewIdentity("alice")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	ok, err := VerifyStored(ctx, provider, store, other)
	if err != nil {
		t.Fatalf("VerifyStored: %v", err)
	}
	if ok {
		t.Error("expected VerifyStored to reject an identity never persisted under this username")
	}
}
