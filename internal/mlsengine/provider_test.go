package mlsengine

import (
	"context"
	"testing"
)

func openTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := OpenProvider(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenProvider: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSignatureKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := openTestProvider(t)

	pub := []byte{1, 2, 3}
	if _, ok, err := p.LoadSignatureKey(ctx, pub); err != nil || ok {
		t.Fatalf("expected no key yet, got ok=%v err=%v", ok, err)
	}

	priv := []byte{9, 9, 9}
	if err := p.SaveSignatureKey(ctx, pub, priv); err != nil {
		t.Fatalf("SaveSignatureKey: %v", err)
	}

	got, ok, err := p.LoadSignatureKey(ctx, pub)
	if err != nil || !ok {
		t.Fatalf("expected stored key, got ok=%v err=%v", ok, err)
	}
	if string(got) != string(priv) {
		t.Errorf("got %x, want %x", got, priv)
	}
}

func TestKeyPackageInitLifecycle(t *testing.T) {
	ctx := context.Background()
	p := openTestProvider(t)

	ref := []byte{4, 5, 6}
	initPriv := []byte{7, 8, 9}

	if _, ok, err := p.LoadKeyPackageInit(ctx, ref); err != nil || ok {
		t.Fatalf("expected no init key yet, got ok=%v err=%v", ok, err)
	}

	if err := p.SaveKeyPackageInit(ctx, ref, initPriv); err != nil {
		t.Fatalf("SaveKeyPackageInit: %v", err)
	}

	got, ok, err := p.LoadKeyPackageInit(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("expected stored init key, got ok=%v err=%v", ok, err)
	}
	if string(got) != string(initPriv) {
		t.Errorf("got %x, want %x", got, initPriv)
	}

	if err := p.DeleteKeyPackageInit(ctx, ref); err != nil {
		t.Fatalf("DeleteKeyPackageInit: %v", err)
	}
	if _, ok, err := p.LoadKeyPackageInit(ctx, ref); err != nil || ok {
		t.Fatalf("expected init key gone after delete, got ok=%v err=%v", ok, err)
	}
}

func TestGroupStoreLoadDrop(t *testing.T) {
	id, err := NewIdentity("alice")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	group, err := CreateGroup(id, "book-club")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	p := openTestProvider(t)
	if _, ok := p.LoadGroup(group.GroupID()); ok {
		t.Fatal("expected no group stored yet")
	}

	p.StoreGroup(group)
	loaded, ok := p.LoadGroup(group.GroupID())
	if !ok {
		t.Fatal("expected to load the stored group")
	}
	if string(loaded.GroupID()) != string(group.GroupID()) {
		t.Error("loaded group id mismatch")
	}

	p.DropGroup(group.GroupID())
	if _, ok := p.LoadGroup(group.GroupID()); ok {
		t.Error("expected group to be gone after DropGroup")
	}
}
