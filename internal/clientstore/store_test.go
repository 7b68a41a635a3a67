package clientstore

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityPublicKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.LoadIdentityPublicKey(ctx, "alice"); err != nil || ok {
		t.Fatalf("expected no key yet, got ok=%v err=%v", ok, err)
	}

	pub := []byte{1, 2, 3, 4}
	if err := s.SaveIdentityPublicKey(ctx, "alice", pub); err != nil {
		t.Fatalf("SaveIdentityPublicKey: %v", err)
	}

	got, ok, err := s.LoadIdentityPublicKey(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("expected saved key, got ok=%v err=%v", ok, err)
	}
	if string(got) != string(pub) {
		t.Errorf("got %x, want %x", got, pub)
	}

	// saving a different key for the same username overwrites the old one
	pub2 := []byte{5, 6, 7, 8}
	if err := s.SaveIdentityPublicKey(ctx, "alice", pub2); err != nil {
		t.Fatalf("SaveIdentityPublicKey overwrite: %v", err)
	}
	got2, _, err := s.LoadIdentityPublicKey(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadIdentityPublicKey: %v", err)
	}
	if string(got2) != string(pub2) {
		t.Errorf("got %x after overwrite, want %x", got2, pub2)
	}
}

func TestGroupNameRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.LoadGroupByName(ctx, "alice:book-club"); err != nil || ok {
		t.Fatalf("expected no mapping yet, got ok=%v err=%v", ok, err)
	}

	groupID := []byte{0xaa, 0xbb, 0xcc}
	if err := s.SaveGroupName(ctx, "alice:book-club", groupID); err != nil {
		t.Fatalf("SaveGroupName: %v", err)
	}

	got, ok, err := s.LoadGroupByName(ctx, "alice:book-club")
	if err != nil || !ok {
		t.Fatalf("expected saved mapping, got ok=%v err=%v", ok, err)
	}
	if string(got) != string(groupID) {
		t.Errorf("got %x, want %x", got, groupID)
	}

	newGroupID := []byte{0xdd, 0xee}
	if err := s.SaveGroupName(ctx, "alice:book-club", newGroupID); err != nil {
		t.Fatalf("SaveGroupName overwrite: %v", err)
	}
	got2, _, _ := s.LoadGroupByName(ctx, "alice:book-club")
	if string(got2) != string(newGroupID) {
		t.Errorf("got %x after re-save, want %x", got2, newGroupID)
	}
}

func TestPoolMetadataLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ref := []byte{1, 1, 1}
	bytes := []byte{9, 9, 9}
	if err := s.CreatePoolMetadata(ctx, "alice", ref, bytes, 1000, 1); err != nil {
		t.Fatalf("CreatePoolMetadata: %v", err)
	}

	created, err := s.GetMetadataByStatus(ctx, "alice", "created")
	if err != nil {
		t.Fatalf("GetMetadataByStatus: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 created row, got %d", len(created))
	}
	if string(created[0].Bytes) != string(bytes) {
		t.Errorf("stored bytes %x, want %x", created[0].Bytes, bytes)
	}

	if err := s.UpdatePoolMetadataStatus(ctx, ref, "uploaded"); err != nil {
		t.Fatalf("UpdatePoolMetadataStatus: %v", err)
	}
	n, err := s.CountByStatus(ctx, "alice", "uploaded")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 uploaded row, got %d", n)
	}

	if err := s.DeletePoolMetadata(ctx, ref); err != nil {
		t.Fatalf("DeletePoolMetadata: %v", err)
	}
	n, err = s.CountByStatus(ctx, "alice", "uploaded", "created", "available")
	if err != nil {
		t.Fatalf("CountByStatus after delete: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 rows after delete, got %d", n)
	}
}

func TestUpdatePoolMetadataStatusUnknownRef(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.UpdatePoolMetadataStatus(ctx, []byte{0xff}, "spent")
	if err == nil {
		t.Fatal("expected error updating a ref that was never created")
	}
}

func TestGetExpiredRefs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	expiredRef := []byte{1}
	liveRef := []byte{2}
	if err := s.CreatePoolMetadata(ctx, "alice", expiredRef, []byte{0}, 100, 1); err != nil {
		t.Fatalf("CreatePoolMetadata: %v", err)
	}
	if err := s.CreatePoolMetadata(ctx, "alice", liveRef, []byte{0}, 10000, 1); err != nil {
		t.Fatalf("CreatePoolMetadata: %v", err)
	}

	refs, err := s.GetExpiredRefs(ctx, "alice", 500)
	if err != nil {
		t.Fatalf("GetExpiredRefs: %v", err)
	}
	if len(refs) != 1 || string(refs[0]) != string(expiredRef) {
		t.Errorf("expected only the expired ref, got %x", refs)
	}
}
