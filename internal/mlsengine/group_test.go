package mlsengine

import (
	"context"
	"testing"
)

func mustIdentity(t *testing.T, username string) *Identity {
	t.Helper()
	id, err := NewIdentity(username)
	if err != nil {
		t.Fatalf("NewIdentity(%q): %v", username, err)
	}
	return id
}

// twoPartyJoin creates a group as inviter and joins invitee to it, returning
// both sides' Group handles. It mirrors membership.CreateNewGroup +
// membership.InviteUser + membership.FromWelcome's core sequence, without
// the clientstore/wire plumbing around it.
func twoPartyJoin(t *testing.T, inviter, invitee *Identity, groupName string) (inviterGroup, inviteeGroup *Group) {
	t.Helper()
	ctx := context.Background()

	inviterGroup, err := CreateGroup(inviter, groupName)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	bundle, err := GenerateKeyPackage(invitee)
	if err != nil {
		t.Fatalf("GenerateKeyPackage: %v", err)
	}
	inviteeProvider := openTestProvider(t)
	if err := inviteeProvider.SaveKeyPackageInit(ctx, bundle.Ref, bundle.InitPrivateKeyBytes()); err != nil {
		t.Fatalf("SaveKeyPackageInit: %v", err)
	}

	kp, err := DeserializeKeyPackage(bundle.Bytes())
	if err != nil {
		t.Fatalf("DeserializeKeyPackage: %v", err)
	}

	commitBytes, welcomeBytes, err := inviterGroup.AddMember(inviter, kp)
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	_ = commitBytes
	if err := inviterGroup.MergePendingCommit(); err != nil {
		t.Fatalf("MergePendingCommit: %v", err)
	}

	tree, err := inviterGroup.ExportRatchetTree()
	if err != nil {
		t.Fatalf("ExportRatchetTree: %v", err)
	}

	inviteeGroup, err = JoinFromWelcome(ctx, invitee, inviteeProvider, welcomeBytes, tree)
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}
	return inviterGroup, inviteeGroup
}

func TestTwoPartyJoinAndGroupNameRoundTrip(t *testing.T) {
	alice := mustIdentity(t, "alice")
	bob := mustIdentity(t, "bob")

	aliceGroup, bobGroup := twoPartyJoin(t, alice, bob, "book-club")

	aliceName, ok := aliceGroup.GroupName()
	if !ok || aliceName != "book-club" {
		t.Fatalf("inviter group name = %q, ok=%v, want %q", aliceName, ok, "book-club")
	}
	bobName, ok := bobGroup.GroupName()
	if !ok || bobName != "book-club" {
		t.Fatalf("invitee group name = %q, ok=%v, want %q", bobName, ok, "book-club")
	}
	if string(aliceGroup.GroupID()) != string(bobGroup.GroupID()) {
		t.Error("expected both sides to agree on the group id")
	}
}

func TestTwoPartySendAndReceive(t *testing.T) {
	alice := mustIdentity(t, "alice")
	bob := mustIdentity(t, "bob")

	aliceGroup, bobGroup := twoPartyJoin(t, alice, bob, "book-club")

	ct, err := aliceGroup.Encrypt(alice, []byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	processed, err := bobGroup.ProcessIncoming(ct)
	if err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	if processed.Kind != ProcessedApplication {
		t.Fatalf("expected ProcessedApplication, got %v", processed.Kind)
	}
	if string(processed.ApplicationPT) != "hello bob" {
		t.Errorf("decrypted plaintext = %q, want %q", processed.ApplicationPT, "hello bob")
	}
}

func TestThreePartySequentialAdd(t *testing.T) {
	alice := mustIdentity(t, "alice")
	bob := mustIdentity(t, "bob")
	carol := mustIdentity(t, "carol")
	ctx := context.Background()

	aliceGroup, bobGroup := twoPartyJoin(t, alice, bob, "book-club")

	bundle, err := GenerateKeyPackage(carol)
	if err != nil {
		t.Fatalf("GenerateKeyPackage: %v", err)
	}
	carolProvider := openTestProvider(t)
	if err := carolProvider.SaveKeyPackageInit(ctx, bundle.Ref, bundle.InitPrivateKeyBytes()); err != nil {
		t.Fatalf("SaveKeyPackageInit: %v", err)
	}
	kp, err := DeserializeKeyPackage(bundle.Bytes())
	if err != nil {
		t.Fatalf("DeserializeKeyPackage: %v", err)
	}

	commitBytes, welcomeBytes, err := aliceGroup.AddMember(alice, kp)
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := aliceGroup.MergePendingCommit(); err != nil {
		t.Fatalf("MergePendingCommit: %v", err)
	}

	tree, err := aliceGroup.ExportRatchetTree()
	if err != nil {
		t.Fatalf("ExportRatchetTree: %v", err)
	}

	carolGroup, err := JoinFromWelcome(ctx, carol, carolProvider, welcomeBytes, tree)
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}

	// bob, the existing member not party to this add, processes the commit
	// bob was sent over the group channel and catches up to the new epoch.
	processed, err := bobGroup.ProcessIncoming(commitBytes)
	if err != nil {
		t.Fatalf("bob ProcessIncoming(commit): %v", err)
	}
	if processed.Kind != ProcessedStagedCommit {
		t.Fatalf("expected ProcessedStagedCommit, got %v", processed.Kind)
	}
	if err := bobGroup.MergeStagedCommit(processed); err != nil {
		t.Fatalf("bob MergeStagedCommit: %v", err)
	}

	if aliceGroup.Epoch() != bobGroup.Epoch() || bobGroup.Epoch() != carolGroup.Epoch() {
		t.Errorf("expected all three members at the same epoch, got alice=%d bob=%d carol=%d",
			aliceGroup.Epoch(), bobGroup.Epoch(), carolGroup.Epoch())
	}

	members := carolGroup.ListMembers()
	want := map[string]bool{"alice": true, "bob": true, "carol": true}
	if len(members) != len(want) {
		t.Fatalf("carol's roster = %v, want all three members", members)
	}
	for _, m := range members {
		if !want[m] {
			t.Errorf("unexpected member %q in roster", m)
		}
	}

	ct, err := aliceGroup.Encrypt(alice, []byte("welcome carol"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	gotCarol, err := carolGroup.ProcessIncoming(ct)
	if err != nil {
		t.Fatalf("carol ProcessIncoming(application): %v", err)
	}
	if string(gotCarol.ApplicationPT) != "welcome carol" {
		t.Errorf("carol decrypted %q, want %q", gotCarol.ApplicationPT, "welcome carol")
	}
	gotBob, err := bobGroup.ProcessIncoming(ct)
	if err != nil {
		t.Fatalf("bob ProcessIncoming(application): %v", err)
	}
	if string(gotBob.ApplicationPT) != "welcome carol" {
		t.Errorf("bob decrypted %q, want %q", gotBob.ApplicationPT, "welcome carol")
	}
}

func TestEpochAdvancesAfterAdd(t *testing.T) {
	alice := mustIdentity(t, "alice")
	bob := mustIdentity(t, "bob")

	aliceGroup, _ := twoPartyJoin(t, alice, bob, "book-club")
	epochAfterOneAdd := aliceGroup.Epoch()
	if epochAfterOneAdd == 0 {
		t.Error("expected epoch to have advanced past the initial group creation epoch")
	}
}
