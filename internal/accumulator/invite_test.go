package accumulator

import (
	"testing"

	"nearsync/pkg/types"
)

func seedTwoBuckets(a *Accumulator) {
	a.ApplyDiff(types.NearbyDiff{RadiusM: 50, Added: []types.NearbyUser{
		{UserID: "A", DistanceM: 10, DisplayName: "Alice"},
		{UserID: "B", DistanceM: 20},
	}})
	a.ApplyDiff(types.NearbyDiff{RadiusM: 200, Added: []types.NearbyUser{
		{UserID: "A", DistanceM: 10, DisplayName: "Alice"},
	}})
}

func findUser(t *testing.T, a *Accumulator, radiusM int, userID string) types.NearbyUser {
	t.Helper()
	b, ok := a.Bucket(radiusM)
	if !ok {
		t.Fatalf("bucket %d missing", radiusM)
	}
	for _, u := range b.Items {
		if u.UserID == userID {
			return u
		}
	}
	t.Fatalf("user %s not in bucket %d", userID, radiusM)
	return types.NearbyUser{}
}

func TestBridge_InviteSentPatchesAllBuckets(t *testing.T) {
	a := New(nil)
	seedTwoBuckets(a)
	br := NewBridge(a)

	br.InviteSent("A")

	for _, r := range []int{50, 200} {
		u := findUser(t, a, r, "A")
		if u.InviteStatus != types.InvitePending {
			t.Errorf("radius %d: invite status = %q, want pending", r, u.InviteStatus)
		}
		// Targeted patch: every other field survives.
		if u.DisplayName != "Alice" {
			t.Errorf("radius %d: patch clobbered other fields: %+v", r, u)
		}
	}

	// Untouched peer stays untouched.
	if u := findUser(t, a, 50, "B"); u.InviteStatus != types.InviteNone {
		t.Errorf("unrelated user patched: %+v", u)
	}
}

func TestBridge_InviteAcceptedSetsFriend(t *testing.T) {
	a := New(nil)
	seedTwoBuckets(a)
	br := NewBridge(a)

	br.InviteSent("A")
	br.InviteAccepted("A")

	for _, r := range []int{50, 200} {
		u := findUser(t, a, r, "A")
		if u.InviteStatus != types.InviteNone {
			t.Errorf("radius %d: invite status = %q, want none after accept", r, u.InviteStatus)
		}
		if !u.IsFriend {
			t.Errorf("radius %d: accept did not set is_friend", r)
		}
	}
}

func TestBridge_InviteReceived(t *testing.T) {
	a := New(nil)
	seedTwoBuckets(a)
	br := NewBridge(a)

	br.InviteReceived("B")
	if u := findUser(t, a, 50, "B"); u.InviteStatus != types.InviteIncoming {
		t.Errorf("invite status = %q, want incoming", u.InviteStatus)
	}
}

func TestBridge_UnknownUserIsNoOp(t *testing.T) {
	a := New(nil)
	seedTwoBuckets(a)
	br := NewBridge(a)

	br.InviteSent("ghost") // must not panic or create entries

	if b, _ := a.Bucket(50); len(b.Items) != 2 {
		t.Errorf("patching unknown user changed bucket size: %d", len(b.Items))
	}
}
