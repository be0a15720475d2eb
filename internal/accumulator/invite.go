package accumulator

import "nearsync/pkg/types"

// Bridge folds invite-lifecycle transitions back into accumulated entries.
// This is the one exception to whole-record replacement: the patch is a
// targeted field update because it originates from a local action, not a
// server diff, and must touch every bucket the user appears in.
type Bridge struct {
	acc *Accumulator
}

// NewBridge creates an invite bridge over an accumulator.
func NewBridge(acc *Accumulator) *Bridge {
	return &Bridge{acc: acc}
}

// InviteSent marks a peer's invite as pending in every bucket.
func (br *Bridge) InviteSent(userID string) {
	br.patch(userID, types.InvitePending, nil)
}

// InviteReceived marks an incoming invite from a peer in every bucket.
func (br *Bridge) InviteReceived(userID string) {
	br.patch(userID, types.InviteIncoming, nil)
}

// InviteAccepted resolves the invite and marks the peer as a friend.
func (br *Bridge) InviteAccepted(userID string) {
	friend := true
	br.patch(userID, types.InviteNone, &friend)
}

// patch applies a targeted invite-state update across all radius buckets.
// FUNCTIONAL DISCOVERY: The same user may sit in several buckets at once;
// patching only the active radius leaves stale invite state behind a
// radius switch
func (br *Bridge) patch(userID, inviteStatus string, isFriend *bool) {
	a := br.acc
	a.mu.Lock()
	var views []types.Bucket
	for r, b := range a.buckets {
		u, ok := b.items[userID]
		if !ok {
			continue
		}
		u.InviteStatus = inviteStatus
		if isFriend != nil {
			u.IsFriend = *isFriend
		}
		b.items[userID] = u
		views = append(views, a.viewLocked(r))
	}
	a.mu.Unlock()

	for _, v := range views {
		a.notify(v)
	}
}
