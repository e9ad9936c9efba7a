package core

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"cipherroom/server/internal/protocol"
	"cipherroom/server/internal/store"
)

const inviteCodeLen = 8

const inviteAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// newInviteCode returns a short random code from the 62-character alphabet.
func newInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	for i, b := range buf {
		buf[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return string(buf), nil
}

// GenerateInvite mints a new invite link for a private room. The creator
// role is never grantable through an invite.
func (r *Room) GenerateInvite(sess *Session, role protocol.Role, expiresIn int64, maxUsage int) {
	if !role.Valid() || role == protocol.RoleCreator {
		r.sendError(sess, fmt.Sprintf("cannot create invite for role: %s", role))
		return
	}
	if expiresIn < 0 || maxUsage < 0 {
		r.sendError(sess, "expiresIn and maxUsage must not be negative")
		return
	}

	r.mu.Lock()
	if r.config == nil {
		r.mu.Unlock()
		r.sendError(sess, "room is not initialized")
		return
	}
	if !r.hasPermissionLocked(sess, protocol.PermGenerateInvites) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "generateInviteLink", "you do not have permission to generate invite links")
		return
	}
	if r.config.Type != protocol.RoomPrivate {
		r.mu.Unlock()
		r.sendError(sess, "invite links only apply to private rooms")
		return
	}
	// An admin may only hand out invites at or below its own rank.
	if sess.Role == protocol.RoleAdmin && role == protocol.RoleAdmin {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "generateInviteLink", "only the creator can create admin invites")
		return
	}

	code, err := newInviteCode()
	if err != nil {
		r.mu.Unlock()
		r.sendError(sess, "failed to generate invite code")
		return
	}

	inv := &protocol.InviteLink{
		ID:        code,
		RoomID:    r.ID,
		Role:      role,
		CreatedBy: sess.Identity,
		MaxUsage:  maxUsage,
	}
	if expiresIn > 0 {
		inv.ExpiresAt = time.Now().UnixMilli() + expiresIn
	}
	r.invites[code] = inv
	if err := r.saveInviteLocked(inv); err != nil {
		delete(r.invites, code)
		r.mu.Unlock()
		r.sendError(sess, "failed to persist invite link")
		return
	}
	link := *inv
	fullURL := r.inviteURLLocked(code)
	r.mu.Unlock()

	r.deliver(sess, protocol.Message{
		Type:    protocol.TypeInviteLinkGenerated,
		Invite:  &link,
		FullURL: fullURL,
	})
	slog.Info("invite generated", "room_id", r.ID, "code", code, "role", role, "by", sess.Identity)
}

// DeleteInviteLink revokes an invite. Already-admitted members keep their
// roles; only future redemptions are affected.
func (r *Room) DeleteInviteLink(sess *Session, inviteID string) {
	r.mu.Lock()
	if !r.hasPermissionLocked(sess, protocol.PermGenerateInvites) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "deleteInviteLink", "you do not have permission to manage invite links")
		return
	}
	delete(r.invites, inviteID)
	if err := r.st.DeleteInvite(r.ID, inviteID); err != nil {
		slog.Error("delete invite", "room_id", r.ID, "code", inviteID, "err", err)
	}
	list := r.inviteListLocked()
	r.mu.Unlock()

	r.deliver(sess, list)
	slog.Info("invite deleted", "room_id", r.ID, "code", inviteID, "by", sess.Identity)
}

// GetInviteLinks sends the current invite set to the requester.
func (r *Room) GetInviteLinks(sess *Session) {
	r.mu.Lock()
	if !r.hasPermissionLocked(sess, protocol.PermGenerateInvites) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "getInviteLinks", "you do not have permission to view invite links")
		return
	}
	list := r.inviteListLocked()
	r.mu.Unlock()
	r.deliver(sess, list)
}

func (r *Room) inviteListLocked() protocol.Message {
	links := make([]protocol.InviteLink, 0, len(r.invites))
	for _, inv := range r.invites {
		links = append(links, *inv)
	}
	return protocol.Message{Type: protocol.TypeInviteLinks, Links: links}
}

// validInviteLocked returns the invite for code if it exists, has not
// expired, and has usages left.
func (r *Room) validInviteLocked(code string) *protocol.InviteLink {
	inv, ok := r.invites[code]
	if !ok {
		return nil
	}
	if inv.ExpiresAt > 0 && time.Now().UnixMilli() >= inv.ExpiresAt {
		return nil
	}
	if inv.MaxUsage > 0 && inv.UsageCount >= inv.MaxUsage {
		return nil
	}
	return inv
}

// inviteURLLocked renders the redemption URL clients hand out. Without a
// known web origin only the code is returned.
func (r *Room) inviteURLLocked(code string) string {
	if r.origin == "" {
		return code
	}
	return fmt.Sprintf("%s/?r=%s&i=%s", r.origin, url.QueryEscape(r.ID), url.QueryEscape(code))
}

func (r *Room) saveInviteLocked(inv *protocol.InviteLink) error {
	if err := r.st.UpsertInvite(store.Invite{
		Code:       inv.ID,
		RoomID:     r.ID,
		Role:       string(inv.Role),
		CreatedBy:  inv.CreatedBy,
		ExpiresAt:  inv.ExpiresAt,
		UsageCount: inv.UsageCount,
		MaxUsage:   inv.MaxUsage,
	}); err != nil {
		slog.Error("persist invite", "room_id", r.ID, "code", inv.ID, "err", err)
		return fmt.Errorf("persist invite: %w", err)
	}
	return nil
}

func inviteFromStore(inv store.Invite) protocol.InviteLink {
	return protocol.InviteLink{
		ID:         inv.Code,
		RoomID:     inv.RoomID,
		Role:       protocol.Role(inv.Role),
		CreatedBy:  inv.CreatedBy,
		ExpiresAt:  inv.ExpiresAt,
		UsageCount: inv.UsageCount,
		MaxUsage:   inv.MaxUsage,
	}
}

func banFromStore(b store.Ban) protocol.BanRecord {
	return protocol.BanRecord{
		Type:     protocol.BanType(b.Kind),
		Value:    b.Value,
		BannedAt: b.BannedAt,
		BannedBy: b.BannedBy,
		Reason:   b.Reason,
	}
}
