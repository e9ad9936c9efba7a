package core

import (
	"fmt"
	"log/slog"
	"time"

	"cipherroom/server/internal/protocol"
	"cipherroom/server/internal/store"
)

// canActOnLocked applies the target-protection rules shared by kick and
// role changes: nobody acts on themselves, the creator is untouchable, and
// an admin cannot act on another admin.
func canActOnLocked(actor, target *Session) bool {
	if actor.Identity == target.Identity {
		return false
	}
	if target.Role == protocol.RoleCreator {
		return false
	}
	if actor.Role == protocol.RoleAdmin && target.Role == protocol.RoleAdmin {
		return false
	}
	return true
}

// findByIdentityLocked returns the live session for an identity, if any.
func (r *Room) findByIdentityLocked(identity string) *Session {
	for _, s := range r.sessions {
		if s.Identity == identity {
			return s
		}
	}
	return nil
}

// KickUser forcibly disconnects a member. The target receives a userKicked
// frame before its connection is closed; everyone else sees the same frame
// as a moderation notice.
func (r *Room) KickUser(sess *Session, targetID, reason string) {
	r.mu.Lock()
	if !r.hasPermissionLocked(sess, protocol.PermKickUsers) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "kickUser", "you do not have permission to kick users")
		return
	}
	target := r.findByIdentityLocked(targetID)
	if target == nil {
		r.mu.Unlock()
		r.sendError(sess, "user not found")
		return
	}
	if !canActOnLocked(sess, target) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "kickUser", "you cannot kick this user")
		return
	}

	if r.config != nil {
		r.lastSeen[target.Identity] = r.config.MessageCount
		if err := r.st.SetLastSeen(r.ID, target.Identity, r.config.MessageCount); err != nil {
			slog.Error("persist last-seen count", "room_id", r.ID, "identity", target.Identity, "err", err)
		}
	}
	delete(r.sessions, target.ConnID)
	r.mu.Unlock()

	notice := protocol.Message{
		Type:         protocol.TypeUserKicked,
		TargetUserID: target.Identity,
		KickedBy:     sess.Identity,
		Reason:       reason,
	}
	r.deliver(target, notice)
	target.Close()
	r.broadcast(notice)
	r.broadcastUserList()
	slog.Info("user kicked", "room_id", r.ID, "target", target.Identity, "by", sess.Identity)
}

// BanUser appends a ban record and disconnects the target. The target must
// be online: a fingerprint ban records its identity, an address ban records
// the address its session connected from.
func (r *Room) BanUser(sess *Session, targetID string, banType protocol.BanType, reason string) {
	if !banType.Valid() {
		r.sendError(sess, fmt.Sprintf("unknown ban type: %s", banType))
		return
	}
	if targetID == "" {
		r.sendError(sess, "target user id is required")
		return
	}

	r.mu.Lock()
	if !r.hasPermissionLocked(sess, protocol.PermBanUsers) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "banUser", "you do not have permission to ban users")
		return
	}
	if targetID == sess.Identity {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "banUser", "you cannot ban yourself")
		return
	}
	// The creator identity is untouchable, online or not.
	if r.config != nil && targetID == r.config.CreatorID {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "banUser", "you cannot ban the creator")
		return
	}

	target := r.findByIdentityLocked(targetID)
	if target == nil {
		r.mu.Unlock()
		r.sendError(sess, "user not found")
		return
	}

	value := targetID
	if banType == protocol.BanIP {
		value = target.Addr
	}

	rec := protocol.BanRecord{
		Type:     banType,
		Value:    value,
		BannedAt: time.Now().UnixMilli(),
		BannedBy: sess.Identity,
		Reason:   reason,
	}
	r.bans = append(r.bans, rec)
	if err := r.st.InsertBan(store.Ban{
		RoomID:   r.ID,
		Kind:     string(banType),
		Value:    value,
		BannedBy: sess.Identity,
		Reason:   reason,
		BannedAt: rec.BannedAt,
	}); err != nil {
		slog.Error("persist ban", "room_id", r.ID, "value", value, "err", err)
	}

	if r.config != nil {
		r.lastSeen[target.Identity] = r.config.MessageCount
		if err := r.st.SetLastSeen(r.ID, target.Identity, r.config.MessageCount); err != nil {
			slog.Error("persist last-seen count", "room_id", r.ID, "identity", target.Identity, "err", err)
		}
	}
	delete(r.sessions, target.ConnID)
	r.mu.Unlock()

	notice := protocol.Message{
		Type:         protocol.TypeUserBanned,
		TargetUserID: targetID,
		BanType:      banType,
		Value:        value,
		BannedBy:     sess.Identity,
		Reason:       reason,
	}
	r.deliver(target, notice)
	target.Close()
	r.broadcast(notice)
	r.broadcastUserList()
	slog.Info("user banned", "room_id", r.ID, "ban_type", banType, "value", value, "by", sess.Identity)
}

// Unban removes every ban record matching type and value. Unknown values are
// not an error; the result is the same either way.
func (r *Room) Unban(sess *Session, banType protocol.BanType, value string) {
	if !banType.Valid() {
		r.sendError(sess, fmt.Sprintf("unknown ban type: %s", banType))
		return
	}

	r.mu.Lock()
	if !r.hasPermissionLocked(sess, protocol.PermBanUsers) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "unban", "you do not have permission to manage bans")
		return
	}

	kept := r.bans[:0]
	for _, b := range r.bans {
		if b.Type == banType && b.Value == value {
			continue
		}
		kept = append(kept, b)
	}
	r.bans = kept
	if err := r.st.DeleteBans(r.ID, string(banType), value); err != nil {
		slog.Error("delete ban", "room_id", r.ID, "value", value, "err", err)
	}
	list := r.banListLocked()
	r.mu.Unlock()

	r.deliver(sess, list)
	slog.Info("ban lifted", "room_id", r.ID, "ban_type", banType, "value", value, "by", sess.Identity)
}

// GetBanList sends the full ban list to the requester.
func (r *Room) GetBanList(sess *Session) {
	r.mu.Lock()
	if !r.hasPermissionLocked(sess, protocol.PermViewBanList) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "getBanList", "you do not have permission to view the ban list")
		return
	}
	list := r.banListLocked()
	r.mu.Unlock()
	r.deliver(sess, list)
}

func (r *Room) banListLocked() protocol.Message {
	records := make([]protocol.BanRecord, len(r.bans))
	copy(records, r.bans)
	return protocol.Message{Type: protocol.TypeBanList, Records: records}
}

// ChangeRole moves a live member to a new role. Creator is not a grantable
// role; the seat moves only through TransferCreator.
func (r *Room) ChangeRole(sess *Session, targetID string, newRole protocol.Role) {
	if !newRole.Valid() || newRole == protocol.RoleCreator {
		r.sendError(sess, fmt.Sprintf("cannot assign role: %s", newRole))
		return
	}

	r.mu.Lock()
	if !r.hasPermissionLocked(sess, protocol.PermChangeRoles) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "changeRole", "you do not have permission to change roles")
		return
	}
	target := r.findByIdentityLocked(targetID)
	if target == nil {
		r.mu.Unlock()
		r.sendError(sess, "user not found")
		return
	}
	if !canActOnLocked(sess, target) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "changeRole", "you cannot change this user's role")
		return
	}
	// An admin may not mint other admins.
	if sess.Role == protocol.RoleAdmin && newRole == protocol.RoleAdmin {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "changeRole", "only the creator can promote admins")
		return
	}

	oldRole := target.Role
	target.Role = newRole
	info := r.roomInfoLocked(target)
	r.mu.Unlock()

	r.broadcast(protocol.Message{
		Type:         protocol.TypeRoleChanged,
		TargetUserID: target.Identity,
		OldRole:      oldRole,
		NewRole:      newRole,
		ChangedBy:    sess.Identity,
	})
	// The target's room snapshot depends on its role; refresh it.
	r.deliver(target, info)
	r.broadcastUserList()
	slog.Info("role changed", "room_id", r.ID, "target", target.Identity,
		"old_role", oldRole, "new_role", newRole, "by", sess.Identity)
}

// TransferCreator hands the creator seat to another live member. The old
// creator becomes an admin; exactly one creator exists at all times.
func (r *Room) TransferCreator(sess *Session, targetID string) {
	r.mu.Lock()
	if r.config == nil {
		r.mu.Unlock()
		r.sendError(sess, "room is not initialized")
		return
	}
	if !r.hasPermissionLocked(sess, protocol.PermTransferCreator) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "transferCreator", "only the creator can transfer ownership")
		return
	}
	target := r.findByIdentityLocked(targetID)
	if target == nil {
		r.mu.Unlock()
		r.sendError(sess, "user not found")
		return
	}
	if target.Identity == sess.Identity {
		r.mu.Unlock()
		r.sendError(sess, "you already hold the creator role")
		return
	}

	oldCreator := sess.Identity
	oldTargetRole := target.Role
	sess.Role = protocol.RoleAdmin
	target.Role = protocol.RoleCreator
	r.config.CreatorID = target.Identity
	if err := r.saveConfigLocked(); err != nil {
		// Roll back the in-memory seats so state and storage agree.
		sess.Role = protocol.RoleCreator
		target.Role = oldTargetRole
		r.config.CreatorID = oldCreator
		r.mu.Unlock()
		r.sendError(sess, "failed to persist creator transfer")
		return
	}

	targets := r.sessionsLocked()
	infos := make(map[*Session]protocol.Message, len(targets))
	for _, s := range targets {
		infos[s] = r.roomInfoLocked(s)
	}
	r.mu.Unlock()

	notice := protocol.Message{
		Type:         protocol.TypeCreatorTransferred,
		OldCreatorID: oldCreator,
		NewCreatorID: target.Identity,
	}
	for _, s := range targets {
		r.deliver(s, notice)
		r.deliver(s, infos[s])
	}
	r.broadcastUserList()
	slog.Info("creator transferred", "room_id", r.ID, "old", oldCreator, "new", target.Identity)
}
