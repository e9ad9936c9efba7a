// Package core implements the room coordinator actor: one instance per room
// id, holding the authoritative in-memory state and mediating every state
// transition. All durable entities are mirrored through the store package;
// when the room becomes empty the whole mirror is wiped in one operation.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cipherroom/server/internal/pgp"
	"cipherroom/server/internal/protocol"
	"cipherroom/server/internal/store"
)

// Registration failures that close the connection.
var (
	ErrBanned         = errors.New("you are banned from this room")
	ErrInviteRequired = errors.New("a valid invite link is required to join this room")
)

// roomConfig is the room's singleton configuration. A nil roomConfig on Room
// means the room is in its Empty state (never had a member since teardown).
type roomConfig struct {
	Type                protocol.RoomType
	CreatorID           string
	EnableMessageCount  bool
	CountVisibleToUser  bool
	CountVisibleToGuest bool
	MessageCount        int64
	Privacy             *protocol.PrivacyConfig
}

// Room is the coordinator for a single chat room. The hosting layer
// guarantees at most one live Room per id (see Manager); within the
// instance, the mutex serialises every state mutation so each inbound
// event runs to completion before the next one mutates shared state.
type Room struct {
	ID string

	st *store.Store

	mu       sync.Mutex
	origin   string
	sessions map[string]*Session // conn id → session
	config   *roomConfig
	invites  map[string]*protocol.InviteLink
	bans     []protocol.BanRecord
	lastSeen map[string]int64 // identity → message count at last disconnect

	relayed    atomic.Uint64 // encrypted messages accepted and fanned out
	broadcasts atomic.Uint64 // outbound frames queued by fan-outs
}

// NewRoom creates the coordinator for roomID and loads its persisted state.
func NewRoom(roomID string, st *store.Store) (*Room, error) {
	r := &Room{
		ID:       roomID,
		st:       st,
		sessions: make(map[string]*Session),
		invites:  make(map[string]*protocol.InviteLink),
		lastSeen: make(map[string]int64),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// load pulls the durable mirror into memory. Called once per instance,
// before any session is admitted.
func (r *Room) load() error {
	cfg, ok, err := r.st.LoadRoomConfig(r.ID)
	if err != nil {
		return fmt.Errorf("load room %s: %w", r.ID, err)
	}
	if ok {
		r.config = configFromStore(cfg)
	}

	invites, err := r.st.LoadInvites(r.ID)
	if err != nil {
		return fmt.Errorf("load invites for %s: %w", r.ID, err)
	}
	for code, inv := range invites {
		link := inviteFromStore(inv)
		r.invites[code] = &link
	}

	bans, err := r.st.LoadBans(r.ID)
	if err != nil {
		return fmt.Errorf("load bans for %s: %w", r.ID, err)
	}
	for _, b := range bans {
		r.bans = append(r.bans, banFromStore(b))
	}

	seen, err := r.st.LoadLastSeen(r.ID)
	if err != nil {
		return fmt.Errorf("load last-seen for %s: %w", r.ID, err)
	}
	r.lastSeen = seen

	slog.Debug("room state loaded", "room_id", r.ID, "has_config", r.config != nil,
		"invites", len(r.invites), "bans", len(r.bans))
	return nil
}

// SetOrigin records the web origin used to build invite redemption URLs.
// Only the first non-empty value sticks.
func (r *Room) SetOrigin(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.origin == "" {
		r.origin = strings.TrimRight(origin, "/")
	}
}

// SessionCount returns the number of live sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats returns accumulated relay/broadcast counters and the live session count.
func (r *Room) Stats() (relayed, broadcasts uint64, sessions int) {
	return r.relayed.Load(), r.broadcasts.Load(), r.SessionCount()
}

// Register authenticates a connection by its public key and admits it into
// the session registry. Any returned error means the connection must be
// closed after the error frame is delivered.
func (r *Room) Register(sess *Session, publicKey, inviteID string) error {
	if strings.TrimSpace(publicKey) == "" || !pgp.LooksLikePublicKey(publicKey) {
		return fmt.Errorf("invalid public key format")
	}
	profile, err := pgp.ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	r.mu.Lock()
	if r.bannedLocked(profile.Fingerprint, sess.Addr) {
		r.mu.Unlock()
		return ErrBanned
	}

	// First registration in a fresh room creates the configuration and
	// seats the creator.
	firstUser := len(r.sessions) == 0 && r.config == nil
	if firstUser {
		r.config = &roomConfig{
			Type:               protocol.RoomPublic,
			CreatorID:          profile.Fingerprint,
			EnableMessageCount: true,
		}
		if err := r.saveConfigLocked(); err != nil {
			r.mu.Unlock()
			return err
		}
		slog.Info("room created", "room_id", r.ID, "creator", profile.Fingerprint)
	}

	role, err := r.assignRoleLocked(firstUser, profile.Fingerprint, inviteID)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	sess.Identity = profile.Fingerprint
	sess.Name = profile.Name
	sess.Email = profile.Email
	sess.PublicKey = publicKey
	sess.Role = role

	// One identity, one session: a re-registration evicts the previous
	// connection for the same fingerprint.
	var evicted *Session
	for id, old := range r.sessions {
		if old.Identity == sess.Identity && id != sess.ConnID {
			delete(r.sessions, id)
			evicted = old
			break
		}
	}

	lastSeenCount, isReconnect := r.lastSeen[sess.Identity]
	r.sessions[sess.ConnID] = sess
	messageCount := r.config.MessageCount

	registered := protocol.Message{
		Type:         protocol.TypeRegistered,
		Profile:      &protocol.Profile{ID: sess.Identity, Name: sess.Name, Email: sess.Email},
		AssignedRole: role,
	}
	roomInfo := r.roomInfoLocked(sess)
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close()
		slog.Info("session evicted by re-registration", "room_id", r.ID, "identity", sess.Identity)
	}

	r.deliver(sess, registered)
	r.deliver(sess, roomInfo)
	r.broadcastUserList()
	r.broadcastJoinNotice(sess.Name, isReconnect, messageCount, lastSeenCount)

	slog.Info("session registered", "room_id", r.ID, "identity", sess.Identity,
		"role", role, "reconnect", isReconnect)
	return nil
}

// assignRoleLocked applies the registration role-assignment rules.
func (r *Room) assignRoleLocked(firstUser bool, identity, inviteID string) (protocol.Role, error) {
	if firstUser {
		return protocol.RoleCreator, nil
	}
	// The recorded creator always resumes the Creator seat; this keeps the
	// creator-equals-config invariant across evictions and process restarts.
	if identity == r.config.CreatorID {
		return protocol.RoleCreator, nil
	}
	if r.config.Type == protocol.RoomPublic {
		return protocol.RoleUser, nil
	}

	if inviteID != "" {
		if inv := r.validInviteLocked(inviteID); inv != nil {
			inv.UsageCount++
			if err := r.saveInviteLocked(inv); err != nil {
				return "", err
			}
			return inv.Role, nil
		}
	}
	if r.config.Privacy != nil && r.config.Privacy.RequireInviteToJoin {
		return "", ErrInviteRequired
	}
	return protocol.RoleGuest, nil
}

// Disconnect removes a session after its transport closed. Before removal
// the identity's last-seen message count is persisted so a later reconnect
// can report how many messages were missed. The last session leaving tears
// the whole room down.
func (r *Room) Disconnect(sess *Session) {
	r.mu.Lock()
	cur, ok := r.sessions[sess.ConnID]
	if !ok || cur != sess {
		r.mu.Unlock()
		sess.Close()
		return
	}

	if r.config != nil {
		r.lastSeen[sess.Identity] = r.config.MessageCount
		if err := r.st.SetLastSeen(r.ID, sess.Identity, r.config.MessageCount); err != nil {
			slog.Error("persist last-seen count", "room_id", r.ID, "identity", sess.Identity, "err", err)
		}
	}
	delete(r.sessions, sess.ConnID)
	empty := len(r.sessions) == 0
	if empty {
		r.teardownLocked()
	}
	r.mu.Unlock()

	sess.Close()
	if !empty {
		r.broadcastUserList()
	}
	slog.Info("session disconnected", "room_id", r.ID, "identity", sess.Identity, "room_empty", empty)
}

// teardownLocked wipes all room state, in memory and durable. A room keeps
// no memory across a fully-empty period.
func (r *Room) teardownLocked() {
	r.config = nil
	r.invites = make(map[string]*protocol.InviteLink)
	r.bans = nil
	r.lastSeen = make(map[string]int64)
	r.origin = ""
	if err := r.st.ClearRoom(r.ID); err != nil {
		slog.Error("clear room state", "room_id", r.ID, "err", err)
	}
}

// HandleChatMessage relays one opaque encrypted payload to every session
// permitted to view messages, then advances the message counter.
func (r *Room) HandleChatMessage(sess *Session, encryptedData string) {
	r.mu.Lock()
	if r.config == nil {
		r.mu.Unlock()
		r.sendError(sess, "room is not initialized")
		return
	}
	if !r.hasPermissionLocked(sess, protocol.PermSendMessages) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "sendMessage", "you do not have permission to send messages")
		return
	}
	if strings.TrimSpace(encryptedData) == "" || !pgp.LooksLikeEncryptedMessage(encryptedData) {
		r.mu.Unlock()
		r.sendError(sess, "invalid encrypted message format")
		return
	}

	// Per-recipient visibility is decided at broadcast time: a guest
	// without view permission is silently skipped, never errored.
	recipients := make([]*Session, 0, len(r.sessions))
	for _, target := range r.sessions {
		if r.hasPermissionLocked(target, protocol.PermViewMessages) {
			recipients = append(recipients, target)
		}
	}

	if r.config.EnableMessageCount {
		r.config.MessageCount++
		if err := r.saveConfigLocked(); err != nil {
			r.mu.Unlock()
			r.sendError(sess, "failed to persist message count")
			return
		}
	}
	count := r.config.MessageCount
	r.mu.Unlock()

	out := protocol.Message{
		Type:          protocol.TypeEncryptedMessage,
		SenderID:      sess.Identity,
		EncryptedData: encryptedData,
		Timestamp:     time.Now().UnixMilli(),
	}
	for _, target := range recipients {
		r.deliver(target, out)
	}
	r.relayed.Add(1)
	slog.Debug("message relayed", "room_id", r.ID, "sender", sess.Identity,
		"recipients", len(recipients), "message_count", count)
}

// GetUsers sends the membership list to one session. A viewer without the
// list permission sees only itself.
func (r *Room) GetUsers(sess *Session) {
	r.mu.Lock()
	msg := r.userListLocked(sess)
	r.mu.Unlock()
	r.deliver(sess, msg)
}

// ConvertRoomType switches the room between public and private. Going
// private installs the default privacy configuration; going public is a
// one-way reset that clears privacy, invites, and bans, and downgrades
// every non-creator to User.
func (r *Room) ConvertRoomType(sess *Session, targetType protocol.RoomType) {
	if !targetType.Valid() {
		r.sendError(sess, fmt.Sprintf("unknown room type: %s", targetType))
		return
	}

	r.mu.Lock()
	if r.config == nil {
		r.mu.Unlock()
		r.sendError(sess, "room is not initialized")
		return
	}
	if !r.hasPermissionLocked(sess, protocol.PermConvertRoomType) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "convertRoomType", "only the creator can convert the room type")
		return
	}

	r.config.Type = targetType
	if targetType == protocol.RoomPrivate {
		r.config.Privacy = protocol.DefaultPrivacyConfig()
	} else {
		r.config.Privacy = nil
		r.invites = make(map[string]*protocol.InviteLink)
		r.bans = nil
		if err := r.st.DeleteAllInvites(r.ID); err != nil {
			slog.Error("clear invites on conversion", "room_id", r.ID, "err", err)
		}
		if err := r.st.DeleteAllBans(r.ID); err != nil {
			slog.Error("clear bans on conversion", "room_id", r.ID, "err", err)
		}
		for _, s := range r.sessions {
			if s.Role != protocol.RoleCreator {
				s.Role = protocol.RoleUser
			}
		}
	}
	if err := r.saveConfigLocked(); err != nil {
		r.mu.Unlock()
		r.sendError(sess, "failed to persist room configuration")
		return
	}

	notice := protocol.Message{
		Type:        protocol.TypeRoomTypeConverted,
		NewType:     targetType,
		ConvertedBy: sess.Identity,
	}
	// Fresh role-dependent snapshot for every session.
	infos := make(map[*Session]protocol.Message, len(r.sessions))
	targets := r.sessionsLocked()
	for _, s := range targets {
		infos[s] = r.roomInfoLocked(s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		r.deliver(s, notice)
		r.deliver(s, infos[s])
	}
	slog.Info("room type converted", "room_id", r.ID, "new_type", targetType, "by", sess.Identity)
}

// UpdatePrivacyConfig replaces the privacy configuration of a private room.
func (r *Room) UpdatePrivacyConfig(sess *Session, cfg *protocol.PrivacyConfig) {
	if cfg == nil {
		r.sendError(sess, "privacy config is required")
		return
	}

	r.mu.Lock()
	if r.config == nil {
		r.mu.Unlock()
		r.sendError(sess, "room is not initialized")
		return
	}
	if !r.hasPermissionLocked(sess, protocol.PermUpdatePrivacyConfig) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "updatePrivacyConfig", "only the creator can update the privacy configuration")
		return
	}
	if r.config.Type != protocol.RoomPrivate {
		r.mu.Unlock()
		r.sendError(sess, "room is not private")
		return
	}

	privacy := *cfg
	r.config.Privacy = &privacy
	if err := r.saveConfigLocked(); err != nil {
		r.mu.Unlock()
		r.sendError(sess, "failed to persist privacy configuration")
		return
	}
	r.mu.Unlock()

	r.broadcast(protocol.Message{
		Type:      protocol.TypePrivacyConfigUpdated,
		Config:    &privacy,
		UpdatedBy: sess.Identity,
	})
	slog.Info("privacy config updated", "room_id", r.ID, "by", sess.Identity)
}

// UpdateMessageCountConfig rewrites the three counting flags. The counter
// itself is never reset here; it only ever moves forward or dies with the
// room.
func (r *Room) UpdateMessageCountConfig(sess *Session, enable, visibleToUser, visibleToGuest *bool) {
	if enable == nil || visibleToUser == nil || visibleToGuest == nil {
		r.sendError(sess, "enableMessageCount, messageCountVisibleToUser and messageCountVisibleToGuest are required")
		return
	}

	r.mu.Lock()
	if r.config == nil {
		r.mu.Unlock()
		r.sendError(sess, "room is not initialized")
		return
	}
	if !r.hasPermissionLocked(sess, protocol.PermUpdateMessageCountConfig) {
		r.mu.Unlock()
		r.sendPermissionDenied(sess, "updateMessageCountConfig", "only the creator can update the message count configuration")
		return
	}

	r.config.EnableMessageCount = *enable
	r.config.CountVisibleToUser = *visibleToUser
	r.config.CountVisibleToGuest = *visibleToGuest
	if err := r.saveConfigLocked(); err != nil {
		r.mu.Unlock()
		r.sendError(sess, "failed to persist message count configuration")
		return
	}
	r.mu.Unlock()

	r.broadcast(protocol.Message{
		Type:                       protocol.TypeMessageCountConfigUpdated,
		EnableMessageCount:         enable,
		MessageCountVisibleToUser:  visibleToUser,
		MessageCountVisibleToGuest: visibleToGuest,
		UpdatedBy:                  sess.Identity,
	})
	slog.Info("message count config updated", "room_id", r.ID, "enabled", *enable, "by", sess.Identity)
}

// ---------------------------------------------------------------------------
// Access control
// ---------------------------------------------------------------------------

// hasPermissionLocked checks the static role table, then applies the
// guest-only privacy overrides of a private room.
func (r *Room) hasPermissionLocked(sess *Session, perm protocol.Permission) bool {
	if r.config == nil {
		return false
	}
	if !protocol.RoleHas(sess.Role, perm) {
		return false
	}
	if sess.Role == protocol.RoleGuest && r.config.Privacy != nil {
		if perm == protocol.PermViewMessages && !r.config.Privacy.GuestCanViewMessages {
			return false
		}
		if perm == protocol.PermViewUserList && !r.config.Privacy.GuestCanViewUserList {
			return false
		}
	}
	return true
}

// canViewMessageCountLocked: creator and admin always see the counter;
// user/guest visibility follows the configuration flags and requires
// counting to be enabled at all.
func (r *Room) canViewMessageCountLocked(sess *Session) bool {
	if sess.Role == protocol.RoleCreator || sess.Role == protocol.RoleAdmin {
		return true
	}
	if r.config == nil || !r.config.EnableMessageCount {
		return false
	}
	switch sess.Role {
	case protocol.RoleUser:
		return r.config.CountVisibleToUser
	case protocol.RoleGuest:
		return r.config.CountVisibleToGuest
	}
	return false
}

// bannedLocked reports whether an identity or address is on the ban list.
func (r *Room) bannedLocked(identity, addr string) bool {
	for _, b := range r.bans {
		if b.Type == protocol.BanKeyFingerprint && b.Value == identity {
			return true
		}
		if b.Type == protocol.BanIP && addr != "" && b.Value == addr {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Snapshots and fan-out
// ---------------------------------------------------------------------------

// roomInfoLocked builds the role-dependent room snapshot for one session.
// The message count is included only if the recipient may see it.
func (r *Room) roomInfoLocked(sess *Session) protocol.Message {
	isCreator := sess.Identity == r.config.CreatorID
	msg := protocol.Message{
		Type:      protocol.TypeRoomInfo,
		RoomType:  r.config.Type,
		IsCreator: &isCreator,
		YourRole:  sess.Role,
	}
	if r.config.Privacy != nil {
		privacy := *r.config.Privacy
		msg.Privacy = &privacy
	}
	if r.canViewMessageCountLocked(sess) {
		count := r.config.MessageCount
		msg.MessageCount = &count
	}
	return msg
}

// userListLocked builds the membership list as seen by one viewer.
func (r *Room) userListLocked(viewer *Session) protocol.Message {
	if !r.hasPermissionLocked(viewer, protocol.PermViewUserList) {
		return protocol.Message{
			Type:  protocol.TypeUserList,
			Users: []protocol.UserInfo{sessionInfo(viewer)},
		}
	}

	users := make([]protocol.UserInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		users = append(users, sessionInfo(s))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return protocol.Message{Type: protocol.TypeUserList, Users: users}
}

func sessionInfo(s *Session) protocol.UserInfo {
	return protocol.UserInfo{
		ID:        s.Identity,
		Name:      s.Name,
		Email:     s.Email,
		PublicKey: s.PublicKey,
		Role:      s.Role,
	}
}

// sessionsLocked snapshots the current session set.
func (r *Room) sessionsLocked() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// broadcast queues msg for every live session. A dead peer is skipped, never
// aborting delivery to the rest.
func (r *Room) broadcast(msg protocol.Message) {
	r.mu.Lock()
	targets := r.sessionsLocked()
	r.mu.Unlock()

	for _, s := range targets {
		r.deliver(s, msg)
	}
}

// broadcastUserList re-sends the (viewer-dependent) membership list to
// every session.
func (r *Room) broadcastUserList() {
	r.mu.Lock()
	targets := r.sessionsLocked()
	lists := make(map[*Session]protocol.Message, len(targets))
	for _, s := range targets {
		lists[s] = r.userListLocked(s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		r.deliver(s, lists[s])
	}
}

// broadcastJoinNotice emits the join or reconnect system notice, including
// the missed-message count when one applies.
func (r *Room) broadcastJoinNotice(name string, isReconnect bool, messageCount, lastSeenCount int64) {
	var content string
	event := protocol.EventUserJoined
	if isReconnect {
		event = protocol.EventUserReconnected
		if missed := messageCount - lastSeenCount; missed > 0 {
			content = fmt.Sprintf("%s reconnected to the room (missed %d messages)", name, missed)
		} else {
			content = fmt.Sprintf("%s reconnected to the room", name)
		}
	} else {
		if messageCount > 0 {
			content = fmt.Sprintf("%s joined the room (%d messages before joining)", name, messageCount)
		} else {
			content = fmt.Sprintf("%s joined the room", name)
		}
	}

	r.broadcast(protocol.Message{
		Type:      protocol.TypeSystemMessage,
		Content:   content,
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
	})
}

// deliver queues one frame for one session, counting it for metrics. A send
// to a session whose stream already ended evicts it from the registry; one
// gone peer never aborts a fan-out.
func (r *Room) deliver(sess *Session, msg protocol.Message) {
	if sess.Deliver(msg) {
		r.broadcasts.Add(1)
		return
	}
	if sess.Closed() {
		r.Disconnect(sess)
	}
}

func (r *Room) sendError(sess *Session, text string) {
	r.deliver(sess, protocol.Message{Type: protocol.TypeError, Message: text})
}

func (r *Room) sendPermissionDenied(sess *Session, action, reason string) {
	r.deliver(sess, protocol.Message{Type: protocol.TypePermissionDenied, Action: action, Reason: reason})
}

// ---------------------------------------------------------------------------
// Store conversions
// ---------------------------------------------------------------------------

func (r *Room) saveConfigLocked() error {
	cfg := r.config
	row := store.RoomConfig{
		RoomID:              r.ID,
		Type:                string(cfg.Type),
		CreatorID:           cfg.CreatorID,
		EnableMessageCount:  cfg.EnableMessageCount,
		CountVisibleToUser:  cfg.CountVisibleToUser,
		CountVisibleToGuest: cfg.CountVisibleToGuest,
		MessageCount:        cfg.MessageCount,
	}
	if cfg.Privacy != nil {
		row.Privacy = &store.Privacy{
			GuestCanViewMessages: cfg.Privacy.GuestCanViewMessages,
			GuestCanViewUserList: cfg.Privacy.GuestCanViewUserList,
			RequireInviteToJoin:  cfg.Privacy.RequireInviteToJoin,
		}
	}
	if err := r.st.SaveRoomConfig(row); err != nil {
		slog.Error("persist room config", "room_id", r.ID, "err", err)
		return fmt.Errorf("persist room config: %w", err)
	}
	return nil
}

func configFromStore(row store.RoomConfig) *roomConfig {
	cfg := &roomConfig{
		Type:                protocol.RoomType(row.Type),
		CreatorID:           row.CreatorID,
		EnableMessageCount:  row.EnableMessageCount,
		CountVisibleToUser:  row.CountVisibleToUser,
		CountVisibleToGuest: row.CountVisibleToGuest,
		MessageCount:        row.MessageCount,
	}
	if row.Privacy != nil {
		cfg.Privacy = &protocol.PrivacyConfig{
			GuestCanViewMessages: row.Privacy.GuestCanViewMessages,
			GuestCanViewUserList: row.Privacy.GuestCanViewUserList,
			RequireInviteToJoin:  row.Privacy.RequireInviteToJoin,
		}
	}
	return cfg
}
