// Package protocol defines the JSON wire protocol exchanged between the room
// coordinator and its websocket clients, plus the role/permission model the
// coordinator enforces. Message bodies are opaque PGP ciphertext; the server
// never inspects or decrypts them.
package protocol

// Client→server message types.
const (
	TypeRegister                 = "register"
	TypeGetUsers                 = "getUsers"
	TypeChatMessage              = "message"
	TypeConvertRoomType          = "convertRoomType"
	TypeKickUser                 = "kickUser"
	TypeBanUser                  = "banUser"
	TypeUnban                    = "unban"
	TypeChangeRole               = "changeRole"
	TypeGenerateInvite           = "generateInvite"
	TypeUpdatePrivacyConfig      = "updatePrivacyConfig"
	TypeGetBanList               = "getBanList"
	TypeGetInviteLinks           = "getInviteLinks"
	TypeDeleteInviteLink         = "deleteInviteLink"
	TypeTransferCreator          = "transferCreator"
	TypeUpdateMessageCountConfig = "updateMessageCountConfig"
)

// Server→client message types.
const (
	TypeRegistered                = "registered"
	TypeRoomInfo                  = "roomInfo"
	TypeEncryptedMessage          = "encryptedMessage"
	TypeSystemMessage             = "systemMessage"
	TypeUserList                  = "userList"
	TypeRoomTypeConverted         = "roomTypeConverted"
	TypeUserKicked                = "userKicked"
	TypeUserBanned                = "userBanned"
	TypeRoleChanged               = "roleChanged"
	TypeInviteLinkGenerated       = "inviteLinkGenerated"
	TypeBanList                   = "banList"
	TypeInviteLinks               = "inviteLinks"
	TypePrivacyConfigUpdated      = "privacyConfigUpdated"
	TypeMessageCountConfigUpdated = "messageCountConfigUpdated"
	TypeCreatorTransferred        = "creatorTransferred"
	TypePermissionDenied          = "permissionDenied"
	TypeError                     = "error"
)

// System notice events carried in systemMessage frames.
const (
	EventUserJoined      = "userJoined"
	EventUserReconnected = "userReconnected"
)

// RoomType is the room's visibility class.
type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	return t == RoomPublic || t == RoomPrivate
}

// BanType discriminates what a ban record matches against.
type BanType string

const (
	BanKeyFingerprint BanType = "keyFingerprint"
	BanIP             BanType = "ip"
)

// Valid reports whether t is a known ban type.
func (t BanType) Valid() bool {
	return t == BanKeyFingerprint || t == BanIP
}

// Message is the JSON envelope exchanged over websocket. One struct covers
// all frame types; unused fields are omitted on the wire.
type Message struct {
	Type string `json:"type"`

	// register
	PublicKey string `json:"publicKey,omitempty"`
	InviteID  string `json:"inviteId,omitempty"` // also deleteInviteLink target

	// registered
	Profile      *Profile `json:"profile,omitempty"`
	AssignedRole Role     `json:"assignedRole,omitempty"`

	// roomInfo
	RoomType     RoomType       `json:"roomType,omitempty"`
	IsCreator    *bool          `json:"isCreator,omitempty"`
	YourRole     Role           `json:"yourRole,omitempty"`
	Privacy      *PrivacyConfig `json:"privacy,omitempty"`
	MessageCount *int64         `json:"messageCount,omitempty"` // present only when the recipient may see it

	// message / encryptedMessage
	EncryptedData string `json:"encryptedData,omitempty"`
	SenderID      string `json:"senderId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"` // Unix ms, server-assigned

	// userList
	Users []UserInfo `json:"users,omitempty"`

	// admin operations and their notifications
	TargetUserID string   `json:"targetUserId,omitempty"`
	TargetType   RoomType `json:"targetType,omitempty"` // convertRoomType request
	NewType      RoomType `json:"newType,omitempty"`    // roomTypeConverted
	ConvertedBy  string   `json:"convertedBy,omitempty"`
	KickedBy     string   `json:"kickedBy,omitempty"`
	BannedBy     string   `json:"bannedBy,omitempty"`
	BanType      BanType  `json:"banType,omitempty"`
	Value        string   `json:"value,omitempty"` // unban: fingerprint or address
	Reason       string   `json:"reason,omitempty"`
	OldRole      Role     `json:"oldRole,omitempty"`
	NewRole      Role     `json:"newRole,omitempty"`
	ChangedBy    string   `json:"changedBy,omitempty"`
	OldCreatorID string   `json:"oldCreatorId,omitempty"`
	NewCreatorID string   `json:"newCreatorId,omitempty"`
	UpdatedBy    string   `json:"updatedBy,omitempty"`

	// invites
	Role      Role         `json:"role,omitempty"`      // generateInvite: role to grant
	ExpiresIn int64        `json:"expiresIn,omitempty"` // generateInvite: TTL in ms
	MaxUsage  int          `json:"maxUsage,omitempty"`
	Invite    *InviteLink  `json:"invite,omitempty"`
	FullURL   string       `json:"fullUrl,omitempty"`
	Links     []InviteLink `json:"links,omitempty"`

	// bans
	Records []BanRecord `json:"records,omitempty"`

	// privacy / message count config
	Config                     *PrivacyConfig `json:"config,omitempty"`
	EnableMessageCount         *bool          `json:"enableMessageCount,omitempty"`
	MessageCountVisibleToUser  *bool          `json:"messageCountVisibleToUser,omitempty"`
	MessageCountVisibleToGuest *bool          `json:"messageCountVisibleToGuest,omitempty"`

	// systemMessage
	Content string `json:"content,omitempty"`
	Event   string `json:"event,omitempty"`

	// permissionDenied / error
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

// Profile is the identity extracted from a participant's public key.
type Profile struct {
	ID    string `json:"id"` // key fingerprint, upper-case hex
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UserInfo is one entry in a userList frame.
type UserInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	PublicKey string `json:"publicKey"`
	Role      Role   `json:"role"`
}

// PrivacyConfig gates what Guests may see in a private room and whether
// joining requires a valid invite. Present only while the room is private.
type PrivacyConfig struct {
	GuestCanViewMessages bool `json:"guestCanViewMessages"`
	GuestCanViewUserList bool `json:"guestCanViewUserList"`
	RequireInviteToJoin  bool `json:"requireInviteToJoin"`
}

// DefaultPrivacyConfig is installed the instant a room converts to private.
func DefaultPrivacyConfig() *PrivacyConfig {
	return &PrivacyConfig{
		GuestCanViewMessages: true,
		GuestCanViewUserList: true,
		RequireInviteToJoin:  false,
	}
}

// InviteLink is a redeemable invite code. Invalid (expired or exhausted)
// invites stay listed until explicitly deleted.
type InviteLink struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	Role       Role   `json:"role"`
	CreatedBy  string `json:"createdBy"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"` // Unix ms, 0 = never
	UsageCount int    `json:"usageCount"`
	MaxUsage   int    `json:"maxUsage,omitempty"` // 0 = unlimited
}

// BanRecord is one entry in the room's ban list.
type BanRecord struct {
	Type     BanType `json:"type"`
	Value    string  `json:"value"`    // fingerprint or network address
	BannedAt int64   `json:"bannedAt"` // Unix ms
	BannedBy string  `json:"bannedBy"`
	Reason   string  `json:"reason,omitempty"`
}
