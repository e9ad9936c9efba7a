package protocol

// Role is a participant's standing in the room.
type Role string

const (
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
	RoleUser    Role = "user"
	RoleGuest   Role = "guest"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCreator, RoleAdmin, RoleUser, RoleGuest:
		return true
	}
	return false
}

// Permission names an action the room coordinator gates.
type Permission string

const (
	PermSendMessages             Permission = "sendMessages"
	PermViewMessages             Permission = "viewMessages"
	PermViewUserList             Permission = "viewUserList"
	PermKickUsers                Permission = "kickUsers"
	PermBanUsers                 Permission = "banUsers"
	PermViewBanList              Permission = "viewBanList"
	PermChangeRoles              Permission = "changeRoles"
	PermGenerateInvites          Permission = "generateInvites"
	PermConvertRoomType          Permission = "convertRoomType"
	PermUpdatePrivacyConfig      Permission = "updatePrivacyConfig"
	PermUpdateMessageCountConfig Permission = "updateMessageCountConfig"
	PermTransferCreator          Permission = "transferCreator"
)

// rolePermissions is the static role→permission table. Guest view
// permissions are additionally gated by the room's PrivacyConfig; that
// contextual override lives in the access-control engine, not here.
var rolePermissions = map[Role][]Permission{
	RoleCreator: {
		PermSendMessages, PermViewMessages, PermViewUserList,
		PermKickUsers, PermBanUsers, PermViewBanList, PermChangeRoles,
		PermGenerateInvites, PermConvertRoomType, PermUpdatePrivacyConfig,
		PermUpdateMessageCountConfig, PermTransferCreator,
	},
	RoleAdmin: {
		PermSendMessages, PermViewMessages, PermViewUserList,
		PermKickUsers, PermBanUsers, PermViewBanList, PermChangeRoles,
		PermGenerateInvites,
	},
	RoleUser: {
		PermSendMessages, PermViewMessages, PermViewUserList,
	},
	RoleGuest: {
		PermViewMessages, PermViewUserList,
	},
}

// RoleHas reports whether the static table grants perm to role.
func RoleHas(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
