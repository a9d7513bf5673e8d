// Package rbac maps a principal's relation to a chat onto the actions it allows.
package rbac

type Role string
type Action string

const (
	RoleNone    Role = "none"
	RoleMember  Role = "member"
	RoleCreator Role = "creator"
)

const (
	ActionRead      Action = "read"
	ActionPost      Action = "post"
	ActionAddMember Action = "add_member"
	ActionEditChat  Action = "edit_chat"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleCreator:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionPost
	default:
		return false
	}
}

// RoleFor derives the role of principalID given the chat creator and whether the
// principal holds a membership row.
func RoleFor(principalID, createdBy string, isMember bool) Role {
	switch {
	case !isMember:
		return RoleNone
	case principalID == createdBy:
		return RoleCreator
	default:
		return RoleMember
	}
}
