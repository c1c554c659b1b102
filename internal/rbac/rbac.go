package rbac

import "strings"

type Role string
type Action string

const (
	RoleAdmin      Role = "admin"
	RolePastor     Role = "pastor"
	RoleWorship    Role = "worship"
	RoleTranslator Role = "translator"
	RoleMedia      Role = "media"
)

const (
	ActionRead      Action = "read"
	ActionChat      Action = "chat"
	ActionWorkflow  Action = "workflow"
	ActionSubmit    Action = "submit"
	ActionAssign    Action = "assign"
	ActionTranslate Action = "translate"
	ActionAdmin     Action = "admin"
)

// Roles is the fixed role set in pipeline order.
var Roles = []Role{RoleAdmin, RolePastor, RoleWorship, RoleTranslator, RoleMedia}

// Every role can read, chat and move workflow tasks. Assignment is for
// the pastor, translation for the translator, submissions for whoever
// authors lyrics or sermons.
func Can(role Role, action Action) bool {
	switch action {
	case ActionRead, ActionChat, ActionWorkflow:
		return IsRole(string(role))
	}
	switch role {
	case RoleAdmin:
		return true
	case RolePastor:
		return action == ActionAssign || action == ActionSubmit
	case RoleWorship:
		return action == ActionSubmit
	case RoleTranslator:
		return action == ActionTranslate
	default:
		return false
	}
}

// Lookup matches name against the role set case-insensitively.
func Lookup(name string) (Role, bool) {
	for _, role := range Roles {
		if strings.EqualFold(string(role), name) {
			return role, true
		}
	}
	return "", false
}

func IsRole(name string) bool {
	for _, role := range Roles {
		if string(role) == name {
			return true
		}
	}
	return false
}
