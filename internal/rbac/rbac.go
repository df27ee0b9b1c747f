package rbac

type Role string
type Action string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionPropose  Action = "propose"
	ActionVote     Action = "vote"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionRead || action == ActionPropose || action == ActionVote || action == ActionModerate
	case RoleMember:
		return action == ActionRead || action == ActionPropose || action == ActionVote
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}
