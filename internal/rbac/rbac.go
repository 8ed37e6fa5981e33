package rbac

type Role string
type Capability string

const (
	RoleBlocked     Role = "blocked"
	RoleSpectator   Role = "spectator"
	RoleParticipant Role = "participant"
	RoleModerator   Role = "moderator"
	RoleKeymaster   Role = "keymaster"
)

const (
	CapRead       Capability = "read"
	CapPost       Capability = "post"
	CapEditOthers Capability = "edit_others"
	CapThrottle   Capability = "throttle"
	CapModerate   Capability = "moderate"
	CapManage     Capability = "manage"
)

// Can reports whether role grants capability. Throttle means the moderation
// gate is skipped entirely.
func Can(role Role, capability Capability) bool {
	switch role {
	case RoleKeymaster:
		return true
	case RoleModerator:
		return capability != CapManage
	case RoleParticipant:
		return capability == CapRead || capability == CapPost
	case RoleSpectator:
		return capability == CapRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleBlocked, RoleSpectator, RoleParticipant, RoleModerator, RoleKeymaster:
		return Role(role)
	default:
		return RoleSpectator
	}
}
