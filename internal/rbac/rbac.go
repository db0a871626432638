package rbac

type Role string
type Action string

const (
	RoleParalegal Role = "paralegal"
	RoleLawyer    Role = "lawyer"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionShare   Action = "share"
	ActionAnalyze Action = "analyze"
	ActionDelete  Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleLawyer:
		return true
	case RoleParalegal:
		return action == ActionRead || action == ActionWrite || action == ActionShare || action == ActionAnalyze
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleParalegal, RoleLawyer, RoleAdmin:
		return Role(role)
	default:
		return RoleLawyer
	}
}
