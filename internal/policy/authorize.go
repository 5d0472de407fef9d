package policy

// SubmitDecision is the gate applied to a requester before a task is created.
type SubmitDecision struct {
	Allowed          bool
	RequiresApproval bool
	Reason           string
}

// DecideSubmit applies the guild policy to a requester's roles. Confirm
// holders start immediately; create-only holders queue for approval.
func DecideSubmit(roleIDs []string, perms PermissionMap) SubmitDecision {
	canConfirm := HasPermission(roleIDs, perms, KindConfirm)
	if canConfirm {
		return SubmitDecision{Allowed: true}
	}
	if HasPermission(roleIDs, perms, KindCreate) {
		return SubmitDecision{Allowed: true, RequiresApproval: true}
	}
	return SubmitDecision{
		Allowed: false,
		Reason:  "You do not have permission to run CodeCat tasks.",
	}
}

// CanConfirm reports whether roleIDs may approve or reject tasks.
func CanConfirm(roleIDs []string, perms PermissionMap) bool {
	return HasPermission(roleIDs, perms, KindConfirm)
}
