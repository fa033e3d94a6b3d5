package changerequest

import "fmt"

// Action names an operation for authorization.
type Action string

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionCreate  Action = "create"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
)

// Authorize applies the role rules that do not depend on the row:
// administrators may do anything, watchers may read, comment and withdraw
// their own requests, banned users may do nothing.
func Authorize(actor Actor, action Action) error {
	switch actor.Role {
	case RoleAdministrator:
		return nil
	case RoleWatcher:
		switch action {
		case ActionRead, ActionComment, ActionCancel:
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s change requests", ErrForbidden, roleName(actor.Role), action)
}

// authorizeCancel enforces ownership against the locked row.
func authorizeCancel(actor Actor, cr *ChangeRequest) error {
	if actor.Role == RoleAdministrator || actor.ID == cr.RequestedUserID {
		return nil
	}
	return fmt.Errorf("%w: only the requester or an administrator may cancel change request %d", ErrForbidden, cr.ID)
}

func roleName(r Role) string {
	if r == "" {
		return "anonymous"
	}
	return string(r)
}
