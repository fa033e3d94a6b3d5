/*
types.go - Core types for the change-request approval workflow

PURPOSE:
  A change request is a proposed modification to app data (a purchase
  cancellation, a consumption price revision, a hard-currency price
  revision) that an operator files and another operator approves,
  rejects, or the requester withdraws.

LIFECYCLE:
  ┌───────────┐   approve   ┌──────────┐
  │ requested │ ──────────▶ │ approved │
  │           │   reject    ├──────────┤
  │           │ ──────────▶ │ rejected │
  │           │   cancel    ├──────────┤
  │           │ ──────────▶ │cancelled │
  └───────────┘             └──────────┘

  All three targets are terminal. Exactly one of ApprovedAt, RejectedAt,
  CancelledAt is set once the request leaves "requested", and it matches
  State.

KIND:
  Kind is a closed-set tag (PurchaseCancelRequest, ...). Kind-specific
  fields live in Properties and are validated by the Registry.

SEE ALSO:
  - workflow.go: Transitions and guards
  - registry.go: Per-kind payload schemas
  - store.go: Persistence boundary
*/
package changerequest

import (
	"fmt"
	"maps"
	"time"
)

// =============================================================================
// STATE
// =============================================================================

type State string

const (
	StateRequested State = "requested"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateRequested, StateApproved, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected || s == StateCancelled
}

// =============================================================================
// KIND
// =============================================================================

type Kind string

const (
	KindPurchaseCancel               Kind = "PurchaseCancelRequest"
	KindConsumptionRevision          Kind = "ConsumptionRevisionRequest"
	KindPurchaseHardCurrencyRevision Kind = "PurchaseHardCurrencyRevisionRequest"
)

// Properties is the kind-specific payload, persisted as JSON.
type Properties map[string]any

// =============================================================================
// CHANGE REQUEST
// =============================================================================

// ChangeRequest is a single proposed modification awaiting a decision.
type ChangeRequest struct {
	ID              int64
	AppID           int64
	RequestedUserID int64
	ProcessedUserID *int64

	Kind       Kind
	State      State
	Properties Properties

	RequestedAt time.Time
	ApprovedAt  *time.Time
	RejectedAt  *time.Time
	CancelledAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so stores can hand out snapshots.
func (cr *ChangeRequest) Clone() *ChangeRequest {
	if cr == nil {
		return nil
	}
	out := *cr
	out.ProcessedUserID = clonePtr(cr.ProcessedUserID)
	out.ApprovedAt = clonePtr(cr.ApprovedAt)
	out.RejectedAt = clonePtr(cr.RejectedAt)
	out.CancelledAt = clonePtr(cr.CancelledAt)
	if cr.Properties != nil {
		out.Properties = maps.Clone(cr.Properties)
	}
	return &out
}

// ProcessedAt returns the stamp matching the current terminal state, if any.
func (cr *ChangeRequest) ProcessedAt() *time.Time {
	switch cr.State {
	case StateApproved:
		return cr.ApprovedAt
	case StateRejected:
		return cr.RejectedAt
	case StateCancelled:
		return cr.CancelledAt
	}
	return nil
}

// CheckInvariants verifies that at most one decision stamp is set and that
// it corresponds to State.
func (cr *ChangeRequest) CheckInvariants() error {
	if !cr.State.Valid() {
		return fmt.Errorf("change request %d: unknown state %q", cr.ID, cr.State)
	}
	if cr.RequestedAt.IsZero() {
		return fmt.Errorf("change request %d: requested_at is not set", cr.ID)
	}

	stamps := map[State]*time.Time{
		StateApproved:  cr.ApprovedAt,
		StateRejected:  cr.RejectedAt,
		StateCancelled: cr.CancelledAt,
	}
	for state, at := range stamps {
		if at != nil && state != cr.State {
			return fmt.Errorf("change request %d: %s_at set while state is %s", cr.ID, state, cr.State)
		}
	}
	if cr.State.Terminal() && stamps[cr.State] == nil {
		return fmt.Errorf("change request %d: state %s without %s_at", cr.ID, cr.State, cr.State)
	}
	return nil
}

// apply moves the request into a terminal state. Callers guard on
// StateRequested before calling.
func (cr *ChangeRequest) apply(to State, actorID int64, at time.Time) {
	cr.State = to
	cr.UpdatedAt = at
	switch to {
	case StateApproved:
		cr.ApprovedAt = &at
		cr.ProcessedUserID = &actorID
	case StateRejected:
		cr.RejectedAt = &at
		cr.ProcessedUserID = &actorID
	case StateCancelled:
		cr.CancelledAt = &at
	}
}

// =============================================================================
// COMMENT
// =============================================================================

// Comment is an audit note owned by a change request.
type Comment struct {
	ID              int64
	ChangeRequestID int64
	UserID          int64
	Content         string
	CreatedAt       time.Time
}

// =============================================================================
// ACTOR - Supplied by the identity layer, never by request parameters
// =============================================================================

type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleWatcher       Role = "watcher"
	RoleBanned        Role = "banned"
)

func (r Role) Valid() bool {
	return r == RoleAdministrator || r == RoleWatcher || r == RoleBanned
}

// Actor is the identity performing an operation.
type Actor struct {
	ID   int64
	Role Role
}

// User is an operator account as seen by the identity layer.
type User struct {
	ID        int64
	Email     string
	Name      string
	Role      Role
	CreatedAt time.Time
}

func (u User) Actor() Actor {
	return Actor{ID: u.ID, Role: u.Role}
}

// =============================================================================
// QUERY TYPES
// =============================================================================

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	AppID           int64
	State           State
	Kind            Kind
	ProcessedUserID int64
	RequestedUserID int64
	Limit           int
	Offset          int
}

// Page selects a window of a newest-first listing.
type Page struct {
	Limit  int
	Offset int
}

// PageOf converts a 1-based page number into a Page.
func PageOf(page, perPage int) Page {
	if page < 1 {
		page = 1
	}
	return Page{Limit: perPage, Offset: (page - 1) * perPage}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
