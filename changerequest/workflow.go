/*
workflow.go - Change request lifecycle

PURPOSE:
  Enforces the only legal transitions and who may trigger them:
  1. Create:  validate kind + payload + comment, persist as "requested"
  2. Approve: requested -> approved  (sets processed_user_id, approved_at)
  3. Reject:  requested -> rejected  (sets processed_user_id, rejected_at)
  4. Cancel:  requested -> cancelled (requester or administrator only)

GUARD UNDER LOCK:
  The state check runs inside Store.WithLock, on the row loaded under the
  lock, in the same transaction as the write. Two concurrent approvals of
  the same id are serialized by the lock; the second one sees "approved"
  and fails with AlreadyProcessedError.

COMMENTS:
  Every successful transition writes exactly one Comment authored by the
  acting user (CommentPolicy.Required) and a Version entry for both the
  request and the comment. A comment that fails validation stops the
  transition before anything is written; a comment that fails to persist
  rolls the whole transaction back.

EXAMPLE:
  wf := changerequest.NewWorkflow(store, changerequest.DefaultRegistry())

  cr, err := wf.Create(ctx, requester, changerequest.CreateParams{
      Kind:       changerequest.KindPurchaseCancel,
      AppID:      7,
      Properties: changerequest.Properties{"purchase_id": "p1"},
      Comment:    "init",
  })

  cr, err = wf.Approve(ctx, cr.ID, approver, "ok")
  if errors.Is(err, changerequest.ErrAlreadyProcessed) {
      // someone else got there first
  }
*/
package changerequest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Workflow orchestrates change request transitions.
type Workflow struct {
	Store    Store
	Registry *Registry
	Comments CommentPolicy
	Logger   logrus.FieldLogger
	Metrics  Metrics

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewWorkflow returns a Workflow with the default comment policy, the
// standard logrus logger and no metrics.
func NewWorkflow(store Store, registry *Registry) *Workflow {
	return &Workflow{
		Store:    store,
		Registry: registry,
		Comments: DefaultCommentPolicy(),
		Logger:   logrus.StandardLogger(),
		Metrics:  nopMetrics{},
		Now:      time.Now,
	}
}

// CreateParams are the client-controlled inputs to Create. The requester
// comes from the Actor argument, never from here.
type CreateParams struct {
	Kind       Kind
	AppID      int64
	Properties Properties
	Comment    string
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates and persists a new change request in the requested state.
// A non-blank comment is stored with it, authored by requester.
func (w *Workflow) Create(ctx context.Context, requester Actor, params CreateParams) (cr *ChangeRequest, err error) {
	start := time.Now()
	defer func() { w.observe(w.metricKind(params.Kind), "create", err, start) }()

	if err := Authorize(requester, ActionCreate); err != nil {
		return nil, err
	}

	verr := &ValidationError{}
	if params.AppID <= 0 {
		verr.Add("app_id", "can't be blank")
	}
	if params.Kind == "" {
		verr.Add("type", "can't be blank")
	}
	if cerr := w.Comments.Validate(params.Comment, false); cerr != nil {
		verr.Merge(asValidationError(cerr))
	}
	if !verr.Empty() {
		return nil, verr
	}

	props, err := w.Registry.Validate(params.Kind, params.Properties)
	if err != nil {
		return nil, err
	}

	now := w.now()
	cr = &ChangeRequest{
		AppID:           params.AppID,
		RequestedUserID: requester.ID,
		Kind:            params.Kind,
		State:           StateRequested,
		Properties:      props,
		RequestedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	txID := uuid.New()
	_, err = w.Store.Create(ctx, cr, func(tx LockedTx, created *ChangeRequest) error {
		if err := tx.AddVersion(ctx, createVersion(txID, created, requester)); err != nil {
			return fmt.Errorf("failed to record version: %w", err)
		}
		_, err := w.Comments.Attach(ctx, tx, created, requester, params.Comment, txID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	w.log().WithFields(logrus.Fields{
		"change_request_id": cr.ID,
		"app_id":            cr.AppID,
		"kind":              cr.Kind,
		"actor_id":          requester.ID,
	}).Info("change_request.created")

	return cr, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Approve moves a requested change request to approved.
func (w *Workflow) Approve(ctx context.Context, id int64, actor Actor, comment string) (*ChangeRequest, error) {
	return w.transition(ctx, id, actor, StateApproved, comment)
}

// Reject moves a requested change request to rejected.
func (w *Workflow) Reject(ctx context.Context, id int64, actor Actor, comment string) (*ChangeRequest, error) {
	return w.transition(ctx, id, actor, StateRejected, comment)
}

// Cancel withdraws a requested change request. Only the requester or an
// administrator may cancel.
func (w *Workflow) Cancel(ctx context.Context, id int64, actor Actor, comment string) (*ChangeRequest, error) {
	return w.transition(ctx, id, actor, StateCancelled, comment)
}

// Process dispatches an update by target state, as submitted by a client.
func (w *Workflow) Process(ctx context.Context, id int64, actor Actor, target State, comment string) (*ChangeRequest, error) {
	switch target {
	case StateApproved:
		return w.Approve(ctx, id, actor, comment)
	case StateRejected:
		return w.Reject(ctx, id, actor, comment)
	default:
		return nil, NewValidationError("state", "is not included in the list")
	}
}

func (w *Workflow) transition(ctx context.Context, id int64, actor Actor, to State, content string) (result *ChangeRequest, err error) {
	var kind Kind
	start := time.Now()
	defer func() { w.observe(kind, eventFor(to), err, start) }()

	if err := Authorize(actor, actionFor(to)); err != nil {
		return nil, err
	}
	if err := w.Comments.Validate(content, w.Comments.Required); err != nil {
		return nil, err
	}

	err = w.Store.WithLock(ctx, id, func(tx LockedTx, current *ChangeRequest) error {
		kind = current.Kind
		if current.State != StateRequested {
			return &AlreadyProcessedError{ID: current.ID, State: current.State}
		}
		if to == StateCancelled {
			if err := authorizeCancel(actor, current); err != nil {
				return err
			}
		}

		now := w.now()
		before := current.Clone()
		current.apply(to, actor.ID, now)

		if err := tx.Update(ctx, current, before.State); err != nil {
			return err
		}

		txID := uuid.New()
		if err := tx.AddVersion(ctx, updateVersion(txID, before, current, actor)); err != nil {
			return fmt.Errorf("failed to record version: %w", err)
		}
		if _, err := w.Comments.Attach(ctx, tx, current, actor, content, txID, now); err != nil {
			return err
		}

		result = current
		return nil
	})

	fields := logrus.Fields{
		"change_request_id": id,
		"actor_id":          actor.ID,
		"target_state":      to,
	}
	if err != nil {
		if IsConflict(err) || IsForbidden(err) {
			w.log().WithFields(fields).WithError(err).Warn("change_request.transition_refused")
		}
		return nil, err
	}

	fields["kind"] = result.Kind
	w.log().WithFields(fields).Info("change_request.transitioned")
	return result, nil
}

// =============================================================================
// COMMENTS
// =============================================================================

// AddComment appends a standalone comment to a change request in any state.
func (w *Workflow) AddComment(ctx context.Context, id int64, actor Actor, content string) (comment *Comment, err error) {
	var kind Kind
	start := time.Now()
	defer func() { w.observe(kind, "comment", err, start) }()

	if err := Authorize(actor, ActionComment); err != nil {
		return nil, err
	}
	if err := w.Comments.Validate(content, true); err != nil {
		return nil, err
	}

	err = w.Store.WithLock(ctx, id, func(tx LockedTx, current *ChangeRequest) error {
		kind = current.Kind
		c, err := w.Comments.Attach(ctx, tx, current, actor, content, uuid.New(), w.now())
		comment = c
		return err
	})
	if err != nil {
		return nil, err
	}
	return comment, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (w *Workflow) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func (w *Workflow) log() logrus.FieldLogger {
	if w.Logger == nil {
		return logrus.StandardLogger()
	}
	return w.Logger
}

func (w *Workflow) observe(kind Kind, event string, err error, start time.Time) {
	if w.Metrics == nil {
		return
	}
	w.Metrics.ObserveOperation(kind, event, outcomeOf(err), time.Since(start))
}

// metricKind keeps client-supplied kinds out of metric labels until they
// are known to the registry.
func (w *Workflow) metricKind(kind Kind) Kind {
	if w.Registry == nil || !w.Registry.Registered(kind) {
		return ""
	}
	return kind
}

func actionFor(to State) Action {
	switch to {
	case StateApproved:
		return ActionApprove
	case StateRejected:
		return ActionReject
	default:
		return ActionCancel
	}
}

func eventFor(to State) string {
	return string(actionFor(to))
}

func asValidationError(err error) *ValidationError {
	if verr, ok := err.(*ValidationError); ok {
		return verr
	}
	return NewValidationError("base", err.Error())
}

func createVersion(txID uuid.UUID, cr *ChangeRequest, actor Actor) *Version {
	return &Version{
		TransactionID: txID,
		ItemType:      ItemChangeRequest,
		ItemID:        cr.ID,
		Event:         EventCreate,
		Whodunnit:     whodunnit(actor),
		ObjectChanges: map[string][]any{
			"app_id":            {nil, cr.AppID},
			"requested_user_id": {nil, cr.RequestedUserID},
			"type":              {nil, string(cr.Kind)},
			"state":             {nil, string(cr.State)},
			"requested_at":      {nil, cr.RequestedAt},
		},
		CreatedAt: cr.CreatedAt,
	}
}

func updateVersion(txID uuid.UUID, before, after *ChangeRequest, actor Actor) *Version {
	changes := map[string][]any{
		"state": {string(before.State), string(after.State)},
	}
	if after.ProcessedUserID != nil {
		changes["processed_user_id"] = []any{nil, *after.ProcessedUserID}
	}
	if at := after.ProcessedAt(); at != nil {
		changes[string(after.State)+"_at"] = []any{nil, *at}
	}
	return &Version{
		TransactionID: txID,
		ItemType:      ItemChangeRequest,
		ItemID:        after.ID,
		Event:         EventUpdate,
		Whodunnit:     whodunnit(actor),
		ObjectChanges: changes,
		CreatedAt:     after.UpdatedAt,
	}
}
