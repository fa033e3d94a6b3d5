package changerequest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obelisk/changerequest"
	"github.com/warp/obelisk/changerequest/store"
)

var (
	requester = changerequest.Actor{ID: 1, Role: changerequest.RoleAdministrator}
	approver  = changerequest.Actor{ID: 2, Role: changerequest.RoleAdministrator}
	watcher   = changerequest.Actor{ID: 3, Role: changerequest.RoleWatcher}
	banned    = changerequest.Actor{ID: 4, Role: changerequest.RoleBanned}

	clock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *recordingMetrics) ObserveOperation(kind changerequest.Kind, event, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[event+"/"+outcome]++
}

func newWorkflow(t *testing.T, s changerequest.Store) (*changerequest.Workflow, *test.Hook, *recordingMetrics) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	m := &recordingMetrics{}

	wf := changerequest.NewWorkflow(s, changerequest.DefaultRegistry())
	wf.Logger = logger
	wf.Metrics = m
	wf.Now = func() time.Time { return clock }
	return wf, hook, m
}

func createCancelRequest(t *testing.T, wf *changerequest.Workflow, comment string) *changerequest.ChangeRequest {
	t.Helper()
	cr, err := wf.Create(context.Background(), requester, changerequest.CreateParams{
		Kind:       changerequest.KindPurchaseCancel,
		AppID:      7,
		Properties: changerequest.Properties{"purchase_id": "p1"},
		Comment:    comment,
	})
	require.NoError(t, err)
	return cr
}

// =============================================================================
// CREATE
// =============================================================================

func TestWorkflow_CreateThenApprove(t *testing.T) {
	mem := store.NewMemory()
	wf, hook, m := newWorkflow(t, mem)
	ctx := context.Background()

	// GIVEN: A new purchase cancel request with comment "init"
	cr := createCancelRequest(t, wf, "init")
	assert.Equal(t, changerequest.StateRequested, cr.State)
	assert.Equal(t, requester.ID, cr.RequestedUserID)
	assert.Equal(t, clock, cr.RequestedAt)
	assert.Nil(t, cr.ProcessedUserID)

	comments, err := mem.Comments(ctx, cr.ID, changerequest.Page{})
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "init", comments[0].Content)
	assert.Equal(t, requester.ID, comments[0].UserID)

	// WHEN: Approved by another administrator
	approved, err := wf.Approve(ctx, cr.ID, approver, "ok")
	require.NoError(t, err)

	// THEN: approved, processed by the approver, stamped by the clock
	assert.Equal(t, changerequest.StateApproved, approved.State)
	require.NotNil(t, approved.ProcessedUserID)
	assert.Equal(t, approver.ID, *approved.ProcessedUserID)
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, clock, *approved.ApprovedAt)
	assert.NoError(t, approved.CheckInvariants())

	stored, err := mem.Find(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, approved, stored)

	comments, err = mem.Comments(ctx, cr.ID, changerequest.Page{})
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "ok", comments[0].Content)
	assert.Equal(t, approver.ID, comments[0].UserID)

	// AND: Each write carries a version, paired by transaction
	versions, err := mem.Versions(ctx, changerequest.VersionFilter{})
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assert.Equal(t, changerequest.ItemComment, versions[0].ItemType)
	assert.Equal(t, changerequest.ItemChangeRequest, versions[1].ItemType)
	assert.Equal(t, changerequest.EventUpdate, versions[1].Event)
	assert.Equal(t, versions[0].TransactionID, versions[1].TransactionID)
	assert.Equal(t, versions[2].TransactionID, versions[3].TransactionID)
	assert.NotEqual(t, versions[0].TransactionID, versions[2].TransactionID)
	assert.Equal(t, "2", versions[1].Whodunnit)

	// AND: Logged and measured
	assert.Equal(t, "change_request.transitioned", hook.LastEntry().Message)
	assert.Equal(t, approver.ID, hook.LastEntry().Data["actor_id"])
	assert.Equal(t, 1, m.outcomes["create/ok"])
	assert.Equal(t, 1, m.outcomes["approve/ok"])
}

func TestWorkflow_CreateWithoutComment(t *testing.T) {
	mem := store.NewMemory()
	wf, _, _ := newWorkflow(t, mem)

	cr := createCancelRequest(t, wf, "   ")

	comments, err := mem.Comments(context.Background(), cr.ID, changerequest.Page{})
	require.NoError(t, err)
	assert.Empty(t, comments)
}

func TestWorkflow_CreateValidation(t *testing.T) {
	mem := store.NewMemory()
	wf, _, m := newWorkflow(t, mem)
	ctx := context.Background()

	t.Run("missing app and type", func(t *testing.T) {
		_, err := wf.Create(ctx, requester, changerequest.CreateParams{})

		var verr *changerequest.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields, "app_id")
		assert.Contains(t, verr.Fields, "type")
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := wf.Create(ctx, requester, changerequest.CreateParams{Kind: "NopeRequest", AppID: 7})
		assert.ErrorIs(t, err, changerequest.ErrUnknownKind)
	})

	t.Run("invalid payload", func(t *testing.T) {
		_, err := wf.Create(ctx, requester, changerequest.CreateParams{
			Kind: changerequest.KindPurchaseCancel, AppID: 7, Properties: changerequest.Properties{},
		})
		var verr *changerequest.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields, "purchase_id")
	})

	t.Run("comment too long", func(t *testing.T) {
		_, err := wf.Create(ctx, requester, changerequest.CreateParams{
			Kind:       changerequest.KindPurchaseCancel,
			AppID:      7,
			Properties: changerequest.Properties{"purchase_id": "p1"},
			Comment:    strings.Repeat("a", 6001),
		})
		var verr *changerequest.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields["content"], "too long")
	})

	t.Run("watcher may not create", func(t *testing.T) {
		_, err := wf.Create(ctx, watcher, changerequest.CreateParams{
			Kind: changerequest.KindPurchaseCancel, AppID: 7, Properties: changerequest.Properties{"purchase_id": "p1"},
		})
		assert.ErrorIs(t, err, changerequest.ErrForbidden)
	})

	list, err := mem.List(ctx, changerequest.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 4, m.outcomes["create/rejected"])
	assert.Equal(t, 1, m.outcomes["create/forbidden"])
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestWorkflow_DecisionsAreFinal(t *testing.T) {
	transitions := map[string]func(*changerequest.Workflow, int64) (*changerequest.ChangeRequest, error){
		"approve": func(wf *changerequest.Workflow, id int64) (*changerequest.ChangeRequest, error) {
			return wf.Approve(context.Background(), id, approver, "again")
		},
		"reject": func(wf *changerequest.Workflow, id int64) (*changerequest.ChangeRequest, error) {
			return wf.Reject(context.Background(), id, approver, "again")
		},
		"cancel": func(wf *changerequest.Workflow, id int64) (*changerequest.ChangeRequest, error) {
			return wf.Cancel(context.Background(), id, requester, "again")
		},
	}
	firsts := map[changerequest.State]func(*changerequest.Workflow, int64) error{
		changerequest.StateApproved: func(wf *changerequest.Workflow, id int64) error {
			_, err := wf.Approve(context.Background(), id, approver, "ok")
			return err
		},
		changerequest.StateRejected: func(wf *changerequest.Workflow, id int64) error {
			_, err := wf.Reject(context.Background(), id, approver, "no")
			return err
		},
		changerequest.StateCancelled: func(wf *changerequest.Workflow, id int64) error {
			_, err := wf.Cancel(context.Background(), id, requester, "withdrawn")
			return err
		},
	}

	for state, first := range firsts {
		for name, second := range transitions {
			t.Run(string(state)+"/"+name, func(t *testing.T) {
				mem := store.NewMemory()
				wf, _, _ := newWorkflow(t, mem)
				cr := createCancelRequest(t, wf, "init")
				require.NoError(t, first(wf, cr.ID))

				before, err := mem.Find(context.Background(), cr.ID)
				require.NoError(t, err)

				_, err = second(wf, cr.ID)

				var perr *changerequest.AlreadyProcessedError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, state, perr.State)

				after, err := mem.Find(context.Background(), cr.ID)
				require.NoError(t, err)
				assert.Equal(t, before, after)

				comments, err := mem.Comments(context.Background(), cr.ID, changerequest.Page{})
				require.NoError(t, err)
				assert.Len(t, comments, 2)
			})
		}
	}
}

func TestWorkflow_TransitionCommentRules(t *testing.T) {
	mem := store.NewMemory()
	wf, _, _ := newWorkflow(t, mem)
	ctx := context.Background()
	cr := createCancelRequest(t, wf, "init")

	// Blank comment is refused before any write
	_, err := wf.Reject(ctx, cr.ID, approver, " ")
	var verr *changerequest.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "can't be blank", verr.Fields["content"])

	// 6000 characters pass
	long := strings.Repeat("x", 6000)
	rejected, err := wf.Reject(ctx, cr.ID, approver, long)
	require.NoError(t, err)
	assert.Equal(t, changerequest.StateRejected, rejected.State)

	comments, err := mem.Comments(ctx, cr.ID, changerequest.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, long, comments[0].Content)
}

func TestWorkflow_OptionalTransitionComment(t *testing.T) {
	mem := store.NewMemory()
	wf, _, _ := newWorkflow(t, mem)
	wf.Comments.Required = false
	ctx := context.Background()
	cr := createCancelRequest(t, wf, "init")

	_, err := wf.Approve(ctx, cr.ID, approver, "")
	require.NoError(t, err)

	comments, err := mem.Comments(ctx, cr.ID, changerequest.Page{})
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestWorkflow_CancelOwnership(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, mem *store.Memory, requestedBy int64) int64 {
		id, err := mem.Create(ctx, &changerequest.ChangeRequest{
			AppID:           7,
			RequestedUserID: requestedBy,
			Kind:            changerequest.KindPurchaseCancel,
			State:           changerequest.StateRequested,
			Properties:      changerequest.Properties{"purchase_id": "p1"},
			RequestedAt:     clock,
			CreatedAt:       clock,
			UpdatedAt:       clock,
		}, nil)
		require.NoError(t, err)
		return id
	}

	t.Run("requester may cancel", func(t *testing.T) {
		mem := store.NewMemory()
		wf, _, _ := newWorkflow(t, mem)
		id := seed(t, mem, watcher.ID)

		cr, err := wf.Cancel(ctx, id, watcher, "withdrawn")
		require.NoError(t, err)
		assert.Equal(t, changerequest.StateCancelled, cr.State)
		assert.Nil(t, cr.ProcessedUserID)
		assert.Equal(t, clock, *cr.CancelledAt)
	})

	t.Run("other watcher may not", func(t *testing.T) {
		mem := store.NewMemory()
		wf, hook, _ := newWorkflow(t, mem)
		id := seed(t, mem, 99)

		_, err := wf.Cancel(ctx, id, watcher, "withdrawn")
		assert.ErrorIs(t, err, changerequest.ErrForbidden)

		cr, err := mem.Find(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, changerequest.StateRequested, cr.State)
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})

	t.Run("administrator may cancel any", func(t *testing.T) {
		mem := store.NewMemory()
		wf, _, _ := newWorkflow(t, mem)
		id := seed(t, mem, 99)

		_, err := wf.Cancel(ctx, id, approver, "withdrawn")
		assert.NoError(t, err)
	})
}

func TestWorkflow_Process(t *testing.T) {
	mem := store.NewMemory()
	wf, _, _ := newWorkflow(t, mem)
	ctx := context.Background()
	cr := createCancelRequest(t, wf, "init")

	_, err := wf.Process(ctx, cr.ID, approver, changerequest.StateCancelled, "nope")
	var verr *changerequest.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "state")

	done, err := wf.Process(ctx, cr.ID, approver, changerequest.StateRejected, "no")
	require.NoError(t, err)
	assert.Equal(t, changerequest.StateRejected, done.State)
}

func TestWorkflow_NotFoundAndForbidden(t *testing.T) {
	mem := store.NewMemory()
	wf, _, _ := newWorkflow(t, mem)
	ctx := context.Background()

	_, err := wf.Approve(ctx, 404, approver, "ok")
	assert.True(t, changerequest.IsNotFound(err))

	cr := createCancelRequest(t, wf, "init")
	_, err = wf.Approve(ctx, cr.ID, watcher, "ok")
	assert.ErrorIs(t, err, changerequest.ErrForbidden)
	_, err = wf.Reject(ctx, cr.ID, banned, "no")
	assert.ErrorIs(t, err, changerequest.ErrForbidden)
}

func TestWorkflow_ConcurrentDecisions(t *testing.T) {
	mem := store.NewMemory()
	wf, _, m := newWorkflow(t, mem)
	ctx := context.Background()
	cr := createCancelRequest(t, wf, "init")

	// WHEN: Many approvers decide at once
	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := changerequest.Actor{ID: int64(100 + i), Role: changerequest.RoleAdministrator}
			var err error
			if i%2 == 0 {
				_, err = wf.Approve(ctx, cr.ID, actor, "ok")
			} else {
				_, err = wf.Reject(ctx, cr.ID, actor, "no")
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, changerequest.ErrAlreadyProcessed)
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one decision and one decision comment
	assert.Equal(t, 1, successes)
	comments, err := mem.Comments(ctx, cr.ID, changerequest.Page{})
	require.NoError(t, err)
	assert.Len(t, comments, 2)

	final, err := mem.Find(ctx, cr.ID)
	require.NoError(t, err)
	assert.NoError(t, final.CheckInvariants())
	assert.Equal(t, n-1, m.outcomes["approve/conflict"]+m.outcomes["reject/conflict"])
}

// =============================================================================
// ATOMICITY
// =============================================================================

var errCommentWrite = errors.New("comment write failed")

type failingCommentStore struct {
	changerequest.Store
}

func (s failingCommentStore) WithLock(ctx context.Context, id int64, fn func(tx changerequest.LockedTx, current *changerequest.ChangeRequest) error) error {
	return s.Store.WithLock(ctx, id, func(tx changerequest.LockedTx, current *changerequest.ChangeRequest) error {
		return fn(failingCommentTx{tx}, current)
	})
}

type failingCommentTx struct {
	changerequest.LockedTx
}

func (failingCommentTx) AddComment(context.Context, *changerequest.Comment) error {
	return errCommentWrite
}

func TestWorkflow_CommentFailureRollsBackTransition(t *testing.T) {
	mem := store.NewMemory()
	seedWF, _, _ := newWorkflow(t, mem)
	cr := createCancelRequest(t, seedWF, "init")
	ctx := context.Background()

	versionsBefore, err := mem.Versions(ctx, changerequest.VersionFilter{})
	require.NoError(t, err)

	// WHEN: The comment insert fails inside the approval
	wf, _, m := newWorkflow(t, failingCommentStore{mem})
	_, err = wf.Approve(ctx, cr.ID, approver, "ok")

	// THEN: The error surfaces and the state change is discarded
	assert.ErrorIs(t, err, errCommentWrite)
	stored, err := mem.Find(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, changerequest.StateRequested, stored.State)
	assert.Nil(t, stored.ProcessedUserID)
	assert.Nil(t, stored.ApprovedAt)

	versionsAfter, err := mem.Versions(ctx, changerequest.VersionFilter{})
	require.NoError(t, err)
	assert.Len(t, versionsAfter, len(versionsBefore))
	assert.Equal(t, 1, m.outcomes["approve/error"])
}

// =============================================================================
// STANDALONE COMMENTS
// =============================================================================

func TestWorkflow_AddComment(t *testing.T) {
	mem := store.NewMemory()
	wf, _, _ := newWorkflow(t, mem)
	ctx := context.Background()
	cr := createCancelRequest(t, wf, "init")
	_, err := wf.Approve(ctx, cr.ID, approver, "ok")
	require.NoError(t, err)

	// Allowed after the decision, and for watchers
	c, err := wf.AddComment(ctx, cr.ID, watcher, "noted")
	require.NoError(t, err)
	assert.Equal(t, watcher.ID, c.UserID)
	assert.NotZero(t, c.ID)

	_, err = wf.AddComment(ctx, cr.ID, watcher, "")
	assert.ErrorIs(t, err, changerequest.ErrValidation)

	_, err = wf.AddComment(ctx, cr.ID, banned, "hi")
	assert.ErrorIs(t, err, changerequest.ErrForbidden)

	_, err = wf.AddComment(ctx, 404, watcher, "hi")
	assert.True(t, changerequest.IsNotFound(err))

	stored, err := mem.Find(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, changerequest.StateApproved, stored.State)
}
