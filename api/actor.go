package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/warp/obelisk/changerequest"
)

// ActorHeader carries the operator id set by the upstream session layer.
const ActorHeader = "X-User-ID"

// UserDirectory resolves operator ids. GetUser returns nil, nil for an
// unknown id.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*changerequest.User, error)
}

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor changerequest.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by RequireActor. The zero Actor has no
// role and is refused by changerequest.Authorize.
func ActorFrom(ctx context.Context) changerequest.Actor {
	actor, _ := ctx.Value(actorKey{}).(changerequest.Actor)
	return actor
}

// RequireActor resolves the X-User-ID header into an Actor. Requests without
// a known user get 401. Role checks happen in the workflow.
func (h *Handler) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ActorHeader)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Sign in required", nil)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Sign in required", err)
			return
		}

		user, err := h.Users.GetUser(r.Context(), id)
		if err != nil {
			h.Logger.WithError(err).WithField("user_id", id).Error("failed to resolve actor")
			writeError(w, http.StatusInternalServerError, "Internal error", nil)
			return
		}
		if user == nil {
			writeError(w, http.StatusUnauthorized, "Sign in required", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), user.Actor())))
	})
}
