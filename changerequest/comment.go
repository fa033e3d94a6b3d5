package changerequest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultCommentMaxLength bounds comment content, counted in characters.
const DefaultCommentMaxLength = 6000

// CommentPolicy decides whether a transition needs a comment and how long
// one may be. The same policy applies to approve, reject and cancel.
type CommentPolicy struct {
	Required  bool
	MaxLength int
}

func DefaultCommentPolicy() CommentPolicy {
	return CommentPolicy{Required: true, MaxLength: DefaultCommentMaxLength}
}

// Validate checks content. Blank content passes only when required is false.
func (p CommentPolicy) Validate(content string, required bool) error {
	if strings.TrimSpace(content) == "" {
		if required {
			return NewValidationError("content", "can't be blank")
		}
		return nil
	}

	max := p.MaxLength
	if max <= 0 {
		max = DefaultCommentMaxLength
	}
	if utf8.RuneCountInString(content) > max {
		return NewValidationError("content", fmt.Sprintf("is too long (maximum is %d characters)", max))
	}
	return nil
}

// Attach writes one comment authored by actor onto cr, plus its version
// entry, through tx. It returns nil without writing when content is blank
// and the comment is optional; callers validate content beforehand.
func (p CommentPolicy) Attach(
	ctx context.Context,
	tx LockedTx,
	cr *ChangeRequest,
	actor Actor,
	content string,
	txID uuid.UUID,
	at time.Time,
) (*Comment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	comment := &Comment{
		ChangeRequestID: cr.ID,
		UserID:          actor.ID,
		Content:         content,
		CreatedAt:       at,
	}
	if err := tx.AddComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}

	version := &Version{
		TransactionID: txID,
		ItemType:      ItemComment,
		ItemID:        comment.ID,
		Event:         EventCreate,
		Whodunnit:     whodunnit(actor),
		ObjectChanges: map[string][]any{
			"content":          {nil, comment.Content},
			"user_id":          {nil, comment.UserID},
			"commentable_type": {nil, ItemChangeRequest},
			"commentable_id":   {nil, cr.ID},
		},
		CreatedAt: at,
	}
	if err := tx.AddVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to record comment version: %w", err)
	}

	return comment, nil
}

func whodunnit(actor Actor) string {
	return fmt.Sprintf("%d", actor.ID)
}
