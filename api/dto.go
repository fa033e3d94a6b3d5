/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the changerequest domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: List wrappers

ACTOR FIELDS:
  Request bodies never carry requested_user_id, processed_user_id or a
  comment author. Unknown JSON keys (user_id included) are ignored by the
  decoder; the actor always comes from the X-User-ID middleware.

SEE ALSO:
  - handlers.go: Uses these types
  - changerequest/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/obelisk/changerequest"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CommentInput is the nested comment of create/update/cancel bodies.
type CommentInput struct {
	Content string `json:"content"`
}

// CreateChangeRequestRequest is the body of POST /api/change_requests.
type CreateChangeRequestRequest struct {
	AppID      int64          `json:"app_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Comment    CommentInput   `json:"comment"`
}

// UpdateChangeRequestRequest is the body of PATCH /api/change_requests/{id}.
type UpdateChangeRequestRequest struct {
	State   string       `json:"state"`
	Comment CommentInput `json:"comment"`
}

// CancelChangeRequestRequest is the body of DELETE /api/change_requests/{id}.
type CancelChangeRequestRequest struct {
	Comment CommentInput `json:"comment"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChangeRequestDTO represents a change request in API responses.
type ChangeRequestDTO struct {
	ID              int64          `json:"id"`
	AppID           int64          `json:"app_id"`
	Type            string         `json:"type"`
	State           string         `json:"state"`
	RequestedUserID int64          `json:"requested_user_id"`
	ProcessedUserID *int64         `json:"processed_user_id"`
	Properties      map[string]any `json:"properties"`
	RequestedAt     string         `json:"requested_at"`
	ApprovedAt      *string        `json:"approved_at"`
	RejectedAt      *string        `json:"rejected_at"`
	CancelledAt     *string        `json:"cancelled_at"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	Comments        []CommentDTO   `json:"comments,omitempty"`
}

// CommentDTO represents a comment in API responses.
type CommentDTO struct {
	ID              int64  `json:"id"`
	ChangeRequestID int64  `json:"change_request_id"`
	UserID          int64  `json:"user_id"`
	Content         string `json:"content"`
	CreatedAt       string `json:"created_at"`
}

// VersionDTO represents an audit trail entry.
type VersionDTO struct {
	ID            int64            `json:"id"`
	TransactionID string           `json:"transaction_id"`
	ItemType      string           `json:"item_type"`
	ItemID        int64            `json:"item_id"`
	Event         string           `json:"event"`
	Whodunnit     string           `json:"whodunnit,omitempty"`
	ObjectChanges map[string][]any `json:"object_changes"`
	CreatedAt     string           `json:"created_at"`
}

// ListChangeRequestsResponse is one page of change requests.
type ListChangeRequestsResponse struct {
	ChangeRequests []ChangeRequestDTO `json:"change_requests"`
	Page           int                `json:"page"`
	PerPage        int                `json:"per_page"`
}

// ListCommentsResponse is one page of comments.
type ListCommentsResponse struct {
	Comments []CommentDTO `json:"comments"`
	Page     int          `json:"page"`
	PerPage  int          `json:"per_page"`
}

// ListVersionsResponse is one page of versions.
type ListVersionsResponse struct {
	Versions []VersionDTO `json:"versions"`
	Page     int          `json:"page"`
	PerPage  int          `json:"per_page"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details any               `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toChangeRequestDTO(cr *changerequest.ChangeRequest, comments []changerequest.Comment) ChangeRequestDTO {
	dto := ChangeRequestDTO{
		ID:              cr.ID,
		AppID:           cr.AppID,
		Type:            string(cr.Kind),
		State:           string(cr.State),
		RequestedUserID: cr.RequestedUserID,
		ProcessedUserID: cr.ProcessedUserID,
		Properties:      cr.Properties,
		RequestedAt:     formatTime(cr.RequestedAt),
		ApprovedAt:      formatTimePtr(cr.ApprovedAt),
		RejectedAt:      formatTimePtr(cr.RejectedAt),
		CancelledAt:     formatTimePtr(cr.CancelledAt),
		CreatedAt:       formatTime(cr.CreatedAt),
		UpdatedAt:       formatTime(cr.UpdatedAt),
	}
	if dto.Properties == nil {
		dto.Properties = map[string]any{}
	}
	if comments != nil {
		dto.Comments = toCommentDTOs(comments)
	}
	return dto
}

func toCommentDTO(c changerequest.Comment) CommentDTO {
	return CommentDTO{
		ID:              c.ID,
		ChangeRequestID: c.ChangeRequestID,
		UserID:          c.UserID,
		Content:         c.Content,
		CreatedAt:       formatTime(c.CreatedAt),
	}
}

func toCommentDTOs(comments []changerequest.Comment) []CommentDTO {
	out := make([]CommentDTO, 0, len(comments))
	for _, c := range comments {
		out = append(out, toCommentDTO(c))
	}
	return out
}

func toVersionDTO(v changerequest.Version) VersionDTO {
	return VersionDTO{
		ID:            v.ID,
		TransactionID: v.TransactionID.String(),
		ItemType:      v.ItemType,
		ItemID:        v.ItemID,
		Event:         v.Event,
		Whodunnit:     v.Whodunnit,
		ObjectChanges: v.ObjectChanges,
		CreatedAt:     formatTime(v.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
