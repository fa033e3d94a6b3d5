/*
handlers.go - HTTP API handlers for the change request console

PURPOSE:
  Exposes the change request workflow via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the workflow.

ENDPOINTS:
  Change requests:
    POST   /api/change_requests              Create (201)
    GET    /api/change_requests              List, newest first, 25 per page
    GET    /api/change_requests/{id}         Show with the first comment page
    PATCH  /api/change_requests/{id}         Approve or reject by body "state"
    DELETE /api/change_requests/{id}         Cancel

  Comments:
    POST   /api/change_requests/{id}/comments Add a standalone comment
    GET    /api/change_requests/{id}/comments List, newest first, 10 per page

  Reference:
    GET    /api/kinds                        Registered change request kinds
    GET    /api/versions                     Audit trail

REQUEST FLOW:
  1. Actor middleware resolves X-User-ID into a changerequest.Actor
  2. Parse HTTP request
  3. Call the workflow (or the store for reads)
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  - 400: Malformed JSON, malformed id
  - 401: Missing or unknown X-User-ID
  - 403: Role or ownership refused
  - 404: Change request not found
  - 409: Already processed, concurrent modification
  - 422: Validation errors and unknown kinds, with per-field messages
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - actor.go: Actor middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/warp/obelisk/changerequest"
)

const (
	changeRequestsPerPage = 25
	commentsPerPage       = 10
	versionsPerPage       = 25

	// maxPage keeps page*perPage far from int overflow.
	maxPage = 100000
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Workflow *changerequest.Workflow
	Users    UserDirectory
	Logger   logrus.FieldLogger
}

// NewHandler creates a new handler around a workflow and user directory.
func NewHandler(wf *changerequest.Workflow, users UserDirectory, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Workflow: wf,
		Users:    users,
		Logger:   logger,
	}
}

// =============================================================================
// CHANGE REQUEST ENDPOINTS
// =============================================================================

// CreateChangeRequest handles POST /api/change_requests.
func (h *Handler) CreateChangeRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := ActorFrom(ctx)

	var req CreateChangeRequestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cr, err := h.Workflow.Create(ctx, actor, changerequest.CreateParams{
		Kind:       changerequest.Kind(req.Type),
		AppID:      req.AppID,
		Properties: req.Properties,
		Comment:    req.Comment.Content,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toChangeRequestDTO(cr, nil))
}

// ListChangeRequests handles GET /api/change_requests.
// Recognized query keys: app_id, state, type, processed_user_id, page.
// Anything else is ignored.
func (h *Handler) ListChangeRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := changerequest.Authorize(ActorFrom(ctx), changerequest.ActionRead); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	q := r.URL.Query()
	verr := &changerequest.ValidationError{}
	filter := changerequest.Filter{
		AppID:           queryInt(q, "app_id", verr),
		ProcessedUserID: queryInt(q, "processed_user_id", verr),
		Kind:            changerequest.Kind(q.Get("type")),
	}
	if s := q.Get("state"); s != "" {
		filter.State = changerequest.State(s)
		if !filter.State.Valid() {
			verr.Add("state", "is not included in the list")
		}
	}
	page := queryPage(q, verr)
	if !verr.Empty() {
		h.writeDomainError(w, r, verr)
		return
	}

	window := changerequest.PageOf(page, changeRequestsPerPage)
	filter.Limit, filter.Offset = window.Limit, window.Offset

	list, err := h.Workflow.Store.List(ctx, filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := ListChangeRequestsResponse{
		ChangeRequests: make([]ChangeRequestDTO, 0, len(list)),
		Page:           page,
		PerPage:        changeRequestsPerPage,
	}
	for i := range list {
		resp.ChangeRequests = append(resp.ChangeRequests, toChangeRequestDTO(&list[i], nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChangeRequest handles GET /api/change_requests/{id}.
func (h *Handler) GetChangeRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := changerequest.Authorize(ActorFrom(ctx), changerequest.ActionRead); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	cr, err := h.Workflow.Store.Find(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	comments, err := h.Workflow.Store.Comments(ctx, id, changerequest.PageOf(1, commentsPerPage))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dto := toChangeRequestDTO(cr, comments)
	if dto.Comments == nil {
		dto.Comments = []CommentDTO{}
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpdateChangeRequest handles PATCH /api/change_requests/{id}.
// Body state selects approve ("approved") or reject ("rejected").
func (h *Handler) UpdateChangeRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req UpdateChangeRequestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cr, err := h.Workflow.Process(ctx, id, ActorFrom(ctx), changerequest.State(req.State), req.Comment.Content)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toChangeRequestDTO(cr, nil))
}

// CancelChangeRequest handles DELETE /api/change_requests/{id}.
func (h *Handler) CancelChangeRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req CancelChangeRequestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cr, err := h.Workflow.Cancel(ctx, id, ActorFrom(ctx), req.Comment.Content)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toChangeRequestDTO(cr, nil))
}

// =============================================================================
// COMMENT ENDPOINTS
// =============================================================================

// CreateComment handles POST /api/change_requests/{id}/comments.
func (h *Handler) CreateComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req CommentInput
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	comment, err := h.Workflow.AddComment(ctx, id, ActorFrom(ctx), req.Content)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCommentDTO(*comment))
}

// ListComments handles GET /api/change_requests/{id}/comments.
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := changerequest.Authorize(ActorFrom(ctx), changerequest.ActionRead); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	verr := &changerequest.ValidationError{}
	page := queryPage(r.URL.Query(), verr)
	if !verr.Empty() {
		h.writeDomainError(w, r, verr)
		return
	}

	comments, err := h.Workflow.Store.Comments(ctx, id, changerequest.PageOf(page, commentsPerPage))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ListCommentsResponse{
		Comments: toCommentDTOs(comments),
		Page:     page,
		PerPage:  commentsPerPage,
	})
}

// =============================================================================
// REFERENCE ENDPOINTS
// =============================================================================

// ListKinds handles GET /api/kinds.
func (h *Handler) ListKinds(w http.ResponseWriter, r *http.Request) {
	kinds := h.Workflow.Registry.Kinds()
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListVersions handles GET /api/versions?item_type=&item_id=&page=.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := changerequest.Authorize(ActorFrom(ctx), changerequest.ActionRead); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	q := r.URL.Query()
	verr := &changerequest.ValidationError{}
	filter := changerequest.VersionFilter{
		ItemType: q.Get("item_type"),
		ItemID:   queryInt(q, "item_id", verr),
	}
	page := queryPage(q, verr)
	if !verr.Empty() {
		h.writeDomainError(w, r, verr)
		return
	}
	window := changerequest.PageOf(page, versionsPerPage)
	filter.Limit, filter.Offset = window.Limit, window.Offset

	versions, err := h.Workflow.Store.Versions(ctx, filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := ListVersionsResponse{
		Versions: make([]VersionDTO, 0, len(versions)),
		Page:     page,
		PerPage:  versionsPerPage,
	}
	for _, v := range versions {
		resp.Versions = append(resp.Versions, toVersionDTO(v))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps workflow and store errors to HTTP responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *changerequest.ValidationError
		kerr *changerequest.UnknownKindError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "Validation failed",
			Code:   "invalid",
			Fields: verr.Fields,
		})
	case errors.As(err, &kerr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "Unknown change request type",
			Code:   "unknown_type",
			Fields: map[string]string{"type": "is not included in the list"},
		})
	case changerequest.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Change request not found", Code: "not_found"})
	case errors.Is(err, changerequest.ErrAlreadyProcessed):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "already_processed"})
	case errors.Is(err, changerequest.ErrConcurrentModification):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "concurrent_modification"})
	case changerequest.IsForbidden(err):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "forbidden"})
	default:
		h.Logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

// decodeBody decodes a JSON body. An empty body decodes to the zero value.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func queryInt(q url.Values, key string, verr *changerequest.ValidationError) int64 {
	raw := q.Get(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		verr.Add(key, "is not a number")
		return 0
	}
	return v
}

func queryPage(q url.Values, verr *changerequest.ValidationError) int {
	raw := q.Get("page")
	if raw == "" {
		return 1
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		verr.Add("page", "is not a number")
		return 1
	}
	if page > maxPage {
		verr.Add("page", fmt.Sprintf("must be less than or equal to %d", maxPage))
		return 1
	}
	return page
}
