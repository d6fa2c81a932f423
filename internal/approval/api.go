package approval

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/defense"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/auth"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Handler provides HTTP handlers for the approval module
type Handler struct {
	workflow  *Workflow
	approvals defense.ApprovalRepository
}

// NewHandler creates a new approval handler
func NewHandler(workflow *Workflow, approvals defense.ApprovalRepository) *Handler {
	return &Handler{workflow: workflow, approvals: approvals}
}

// Routes registers the approval routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/{approvalID}", func(r chi.Router) {
		r.Get("/", h.GetApproval)
		r.Post("/approve", h.Approve)
		r.Post("/reject", h.Reject)
		r.Post("/override", h.OverrideRejection)
	})

	return r
}

// GetApproval gets an approval by ID
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "approvalID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid approval ID"))
		return
	}

	a, err := h.approvals.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// Approve resolves an approval as APPROVED on behalf of the caller
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "approvalID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid approval ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	a, err := h.workflow.Approve(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// Reject resolves an approval as REJECTED with a mandatory justification
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "approvalID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid approval ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req struct {
		Justification string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	a, err := h.workflow.Reject(r.Context(), id, user.ID, req.Justification)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// OverrideRejection returns a rejected approval back to PENDING
func (h *Handler) OverrideRejection(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "approvalID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid approval ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	a, err := h.workflow.OverrideRejection(r.Context(), id, user.ID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
