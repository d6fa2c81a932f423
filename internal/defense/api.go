package defense

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/auth"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Handler provides HTTP handlers for the defense document module
type Handler struct {
	service   *Service
	documents DocumentRepository
	approvals ApprovalRepository
}

// NewHandler creates a new document handler
func NewHandler(service *Service, documents DocumentRepository, approvals ApprovalRepository) *Handler {
	return &Handler{service: service, documents: documents, approvals: approvals}
}

// Routes registers the document routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateDocument)

	r.Route("/{documentID}", func(r chi.Router) {
		r.Get("/", h.GetDocument)
		r.Get("/approvals", h.ListApprovals)
		r.Post("/versions", h.NewVersion)
	})

	return r
}

// CreateDocumentRequest carries a new defense record. File content travels
// base64-encoded; only its hash and locator are persisted.
type CreateDocumentRequest struct {
	File          string     `json:"file"`
	Annex         string     `json:"annex"`
	StudentIDs    []types.ID `json:"student_ids"`
	AdvisorID     types.ID   `json:"advisor_id"`
	CoordinatorID types.ID   `json:"coordinator_id"`
	DefenseDate   time.Time  `json:"defense_date"`
	Grade         float64    `json:"grade"`
	Result        Result     `json:"result"`
}

// CreateDocument registers a defense record and opens its approval round
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	fileContent, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil {
		writeError(w, errors.BadRequest("file must be base64 encoded"))
		return
	}
	annexContent, err := base64.StdEncoding.DecodeString(req.Annex)
	if err != nil {
		writeError(w, errors.BadRequest("annex must be base64 encoded"))
		return
	}

	user := auth.GetUser(r.Context())
	var actingID types.ID
	if user != nil {
		actingID = user.ID
	}

	doc, err := h.service.Create(r.Context(), CreateRequest{
		FileContent:   fileContent,
		AnnexContent:  annexContent,
		StudentIDs:    req.StudentIDs,
		AdvisorID:     req.AdvisorID,
		CoordinatorID: req.CoordinatorID,
		DefenseDate:   req.DefenseDate,
		Grade:         req.Grade,
		Result:        req.Result,
	}, actingID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

// GetDocument gets a document by ID
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid document ID"))
		return
	}

	doc, err := h.documents.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// ListApprovals lists a document's approvals
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid document ID"))
		return
	}

	set, err := h.approvals.FindByDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  set,
		"total": len(set),
	})
}

// NewVersion replaces the document's files and reopens the approval round
func (h *Handler) NewVersion(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid document ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req struct {
		File  string `json:"file"`
		Annex string `json:"annex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	fileContent, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil {
		writeError(w, errors.BadRequest("file must be base64 encoded"))
		return
	}
	annexContent, err := base64.StdEncoding.DecodeString(req.Annex)
	if err != nil {
		writeError(w, errors.BadRequest("annex must be base64 encoded"))
		return
	}

	doc, err := h.service.NewVersion(r.Context(), id, user.ID, fileContent, annexContent)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
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
