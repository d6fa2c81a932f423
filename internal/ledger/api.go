package ledger

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/auth"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Handler provides HTTP handlers for ledger verification
type Handler struct {
	gateway *Gateway
}

// NewHandler creates a new ledger handler
func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

// Routes registers the ledger routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/verify", h.VerifyDocument)
	r.Post("/documents/{documentID}/register", h.RegisterDocument)

	return r
}

// VerifyDocument resolves the document behind a storage locator and checks
// its hashes and signatures against the ledger, reading through the caller's
// own trust domain
func (h *Handler) VerifyDocument(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}
	role := org.Role(user.Role)
	if !role.Valid() {
		writeError(w, errors.Forbidden("caller has no defense role"))
		return
	}

	locator := r.URL.Query().Get("locator")
	if locator == "" {
		writeError(w, errors.BadRequest("locator is required"))
		return
	}

	result, err := h.gateway.VerifyDocument(r.Context(), user.ID, role, locator)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// RegisterDocument re-triggers notarization of a fully-approved document.
// Normally notarization happens automatically after the final approval; this
// endpoint lets the coordinator push a document whose automatic registration
// failed permanently.
func (h *Handler) RegisterDocument(w http.ResponseWriter, r *http.Request) {
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
	if org.Role(user.Role) != org.RoleCoordinator {
		writeError(w, errors.Forbidden("only the coordinator can trigger registration"))
		return
	}

	notarizationID, err := h.gateway.RegisterDocument(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"notarization_id": notarizationID})
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
