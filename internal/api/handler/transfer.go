package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ayo6706/ledger-service/internal/api/middleware"
	"github.com/ayo6706/ledger-service/internal/api/problem"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/ayo6706/ledger-service/internal/models"
	"github.com/ayo6706/ledger-service/internal/observability"
	"github.com/go-chi/chi/v5"
)

type TransferHandler struct {
	engine *ledger.Engine
}

func NewTransferHandler(engine *ledger.Engine) *TransferHandler {
	return &TransferHandler{engine: engine}
}

// transferResource shadows the stored uuid with the absolute id URI.
type transferResource struct {
	*models.Transfer
	ID string `json:"id"`
}

func (h *TransferHandler) resource(t *models.Transfer) transferResource {
	return transferResource{Transfer: t, ID: h.engine.TransferURI(t.ID)}
}

// Get handles GET /transfers/{id}.
func (h *TransferHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	t, err := h.engine.GetTransfer(r.Context(), id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, h.resource(t))
}

// Put handles PUT /transfers/{id}: create or advance per the state machine.
func (h *TransferHandler) Put(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var in ledger.TransferInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		RespondError(w, r, http.StatusBadRequest, problem.SlugInvalidBody, "Invalid request body")
		return
	}
	if err := ledger.ValidateTransferID(in.ID, id, h.engine.BaseURI()); err != nil {
		WriteEngineError(w, r, err)
		return
	}

	p := middleware.PrincipalFromContext(r.Context())
	t, created, err := h.engine.UpsertTransfer(r.Context(), p, id, in)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	observability.IncrementTransferTransition(t.State)
	RespondJSON(w, status, h.resource(t))
}

// GetState handles GET /transfers/{id}/state.
func (h *TransferHandler) GetState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	t, err := h.engine.GetTransfer(r.Context(), id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{
		"type":  "transfer",
		"id":    h.engine.TransferURI(t.ID),
		"state": t.State,
	})
}

// PutFulfillment handles PUT /transfers/{id}/fulfillment.
func (h *TransferHandler) PutFulfillment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		RespondError(w, r, http.StatusBadRequest, problem.SlugInvalidBody, "fulfillment must be a JSON document")
		return
	}

	p := middleware.PrincipalFromContext(r.Context())
	t, err := h.engine.SetFulfillment(r.Context(), p, id, body)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	observability.IncrementTransferTransition(t.State)
	RespondJSON(w, http.StatusOK, h.resource(t))
}

// GetFulfillment handles GET /transfers/{id}/fulfillment.
func (h *TransferHandler) GetFulfillment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	fulfillment, err := h.engine.GetFulfillment(r.Context(), id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(fulfillment)
}
