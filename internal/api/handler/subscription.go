package handler

import (
	"encoding/json"
	"net/http"

	"github.com/ayo6706/ledger-service/internal/api/middleware"
	"github.com/ayo6706/ledger-service/internal/api/problem"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/go-chi/chi/v5"
)

type SubscriptionHandler struct {
	engine *ledger.Engine
}

func NewSubscriptionHandler(engine *ledger.Engine) *SubscriptionHandler {
	return &SubscriptionHandler{engine: engine}
}

// Get handles GET /subscriptions/{id}.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	p := middleware.PrincipalFromContext(r.Context())
	sub, err := h.engine.GetSubscription(r.Context(), p, id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, sub)
}

// Put handles PUT /subscriptions/{id}.
func (h *SubscriptionHandler) Put(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var in ledger.SubscriptionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		RespondError(w, r, http.StatusBadRequest, problem.SlugInvalidBody, "Invalid request body")
		return
	}

	p := middleware.PrincipalFromContext(r.Context())
	sub, created, err := h.engine.UpsertSubscription(r.Context(), p, id, in)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	RespondJSON(w, status, sub)
}

// Delete handles DELETE /subscriptions/{id}.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	p := middleware.PrincipalFromContext(r.Context())
	sub, err := h.engine.DeleteSubscription(r.Context(), p, id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, sub)
}

// GetNotification handles GET /subscriptions/{id}/notifications/{nid}.
func (h *SubscriptionHandler) GetNotification(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathUUID(r, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	nid, ok := pathUUID(r, w, chi.URLParam(r, "nid"))
	if !ok {
		return
	}
	p := middleware.PrincipalFromContext(r.Context())
	n, err := h.engine.GetNotification(r.Context(), p, sid, nid)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, n)
}
