package handler

import (
	"encoding/json"
	"net/http"

	"github.com/ayo6706/ledger-service/internal/api/middleware"
	"github.com/ayo6706/ledger-service/internal/api/problem"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/go-chi/chi/v5"
)

type AccountHandler struct {
	engine *ledger.Engine
}

func NewAccountHandler(engine *ledger.Engine) *AccountHandler {
	return &AccountHandler{engine: engine}
}

// List handles GET /accounts. Admin only.
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	accounts, err := h.engine.ListAccounts(r.Context(), p)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, accounts)
}

// Get handles GET /accounts/{name}.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	account, err := h.engine.GetAccount(r.Context(), p, chi.URLParam(r, "name"))
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, account)
}

// Put handles PUT /accounts/{name}.
func (h *AccountHandler) Put(w http.ResponseWriter, r *http.Request) {
	var in ledger.AccountInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		RespondError(w, r, http.StatusBadRequest, problem.SlugInvalidBody, "Invalid request body")
		return
	}

	p := middleware.PrincipalFromContext(r.Context())
	account, created, err := h.engine.UpsertAccount(r.Context(), p, chi.URLParam(r, "name"), in)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	RespondJSON(w, status, account)
}
