package handler

import (
	"net/http"
	"time"

	"github.com/ayo6706/ledger-service/internal/api/middleware"
)

type AuthHandler struct {
	gate *middleware.AuthGate
}

func NewAuthHandler(gate *middleware.AuthGate) *AuthHandler {
	return &AuthHandler{gate: gate}
}

// Token handles POST /auth/token: exchanges any accepted credential for a
// short-lived bearer token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	token, expires, err := h.gate.MintToken(p)
	if err != nil {
		RespondError(w, r, http.StatusServiceUnavailable, "auth/tokens-unavailable", err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}
