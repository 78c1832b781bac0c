package problem

import (
	"encoding/json"
	"net/http"
)

const contentType = "application/problem+json"
const baseTypeURL = "https://errors.ledger.example.com/"

// Problem type slugs, one per error kind the engine surfaces. Handlers and
// middleware share this vocabulary so a given failure always maps to the
// same problem type URI.
const (
	SlugInvalidRequest    = "request/invalid"
	SlugInvalidBody       = "request/invalid-body"
	SlugInvalidID         = "request/invalid-id"
	SlugUnprocessable     = "request/unprocessable"
	SlugNotFound          = "not-found"
	SlugUnauthorized      = "auth/unauthorized"
	SlugForbidden         = "auth/insufficient-permissions"
	SlugInsufficientFunds = "transfer/insufficient-funds"
	SlugInvalidTransition = "transfer/invalid-transition"
	SlugConflict          = "store/conflict"
	SlugRateLimited       = "rate-limit-exceeded"
	SlugInternal          = "internal-server-error"
)

// Details represents RFC 7807 Problem Details.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
}

func Type(slug string) string {
	return baseTypeURL + slug
}

// Write sends RFC 7807-compliant errors.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	if title == "" {
		title = http.StatusText(status)
	}
	if problemType == "" {
		problemType = "about:blank"
	}
	instance := ""
	requestID := ""
	if r != nil {
		instance = r.URL.Path
		requestID = r.Header.Get("X-Trace-ID")
	}
	if requestID == "" {
		requestID = w.Header().Get("X-Trace-ID")
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Details{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		RequestID: requestID,
	})
}
