package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ayo6706/ledger-service/internal/api/middleware"
	"github.com/ayo6706/ledger-service/internal/api/problem"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/ayo6706/ledger-service/internal/observability"
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// WriteEngineError maps engine errors onto the HTTP error surface.
func WriteEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		RespondError(w, r, http.StatusNotFound, problem.SlugNotFound, err.Error())
	case errors.Is(err, ledger.ErrForbidden):
		RespondError(w, r, http.StatusForbidden, problem.SlugForbidden, err.Error())
	case errors.Is(err, ledger.ErrInvalidRequest):
		RespondError(w, r, http.StatusBadRequest, problem.SlugInvalidRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		RespondError(w, r, http.StatusUnprocessableEntity, problem.SlugInsufficientFunds, err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		RespondError(w, r, http.StatusUnprocessableEntity, problem.SlugInvalidTransition, err.Error())
	case errors.Is(err, ledger.ErrUnprocessable):
		RespondError(w, r, http.StatusUnprocessableEntity, problem.SlugUnprocessable, err.Error())
	case errors.Is(err, store.ErrConflict):
		observability.IncrementStoreConflict()
		RespondError(w, r, http.StatusConflict, problem.SlugConflict, "the request could not be serialized, retry")
	default:
		errID := uuid.NewString()
		zap.L().Error("internal error",
			zap.Error(err),
			zap.String("error_id", errID),
			zap.String("path", r.URL.Path),
			zap.String("trace_id", middleware.TraceIDFromContext(r.Context())),
		)
		RespondError(w, r, http.StatusInternalServerError, problem.SlugInternal, "unexpected error, reference "+errID)
	}
}

func pathUUID(r *http.Request, w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, problem.SlugInvalidID, "path id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}
