package middleware

import (
	"net/http"

	"github.com/ayo6706/ledger-service/internal/api/problem"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecoverMiddleware converts panics into opaque 500 problem responses. The
// reference id ties the caller's report back to the logged stack context; the
// panic value itself never reaches the wire, since a transfer payload or
// account name inside it must not leak to other principals.
func RecoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					refID := uuid.NewString()
					fields := []zap.Field{
						zap.Any("panic", rec),
						zap.String("reference", refID),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method),
						zap.String("request_id", TraceIDFromContext(r.Context())),
					}
					if p := PrincipalFromContext(r.Context()); !p.Anonymous() {
						fields = append(fields, zap.String("principal", p.Name))
					}
					logger.Error("panic recovered", fields...)

					problem.Write(
						w,
						r,
						http.StatusInternalServerError,
						problem.Type(problem.SlugInternal),
						http.StatusText(http.StatusInternalServerError),
						"unexpected server error, reference "+refID,
					)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
