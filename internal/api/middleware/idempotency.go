package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/ayo6706/ledger-service/internal/api/problem"
	"github.com/ayo6706/ledger-service/internal/cache"
	"github.com/ayo6706/ledger-service/internal/observability"
	"go.uber.org/zap"
)

// IdempotencyMiddleware replays cached responses for mutating requests that
// repeat an Idempotency-Key. The header is optional: the engine is already
// idempotent at the body level, so requests without it pass straight through.
func IdempotencyMiddleware(replay *cache.Replay, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if replay == nil || (r.Method != http.MethodPut && r.Method != http.MethodPost && r.Method != http.MethodDelete) {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				problem.Write(w, r, http.StatusBadRequest, problem.Type(problem.SlugInvalidBody),
					http.StatusText(http.StatusBadRequest), "Failed to read request body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			reqHash := hashRequest(r.Method, r.URL.Path, bodyBytes)
			rec, err := replay.Lookup(r.Context(), key, reqHash)
			if err == nil {
				observability.IncrementIdempotencyEvent("replay")
				w.Header().Set("Content-Type", rec.ContentType)
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(rec.Status)
				_, _ = w.Write(rec.Body)
				return
			}
			if errors.Is(err, cache.ErrHashMismatch) {
				observability.IncrementIdempotencyEvent("hash_mismatch")
				problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/key-conflict"),
					http.StatusText(http.StatusConflict), "conflicting idempotency key")
				return
			}
			if !errors.Is(err, cache.ErrNotFound) {
				observability.IncrementIdempotencyEvent("lookup_error")
				logger.Warn("idempotency lookup failed", zap.Error(err))
			}

			recorder := &bodyRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			contentType := recorder.Header().Get("Content-Type")
			if contentType == "" {
				contentType = "application/json"
			}
			if err := replay.Save(r.Context(), cache.Record{
				Key:         key,
				RequestHash: reqHash,
				Status:      recorder.status,
				Body:        recorder.body.Bytes(),
				ContentType: contentType,
			}); err != nil {
				observability.IncrementIdempotencyEvent("save_error")
				logger.Warn("idempotency save failed", zap.Error(err), zap.String("key", key))
			} else {
				observability.IncrementIdempotencyEvent("saved")
			}
		})
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256(append([]byte(method+"|"+path+"|"), body...))
	return hex.EncodeToString(sum[:])
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (br *bodyRecorder) WriteHeader(code int) {
	br.status = code
	br.ResponseWriter.WriteHeader(code)
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	if br.status == 0 {
		br.status = http.StatusOK
	}
	br.body.Write(b)
	return br.ResponseWriter.Write(b)
}
