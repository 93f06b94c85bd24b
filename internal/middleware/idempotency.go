package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/onnwee/paybalance/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayedHeader marks a response served from the idempotency cache.
const IdempotentReplayedHeader = "Idempotent-Replayed"

// maxFingerprintBytes caps how much of a request body is buffered for the
// request fingerprint. Handlers enforce their own, smaller limits.
const maxFingerprintBytes = 1 << 20

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter is a custom response writer that captures the response.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
}

// newIdempotencyResponseWriter creates a new idempotency response writer.
func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.statusCode = statusCode
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// Unwrap returns the underlying writer.
func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// keyLocks serializes in-flight requests that share an idempotency key, so a
// retry arriving while the first attempt is still running waits for its result.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// IdempotencyMiddleware returns a middleware that makes POST requests to the
// given routes idempotent when the client sends an Idempotency-Key header.
// Requests without the header pass through untouched. The first 2xx response
// for a key is stored and replayed verbatim for later requests with the same
// key; a key first used on another route is rejected with 422.
// Store failures never fail the request. metrics may be nil.
func IdempotencyMiddleware(repo idempotency.Repository, routes map[string]bool, metrics *Metrics) func(http.Handler) http.Handler {
	inflight := newKeyLocks()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !routes[r.URL.Path] || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					writeError(w, r.Context(), http.StatusBadRequest, "idempotency_key_too_long",
						"Idempotency-Key exceeds maximum length of 64 characters")
					return
				}
				writeError(w, r.Context(), http.StatusBadRequest, "invalid_idempotency_key", "Invalid Idempotency-Key format")
				return
			}

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			requestHash, err := fingerprintBody(r)
			if err != nil {
				writeError(w, ctx, http.StatusBadRequest, "invalid_request", "Failed to read request body")
				return
			}

			unlock := inflight.lock(key)
			defer unlock()

			existing, err := repo.Get(ctx, key)
			switch {
			case err == nil:
				if !existing.Matches(r.Method, r.URL.Path, requestHash) {
					slog.WarnContext(ctx, "idempotency key reused for a different request",
						"key", key,
						"stored_route", existing.Route,
						"route", r.URL.Path,
						"body_matches", existing.RequestHash == requestHash,
					)
					writeError(w, ctx, http.StatusUnprocessableEntity, "idempotency_key_mismatch",
						"Idempotency-Key was already used for a different request")
					return
				}

				slog.InfoContext(ctx, "idempotency key found, returning cached response",
					"key", key,
					"status", existing.ResponseStatusCode,
				)
				metrics.IncIdempotencyReplays(r.URL.Path)

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set(IdempotentReplayedHeader, "true")
				w.WriteHeader(existing.ResponseStatusCode)
				_, _ = io.WriteString(w, existing.ResponseBody)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				// Serve without idempotency rather than fail the request.
				metrics.IncIdempotencyErrors("get")
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			captureWriter := newIdempotencyResponseWriter(w)
			next.ServeHTTP(captureWriter, r)

			if captureWriter.statusCode < 200 || captureWriter.statusCode >= 300 {
				return
			}

			responseBody := captureWriter.body.String()
			record := &idempotency.IdempotencyKey{
				Key:                key,
				Method:             r.Method,
				Route:              r.URL.Path,
				RequestHash:        requestHash,
				Status:             idempotency.StatusCompleted,
				ResponseBody:       responseBody,
				ResponseStatusCode: captureWriter.statusCode,
			}

			// The response is already sent; failures here only cost a future replay.
			// Use a context that outlives a client disconnect.
			storeCtx := context.WithoutCancel(ctx)
			if err := repo.Store(storeCtx, record); err != nil {
				if errors.Is(err, idempotency.ErrKeyExists) {
					slog.DebugContext(ctx, "idempotency key stored by another replica", "key", key)
					return
				}
				metrics.IncIdempotencyErrors("store")
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				return
			}
			slog.InfoContext(ctx, "stored idempotency key", "key", key, "status", captureWriter.statusCode)
		})
	}
}

// fingerprintBody hashes up to maxFingerprintBytes of the request body and
// restores r.Body so the handler still reads the full stream.
func fingerprintBody(r *http.Request) (string, error) {
	if r.Body == nil {
		return idempotency.ComputeRequestHash(nil), nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFingerprintBytes))
	if err != nil {
		return "", err
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
	return idempotency.ComputeRequestHash(body), nil
}
