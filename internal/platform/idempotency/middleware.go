package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var errInFlight = echo.NewHTTPError(http.StatusConflict, "a request with this idempotency key is in progress")

const (
	HeaderKey       = "Idempotency-Key"
	HeaderLegacyKey = "X-Idempotency-Key"
	HeaderReplayed  = "X-Idempotency-Replayed"
)

// Middleware replays stored responses for retried POST, PUT and PATCH
// requests carrying an idempotency key. Only 2xx responses are stored, so a
// rejected or failed request can be retried with the same key. Reusing a key
// for another route or another body is a 422; a retry that arrives while the
// first attempt is still running, in this process or on another replica
// sharing the store, is a 409. Store failures are logged and the request
// runs without idempotency.
func Middleware(store Store, logger zerolog.Logger) echo.MiddlewareFunc {
	var inflight sync.Map

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			method := req.Method
			if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
				return next(c)
			}
			key := req.Header.Get(HeaderKey)
			if key == "" {
				key = req.Header.Get(HeaderLegacyKey)
			}
			if key == "" {
				return next(c)
			}
			if len(key) > 255 {
				return echo.NewHTTPError(http.StatusBadRequest, "idempotency key too long")
			}

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return err
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := fingerprintOf(body)
			path := req.URL.Path
			ctx := req.Context()

			// Claim before lookup: only the claim holder may see a miss.
			if _, busy := inflight.LoadOrStore(key, struct{}{}); busy {
				return errInFlight
			}
			defer inflight.Delete(key)

			locked, err := store.Lock(ctx, key)
			if err != nil {
				logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency store unavailable")
				return next(c)
			}
			if !locked {
				return errInFlight
			}
			defer func() {
				if err := store.Unlock(context.WithoutCancel(ctx), key); err != nil {
					logger.Warn().Err(err).Str("idempotency_key", key).Msg("failed to release idempotency key")
				}
			}()

			cached, found, err := store.Get(ctx, key)
			if err != nil {
				logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency store unavailable")
				return next(c)
			}
			if found {
				if cached.Method != method || cached.Path != path || cached.Fingerprint != fingerprint {
					return echo.NewHTTPError(http.StatusUnprocessableEntity,
						"idempotency key was already used for a different request")
				}
				return replay(c, cached)
			}

			origWriter := c.Response().Writer
			rec := &recorder{
				ResponseWriter: origWriter,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
				headers:        make(http.Header),
			}
			c.Response().Writer = rec
			err = next(c)
			c.Response().Writer = origWriter
			if err != nil {
				return err
			}

			if rec.statusCode >= 200 && rec.statusCode < 300 {
				entry := &Entry{
					Key:         key,
					Method:      method,
					Path:        path,
					Fingerprint: fingerprint,
					StatusCode:  rec.statusCode,
					Headers:     rec.headers.Clone(),
					Body:        rec.body.Bytes(),
				}
				if err := store.Set(ctx, key, entry); err != nil {
					logger.Warn().Err(err).Str("idempotency_key", key).Msg("failed to store idempotent response")
				}
			}

			for k, vals := range rec.headers {
				origWriter.Header()[k] = vals
			}
			origWriter.WriteHeader(rec.statusCode)
			_, err = origWriter.Write(rec.body.Bytes())
			return err
		}
	}
}

func fingerprintOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func replay(c echo.Context, cached *Entry) error {
	resp := c.Response()
	for k, vals := range cached.Headers {
		resp.Header()[k] = vals
	}
	resp.Header().Set(HeaderReplayed, "true")
	resp.WriteHeader(cached.StatusCode)
	_, err := resp.Write(cached.Body)
	return err
}

// recorder buffers the downstream response so it can be stored before it
// reaches the client.
type recorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *recorder) Header() http.Header {
	return r.headers
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHead {
		return
	}
	r.statusCode = code
	r.wroteHead = true
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}
