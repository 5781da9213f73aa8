package http

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/idempotency"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	identityKey
)

const minIdempotencyKeyLen = 16

// Identity is the authenticated caller.
type Identity struct {
	UserID uuid.UUID
	Admin  bool
}

// Claims is the bearer token payload. The subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// LoggerFrom returns the request-scoped logger, or a no-op logger outside a request.
func LoggerFrom(ctx context.Context) observability.Logger {
	if l, ok := ctx.Value(loggerKey).(observability.Logger); ok {
		return l
	}
	return observability.NewNopLogger()
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithField("request_id", reqID)
			ctx := context.WithValue(r.Context(), loggerKey, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware counts requests by route pattern and logs each one.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
		LoggerFrom(r.Context()).
			WithField("method", r.Method).
			WithField("route", route).
			WithField("status", status).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Debug("request served")
	})
}

// JWTMiddleware accepts RS256 bearer tokens signed by key and puts the caller
// identity into the request context.
func JWTMiddleware(key *rsa.PublicKey) func(next http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())
	keyFunc := func(*jwt.Token) (interface{}, error) { return key, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing bearer token"})
				return
			}
			claims := &Claims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: err.Error()})
				return
			}
			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "subject is not a user id"})
				return
			}
			ctx := WithIdentity(r.Context(), Identity{UserID: userID, Admin: claims.Role == "admin"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Replayer stores and replays responses by idempotency key.
type Replayer interface {
	Begin(ctx context.Context, key string) (*idempotency.Response, error)
	Finish(ctx context.Context, key string, resp idempotency.Response) error
	Abort(ctx context.Context, key string) error
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// IdempotencyMiddleware requires an Idempotency-Key on POST requests and
// replays the first response seen for a key. Keys are scoped to the caller.
// Server errors are not stored so the client can retry them.
func IdempotencyMiddleware(idemp Replayer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "missing Idempotency-Key"})
				return
			}
			if len(key) < minIdempotencyKeyLen {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "invalid Idempotency-Key"})
				return
			}
			if id, ok := IdentityFrom(r.Context()); ok {
				key = id.UserID.String() + ":" + key
			}
			key = r.Method + ":" + r.URL.Path + ":" + key

			stored, err := idemp.Begin(r.Context(), key)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if stored != nil {
				w.Header().Set("Content-Type", stored.ContentType)
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Result)
				return
			}

			rec := &recorder{ResponseWriter: w}
			defer func() {
				log := LoggerFrom(r.Context())
				if rec.status == 0 || rec.status >= http.StatusInternalServerError {
					if err := idemp.Abort(r.Context(), key); err != nil {
						log.WithError(err).Warn("idempotency abort failed")
					}
					return
				}
				resp := idempotency.Response{
					Status:      rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Result:      rec.body.Bytes(),
				}
				if err := idemp.Finish(r.Context(), key, resp); err != nil {
					log.WithError(err).Warn("idempotency store failed")
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// Limiter counts hits per key in a time window.
type Limiter interface {
	Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error)
}

type limit struct {
	key  string
	rate int
}

// RateLimitMiddleware applies perUser to authenticated callers and perIP to
// everyone. A limiter outage lets requests through.
func RateLimitMiddleware(rl Limiter, perUser, perIP int) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			checks := []limit{{"ip:" + clientIP(r), perIP}}
			if id, ok := IdentityFrom(ctx); ok {
				checks = append(checks, limit{"user:" + id.UserID.String(), perUser})
			}
			for _, c := range checks {
				ok, err := rl.Allow(ctx, c.key, c.rate, time.Minute)
				if err != nil {
					LoggerFrom(ctx).WithError(err).Warn("rate limiter unavailable")
					continue
				}
				if !ok {
					observability.RateLimitExceeded.Inc()
					w.Header().Set("Retry-After", "60")
					writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "rate limit exceeded"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		tracer := otel.Tracer("http")
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
