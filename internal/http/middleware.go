package http

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/cinema-seat-booking/internal/idempotency"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/robertarktes/cinema-seat-booking/internal/rateLimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelhttp "go.opentelemetry.io/otel/propagation"
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithFields(map[string]interface{}{
				"request_id": reqID,
				"method":     r.Method,
				"path":       r.URL.Path,
			})
			ctx := context.WithValue(r.Context(), loggerKey, entry)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			entry.WithFields(map[string]interface{}{
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("request served")
		})
	}
}

func loggerFrom(ctx context.Context) observability.Logger {
	if l, ok := ctx.Value(loggerKey).(observability.Logger); ok {
		return l
	}
	return observability.NopLogger()
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status()), r.Method).Inc()
	})
}

// IdempotencyMiddleware replays the stored response of a POST whose
// Idempotency-Key was already served for the same caller and route. The header
// is optional; 5xx responses are not stored so the client can retry them.
func IdempotencyMiddleware(idemp *idempotency.Idempotency) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if idemp == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, _ := IdentityFrom(r.Context())
			key, err := idempotency.Key(id.UserID, r.Method, r.URL.Path, clientKey)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Kind: "InvalidInput", Message: err.Error()})
				return
			}

			ctx := r.Context()
			log := loggerFrom(ctx)
			stored, err := idemp.Get(ctx, key)
			if err != nil {
				log.WithError(err).Warn("idempotency lookup failed, serving request")
				next.ServeHTTP(w, r)
				return
			}
			if stored != nil {
				w.Header().Set("Content-Type", stored.ContentType)
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				w.Write(stored.Body)
				return
			}

			if err := idemp.Begin(ctx, key); err != nil {
				if errors.Is(err, idempotency.ErrInFlight) {
					writeJSON(w, http.StatusConflict, errorBody{Kind: "IdempotencyInFlight", Message: err.Error()})
					return
				}
				log.WithError(err).Warn("idempotency reservation failed, serving request")
				next.ServeHTTP(w, r)
				return
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			var resp *idempotency.Response
			if ww.Status() < http.StatusInternalServerError {
				resp = &idempotency.Response{
					Status:      ww.Status(),
					ContentType: ww.Header().Get("Content-Type"),
					Body:        body.Bytes(),
				}
			}
			if err := idemp.Finish(context.WithoutCancel(ctx), key, resp); err != nil {
				log.WithError(err).Warn("failed to store idempotent response")
			}
		})
	}
}

// RateLimitMiddleware limits each authenticated caller, and each client
// address, to a fixed number of requests per minute.
func RateLimitMiddleware(rl *rateLimit.RateLimiter, perUser, perIP int) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id, ok := IdentityFrom(ctx); ok && !rl.Allow(ctx, "user:"+id.UserID, perUser, time.Minute) {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Kind: "RateLimited", Message: "rate limit exceeded"})
				return
			}
			if !rl.Allow(ctx, "ip:"+clientIP(r), perIP, time.Minute) {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Kind: "RateLimited", Message: "rate limit exceeded"})
				return
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
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), otelhttp.HeaderCarrier(r.Header))
		tracer := otel.Tracer("http")
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
