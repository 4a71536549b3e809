package middleware

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webldap/internal/config"
	"webldap/internal/logger"
	"webldap/internal/rate"
	"webldap/internal/service"
	"webldap/internal/util"
)

// RequestIDMiddleware tags the request and its logger with a fresh id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		ctx := WithRequestID(r.Context(), rid)
		ctx = logger.ToContext(ctx, logger.L().With(zap.String("request_id", rid)))
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClearSessionCookies expires the session and CSRF cookies.
func ClearSessionCookies(w http.ResponseWriter, r *http.Request, cfg config.Config) {
	secure := cfg.ResolveCookieSecure(r)
	for _, name := range []string{cfg.SessionCookieName, cfg.CSRFCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == cfg.SessionCookieName,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// Authn resolves the session cookie into a service.Actor bound to the
// directory as the user. A session whose bind is rejected is revoked and its
// cookies cleared.
func Authn(svc *service.Service, cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := RequestID(r.Context())
			c, err := r.Cookie(cfg.SessionCookieName)
			if err != nil || c.Value == "" {
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", rid)
				return
			}
			sess, err := svc.ValidateSession(r.Context(), c.Value)
			if err != nil {
				ClearSessionCookies(w, r, cfg)
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid session", rid)
				return
			}
			a, err := svc.Authenticate(r.Context(), sess)
			if errors.Is(err, service.ErrInvalidCredentials) {
				if rerr := svc.EndSession(r.Context(), sess); rerr != nil {
					logger.From(r.Context()).Warn("revoke session", zap.Error(rerr))
				}
				ClearSessionCookies(w, r, cfg)
				util.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials, log in again", rid)
				return
			}
			if err != nil {
				logger.From(r.Context()).Error("authenticate session", zap.Error(err))
				util.WriteError(w, http.StatusBadGateway, "directory_error", "directory unavailable", rid)
				return
			}
			defer a.Close()
			ctx := WithSession(r.Context(), a.Session)
			ctx = WithActor(ctx, a)
			ctx = logger.ToContext(ctx, logger.From(ctx).With(zap.String("uid", a.UID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalSession attaches the session when the cookie names a live one and
// lets anonymous requests through.
func OptionalSession(svc *service.Service, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
				if sess, err := svc.ValidateSession(r.Context(), c.Value); err == nil {
					r = r.WithContext(WithSession(r.Context(), sess))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := Actor(r.Context())
		if !ok || !a.IsAdmin {
			util.WriteError(w, http.StatusForbidden, "forbidden", "admin role required", RequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func CSRFFromCookie(cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			h := r.Header.Get("X-CSRF-Token")
			c, err := r.Cookie(cookieName)
			if err != nil || c.Value == "" || h == "" {
				util.WriteError(w, http.StatusForbidden, "csrf_failed", "missing csrf token", RequestID(r.Context()))
				return
			}
			if subtle.ConstantTimeCompare([]byte(h), []byte(c.Value)) != 1 {
				util.WriteError(w, http.StatusForbidden, "csrf_failed", "invalid csrf token", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RateLimit(l *rate.Limiter, route string, limit int, window time.Duration, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + ClientIP(r, trustProxy)
			if !l.Allow(key, limit, window) {
				util.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		logger.From(r.Context()).Info("request",
			zap.String("method", r.Method),
			zap.String("path", redactToken(r.URL.Path)),
			zap.Int("status", sr.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("remote_ip", ClientIP(r, false)),
		)
	})
}

// redactToken hides confirmation tokens, which are bearer secrets.
func redactToken(path string) string {
	const marker = "/process/"
	i := strings.Index(path, marker)
	if i < 0 {
		return path
	}
	return path[:i+len(marker)] + "[token]"
}
