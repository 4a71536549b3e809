package middleware

import (
	"context"
	"net/http"

	"webldap/internal/models"
	"webldap/internal/service"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxActor     ctxKey = "actor"
	ctxSession   ctxKey = "session"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func WithActor(ctx context.Context, a *service.Actor) context.Context {
	return context.WithValue(ctx, ctxActor, a)
}

// Actor is set by Authn for the lifetime of one request.
func Actor(ctx context.Context) (*service.Actor, bool) {
	a, ok := ctx.Value(ctxActor).(*service.Actor)
	return a, ok && a != nil
}

func WithSession(ctx context.Context, s models.Session) context.Context {
	return context.WithValue(ctx, ctxSession, s)
}

func Session(ctx context.Context) (models.Session, bool) {
	s, ok := ctx.Value(ctxSession).(models.Session)
	return s, ok
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; "+
				"script-src 'self'; frame-ancestors 'none'; base-uri 'self'")
		next.ServeHTTP(w, r)
	})
}
