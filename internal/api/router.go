package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"webldap/internal/captcha"
	"webldap/internal/config"
	"webldap/internal/metrics"
	"webldap/internal/middleware"
	"webldap/internal/rate"
	"webldap/internal/service"
	"webldap/internal/util"
	"webldap/internal/version"
)

type Handlers struct {
	cfg             config.Config
	svc             *service.Service
	limiter         *rate.Limiter
	captchaVerifier captcha.Verifier
	help            []byte
}

// Option tweaks the router, mostly for tests.
type Option func(*Handlers)

func WithCaptchaVerifier(v captcha.Verifier) Option {
	return func(h *Handlers) { h.captchaVerifier = v }
}

func NewRouter(cfg config.Config, svc *service.Service, m *metrics.Metrics, opts ...Option) http.Handler {
	h := &Handlers{
		cfg:             cfg,
		svc:             svc,
		limiter:         rate.NewLimiter(),
		captchaVerifier: captcha.NewVerifier(cfg),
		help:            renderHelp(),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(m.Instrument)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Current()})
	})
	r.Get("/health/ready", h.Ready)
	if cfg.MetricsEnabled && m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Get("/help", h.Help)

	lim := func(route string, n int) func(http.Handler) http.Handler {
		return middleware.RateLimit(h.limiter, route, n, time.Minute, h.cfg.TrustProxy)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(lim("login", 20)).Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.With(lim("password_request", 10)).Post("/password/request", h.PasswordRequest)

		r.Route("/process/{token}", func(r chi.Router) {
			r.Use(middleware.OptionalSession(h.svc, h.cfg.SessionCookieName))
			r.With(lim("process_inspect", 60)).Get("/", h.Inspect)
			r.With(lim("process_confirm", 20)).Post("/", h.Process)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc, h.cfg))
			r.Use(middleware.CSRFFromCookie(h.cfg.CSRFCookieName))
			r.Get("/me", h.Me)
			r.Get("/profile", h.GetProfile)
			r.Post("/profile", h.UpdateProfile)

			r.Route("/orgs/{org}", func(r chi.Router) {
				r.Get("/", h.GetOrg)
				r.With(lim("request_account", 30)).Post("/members", h.RequestAccount)
				r.Post("/members/{uid}/promote", h.setOwner(true))
				r.Post("/members/{uid}/relegate", h.setOwner(false))
				r.Group(func(r chi.Router) {
					r.Use(middleware.AdminOnly)
					r.Post("/members/{uid}/ssh/enable", h.privilege(h.svc.EnableSSH))
					r.Post("/members/{uid}/ssh/disable", h.privilege(h.svc.DisableSSH))
					r.Post("/members/{uid}/admin/enable", h.privilege(h.svc.EnableAdmin))
					r.Post("/members/{uid}/admin/disable", h.privilege(h.svc.DisableAdmin))
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.AdminOnly)
				r.Get("/orgs", h.AdminOrgs)
				r.Post("/orgs", h.CreateOrg)
			})
		})
	})

	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	out := map[string]any{"checked_at": time.Now().UTC().Format(time.RFC3339)}
	if err := h.svc.Ready(ctx); err != nil {
		out["status"] = "degraded"
		out["error"] = err.Error()
		util.WriteJSON(w, http.StatusServiceUnavailable, out)
		return
	}
	out["status"] = "ready"
	util.WriteJSON(w, http.StatusOK, out)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		util.WriteError(w, http.StatusBadRequest, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return false
	}
	return true
}

func actor(r *http.Request) *service.Actor {
	a, _ := middleware.Actor(r.Context())
	return a
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (h *Handlers) setAuthCookies(w http.ResponseWriter, r *http.Request, sessionToken, csrfToken string) {
	secure := h.cfg.ResolveCookieSecure(r)
	maxAge := int(h.cfg.SessionAbsoluteDuration().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}
