package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"webldap/internal/logger"
	"webldap/internal/middleware"
	"webldap/internal/service"
	"webldap/internal/util"
)

type loginRequest struct {
	UID      string `json:"uid"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, sess, err := h.svc.Login(r.Context(), req.UID, req.Password, middleware.ClientIP(r, h.cfg.TrustProxy), r.UserAgent())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	csrfToken := randomToken()
	h.setAuthCookies(w, r, token, csrfToken)
	util.WriteJSON(w, http.StatusOK, map[string]string{"uid": sess.UID, "csrf_token": csrfToken})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if c, _ := r.Cookie(h.cfg.SessionCookieName); c != nil && c.Value != "" {
		if err := h.svc.Logout(r.Context(), c.Value); err != nil {
			logger.From(r.Context()).Warn("logout", zap.Error(err))
		}
	}
	middleware.ClearSessionCookies(w, r, h.cfg)
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type passwordRequest struct {
	UID          string `json:"uid"`
	Email        string `json:"email"`
	CaptchaToken string `json:"captcha_token"`
}

// PasswordRequest answers the same way whether or not the uid/mail pair
// exists.
func (h *Handlers) PasswordRequest(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.captchaVerifier.Verify(r.Context(), strings.TrimSpace(req.CaptchaToken), middleware.ClientIP(r, h.cfg.TrustProxy)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.UID, req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "if the account exists, a link has been sent to its address",
	})
}

func (h *Handlers) Inspect(w http.ResponseWriter, r *http.Request) {
	in, err := h.svc.Inspect(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_, loggedIn := middleware.Session(r.Context())
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"kind":           in.Kind,
		"uid":            in.UID,
		"requires_login": in.RequiresLogin,
		"logged_in":      loggedIn,
	})
}

type processRequest struct {
	Nick     string `json:"nick"`
	Password string `json:"password"`
}

// Process confirms a request. A confirmation that needs another user's
// session, or whose session no longer binds, logs the current one out and
// points the client at the login page.
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req processRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		util.WriteError(w, http.StatusBadRequest, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	in := service.ConfirmInput{Nick: req.Nick, Password: req.Password}
	sess, hasSession := middleware.Session(r.Context())
	if hasSession {
		in.Session = &sess
	}

	out, err := h.svc.Confirm(r.Context(), token, in)
	if errors.Is(err, service.ErrSessionMismatch) || errors.Is(err, service.ErrInvalidCredentials) {
		if hasSession {
			if rerr := h.svc.EndSession(context.WithoutCancel(r.Context()), sess); rerr != nil {
				logger.From(r.Context()).Warn("end session", zap.Error(rerr))
			}
		}
		middleware.ClearSessionCookies(w, r, h.cfg)
		_, code := statusFor(err)
		util.WriteErrorFields(w, http.StatusUnauthorized, code, err.Error(), middleware.RequestID(r.Context()),
			map[string]string{"login_url": "/login?next=" + url.QueryEscape("/process/"+token)})
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"uid":        a.UID,
		"dn":         a.DN,
		"is_admin":   a.IsAdmin,
		"expires_at": a.Session.ExpiresAt,
	})
}

func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Profile(r.Context(), actor(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req service.ProfileUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.UpdateProfile(r.Context(), actor(r), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

func (h *Handlers) GetOrg(w http.ResponseWriter, r *http.Request) {
	org, err := h.svc.Org(r.Context(), actor(r), chi.URLParam(r, "org"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, org)
}

func (h *Handlers) RequestAccount(w http.ResponseWriter, r *http.Request) {
	var req service.AccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RequestAccount(r.Context(), actor(r), chi.URLParam(r, "org"), req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "pending", "uid": strings.ToLower(strings.TrimSpace(req.UID))})
}

func (h *Handlers) setOwner(owner bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.svc.SetOwner(r.Context(), actor(r), chi.URLParam(r, "org"), chi.URLParam(r, "uid"), owner); err != nil {
			writeServiceError(w, r, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]any{"uid": chi.URLParam(r, "uid"), "owner": owner})
	}
}

// privilege adapts one of the admin-only user operations to a handler.
func (h *Handlers) privilege(op func(context.Context, *service.Actor, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "uid")
		if err := op(r.Context(), actor(r), uid); err != nil {
			writeServiceError(w, r, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "uid": uid})
	}
}

func (h *Handlers) AdminOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.svc.AdminOrgs(r.Context(), actor(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"orgs": orgs})
}

type createOrgRequest struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

func (h *Handlers) CreateOrg(w http.ResponseWriter, r *http.Request) {
	var req createOrgRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.CreateOrg(r.Context(), actor(r), req.UID, req.Name); err != nil {
		writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]string{"uid": req.UID, "name": req.Name})
}
