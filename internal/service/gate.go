package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webldap/internal/auth"
	"webldap/internal/directory"
	"webldap/internal/logger"
	"webldap/internal/models"
	"webldap/internal/store"
	"webldap/internal/util"
)

// Actor is the authenticated caller of one web request. Conn is bound as the
// user and must be closed when the request ends.
type Actor struct {
	Session models.Session
	UID     string
	DN      string
	IsAdmin bool
	Conn    directory.Conn
}

func (a *Actor) Close() error {
	if a == nil || a.Conn == nil {
		return nil
	}
	return a.Conn.Close()
}

// Login verifies the credentials with a bind and opens a web session holding
// the encrypted bind password.
func (s *Service) Login(ctx context.Context, uid, password, ip, userAgent string) (string, models.Session, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" || password == "" {
		return "", models.Session{}, ErrInvalidCredentials
	}
	dn := s.layout.UserDN(uid)
	conn, err := s.dir.Dial(ctx, dn, password)
	if err != nil {
		return "", models.Session{}, dirErr("bind", err)
	}
	_ = conn.Close()

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return "", models.Session{}, err
	}
	secret, err := util.EncryptString(s.encryptKey, password)
	if err != nil {
		return "", models.Session{}, err
	}
	now := s.now()
	sess := models.Session{
		ID:            uuid.NewString(),
		UID:           uid,
		BindDN:        dn,
		TokenHash:     tokenHash,
		BindSecret:    secret,
		IPHint:        ip,
		UserAgentHash: hashUA(userAgent),
		ExpiresAt:     now.Add(s.cfg.SessionAbsoluteDuration()),
		IdleExpiresAt: now.Add(s.cfg.SessionIdleDuration()),
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return "", models.Session{}, err
	}
	logger.From(ctx).Info("login", zap.String("uid", uid))
	return raw, sess, nil
}

// ValidateSession resolves a session cookie without touching the directory.
func (s *Service) ValidateSession(ctx context.Context, rawToken string) (models.Session, error) {
	sess, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return models.Session{}, ErrInvalidCredentials
	}
	now := s.now()
	if sess.RevokedAt != nil || now.After(sess.ExpiresAt) || now.After(sess.IdleExpiresAt) {
		return models.Session{}, ErrInvalidCredentials
	}
	_ = s.st.TouchSession(ctx, sess.ID, now.Add(s.cfg.SessionIdleDuration()))
	return sess, nil
}

// Authenticate binds as the session's user and resolves the admin flag. A
// rejected bind means the stored password is stale; the caller should end
// the session.
func (s *Service) Authenticate(ctx context.Context, sess models.Session) (*Actor, error) {
	if strings.TrimSpace(sess.BindSecret) == "" {
		return nil, ErrInvalidCredentials
	}
	password, err := util.DecryptString(s.encryptKey, sess.BindSecret)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	conn, err := s.dir.Dial(ctx, sess.BindDN, password)
	if err != nil {
		return nil, dirErr("bind", err)
	}
	a := &Actor{Session: sess, UID: sess.UID, DN: sess.BindDN, Conn: conn}

	now := s.now()
	if sess.IsAdmin != nil && !s.adminStale(sess, now) {
		a.IsAdmin = *sess.IsAdmin
		return a, nil
	}
	isAdmin, err := s.isAdmin(ctx, conn, sess.BindDN)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.st.SetSessionAdmin(ctx, sess.ID, isAdmin, now); err != nil {
		logger.From(ctx).Warn("cache admin flag", zap.Error(err))
	}
	a.IsAdmin = isAdmin
	a.Session.IsAdmin = &isAdmin
	a.Session.AdminChecked = &now
	return a, nil
}

func (s *Service) adminStale(sess models.Session, now time.Time) bool {
	if s.cfg.AdminRecheckInterval <= 0 {
		return false
	}
	return sess.AdminChecked == nil || now.Sub(*sess.AdminChecked) >= s.cfg.AdminRecheckInterval
}

func (s *Service) isAdmin(ctx context.Context, conn directory.Conn, dn string) (bool, error) {
	role, err := conn.Get(ctx, s.layout.AdminRoleDN())
	if errors.Is(err, directory.ErrNoSuchEntry) {
		return false, nil
	}
	if err != nil {
		return false, dirErr("read admin role", err)
	}
	return role.Has("roleOccupant", dn), nil
}

// EndSession revokes a session, e.g. after its bind was rejected.
func (s *Service) EndSession(ctx context.Context, sess models.Session) error {
	return s.st.RevokeSession(ctx, sess.ID)
}

func (s *Service) Logout(ctx context.Context, rawToken string) error {
	sess, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.st.RevokeSession(ctx, sess.ID)
}
