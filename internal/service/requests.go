package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"webldap/internal/auth"
	"webldap/internal/directory"
	"webldap/internal/logger"
	"webldap/internal/models"
	"webldap/internal/notify"
)

// AccountRequest is what an org owner fills in to invite a new member.
type AccountRequest struct {
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// issue stores a request for uid and mails its link to `to`. The request is
// dropped again when the mail cannot be sent, since nobody could use it.
func (s *Service) issue(ctx context.Context, uid string, p models.Payload, to, name string) error {
	raw, hash, err := auth.NewOpaqueToken()
	if err != nil {
		return err
	}
	now := s.now()
	req := models.Request{
		TokenHash: hash,
		UID:       uid,
		Payload:   p,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ReqExpire),
	}
	msg, err := notify.RequestMessage(p.Kind(), to, name, uid, s.cfg.ProcessURL(raw), s.cfg.ReqExpire)
	if err != nil {
		return err
	}
	if err := s.requests.CreateRequest(ctx, req); err != nil {
		return fmt.Errorf("store request: %w", err)
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		if derr := s.requests.DeleteRequest(context.WithoutCancel(ctx), hash); derr != nil {
			logger.From(ctx).Warn("drop unsent request", zap.Error(derr))
		}
		return fmt.Errorf("send confirmation mail: %w", err)
	}
	s.metrics.RequestCreated(string(p.Kind()))
	logger.From(ctx).Info("request issued", zap.String("kind", string(p.Kind())), zap.String("uid", uid))
	return nil
}

// RequestPasswordReset mails a reset link to the directory address of uid
// when email matches it. Unknown pairs are answered the same way as known
// ones.
func (s *Service) RequestPasswordReset(ctx context.Context, uid, email string) error {
	uid = strings.TrimSpace(uid)
	email = strings.TrimSpace(email)
	if uid == "" || email == "" {
		return fmt.Errorf("%w: uid and email are required", ErrInvalidInput)
	}
	conn, err := s.serviceConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	found, err := conn.Search(ctx, s.layout.UsersBase(), directory.And(
		directory.Filter("uid", uid),
		directory.Filter("mail", email),
	))
	if err != nil {
		return dirErr("search account", err)
	}
	if len(found) == 0 {
		logger.From(ctx).Info("password reset for unknown uid/mail pair", zap.String("uid", uid))
		return nil
	}
	user := found[0]
	to, err := single(user, "mail")
	if err != nil {
		return err
	}
	return s.issue(ctx, uid, models.PasswdPayload{}, to, first(user, "displayName"))
}

// RequestAccount invites a new member into orgUID. Only owners of the org and
// admins may do so.
func (s *Service) RequestAccount(ctx context.Context, a *Actor, orgUID string, in AccountRequest) error {
	org, err := s.loadOrg(ctx, a.Conn, orgUID)
	if err != nil {
		return err
	}
	if !org.Has("owner", a.DN) && !a.IsAdmin {
		return ErrForbidden
	}
	uid := strings.ToLower(strings.TrimSpace(in.UID))
	if err := validateUID(uid); err != nil {
		return err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	exists, err := directory.Exists(ctx, a.Conn, s.layout.UserDN(uid))
	if err != nil {
		return dirErr("look up account", err)
	}
	if exists {
		return ErrAccountExists
	}
	return s.issue(ctx, uid, models.AccountPayload{Email: email, Name: name, OrgUID: orgUID}, email, name)
}

// RequestEmailChange mails a confirmation link to the new address; the
// directory is only changed once the owner of a.UID follows it.
func (s *Service) RequestEmailChange(ctx context.Context, a *Actor, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	me, err := a.Conn.Get(ctx, a.DN)
	if err != nil {
		return dirErr("read profile", err)
	}
	return s.issue(ctx, a.UID, models.EmailPayload{Email: email}, email, first(me, "displayName"))
}
