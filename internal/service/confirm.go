package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"webldap/internal/auth"
	"webldap/internal/directory"
	"webldap/internal/logger"
	"webldap/internal/models"
	"webldap/internal/store"
)

// Inspection tells the caller which form a token needs.
type Inspection struct {
	Kind          models.Kind `json:"kind"`
	UID           string      `json:"uid"`
	RequiresLogin bool        `json:"requires_login"`
}

// ConfirmInput carries what the user submits with a token. Nick is used by
// ACCOUNT, Password by ACCOUNT and PASSWD, Session by EMAIL.
type ConfirmInput struct {
	Nick     string
	Password string
	Session  *models.Session
}

// Outcome describes a consumed request. Incomplete lists grants that failed
// after the account itself was created.
type Outcome struct {
	Kind       models.Kind `json:"kind"`
	UID        string      `json:"uid"`
	Incomplete []string    `json:"incomplete,omitempty"`
}

func (s *Service) Inspect(ctx context.Context, token string) (Inspection, error) {
	req, err := s.requests.FindRequest(ctx, auth.HashToken(token), s.now())
	if err != nil {
		return Inspection{}, requestErr(err)
	}
	return Inspection{Kind: req.Kind(), UID: req.UID, RequiresLogin: req.Kind() == models.KindEmail}, nil
}

// Confirm consumes the request behind token. The request is claimed before
// any directory write, so two concurrent confirmations cannot both run the
// handler; the loser sees ErrNotFound. The claim is renewed while the handler
// runs. A failed handler releases the claim and the token stays usable.
func (s *Service) Confirm(ctx context.Context, token string, in ConfirmInput) (Outcome, error) {
	hash := auth.HashToken(token)
	log := logger.From(ctx)

	pending, err := s.requests.FindRequest(ctx, hash, s.now())
	if err != nil {
		return Outcome{}, requestErr(err)
	}
	if err := s.precheck(pending.Kind(), in); err != nil {
		s.metrics.Confirmation(string(pending.Kind()), outcomeLabel(err))
		return Outcome{}, err
	}

	req, claimID, err := s.requests.Claim(ctx, hash, s.now(), s.cfg.ReqClaimLease)
	if err != nil {
		err = requestErr(err)
		s.metrics.Confirmation(string(pending.Kind()), outcomeLabel(err))
		return Outcome{}, err
	}

	hctx, release := s.holdClaim(ctx, req, claimID)
	out, err := s.dispatch(hctx, req, in)
	if lost := release(); lost != nil && err != nil {
		err = fmt.Errorf("%w: %v", lost, err)
	}
	err = s.settle(ctx, req, claimID, err)
	s.metrics.Confirmation(string(req.Kind()), outcomeLabel(err))
	if err != nil {
		return Outcome{}, err
	}
	log.Info("request confirmed", zap.String("kind", string(out.Kind)), zap.String("uid", out.UID), zap.Strings("incomplete", out.Incomplete))
	return out, nil
}

func (s *Service) dispatch(ctx context.Context, req models.Request, in ConfirmInput) (Outcome, error) {
	switch p := req.Payload.(type) {
	case models.AccountPayload:
		return s.confirmAccount(ctx, req, p, in)
	case models.PasswdPayload:
		return s.confirmPasswd(ctx, req, in)
	case models.EmailPayload:
		return s.confirmEmail(ctx, req, p, in)
	default:
		logger.From(ctx).Error("request with unhandled payload", zap.String("uid", req.UID), zap.String("payload", fmt.Sprintf("%T", p)))
		return Outcome{}, ErrInvalidState
	}
}

// holdClaim renews the lease every third of its length until release is
// called. If a renewal fails the returned context is cancelled with
// ErrClaimLost and release reports it. A handler that still finished cleanly
// is left to settle, where Complete decides.
func (s *Service) holdClaim(ctx context.Context, req models.Request, claimID string) (context.Context, func() error) {
	lease := s.cfg.ReqClaimLease
	hctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		tick := time.NewTicker(max(lease/3, time.Millisecond))
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-hctx.Done():
				return
			case <-tick.C:
				rctx := context.WithoutCancel(ctx)
				if err := s.requests.Renew(rctx, req.TokenHash, claimID, s.now(), lease); err != nil {
					logger.From(ctx).Error("renew request claim", zap.String("uid", req.UID), zap.Error(err))
					cancel(ErrClaimLost)
					return
				}
			}
		}
	}()
	return hctx, func() error {
		close(done)
		<-stopped
		cause := context.Cause(hctx)
		cancel(nil)
		if errors.Is(cause, ErrClaimLost) {
			return ErrClaimLost
		}
		return nil
	}
}

// settle completes or releases a claimed request and returns the error the
// caller should see. It runs detached from ctx so an aborted HTTP request
// still leaves the store consistent. A request that cannot be completed was
// taken over by another claim, so the confirmation is reported as failed.
func (s *Service) settle(ctx context.Context, req models.Request, claimID string, handlerErr error) error {
	log := logger.From(ctx)
	ctx = context.WithoutCancel(ctx)
	consume := handlerErr == nil || errors.Is(handlerErr, ErrAccountExists)
	if consume {
		if err := s.requests.Complete(ctx, req.TokenHash, claimID); err != nil {
			log.Error("complete request", zap.String("uid", req.UID), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrClaimLost, err)
		}
		return handlerErr
	}
	if err := s.requests.Release(ctx, req.TokenHash, claimID); err != nil {
		log.Warn("release request", zap.String("uid", req.UID), zap.Error(err))
	}
	return handlerErr
}

// precheck validates the submitted input before the request is claimed so a
// rejected form never touches the store or the directory.
func (s *Service) precheck(kind models.Kind, in ConfirmInput) error {
	switch kind {
	case models.KindAccount:
		if err := validateNick(strings.TrimSpace(in.Nick)); err != nil {
			return err
		}
		return s.ValidatePassword(in.Password)
	case models.KindPasswd:
		return s.ValidatePassword(in.Password)
	}
	return nil
}

func requestErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, models.ErrUnknownKind) {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}

func (s *Service) confirmAccount(ctx context.Context, req models.Request, p models.AccountPayload, in ConfirmInput) (Outcome, error) {
	log := logger.From(ctx)
	nick := strings.TrimSpace(in.Nick)
	conn, err := s.serviceConn(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer conn.Close()

	dn := s.layout.UserDN(req.UID)
	exists, err := directory.Exists(ctx, conn, dn)
	if err != nil {
		return Outcome{}, dirErr("look up account", err)
	}
	if exists {
		return Outcome{}, ErrAccountExists
	}
	taken, err := s.nickTaken(ctx, conn, nick, "")
	if err != nil {
		return Outcome{}, err
	}
	if taken {
		return Outcome{}, ErrHandleTaken
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = nick
	}
	e := directory.NewEntry(dn)
	e.Set("objectClass", "inetOrgPerson")
	e.Set("uid", req.UID)
	e.Set("cn", nick)
	e.Set("sn", name)
	e.Set("displayName", name)
	e.Set("mail", p.Email)
	if err := conn.Add(ctx, e); err != nil {
		if errors.Is(err, directory.ErrAlreadyExists) || errors.Is(err, directory.ErrConstraint) {
			return Outcome{}, fmt.Errorf("%w: %v", ErrHandleTaken, err)
		}
		return Outcome{}, dirErr("add account", err)
	}

	if err := conn.SetPassword(ctx, dn, in.Password); err != nil {
		if derr := conn.Delete(ctx, dn); derr != nil {
			log.Error("remove account after password failure", zap.String("uid", req.UID), zap.Error(derr))
		}
		return Outcome{}, passwordErr(err)
	}

	out := Outcome{Kind: models.KindAccount, UID: req.UID}
	grant := func(label, target, attr string) {
		if err := directory.AddToSet(ctx, conn, target, attr, dn); err != nil {
			log.Warn("grant after account creation", zap.String("uid", req.UID), zap.String("grant", label), zap.Error(err))
			out.Incomplete = append(out.Incomplete, label)
		}
	}
	if p.OrgUID != "" {
		grant("org:"+p.OrgUID, s.layout.OrgDN(p.OrgUID), "uniqueMember")
	}
	for _, g := range s.cfg.LDAPDefaultGroups {
		grant("group:"+g, s.layout.AccessGroupDN(g), "uniqueMember")
	}
	for _, r := range s.cfg.LDAPDefaultRoles {
		grant("role:"+r, s.layout.RoleDN(r), "roleOccupant")
	}
	return out, nil
}

func (s *Service) confirmPasswd(ctx context.Context, req models.Request, in ConfirmInput) (Outcome, error) {
	conn, err := s.serviceConn(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer conn.Close()

	if err := conn.SetPassword(ctx, s.layout.UserDN(req.UID), in.Password); err != nil {
		return Outcome{}, passwordErr(err)
	}
	n, err := s.st.RevokeUserSessions(ctx, req.UID)
	if err != nil {
		logger.From(ctx).Warn("revoke sessions after password reset", zap.String("uid", req.UID), zap.Error(err))
	} else if n > 0 {
		logger.From(ctx).Info("sessions revoked after password reset", zap.String("uid", req.UID), zap.Int64("count", n))
	}
	return Outcome{Kind: models.KindPasswd, UID: req.UID}, nil
}

func (s *Service) confirmEmail(ctx context.Context, req models.Request, p models.EmailPayload, in ConfirmInput) (Outcome, error) {
	if in.Session == nil || !directory.SameDN(in.Session.BindDN, s.layout.UserDN(req.UID)) {
		return Outcome{}, ErrSessionMismatch
	}
	a, err := s.Authenticate(ctx, *in.Session)
	if err != nil {
		return Outcome{}, err
	}
	defer a.Close()

	if err := directory.ReplaceOne(ctx, a.Conn, a.DN, "mail", p.Email); err != nil {
		return Outcome{}, dirErr("replace mail", err)
	}
	return Outcome{Kind: models.KindEmail, UID: req.UID}, nil
}
