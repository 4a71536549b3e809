package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	gomsg "github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"webldap/internal/auth"
	"webldap/internal/config"
	"webldap/internal/directory"
	"webldap/internal/logger"
	"webldap/internal/metrics"
	"webldap/internal/notify"
	"webldap/internal/store"
	"webldap/internal/util"
)

var uidRx = regexp.MustCompile(`^[a-z][a-z0-9._-]{0,31}$`)

type Service struct {
	cfg        config.Config
	st         *store.Store
	requests   store.RequestStore
	dir        directory.Dialer
	sender     notify.Sender
	metrics    *metrics.Metrics
	layout     directory.Layout
	encryptKey []byte
	now        func() time.Time
}

// New wires the service. requests may be nil, in which case pending requests
// live in st next to the sessions.
func New(cfg config.Config, st *store.Store, requests store.RequestStore, dir directory.Dialer, sender notify.Sender, m *metrics.Metrics) *Service {
	if sender == nil {
		sender = notify.LogSender{}
	}
	if requests == nil {
		requests = st
	}
	layout := directory.NewLayout(cfg.LDAPBase)
	if cfg.LDAPAdminRole != "" {
		layout.AdminRole = cfg.LDAPAdminRole
	}
	if cfg.LDAPSSHGroup != "" {
		layout.SSHGroup = cfg.LDAPSSHGroup
	}
	if cfg.LDAPSudoGroup != "" {
		layout.SudoGroup = cfg.LDAPSudoGroup
	}
	return &Service{
		cfg:        cfg,
		st:         st,
		requests:   requests,
		dir:        dir,
		sender:     sender,
		metrics:    m,
		layout:     layout,
		encryptKey: util.DeriveKey(cfg.SessionEncryptKey),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Layout() directory.Layout { return s.layout }

func hashUA(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

// serviceConn binds with the webldap service identity, used where no user is
// logged in (account creation, password reset).
func (s *Service) serviceConn(ctx context.Context) (directory.Conn, error) {
	conn, err := s.dir.Dial(ctx, s.cfg.LDAPServiceDN, s.cfg.LDAPServicePassword)
	if errors.Is(err, directory.ErrInvalidCredentials) {
		return nil, fmt.Errorf("%w: service bind rejected", ErrDirectory)
	}
	if err != nil {
		return nil, dirErr("service bind", err)
	}
	return conn, nil
}

// ValidatePassword applies the local length policy.
func (s *Service) ValidatePassword(pw string) error {
	if err := auth.CheckPolicy(pw, s.cfg.PasswordMinLength, s.cfg.PasswordMaxLength); err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	return nil
}

func validateNick(nick string) error {
	if nick == "" || len(nick) > 64 {
		return fmt.Errorf("%w: nickname must be 1 to 64 characters", ErrInvalidInput)
	}
	for _, r := range nick {
		if unicode.IsControl(r) || strings.ContainsRune(`,=+<>#;"\`, r) {
			return fmt.Errorf("%w: nickname contains %q", ErrInvalidInput, r)
		}
	}
	return nil
}

func validateUID(uid string) error {
	if !uidRx.MatchString(uid) {
		return fmt.Errorf("%w: uid must start with a letter and use a-z, 0-9, '.', '_' or '-'", ErrInvalidInput)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := gomsg.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	return email, nil
}

// single reads a single-valued attribute of e.
func single(e *directory.Entry, attr string) (string, error) {
	v, err := e.One(attr)
	if err != nil {
		return "", dirErr("read "+attr, err)
	}
	return v.OrEmpty(), nil
}

// first is for display only, where a stray second value should not fail a
// page.
func first(e *directory.Entry, attr string) string {
	if vals := e.Values(attr); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func hasObjectClass(e *directory.Entry, class string) bool {
	for _, v := range e.Values("objectClass") {
		if strings.EqualFold(v, class) {
			return true
		}
	}
	return false
}

// nickTaken reports whether another user already carries nick as cn.
func (s *Service) nickTaken(ctx context.Context, conn directory.Conn, nick, selfDN string) (bool, error) {
	found, err := conn.Search(ctx, s.layout.UsersBase(), directory.And(
		directory.Filter("objectClass", "inetOrgPerson"),
		directory.Filter("cn", nick),
	))
	if err != nil {
		return false, dirErr("search nickname", err)
	}
	for _, e := range found {
		if selfDN == "" || !directory.SameDN(e.DN, selfDN) {
			return true, nil
		}
	}
	return false, nil
}

// Ready probes the stores, the service bind and, for SMTP, the mail relay.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.st.Ping(ctx); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if err := s.requests.Ping(ctx); err != nil {
		return fmt.Errorf("request store: %w", err)
	}
	conn, err := s.serviceConn(ctx)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	if p, ok := s.sender.(notify.Prober); ok {
		if err := p.Probe(ctx); err != nil {
			return fmt.Errorf("mail relay: %w", err)
		}
	}
	return nil
}

// PurgeExpired removes expired requests and dead sessions.
func (s *Service) PurgeExpired(ctx context.Context) (requests, sessions int64, err error) {
	now := s.now()
	requests, err = s.requests.PurgeExpired(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("purge requests: %w", err)
	}
	s.metrics.Purged(requests)
	sessions, err = s.st.PurgeSessions(ctx, now)
	if err != nil {
		return requests, 0, fmt.Errorf("purge sessions: %w", err)
	}
	logger.From(ctx).Info("purged expired records",
		zap.Int64("requests", requests),
		zap.Int64("sessions", sessions),
	)
	return requests, sessions, nil
}
