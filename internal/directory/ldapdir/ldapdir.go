// Package ldapdir implements directory.Conn on top of go-ldap.
package ldapdir

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"webldap/internal/auth"
	"webldap/internal/directory"
)

const (
	SchemeExop   = "exop"
	SchemeArgon2 = "argon2"
	SchemeCrypt  = "crypt"
)

type Options struct {
	URL                string
	StartTLS           bool
	InsecureSkipVerify bool
	Timeout            time.Duration
	PasswordScheme     string
}

type Dialer struct {
	opts Options
}

func NewDialer(opts Options) *Dialer {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PasswordScheme == "" {
		opts.PasswordScheme = SchemeExop
	}
	return &Dialer{opts: opts}
}

func (d *Dialer) Dial(ctx context.Context, bindDN, password string) (directory.Conn, error) {
	host := d.opts.URL
	if u, err := parseHost(d.opts.URL); err == nil {
		host = u
	}
	tlsCfg := &tls.Config{ServerName: host, InsecureSkipVerify: d.opts.InsecureSkipVerify}
	nd := &net.Dialer{Timeout: d.opts.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		nd.Deadline = deadline
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := ldap.DialURL(d.opts.URL, ldap.DialWithDialer(nd), ldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, fmt.Errorf("ldap dial %s: %w", d.opts.URL, err)
	}
	conn := &Conn{l: l, scheme: d.opts.PasswordScheme, timeout: d.opts.Timeout}
	done, err := conn.begin(ctx)
	if err != nil {
		l.Close()
		return nil, err
	}
	defer done()
	if d.opts.StartTLS {
		if err := l.StartTLS(tlsCfg); err != nil {
			l.Close()
			return nil, fmt.Errorf("ldap starttls: %w", conn.fail(ctx, err))
		}
	}
	if strings.TrimSpace(password) == "" {
		// An empty password is an unauthenticated bind on most servers.
		l.Close()
		return nil, directory.ErrInvalidCredentials
	}
	if err := l.Bind(bindDN, password); err != nil {
		l.Close()
		return nil, conn.fail(ctx, err)
	}
	return conn, nil
}

func parseHost(raw string) (string, error) {
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	rest = strings.TrimSuffix(rest, "/")
	host, _, err := net.SplitHostPort(rest)
	if err != nil {
		return rest, nil
	}
	return host, nil
}

type Conn struct {
	l       *ldap.Conn
	scheme  string
	timeout time.Duration
}

// opTimeout is the per-request timeout left for ctx.
func opTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			return max(left, time.Millisecond)
		}
	}
	return timeout
}

// begin bounds the next request by ctx. Cancelling ctx while the request is
// in flight closes the connection, which fails the request.
func (c *Conn) begin(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.l.SetTimeout(opTimeout(ctx, c.timeout))
	stop := context.AfterFunc(ctx, func() { c.l.Close() })
	return func() { stop() }, nil
}

// fail maps err, preferring ctx's error when the request was cut short.
func (c *Conn) fail(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	return mapErr(err)
}

func (c *Conn) Get(ctx context.Context, dn string) (*directory.Entry, error) {
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)", []string{"*"}, nil)
	done, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	res, err := c.l.Search(req)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if len(res.Entries) == 0 {
		return nil, directory.ErrNoSuchEntry
	}
	return toEntry(res.Entries[0]), nil
}

func (c *Conn) Search(ctx context.Context, base, filter string) ([]*directory.Entry, error) {
	req := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"*"}, nil)
	done, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	res, err := c.l.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, c.fail(ctx, err)
	}
	out := make([]*directory.Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		out = append(out, toEntry(e))
	}
	return out, nil
}

func (c *Conn) Add(ctx context.Context, e *directory.Entry) error {
	req := ldap.NewAddRequest(e.DN, nil)
	for _, name := range e.Attributes() {
		req.Attribute(name, e.Values(name))
	}
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := c.l.Add(req); err != nil {
		return c.fail(ctx, err)
	}
	return nil
}

func (c *Conn) Modify(ctx context.Context, dn string, mods ...directory.Modification) error {
	req := ldap.NewModifyRequest(dn, nil)
	for _, m := range mods {
		switch m.Op {
		case directory.ModAdd:
			req.Add(m.Attr, m.Values)
		case directory.ModDelete:
			req.Delete(m.Attr, m.Values)
		case directory.ModReplace:
			req.Replace(m.Attr, m.Values)
		default:
			return fmt.Errorf("ldap modify %s: unsupported op %s", dn, m.Op)
		}
	}
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := c.l.Modify(req); err != nil {
		return c.fail(ctx, err)
	}
	return nil
}

func (c *Conn) SetPassword(ctx context.Context, dn, password string) error {
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	switch c.scheme {
	case SchemeArgon2:
		var hash string
		if hash, err = auth.HashPassword(password); err != nil {
			return err
		}
		err = c.l.Modify(replacePassword(dn, "{ARGON2}"+hash))
	case SchemeCrypt:
		var hash string
		if hash, err = auth.CryptPassword(password); err != nil {
			return err
		}
		err = c.l.Modify(replacePassword(dn, "{CRYPT}"+hash))
	default:
		_, err = c.l.PasswordModify(ldap.NewPasswordModifyRequest(dn, "", password))
	}
	if err == nil {
		return nil
	}
	if ldap.IsErrorWithCode(err, ldap.LDAPResultConstraintViolation) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform) {
		return fmt.Errorf("%w: %v", directory.ErrPolicy, err)
	}
	return c.fail(ctx, err)
}

func replacePassword(dn, value string) *ldap.ModifyRequest {
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace("userPassword", []string{value})
	return req
}

func (c *Conn) Delete(ctx context.Context, dn string) error {
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := c.l.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return c.fail(ctx, err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.l.Close()
	return nil
}

func toEntry(e *ldap.Entry) *directory.Entry {
	out := directory.NewEntry(e.DN)
	for _, a := range e.Attributes {
		out.Set(a.Name, a.Values...)
	}
	return out
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var lerr *ldap.Error
	if !errors.As(err, &lerr) {
		return err
	}
	var target error
	switch lerr.ResultCode {
	case ldap.LDAPResultNoSuchObject:
		target = directory.ErrNoSuchEntry
	case ldap.LDAPResultEntryAlreadyExists:
		target = directory.ErrAlreadyExists
	case ldap.LDAPResultConstraintViolation, ldap.LDAPResultObjectClassViolation, ldap.LDAPResultNotAllowedOnRDN:
		target = directory.ErrConstraint
	case ldap.LDAPResultInvalidCredentials:
		target = directory.ErrInvalidCredentials
	case ldap.LDAPResultInsufficientAccessRights:
		target = directory.ErrInsufficientAccess
	case ldap.LDAPResultAttributeOrValueExists:
		target = directory.ErrValueExists
	case ldap.LDAPResultNoSuchAttribute:
		target = directory.ErrNoSuchValue
	default:
		return err
	}
	return fmt.Errorf("%w: %v", target, err)
}
