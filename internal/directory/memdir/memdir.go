// Package memdir is an in-memory directory.Dialer used by tests and local
// development. It keeps entries keyed by normalized DN and understands the
// subset of LDAP filter syntax webldap emits.
package memdir

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"webldap/internal/directory"
)

type Hooks struct {
	Add         func(e *directory.Entry) error
	Modify      func(dn string, mods []directory.Modification) error
	SetPassword func(dn, password string) error
}

type Directory struct {
	mu        sync.Mutex
	entries   map[string]*directory.Entry
	passwords map[string]string
	calls     map[string]int
	hooks     Hooks
}

func New() *Directory {
	return &Directory{
		entries:   map[string]*directory.Entry{},
		passwords: map[string]string{},
		calls:     map[string]int{},
	}
}

func key(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}

func (d *Directory) SetHooks(h Hooks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = h
}

// Put stores e without counting it as a mutation.
func (d *Directory) Put(e *directory.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key(e.DN)] = e.Clone()
}

// SetBindPassword registers a credential for dn; dn does not need an entry,
// which is how service accounts outside the tree are modelled.
func (d *Directory) SetBindPassword(dn, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[key(dn)] = password
}

func (d *Directory) Password(dn string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pw, ok := d.passwords[key(dn)]
	return pw, ok
}

func (d *Directory) Entry(dn string) (*directory.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key(dn)]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Calls returns how many times op ("add", "modify", "set_password",
// "delete") succeeded or failed past validation.
func (d *Directory) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Mutations is the total number of write attempts.
func (d *Directory) Mutations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls["add"] + d.calls["modify"] + d.calls["set_password"] + d.calls["delete"]
}

func (d *Directory) Dial(ctx context.Context, bindDN, password string) (directory.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pw, ok := d.passwords[key(bindDN)]
	if !ok || password == "" || pw != password {
		return nil, directory.ErrInvalidCredentials
	}
	return &conn{d: d}, nil
}

type conn struct {
	d      *Directory
	closed bool
}

func (c *conn) Get(ctx context.Context, dn string) (*directory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	e, ok := c.d.entries[key(dn)]
	if !ok {
		return nil, directory.ErrNoSuchEntry
	}
	return e.Clone(), nil
}

func (c *conn) Search(ctx context.Context, base, filter string) ([]*directory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	suffix := key(base)
	var out []*directory.Entry
	for k, e := range c.d.entries {
		if k != suffix && !strings.HasSuffix(k, ","+suffix) {
			continue
		}
		if f.match(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (c *conn) Add(ctx context.Context, e *directory.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.calls["add"]++
	if c.d.hooks.Add != nil {
		if err := c.d.hooks.Add(e); err != nil {
			return err
		}
	}
	if _, ok := c.d.entries[key(e.DN)]; ok {
		return directory.ErrAlreadyExists
	}
	c.d.entries[key(e.DN)] = e.Clone()
	return nil
}

func (c *conn) Modify(ctx context.Context, dn string, mods ...directory.Modification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.calls["modify"]++
	if c.d.hooks.Modify != nil {
		if err := c.d.hooks.Modify(dn, mods); err != nil {
			return err
		}
	}
	cur, ok := c.d.entries[key(dn)]
	if !ok {
		return directory.ErrNoSuchEntry
	}
	next := cur.Clone()
	for _, m := range mods {
		vals := next.Values(m.Attr)
		switch m.Op {
		case directory.ModAdd:
			for _, v := range m.Values {
				if next.Has(m.Attr, v) {
					return fmt.Errorf("%w: %s=%s", directory.ErrValueExists, m.Attr, v)
				}
				vals = append(vals, v)
			}
			next.Set(m.Attr, vals...)
		case directory.ModDelete:
			if len(m.Values) == 0 {
				next.Set(m.Attr)
				continue
			}
			for _, v := range m.Values {
				if !next.Has(m.Attr, v) {
					return fmt.Errorf("%w: %s=%s", directory.ErrNoSuchValue, m.Attr, v)
				}
				vals = without(vals, v)
			}
			next.Set(m.Attr, vals...)
		case directory.ModReplace:
			next.Set(m.Attr, m.Values...)
		}
	}
	c.d.entries[key(dn)] = next
	return nil
}

func without(vals []string, v string) []string {
	out := vals[:0]
	for _, x := range vals {
		if x != v && !directory.SameDN(x, v) {
			out = append(out, x)
		}
	}
	return out
}

func (c *conn) SetPassword(ctx context.Context, dn, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.calls["set_password"]++
	if _, ok := c.d.entries[key(dn)]; !ok {
		return directory.ErrNoSuchEntry
	}
	if c.d.hooks.SetPassword != nil {
		if err := c.d.hooks.SetPassword(dn, password); err != nil {
			return err
		}
	}
	c.d.passwords[key(dn)] = password
	return nil
}

func (c *conn) Delete(ctx context.Context, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.calls["delete"]++
	if _, ok := c.d.entries[key(dn)]; !ok {
		return directory.ErrNoSuchEntry
	}
	delete(c.d.entries, key(dn))
	delete(c.d.passwords, key(dn))
	return nil
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}
