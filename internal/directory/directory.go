// Package directory describes the operations webldap needs from the LDAP
// tree: reading entries, editing attribute value sets, setting passwords and
// deleting entries. The ldapdir subpackage talks to a real server, memdir keeps
// everything in memory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNoSuchEntry        = errors.New("directory: no such entry")
	ErrAlreadyExists      = errors.New("directory: entry already exists")
	ErrConstraint         = errors.New("directory: constraint violation")
	ErrPolicy             = errors.New("directory: password rejected by policy")
	ErrInvalidCredentials = errors.New("directory: invalid credentials")
	ErrInsufficientAccess = errors.New("directory: insufficient access rights")
	ErrValueExists        = errors.New("directory: attribute value already present")
	ErrNoSuchValue        = errors.New("directory: attribute value not present")
	ErrMultiValued        = errors.New("directory: attribute holds more than one value")
)

type ModOp int

const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
)

func (op ModOp) String() string {
	switch op {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	default:
		return fmt.Sprintf("ModOp(%d)", int(op))
	}
}

type Modification struct {
	Op     ModOp
	Attr   string
	Values []string
}

// Conn is a bound connection. Every implementation returns the sentinel
// errors above (possibly wrapped) so callers can use errors.Is.
type Conn interface {
	Get(ctx context.Context, dn string) (*Entry, error)
	Search(ctx context.Context, base, filter string) ([]*Entry, error)
	Add(ctx context.Context, e *Entry) error
	Modify(ctx context.Context, dn string, mods ...Modification) error
	SetPassword(ctx context.Context, dn, password string) error
	Delete(ctx context.Context, dn string) error
	Close() error
}

// Dialer opens a connection bound as bindDN. A rejected bind yields
// ErrInvalidCredentials.
type Dialer interface {
	Dial(ctx context.Context, bindDN, password string) (Conn, error)
}

// Entry is a snapshot of one directory record. Attribute names are matched
// case-insensitively.
type Entry struct {
	DN    string
	attrs map[string][]string
	names map[string]string
}

func NewEntry(dn string) *Entry {
	return &Entry{DN: dn, attrs: map[string][]string{}, names: map[string]string{}}
}

func (e *Entry) Set(name string, values ...string) {
	key := strings.ToLower(name)
	if len(values) == 0 {
		delete(e.attrs, key)
		delete(e.names, key)
		return
	}
	e.attrs[key] = append([]string(nil), values...)
	if _, ok := e.names[key]; !ok {
		e.names[key] = name
	}
}

func (e *Entry) Values(name string) []string {
	return append([]string(nil), e.attrs[strings.ToLower(name)]...)
}

// One reads a single-valued attribute.
func (e *Entry) One(name string) (Optional, error) {
	vals := e.attrs[strings.ToLower(name)]
	switch len(vals) {
	case 0:
		return Optional{}, nil
	case 1:
		return Some(vals[0]), nil
	default:
		return Optional{}, fmt.Errorf("%w: %s on %s", ErrMultiValued, name, e.DN)
	}
}

// Has reports whether value is one of the attribute's values. DN-valued
// attributes are compared as DNs.
func (e *Entry) Has(name, value string) bool {
	for _, v := range e.attrs[strings.ToLower(name)] {
		if v == value || SameDN(v, value) {
			return true
		}
	}
	return false
}

// Attributes returns attribute names in their original spelling, sorted.
func (e *Entry) Attributes() []string {
	out := make([]string, 0, len(e.names))
	for _, n := range e.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (e *Entry) Clone() *Entry {
	c := NewEntry(e.DN)
	for key, vals := range e.attrs {
		c.attrs[key] = append([]string(nil), vals...)
		c.names[key] = e.names[key]
	}
	return c
}

// Optional is a single-valued attribute that may be absent.
type Optional struct {
	value string
	ok    bool
}

func Some(v string) Optional { return Optional{value: v, ok: true} }

func (o Optional) Get() (string, bool) { return o.value, o.ok }

func (o Optional) OrEmpty() string { return o.value }

func (o Optional) Present() bool { return o.ok }

// AddToSet adds value to a multi-valued attribute; an already present value
// is not an error.
func AddToSet(ctx context.Context, c Conn, dn, attr, value string) error {
	err := c.Modify(ctx, dn, Modification{Op: ModAdd, Attr: attr, Values: []string{value}})
	if errors.Is(err, ErrValueExists) {
		return nil
	}
	return err
}

// RemoveFromSet removes value from a multi-valued attribute; a missing value
// is not an error.
func RemoveFromSet(ctx context.Context, c Conn, dn, attr, value string) error {
	err := c.Modify(ctx, dn, Modification{Op: ModDelete, Attr: attr, Values: []string{value}})
	if errors.Is(err, ErrNoSuchValue) {
		return nil
	}
	return err
}

func ReplaceOne(ctx context.Context, c Conn, dn, attr, value string) error {
	return c.Modify(ctx, dn, Modification{Op: ModReplace, Attr: attr, Values: []string{value}})
}

// Exists reports whether dn names an entry.
func Exists(ctx context.Context, c Conn, dn string) (bool, error) {
	_, err := c.Get(ctx, dn)
	if errors.Is(err, ErrNoSuchEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
