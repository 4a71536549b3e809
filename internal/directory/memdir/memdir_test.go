package memdir

import (
	"context"
	"errors"
	"testing"

	"webldap/internal/directory"
)

func seed(t *testing.T) (*Directory, directory.Conn) {
	t.Helper()
	d := New()
	for _, uid := range []string{"alice", "bob"} {
		e := directory.NewEntry("uid=" + uid + ",ou=users,dc=example,dc=org")
		e.Set("objectClass", "inetOrgPerson")
		e.Set("uid", uid)
		e.Set("cn", uid)
		e.Set("mail", uid+"@example.org")
		d.Put(e)
	}
	d.SetBindPassword("uid=alice,ou=users,dc=example,dc=org", "alice-pw")
	c, err := d.Dial(context.Background(), "uid=alice,ou=users,dc=example,dc=org", "alice-pw")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return d, c
}

func TestDialRejectsBadCredentials(t *testing.T) {
	d, _ := seed(t)
	for _, pw := range []string{"", "nope"} {
		if _, err := d.Dial(context.Background(), "uid=alice,ou=users,dc=example,dc=org", pw); !errors.Is(err, directory.ErrInvalidCredentials) {
			t.Fatalf("expected invalid credentials for %q, got %v", pw, err)
		}
	}
}

func TestSearchFilters(t *testing.T) {
	_, c := seed(t)
	ctx := context.Background()
	cases := map[string]int{
		"(objectClass=*)":                               2,
		"(uid=alice)":                                   1,
		"(&(uid=alice)(mail=alice@example.org))":        1,
		"(&(uid=alice)(mail=bob@example.org))":          0,
		"(|(uid=alice)(uid=bob))":                       2,
		"(!(uid=alice))":                                1,
		`(cn=\61lice)`:                                  1,
		"(&(objectClass=inetOrgPerson)(displayName=*))": 0,
	}
	for filter, want := range cases {
		got, err := c.Search(ctx, "ou=users,dc=example,dc=org", filter)
		if err != nil {
			t.Fatalf("search %s: %v", filter, err)
		}
		if len(got) != want {
			t.Fatalf("search %s: expected %d entries, got %d", filter, want, len(got))
		}
	}
	if _, err := c.Search(ctx, "dc=example,dc=org", "(uid=alice"); err == nil {
		t.Fatalf("expected parse error for unbalanced filter")
	}
}

func TestModifySemantics(t *testing.T) {
	d, c := seed(t)
	ctx := context.Background()
	dn := "uid=bob,ou=users,dc=example,dc=org"

	err := c.Modify(ctx, dn, directory.Modification{Op: directory.ModAdd, Attr: "mail", Values: []string{"bob@example.org"}})
	if !errors.Is(err, directory.ErrValueExists) {
		t.Fatalf("expected value exists, got %v", err)
	}
	err = c.Modify(ctx, dn, directory.Modification{Op: directory.ModDelete, Attr: "mail", Values: []string{"other@example.org"}})
	if !errors.Is(err, directory.ErrNoSuchValue) {
		t.Fatalf("expected no such value, got %v", err)
	}
	if err := c.Modify(ctx, dn, directory.Modification{Op: directory.ModReplace, Attr: "mail", Values: []string{"b@example.org"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	e, _ := d.Entry(dn)
	if got := e.Values("mail"); len(got) != 1 || got[0] != "b@example.org" {
		t.Fatalf("unexpected mail after replace: %v", got)
	}
	if d.Calls("modify") != 3 {
		t.Fatalf("expected 3 modify calls, got %d", d.Calls("modify"))
	}
}

func TestFailedModifyLeavesEntryUntouched(t *testing.T) {
	d, c := seed(t)
	dn := "uid=bob,ou=users,dc=example,dc=org"
	err := c.Modify(context.Background(), dn,
		directory.Modification{Op: directory.ModReplace, Attr: "cn", Values: []string{"bobby"}},
		directory.Modification{Op: directory.ModAdd, Attr: "mail", Values: []string{"bob@example.org"}},
	)
	if err == nil {
		t.Fatalf("expected failure")
	}
	e, _ := d.Entry(dn)
	if e.Values("cn")[0] != "bob" {
		t.Fatalf("modify must be atomic per entry")
	}
}

func TestSetPasswordHookAndDelete(t *testing.T) {
	d, c := seed(t)
	ctx := context.Background()
	d.SetHooks(Hooks{SetPassword: func(dn, pw string) error {
		if len(pw) < 10 {
			return directory.ErrPolicy
		}
		return nil
	}})
	dn := "uid=bob,ou=users,dc=example,dc=org"
	if err := c.SetPassword(ctx, dn, "short"); !errors.Is(err, directory.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if err := c.SetPassword(ctx, dn, "long-enough-pw"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if _, err := d.Dial(ctx, dn, "long-enough-pw"); err != nil {
		t.Fatalf("expected new password to bind: %v", err)
	}
	if err := c.Delete(ctx, dn); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := d.Dial(ctx, dn, "long-enough-pw"); !errors.Is(err, directory.ErrInvalidCredentials) {
		t.Fatalf("deleted entry must not bind, got %v", err)
	}
	if d.Mutations() != 3 {
		t.Fatalf("expected 3 mutations, got %d", d.Mutations())
	}
}

func TestCanceledContextIsRejected(t *testing.T) {
	d, c := seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.SetPassword(ctx, "uid=bob,ou=users,dc=example,dc=org", "new-pw"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := c.Get(ctx, "uid=bob,ou=users,dc=example,dc=org"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := d.Dial(ctx, "uid=alice,ou=users,dc=example,dc=org", "alice-pw"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if d.Calls("set_password") != 0 {
		t.Fatalf("a cancelled call must not reach the directory")
	}
}
