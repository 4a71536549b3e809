package directory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"webldap/internal/directory"
	"webldap/internal/directory/memdir"
)

func TestEntryOne(t *testing.T) {
	e := directory.NewEntry("uid=alice,ou=users,dc=example,dc=org")
	e.Set("mail", "alice@example.org")
	e.Set("cn", "alice", "al")

	mail, err := e.One("MAIL")
	require.NoError(t, err)
	v, ok := mail.Get()
	require.True(t, ok)
	require.Equal(t, "alice@example.org", v)

	missing, err := e.One("displayName")
	require.NoError(t, err)
	require.False(t, missing.Present())
	require.Equal(t, "", missing.OrEmpty())

	_, err = e.One("cn")
	require.ErrorIs(t, err, directory.ErrMultiValued)
}

func TestEntryHasComparesDNs(t *testing.T) {
	e := directory.NewEntry("cn=admin,ou=roles,dc=example,dc=org")
	e.Set("roleOccupant", "uid=alice,ou=users,dc=example,dc=org")
	require.True(t, e.Has("roleoccupant", "UID=alice,OU=users,dc=Example,dc=org"))
	require.False(t, e.Has("roleOccupant", "uid=bob,ou=users,dc=example,dc=org"))
}

func TestEntrySetEmptyRemoves(t *testing.T) {
	e := directory.NewEntry("uid=a,dc=x")
	e.Set("displayName", "A")
	e.Set("displayName")
	require.Empty(t, e.Attributes())
}

func TestLayoutDNs(t *testing.T) {
	l := directory.NewLayout("dc=example,dc=org")
	require.Equal(t, "uid=alice,ou=users,dc=example,dc=org", l.UserDN("alice"))
	require.Equal(t, "o=clubA,ou=associations,dc=example,dc=org", l.OrgDN("clubA"))
	require.Equal(t, "cn=admin,ou=roles,dc=example,dc=org", l.AdminRoleDN())
	require.Equal(t, "cn=ssh,ou=accesses,ou=groups,dc=example,dc=org", l.SSHGroupDN())
	require.Equal(t, "cn=sudoldap,ou=posix,ou=groups,dc=example,dc=org", l.SudoGroupDN())
	require.Equal(t, `uid=a\,b,ou=users,dc=example,dc=org`, l.UserDN("a,b"))
	require.Equal(t, "alice", directory.RDNValue(l.UserDN("alice")))
}

func TestFilterEscapes(t *testing.T) {
	require.Equal(t, `(cn=a\2a\28\29)`, directory.Filter("cn", "a*()"))
	require.Equal(t, "(&(uid=a)(mail=b))", directory.And(directory.Filter("uid", "a"), directory.Filter("mail", "b")))
}

func TestSetHelpersAreIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := memdir.New()
	group := directory.NewEntry("cn=wiki,ou=accesses,ou=groups,dc=example,dc=org")
	group.Set("objectClass", "groupOfUniqueNames")
	dir.Put(group)
	dir.SetBindPassword("cn=svc,dc=example,dc=org", "pw")

	conn, err := dir.Dial(ctx, "cn=svc,dc=example,dc=org", "pw")
	require.NoError(t, err)
	defer conn.Close()

	member := "uid=alice,ou=users,dc=example,dc=org"
	require.NoError(t, directory.AddToSet(ctx, conn, group.DN, "uniqueMember", member))
	require.NoError(t, directory.AddToSet(ctx, conn, group.DN, "uniqueMember", member))
	got, err := conn.Get(ctx, group.DN)
	require.NoError(t, err)
	require.Len(t, got.Values("uniqueMember"), 1)

	require.NoError(t, directory.RemoveFromSet(ctx, conn, group.DN, "uniqueMember", member))
	require.NoError(t, directory.RemoveFromSet(ctx, conn, group.DN, "uniqueMember", member))

	ok, err := directory.Exists(ctx, conn, group.DN)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = directory.Exists(ctx, conn, "cn=nope,dc=example,dc=org")
	require.NoError(t, err)
	require.False(t, ok)

	err = directory.ReplaceOne(ctx, conn, "cn=nope,dc=example,dc=org", "cn", "x")
	require.True(t, errors.Is(err, directory.ErrNoSuchEntry))
}
