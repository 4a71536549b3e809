package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webldap/internal/config"
	"webldap/internal/db"
	"webldap/internal/directory"
	"webldap/internal/directory/memdir"
	"webldap/internal/metrics"
	"webldap/internal/models"
	"webldap/internal/notify"
	"webldap/internal/store"
)

const (
	testBase    = "dc=example,dc=org"
	serviceDN   = "cn=webldap,dc=example,dc=org"
	servicePass = "service-secret"
	testKey     = "this_is_a_test_session_key_that_is_long_enough_123456"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) sent() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

type fixture struct {
	svc   *Service
	st    *store.Store
	dir   *memdir.Directory
	mail  *recordingSender
	clock time.Time
}

func testConfig() config.Config {
	return config.Config{
		BaseURL:             "https://members.example.org",
		ReqExpire:           48 * time.Hour,
		ReqClaimLease:       2 * time.Minute,
		LDAPBase:            testBase,
		LDAPServiceDN:       serviceDN,
		LDAPServicePassword: servicePass,
		LDAPDefaultGroups:   []string{"wiki"},
		LDAPDefaultRoles:    []string{"member"},
		LDAPAdminRole:       "admin",
		LDAPSSHGroup:        "ssh",
		LDAPSudoGroup:       "sudoldap",
		PosixIDMin:          10000,
		PosixHomeBase:       "/home",
		PosixLoginShell:     "/bin/bash",
		SessionIdleMinutes:  30,
		SessionAbsoluteHour: 24,
		SessionEncryptKey:   testKey,
		PasswordMinLength:   8,
		PasswordMaxLength:   64,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 4, 4, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })
	_, err = db.Migrate(context.Background(), sqdb, db.DriverSQLite)
	require.NoError(t, err)

	f := &fixture{
		st:    store.New(sqdb),
		dir:   memdir.New(),
		mail:  &recordingSender{},
		clock: time.Now().UTC().Truncate(time.Millisecond),
	}
	f.dir.SetBindPassword(serviceDN, servicePass)
	f.put(testBase, nil)
	f.put("o=clubA,ou=associations,"+testBase, map[string][]string{
		"objectClass": {"groupOfUniqueNames"}, "o": {"clubA"}, "cn": {"Club A"},
	})
	for _, cn := range []string{"wiki", "ssh"} {
		f.put("cn="+cn+",ou=accesses,ou=groups,"+testBase, map[string][]string{
			"objectClass": {"groupOfUniqueNames"}, "cn": {cn},
		})
	}
	for _, cn := range []string{"member", "admin"} {
		f.put("cn="+cn+",ou=roles,"+testBase, map[string][]string{
			"objectClass": {"organizationalRole"}, "cn": {cn},
		})
	}
	f.put("cn=sudoldap,ou=posix,ou=groups,"+testBase, map[string][]string{
		"objectClass": {"posixGroup"}, "cn": {"sudoldap"}, "gidNumber": {"27"},
	})

	f.svc = New(testConfig(), f.st, nil, f.dir, f.mail, metrics.New())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) put(dn string, attrs map[string][]string) {
	e := directory.NewEntry(dn)
	for k, v := range attrs {
		e.Set(k, v...)
	}
	f.dir.Put(e)
}

// addUser seeds an account the user can bind with.
func (f *fixture) addUser(uid, nick, mail, password string) string {
	dn := f.svc.layout.UserDN(uid)
	f.put(dn, map[string][]string{
		"objectClass": {"inetOrgPerson"},
		"uid":         {uid},
		"cn":          {nick},
		"sn":          {nick},
		"displayName": {strings.ToUpper(nick[:1]) + nick[1:]},
		"mail":        {mail},
	})
	f.dir.SetBindPassword(dn, password)
	return dn
}

// edit rewrites one attribute of dn outside of any connection.
func (f *fixture) edit(t *testing.T, dn, attr string, values ...string) {
	t.Helper()
	e, ok := f.dir.Entry(dn)
	require.True(t, ok, "entry %s", dn)
	e.Set(attr, values...)
	f.dir.Put(e)
}

func (f *fixture) login(t *testing.T, uid, password string) (string, models.Session) {
	t.Helper()
	raw, sess, err := f.svc.Login(context.Background(), uid, password, "127.0.0.1", "test-agent")
	require.NoError(t, err)
	return raw, sess
}

func (f *fixture) actor(t *testing.T, uid, password string) *Actor {
	t.Helper()
	_, sess := f.login(t, uid, password)
	a, err := f.svc.Authenticate(context.Background(), sess)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func (f *fixture) makeAdmin(dn string) {
	e, _ := f.dir.Entry(f.svc.layout.AdminRoleDN())
	e.Set("roleOccupant", append(e.Values("roleOccupant"), dn)...)
	f.dir.Put(e)
}

// lastToken extracts the token from the newest confirmation mail.
func (f *fixture) lastToken(t *testing.T) string {
	t.Helper()
	msgs := f.mail.sent()
	require.NotEmpty(t, msgs, "no mail sent")
	body := msgs[len(msgs)-1].Body
	i := strings.Index(body, "/process/")
	require.GreaterOrEqual(t, i, 0, "no link in %q", body)
	rest := body[i+len("/process/"):]
	if j := strings.IndexAny(rest, " \r\n"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func TestValidatePasswordPolicy(t *testing.T) {
	svc := &Service{cfg: config.Config{PasswordMinLength: 12, PasswordMaxLength: 16}}
	require.ErrorIs(t, svc.ValidatePassword("short"), ErrPolicyViolation)
	require.ErrorIs(t, svc.ValidatePassword("this one is far too long"), ErrPolicyViolation)
	require.NoError(t, svc.ValidatePassword("just-right-pw"))
}

func TestValidateNickAndUID(t *testing.T) {
	require.NoError(t, validateNick("bobby"))
	require.NoError(t, validateNick("Zoé l'ancienne"))
	require.ErrorIs(t, validateNick(""), ErrInvalidInput)
	require.ErrorIs(t, validateNick("a,b"), ErrInvalidInput)

	require.NoError(t, validateUID("bob.smith"))
	require.ErrorIs(t, validateUID("Bob"), ErrInvalidInput)
	require.ErrorIs(t, validateUID("1bob"), ErrInvalidInput)
}

func TestLoginName(t *testing.T) {
	require.Equal(t, "bobby", loginName("bob.by2"))
	require.Equal(t, "Zol", loginName("Zoé l"))
	require.Equal(t, "", loginName("42"))
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))

	f.clock = f.clock.Add(49 * time.Hour)
	n, _, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestReady(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Ready(context.Background()))

	f.dir.SetBindPassword(serviceDN, "rotated")
	require.ErrorIs(t, f.svc.Ready(context.Background()), ErrDirectory)
}
