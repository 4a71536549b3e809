package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webldap/internal/auth"
	"webldap/internal/directory"
	"webldap/internal/directory/memdir"
	"webldap/internal/models"
)

func TestConfirmAccountEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceDN := f.addUser("alice", "alice", "alice@example.org", "alice-password")
	f.edit(t, "o=clubA,ou=associations,"+testBase, "owner", aliceDN)
	alice := f.actor(t, "alice", "alice-password")

	require.NoError(t, f.svc.RequestAccount(ctx, alice, "clubA", AccountRequest{UID: "bob", Name: "Bob Builder", Email: "bob@example.org"}))
	msgs := f.mail.sent()
	require.Len(t, msgs, 1)
	require.Equal(t, "bob@example.org", msgs[0].To)
	require.Contains(t, msgs[0].Body, "https://members.example.org/process/")
	token := f.lastToken(t)

	insp, err := f.svc.Inspect(ctx, token)
	require.NoError(t, err)
	require.Equal(t, Inspection{Kind: models.KindAccount, UID: "bob"}, insp)

	out, err := f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "bobs-password"})
	require.NoError(t, err)
	require.Equal(t, Outcome{Kind: models.KindAccount, UID: "bob"}, out)

	bobDN := f.svc.layout.UserDN("bob")
	bob, ok := f.dir.Entry(bobDN)
	require.True(t, ok)
	require.Equal(t, []string{"bobby"}, bob.Values("cn"))
	require.Equal(t, []string{"Bob Builder"}, bob.Values("displayName"))
	require.Equal(t, []string{"bob@example.org"}, bob.Values("mail"))
	require.True(t, bob.Has("objectClass", "inetOrgPerson"))
	pw, ok := f.dir.Password(bobDN)
	require.True(t, ok)
	require.Equal(t, "bobs-password", pw)

	club, _ := f.dir.Entry("o=clubA,ou=associations," + testBase)
	require.True(t, club.Has("uniqueMember", bobDN))
	wiki, _ := f.dir.Entry(f.svc.layout.AccessGroupDN("wiki"))
	require.True(t, wiki.Has("uniqueMember", bobDN))
	member, _ := f.dir.Entry(f.svc.layout.RoleDN("member"))
	require.True(t, member.Has("roleOccupant", bobDN))

	_, err = f.svc.Inspect(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "bobs-password"})
	require.ErrorIs(t, err, ErrNotFound)

	// The new account can log in.
	_, _, err = f.svc.Login(ctx, "bob", "bobs-password", "", "")
	require.NoError(t, err)
}

func TestConfirmAccountExistingUIDConsumesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	require.NoError(t, f.svc.issue(ctx, "alice", models.AccountPayload{Email: "alice@example.org", Name: "Alice"}, "alice@example.org", "Alice"))
	token := f.lastToken(t)

	_, err := f.svc.Confirm(ctx, token, ConfirmInput{Nick: "al", Password: "another-password"})
	require.ErrorIs(t, err, ErrAccountExists)
	require.ErrorIs(t, err, ErrConflict)
	require.Zero(t, f.dir.Mutations())

	_, err = f.svc.Inspect(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmAccountPasswordFailureRemovesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.issue(ctx, "bob", models.AccountPayload{Email: "bob@example.org", Name: "Bob"}, "bob@example.org", "Bob"))
	token := f.lastToken(t)

	f.dir.SetHooks(memdir.Hooks{SetPassword: func(dn, password string) error {
		return directory.ErrPolicy
	}})
	_, err := f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "bobs-password"})
	require.ErrorIs(t, err, ErrPolicyViolation)

	_, ok := f.dir.Entry(f.svc.layout.UserDN("bob"))
	require.False(t, ok, "account must be removed after the password was rejected")
	require.Equal(t, 1, f.dir.Calls("add"))
	require.Equal(t, 1, f.dir.Calls("delete"))

	// The token stays usable.
	insp, err := f.svc.Inspect(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "bob", insp.UID)

	f.dir.SetHooks(memdir.Hooks{})
	_, err = f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "bobs-password"})
	require.NoError(t, err)
}

func TestConfirmAccountHandleTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("robert", "bobby", "robert@example.org", "robert-password")
	require.NoError(t, f.svc.issue(ctx, "bob", models.AccountPayload{Email: "bob@example.org", Name: "Bob"}, "bob@example.org", "Bob"))
	token := f.lastToken(t)

	_, err := f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "bobs-password"})
	require.ErrorIs(t, err, ErrHandleTaken)
	require.Zero(t, f.dir.Mutations())

	_, err = f.svc.Inspect(ctx, token)
	require.NoError(t, err)
}

func TestConfirmAccountDirectoryRejectsAdd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.issue(ctx, "bob", models.AccountPayload{Email: "bob@example.org", Name: "Bob"}, "bob@example.org", "Bob"))
	token := f.lastToken(t)

	f.dir.SetHooks(memdir.Hooks{Add: func(e *directory.Entry) error { return directory.ErrConstraint }})
	_, err := f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "bobs-password"})
	require.ErrorIs(t, err, ErrHandleTaken)
	_, err = f.svc.Inspect(ctx, token)
	require.NoError(t, err)
}

func TestConfirmAccountReportsFailedGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.cfg.LDAPDefaultGroups = []string{"wiki", "gone"}
	require.NoError(t, f.svc.issue(ctx, "bob", models.AccountPayload{Email: "bob@example.org", Name: "Bob", OrgUID: "clubB"}, "bob@example.org", "Bob"))
	token := f.lastToken(t)

	out, err := f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "bobs-password"})
	require.NoError(t, err)
	require.Equal(t, []string{"org:clubB", "group:gone"}, out.Incomplete)

	_, ok := f.dir.Entry(f.svc.layout.UserDN("bob"))
	require.True(t, ok, "grant failures do not roll back the account")
	_, err = f.svc.Inspect(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmRejectsInputBeforeClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.issue(ctx, "bob", models.AccountPayload{Email: "bob@example.org", Name: "Bob"}, "bob@example.org", "Bob"))
	token := f.lastToken(t)

	_, err := f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "short"})
	require.ErrorIs(t, err, ErrPolicyViolation)
	_, err = f.svc.Confirm(ctx, token, ConfirmInput{Nick: "", Password: "bobs-password"})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Zero(t, f.dir.Mutations())

	// Not claimed: an immediate retry goes through.
	_, err = f.svc.Confirm(ctx, token, ConfirmInput{Nick: "bobby", Password: "bobs-password"})
	require.NoError(t, err)
}

func TestConfirmPasswdRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceDN := f.addUser("alice", "alice", "alice@example.org", "alice-password")
	raw, _ := f.login(t, "alice", "alice-password")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))
	msgs := f.mail.sent()
	require.Len(t, msgs, 1)
	require.Equal(t, "alice@example.org", msgs[0].To)
	token := f.lastToken(t)

	out, err := f.svc.Confirm(ctx, token, ConfirmInput{Password: "brand-new-password"})
	require.NoError(t, err)
	require.Equal(t, Outcome{Kind: models.KindPasswd, UID: "alice"}, out)

	pw, _ := f.dir.Password(aliceDN)
	require.Equal(t, "brand-new-password", pw)
	require.Equal(t, 1, f.dir.Calls("set_password"))
	require.Equal(t, 1, f.dir.Mutations())

	_, err = f.svc.Inspect(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.ValidateSession(ctx, raw)
	require.ErrorIs(t, err, ErrInvalidCredentials, "sessions holding the old password are revoked")
}

func TestConfirmPasswdDirectoryRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))
	token := f.lastToken(t)

	f.dir.SetHooks(memdir.Hooks{SetPassword: func(dn, password string) error { return directory.ErrConstraint }})
	_, err := f.svc.Confirm(ctx, token, ConfirmInput{Password: "brand-new-password"})
	require.ErrorIs(t, err, ErrPolicyViolation)
	_, err = f.svc.Inspect(ctx, token)
	require.NoError(t, err)
}

func TestRequestPasswordResetUnknownPairIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "mallory@example.org"))
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "nobody", "nobody@example.org"))
	require.Empty(t, f.mail.sent())
	require.ErrorIs(t, f.svc.RequestPasswordReset(ctx, "", "x@example.org"), ErrInvalidInput)
}

func TestIssueDropsRequestWhenMailFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	f.mail.err = errors.New("smtp down")

	require.Error(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))
	n, err := f.st.PurgeExpired(ctx, f.clock.Add(100*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConcurrentConfirmSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))
	token := f.lastToken(t)

	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Confirm(ctx, token, ConfirmInput{Password: "brand-new-password"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrNotFound):
				misses.Add(1)
			default:
				t.Errorf("unexpected confirm error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, 7, misses.Load())
	require.Equal(t, 1, f.dir.Calls("set_password"))
}

func TestExpiredRequestIsInvisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))
	token := f.lastToken(t)
	issuedAt := f.clock

	f.clock = f.clock.Add(48 * time.Hour)
	_, err := f.svc.Inspect(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Confirm(ctx, token, ConfirmInput{Password: "brand-new-password"})
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, f.dir.Mutations())

	// The row is still there until purged.
	req, err := f.st.FindRequest(ctx, auth.HashToken(token), issuedAt)
	require.NoError(t, err)
	require.Equal(t, "alice", req.UID)
}

func TestConfirmEmailRequiresOwnSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceDN := f.addUser("alice", "alice", "alice@example.org", "alice-password")
	f.addUser("carol", "carol", "carol@example.org", "carol-password")
	alice := f.actor(t, "alice", "alice-password")

	require.NoError(t, f.svc.RequestEmailChange(ctx, alice, "alice@new.example.org"))
	require.Equal(t, "alice@new.example.org", f.mail.sent()[0].To)
	token := f.lastToken(t)

	insp, err := f.svc.Inspect(ctx, token)
	require.NoError(t, err)
	require.True(t, insp.RequiresLogin)

	_, carolSess := f.login(t, "carol", "carol-password")
	_, err = f.svc.Confirm(ctx, token, ConfirmInput{Session: &carolSess})
	require.ErrorIs(t, err, ErrSessionMismatch)
	_, err = f.svc.Confirm(ctx, token, ConfirmInput{})
	require.ErrorIs(t, err, ErrSessionMismatch)

	e, _ := f.dir.Entry(aliceDN)
	require.Equal(t, []string{"alice@example.org"}, e.Values("mail"))
	require.Zero(t, f.dir.Mutations())
	_, err = f.svc.Inspect(ctx, token)
	require.NoError(t, err, "a mismatched session must not consume the request")

	out, err := f.svc.Confirm(ctx, token, ConfirmInput{Session: &alice.Session})
	require.NoError(t, err)
	require.Equal(t, models.KindEmail, out.Kind)
	e, _ = f.dir.Entry(aliceDN)
	require.Equal(t, []string{"alice@new.example.org"}, e.Values("mail"))
	_, err = f.svc.Inspect(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSlowConfirmKeepsClaim(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return time.Now().UTC() }
	f.svc.cfg.ReqClaimLease = 150 * time.Millisecond
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))
	token := f.lastToken(t)

	f.dir.SetHooks(memdir.Hooks{SetPassword: func(dn, password string) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	}})

	first := make(chan error, 1)
	go func() {
		_, err := f.svc.Confirm(ctx, token, ConfirmInput{Password: "brand-new-password"})
		first <- err
	}()

	// Well past the initial lease, while the first handler is still running.
	time.Sleep(300 * time.Millisecond)
	_, err := f.svc.Confirm(ctx, token, ConfirmInput{Password: "other-new-password"})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, <-first)
	require.Equal(t, 1, f.dir.Calls("set_password"))
	pw, _ := f.dir.Password(f.svc.layout.UserDN("alice"))
	require.Equal(t, "brand-new-password", pw)
	_, err = f.svc.Inspect(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmReportsLostClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))
	token := f.lastToken(t)

	// The row disappears under the running handler, so Complete cannot succeed.
	f.dir.SetHooks(memdir.Hooks{SetPassword: func(dn, password string) error {
		return f.st.DeleteRequest(context.Background(), auth.HashToken(token))
	}})

	_, err := f.svc.Confirm(ctx, token, ConfirmInput{Password: "brand-new-password"})
	require.ErrorIs(t, err, ErrClaimLost)
	require.ErrorIs(t, err, ErrConflict)
}

func TestClaimRenewalFailureCancelsHandler(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return time.Now().UTC() }
	f.svc.cfg.ReqClaimLease = 90 * time.Millisecond
	ctx := context.Background()
	f.addUser("alice", "alice", "alice@example.org", "alice-password")
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice", "alice@example.org"))
	token := f.lastToken(t)

	req, err := f.st.FindRequest(ctx, auth.HashToken(token), time.Now())
	require.NoError(t, err)
	hctx, release := f.svc.holdClaim(ctx, req, "not-the-holder")
	select {
	case <-hctx.Done():
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled after a failed renewal")
	}
	require.ErrorIs(t, context.Cause(hctx), ErrClaimLost)
	require.ErrorIs(t, release(), ErrClaimLost)
}
