package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vantagecrm.org/internal/policy"
	"vantagecrm.org/internal/seclog"
)

type memCredentials struct {
	users map[string]Credentials // keyed by email
}

func (m *memCredentials) FindByEmail(_ context.Context, organizationID, email string) (Credentials, error) {
	u, ok := m.users[email]
	if !ok || u.OrganizationID != organizationID {
		return Credentials{}, ErrNotFound
	}
	return u, nil
}

func newAuthFixture(t *testing.T) (*guardFixture, *Authenticator) {
	t.Helper()
	f := newGuardFixture(t)
	hash, err := policy.HashPassword("Corr3ctPass")
	require.NoError(t, err)
	users := &memCredentials{users: map[string]Credentials{
		"ada@corp.example": {
			UserID:         "u1",
			OrganizationID: "org-1",
			Email:          "ada@corp.example",
			PasswordHash:   hash,
			Active:         true,
		},
	}}
	auth, err := NewAuthenticator(users, f.guard)
	require.NoError(t, err)
	return f, auth
}

func loginReq(password string) LoginRequest {
	return LoginRequest{
		OrganizationID: "org-1",
		Email:          "ada@corp.example",
		Password:       password,
		IPAddress:      "203.0.113.5",
		UserAgent:      "test-agent",
	}
}

func TestLoginSuccessRecordsEvent(t *testing.T) {
	f, auth := newAuthFixture(t)

	user, err := auth.Login(context.Background(), loginReq("Corr3ctPass"))
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)
	assert.Equal(t, 1, f.events.countByType(seclog.EventLoginSuccess))
}

func TestLoginWrongPasswordIsGeneric(t *testing.T) {
	f, auth := newAuthFixture(t)

	_, err := auth.Login(context.Background(), loginReq("nope"))
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, f.events.countByType(seclog.EventLoginFailed))
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	f, auth := newAuthFixture(t)

	_, err := auth.Login(context.Background(), LoginRequest{
		OrganizationID: "org-1",
		Email:          "ghost@corp.example",
		Password:       "whatever",
		IPAddress:      "203.0.113.5",
	})
	require.ErrorIs(t, err, ErrInvalidCredentials,
		"unknown account and wrong password must be indistinguishable")
	assert.Equal(t, 1, f.events.countByType(seclog.EventLoginFailed))
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	f, auth := newAuthFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := auth.Login(ctx, loginReq("nope"))
		require.ErrorIs(t, err, ErrInvalidCredentials)
		f.clock.Advance(time.Second)
	}
	// The fifth failure crosses the limit and reports the lock.
	_, err := auth.Login(ctx, loginReq("nope"))
	require.ErrorIs(t, err, ErrAccountLocked)

	// Even the correct password is refused while locked.
	f.clock.Advance(time.Second)
	_, err = auth.Login(ctx, loginReq("Corr3ctPass"))
	require.ErrorIs(t, err, ErrAccountLocked)

	// The window slides shut and the account recovers on its own.
	f.clock.Advance(31 * time.Minute)
	_, err = auth.Login(ctx, loginReq("Corr3ctPass"))
	require.NoError(t, err)
}

func TestLoginBlockedIP(t *testing.T) {
	f, auth := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.guard.AddIPRule(ctx, IPRule{OrganizationID: "org-1", Kind: IPRuleBlock, CIDR: "203.0.113.0/24"})
	require.NoError(t, err)

	_, err = auth.Login(ctx, loginReq("Corr3ctPass"))
	require.ErrorIs(t, err, ErrIPBlocked)
	assert.Equal(t, 1, f.events.countByType(seclog.EventUnauthorizedAccess))
	assert.Zero(t, f.events.countByType(seclog.EventLoginFailed),
		"address rules reject before credentials are touched")
}

func TestLoginInactiveAccount(t *testing.T) {
	f, auth := newAuthFixture(t)
	hash, err := policy.HashPassword("Passw0rdX")
	require.NoError(t, err)
	auth.users.(*memCredentials).users["off@corp.example"] = Credentials{
		UserID:         "u2",
		OrganizationID: "org-1",
		Email:          "off@corp.example",
		PasswordHash:   hash,
		Active:         false,
	}

	_, err = auth.Login(context.Background(), LoginRequest{
		OrganizationID: "org-1",
		Email:          "off@corp.example",
		Password:       "Passw0rdX",
		IPAddress:      "203.0.113.5",
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, f.events.countByType(seclog.EventLoginFailed))
}
