package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vantagecrm.org/internal/policy"
	"vantagecrm.org/internal/seclog"
)

// Credentials is the login view of a user account.
type Credentials struct {
	UserID         string
	OrganizationID string
	Email          string
	PasswordHash   string
	Active         bool
}

// CredentialSource looks accounts up by email within an organization.
type CredentialSource interface {
	FindByEmail(ctx context.Context, organizationID, email string) (Credentials, error)
}

// LoginRequest carries one authentication attempt.
type LoginRequest struct {
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	IPAddress      string `json:"-"`
	UserAgent      string `json:"-"`
}

// Authenticator runs the full login gauntlet: address rules first, then
// the lockout state, then the credentials. Every outcome lands in the
// event log.
type Authenticator struct {
	users CredentialSource
	guard *Service
}

// NewAuthenticator composes the guard service with an account source.
func NewAuthenticator(users CredentialSource, guard *Service) (*Authenticator, error) {
	if users == nil || guard == nil {
		return nil, errors.New("guard: credential source and guard service are required")
	}
	return &Authenticator{users: users, guard: guard}, nil
}

// Login authenticates one attempt. A wrong password and an unknown
// account both come back as ErrInvalidCredentials; a locked account is
// the one distinct failure the caller may surface.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (Credentials, error) {
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.OrganizationID == "" || req.Email == "" || req.Password == "" {
		return Credentials{}, fmt.Errorf("%w: organization_id, email and password are required", ErrInvalidInput)
	}

	decision, err := a.guard.CheckIP(ctx, req.OrganizationID, req.IPAddress)
	if err != nil {
		return Credentials{}, err
	}
	if !decision.Allowed {
		a.guard.events.BestEffort(ctx, seclog.Event{
			OrganizationID: req.OrganizationID,
			Type:           seclog.EventUnauthorizedAccess,
			Description:    "login rejected by ip rules",
			Metadata:       map[string]string{"reason": decision.Reason},
			IPAddress:      req.IPAddress,
			UserAgent:      req.UserAgent,
		})
		return Credentials{}, ErrIPBlocked
	}

	user, err := a.users.FindByEmail(ctx, req.OrganizationID, req.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.guard.events.BestEffort(ctx, seclog.Event{
				OrganizationID: req.OrganizationID,
				Type:           seclog.EventLoginFailed,
				Description:    "failed login attempt",
				Metadata:       map[string]string{"email": req.Email, "reason": "unknown account"},
				IPAddress:      req.IPAddress,
				UserAgent:      req.UserAgent,
			})
			return Credentials{}, ErrInvalidCredentials
		}
		return Credentials{}, fmt.Errorf("guard: account lookup: %w", err)
	}

	locked, err := a.guard.IsAccountLocked(ctx, req.OrganizationID, user.UserID)
	if err != nil {
		return Credentials{}, err
	}
	if locked {
		a.guard.events.BestEffort(ctx, seclog.Event{
			OrganizationID: req.OrganizationID,
			Type:           seclog.EventLoginFailed,
			TargetUserID:   user.UserID,
			Description:    "login attempt on locked account",
			Metadata:       map[string]string{"email": req.Email, "reason": "account locked"},
			IPAddress:      req.IPAddress,
			UserAgent:      req.UserAgent,
		})
		return Credentials{}, ErrAccountLocked
	}

	if !user.Active || policy.VerifyPassword(user.PasswordHash, req.Password) != nil {
		reason := "wrong password"
		if !user.Active {
			reason = "inactive account"
		}
		state, effect, err := a.guard.RegisterFailedLogin(ctx, FailedLogin{
			OrganizationID: req.OrganizationID,
			UserID:         user.UserID,
			Email:          req.Email,
			IPAddress:      req.IPAddress,
			UserAgent:      req.UserAgent,
			Reason:         reason,
		})
		if err != nil {
			return Credentials{}, err
		}
		effect.RunAsync()
		if state.Locked {
			return Credentials{}, ErrAccountLocked
		}
		return Credentials{}, ErrInvalidCredentials
	}

	a.guard.RegisterSuccessfulLogin(ctx, req.OrganizationID, user.UserID, req.Email, req.IPAddress, req.UserAgent)
	return user, nil
}
