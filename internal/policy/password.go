package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordReused signals that a candidate password matches one of the
// stored history entries.
var ErrPasswordReused = fmt.Errorf("%w: password was used recently", ErrConflict)

// Violation identifies one failed password rule.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

const (
	RuleMinLength = "min_length"
	RuleUppercase = "require_uppercase"
	RuleLowercase = "require_lowercase"
	RuleNumbers   = "require_numbers"
	RuleSpecial   = "require_special"
)

// PolicyViolationError carries the complete violation list so a client
// can present every failed rule at once.
type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "policy: password rejected: " + strings.Join(msgs, "; ")
}

// ValidatePassword evaluates every configured rule independently and
// returns the full list of violations, empty when the password passes.
func ValidatePassword(settings SecuritySettings, password string) []Violation {
	var violations []Violation
	if len(password) < settings.PasswordMinLength {
		violations = append(violations, Violation{
			Rule:    RuleMinLength,
			Message: fmt.Sprintf("password must be at least %d characters long", settings.PasswordMinLength),
		})
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if settings.PasswordRequireUppercase && !hasUpper {
		violations = append(violations, Violation{Rule: RuleUppercase, Message: "password must contain an uppercase letter"})
	}
	if settings.PasswordRequireLowercase && !hasLower {
		violations = append(violations, Violation{Rule: RuleLowercase, Message: "password must contain a lowercase letter"})
	}
	if settings.PasswordRequireNumbers && !hasDigit {
		violations = append(violations, Violation{Rule: RuleNumbers, Message: "password must contain a number"})
	}
	if settings.PasswordRequireSpecial && !hasSpecial {
		violations = append(violations, Violation{Rule: RuleSpecial, Message: "password must contain a special character"})
	}
	return violations
}

// ValidatePasswordPolicy is ValidatePassword folded into the error
// taxonomy: a non-empty violation list becomes a PolicyViolationError.
func ValidatePasswordPolicy(settings SecuritySettings, password string) error {
	if violations := ValidatePassword(settings, password); len(violations) > 0 {
		return &PolicyViolationError{Violations: violations}
	}
	return nil
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("policy: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("policy: password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// HistoryStore persists per-user password hashes, newest first.
type HistoryStore interface {
	RecentHashes(ctx context.Context, userID string, limit int) ([]string, error)
	// Append stores the hash and evicts entries beyond keep, oldest first.
	Append(ctx context.Context, userID, hash string, keep int) error
}

// Passwords enforces the non-reuse rule against stored history.
type Passwords struct {
	history  HistoryStore
	settings SettingsStore
}

// NewPasswords constructs the password history service.
func NewPasswords(history HistoryStore, settings SettingsStore) (*Passwords, error) {
	if history == nil || settings == nil {
		return nil, errors.New("policy: history and settings stores are required")
	}
	return &Passwords{history: history, settings: settings}, nil
}

// CheckPasswordHistory rejects a candidate password matching any of the
// last PasswordHistoryCount stored hashes. A count of zero disables the
// check entirely.
func (p *Passwords) CheckPasswordHistory(ctx context.Context, organizationID, userID, candidate string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || candidate == "" {
		return fmt.Errorf("%w: user_id and password are required", ErrInvalidInput)
	}
	settings, err := p.settings.Get(ctx, organizationID)
	if err != nil {
		return err
	}
	if settings.PasswordHistoryCount <= 0 {
		return nil
	}
	hashes, err := p.history.RecentHashes(ctx, userID, settings.PasswordHistoryCount)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil {
			return ErrPasswordReused
		}
	}
	return nil
}

// SavePasswordHistory appends the new hash after a successful password
// change and evicts the oldest entries beyond the configured bound.
func (p *Passwords) SavePasswordHistory(ctx context.Context, organizationID, userID, hash string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || hash == "" {
		return fmt.Errorf("%w: user_id and hash are required", ErrInvalidInput)
	}
	settings, err := p.settings.Get(ctx, organizationID)
	if err != nil {
		return err
	}
	if settings.PasswordHistoryCount <= 0 {
		return nil
	}
	return p.history.Append(ctx, userID, hash, settings.PasswordHistoryCount)
}
