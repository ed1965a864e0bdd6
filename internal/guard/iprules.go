package guard

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// AddIPRule validates and stores an explicit address rule. Single
// addresses are normalized to a full-length prefix.
func (s *Service) AddIPRule(ctx context.Context, r IPRule) (IPRule, error) {
	r.OrganizationID = strings.TrimSpace(r.OrganizationID)
	if r.OrganizationID == "" {
		return IPRule{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	if r.Kind != IPRuleBlock && r.Kind != IPRuleAllow {
		return IPRule{}, fmt.Errorf("%w: rule kind must be %q or %q", ErrInvalidInput, IPRuleBlock, IPRuleAllow)
	}
	prefix, err := parseAddrOrPrefix(r.CIDR)
	if err != nil {
		return IPRule{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	r.CIDR = prefix.String()
	if r.ExpiresAt != nil && !r.ExpiresAt.After(s.now()) {
		return IPRule{}, fmt.Errorf("%w: expires_at is in the past", ErrInvalidInput)
	}

	r.ID = newID()
	r.CreatedAt = s.now().UTC()
	if err := s.rules.Create(ctx, &r); err != nil {
		return IPRule{}, fmt.Errorf("guard: create ip rule: %w", err)
	}
	return r, nil
}

// RemoveIPRule deletes one rule.
func (s *Service) RemoveIPRule(ctx context.Context, organizationID, id string) error {
	if strings.TrimSpace(organizationID) == "" || strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: organization_id and id are required", ErrInvalidInput)
	}
	return s.rules.Delete(ctx, organizationID, id)
}

// ListIPRules returns the organization's rules.
func (s *Service) ListIPRules(ctx context.Context, organizationID string) ([]IPRule, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.rules.List(ctx, organizationID)
}

// CheckIP evaluates the address against explicit rules and the
// organization's settings lists, deny-first:
//
//  1. an explicit block rule denies;
//  2. a settings block list entry denies;
//  3. when any allow rule or allow list entry exists, the address must
//     match one of them;
//  4. otherwise the address is allowed.
func (s *Service) CheckIP(ctx context.Context, organizationID, ip string) (IPDecision, error) {
	if strings.TrimSpace(organizationID) == "" {
		return IPDecision{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return IPDecision{Allowed: false, Reason: "unparseable address"}, nil
	}

	settings, err := s.settings.GetSettings(ctx, organizationID)
	if err != nil {
		return IPDecision{}, fmt.Errorf("guard: load settings: %w", err)
	}
	rules, err := s.rules.List(ctx, organizationID)
	if err != nil {
		return IPDecision{}, fmt.Errorf("guard: list ip rules: %w", err)
	}

	now := s.now().UTC()
	var haveAllow bool
	for _, r := range rules {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			continue
		}
		if r.Kind == IPRuleAllow {
			haveAllow = true
		}
		if r.Kind != IPRuleBlock {
			continue
		}
		if prefixContains(r.CIDR, addr) {
			reason := r.Reason
			if reason == "" {
				reason = "blocked by rule " + r.CIDR
			}
			return IPDecision{Allowed: false, Reason: reason}, nil
		}
	}
	for _, blocked := range settings.BlockedIPs {
		if prefixContains(blocked, addr) {
			return IPDecision{Allowed: false, Reason: "blocked by security settings"}, nil
		}
	}

	if haveAllow || len(settings.AllowedIPs) > 0 {
		for _, r := range rules {
			if r.Kind != IPRuleAllow {
				continue
			}
			if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
				continue
			}
			if prefixContains(r.CIDR, addr) {
				return IPDecision{Allowed: true, Reason: "matched allow rule"}, nil
			}
		}
		for _, allowed := range settings.AllowedIPs {
			if prefixContains(allowed, addr) {
				return IPDecision{Allowed: true, Reason: "matched allow list"}, nil
			}
		}
		return IPDecision{Allowed: false, Reason: "not in allow list"}, nil
	}
	return IPDecision{Allowed: true, Reason: "no restrictions"}, nil
}

func parseAddrOrPrefix(v string) (netip.Prefix, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return netip.Prefix{}, fmt.Errorf("address is required")
	}
	if strings.Contains(v, "/") {
		return netip.ParsePrefix(v)
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func prefixContains(v string, addr netip.Addr) bool {
	prefix, err := parseAddrOrPrefix(v)
	if err != nil {
		return false
	}
	return prefix.Contains(addr.Unmap())
}
