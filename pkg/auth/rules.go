package auth

import (
	"context"
	"path"
)

// RuleValidator is an optional custom check attached to a rule. Returning an
// error counts as a denial.
type RuleValidator func(ctx context.Context, userID, channel string) (bool, error)

// Rule is a custom authorization rule keyed by a glob pattern over the
// channel name. Rules are evaluated in registration order and the first
// pattern match wins; there is no priority field.
type Rule struct {
	Pattern       string
	RequiredRoles []string
	Validator     RuleValidator
}

func (r Rule) matches(channel string) bool {
	ok, err := path.Match(r.Pattern, channel)
	return err == nil && ok
}

// AddAuthorizationRule appends a rule to the evaluation list.
func (h *Handler) AddAuthorizationRule(rule Rule) {
	h.rulesMu.Lock()
	defer h.rulesMu.Unlock()
	h.rules = append(h.rules, rule)
}

// RemoveAuthorizationRule removes every rule registered under pattern.
func (h *Handler) RemoveAuthorizationRule(pattern string) {
	h.rulesMu.Lock()
	defer h.rulesMu.Unlock()

	kept := h.rules[:0]
	for _, r := range h.rules {
		if r.Pattern != pattern {
			kept = append(kept, r)
		}
	}
	h.rules = kept
}

// matchRule returns the first rule whose pattern matches channel.
func (h *Handler) matchRule(channel string) (Rule, bool) {
	h.rulesMu.RLock()
	defer h.rulesMu.RUnlock()

	for _, r := range h.rules {
		if r.matches(channel) {
			return r, true
		}
	}
	return Rule{}, false
}

// evaluateRule applies a matched rule's role requirements and custom
// validator. Both must pass for the rule to grant access.
func (h *Handler) evaluateRule(ctx context.Context, rule Rule, userID, teamID, channel string) bool {
	if len(rule.RequiredRoles) > 0 {
		if h.roles == nil {
			return false
		}
		held, err := h.roles(ctx, userID, teamID)
		if err != nil {
			return false
		}
		have := make(map[string]bool, len(held))
		for _, role := range held {
			have[role] = true
		}
		for _, want := range rule.RequiredRoles {
			if !have[want] {
				return false
			}
		}
	}

	if rule.Validator != nil {
		ok, err := rule.Validator(ctx, userID, channel)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
