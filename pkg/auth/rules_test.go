package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bailedk/mile-quest-realtime/pkg/auth"
)

func TestCheckPermissionUnknownAction(t *testing.T) {
	h := newHandler()
	assert.False(t, h.CheckPermission(context.Background(), "team-updates", "u1", "fly", ""))
	assert.False(t, h.CheckPermission(context.Background(), "team-updates", "u1", "", ""))
}

func TestCheckPermissionBuiltInConventions(t *testing.T) {
	h := newHandler()
	ctx := context.Background()

	// Public channels are world-readable but not writable.
	assert.True(t, h.CheckPermission(ctx, "team-updates", "u1", "read", ""))
	assert.False(t, h.CheckPermission(ctx, "team-updates", "u1", "write", ""))

	// Owner of a user channel can do everything.
	assert.True(t, h.CheckPermission(ctx, "private-user-u1", "u1", "moderate", ""))
	assert.False(t, h.CheckPermission(ctx, "private-user-u1", "u2", "read", ""))

	// Team members read and write but do not moderate.
	assert.True(t, h.CheckPermission(ctx, "private-team-t1", "u1", "write", "t1"))
	assert.False(t, h.CheckPermission(ctx, "private-team-t1", "u1", "moderate", "t1"))
}

func TestRuleWithCustomValidator(t *testing.T) {
	h := newHandler()
	ctx := context.Background()

	h.AddAuthorizationRule(auth.Rule{
		Pattern: "private-goal-*",
		Validator: func(_ context.Context, userID, _ string) (bool, error) {
			return userID == "u1", nil
		},
	})

	assert.True(t, h.CheckPermission(ctx, "private-goal-42", "u1", "write", ""))
	assert.False(t, h.CheckPermission(ctx, "private-goal-42", "u2", "write", ""))

	// Rules also unlock AuthenticateChannel for channels outside the
	// user-/team- naming conventions.
	resp := h.AuthenticateChannel(ctx, auth.Request{
		SocketID: "sock-1",
		Channel:  "private-goal-42",
		Token:    signToken(t, "u1", "Ada"),
	})
	require.True(t, resp.Success)
}

func TestRuleValidatorErrorDenies(t *testing.T) {
	h := newHandler()
	h.AddAuthorizationRule(auth.Rule{
		Pattern: "private-goal-*",
		Validator: func(context.Context, string, string) (bool, error) {
			return true, errors.New("backend unavailable")
		},
	})
	assert.False(t, h.CheckPermission(context.Background(), "private-goal-1", "u1", "read", ""))
}

func TestRuleRequiredRoles(t *testing.T) {
	h := newHandler()
	h.SetRoleResolver(func(_ context.Context, userID, _ string) ([]string, error) {
		if userID == "captain" {
			return []string{"member", "captain"}, nil
		}
		return []string{"member"}, nil
	})
	h.AddAuthorizationRule(auth.Rule{
		Pattern:       "private-admin-*",
		RequiredRoles: []string{"captain"},
	})

	ctx := context.Background()
	assert.True(t, h.CheckPermission(ctx, "private-admin-t1", "captain", "moderate", "t1"))
	assert.False(t, h.CheckPermission(ctx, "private-admin-t1", "u1", "moderate", "t1"))
}

func TestRuleRequiredRolesWithoutResolverDenies(t *testing.T) {
	h := newHandler()
	h.AddAuthorizationRule(auth.Rule{
		Pattern:       "private-admin-*",
		RequiredRoles: []string{"captain"},
	})
	assert.False(t, h.CheckPermission(context.Background(), "private-admin-t1", "u1", "read", ""))
}

func TestRulesFirstMatchWins(t *testing.T) {
	h := newHandler()
	ctx := context.Background()

	allow := auth.Rule{
		Pattern:   "private-goal-*",
		Validator: func(context.Context, string, string) (bool, error) { return true, nil },
	}
	deny := auth.Rule{
		Pattern:   "private-goal-*",
		Validator: func(context.Context, string, string) (bool, error) { return false, nil },
	}

	h.AddAuthorizationRule(deny)
	h.AddAuthorizationRule(allow)
	// Insertion order decides: the deny rule was registered first.
	assert.False(t, h.CheckPermission(ctx, "private-goal-1", "u1", "read", ""))

	h.RemoveAuthorizationRule("private-goal-*")
	// With both occurrences gone, the channel falls back to conventions
	// and is denied for lack of a matching scope.
	assert.False(t, h.CheckPermission(ctx, "private-goal-1", "u1", "read", ""))

	h.AddAuthorizationRule(allow)
	assert.True(t, h.CheckPermission(ctx, "private-goal-1", "u1", "read", ""))
}
