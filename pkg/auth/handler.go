package auth

import (
	"context"
	"log/slog"
	"sync"
)

// Error codes surfaced to subscribers. Internal verification errors are never
// leaked; everything unexpected collapses to CodeAuthError.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeTokenRequired        = "TOKEN_REQUIRED"
	CodeAuthError            = "AUTH_ERROR"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
)

// Request carries everything a client presents when asking to join a channel.
type Request struct {
	SocketID string
	Channel  string
	UserID   string
	TeamID   string
	Token    string
	UserData map[string]any
}

// ChannelData is the member payload handed out for presence channels.
type ChannelData struct {
	UserID   string         `json:"user_id"`
	UserInfo map[string]any `json:"user_info"`
}

// Response is the structured outcome of a channel authentication attempt.
type Response struct {
	Success     bool
	Auth        *Identity
	Permissions *Permissions
	ChannelData *ChannelData
	Err         string
	ErrorCode   string
}

// AuthorizeResult is the outcome of the lower-level, token-free check.
type AuthorizeResult struct {
	Success     bool
	Permissions *Permissions
	ErrorCode   string
}

// RoleResolver looks up the roles a user holds within a team. Used only by
// rules that declare RequiredRoles.
type RoleResolver func(ctx context.Context, userID, teamID string) ([]string, error)

// TeamMembershipResolver answers whether a user belongs to a team. When nil,
// membership falls back to comparing the request's team id with the channel's.
type TeamMembershipResolver func(ctx context.Context, userID, teamID string) (bool, error)

// Handler authorizes (user, channel) pairs. Channel-name prefixes pick the
// policy: public channels always pass, private- and presence- channels
// require a verified token plus a name-convention ownership check.
type Handler struct {
	verifier TokenVerifier
	logger   *slog.Logger

	roles      RoleResolver
	membership TeamMembershipResolver

	rulesMu sync.RWMutex
	rules   []Rule
}

func NewHandler(verifier TokenVerifier, logger *slog.Logger) *Handler {
	return &Handler{
		verifier: verifier,
		logger:   logger.With(slog.String("component", "auth_handler")),
	}
}

// SetRoleResolver installs the role lookup used by role-gated rules.
func (h *Handler) SetRoleResolver(r RoleResolver) { h.roles = r }

// SetTeamMembershipResolver installs the membership check for team channels.
func (h *Handler) SetTeamMembershipResolver(r TeamMembershipResolver) { h.membership = r }

// AuthenticateChannel evaluates a subscription request end to end. It never
// panics out and never returns a raw verification error; callers only ever
// see the structured Response.
func (h *Handler) AuthenticateChannel(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic during channel authentication", slog.Any("panic", r))
			resp = Response{Success: false, Err: "Authentication failed", ErrorCode: CodeAuthError}
		}
	}()

	// Parameter validation always precedes any identity call.
	if req.SocketID == "" || req.Channel == "" {
		return Response{Success: false, Err: "socketId and channel are required", ErrorCode: CodeInvalidRequest}
	}

	kind := KindOf(req.Channel)
	if kind == ChannelPublic {
		perms := PublicPermissions()
		return Response{Success: true, Permissions: &perms}
	}

	if req.Token == "" {
		return Response{Success: false, Err: "token is required for " + req.Channel, ErrorCode: CodeTokenRequired}
	}

	ident, err := h.verifier.Verify(ctx, req.Token)
	if err != nil {
		// The cause is logged but deliberately not exposed.
		h.logger.Warn("Token verification failed",
			slog.String("socketID", req.SocketID),
			slog.String("channel", req.Channel),
			slog.Any("error", err),
		)
		return Response{Success: false, Err: "Authentication failed", ErrorCode: CodeAuthError}
	}

	authz := h.authorize(ctx, req.Channel, ident.UserID, req.TeamID)
	if !authz.Success {
		return Response{Success: false, Auth: ident, Err: "Not authorized for channel", ErrorCode: authz.ErrorCode}
	}

	resp = Response{Success: true, Auth: ident, Permissions: authz.Permissions}
	if kind == ChannelPresence {
		info := map[string]any{"name": ident.Name}
		for k, v := range req.UserData {
			info[k] = v
		}
		resp.ChannelData = &ChannelData{UserID: ident.UserID, UserInfo: info}
	}
	return resp
}

// AuthorizeChannel resolves channel access for an already established
// identity, without requiring a fresh token.
func (h *Handler) AuthorizeChannel(ctx context.Context, channel, userID, teamID string) AuthorizeResult {
	if channel == "" || userID == "" {
		return AuthorizeResult{Success: false, ErrorCode: CodeInvalidRequest}
	}
	if KindOf(channel) == ChannelPublic {
		perms := PublicPermissions()
		return AuthorizeResult{Success: true, Permissions: &perms}
	}
	return h.authorize(ctx, channel, userID, teamID)
}

func (h *Handler) authorize(ctx context.Context, channel, userID, teamID string) AuthorizeResult {
	scopeKind, scopeID := scope(channel)
	switch scopeKind {
	case "user":
		if scopeID == userID {
			perms := OwnerPermissions()
			return AuthorizeResult{Success: true, Permissions: &perms}
		}
		return AuthorizeResult{Success: false, ErrorCode: CodeAuthenticationFailed}

	case "team":
		member, err := h.isTeamMember(ctx, userID, scopeID, teamID)
		if err != nil {
			h.logger.Warn("Team membership lookup failed",
				slog.String("userID", userID),
				slog.String("channel", channel),
				slog.Any("error", err),
			)
			return AuthorizeResult{Success: false, ErrorCode: CodeAuthError}
		}
		if !member {
			return AuthorizeResult{Success: false, ErrorCode: CodeAuthenticationFailed}
		}
		perms := MemberPermissions()
		return AuthorizeResult{Success: true, Permissions: &perms}

	default:
		// Channels outside the user-/team- conventions are only reachable
		// through an explicitly registered rule.
		if rule, ok := h.matchRule(channel); ok && h.evaluateRule(ctx, rule, userID, teamID, channel) {
			perms := MemberPermissions()
			return AuthorizeResult{Success: true, Permissions: &perms}
		}
		return AuthorizeResult{Success: false, ErrorCode: CodeAuthenticationFailed}
	}
}

func (h *Handler) isTeamMember(ctx context.Context, userID, channelTeamID, requestTeamID string) (bool, error) {
	if h.membership != nil {
		return h.membership(ctx, userID, channelTeamID)
	}
	return requestTeamID != "" && requestTeamID == channelTeamID, nil
}

// CheckPermission reports whether userID may perform action on channel. It
// never returns an error; unknown actions and every internal failure read as
// a denial. Registered rules take precedence over the built-in conventions,
// first match wins.
func (h *Handler) CheckPermission(ctx context.Context, channel, userID, action, teamID string) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Panic during permission check", slog.Any("panic", r))
			allowed = false
		}
	}()

	switch action {
	case "read", "write", "invite", "moderate":
	default:
		return false
	}

	if rule, ok := h.matchRule(channel); ok {
		return h.evaluateRule(ctx, rule, userID, teamID, channel)
	}

	result := h.AuthorizeChannel(ctx, channel, userID, teamID)
	if !result.Success || result.Permissions == nil {
		return false
	}
	return result.Permissions.Can(action)
}
