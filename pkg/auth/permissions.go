package auth

import "strings"

// Permissions is the capability set resolved for a (user, channel) pair at
// subscribe time. It is not re-evaluated per message.
type Permissions struct {
	CanRead     bool `json:"canRead"`
	CanWrite    bool `json:"canWrite"`
	CanInvite   bool `json:"canInvite"`
	CanModerate bool `json:"canModerate"`
}

// Can reports whether the action name maps to a granted capability.
// Unknown actions are never granted.
func (p Permissions) Can(action string) bool {
	switch action {
	case "read":
		return p.CanRead
	case "write":
		return p.CanWrite
	case "invite":
		return p.CanInvite
	case "moderate":
		return p.CanModerate
	default:
		return false
	}
}

// PublicPermissions is what an anonymous or unauthenticated subscriber gets
// on a public channel.
func PublicPermissions() Permissions {
	return Permissions{CanRead: true}
}

// MemberPermissions is the default grant for an authorized team member.
func MemberPermissions() Permissions {
	return Permissions{CanRead: true, CanWrite: true}
}

// OwnerPermissions is the grant for the owner of a user-scoped channel.
func OwnerPermissions() Permissions {
	return Permissions{CanRead: true, CanWrite: true, CanInvite: true, CanModerate: true}
}

// ChannelKind classifies a channel by its name prefix. The prefix decides
// which authorization policy applies; comparison is case-sensitive.
type ChannelKind int

const (
	ChannelPublic ChannelKind = iota
	ChannelPrivate
	ChannelPresence
)

const (
	privatePrefix  = "private-"
	presencePrefix = "presence-"
)

func KindOf(channel string) ChannelKind {
	switch {
	case strings.HasPrefix(channel, presencePrefix):
		return ChannelPresence
	case strings.HasPrefix(channel, privatePrefix):
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

// RequiresAuth reports whether subscribing to channel needs an identity check.
func RequiresAuth(channel string) bool {
	return KindOf(channel) != ChannelPublic
}

// scope splits the part after the prefix into its convention-defined scope,
// e.g. "private-user-42" -> ("user", "42"), "presence-team-7" -> ("team", "7").
func scope(channel string) (kind, id string) {
	name := channel
	switch KindOf(channel) {
	case ChannelPrivate:
		name = strings.TrimPrefix(channel, privatePrefix)
	case ChannelPresence:
		name = strings.TrimPrefix(channel, presencePrefix)
	}
	if rest, ok := strings.CutPrefix(name, "user-"); ok {
		return "user", rest
	}
	if rest, ok := strings.CutPrefix(name, "team-"); ok {
		return "team", rest
	}
	return "", name
}
