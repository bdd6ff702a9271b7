package manager

import (
	"fmt"
	"time"

	"github.com/bailedk/mile-quest-realtime/pkg/auth"
)

// Status is the lifecycle state of a connection. Disconnected and failed are
// terminal; a reconnecting client is issued a brand-new connection id.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Error codes for manager operations. Transport failures never surface as
// errors at all; they come back inside SendResult.
const (
	CodeConnectionPoolExhausted = "CONNECTION_POOL_EXHAUSTED"
	CodeConnectionFailed        = "CONNECTION_FAILED"
	CodeAuthenticationFailed    = "AUTHENTICATION_FAILED"
	CodeRateLimited             = "RATE_LIMITED"
	CodeDeliveryFailed          = "DELIVERY_FAILED"
	CodeBatchDeliveryFailed     = "BATCH_DELIVERY_FAILED"
)

// Error is a structured, typed failure for precondition and capacity checks.
type Error struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode extracts the manager error code from err, or "" if err is not a
// manager error.
func ErrorCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// Connection is one physical client link. It is exclusively owned by the
// Manager; the health monitor only ever reads it through its own records.
type Connection struct {
	ID           string
	SocketID     string
	UserID       string
	TeamID       string
	ConnectedAt  time.Time
	LastActivity time.Time
	Status       Status
	Channels     map[string]struct{}
	// Metadata is an opaque, caller-owned bag; the manager never looks
	// inside it.
	Metadata map[string]any
}

// ChannelSubscription pairs a connection with a channel. Permissions are
// resolved once at subscribe time and deliberately not re-evaluated per
// message.
type ChannelSubscription struct {
	Channel      string
	SocketID     string
	UserID       string
	TeamID       string
	SubscribedAt time.Time
	LastActivity time.Time
	Permissions  auth.Permissions
}

// Event is a message to publish to a channel.
type Event struct {
	Channel  string
	Event    string
	Data     any
	UserID   string
	SocketID string
	EventID  string
}

// DeliveryError describes one failed delivery inside a SendResult.
type DeliveryError struct {
	SocketID  string
	Error     string
	ErrorCode string
}

// SendResult reports the outcome of a single event publish. Delivery
// failures are reported here, never thrown.
type SendResult struct {
	Success     bool
	DeliveredTo int
	Errors      []DeliveryError
	Latency     time.Duration
}

// BatchResult reports a batch publish. The transport call is all-or-nothing,
// so on failure every event in the batch is reported as failed.
type BatchResult struct {
	Success bool
	Results []SendResult
	Latency time.Duration
}
