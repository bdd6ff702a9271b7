package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bailedk/mile-quest-realtime/pkg/auth"
	"github.com/bailedk/mile-quest-realtime/pkg/config"
	"github.com/bailedk/mile-quest-realtime/pkg/delivery"
	"github.com/bailedk/mile-quest-realtime/pkg/health"
	"github.com/bailedk/mile-quest-realtime/pkg/ratelimit"
)

const (
	cleanupInterval = 60 * time.Second
	staleAfter      = 5 * time.Minute
)

// Manager owns the connection table and the per-channel subscription lists,
// and orchestrates the rate limiter, the authorization handler, the health
// monitor, and the delivery transport. All collaborators are injected so
// independent Manager instances can coexist.
type Manager struct {
	cfg     config.ManagerConfig
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	authz   *auth.Handler
	monitor *health.Monitor
	client  delivery.Client

	mu    sync.RWMutex
	conns map[string]*Connection
	subs  map[string][]*ChannelSubscription

	now func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	cfg config.ManagerConfig,
	limiter *ratelimit.Limiter,
	authz *auth.Handler,
	monitor *health.Monitor,
	client delivery.Client,
	logger *slog.Logger,
) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "connection_manager")),
		limiter: limiter,
		authz:   authz,
		monitor: monitor,
		client:  client,
		conns:   make(map[string]*Connection),
		subs:    make(map[string][]*ChannelSubscription),
		now:     time.Now,
	}
}

// Monitor exposes the health monitor for read-side consumers (the health
// endpoint).
func (m *Manager) Monitor() *health.Monitor { return m.monitor }

// --- Connection lifecycle ---

// RegisterConnection admits a new client link. It refuses once the live
// connection count has reached the configured maximum.
func (m *Manager) RegisterConnection(socketID, userID, teamID string, metadata map[string]any) (*Connection, error) {
	m.mu.Lock()
	if len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.logger.Warn("Connection pool exhausted",
			slog.String("socketID", socketID),
			slog.Int("max", m.cfg.MaxConnections),
		)
		return nil, &Error{Code: CodeConnectionPoolExhausted, Message: "connection pool exhausted"}
	}

	now := m.now()
	conn := &Connection{
		ID:           uuid.NewString(),
		SocketID:     socketID,
		UserID:       userID,
		TeamID:       teamID,
		ConnectedAt:  now,
		LastActivity: now,
		Status:       StatusConnecting,
		Channels:     make(map[string]struct{}),
		Metadata:     metadata,
	}
	m.conns[conn.ID] = conn
	m.mu.Unlock()

	m.monitor.RegisterConnection(conn.ID, userID, string(StatusConnecting))

	// No handshake is modelled beyond this transition.
	m.mu.Lock()
	conn.Status = StatusConnected
	m.mu.Unlock()
	m.monitor.UpdateConnectionStatus(conn.ID, string(StatusConnected))

	m.logger.Debug("Connection registered",
		slog.String("connID", conn.ID),
		slog.String("socketID", socketID),
		slog.String("userID", userID),
	)
	return conn, nil
}

// RemoveConnection tears a connection down, cascading unsubscribes for every
// channel it holds. Removing an unknown id is a silent no-op.
func (m *Manager) RemoveConnection(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	for channel := range conn.Channels {
		m.dropSubscription(channel, conn.SocketID)
	}
	conn.Status = StatusDisconnected
	delete(m.conns, connID)
	m.mu.Unlock()

	m.monitor.RemoveConnection(connID)
	m.logger.Debug("Connection removed", slog.String("connID", connID))
}

// GetConnection looks up a live connection.
func (m *Manager) GetConnection(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

// ConnectionCount reports how many connections are live.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// --- Channel subscriptions ---

// SubscribeToChannel authorizes and records a (connection, channel) pairing.
// Permissions are resolved here, once; a later revocation does not affect the
// open subscription until the client resubscribes.
func (m *Manager) SubscribeToChannel(ctx context.Context, connID, channel string, authReq *auth.Request) error {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return &Error{Code: CodeConnectionFailed, Message: "unknown connection"}
	}

	limitKey := conn.UserID
	if limitKey == "" {
		limitKey = conn.SocketID
	}
	if res := m.limiter.CheckSubscriptionLimit(limitKey); !res.Allowed {
		m.limiter.RecordViolation(limitKey, "subscriptions")
		return &Error{Code: CodeRateLimited, Message: "subscription rate limit exceeded", RetryAfter: res.RetryAfter}
	}

	perms := auth.PublicPermissions()
	if auth.RequiresAuth(channel) {
		if authReq == nil {
			return &Error{Code: CodeAuthenticationFailed, Message: "channel requires authentication"}
		}
		req := *authReq
		if req.SocketID == "" {
			req.SocketID = conn.SocketID
		}
		if req.Channel == "" {
			req.Channel = channel
		}
		if req.UserID == "" {
			req.UserID = conn.UserID
		}
		if req.TeamID == "" {
			req.TeamID = conn.TeamID
		}
		resp := m.authz.AuthenticateChannel(ctx, req)
		if !resp.Success {
			return &Error{Code: resp.ErrorCode, Message: resp.Err}
		}
		if resp.Permissions != nil {
			perms = *resp.Permissions
		}
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	// The lock was released for the authorization call; the connection may
	// have been removed in the meantime, and recording a subscription for it
	// would leave a phantom entry behind.
	if _, ok := m.conns[connID]; !ok {
		return &Error{Code: CodeConnectionFailed, Message: "unknown connection"}
	}

	// One entry per socket on a channel: a duplicate subscribe refreshes
	// the existing entry instead of appending a second one.
	for _, sub := range m.subs[channel] {
		if sub.SocketID == conn.SocketID {
			sub.Permissions = perms
			sub.LastActivity = now
			conn.Channels[channel] = struct{}{}
			conn.LastActivity = now
			return nil
		}
	}

	m.subs[channel] = append(m.subs[channel], &ChannelSubscription{
		Channel:      channel,
		SocketID:     conn.SocketID,
		UserID:       conn.UserID,
		TeamID:       conn.TeamID,
		SubscribedAt: now,
		LastActivity: now,
		Permissions:  perms,
	})
	conn.Channels[channel] = struct{}{}
	conn.LastActivity = now

	m.logger.Debug("Subscribed to channel",
		slog.String("connID", connID),
		slog.String("channel", channel),
	)
	return nil
}

// UnsubscribeFromChannel removes the connection's entry from the channel.
// Unknown connections and channels are silent no-ops.
func (m *Manager) UnsubscribeFromChannel(connID, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	m.dropSubscription(channel, conn.SocketID)
	delete(conn.Channels, channel)
	conn.LastActivity = m.now()
}

// dropSubscription removes socketID's entry from the channel's list and
// deletes the list entirely when it empties. Callers must hold mu.
func (m *Manager) dropSubscription(channel, socketID string) {
	list := m.subs[channel]
	for i, sub := range list {
		if sub.SocketID == socketID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.subs, channel)
		return
	}
	m.subs[channel] = list
}

// ChannelSubscriptions returns a copy of the channel's subscriber list.
func (m *Manager) ChannelSubscriptions(channel string) []ChannelSubscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChannelSubscription, 0, len(m.subs[channel]))
	for _, sub := range m.subs[channel] {
		out = append(out, *sub)
	}
	return out
}

// --- Event dispatch ---

// SendEvent publishes one event through the delivery transport. Precondition
// failures (rate limit) come back as an error; transport failures come back
// inside the result, never as an error.
func (m *Manager) SendEvent(ctx context.Context, ev Event) (SendResult, error) {
	sender := ev.UserID
	if sender == "" {
		sender = ev.SocketID
	}
	if res := m.limiter.CheckMessageLimit(sender); !res.Allowed {
		m.limiter.RecordViolation(sender, "messages")
		return SendResult{}, &Error{Code: CodeRateLimited, Message: "message rate limit exceeded", RetryAfter: res.RetryAfter}
	}

	start := m.now()
	err := m.client.Trigger(ctx, ev.Channel, ev.Event, ev.Data)
	latency := m.now().Sub(start)

	if err != nil {
		m.monitor.RecordError("delivery", ev.SocketID)
		m.monitor.RecordLatency(latency)
		m.logger.Warn("Event delivery failed",
			slog.String("channel", ev.Channel),
			slog.String("event", ev.Event),
			slog.Any("error", err),
		)
		return SendResult{
			Success:     false,
			DeliveredTo: 0,
			Errors: []DeliveryError{{
				SocketID:  ev.SocketID,
				Error:     err.Error(),
				ErrorCode: CodeDeliveryFailed,
			}},
			Latency: latency,
		}, nil
	}

	m.monitor.RecordMessage(ev.SocketID, latency)
	m.touchSender(ev.SocketID)

	m.mu.RLock()
	delivered := len(m.subs[ev.Channel])
	m.mu.RUnlock()

	return SendResult{Success: true, DeliveredTo: delivered, Latency: latency}, nil
}

// SendEventBatch publishes a set of events as one transport call. The burst
// limit is charged against the first event's sender for the whole batch.
// The transport gives no partial-success granularity, so a failed batch
// reports every event as failed.
func (m *Manager) SendEventBatch(ctx context.Context, events []Event) (BatchResult, error) {
	if len(events) == 0 {
		return BatchResult{Success: true}, nil
	}

	sender := events[0].UserID
	if sender == "" {
		sender = events[0].SocketID
	}
	if res := m.limiter.CheckBurstLimit(sender, len(events)); !res.Allowed {
		m.limiter.RecordViolation(sender, "burst")
		return BatchResult{}, &Error{Code: CodeRateLimited, Message: "burst limit exceeded", RetryAfter: res.RetryAfter}
	}

	items := make([]delivery.BatchItem, len(events))
	for i, ev := range events {
		items[i] = delivery.BatchItem{Channel: ev.Channel, Name: ev.Event, Data: ev.Data}
	}

	start := m.now()
	err := m.client.TriggerBatch(ctx, items)
	latency := m.now().Sub(start)

	result := BatchResult{Latency: latency, Results: make([]SendResult, len(events))}
	if err != nil {
		m.monitor.RecordError("batch_delivery", events[0].SocketID)
		m.logger.Warn("Batch delivery failed",
			slog.Int("events", len(events)),
			slog.Any("error", err),
		)
		for i, ev := range events {
			result.Results[i] = SendResult{
				Success: false,
				Errors: []DeliveryError{{
					SocketID:  ev.SocketID,
					Error:     err.Error(),
					ErrorCode: CodeDeliveryFailed,
				}},
				Latency: latency,
			}
		}
		return result, nil
	}

	result.Success = true
	m.mu.RLock()
	for i, ev := range events {
		result.Results[i] = SendResult{
			Success:     true,
			DeliveredTo: len(m.subs[ev.Channel]),
			Latency:     latency,
		}
	}
	m.mu.RUnlock()
	for _, ev := range events {
		m.monitor.RecordMessage(ev.SocketID, latency)
	}
	return result, nil
}

// touchSender refreshes LastActivity for the connection behind socketID.
func (m *Manager) touchSender(socketID string) {
	if socketID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if conn.SocketID == socketID {
			conn.LastActivity = m.now()
			return
		}
	}
}

// --- Background maintenance ---

// Start launches the heartbeat probe, the stale-connection reaper, the
// limiter sweep, and the monitor collector.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.limiter.Start(runCtx)
	m.monitor.Start(runCtx)

	m.wg.Add(2)
	go m.heartbeatLoop(runCtx)
	go m.cleanupLoop(runCtx)

	m.logger.Info("Connection manager started",
		slog.Duration("heartbeat", m.cfg.HeartbeatInterval),
		slog.Int("maxConnections", m.cfg.MaxConnections),
	)
}

// Stop cancels every background task and releases all held state so a
// manager can be started and stopped repeatedly without leaking.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
	m.limiter.Stop()
	m.monitor.Stop()

	m.mu.Lock()
	for id := range m.conns {
		m.monitor.RemoveConnection(id)
	}
	m.conns = make(map[string]*Connection)
	m.subs = make(map[string][]*ChannelSubscription)
	m.mu.Unlock()

	m.logger.Info("Connection manager stopped")
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.healthCheck(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// healthCheck probes the delivery transport. A failing probe degrades the
// reported health status; it never stops the manager.
func (m *Manager) healthCheck(ctx context.Context) {
	if err := m.client.Probe(ctx); err != nil {
		m.logger.Warn("Delivery transport probe failed", slog.Any("error", err))
		m.monitor.RecordError("health_check", "")
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapStale()
		case <-ctx.Done():
			return
		}
	}
}

// reapStale force-removes every connection idle for longer than five
// minutes.
func (m *Manager) reapStale() {
	cutoff := m.now().Add(-staleAfter)

	m.mu.RLock()
	var stale []string
	for id, conn := range m.conns {
		if conn.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.logger.Info("Reaping stale connection", slog.String("connID", id))
		m.RemoveConnection(id)
	}
}
