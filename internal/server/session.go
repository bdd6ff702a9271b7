package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/bailedk/mile-quest-realtime/internal/manager"
	"github.com/bailedk/mile-quest-realtime/internal/server/middleware"
	"github.com/bailedk/mile-quest-realtime/pkg/auth"
	"github.com/bailedk/mile-quest-realtime/pkg/socket"
)

// session binds one websocket link to its manager-side connection record and
// translates client frames into manager operations.
type session struct {
	app    *App
	conn   *socket.Connection
	connID string
	meta   *middleware.RequestMetadata
	logger *slog.Logger
}

// reply is the frame echoed back for every client action.
type reply struct {
	Action      string `json:"action"`
	Channel     string `json:"channel,omitempty"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	DeliveredTo int    `json:"deliveredTo,omitempty"`
}

func (s *session) handleMessage(ctx context.Context, socketID string, msg []byte) {
	action := gjson.GetBytes(msg, "action").String()
	channel := gjson.GetBytes(msg, "channel").String()

	switch action {
	case "subscribe":
		s.handleSubscribe(ctx, channel, msg)
	case "unsubscribe":
		s.app.manager.UnsubscribeFromChannel(s.connID, channel)
		s.send(reply{Action: "unsubscribe", Channel: channel, OK: true})
	case "publish":
		s.handlePublish(ctx, channel, msg)
	default:
		s.logger.Warn("Received unknown action", slog.String("action", action))
		s.send(reply{Action: action, OK: false, Error: "unknown action"})
	}
}

func (s *session) handleSubscribe(ctx context.Context, channel string, msg []byte) {
	var authReq *auth.Request
	if auth.RequiresAuth(channel) {
		req := auth.Request{
			SocketID: s.conn.SocketID(),
			Channel:  channel,
			UserID:   s.meta.UserID,
			TeamID:   s.meta.TeamID,
			Token:    gjson.GetBytes(msg, "token").String(),
		}
		if userData, ok := gjson.GetBytes(msg, "userData").Value().(map[string]any); ok {
			req.UserData = userData
		}
		authReq = &req
	}

	if err := s.app.manager.SubscribeToChannel(ctx, s.connID, channel, authReq); err != nil {
		s.send(reply{
			Action:    "subscribe",
			Channel:   channel,
			OK:        false,
			Error:     err.Error(),
			ErrorCode: manager.ErrorCode(err),
		})
		return
	}
	s.send(reply{Action: "subscribe", Channel: channel, OK: true})
}

func (s *session) handlePublish(ctx context.Context, channel string, msg []byte) {
	ev := manager.Event{
		Channel:  channel,
		Event:    gjson.GetBytes(msg, "event").String(),
		Data:     gjson.GetBytes(msg, "data").Value(),
		UserID:   s.meta.UserID,
		SocketID: s.conn.SocketID(),
		EventID:  gjson.GetBytes(msg, "eventId").String(),
	}

	res, err := s.app.manager.SendEvent(ctx, ev)
	if err != nil {
		s.send(reply{
			Action:    "publish",
			Channel:   channel,
			OK:        false,
			Error:     err.Error(),
			ErrorCode: manager.ErrorCode(err),
		})
		return
	}

	out := reply{Action: "publish", Channel: channel, OK: res.Success, DeliveredTo: res.DeliveredTo}
	if !res.Success && len(res.Errors) > 0 {
		out.Error = res.Errors[0].Error
		out.ErrorCode = res.Errors[0].ErrorCode
	}
	s.send(out)
}

func (s *session) send(r reply) {
	encoded, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("Failed to encode reply frame", slog.Any("error", err))
		return
	}
	s.conn.Send(encoded)
}
