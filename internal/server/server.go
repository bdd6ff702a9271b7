package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bailedk/mile-quest-realtime/internal/manager"
	"github.com/bailedk/mile-quest-realtime/internal/server/middleware"
	"github.com/bailedk/mile-quest-realtime/pkg/config"
	"github.com/bailedk/mile-quest-realtime/pkg/socket"
)

type App struct {
	logger  *slog.Logger
	manager *manager.Manager
	config  *config.Config
	wg      sync.WaitGroup
	http    *http.Server

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, mgr *manager.Manager) *App {
	app := &App{
		logger:  logger,
		manager: mgr,
		config:  cfg,
		ctx:     rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewIPThrottle(app.logger, cfg.Server.Throttle),
			middleware.NewAuthMiddleware(app.logger, cfg.Server.Auth.JWTSecret),
		),
	)
	mux.HandleFunc("/healthz", app.healthHandler)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	a.manager.Start(a.ctx)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	readTimeout := a.config.Transport.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = a.config.Manager.ConnectionTimeout
	}
	conn := socket.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		socket.Config{ReadTimeout: readTimeout},
		a.logger,
	)

	record, err := a.manager.RegisterConnection(conn.SocketID(), reqMeta.UserID, reqMeta.TeamID, nil)
	if err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	sess := &session{
		app:    a,
		conn:   conn,
		connID: record.ID,
		meta:   reqMeta,
		logger: connLogger.With(slog.String("connID", record.ID)),
	}
	conn.SetOnMessageHandler(sess.handleMessage)
	conn.SetOnCloseHandler(func(socketID string, err error) {
		sess.logger.Info("Removing connection due to closure", slog.String("socketID", socketID))
		a.manager.RemoveConnection(record.ID)
	})

	connLogger.Info("Client connection fully established", slog.String("connID", record.ID))
	conn.Run()
	<-conn.Done()
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := a.manager.Monitor().HealthStatus()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.logger.Error("Failed to encode health status", slog.Any("error", err))
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// stop background maintenance and drop all connection state.
	a.manager.Stop()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
