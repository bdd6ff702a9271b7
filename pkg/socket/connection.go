// Package socket wraps a single websocket client link behind buffered
// read/write pumps so the rest of the system never touches the wire directly.
package socket

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is invoked for every text or binary frame a client sends.
type MessageHandler func(ctx context.Context, socketID string, msg []byte)

// CloseHandler is invoked exactly once when the connection is torn down.
type CloseHandler func(socketID string, err error)

type Config struct {
	ReadTimeout time.Duration
}

// Connection is a single, thread-safe websocket connection. The socket id is
// assigned here, at the transport layer, and identifies the link everywhere
// upstream.
type Connection struct {
	socketID string
	conn     *websocket.Conn
	config   Config
	send     chan []byte

	onMessage MessageHandler
	onClose   CloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config Config, logger *slog.Logger) *Connection {
	socketID := uuid.NewString()
	connCtx, cancel := context.WithCancel(parentCtx)

	// Accounted here, released in Close, so a connection closed before Run
	// still balances the wait group.
	wg.Add(1)
	return &Connection{
		socketID: socketID,
		conn:     conn,
		config:   config,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		wg:       wg,
		ctx:      connCtx,
		cancel:   cancel,
		logger:   logger.With(slog.String("socketID", socketID)),
	}
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) { c.onMessage = handler }
func (c *Connection) SetOnCloseHandler(handler CloseHandler)     { c.onClose = handler }

// SocketID returns the transport-assigned identifier of this link.
func (c *Connection) SocketID() string { return c.socketID }

// Run starts the read and write pumps. Teardown happens through Close, which
// either pump triggers on its first error.
func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
	c.logger.Debug("Socket connection established")
}

func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.socketID, message)
		}
	}
}

func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

// Send queues a message for the client. Safe for concurrent use; messages
// sent after close are dropped.
func (c *Connection) Send(message []byte) {
	// the send channel is never closed, so queueing can never panic. Once the
	// context is cancelled the write pump is gone and anything still sitting
	// in the buffer is simply never written.
	select {
	case <-c.ctx.Done():
		c.logger.Debug("Dropped send on closed socket")
	default:
		select {
		case c.send <- message:
		case <-c.ctx.Done():
			c.logger.Debug("Dropped send on closed socket")
		}
	}
}

// Close tears the connection down exactly once and notifies the close
// handler.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("Socket connection closing", slog.Any("reason", err))
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.socketID, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed once the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
