package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxMessageBytes     = 64 << 10
)

// Handler processes one inbound payload. Calls arrive one at a time, in the
// order the client sent them.
type Handler func(ctx context.Context, payload []byte)

type ConnConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Conn is one authenticated websocket connection. Writes go through a single
// pump so frames leave in the order they were queued.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	config ConnConfig
	logger *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, userID string, cfg ConnConfig) *Conn {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultStreamBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := newConnID()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, cfg.SendBuffer),
		config: cfg,
		logger: logger.With(zap.String("conn_id", id), zap.String("user_id", userID)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) UserID() string {
	return c.userID
}

// Context is cancelled once the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

func (c *Conn) Logger() *zap.Logger {
	return c.logger
}

// Send queues a frame without blocking. A connection whose queue is full is
// closed, and the client is expected to rejoin.
func (c *Conn) Send(frame protocol.Frame) bool {
	payload, err := protocol.Encode(frame)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("type", string(frame.Type)), zap.Error(err))
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("send queue full, closing connection")
		c.Close()
		return false
	}
}

// Forward copies a subscription stream onto the connection until either side ends.
func (c *Conn) Forward(stream <-chan protocol.Frame) {
	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case frame, ok := <-stream:
				if !ok || !c.Send(frame) {
					return
				}
			}
		}
	}()
}

// Run pumps the connection until the client goes away, handing every inbound
// payload to handle. It returns after the last payload has been handled.
func (c *Conn) Run(handle Handler) {
	inbound := make(chan []byte, c.config.SendBuffer)
	processed := make(chan struct{})
	go c.writePump()
	go func() {
		defer close(processed)
		for payload := range inbound {
			handle(c.ctx, payload)
		}
	}()
	c.readPump(inbound)
	close(inbound)
	<-processed
}

// Close stops both pumps. The write pump sends a close frame and releases the
// socket. It is safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(c.cancel)
}

func (c *Conn) readPump(inbound chan<- []byte) {
	defer c.Close()
	pongWait := 2 * c.config.PingInterval
	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case inbound <- payload:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.ctx.Done():
			deadline := time.Now().Add(c.config.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func newConnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
