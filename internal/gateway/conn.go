package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// conn is the transport shared by seller and manager connections: a read loop
// dispatching envelopes one at a time and a writer draining a bounded queue.
type conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out          chan []byte
	writeTimeout time.Duration

	closeOnce sync.Once
}

func newConn(ctx context.Context, ws *websocket.Conn, log *slog.Logger, queueSize int, writeTimeout time.Duration) *conn {
	ctx, cancel := context.WithCancel(ctx)
	return &conn{
		ws:           ws,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		out:          make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
	}
}

// send queues one message. It never blocks: when the queue is full the
// message is dropped and false is returned.
func (c *conn) send(typ string, data any) bool {
	raw, err := json.Marshal(outbound{Type: typ, Data: data})
	if err != nil {
		c.log.Error("gateway: encode message", "type", typ, "err", err)
		return false
	}
	return c.sendRaw(typ, raw)
}

func (c *conn) sendRaw(typ string, raw []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.out <- raw:
		return true
	default:
		c.log.Warn("gateway: outbound queue full, message dropped", "type", typ)
		return false
	}
}

// relay wraps an already encoded payload in an envelope and queues it.
func (c *conn) relay(typ string, payload []byte) bool {
	if !json.Valid(payload) {
		c.log.Warn("gateway: invalid relayed payload", "type", typ)
		return false
	}
	return c.send(typ, json.RawMessage(payload))
}

func (c *conn) sendError(msg string) {
	c.send(TypeError, errorData{Message: msg})
}

// writeLoop drains the outbound queue until the connection context ends or a
// write fails.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case raw := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.log.Debug("gateway: write failed", "err", err)
				}
				c.cancel()
				return
			}
		}
	}
}

// readLoop reads envelopes until the peer goes away and hands each one to
// dispatch. A panicking handler is logged and the connection stays open.
func (c *conn) readLoop(dispatch func(ctx context.Context, env envelope) error) {
	defer c.cancel()
	for {
		typ, raw, err := c.ws.Read(c.ctx)
		if err != nil {
			if s := websocket.CloseStatus(err); s != websocket.StatusNormalClosure && s != websocket.StatusGoingAway && c.ctx.Err() == nil {
				c.log.Debug("gateway: read ended", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.sendError("binary messages are not supported")
			continue
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			c.sendError("invalid message")
			continue
		}
		c.dispatch(dispatch, env)
	}
}

func (c *conn) dispatch(fn func(ctx context.Context, env envelope) error, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("gateway: handler panicked",
				"type", env.Type, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			c.sendError("internal error")
		}
	}()
	if err := fn(c.ctx, env); err != nil {
		var ce *clientError
		if errors.As(err, &ce) {
			c.sendError(ce.msg)
			return
		}
		c.log.Warn("gateway: handler failed", "type", env.Type, "err", err)
		c.sendError("internal error")
	}
}

// close ends the connection with status and reason. It is safe to call more
// than once.
func (c *conn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(status, reason)
		c.cancel()
	})
}

// clientError is a handler failure whose message is safe to show the client.
type clientError struct {
	msg string
}

func (e *clientError) Error() string { return e.msg }

func clientErrorf(format string, args ...any) error {
	return &clientError{msg: fmt.Sprintf(format, args...)}
}

func decode[T any](env envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, clientErrorf("invalid %s payload", env.Type)
	}
	return v, nil
}
