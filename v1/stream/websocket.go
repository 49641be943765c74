package stream

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-taskwarp/v1/broadcast"
	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
)

// Inbound event kinds.
const (
	LockRequest   = "task:lock"
	UnlockRequest = "task:unlock"
)

// Inbound is a frame sent by the client.
type Inbound struct {
	Event string `json:"event"`
	Data  struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

// LockResponse is the payload of task:lock:response and task:unlock:response.
type LockResponse struct {
	TaskID       string `json:"taskId"`
	UserID       string `json:"userId"`
	LockedBy     string `json:"lockedBy,omitempty"`
	LockedByName string `json:"lockedByName,omitempty"`
	Success      bool   `json:"success"`
	Message      string `json:"message"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type wsConn struct {
	conn     *websocket.Conn
	client   *broadcast.Client
	token    string
	identity session.Identity
	sessions session.Store
	locker   Locker
	opts     options
	logger   *slog.Logger
}

// WebSocketHandler admits authenticated WebSocket connections to hub and
// serves their lock requests through locker. Closing a connection does not
// release the locks its user holds.
func WebSocketHandler(sessions session.Store, hub *broadcast.Hub, locker Locker, opts ...Option) http.HandlerFunc {
	o := buildOptions(opts)
	upgrader := websocket.Upgrader{CheckOrigin: o.checkOrigin}
	return func(w http.ResponseWriter, r *http.Request) {
		token, sess, ok := authenticate(w, r, sessions, o.logger)
		if !ok {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		client, err := hub.Register(sess.Identity())
		if err != nil {
			o.logger.Error("stream: register failed", "user", sess.UserID, "error", err)
			return
		}

		c := &wsConn{
			conn:     conn,
			client:   client,
			token:    token,
			identity: sess.Identity(),
			sessions: sessions,
			locker:   locker,
			opts:     o,
			logger:   o.logger.With("conn", client.ID(), "user", sess.UserID),
		}
		c.logger.Info("stream: websocket connected", "token_prefix", tokenPrefix(token))

		done := make(chan struct{})
		go func() {
			defer close(done)
			c.writePump()
		}()
		c.readPump(r.Context())
		hub.Unregister(client)
		<-done
		c.logger.Info("stream: websocket disconnected", "dropped", client.Dropped())
	}
}

func (c *wsConn) readPump(ctx context.Context) {
	pongWait := 2 * c.opts.pingInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			_ = c.client.Reply(broadcast.ErrorEvent, ErrorPayload{Message: "malformed frame", Code: "BAD_FRAME"})
			continue
		}
		if !c.handle(ctx, in) {
			return
		}
	}
}

// handle serves one inbound frame. It returns false when the connection
// must be closed.
func (c *wsConn) handle(ctx context.Context, in Inbound) bool {
	if _, err := c.sessions.ValidateAndRefresh(ctx, c.token); err != nil {
		code := "INVALID_TOKEN"
		if !stdErrors.Is(err, warperrors.ErrUnauthenticated) {
			code = "AUTH_ERROR"
		}
		_ = c.client.Reply(broadcast.ErrorEvent, ErrorPayload{Message: "Authentication error: session is no longer valid", Code: code})
		c.logger.Info("stream: session ended, closing connection", "error", err)
		return false
	}

	var kind string
	switch in.Event {
	case LockRequest:
		kind = broadcast.LockResponse
	case UnlockRequest:
		kind = broadcast.UnlockResponse
	default:
		_ = c.client.Reply(broadcast.ErrorEvent, ErrorPayload{Message: "unknown event " + in.Event, Code: "UNKNOWN_EVENT"})
		return true
	}
	resp := LockResponse{TaskID: in.Data.TaskID, UserID: c.identity.UserID}
	if in.Data.TaskID == "" {
		resp.Message = "taskId is required"
		_ = c.client.Reply(kind, resp)
		return true
	}
	if in.Event == LockRequest {
		res := c.locker.Lock(ctx, in.Data.TaskID, c.identity)
		resp.Success, resp.Message, resp.LockedBy = res.Success, res.Message, res.LockedBy
		if res.Success {
			resp.LockedByName = c.identity.Name
		}
	} else {
		res := c.locker.Unlock(ctx, in.Data.TaskID, c.identity)
		resp.Success, resp.Message = res.Success, res.Message
	}
	_ = c.client.Reply(kind, resp)
	return true
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.client.Send():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.client.Done():
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.conn.Close()
			return
		}
	}
}

// flush writes frames still queued when the client was closed, such as the
// error sent before an authentication close.
func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.client.Send():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
