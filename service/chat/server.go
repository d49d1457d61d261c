package chat

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"chatgate/logger"
	"chatgate/service/broker"
	"chatgate/service/storage"
	"chatgate/tools/decode"
	"chatgate/tools/errs"
	"chatgate/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const authDeadline = 30 * time.Second

// Options carries the per-instance knobs the gateway needs at runtime.
type Options struct {
	InstanceID        string
	Host              string
	Port              int
	ServiceTTL        time.Duration
	PresenceTTL       time.Duration
	SessionTTL        time.Duration
	HeartbeatInterval time.Duration
	MaxContentLength  int
	SendQueueSize     int
}

// Server is one gateway instance: it owns the local connection registry
// and is both a producer and a consumer of the broker. All collaborators
// are injected; the Server holds no hidden globals.
type Server struct {
	opts     Options
	reg      *Registry
	store    MessageStore
	users    Directory
	presence Presence
	bus      Publisher
	auth     security.Verifier
	validate *validator.Validate

	startedAt time.Time
	degraded  atomic.Bool
}

func NewServer(opts Options, store MessageStore, users Directory, presence Presence, bus Publisher, auth security.Verifier) *Server {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = 4096
	}
	return &Server{
		opts:      opts,
		reg:       NewRegistry(),
		store:     store,
		users:     users,
		presence:  presence,
		bus:       bus,
		auth:      auth,
		validate:  validator.New(),
		startedAt: time.Now(),
	}
}

func (s *Server) Registry() *Registry { return s.reg }

// Routes mounts the WS endpoint and a liveness probe.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"instance_id": s.opts.InstanceID,
			"connections": s.reg.Count(),
			"degraded":    s.degraded.Load(),
		})
	})
}

// HandleWS runs the full lifecycle of one connection:
// connecting -> authenticating -> connected -> disconnected.
func (s *Server) HandleWS(gc *gin.Context) {
	ws, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	c := NewClient(ws, s.opts.SendQueueSize)
	c.setState(StateAuthenticating)

	identity, err := s.authenticate(gc, ws)
	if err != nil {
		// reject before registration; never downgraded to anonymous
		_ = ws.WriteMessage(websocket.TextMessage, errorFrame(errs.Message(err)))
		_ = ws.Close()
		return
	}
	c.UserID = identity.UserID

	s.attach(c)
	defer s.detach(c)

	go c.writePump()
	c.Enqueue(connectedFrame(c.UserID, c.ConnID, s.opts.InstanceID))
	c.setState(StateConnected)

	s.readLoop(c)
}

// authenticate resolves the connection's identity, either from the
// token query parameter or from a first auth frame.
func (s *Server) authenticate(gc *gin.Context, ws *websocket.Conn) (security.Identity, error) {
	token := gc.Query("token")
	if token == "" {
		_ = ws.SetReadDeadline(time.Now().Add(authDeadline))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return security.Identity{}, errs.ErrAuth.WithDetail("no auth frame")
		}
		_ = ws.SetReadDeadline(time.Time{})
		f, err := ParseFrame(raw)
		if err != nil || f.Type != FrameAuth {
			return security.Identity{}, errs.ErrAuth.WithDetail("expected auth frame")
		}
		p, err := decode.DecodeMap[authPayload](f.Data)
		if err != nil || p.Token == "" {
			return security.Identity{}, errs.ErrAuth.WithDetail("missing token")
		}
		token = p.Token
	}
	identity, err := s.auth.Verify(token)
	if err != nil {
		return security.Identity{}, err
	}
	if err := validateIdentity(identity); err != nil {
		return security.Identity{}, err
	}
	return identity, nil
}

func validateIdentity(id security.Identity) error {
	if !id.Active {
		return errs.ErrAuth.WithDetail("account inactive")
	}
	// ":" is the conversation-id separator; a subject containing it
	// would make conversation keys ambiguous
	if strings.Contains(id.UserID, ":") {
		return errs.ErrAuth.WithDetail("invalid subject")
	}
	return nil
}

// attach registers the connection and makes the user externally visible
// as online, owned by this instance.
func (s *Server) attach(c *Client) {
	if evicted := s.reg.Register(c.UserID, c); evicted != nil {
		evicted.Enqueue(errorFrame("replaced by a newer session"))
		evicted.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.SetOnline(ctx, c.UserID, s.opts.PresenceTTL); err != nil {
		logger.Errorf("[ws] set online user=%s: %v", c.UserID, err)
	}
	if err := s.presence.SetSession(ctx, c.UserID, c.ConnID, s.opts.SessionTTL); err != nil {
		logger.Errorf("[ws] set session user=%s: %v", c.UserID, err)
	}
	s.publishPresence(c.UserID, storage.StatusOnline)
}

// detach is the single disconnect path: unregister, clear presence,
// publish offline. Persisted messages are left untouched. Unregister is
// keyed by conn id, so an evicted connection detaching late cannot
// disturb the newer session's registry entry or presence.
func (s *Server) detach(c *Client) {
	c.Close()
	if _, ok := s.reg.Unregister(c.ConnID); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.SetOffline(ctx, c.UserID); err != nil {
		logger.Errorf("[ws] set offline user=%s: %v", c.UserID, err)
	}
	if err := s.presence.ClearSession(ctx, c.UserID); err != nil {
		logger.Errorf("[ws] clear session user=%s: %v", c.UserID, err)
	}
	s.publishPresence(c.UserID, storage.StatusOffline)
}

func (s *Server) publishPresence(userID, status string) {
	evt := broker.Event{
		Event:     broker.EventPresenceChanged,
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.bus.Publish(broker.TopicPresence, userID, evt); err != nil {
		logger.Errorf("[ws] publish presence user=%s: %v", userID, err)
	}
}

func (s *Server) readLoop(c *Client) {
	ws := c.ws
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed user=%s conn=%s", c.UserID, c.ConnID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout user=%s conn=%s", c.UserID, c.ConnID)
			} else {
				logger.Infof("[ws] read err user=%s conn=%s: %v", c.UserID, c.ConnID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		f, perr := ParseFrame(raw)
		if perr != nil {
			c.Enqueue(errorFrame("malformed frame"))
			continue
		}
		s.dispatch(c, f)
	}
}

// dispatch routes one inbound frame. Handler errors are converted to an
// error frame on this one connection and never tear it down.
func (s *Server) dispatch(c *Client, f *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch f.Type {
	case FramePing:
		c.Enqueue(marshalFrame(FrameHeartbeatAck, map[string]any{"server_time": time.Now().UnixMilli()}))
		return
	case FrameAuth:
		// identity is immutable after the handshake
		c.Enqueue(errorFrame("already authenticated"))
		return
	case FrameSendMessage:
		err = s.handleSendMessage(ctx, c, f)
	case FrameMarkRead:
		err = s.handleMarkRead(ctx, c, f)
	case FrameGetConversation:
		err = s.handleGetConversation(ctx, c, f)
	case FrameSearchUsers:
		err = s.handleSearchUsers(ctx, c, f)
	case FrameFriendRequest:
		err = s.handleFriendRequest(ctx, c, f)
	case FrameTyping:
		err = s.handleTyping(ctx, c, f, true)
	case FrameStopTyping:
		err = s.handleTyping(ctx, c, f, false)
	default:
		err = errs.ErrValidation.WithDetail("unknown frame type " + f.Type)
	}
	if err != nil {
		logger.Infof("[ws] %s user=%s: %v", f.Type, c.UserID, err)
		c.Enqueue(errorFrame(errs.Message(err)))
	}
}
