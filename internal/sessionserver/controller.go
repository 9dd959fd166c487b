package sessionserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tkaczmarek/arcade/internal/auth"
	"github.com/tkaczmarek/arcade/internal/chat"
	"github.com/tkaczmarek/arcade/internal/config"
	"github.com/tkaczmarek/arcade/internal/presence"
)

// clientFrame is the inbound frame shape. The first frame of a connection
// must carry authorization; every later frame carries content.
type clientFrame struct {
	Authorization string `json:"authorization"`
	Content       string `json:"content"`
}

// Controller authenticates each new connection's first frame, binds the
// resulting identity to the connection for its whole lifetime, and runs
// the chat loop. It implements SessionHandler.
type Controller struct {
	auth     *auth.Authenticator
	registry *presence.Registry
	router   *chat.Router
	cfg      config.ChatConfig
	logger   *zap.Logger

	handshakeTimeout time.Duration
	now              func() time.Time
}

// NewController creates a session controller.
//
// Precondition: all collaborators must be non-nil; handshakeTimeout must
// be positive.
func NewController(
	authenticator *auth.Authenticator,
	registry *presence.Registry,
	router *chat.Router,
	cfg config.ChatConfig,
	handshakeTimeout time.Duration,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		auth:             authenticator,
		registry:         registry,
		router:           router,
		cfg:              cfg,
		logger:           logger,
		handshakeTimeout: handshakeTimeout,
		now:              time.Now,
	}
}

// HandleSession drives one connection from handshake to teardown.
//
// Postcondition: On return the connection holds no presence state and is
// unregistered from the router, regardless of how the session ended.
func (c *Controller) HandleSession(ctx context.Context, conn *Conn) error {
	// Unblock socket reads when the server shuts down.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	identity, err := c.handshake(ctx, conn)
	if err != nil {
		return err
	}

	client := presence.NewClient(uuid.NewString(), identity, c.cfg.OutboxSize)
	username := client.Username()

	first, err := c.registry.Add(client.ID(), username)
	if err != nil {
		return fmt.Errorf("registering presence: %w", err)
	}
	c.router.Register(client)

	c.logger.Info("session joined",
		zap.String("conn_id", client.ID()),
		zap.String("username", username),
		zap.Bool("first_connection", first),
	)

	// Writer goroutine: drains the outbox until the client is closed.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for payload := range client.Outbox() {
			if err := conn.WriteFrame(payload); err != nil {
				c.logger.Debug("session write failed",
					zap.String("conn_id", client.ID()),
					zap.Error(err),
				)
				conn.Close()
				return
			}
		}
	}()

	defer func() {
		c.teardown(client)
		<-writeDone
	}()

	if err := c.router.ReplayHistory(ctx, client, c.cfg.HistoryLimit); err != nil {
		c.logger.Warn("history replay failed",
			zap.String("conn_id", client.ID()),
			zap.Error(err),
		)
	}
	c.router.SendPresence(client, c.registry.Online())

	c.router.Broadcast(chat.NewJoin(username, c.now()))
	if first {
		c.router.BroadcastPresence(c.registry.Online())
	}

	return c.readLoop(conn, client)
}

// handshake reads and authenticates the mandatory first frame.
//
// Postcondition: Returns a bound Identity, or writes a single error frame
// and returns a non-nil error with no presence mutated.
func (c *Controller) handshake(ctx context.Context, conn *Conn) (auth.Identity, error) {
	payload, err := conn.ReadFrameWithin(c.handshakeTimeout)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("reading handshake: %w", err)
	}

	var frame clientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.reject(conn, "malformed handshake")
		return auth.Identity{}, fmt.Errorf("decoding handshake: %w", err)
	}
	if frame.Authorization == "" {
		c.reject(conn, rejectReason(auth.ErrMissingBearer))
		return auth.Identity{}, auth.ErrMissingBearer
	}

	identity, err := c.auth.Authenticate(ctx, frame.Authorization)
	if err != nil {
		c.reject(conn, rejectReason(err))
		return auth.Identity{}, fmt.Errorf("handshake rejected: %w", err)
	}
	return identity, nil
}

// readLoop relays chat frames until the connection drops.
func (c *Controller) readLoop(conn *Conn, client *presence.Client) error {
	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			// Peer disconnect and shutdown both land here.
			return nil
		}

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("malformed frame dropped",
				zap.String("conn_id", client.ID()),
				zap.Error(err),
			)
			c.reject(conn, "malformed frame")
			continue
		}
		if frame.Content == "" {
			continue
		}

		// Sender and timestamp come from the bound identity and the
		// server clock; whatever the client claims is ignored.
		msg := chat.NewChat(client.Username(), frame.Content, c.now())
		c.router.Broadcast(msg)
		c.router.Record(msg)
	}
}

// teardown releases all per-connection state exactly once. Both the read
// loop exit and server shutdown funnel through here; the registry and
// client close are idempotent, so the race is harmless.
func (c *Controller) teardown(client *presence.Client) {
	c.router.Unregister(client.ID())
	client.Close()

	username, last, ok := c.registry.Remove(client.ID())
	if !ok {
		return
	}

	c.logger.Info("session left",
		zap.String("conn_id", client.ID()),
		zap.String("username", username),
		zap.Bool("last_connection", last),
	)

	if last {
		c.router.Broadcast(chat.NewLeave(username, c.now()))
		c.router.BroadcastPresence(c.registry.Online())
	}
}

// reject writes a single error frame; write failure is irrelevant because
// the connection is being torn down anyway.
func (c *Controller) reject(conn *Conn, reason string) {
	payload, err := chat.EncodeErrorFrame(reason)
	if err != nil {
		return
	}
	_ = conn.WriteFrame(payload)
}

// rejectReason maps an authentication failure onto the client-visible
// error string. Internal store errors stay internal.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingBearer):
		return "missing bearer token"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "token revoked"
	case errors.Is(err, auth.ErrRevocationUnavailable):
		return "authentication unavailable"
	default:
		return "invalid token"
	}
}
