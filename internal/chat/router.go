package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tkaczmarek/arcade/internal/presence"
)

// HistoryStore persists messages and serves the replay on join. The
// router treats it as an external collaborator: writes happen off the
// broadcast path and write failures never affect delivery.
type HistoryStore interface {
	Append(ctx context.Context, msg Message) error
	Recent(ctx context.Context, limit int) ([]Message, error)
}

// persistTimeout bounds a single history write.
const persistTimeout = 5 * time.Second

// Router delivers frames to live connections: broadcasts to everyone,
// unicasts to all connections of one username, and direct sends to a
// single connection (history replay and the snapshot on join).
//
// History persistence is asynchronous on a bounded queue; a full queue
// or failed write is logged and dropped, never blocking a broadcast.
type Router struct {
	mu      sync.RWMutex
	clients map[string]*presence.Client

	history HistoryStore
	logger  *zap.Logger

	queue chan Message
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewRouter creates a Router and starts its history persistence worker.
//
// Precondition: history and logger must be non-nil; queueSize must be >= 1.
// Postcondition: Returns a Router ready for Register/Broadcast; the
// caller must Stop it to drain pending history writes.
func NewRouter(history HistoryStore, logger *zap.Logger, queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Router{
		clients: make(map[string]*presence.Client),
		history: history,
		logger:  logger,
		queue:   make(chan Message, queueSize),
		done:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.persistLoop()

	return r
}

// Register adds a client to the delivery set.
//
// Precondition: c must be non-nil and not yet registered.
func (r *Router) Register(c *presence.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
}

// Unregister removes a client from the delivery set. Unknown ids are
// ignored so teardown races stay harmless.
func (r *Router) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connID)
}

// Broadcast delivers a message to every live connection. The frame is
// marshalled once; per-client delivery failures (closed or saturated
// outbox) are logged and skipped.
func (r *Router) Broadcast(msg Message) {
	payload, err := EncodeMessageFrame(msg)
	if err != nil {
		r.logger.Error("encoding broadcast frame", zap.Error(err))
		return
	}
	r.deliverAll(payload)
}

// BroadcastPresence delivers the online-usernames snapshot to every
// live connection.
func (r *Router) BroadcastPresence(users []string) {
	payload, err := EncodePresenceFrame(users)
	if err != nil {
		r.logger.Error("encoding presence frame", zap.Error(err))
		return
	}
	r.deliverAll(payload)
}

func (r *Router) deliverAll(payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.clients {
		if err := c.Send(payload); err != nil {
			r.logger.Warn("dropping frame for client",
				zap.String("conn_id", c.ID()),
				zap.String("username", c.Username()),
				zap.Error(err),
			)
		}
	}
}

// Unicast delivers a payload to every live connection bound to the
// given username.
func (r *Router) Unicast(username string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.clients {
		if c.Username() != username {
			continue
		}
		if err := c.Send(payload); err != nil {
			r.logger.Warn("dropping unicast frame",
				zap.String("conn_id", c.ID()),
				zap.String("username", username),
				zap.Error(err),
			)
		}
	}
}

// ReplayHistory sends the most recent messages to a single connection,
// oldest first, followed by nothing else. Used on join before the
// presence snapshot.
//
// Postcondition: Returns an error only when the history read fails;
// delivery failure to the client is logged, not returned.
func (r *Router) ReplayHistory(ctx context.Context, c *presence.Client, limit int) error {
	msgs, err := r.history.Recent(ctx, limit)
	if err != nil {
		return err
	}
	payload, err := EncodeHistoryFrame(msgs)
	if err != nil {
		return err
	}
	if err := c.Send(payload); err != nil {
		r.logger.Warn("dropping history replay",
			zap.String("conn_id", c.ID()),
			zap.Error(err),
		)
	}
	return nil
}

// SendPresence sends the online snapshot to a single connection.
func (r *Router) SendPresence(c *presence.Client, users []string) {
	payload, err := EncodePresenceFrame(users)
	if err != nil {
		r.logger.Error("encoding presence frame", zap.Error(err))
		return
	}
	if err := c.Send(payload); err != nil {
		r.logger.Warn("dropping presence snapshot",
			zap.String("conn_id", c.ID()),
			zap.Error(err),
		)
	}
}

// Record submits a message for asynchronous history persistence. It
// never blocks: when the queue is full the message is dropped and the
// drop is logged so operators can see persistence falling behind.
func (r *Router) Record(msg Message) {
	select {
	case <-r.done:
		r.logger.Warn("history write dropped, router stopped",
			zap.String("sender", msg.Sender),
		)
		return
	default:
	}

	select {
	case r.queue <- msg:
	default:
		r.logger.Warn("history write dropped, queue full",
			zap.String("sender", msg.Sender),
		)
	}
}

// persistLoop drains the queue until Stop signals shutdown, then
// flushes whatever is still queued.
func (r *Router) persistLoop() {
	defer r.wg.Done()

	for {
		select {
		case msg := <-r.queue:
			r.persist(msg)
		case <-r.done:
			for {
				select {
				case msg := <-r.queue:
					r.persist(msg)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) persist(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.history.Append(ctx, msg); err != nil {
		// Delivery already happened; persistence is best effort.
		r.logger.Error("history write failed",
			zap.String("sender", msg.Sender),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
	}
}

// Stop drains pending history writes and stops the persistence worker.
// Safe to call more than once.
func (r *Router) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

// ClientCount returns the number of registered clients.
func (r *Router) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
