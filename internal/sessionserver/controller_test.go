package sessionserver_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tkaczmarek/arcade/internal/auth"
	"github.com/tkaczmarek/arcade/internal/chat"
	"github.com/tkaczmarek/arcade/internal/config"
	"github.com/tkaczmarek/arcade/internal/presence"
	"github.com/tkaczmarek/arcade/internal/sessionserver"
	"github.com/tkaczmarek/arcade/internal/testutil"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type memoryRevocations struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (f *memoryRevocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[token], nil
}

func (f *memoryRevocations) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	f.revoke(token)
	return nil
}

func (f *memoryRevocations) revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked == nil {
		f.revoked = map[string]bool{}
	}
	f.revoked[token] = true
}

type memoryHistory struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (h *memoryHistory) Append(ctx context.Context, msg chat.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *memoryHistory) Recent(ctx context.Context, limit int) ([]chat.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := len(h.msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]chat.Message, len(h.msgs[start:]))
	copy(out, h.msgs[start:])
	return out, nil
}

func (h *memoryHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

type sessionHarness struct {
	addr        string
	tokens      *auth.TokenService
	registry    *presence.Registry
	router      *chat.Router
	history     *memoryHistory
	revocations *memoryRevocations
}

func startSessionServer(t *testing.T) *sessionHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	tokens := auth.NewTokenService(testSecret, time.Hour)
	revocations := &memoryRevocations{}
	authenticator := auth.NewAuthenticator(tokens, revocations, time.Second, logger)

	history := &memoryHistory{}
	registry := presence.NewRegistry()
	router := chat.NewRouter(history, logger, 16)
	t.Cleanup(router.Stop)

	chatCfg := config.ChatConfig{HistoryLimit: 50, OutboxSize: 64, PersistQueueSize: 16}
	controller := sessionserver.NewController(
		authenticator, registry, router, chatCfg, time.Second, logger,
	)

	serverCfg := config.ServerConfig{
		Host:             "127.0.0.1",
		Port:             0,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: time.Second,
	}
	acc := sessionserver.NewAcceptor(serverCfg, controller, logger)

	go func() {
		_ = acc.ListenAndServe()
	}()
	t.Cleanup(acc.Stop)

	deadline := time.After(2 * time.Second)
	for !acc.IsRunning() || acc.Addr() == "" {
		select {
		case <-deadline:
			t.Fatal("acceptor did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	return &sessionHarness{
		addr:        acc.Addr(),
		tokens:      tokens,
		registry:    registry,
		router:      router,
		history:     history,
		revocations: revocations,
	}
}

func (h *sessionHarness) join(t *testing.T, username string) *testutil.SessionClient {
	t.Helper()
	token, err := h.tokens.Issue(username)
	require.NoError(t, err)

	client := testutil.NewSessionClient(t, h.addr)
	client.Handshake("Bearer " + token)

	// Handshake success is observable as the history replay frame.
	frame := client.ReadUntilEvent("history", 2*time.Second)
	require.NotNil(t, frame.Messages)
	return client
}

func TestSessionJoinFlow(t *testing.T) {
	h := startSessionServer(t)

	token, err := h.tokens.Issue("bob")
	require.NoError(t, err)

	client := testutil.NewSessionClient(t, h.addr)
	client.Handshake("Bearer " + token)

	history := client.ReadFrame(2 * time.Second)
	assert.Equal(t, "history", history.Event)
	assert.Empty(t, history.Messages)

	snapshot := client.ReadFrame(2 * time.Second)
	assert.Equal(t, "presence", snapshot.Event)
	assert.Equal(t, []string{"bob"}, snapshot.Users)

	join := client.ReadUntilEvent("message", 2*time.Second)
	require.NotNil(t, join.Message)
	assert.Equal(t, chat.KindJoin, join.Message.Type)
	assert.Equal(t, chat.SystemSender, join.Message.Sender)
	assert.Equal(t, "bob joined the chat", join.Message.Content)

	assert.Equal(t, []string{"bob"}, h.registry.Online())
}

func TestSessionChatStampedByServer(t *testing.T) {
	h := startSessionServer(t)

	alice := h.join(t, "alice")
	bob := h.join(t, "bob")

	before := time.Now()
	// The claimed sender and timestamp in the frame are ignored.
	alice.SendFrame(map[string]string{
		"content":   "hello bob",
		"sender":    "mallory",
		"timestamp": "1999-01-01T00:00:00Z",
	})

	for _, c := range []*testutil.SessionClient{alice, bob} {
		var frame chat.ServerFrame
		for {
			frame = c.ReadUntilEvent("message", 2*time.Second)
			if frame.Message.Type == chat.KindChat {
				break
			}
		}
		assert.Equal(t, "alice", frame.Message.Sender)
		assert.Equal(t, "hello bob", frame.Message.Content)
		assert.WithinDuration(t, before, frame.Message.Timestamp, 5*time.Second)
	}

	// Chat lines are persisted; join notices are not.
	assert.Eventually(t, func() bool {
		return h.history.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionHistoryReplayedToNewcomer(t *testing.T) {
	h := startSessionServer(t)

	alice := h.join(t, "alice")
	alice.Say("first")
	alice.Say("second")

	require.Eventually(t, func() bool {
		return h.history.count() == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.join(t, "bob")

	token, err := h.tokens.Issue("carol")
	require.NoError(t, err)
	carol := testutil.NewSessionClient(t, h.addr)
	carol.Handshake("Bearer " + token)

	history := carol.ReadFrame(2 * time.Second)
	require.Equal(t, "history", history.Event)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "first", history.Messages[0].Content)
	assert.Equal(t, "second", history.Messages[1].Content)
}

func TestSessionExpiredTokenRefused(t *testing.T) {
	h := startSessionServer(t)

	expiredTokens := auth.NewTokenService(testSecret, -time.Minute)
	token, err := expiredTokens.Issue("alice")
	require.NoError(t, err)

	client := testutil.NewSessionClient(t, h.addr)
	client.Handshake("Bearer " + token)

	frame := client.ReadFrame(2 * time.Second)
	assert.Equal(t, "error", frame.Event)
	assert.Equal(t, "token expired", frame.Error)
	client.ExpectClosed(2 * time.Second)

	assert.Empty(t, h.registry.Online())
}

func TestSessionRevokedTokenRefused(t *testing.T) {
	h := startSessionServer(t)

	token, err := h.tokens.Issue("alice")
	require.NoError(t, err)
	h.revocations.revoke(token)

	client := testutil.NewSessionClient(t, h.addr)
	client.Handshake("Bearer " + token)

	frame := client.ReadFrame(2 * time.Second)
	assert.Equal(t, "error", frame.Event)
	assert.Equal(t, "token revoked", frame.Error)
	client.ExpectClosed(2 * time.Second)

	assert.Empty(t, h.registry.Online())
}

func TestSessionMissingHandshakeRefused(t *testing.T) {
	h := startSessionServer(t)

	client := testutil.NewSessionClient(t, h.addr)
	client.SendFrame(map[string]string{"content": "hi"})

	frame := client.ReadFrame(2 * time.Second)
	assert.Equal(t, "error", frame.Event)
	assert.Equal(t, "missing bearer token", frame.Error)
	client.ExpectClosed(2 * time.Second)

	assert.Empty(t, h.registry.Online())
}

func TestSessionSecondDeviceNoDuplicatePresence(t *testing.T) {
	h := startSessionServer(t)

	first := h.join(t, "alice")
	second := h.join(t, "alice")

	assert.Equal(t, []string{"alice"}, h.registry.Online())
	assert.Equal(t, 2, h.registry.ConnectionCount())

	// Dropping one device keeps alice online.
	second.Close()
	assert.Eventually(t, func() bool {
		return h.registry.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, h.registry.Online())

	first.Say("still here")
	frame := first.ReadUntilEvent("message", 2*time.Second)
	for frame.Message.Type != chat.KindChat {
		frame = first.ReadUntilEvent("message", 2*time.Second)
	}
	assert.Equal(t, "alice", frame.Message.Sender)
}

func TestSessionLeaveBroadcastOnLastDisconnect(t *testing.T) {
	h := startSessionServer(t)

	alice := h.join(t, "alice")
	bob := h.join(t, "bob")

	// Drain bob's join notices as seen by alice before the leave.
	alice.ReadUntilEvent("message", 2*time.Second)

	bob.Close()

	var leave chat.ServerFrame
	for {
		leave = alice.ReadUntilEvent("message", 2*time.Second)
		if leave.Message.Type == chat.KindLeave {
			break
		}
	}
	assert.Equal(t, chat.SystemSender, leave.Message.Sender)
	assert.Equal(t, "bob left the chat", leave.Message.Content)

	assert.Eventually(t, func() bool {
		online := h.registry.Online()
		return len(online) == 1 && online[0] == "alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionMalformedFrameDoesNotKillSession(t *testing.T) {
	h := startSessionServer(t)

	alice := h.join(t, "alice")
	alice.SendRaw("this is not json")

	errFrame := alice.ReadUntilEvent("error", 2*time.Second)
	assert.Equal(t, "malformed frame", errFrame.Error)

	alice.Say("recovered")
	var frame chat.ServerFrame
	for {
		frame = alice.ReadUntilEvent("message", 2*time.Second)
		if frame.Message.Type == chat.KindChat {
			break
		}
	}
	assert.Equal(t, "recovered", frame.Message.Content)
	assert.Equal(t, []string{"alice"}, h.registry.Online())
}
