package mailbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderun/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestAgent(t *testing.T, name, seed string, relay Relay, eb *bus.EventBus) *Agent {
	t.Helper()
	a, err := New(Config{Name: name, Seed: seed, Relay: relay, Events: eb, Logger: testLogger()})
	require.NoError(t, err)
	return a
}

// runAgent starts a and stops it when the test ends.
func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Relay: NewMemoryRelay()})
	assert.Error(t, err)
	_, err = New(Config{Seed: "s"})
	assert.Error(t, err)
}

func TestAgent_QueryRoundTrip(t *testing.T) {
	relay := NewMemoryRelay()
	eb := bus.NewEventBus(testLogger())

	var mu sync.Mutex
	var queries []string
	server := newTestAgent(t, "toolhouseai-test-agent", "toolhouseai-seed", relay, eb)
	server.Include(NewQueryProtocol(func(ctx context.Context, q string) (string, error) {
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()
		if q == "fail" {
			return "", errors.New("groq is down")
		}
		return "print('hi')", nil
	}), true)

	started := make(chan string, 1)
	server.OnStartup(func(ctx context.Context, mc *Context) {
		LogAddress(ctx, mc)
		started <- mc.Address()
	})
	runAgent(t, server)

	select {
	case addr := <-started:
		assert.Equal(t, server.Address(), addr)
	case <-time.After(time.Second):
		t.Fatal("startup hook not called")
	}

	client := newTestAgent(t, "client", "client-seed", relay, nil)
	runAgent(t, client)

	ctx := context.Background()
	resp, err := AskFor[QueryResponse](ctx, client, server.Address(), QueryRequest{Query: "say hi"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", resp.Result)
	assert.Empty(t, resp.Error)

	resp, err = AskFor[QueryResponse](ctx, client, server.Address(), QueryRequest{Query: "fail"}, 2*time.Second)
	require.NoError(t, err)
	assert.Empty(t, resp.Result)
	assert.Equal(t, "groq is down", resp.Error)

	mu.Lock()
	assert.Equal(t, []string{"say hi", "fail"}, queries)
	mu.Unlock()

	manifests := relay.Manifests(server.Address())
	require.Len(t, manifests, 1)
	assert.Equal(t, QueryProtocolName, manifests[0].Name)

	assert.Len(t, eb.Replay(bus.EventMailboxReceived, time.Time{}), 2)
	assert.Len(t, eb.Replay(bus.EventMailboxSent, time.Time{}), 2)
}

func TestAgent_DropsForgedEnvelope(t *testing.T) {
	relay := NewMemoryRelay()
	called := make(chan struct{}, 1)
	server := newTestAgent(t, "server", "server-seed", relay, nil)
	server.Include(NewQueryProtocol(func(ctx context.Context, q string) (string, error) {
		called <- struct{}{}
		return "", nil
	}), false)
	runAgent(t, server)

	env, err := NewEnvelope(NewIdentity("mallory"), server.Address(), "s", QueryRequest{Query: "q"}, time.Minute)
	require.NoError(t, err)
	env.Payload = []byte(`{"query":"tampered"}`)
	require.NoError(t, relay.Deliver(context.Background(), env))

	select {
	case <-called:
		t.Fatal("handler ran for a forged envelope")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, relay.Manifests(server.Address()), "manifest not requested")
}

func TestAgent_DropsReplayedEnvelope(t *testing.T) {
	relay := NewMemoryRelay()
	called := make(chan string, 4)
	server := newTestAgent(t, "server", "server-seed", relay, nil)
	server.Include(NewQueryProtocol(func(ctx context.Context, q string) (string, error) {
		called <- q
		return "", nil
	}), false)
	runAgent(t, server)

	sender := NewIdentity("client-seed")
	env, err := NewEnvelope(sender, server.Address(), "s1", QueryRequest{Query: "once"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, relay.Deliver(context.Background(), env))
	require.NoError(t, relay.Deliver(context.Background(), env))

	fresh, err := NewEnvelope(sender, server.Address(), "s2", QueryRequest{Query: "again"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, relay.Deliver(context.Background(), fresh))

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case q := <-called:
			got = append(got, q)
		case <-timeout:
			t.Fatalf("handler calls: %v", got)
		}
	}
	assert.ElementsMatch(t, []string{"once", "again"}, got)

	select {
	case q := <-called:
		t.Fatalf("replayed envelope reached the handler: %s", q)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNonceCache(t *testing.T) {
	c := newNonceCache()
	now := time.Unix(1_700_000_000, 0)

	expiring := &Envelope{Sender: "a", Nonce: 1, Expires: now.Add(time.Minute).Unix()}
	assert.True(t, c.firstSeen(expiring, now))
	assert.False(t, c.firstSeen(expiring, now.Add(30*time.Second)))
	assert.True(t, c.firstSeen(&Envelope{Sender: "b", Nonce: 1}, now), "nonces are per sender")

	forever := &Envelope{Sender: "a", Nonce: 2}
	assert.True(t, c.firstSeen(forever, now))
	assert.False(t, c.firstSeen(forever, now.Add(replayWindow-time.Second)))

	later := now.Add(replayWindow + time.Minute)
	assert.True(t, c.firstSeen(&Envelope{Sender: "c", Nonce: 3}, later))
	assert.NotContains(t, c.seen, nonceKey{sender: "a", nonce: 1}, "expired entries are pruned")
	assert.NotContains(t, c.seen, nonceKey{sender: "a", nonce: 2})
}

func TestAgent_AskTimeout(t *testing.T) {
	relay := NewMemoryRelay()
	client := newTestAgent(t, "client", "client-seed", relay, nil)
	runAgent(t, client)

	// Nobody listens on the target address.
	target := NewIdentity("silent").Address()
	_, err := client.Ask(context.Background(), target, QueryRequest{Query: "q"}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestAgent_SendRejectsBadAddress(t *testing.T) {
	a := newTestAgent(t, "a", "seed", NewMemoryRelay(), nil)
	err := a.Send(context.Background(), "not-an-address", QueryRequest{Query: "q"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestContext_ReplyWithoutSender(t *testing.T) {
	a := newTestAgent(t, "a", "seed", NewMemoryRelay(), nil)
	err := a.context("", "").Reply(context.Background(), QueryResponse{})
	assert.Error(t, err)
}

func TestNewRelay(t *testing.T) {
	r, err := NewRelay(RelayConfig{Transport: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryRelay{}, r)

	_, err = NewRelay(RelayConfig{Transport: "carrier-pigeon"})
	assert.Error(t, err)
}
