package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/pkg/config"
	"crowdlink/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateEvent struct {
	connected bool
	reason    string
}

type recordingClient struct {
	*Client
	envelopes chan *domain.Envelope
	states    chan stateEvent
}

func testClientConfig(relay *testRelay, peer string) ClientConfig {
	reconnect := retry.DefaultConfig()
	reconnect.InitialDelay = 20 * time.Millisecond
	reconnect.MaxDelay = 100 * time.Millisecond
	reconnect.Jitter = false

	return ClientConfig{
		URLs:         []string{relay.wsURL()},
		Room:         "room-1",
		Peer:         domain.PeerID(peer),
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
		PingInterval: 20 * time.Millisecond,
		PongTimeout:  time.Second,
		Reconnect:    reconnect,
	}
}

func newRecordingClient(t *testing.T, cfg ClientConfig) *recordingClient {
	t.Helper()
	rc := &recordingClient{
		Client:    NewClient(cfg, nil),
		envelopes: make(chan *domain.Envelope, 64),
		states:    make(chan stateEvent, 16),
	}
	rc.OnMessage(func(env *domain.Envelope) { rc.envelopes <- env })
	rc.OnStateChange(func(connected bool, reason string) { rc.states <- stateEvent{connected, reason} })
	t.Cleanup(func() { rc.Close() })
	return rc
}

func (rc *recordingClient) waitState(t *testing.T, connected bool) stateEvent {
	t.Helper()
	for {
		select {
		case ev := <-rc.states:
			if ev.connected == connected {
				return ev
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for connected=%v", connected)
		}
	}
}

func (rc *recordingClient) waitEnvelope(t *testing.T, kind domain.EnvelopeKind) *domain.Envelope {
	t.Helper()
	for {
		select {
		case env := <-rc.envelopes:
			if env.Kind == kind {
				return env
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestClient_ExchangesEnvelopes(t *testing.T) {
	relay := startRelay(t, testServerConfig(), ServerDeps{})
	ctx := context.Background()

	alice := newRecordingClient(t, testClientConfig(relay, "alice"))
	require.NoError(t, alice.Connect(ctx))
	alice.waitState(t, true)
	assert.True(t, alice.IsConnected())

	bob := newRecordingClient(t, testClientConfig(relay, "bob"))
	require.NoError(t, bob.Connect(ctx))
	bob.waitState(t, true)

	snapshot := bob.waitEnvelope(t, domain.KindPeers)
	assert.Equal(t, []domain.PeerID{"alice"}, snapshot.Peers)
	joined := alice.waitEnvelope(t, domain.KindPeerJoined)
	assert.EqualValues(t, "bob", joined.From)

	require.NoError(t, bob.Send(ctx, chat("m1", "bob", "hi alice")))
	got := alice.waitEnvelope(t, domain.KindChat)
	assert.Equal(t, "hi alice", got.Message.Content)

	require.NoError(t, bob.Close())
	left := alice.waitEnvelope(t, domain.KindPeerLeft)
	assert.EqualValues(t, "bob", left.From)
	assert.False(t, bob.IsConnected())
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	relay := startRelay(t, testServerConfig(), ServerDeps{})

	client := newRecordingClient(t, testClientConfig(relay, "alice"))
	err := client.Send(context.Background(), chat("m1", "alice", "too early"))
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)

	_, ok := client.Sample()
	assert.False(t, ok)
}

func TestClient_ReconnectRedials(t *testing.T) {
	relay := startRelay(t, testServerConfig(), ServerDeps{})

	client := newRecordingClient(t, testClientConfig(relay, "alice"))
	require.NoError(t, client.Connect(context.Background()))
	client.waitState(t, true)

	client.Reconnect()
	down := client.waitState(t, false)
	assert.Equal(t, reasonReconnectRequested, down.reason)
	client.waitState(t, true)

	snapshot := client.waitEnvelope(t, domain.KindPeers)
	assert.Empty(t, snapshot.Peers)
}

func TestClient_RetriesUntilRelayAvailable(t *testing.T) {
	relay := startRelay(t, testServerConfig(), ServerDeps{})
	require.NoError(t, relay.server.Close())

	client := newRecordingClient(t, testClientConfig(relay, "alice"))
	require.NoError(t, client.Connect(context.Background()))

	select {
	case ev := <-client.states:
		t.Fatalf("unexpected state change %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
	assert.False(t, client.IsConnected())

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Connect(context.Background()), errClientClosed)
}

func TestClient_RecoversAfterServerDrop(t *testing.T) {
	relay := startRelay(t, testServerConfig(), ServerDeps{})

	client := newRecordingClient(t, testClientConfig(relay, "alice"))
	require.NoError(t, client.Connect(context.Background()))
	client.waitState(t, true)
	client.waitEnvelope(t, domain.KindPeers)

	// a second connection for the same peer evicts the first
	other := dialRaw(t, relay, "room-1", "alice")
	other.next(domain.KindPeers)

	down := client.waitState(t, false)
	assert.Contains(t, down.reason, "connection lost")
	client.waitState(t, true)
}

func TestClient_FailsOverToNextRelay(t *testing.T) {
	dead := startRelay(t, testServerConfig(), ServerDeps{})
	dead.http.Close()
	live := startRelay(t, testServerConfig(), ServerDeps{})

	cfg := testClientConfig(live, "alice")
	cfg.URLs = []string{dead.wsURL(), live.wsURL()}
	client := newRecordingClient(t, cfg)
	require.NoError(t, client.Connect(context.Background()))

	client.waitState(t, true)
	assert.Equal(t, 1, live.server.Stats().Connections)
}

func TestNewClientConfig_RelayURLs(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.RoomID = "room-1"

	single := NewClientConfig(cfg)
	assert.Equal(t, []string{cfg.Relay.URL}, single.URLs)

	cfg.Relay.URLs = []string{"ws://b:8081/ws", "ws://c:8081/ws"}
	multi := NewClientConfig(cfg)
	assert.ElementsMatch(t, []string{cfg.Relay.URL, "ws://b:8081/ws", "ws://c:8081/ws"}, multi.URLs)

	// every member of the room prefers the same instance
	cfg.Session.PeerID = "someone-else"
	assert.Equal(t, multi.URLs, NewClientConfig(cfg).URLs)
}

func TestClient_ConnectWithoutURL(t *testing.T) {
	client := NewClient(ClientConfig{}, nil)
	assert.ErrorIs(t, client.Connect(context.Background()), errNoRelayURL)
	assert.NoError(t, client.Close())
}

func TestClient_SamplesKeepaliveRoundTrip(t *testing.T) {
	relay := startRelay(t, testServerConfig(), ServerDeps{})

	client := newRecordingClient(t, testClientConfig(relay, "alice"))
	require.NoError(t, client.Connect(context.Background()))
	client.waitState(t, true)

	var (
		mu     sync.Mutex
		sample domain.LinkSample
	)
	require.Eventually(t, func() bool {
		s, ok := client.Sample()
		mu.Lock()
		sample = s
		mu.Unlock()
		return ok
	}, waitTimeout, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, sample.Latency, time.Duration(0))
	assert.Less(t, sample.Latency, time.Second)
	assert.Zero(t, sample.PacketLossPct)
}
