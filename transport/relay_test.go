package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoRelay accepts websockets and reflects every frame back to the sender.
// Reflected offers look like remote answers, which is enough to drive a
// RelayConnection through its negotiation states.
func echoRelay(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRelay(t *testing.T, srv *httptest.Server) *RelayConnection {
	t.Helper()
	f := NewRelayFactory(RelayFactoryConfig{URL: wsURL(srv), LocalPeerID: "local"}, zap.NewNop())
	conn, err := f.NewPeerConnection(context.Background(), "remote")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*RelayConnection)
}

func TestRelayConnection_NegotiatesThroughRelay(t *testing.T) {
	srv := echoRelay(t)
	conn := dialRelay(t, srv)
	ctx := context.Background()

	var mu sync.Mutex
	var states []ConnectionState
	conn.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	offer, err := conn.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)

	// The echoed offer comes back as the remote description and completes
	// the negotiation.
	require.NoError(t, conn.SetLocalDescription(ctx, offer))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states[:2])
}

func TestRelayConnection_DataRoundTrip(t *testing.T) {
	srv := echoRelay(t)
	conn := dialRelay(t, srv)
	ctx := context.Background()

	received := make(chan []byte, 1)
	conn.OnMessage(func(data []byte) { received <- data })

	require.NoError(t, conn.Send(ctx, []byte(`{"hello":"swarm"}`)))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"hello":"swarm"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no data frame received")
	}
}

func TestRelayConnection_CandidateRoundTrip(t *testing.T) {
	srv := echoRelay(t)
	conn := dialRelay(t, srv)
	ctx := context.Background()

	received := make(chan ICECandidate, 1)
	conn.OnICECandidate(func(c ICECandidate) { received <- c })

	cand := ICECandidate{Candidate: "candidate:relay 1 udp 1 10.0.0.1 9 typ host"}
	require.NoError(t, conn.AddICECandidate(ctx, cand))

	select {
	case got := <-received:
		assert.Equal(t, cand.Candidate, got.Candidate)
	case <-time.After(2 * time.Second):
		t.Fatal("no candidate received")
	}
}

func TestRelayConnection_ClosedIsTerminal(t *testing.T) {
	srv := echoRelay(t)
	conn := dialRelay(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())

	_, err := conn.CreateOffer(ctx)
	assert.Error(t, err)
	assert.Error(t, conn.Send(ctx, []byte("late")))

	// Closing again is a no-op.
	assert.NoError(t, conn.Close())
}

func TestRelayFactory_DialFailure(t *testing.T) {
	f := NewRelayFactory(RelayFactoryConfig{URL: "ws://127.0.0.1:1/nope", LocalPeerID: "local"}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.NewPeerConnection(ctx, "remote")
	assert.Error(t, err)
}
