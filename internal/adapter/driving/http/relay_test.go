package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/chatfusion/internal/adapter/driven/gateway/ws"
	mediamem "github.com/Wyydra/chatfusion/internal/adapter/driven/media/memory"
	presencemem "github.com/Wyydra/chatfusion/internal/adapter/driven/persistence/memory"
	wstransport "github.com/Wyydra/chatfusion/internal/adapter/driven/transport/ws"
	relayhttp "github.com/Wyydra/chatfusion/internal/adapter/driving/http"
	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relay struct {
	srv      *httptest.Server
	auth     *relayhttp.Authenticator
	presence *presencemem.PresenceStore
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	presence := presencemem.NewPresenceStore()
	hub := ws.NewHub(presence)
	go hub.Run()
	auth := relayhttp.NewAuthenticator("test-secret", time.Hour)
	srv := httptest.NewServer(relayhttp.NewHandler(hub, presence, auth, nil).NewRouter())
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return &relay{srv: srv, auth: auth, presence: presence}
}

func (r *relay) dial(t *testing.T, p domain.Participant) *wstransport.Client {
	t.Helper()
	token, err := r.auth.Issue(p)
	require.NoError(t, err)

	c := wstransport.NewClient(wstransport.Config{
		URL:            "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws",
		Token:          token,
		ReconnectDelay: 50 * time.Millisecond,
	})
	c.Start()
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	return c
}

func collect(ch chan []byte) func([]byte) {
	return func(b []byte) { ch <- b }
}

func TestRelay_RoutesAppDestinationToTopic(t *testing.T) {
	r := newRelay(t)
	alice := r.dial(t, domain.NewParticipant("alice", "Alice", ""))
	bob := r.dial(t, domain.NewParticipant("bob", "Bob", ""))
	ctx := context.Background()

	room := make(chan []byte, 4)
	other := make(chan []byte, 4)
	require.NoError(t, bob.Subscribe(ctx, domain.CallRoomTopic("c1"), collect(room)))
	require.NoError(t, bob.Subscribe(ctx, domain.CallRoomTopic("c2"), collect(other)))

	require.Eventually(t, func() bool {
		ids, _ := r.presence.Participants(ctx, "c1")
		return len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)

	join := domain.NewBroadcast(domain.SignalJoin, domain.NewParticipant("alice", "Alice", ""))
	require.NoError(t, alice.Publish(domain.CallRoomDestination("c1"), join))

	select {
	case b := <-room:
		ev, err := domain.DecodeSignalEvent(b)
		require.NoError(t, err)
		assert.Equal(t, join, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery on subscribed topic")
	}
	select {
	case <-other:
		t.Fatal("delivery leaked to another topic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_RingTopicIsPrivate(t *testing.T) {
	r := newRelay(t)
	alice := r.dial(t, domain.NewParticipant("alice", "Alice", ""))
	mallory := r.dial(t, domain.NewParticipant("mallory", "Mallory", ""))
	ctx := context.Background()

	stolen := make(chan []byte, 1)
	require.NoError(t, mallory.Subscribe(ctx, domain.RingTopic("bob"), collect(stolen)))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, alice.Publish(domain.RingDestination("bob"), domain.Invitation{CallID: "c1", CallerID: "alice"}))
	select {
	case <-stolen:
		t.Fatal("ring delivered to someone else")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRelay_RefusesForgedSender(t *testing.T) {
	r := newRelay(t)
	alice := r.dial(t, domain.NewParticipant("alice", "Alice", ""))
	mallory := r.dial(t, domain.NewParticipant("mallory", "Mallory", ""))
	ctx := context.Background()

	room := make(chan []byte, 4)
	require.NoError(t, alice.Subscribe(ctx, domain.CallRoomTopic("c1"), collect(room)))
	require.Eventually(t, func() bool {
		ids, _ := r.presence.Participants(ctx, "c1")
		return len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)

	forged := domain.NewBroadcast(domain.SignalLeave, domain.NewParticipant("bob", "Bob", ""))
	require.NoError(t, mallory.Publish(domain.CallRoomDestination("c1"), forged))
	own := domain.NewBroadcast(domain.SignalJoin, domain.NewParticipant("mallory", "Mallory", ""))
	require.NoError(t, mallory.Publish(domain.CallRoomDestination("c1"), own))

	// Frames from one connection are handled in order, so the forged leave
	// would have arrived first.
	select {
	case b := <-room:
		ev, err := domain.DecodeSignalEvent(b)
		require.NoError(t, err)
		assert.Equal(t, own, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestRelay_PresenceEndpoint(t *testing.T) {
	r := newRelay(t)
	bob := r.dial(t, domain.NewParticipant("bob", "Bob", ""))
	require.NoError(t, bob.Subscribe(context.Background(), domain.CallRoomTopic("c1"), func([]byte) {}))

	token, err := r.auth.Issue(domain.NewParticipant("alice", "Alice", ""))
	require.NoError(t, err)

	var body struct {
		CallID       string   `json:"callId"`
		Participants []string `json:"participants"`
	}
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, r.srv.URL+"/api/calls/c1/presence", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return len(body.Participants) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "c1", body.CallID)
	assert.Equal(t, []string{"bob"}, body.Participants)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		ids, _ := r.presence.Participants(context.Background(), "c1")
		return len(ids) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_Auth(t *testing.T) {
	r := newRelay(t)

	resp, err := http.Get(r.srv.URL + "/api/calls/c1/presence")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(r.srv.URL + "/api/calls/c1/presence?token=garbage")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(r.srv.URL+"/api/auth/token", "application/json", bytes.NewBufferString(`{"username":"carol"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	p, err := r.auth.Parse(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID(tok.UserID), p.ID)
	assert.Equal(t, "carol", p.DisplayName)

	resp2, err := http.Post(r.srv.URL+"/api/auth/token", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestRelay_Health(t *testing.T) {
	r := newRelay(t)
	resp, err := http.Get(r.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelay_CallOverWebsocket(t *testing.T) {
	r := newRelay(t)
	callID := domain.CallID("chat-ws")

	type peer struct {
		self  domain.Participant
		calls *service.CallService
	}
	newPeer := func(id string) peer {
		self := domain.NewParticipant(domain.ParticipantID(id), id, "")
		tr := r.dial(t, self)
		calls := service.NewCallService(tr, mediamem.NewCapture(), mediamem.NewEngine(), service.DefaultCallConfig(), zerolog.Nop())
		t.Cleanup(func() { calls.Close() })
		return peer{self: self, calls: calls}
	}
	a := newPeer("a")
	b := newPeer("b")

	require.NoError(t, a.calls.Join(context.Background(), callID, a.self))
	require.Eventually(t, func() bool {
		ids, _ := r.presence.Participants(context.Background(), callID)
		return len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, b.calls.Join(context.Background(), callID, b.self))

	require.Eventually(t, func() bool {
		return a.calls.Sessions()["b"] == domain.StateConnected && b.calls.Sessions()["a"] == domain.StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, b.calls.Leave(callID))
	require.Eventually(t, func() bool {
		_, ok := a.calls.Sessions()["b"]
		return !ok && len(a.calls.Participants()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}
