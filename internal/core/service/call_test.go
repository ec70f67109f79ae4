package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	mediamem "github.com/Wyydra/chatfusion/internal/adapter/driven/media/memory"
	transportmem "github.com/Wyydra/chatfusion/internal/adapter/driven/transport/memory"
	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/Wyydra/chatfusion/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type member struct {
	self     domain.Participant
	endpoint *transportmem.Endpoint
	capture  *mediamem.Capture
	engine   *mediamem.Engine
	calls    *service.CallService
}

func newMember(t *testing.T, b *transportmem.Broker, id string) *member {
	t.Helper()
	return newMemberWith(t, b, id, service.DefaultCallConfig(), nil)
}

// newMemberWith builds a member with cfg. wrap, when set, decorates the
// member's capture before it is handed to the service.
func newMemberWith(t *testing.T, b *transportmem.Broker, id string, cfg service.CallConfig, wrap func(*mediamem.Capture) port.MediaCapture) *member {
	t.Helper()
	m := &member{
		self:     domain.NewParticipant(domain.ParticipantID(id), "user-"+id, ""),
		endpoint: b.Connect(id),
		capture:  mediamem.NewCapture(),
		engine:   mediamem.NewEngine(),
	}
	var capture port.MediaCapture = m.capture
	if wrap != nil {
		capture = wrap(m.capture)
	}
	m.calls = service.NewCallService(m.endpoint, capture, m.engine, cfg, zerolog.Nop())
	t.Cleanup(func() {
		m.calls.Close()
		m.endpoint.Close()
	})
	return m
}

func (m *member) join(t *testing.T, callID domain.CallID) {
	t.Helper()
	require.NoError(t, m.calls.Join(context.Background(), callID, m.self))
}

func (m *member) state(id string) (domain.ConnectionState, bool) {
	st, ok := m.calls.Sessions()[domain.ParticipantID(id)]
	return st, ok
}

func connected(m *member, ids ...string) func() bool {
	return func() bool {
		for _, id := range ids {
			if st, ok := m.state(id); !ok || st != domain.StateConnected {
				return false
			}
		}
		return true
	}
}

func rosterIDs(m *member) []domain.ParticipantID {
	var ids []domain.ParticipantID
	for _, p := range m.calls.Participants() {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestCallService_TwoParticipantsConnect(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	c := newMember(t, b, "b")
	callID := domain.CallID("chat-1")

	a.join(t, callID)
	c.join(t, callID)

	require.Eventually(t, connected(a, "b"), waitFor, tick)
	require.Eventually(t, connected(c, "a"), waitFor, tick)
	assert.ElementsMatch(t, []domain.ParticipantID{"a", "b"}, rosterIDs(a))
	assert.ElementsMatch(t, []domain.ParticipantID{"a", "b"}, rosterIDs(c))
}

func TestCallService_ThreeParticipantsOneLeaves(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	bb := newMember(t, b, "b")
	c := newMember(t, b, "c")
	callID := domain.CallID("chat-3")

	a.join(t, callID)
	bb.join(t, callID)
	require.Eventually(t, connected(a, "b"), waitFor, tick)
	c.join(t, callID)

	require.Eventually(t, connected(a, "b", "c"), waitFor, tick)
	require.Eventually(t, connected(bb, "a", "c"), waitFor, tick)
	require.Eventually(t, connected(c, "a", "b"), waitFor, tick)

	require.NoError(t, bb.calls.Leave(callID))
	assert.False(t, bb.calls.Active())
	assert.Equal(t, 1, bb.capture.Last().Stops())
	assert.Zero(t, bb.engine.OpenLinks())
	assert.Zero(t, bb.engine.OpenSinks())

	require.Eventually(t, func() bool {
		_, okA := a.state("b")
		_, okC := c.state("b")
		return !okA && !okC
	}, waitFor, tick)
	assert.ElementsMatch(t, []domain.ParticipantID{"a", "c"}, rosterIDs(a))
	assert.ElementsMatch(t, []domain.ParticipantID{"a", "c"}, rosterIDs(c))

	st, ok := a.state("c")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, st)
	st, ok = c.state("a")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, st)
}

func TestCallService_DuplicateDeliveryIsIdempotent(t *testing.T) {
	b := transportmem.NewBroker(transportmem.WithDuplicates())
	a := newMember(t, b, "a")
	c := newMember(t, b, "b")
	callID := domain.CallID("chat-dup")

	a.join(t, callID)
	c.join(t, callID)

	require.Eventually(t, connected(a, "b"), waitFor, tick)
	require.Eventually(t, connected(c, "a"), waitFor, tick)

	require.NoError(t, a.calls.HandleInboundEvent(domain.NewBroadcast(domain.SignalJoin, c.self)))
	require.NoError(t, a.calls.HandleInboundEvent(domain.NewBroadcast(domain.SignalEcho, c.self)))

	assert.Never(t, func() bool {
		return len(a.calls.Participants()) != 2 || len(a.calls.Sessions()) != 1
	}, 200*time.Millisecond, tick)
	assert.Len(t, a.engine.Links("b"), 1)
}

func TestCallService_LeaveReleasesEverything(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	c := newMember(t, b, "b")
	callID := domain.CallID("chat-leave")

	a.join(t, callID)
	c.join(t, callID)
	require.Eventually(t, connected(a, "b"), waitFor, tick)

	require.NoError(t, a.calls.Leave(callID))
	assert.Empty(t, a.calls.Sessions())
	assert.Empty(t, a.calls.Participants())
	assert.Equal(t, 1, a.capture.Last().Stops())
	assert.Zero(t, a.engine.OpenLinks())
	assert.Zero(t, a.engine.OpenSinks())
	assert.Empty(t, a.endpoint.Topics())

	require.NoError(t, a.calls.Leave(callID))
	assert.Equal(t, 1, a.capture.Last().Stops())
}

func TestCallService_JoinTwice(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	a.join(t, "chat-1")

	err := a.calls.Join(context.Background(), "chat-2", a.self)
	require.ErrorIs(t, err, domain.ErrAlreadyInCall)
	assert.Equal(t, 1, a.capture.Acquired())
}

func TestCallService_LeaveOtherCall(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	a.join(t, "chat-1")

	require.ErrorIs(t, a.calls.Leave("chat-2"), domain.ErrNotInCall)
	assert.True(t, a.calls.Active())
}

func TestCallService_MediaUnavailable(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	a.capture.Err = errors.New("permission denied")

	err := a.calls.Join(context.Background(), "chat-1", a.self)
	require.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.False(t, a.calls.Active())
	assert.Empty(t, a.endpoint.Topics())
}

func TestCallService_CandidateForUnknownPeerDropped(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	a.join(t, "chat-1")

	stranger := domain.NewParticipant("z", "zed", "")
	err := a.calls.HandleInboundEvent(domain.NewCandidate(stranger, "a", domain.ICECandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}))
	require.NoError(t, err)

	assert.Never(t, func() bool { return len(a.calls.Sessions()) > 0 }, 200*time.Millisecond, tick)
	assert.Empty(t, a.engine.Links("z"))
}

func TestCallService_OfferBeforeJoin(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	a.join(t, "chat-1")

	// A remote link produces a valid offer without the remote ever joining.
	remoteEngine := mediamem.NewEngine()
	link, err := remoteEngine.Connect("a", &mediamem.Track{}, nopObserver{})
	require.NoError(t, err)
	offer, err := link.CreateOffer(context.Background())
	require.NoError(t, err)

	stranger := domain.NewParticipant("z", "zed", "")
	require.NoError(t, a.calls.HandleInboundEvent(domain.NewCandidate(stranger, "a", domain.ICECandidate{Candidate: "early"})))
	require.NoError(t, a.calls.HandleInboundEvent(domain.NewOffer(stranger, "a", offer)))

	require.Eventually(t, func() bool {
		st, ok := a.state("z")
		return ok && st == domain.StateConnected
	}, waitFor, tick)
	assert.NotContains(t, rosterIDs(a), domain.ParticipantID("z"))
}

func TestCallService_TargetedElsewhereIgnored(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	a.join(t, "chat-1")

	stranger := domain.NewParticipant("z", "zed", "")
	sd := domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0\r\n"}
	require.NoError(t, a.calls.HandleInboundEvent(domain.NewOffer(stranger, "someone-else", sd)))

	assert.Never(t, func() bool { return len(a.calls.Sessions()) > 0 }, 200*time.Millisecond, tick)
}

func TestCallService_MalformedOfferClosesOnlyThatSession(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	c := newMember(t, b, "b")
	callID := domain.CallID("chat-1")
	a.join(t, callID)
	c.join(t, callID)
	require.Eventually(t, connected(a, "b"), waitFor, tick)

	stranger := domain.NewParticipant("z", "zed", "")
	bad := domain.SessionDescription{Type: domain.SDPOffer, SDP: "garbage"}
	require.NoError(t, a.calls.HandleInboundEvent(domain.NewOffer(stranger, "a", bad)))

	require.Eventually(t, func() bool {
		_, ok := a.state("z")
		return !ok && len(a.engine.Links("z")) == 1 && a.engine.Links("z")[0].Closed()
	}, waitFor, tick)
	st, ok := a.state("b")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, st)
}

func TestCallService_LinkFailureIsolated(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	bb := newMember(t, b, "b")
	c := newMember(t, b, "c")
	callID := domain.CallID("chat-1")
	a.join(t, callID)
	bb.join(t, callID)
	c.join(t, callID)
	require.Eventually(t, connected(a, "b", "c"), waitFor, tick)

	require.True(t, a.engine.Fail("b", errors.New("ice failed")))

	require.Eventually(t, func() bool {
		_, ok := a.state("b")
		return !ok
	}, waitFor, tick)
	st, ok := a.state("c")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, st)
	assert.Contains(t, rosterIDs(a), domain.ParticipantID("b"))
}

func TestCallService_RejoinAfterFailure(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	c := newMember(t, b, "b")
	callID := domain.CallID("chat-1")
	a.join(t, callID)
	c.join(t, callID)
	require.Eventually(t, connected(a, "b"), waitFor, tick)

	require.True(t, a.engine.Fail("b", errors.New("ice failed")))
	require.Eventually(t, func() bool {
		_, ok := a.state("b")
		return !ok
	}, waitFor, tick)

	require.NoError(t, a.calls.HandleInboundEvent(domain.NewBroadcast(domain.SignalJoin, c.self)))
	require.Eventually(t, func() bool {
		st, ok := a.state("b")
		return ok && st != domain.StateNew
	}, waitFor, tick)
	assert.Len(t, a.engine.Links("b"), 2)
}

func TestCallService_Glare(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	c := newMember(t, b, "b")
	callID := domain.CallID("chat-glare")
	a.join(t, callID)
	c.join(t, callID)

	// Both sides see each other's join, so both offer.
	require.NoError(t, a.calls.HandleInboundEvent(domain.NewBroadcast(domain.SignalLeave, c.self)))
	require.NoError(t, c.calls.HandleInboundEvent(domain.NewBroadcast(domain.SignalLeave, a.self)))
	require.Eventually(t, func() bool {
		return len(a.calls.Sessions()) == 0 && len(c.calls.Sessions()) == 0
	}, waitFor, tick)

	require.NoError(t, a.calls.HandleInboundEvent(domain.NewBroadcast(domain.SignalJoin, c.self)))
	require.NoError(t, c.calls.HandleInboundEvent(domain.NewBroadcast(domain.SignalJoin, a.self)))

	require.Eventually(t, connected(a, "b"), waitFor, tick)
	require.Eventually(t, connected(c, "a"), waitFor, tick)
	assert.Len(t, a.calls.Sessions(), 1)
	assert.Len(t, c.calls.Sessions(), 1)
}

func TestCallService_PublishWhileDisconnected(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	a.join(t, "chat-1")

	a.endpoint.SetConnected(false)
	require.NoError(t, a.calls.Leave("chat-1"))
	assert.Equal(t, 1, a.capture.Last().Stops())
}

func TestCallService_HandleInboundEventValidation(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")

	ev := domain.NewBroadcast(domain.SignalJoin, domain.NewParticipant("b", "bee", ""))
	require.ErrorIs(t, a.calls.HandleInboundEvent(ev), domain.ErrNotInCall)

	a.join(t, "chat-1")
	require.ErrorIs(t, a.calls.HandleInboundEvent(domain.SignalEvent{Type: "bogus", Sender: a.self}), domain.ErrInvalidEvent)
}

func TestCallService_RosterCallback(t *testing.T) {
	b := transportmem.NewBroker()
	a := newMember(t, b, "a")
	c := newMember(t, b, "b")

	seen := make(chan []domain.Participant, 16)
	a.calls.OnRosterChange(func(ps []domain.Participant) { seen <- ps })

	a.join(t, "chat-1")
	c.join(t, "chat-1")

	select {
	case ps := <-seen:
		assert.Len(t, ps, 2)
	case <-time.After(waitFor):
		t.Fatal("roster callback not called")
	}
}

func TestCallService_RejoinWaitsForTeardown(t *testing.T) {
	b := transportmem.NewBroker()
	slow := func(c *mediamem.Capture) port.MediaCapture {
		return slowStopCapture{Capture: c, delay: 150 * time.Millisecond}
	}
	a := newMemberWith(t, b, "a", service.DefaultCallConfig(), slow)
	callID := domain.CallID("chat")
	a.join(t, callID)

	left := make(chan error, 1)
	go func() { left <- a.calls.Leave(callID) }()
	time.Sleep(30 * time.Millisecond)
	a.join(t, callID)
	require.NoError(t, <-left)

	assert.True(t, a.calls.Active())
	assert.Equal(t, []string{domain.CallRoomTopic(callID)}, a.endpoint.Topics())

	c := newMember(t, b, "b")
	c.join(t, callID)
	require.Eventually(t, connected(a, "b"), waitFor, tick)
	require.Eventually(t, connected(c, "a"), waitFor, tick)
	assert.ElementsMatch(t, []domain.ParticipantID{"a", "b"}, rosterIDs(a))
	assert.ElementsMatch(t, []domain.ParticipantID{"a", "b"}, rosterIDs(c))
}

func TestCallService_PendingCandidatesBounded(t *testing.T) {
	b := transportmem.NewBroker()
	cfg := service.DefaultCallConfig()
	cfg.MaxPendingCandidates = 4
	a := newMemberWith(t, b, "a", cfg, nil)
	a.join(t, "chat-1")

	// z never answers over the broker, so a stays in OFFERING.
	z := domain.NewParticipant("z", "zed", "")
	require.NoError(t, a.calls.HandleInboundEvent(domain.NewBroadcast(domain.SignalJoin, z)))
	require.Eventually(t, func() bool {
		st, ok := a.state("z")
		return ok && st == domain.StateOffering
	}, waitFor, tick)

	for i := 0; i < 7; i++ {
		c := domain.ICECandidate{Candidate: fmt.Sprintf("candidate:%d", i)}
		require.NoError(t, a.calls.HandleInboundEvent(domain.NewCandidate(z, "a", c)))
	}
	answer := domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0\r\n"}
	require.NoError(t, a.calls.HandleInboundEvent(domain.NewAnswer(z, "a", answer)))

	require.Eventually(t, connected(a, "z"), waitFor, tick)
	links := a.engine.Links("z")
	require.Len(t, links, 1)
	var got []string
	for _, c := range links[0].Candidates() {
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"candidate:3", "candidate:4", "candidate:5", "candidate:6"}, got)
}

type slowStopCapture struct {
	*mediamem.Capture
	delay time.Duration
}

func (c slowStopCapture) AcquireAudio(ctx context.Context) (port.AudioTrack, error) {
	track, err := c.Capture.AcquireAudio(ctx)
	if err != nil {
		return nil, err
	}
	return slowStopTrack{AudioTrack: track, delay: c.delay}, nil
}

type slowStopTrack struct {
	port.AudioTrack
	delay time.Duration
}

func (t slowStopTrack) Stop() error {
	time.Sleep(t.delay)
	return t.AudioTrack.Stop()
}

type nopObserver struct{}

func (nopObserver) OnICECandidate(domain.ICECandidate) {}
func (nopObserver) OnConnected()                       {}
func (nopObserver) OnFailed(error)                     {}
func (nopObserver) OnRemoteTrack(port.TrackSink)       {}
