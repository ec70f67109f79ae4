package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_RoutesToTopicSubscribers(t *testing.T) {
	b := NewBroker()
	pub := b.Connect("pub")
	sub := b.Connect("sub")
	defer pub.Close()
	defer sub.Close()

	got := make(chan []byte, 2)
	require.NoError(t, sub.Subscribe(context.Background(), "/topic/call-room/x", func(body []byte) { got <- body }))

	require.NoError(t, pub.Publish("/app/call-room/x", map[string]int{"n": 1}))
	require.NoError(t, pub.Publish("/app/call-room/y", map[string]int{"n": 2}))

	select {
	case body := <-got:
		assert.JSONEq(t, `{"n":1}`, string(body))
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	select {
	case <-got:
		t.Fatal("unexpected delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_Disconnected(t *testing.T) {
	b := NewBroker()
	e := b.Connect("e")
	defer e.Close()

	e.SetConnected(false)
	assert.ErrorIs(t, e.Publish("/app/x", 1), domain.ErrTransportUnavailable)
	assert.ErrorIs(t, e.Subscribe(context.Background(), "/topic/x", func([]byte) {}), domain.ErrTransportUnavailable)

	e.SetConnected(true)
	require.NoError(t, e.Subscribe(context.Background(), "/topic/x", func([]byte) {}))
	assert.Equal(t, []string{"/topic/x"}, e.Topics())
	require.NoError(t, e.Unsubscribe("/topic/x"))
	assert.Empty(t, e.Topics())
}

func TestBroker_Duplicates(t *testing.T) {
	b := NewBroker(WithDuplicates())
	e := b.Connect("e")
	defer e.Close()

	got := make(chan []byte, 4)
	require.NoError(t, e.Subscribe(context.Background(), "/topic/x", func(body []byte) { got <- body }))
	require.NoError(t, e.Publish("/app/x", "hi"))

	require.Eventually(t, func() bool { return len(got) == 2 }, time.Second, 5*time.Millisecond)
}
