package chat

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatEvent(origin SessionID, text string) Event {
	return Event{Type: EventChat, Origin: origin, Name: "u" + origin.String(), Text: text}
}

func nextEvent(t *testing.T, s *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestBus_AllSubscribersObserveSameOrder(t *testing.T) {
	b := NewBus(16)
	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := b.Subscribe()
		require.NoError(t, err)
		subs[i] = s
	}

	for _, text := range []string{"hi", "there", "bye"} {
		n, err := b.Publish(chatEvent(1, text))
		require.NoError(t, err)
		assert.Equal(t, len(subs), n)
	}

	for _, s := range subs {
		assert.Equal(t, "hi", nextEvent(t, s).Text)
		assert.Equal(t, "there", nextEvent(t, s).Text)
		assert.Equal(t, "bye", nextEvent(t, s).Text)
	}
}

func TestBus_SubscribeSeesOnlyLaterEvents(t *testing.T) {
	b := NewBus(4)
	_, err := b.Publish(chatEvent(1, "before"))
	require.NoError(t, err)

	s, err := b.Subscribe()
	require.NoError(t, err)
	_, err = b.Publish(chatEvent(1, "after"))
	require.NoError(t, err)

	assert.Equal(t, "after", nextEvent(t, s).Text)
	_, ok, err := s.Poll()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBus_OverflowMarksSubscriberLagged(t *testing.T) {
	b := NewBus(2)
	slow, err := b.Subscribe()
	require.NoError(t, err)
	fast, err := b.Subscribe()
	require.NoError(t, err)

	for _, text := range []string{"1", "2"} {
		_, err := b.Publish(chatEvent(1, text))
		require.NoError(t, err)
		assert.Equal(t, text, nextEvent(t, fast).Text)
	}
	for _, text := range []string{"3", "4"} {
		n, err := b.Publish(chatEvent(1, text))
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the keeping-up subscriber is reached")
		assert.Equal(t, text, nextEvent(t, fast).Text)
	}

	_, _, err = slow.Poll()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLagged))
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(2), lagged.Missed)

	// Lagging is terminal.
	_, err = slow.Next(context.Background())
	assert.ErrorIs(t, err, ErrLagged)
}

func TestBus_ReadySignalsPendingEvents(t *testing.T) {
	b := NewBus(4)
	s, err := b.Subscribe()
	require.NoError(t, err)

	select {
	case <-s.Ready():
		t.Fatal("ready fired with nothing published")
	default:
	}

	_, err = b.Publish(chatEvent(1, "x"))
	require.NoError(t, err)

	select {
	case <-s.Ready():
	case <-time.After(waitTimeout):
		t.Fatal("ready did not fire")
	}
	ev, ok, err := s.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", ev.Text)
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	b := NewBus(4)
	s, err := b.Subscribe()
	require.NoError(t, err)
	_, err = b.Publish(chatEvent(1, "pending"))
	require.NoError(t, err)

	b.Close()
	b.Close()

	assert.Equal(t, "pending", nextEvent(t, s).Text)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	_, err = b.Publish(chatEvent(1, "late"))
	assert.ErrorIs(t, err, ErrBusClosed)
	_, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestSubscription_CloseDetaches(t *testing.T) {
	b := NewBus(4)
	s, err := b.Subscribe()
	require.NoError(t, err)
	require.Equal(t, 1, b.Len())

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Len())

	n, err := b.Publish(chatEvent(1, "nobody"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubscription_NextHonoursContext(t *testing.T) {
	b := NewBus(4)
	s, err := b.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvent_Render(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: EventJoined, Name: "alice"}, "* alice has entered the room"},
		{Event{Type: EventLeft, Name: "alice"}, "* alice has left the room"},
		{Event{Type: EventChat, Name: "bob", Text: "hello"}, "[bob] hello"},
		{Event{Type: EventChat, Name: "bob"}, "[bob] "},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ev.Render())
	}
}
