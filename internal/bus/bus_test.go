package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(buffer int) *Hub {
	logger, _ := test.NewNullLogger()
	return NewHub(buffer, logger)
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestHubFansOutPerTopic(t *testing.T) {
	hub := newTestHub(8)
	defer hub.Close()
	ctx := context.Background()

	a1, err := hub.Subscribe("r1")
	require.NoError(t, err)
	a2, err := hub.Subscribe("r1")
	require.NoError(t, err)
	b, err := hub.Subscribe("r2")
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.Len(t, a1.ID, 12)

	require.NoError(t, hub.Publish(ctx, "r1", []byte("hello")))

	assert.Equal(t, "hello", string(receive(t, a1).Payload))
	assert.Equal(t, "hello", string(receive(t, a2).Payload))
	select {
	case msg := <-b.C():
		t.Fatalf("unexpected message on other topic: %q", msg.Payload)
	default:
	}
}

func TestHubPreservesOrderPerSubscriber(t *testing.T) {
	hub := newTestHub(64)
	defer hub.Close()
	sub, err := hub.Subscribe("r1")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, hub.Publish(context.Background(), "r1", []byte(fmt.Sprint(i))))
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprint(i), string(receive(t, sub).Payload))
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := newTestHub(2)
	defer hub.Close()
	slow, err := hub.Subscribe("r1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(context.Background(), "r1", []byte("x")))
	}
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Len(t, slow.C(), 2)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := newTestHub(2)
	sub, err := hub.Subscribe("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("r1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("r1"))
	_, ok := <-sub.C()
	assert.False(t, ok)

	require.NoError(t, hub.Publish(context.Background(), "r1", []byte("after close")))
	require.NoError(t, hub.Close())
	_, err = hub.Subscribe("r1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := newTestHub(2)
	sub, err := hub.Subscribe("r1")
	require.NoError(t, err)

	require.NoError(t, hub.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)
	sub.Close()
}
