package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdering(t *testing.T) {
	q := NewQueue(8)
	require.NoError(t, q.Post(MessageGetLatency, nil))
	require.NoError(t, q.Post(MessageUnloadModule, nil))
	require.NoError(t, q.Post(MessageShutdown, nil))

	kinds := []MessageKind{}
	for {
		m, ok := q.TryReceive()
		if !ok {
			break
		}
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []MessageKind{MessageGetLatency, MessageUnloadModule, MessageShutdown}, kinds)
}

func TestQueuePostFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Post(MessageGetLatency, nil))
	assert.ErrorIs(t, q.Post(MessageGetLatency, nil), ErrQueueFull)
}

func TestQueueSendBlocksUntilAck(t *testing.T) {
	q := NewQueue(1)
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- q.Send(ctx, MessageShutdown)
	}()

	var m Message
	require.Eventually(t, func() bool {
		var ok bool
		m, ok = q.TryReceive()
		return ok
	}, time.Second, time.Millisecond)

	// Sender must still be blocked before the ack.
	select {
	case <-done:
		t.Fatal("send returned before ack")
	case <-time.After(20 * time.Millisecond):
	}

	m.Ack()
	assert.NoError(t, <-done)
}

func TestQueueWaitForSkipsOtherKinds(t *testing.T) {
	q := NewQueue(8)
	require.NoError(t, q.Post(MessageGetLatency, nil))
	require.NoError(t, q.Post(MessageShutdown, nil))
	assert.NoError(t, q.WaitFor(MessageShutdown))
}

func TestQueueWaitForClosed(t *testing.T) {
	q := NewQueue(8)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Close()
	}()
	assert.ErrorIs(t, q.WaitFor(MessageShutdown), ErrQueueClosed)
}

func TestQueueClosedPost(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	assert.ErrorIs(t, q.Post(MessageShutdown, nil), ErrQueueClosed)
	q.Close() // second close is a no-op
}

func TestQueueSendAfterClose(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	assert.ErrorIs(t, q.Send(context.Background(), MessageShutdown), ErrQueueClosed)
}

func TestChannelPairServeHost(t *testing.T) {
	pair := NewChannelPair(4)
	got := make(chan MessageKind, 1)
	pair.ServeHost(func(m Message) {
		got <- m.Kind
	})

	require.NoError(t, pair.Out.Post(MessageUnloadModule, nil))
	select {
	case kind := <-got:
		assert.Equal(t, MessageUnloadModule, kind)
	case <-time.After(time.Second):
		t.Fatal("host handler never ran")
	}
	pair.Close()
}
