package stream

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/marketstream/pkg/protocol"
)

func envOf(tag string) protocol.Envelope {
	data, _ := json.Marshal(map[string]string{"tag": tag})
	return protocol.Envelope{Type: protocol.TypePriceUpdate, Data: data, Timestamp: time.Now()}
}

func tagOf(env protocol.Envelope) string {
	var m map[string]string
	_ = json.Unmarshal(env.Data, &m)
	return m["tag"]
}

func TestQueueFIFO(t *testing.T) {
	q := NewOutboundQueue(8)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(envOf(fmt.Sprintf("m%d", i)), false, false))
	}
	for i := 0; i < 5; i++ {
		env, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("m%d", i), tagOf(env))
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueueCriticalDrainsFirst(t *testing.T) {
	q := NewOutboundQueue(8)
	require.NoError(t, q.Push(envOf("tick"), false, true))
	require.NoError(t, q.Push(envOf("trade"), true, false))

	env, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "trade", tagOf(env))
}

func TestQueueShedsOldestDroppable(t *testing.T) {
	q := NewOutboundQueue(3)
	require.NoError(t, q.Push(envOf("tick0"), false, true))
	require.NoError(t, q.Push(envOf("ack"), false, false))
	require.NoError(t, q.Push(envOf("tick1"), false, true))

	// Queue is full: the next push sheds tick0, not the ack.
	require.NoError(t, q.Push(envOf("tick2"), false, true))

	var tags []string
	for {
		env, ok := q.TryPop()
		if !ok {
			break
		}
		tags = append(tags, tagOf(env))
	}
	assert.Equal(t, []string{"ack", "tick1", "tick2"}, tags)
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestQueueSaturatedWithNothingToShed(t *testing.T) {
	q := NewOutboundQueue(2)
	require.NoError(t, q.Push(envOf("a"), false, false))
	require.NoError(t, q.Push(envOf("b"), false, false))

	err := q.Push(envOf("c"), false, false)
	assert.ErrorIs(t, err, ErrQueueSaturated)
}

func TestQueueCriticalNeverShed(t *testing.T) {
	q := NewOutboundQueue(2)
	require.NoError(t, q.Push(envOf("t0"), true, false))
	require.NoError(t, q.Push(envOf("t1"), true, false))

	// The critical lane refuses instead of shedding.
	err := q.Push(envOf("t2"), true, false)
	assert.ErrorIs(t, err, ErrQueueSaturated)

	env, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "t0", tagOf(env))
}

func TestQueueSignalWakesDrainer(t *testing.T) {
	q := NewOutboundQueue(4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(envOf("late"), false, false)
	}()

	select {
	case <-q.Signal():
	case <-time.After(time.Second):
		t.Fatal("push never signalled the drainer")
	}
	env, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "late", tagOf(env))
}

func TestQueueCloseDrainsRemaining(t *testing.T) {
	q := NewOutboundQueue(4)
	require.NoError(t, q.Push(envOf("pending"), false, false))
	q.Close()

	assert.ErrorIs(t, q.Push(envOf("x"), false, false), ErrConnectionClosed)

	env, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "pending", tagOf(env))

	_, ok = q.TryPop()
	assert.False(t, ok)
}
