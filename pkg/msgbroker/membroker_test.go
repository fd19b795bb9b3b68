package msgbroker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	assert.True(t, matches("signal:*", "signal:AB12CD"))
	assert.True(t, matches("signal:AB12CD", "signal:AB12CD"))
	assert.False(t, matches("signal:AB12CD", "signal:XYZ123"))
	assert.False(t, matches("other:*", "signal:AB12CD"))
}

func TestMemoryBrokerDelivery(t *testing.T) {
	mb := NewMemoryBroker()
	defer mb.Close()

	var mu sync.Mutex
	var got []string
	require.NoError(t, mb.Subscribe("signal:*", func(msg *Message) {
		mu.Lock()
		got = append(got, msg.Channel+"="+string(msg.Data))
		mu.Unlock()
	}))

	require.NoError(t, mb.Publish([]byte("hello"), "signal:AB12CD"))
	require.NoError(t, mb.Publish([]byte("nope"), "metrics:x"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "signal:AB12CD=hello"
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBrokerUnsubscribe(t *testing.T) {
	mb := NewMemoryBroker()
	defer mb.Close()

	delivered := make(chan struct{}, 4)
	require.NoError(t, mb.Subscribe("signal:*", func(*Message) { delivered <- struct{}{} }))
	require.NoError(t, mb.Unsubscribe("signal:*"))
	require.NoError(t, mb.Publish([]byte("x"), "signal:AB12CD"))

	select {
	case <-delivered:
		t.Fatal("message delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBrokerClose(t *testing.T) {
	mb := NewMemoryBroker()
	require.NoError(t, mb.Close())
	assert.Error(t, mb.Publish([]byte("x"), "signal:AB12CD"))
	assert.Error(t, mb.Subscribe("signal:*", func(*Message) {}))
}
