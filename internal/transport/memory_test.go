package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReceiver struct {
	mu           sync.Mutex
	connected    int
	disconnected []error
	frames       []string
}

func (r *recordingReceiver) HandleConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recordingReceiver) HandleDisconnected(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, err)
}

func (r *recordingReceiver) HandleData(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(data))
}

func (r *recordingReceiver) snapshot() (int, int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, len(r.disconnected), append([]string(nil), r.frames...)
}

func TestPipeDeliversInOrderWhileUp(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	ra, rb := &recordingReceiver{}, &recordingReceiver{}
	a.Bind(ra)
	b.Bind(rb)

	assert.ErrorIs(t, a.Send(context.Background(), []byte("early")), ErrTransportFailure)

	a.Connect()
	for _, frame := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(context.Background(), []byte(frame)))
	}

	require.Eventually(t, func() bool {
		_, _, frames := rb.snapshot()
		return len(frames) == 3
	}, time.Second, 5*time.Millisecond)
	_, _, frames := rb.snapshot()
	assert.Equal(t, []string{"one", "two", "three"}, frames)

	connected, _, _ := ra.snapshot()
	assert.Equal(t, 1, connected)
}

func TestPipeDisconnectNotifiesBothEnds(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	ra, rb := &recordingReceiver{}, &recordingReceiver{}
	a.Bind(ra)
	b.Bind(rb)

	a.Connect()
	b.Disconnect()

	_, downA, _ := ra.snapshot()
	_, downB, _ := rb.snapshot()
	assert.Equal(t, 1, downA)
	assert.Equal(t, 1, downB)
	assert.ErrorIs(t, b.Send(context.Background(), []byte("x")), ErrTransportFailure)
	assert.ErrorIs(t, ra.disconnected[0], ErrTransportFailure)
}

func TestBackoffConfigBoundsDelay(t *testing.T) {
	policy := BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond}.NewBackOff()
	for i := 0; i < 10; i++ {
		delay := policy.NextBackOff()
		assert.LessOrEqual(t, delay, 60*time.Millisecond, "randomized delay stays near the ceiling")
		assert.Positive(t, delay)
	}
}
