package message

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brodyxchen/guestrpc/errors"
)

// queueChannel is a polled channel, no read event.
type queueChannel struct {
	mu    sync.Mutex
	queue [][]byte
	err   error
}

func (c *queueChannel) push(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, buf)
}

func (c *queueChannel) Send([]byte) error { return nil }

func (c *queueChannel) Receive() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if len(c.queue) == 0 {
		return nil, nil
	}
	buf := c.queue[0]
	c.queue = c.queue[1:]
	return buf, nil
}

func (c *queueChannel) ReadEvent() (<-chan struct{}, bool) { return nil, false }

func (c *queueChannel) Close() error { return nil }

// eventChannel signals arrivals instead of being polled.
type eventChannel struct {
	queueChannel
	event chan struct{}
}

func newEventChannel() *eventChannel {
	return &eventChannel{event: make(chan struct{}, 1)}
}

func (c *eventChannel) push(buf []byte) {
	c.queueChannel.push(buf)
	select {
	case c.event <- struct{}{}:
	default:
	}
}

func (c *eventChannel) ReadEvent() (<-chan struct{}, bool) { return c.event, true }

func TestWaitImmediate(t *testing.T) {
	ch := &queueChannel{}
	ch.push([]byte("ready"))

	buf, err := Wait(ch, time.Millisecond, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ready"), buf)
}

func TestWaitPolled(t *testing.T) {
	ch := &queueChannel{}
	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.push([]byte("late"))
	}()

	buf, err := Wait(ch, time.Millisecond, 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), buf)
}

func TestWaitEvent(t *testing.T) {
	ch := newEventChannel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.push([]byte("signaled"))
	}()

	buf, err := Wait(ch, time.Millisecond, 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("signaled"), buf)
}

func TestWaitTimeout(t *testing.T) {
	buf, err := Wait(&queueChannel{}, time.Millisecond, 30*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Nil(t, buf)
}

func TestWaitStop(t *testing.T) {
	stop := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(stop)
	}()

	start := time.Now()
	buf, err := Wait(&queueChannel{}, time.Millisecond, 0, stop)
	require.NoError(t, err)
	assert.Nil(t, buf)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitChannelError(t *testing.T) {
	ch := &queueChannel{err: errors.ErrChannelDesync}
	_, err := Wait(ch, time.Millisecond, time.Second, nil)
	assert.True(t, errors.Is(err, errors.ErrChannelDesync))
}
