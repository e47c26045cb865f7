package backdoor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brodyxchen/guestrpc/errors"
)

// echoHandler replies to every guest message with the same bytes.
func echoHandler(proto uint32, msg []byte) [][]byte {
	reply := make([]byte, len(msg))
	copy(reply, msg)
	return [][]byte{reply}
}

func TestOpenSendReceive(t *testing.T) {
	lb := NewLoopback(echoHandler)

	ch, err := OpenChannel(lb, 0x12345678)
	require.NoError(t, err)
	defer ch.Close()

	payload := []byte("hello host, this is longer than one register word")
	require.NoError(t, ch.Send(payload))

	got, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// nothing else queued
	got, err = ch.Receive()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSendUnalignedLengths(t *testing.T) {
	lb := NewLoopback(echoHandler)

	ch, err := OpenChannel(lb, 1)
	require.NoError(t, err)
	defer ch.Close()

	for _, n := range []int{0, 1, 2, 3, 4, 5, 7, 9, 1023} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		require.NoError(t, ch.Send(payload), "len=%d", n)

		if n == 0 {
			// empty messages complete without queuing a reply body
			got, err := ch.Receive()
			require.NoError(t, err)
			assert.Len(t, got, 0)
			continue
		}
		got, err := ch.Receive()
		require.NoError(t, err)
		assert.Equal(t, payload, got, "len=%d", n)
	}
}

func TestHighBandwidth(t *testing.T) {
	lb := NewLoopback(echoHandler)
	lb.HighBandwidth = true

	ch, err := OpenChannel(lb, 1)
	require.NoError(t, err)
	defer ch.Close()

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, ch.Send(payload))

	got, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCheckpointRetry(t *testing.T) {
	lb := NewLoopback(echoHandler)

	ch, err := OpenChannel(lb, 1)
	require.NoError(t, err)
	defer ch.Close()

	// the next size exchange fails with the checkpoint status, the
	// channel must resend transparently
	lb.CheckpointNext()
	payload := []byte("survives a checkpoint")
	require.NoError(t, ch.Send(payload))

	got, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestHostResetDesynchronizes(t *testing.T) {
	lb := NewLoopback(echoHandler)

	ch, err := OpenChannel(lb, 1)
	require.NoError(t, err)

	require.NoError(t, ch.Send([]byte("ok")))

	lb.Reset()

	err = ch.Send([]byte("into the void"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChannelDesync))
}

func TestRefusedSends(t *testing.T) {
	lb := NewLoopback(echoHandler)

	ch, err := OpenChannel(lb, 1)
	require.NoError(t, err)
	defer ch.Close()

	lb.RefuseSends(true)
	err = ch.Send([]byte("nope"))
	assert.True(t, errors.Is(err, errors.ErrChannelDesync))

	lb.RefuseSends(false)
	assert.NoError(t, ch.Send([]byte("ok again")))
}

func TestClosedChannel(t *testing.T) {
	lb := NewLoopback(echoHandler)

	ch, err := OpenChannel(lb, 1)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	assert.True(t, errors.Is(ch.Send([]byte("x")), errors.ErrChannelClosed))
	_, err = ch.Receive()
	assert.True(t, errors.Is(err, errors.ErrChannelClosed))

	// a second close is a no-op
	assert.NoError(t, ch.Close())
}

func TestNotVirtualized(t *testing.T) {
	_, err := OpenChannel(NotVirtualized{}, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChannelOpen))
}

func TestHostQueuedMessage(t *testing.T) {
	lb := NewLoopback(nil)

	ch, err := OpenChannel(lb, 1)
	require.NoError(t, err)
	defer ch.Close()

	lb.Queue(ch.id, []byte("host speaks first"))

	got, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("host speaks first"), got)
}
