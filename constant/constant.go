package constant

import "time"

const (
	MaxReadBufferSize  = 4 << 10
	MaxWriteBufferSize = 4 << 10

	// PacketMax bounds a single request or reply payload, header included.
	PacketMax = 6144

	// IOMax bounds the data carried by one read or write request.
	IOMax = 4 << 10

	MaxRequestPool = 16

	PollMinDelay = time.Millisecond
	PollMaxDelay = 100 * time.Millisecond

	MaxChannelRestarts = 60
	RestartMaxInterval = time.Second

	ReplyWaitTimeout = 10 * time.Second
)
