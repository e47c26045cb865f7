package message

// Protocol identifiers carried in the channel open request. The host
// routes the channel to the matching service.
const (
	RpciProtocol = uint32(0x49435052) // guest-to-host commands
	TcloProtocol = uint32(0x4F4C4354) // host-to-guest callbacks
)

// Channel is a datagram-style message pipe to the host. A message is
// delivered whole or not at all, no partial reads.
type Channel interface {
	// Send delivers buf to the host.
	Send(buf []byte) error

	// Receive returns the next pending message from the host, or
	// (nil, nil) when nothing is queued. It never blocks.
	Receive() ([]byte, error)

	// ReadEvent returns a channel signaled when a message may be
	// pending. Transports without asynchronous notification return
	// (nil, false) and callers fall back to polling.
	ReadEvent() (<-chan struct{}, bool)

	Close() error
}

// Transport opens channels for a given protocol. Implementations are
// the register-based hypercall primitive and the socket fallback.
type Transport interface {
	Open(proto uint32) (Channel, error)
}
