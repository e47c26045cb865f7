package backdoor

// Magic loads into AX on every hypercall so the hypervisor can tell
// the call apart from a stray port access.
const Magic = uint64(0x564D5868)

const (
	// CmdMessage multiplexes the message-channel handshake over the
	// low-bandwidth primitive. The subcommand rides in the high half
	// of CX.
	CmdMessage = uint64(30)
)

// Message-channel subcommands.
const (
	msgTypeOpen        = uint16(0)
	msgTypeSendSize    = uint16(1)
	msgTypeSendPayload = uint16(2)
	msgTypeRecvSize    = uint16(3)
	msgTypeRecvPayload = uint16(4)
	msgTypeRecvStatus  = uint16(5)
	msgTypeClose       = uint16(6)
)

// Status bits reported in the high half of CX after a call.
const (
	StatusSuccess    = uint16(0x0001)
	StatusDoRecv     = uint16(0x0002)
	StatusCheckpoint = uint16(0x0010) // host checkpointed mid-transfer, retry
	StatusHighBW     = uint16(0x0080) // host accepts one-shot bulk transfers
)

// FlagCookie asks the host to pin the channel with a cookie pair, so
// a stale guest cannot talk into a channel recycled after a reset.
const FlagCookie = uint32(0x80000000)

// Proto is the register block exchanged with the hypervisor. The
// caller fills it in, the host overwrites it with the reply.
type Proto struct {
	AX uint64
	BX uint64
	CX uint64
	DX uint64
	SI uint64
	DI uint64
	BP uint64
}

func (p *Proto) setCommand(sub uint16) {
	p.AX = Magic
	p.CX = CmdMessage | uint64(sub)<<16
}

func (p *Proto) subCommand() uint16 {
	return uint16(p.CX >> 16)
}

// Status is valid after the host has written the reply block.
func (p *Proto) Status() uint16 {
	return uint16(p.CX >> 16)
}

// ChannelId rides in the high half of DX both directions.
func (p *Proto) ChannelId() uint16 {
	return uint16(p.DX >> 16)
}

// replyType shares DX with the channel id. On a receive-size reply
// the host overwrites it with the sequence type it expects next.
func (p *Proto) replyType() uint16 {
	return uint16(p.DX >> 16)
}

func (p *Proto) setChannelId(id uint16) {
	p.DX = uint64(id) << 16
}

func (p *Proto) setCookies(high, low uint32) {
	p.SI = uint64(high)
	p.DI = uint64(low)
}
