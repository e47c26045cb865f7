package backdoor

import (
	"encoding/binary"
	"sync"

	"github.com/brodyxchen/guestrpc/errors"
)

// Loopback emulates the host side of the message primitive in
// process. Tests and non-virtualized development run the full channel
// handshake against it.
type Loopback struct {
	// Handler consumes a completed guest message and returns the
	// messages to queue back for the guest.
	Handler func(proto uint32, msg []byte) [][]byte

	// HighBandwidth advertises the bulk primitive on size exchanges.
	HighBandwidth bool

	mu       sync.Mutex
	nextId   uint16
	cookie   uint32
	rejects  bool
	cptOnce  bool
	channels map[uint16]*loopChannel
}

type loopChannel struct {
	proto      uint32
	cookieHigh uint32
	cookieLow  uint32

	sendBuf  []byte
	sendWant int

	recvQ   [][]byte
	recvCur []byte
	recvOff int
}

func NewLoopback(handler func(proto uint32, msg []byte) [][]byte) *Loopback {
	return &Loopback{
		Handler:  handler,
		channels: make(map[uint16]*loopChannel),
	}
}

// Reset drops every channel, the way a host power-op or checkpoint
// restore does. Subsequent traffic on old channels is refused.
func (lb *Loopback) Reset() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.channels = make(map[uint16]*loopChannel)
}

// RefuseSends makes every size exchange fail until re-enabled.
func (lb *Loopback) RefuseSends(refuse bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.rejects = refuse
}

// CheckpointNext fails the next size exchange with the checkpoint
// status so callers exercise their retry path.
func (lb *Loopback) CheckpointNext() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.cptOnce = true
}

// Queue appends a host-initiated message for the guest on channel id.
func (lb *Loopback) Queue(id uint16, msg []byte) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if ch, ok := lb.channels[id]; ok {
		ch.recvQ = append(ch.recvQ, msg)
	}
}

func (lb *Loopback) fail(bp *Proto, status uint16) error {
	bp.CX = CmdMessage | uint64(status)<<16
	return nil
}

func (lb *Loopback) ok(bp *Proto, extra uint16) error {
	status := StatusSuccess | extra
	if lb.HighBandwidth {
		status |= StatusHighBW
	}
	bp.CX = CmdMessage | uint64(status)<<16
	return nil
}

func (lb *Loopback) lookup(bp *Proto) *loopChannel {
	ch, ok := lb.channels[bp.ChannelId()]
	if !ok {
		return nil
	}
	if ch.cookieHigh != uint32(bp.SI) || ch.cookieLow != uint32(bp.DI) {
		return nil
	}
	return ch
}

func (lb *Loopback) Call(bp *Proto) error {
	if bp.AX != Magic {
		return errors.ErrProtocol
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	switch bp.subCommand() {
	case msgTypeOpen:
		lb.nextId++
		lb.cookie += 7
		ch := &loopChannel{
			proto:      uint32(bp.BX) &^ FlagCookie,
			cookieHigh: lb.cookie,
			cookieLow:  lb.cookie + 1,
		}
		lb.channels[lb.nextId] = ch
		bp.setChannelId(lb.nextId)
		if uint32(bp.BX)&FlagCookie != 0 {
			bp.setCookies(ch.cookieHigh, ch.cookieLow)
		} else {
			ch.cookieHigh, ch.cookieLow = 0, 0
		}
		return lb.ok(bp, 0)

	case msgTypeSendSize:
		ch := lb.lookup(bp)
		if ch == nil || lb.rejects {
			return lb.fail(bp, 0)
		}
		if lb.cptOnce {
			lb.cptOnce = false
			return lb.fail(bp, StatusCheckpoint)
		}
		ch.sendWant = int(uint32(bp.BX))
		ch.sendBuf = ch.sendBuf[:0]
		if ch.sendWant == 0 {
			lb.complete(ch)
		}
		return lb.ok(bp, 0)

	case msgTypeSendPayload:
		ch := lb.lookup(bp)
		if ch == nil || lb.rejects {
			return lb.fail(bp, 0)
		}
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], uint32(bp.BX))
		n := ch.sendWant - len(ch.sendBuf)
		if n > 4 {
			n = 4
		}
		ch.sendBuf = append(ch.sendBuf, w[:n]...)
		if len(ch.sendBuf) >= ch.sendWant {
			lb.complete(ch)
		}
		return lb.ok(bp, 0)

	case msgTypeRecvSize:
		ch := lb.lookup(bp)
		if ch == nil {
			return lb.fail(bp, 0)
		}
		if len(ch.recvQ) == 0 {
			return lb.ok(bp, 0)
		}
		ch.recvCur = ch.recvQ[0]
		ch.recvQ = ch.recvQ[1:]
		ch.recvOff = 0
		// the reply sequence type rides in DX, the size in BX
		bp.DX = uint64(msgTypeSendSize) << 16
		bp.BX = uint64(len(ch.recvCur))
		return lb.ok(bp, StatusDoRecv)

	case msgTypeRecvPayload:
		ch := lb.lookup(bp)
		if ch == nil || ch.recvCur == nil {
			return lb.fail(bp, 0)
		}
		var w [4]byte
		copy(w[:], ch.recvCur[ch.recvOff:])
		ch.recvOff += 4
		bp.BX = uint64(binary.LittleEndian.Uint32(w[:]))
		return lb.ok(bp, 0)

	case msgTypeRecvStatus:
		ch := lb.lookup(bp)
		if ch == nil {
			return lb.fail(bp, 0)
		}
		ch.recvCur = nil
		ch.recvOff = 0
		return lb.ok(bp, 0)

	case msgTypeClose:
		delete(lb.channels, bp.ChannelId())
		return lb.ok(bp, 0)
	}

	return lb.fail(bp, 0)
}

func (lb *Loopback) CallHB(bp *Proto, buf []byte, toHost bool) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := lb.lookup(bp)
	if ch == nil || (toHost && lb.rejects) {
		return lb.fail(bp, 0)
	}

	if toHost {
		ch.sendBuf = append(ch.sendBuf[:0], buf...)
		ch.sendWant = len(buf)
		lb.complete(ch)
	} else {
		if ch.recvCur == nil {
			return lb.fail(bp, 0)
		}
		copy(buf, ch.recvCur)
	}
	return lb.ok(bp, 0)
}

// complete hands a fully assembled guest message to the handler and
// queues whatever it replies.
func (lb *Loopback) complete(ch *loopChannel) {
	msg := make([]byte, len(ch.sendBuf))
	copy(msg, ch.sendBuf)
	ch.sendBuf = ch.sendBuf[:0]
	ch.sendWant = 0

	if lb.Handler == nil {
		return
	}
	for _, reply := range lb.Handler(ch.proto, msg) {
		ch.recvQ = append(ch.recvQ, reply)
	}
}
