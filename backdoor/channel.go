package backdoor

import (
	"encoding/binary"
	"sync"

	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
)

const checkpointRetries = 2

// Channel is a message channel multiplexed over the low-bandwidth
// hypercall primitive, upgraded per-transfer to the bulk primitive
// when the host advertises it.
type Channel struct {
	caller Caller
	proto  uint32

	id         uint16
	cookieHigh uint32
	cookieLow  uint32

	open bool
	mu   sync.Mutex
}

// OpenChannel performs the open handshake for proto. Cookies are
// requested first; hosts predating them get a plain open.
func OpenChannel(caller Caller, proto uint32) (*Channel, error) {
	ch := &Channel{caller: caller, proto: proto}

	bp := &Proto{}
	bp.setCommand(msgTypeOpen)
	bp.BX = uint64(proto | FlagCookie)
	if err := caller.Call(bp); err != nil {
		return nil, errors.Wrap(errors.ErrChannelOpen, err)
	}

	if bp.Status()&StatusSuccess != 0 {
		ch.cookieHigh = uint32(bp.SI)
		ch.cookieLow = uint32(bp.DI)
	} else {
		bp = &Proto{}
		bp.setCommand(msgTypeOpen)
		bp.BX = uint64(proto)
		if err := caller.Call(bp); err != nil {
			return nil, errors.Wrap(errors.ErrChannelOpen, err)
		}
		if bp.Status()&StatusSuccess == 0 {
			return nil, errors.ErrChannelOpen
		}
	}

	ch.id = bp.ChannelId()
	ch.open = true
	return ch, nil
}

func (ch *Channel) request(sub uint16) *Proto {
	bp := &Proto{}
	bp.setCommand(sub)
	bp.setChannelId(ch.id)
	bp.setCookies(ch.cookieHigh, ch.cookieLow)
	return bp
}

// Send delivers buf to the host. A checkpoint observed mid-transfer
// restarts the whole message, a hard refusal on an open channel means
// the host tore its end down.
func (ch *Channel) Send(buf []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.open {
		return errors.ErrChannelClosed
	}

	for attempt := 0; ; attempt++ {
		retry, err := ch.send(buf)
		if err == nil {
			return nil
		}
		if retry && attempt < checkpointRetries {
			log.Debugf("backdoor.Send() checkpoint on channel %v, resending\n", ch.id)
			continue
		}
		return err
	}
}

func (ch *Channel) send(buf []byte) (retry bool, err error) {
	bp := ch.request(msgTypeSendSize)
	bp.BX = uint64(len(buf))
	if err := ch.caller.Call(bp); err != nil {
		return false, errors.Wrap(errors.ErrSendErr, err)
	}
	status := bp.Status()
	if status&StatusSuccess == 0 {
		return status&StatusCheckpoint != 0, errors.ErrChannelDesync
	}

	if status&StatusHighBW != 0 && len(buf) > 0 {
		hb := ch.request(msgTypeSendPayload)
		hb.BX = uint64(len(buf))
		if err := ch.caller.CallHB(hb, buf, true); err != nil {
			return false, errors.Wrap(errors.ErrSendErr, err)
		}
		if st := hb.Status(); st&StatusSuccess == 0 {
			return st&StatusCheckpoint != 0, errors.ErrChannelDesync
		}
		return false, nil
	}

	for off := 0; off < len(buf); off += 4 {
		bp = ch.request(msgTypeSendPayload)
		bp.BX = uint64(packWord(buf[off:]))
		if err := ch.caller.Call(bp); err != nil {
			return false, errors.Wrap(errors.ErrSendErr, err)
		}
		if st := bp.Status(); st&StatusSuccess == 0 {
			return st&StatusCheckpoint != 0, errors.ErrChannelDesync
		}
	}
	return false, nil
}

// Receive returns the next queued host message, or (nil, nil) when
// the host has nothing for this channel.
func (ch *Channel) Receive() ([]byte, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.open {
		return nil, errors.ErrChannelClosed
	}

	for attempt := 0; ; attempt++ {
		buf, retry, err := ch.receive()
		if err == nil {
			return buf, nil
		}
		if retry && attempt < checkpointRetries {
			log.Debugf("backdoor.Receive() checkpoint on channel %v, rereading\n", ch.id)
			continue
		}
		return nil, err
	}
}

func (ch *Channel) receive() (buf []byte, retry bool, err error) {
	bp := ch.request(msgTypeRecvSize)
	if err := ch.caller.Call(bp); err != nil {
		return nil, false, errors.Wrap(errors.ErrReceiveErr, err)
	}
	status := bp.Status()
	if status&StatusSuccess == 0 {
		return nil, status&StatusCheckpoint != 0, errors.ErrChannelDesync
	}
	if status&StatusDoRecv == 0 {
		return nil, false, nil
	}
	if bp.replyType() != msgTypeSendSize {
		return nil, false, errors.Wrap(errors.ErrProtocol, errors.New("host skipped the size exchange"))
	}

	size := int(uint32(bp.BX))
	buf = make([]byte, size)

	if status&StatusHighBW != 0 && size > 0 {
		hb := ch.request(msgTypeRecvPayload)
		hb.BX = uint64(size)
		if err := ch.caller.CallHB(hb, buf, false); err != nil {
			return nil, false, errors.Wrap(errors.ErrReceiveErr, err)
		}
		if st := hb.Status(); st&StatusSuccess == 0 {
			ch.ackReceive(0)
			return nil, st&StatusCheckpoint != 0, errors.ErrChannelDesync
		}
	} else {
		for off := 0; off < size; off += 4 {
			bp = ch.request(msgTypeRecvPayload)
			bp.BX = uint64(StatusSuccess)
			if err := ch.caller.Call(bp); err != nil {
				return nil, false, errors.Wrap(errors.ErrReceiveErr, err)
			}
			if st := bp.Status(); st&StatusSuccess == 0 {
				ch.ackReceive(0)
				return nil, st&StatusCheckpoint != 0, errors.ErrChannelDesync
			}
			unpackWord(buf[off:], uint32(bp.BX))
		}
	}

	if err := ch.ackReceive(StatusSuccess); err != nil {
		return nil, false, err
	}
	return buf, false, nil
}

func (ch *Channel) ackReceive(status uint16) error {
	bp := ch.request(msgTypeRecvStatus)
	bp.BX = uint64(status)
	if err := ch.caller.Call(bp); err != nil {
		return errors.Wrap(errors.ErrReceiveErr, err)
	}
	if bp.Status()&StatusSuccess == 0 {
		return errors.ErrChannelDesync
	}
	return nil
}

// ReadEvent is unsupported, the hypercall primitive cannot signal the
// guest. Callers poll.
func (ch *Channel) ReadEvent() (<-chan struct{}, bool) {
	return nil, false
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.open {
		return nil
	}
	ch.open = false

	bp := ch.request(msgTypeClose)
	if err := ch.caller.Call(bp); err != nil {
		return errors.Wrap(errors.ErrChannelClosed, err)
	}
	if bp.Status()&StatusSuccess == 0 {
		log.Debugf("backdoor.Close() host refused close of channel %v\n", ch.id)
	}
	return nil
}

func packWord(b []byte) uint32 {
	var w [4]byte
	copy(w[:], b)
	return binary.LittleEndian.Uint32(w[:])
}

func unpackWord(dst []byte, v uint32) {
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], v)
	copy(dst, w[:])
}
