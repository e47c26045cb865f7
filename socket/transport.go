package socket

import (
	"net"

	"github.com/brodyxchen/guestrpc/constant"
	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/message"
	"github.com/brodyxchen/guestrpc/models"
	"github.com/mdlayher/vsock"
)

// Transport opens message channels over a stream socket, vsock toward
// the hypervisor or tcp for development hosts. Each channel gets its
// own connection, matching the one-channel-one-conversation model of
// the register primitive.
type Transport struct {
	Addr models.Addr

	// WriteBufferSize specifies the size of the write buffer used
	// when writing to the socket.
	// If zero, a default (currently 4KB) is used.
	WriteBufferSize int

	// ReadBufferSize specifies the size of the read buffer used
	// when reading from the socket.
	// If zero, a default (currently 4KB) is used.
	ReadBufferSize int
}

func NewTransport(addr models.Addr) *Transport {
	return &Transport{Addr: addr}
}

func (tp *Transport) writeBufferSize() int {
	if tp.WriteBufferSize > 0 {
		return tp.WriteBufferSize
	}
	return constant.MaxWriteBufferSize
}

func (tp *Transport) readBufferSize() int {
	if tp.ReadBufferSize > 0 {
		return tp.ReadBufferSize
	}
	return constant.MaxReadBufferSize
}

func (tp *Transport) Open(proto uint32) (message.Channel, error) {
	var (
		rwConn net.Conn
		err    error
	)
	switch ad := tp.Addr.(type) {
	case *models.VSockAddr:
		rwConn, err = vsock.Dial(ad.ContextId, ad.Port, nil)
	case *models.TcpAddr:
		rwConn, err = net.Dial("tcp", ad.GetAddr())
	default:
		return nil, errors.Wrap(errors.ErrChannelOpen, errors.New("unknown address type"))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDisconnected, err)
	}

	ch := newChannel(tp.Addr.GetAddr(), rwConn, tp.readBufferSize(), tp.writeBufferSize())
	if err := ch.open(proto); err != nil {
		_ = rwConn.Close()
		return nil, err
	}

	go ch.readLoop()

	return ch, nil
}
