package socket

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/models"
)

const recvQueueDepth = 16

// Channel is a message channel running over a stream socket. A read
// loop drains incoming frames into a queue so Receive never blocks,
// and signals readEvent for pollers.
type Channel struct {
	key  string
	conn net.Conn

	bufReader *bufio.Reader
	bufWriter *bufio.Writer

	recvQ     chan []byte
	readEvent chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	deadErr  error
	doneCh   chan struct{}
}

func newChannel(key string, conn net.Conn, readBufSize, writeBufSize int) *Channel {
	ch := &Channel{
		key:       key,
		conn:      conn,
		recvQ:     make(chan []byte, recvQueueDepth),
		readEvent: make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
	ch.bufReader = bufio.NewReaderSize(conn, readBufSize)
	ch.bufWriter = bufio.NewWriterSize(conn, writeBufSize)
	return ch
}

// open announces the channel protocol to the host before any data
// moves. The 4-byte payload mirrors the register-based open call.
func (ch *Channel) open(proto uint32) error {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, proto)
	header := &models.Header{
		Magic:   DefaultMagic,
		Version: DefaultVersion,
		Code:    models.CodeOpen,
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := WriteFrame(ch.bufWriter, header, body); err != nil {
		return errors.Wrap(errors.ErrChannelOpen, err)
	}
	return nil
}

func (ch *Channel) readLoop() {
	for {
		header, body, err := ReadFrame(ch.key, ch.bufReader)
		if err != nil {
			// a half-open or garbled stream means our view of the
			// channel no longer matches the host's
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				ch.die(errors.ErrChannelDesync)
			} else {
				ch.die(errors.Wrap(errors.ErrChannelDesync, err))
			}
			return
		}

		switch header.Code {
		case models.CodeData:
			select {
			case ch.recvQ <- body:
				ch.notify()
			default:
				log.Warnf("%v.readLoop() receive queue full, dropping frame\n", ch.key)
			}
		case models.CodeClose:
			ch.die(errors.ErrChannelClosed)
			return
		default:
			log.Warnf("%v.readLoop() unknown frame code %v\n", ch.key, header.Code)
		}
	}
}

func (ch *Channel) notify() {
	select {
	case ch.readEvent <- struct{}{}:
	default:
	}
}

func (ch *Channel) die(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	ch.deadErr = err
	close(ch.doneCh)
	_ = ch.conn.Close()
	ch.notify()
}

func (ch *Channel) broken() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		return nil
	}
	if ch.deadErr != nil {
		return ch.deadErr
	}
	return errors.ErrChannelClosed
}

func (ch *Channel) Send(buf []byte) error {
	if err := ch.broken(); err != nil {
		return err
	}

	header := &models.Header{
		Magic:   DefaultMagic,
		Version: DefaultVersion,
		Code:    models.CodeData,
	}

	ch.writeMu.Lock()
	err := WriteFrame(ch.bufWriter, header, buf)
	ch.writeMu.Unlock()
	if err != nil {
		if chErr := ch.broken(); chErr != nil {
			return chErr
		}
		// write failed on a channel that worked before
		ch.die(errors.Wrap(errors.ErrChannelDesync, err))
		return errors.Wrap(errors.ErrChannelDesync, err)
	}
	return nil
}

func (ch *Channel) Receive() ([]byte, error) {
	select {
	case buf := <-ch.recvQ:
		return buf, nil
	default:
	}
	if err := ch.broken(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (ch *Channel) ReadEvent() (<-chan struct{}, bool) {
	return ch.readEvent, true
}

func (ch *Channel) Close() error {
	if err := ch.broken(); err != nil {
		return nil
	}

	header := &models.Header{
		Magic:   DefaultMagic,
		Version: DefaultVersion,
		Code:    models.CodeClose,
	}
	ch.writeMu.Lock()
	_ = WriteFrame(ch.bufWriter, header, nil)
	ch.writeMu.Unlock()

	ch.die(errors.ErrChannelClosed)
	return nil
}
