package host

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/brodyxchen/guestrpc/constant"
	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/message"
	"github.com/brodyxchen/guestrpc/models"
	"github.com/brodyxchen/guestrpc/socket"
)

type Conn struct {
	Name int64
	host *Host

	remoteAddr string

	rwc       net.Conn
	bufReader *bufio.Reader
	bufWriter *bufio.Writer

	writeMu sync.Mutex

	proto uint32
}

func (c *Conn) serve() {
	c.remoteAddr = c.rwc.RemoteAddr().String()

	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Errorf("host: panic serving %v: %v\n%s", c.remoteAddr, err, buf)
		}
		c.Close()
	}()

	c.bufReader = bufio.NewReaderSize(c.rwc, constant.MaxReadBufferSize)
	c.bufWriter = bufio.NewWriterSize(c.rwc, constant.MaxWriteBufferSize)

	header, body, err := socket.ReadFrame("host", c.bufReader)
	if err != nil {
		return
	}
	if header.Code != models.CodeOpen || len(body) < 4 {
		log.Errorf("host: conn %v opened without handshake\n", c.Name)
		return
	}
	c.proto = binary.BigEndian.Uint32(body)
	log.Debugf("host: conn %v opened %v channel\n", c.Name, protoName(c.proto))

	if c.proto == message.TcloProtocol {
		c.host.registerCallback(c)
		defer c.host.unregisterCallback(c)
	}

	for {
		if d := c.host.ReadTimeout; d > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(d))
		}
		header, body, err = socket.ReadFrame("host", c.bufReader)
		if err != nil {
			return
		}

		switch header.Code {
		case models.CodeData:
			if c.proto == message.TcloProtocol {
				// guest response to a command we pushed
				select {
				case c.host.replies <- body:
				default:
					log.Warnf("host: reply queue full, dropping\n")
				}
				continue
			}
			reply := c.dispatch(body)
			if err := c.writeData(reply); err != nil {
				return
			}
			if c.host.shouldDrop() {
				log.Debugf("host: dropping conn %v after reply\n", c.Name)
				return
			}
		case models.CodeClose:
			return
		default:
			log.Warnf("host: conn %v unknown frame code %v\n", c.Name, header.Code)
		}
	}
}

// dispatch runs a guest command. Commands are a name and optional
// argument bytes separated by a single space, the reply is "1 " plus
// the result or "0 " plus the failure text.
func (c *Conn) dispatch(cmd []byte) []byte {
	name := cmd
	var args []byte
	if idx := bytes.IndexByte(cmd, ' '); idx >= 0 {
		name = cmd[:idx]
		args = cmd[idx+1:]
	}

	handler := c.host.getHandler(string(name))
	if handler == nil {
		return []byte("0 Unknown Command")
	}

	res, err := handler(args)
	if err != nil {
		return append([]byte("0 "), err.Error()...)
	}
	return append([]byte("1 "), res...)
}

func (c *Conn) writeData(body []byte) error {
	header := &models.Header{
		Magic:   socket.DefaultMagic,
		Version: socket.DefaultVersion,
		Code:    models.CodeData,
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d := c.host.WriteTimeout; d > 0 {
		_ = c.rwc.SetWriteDeadline(time.Now().Add(d))
	}
	return socket.WriteFrame(c.bufWriter, header, body)
}

func (c *Conn) Close() {
	_ = c.rwc.Close()
}
