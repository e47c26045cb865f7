// Package host emulates the hypervisor end of the command protocol
// over stream sockets. It backs integration tests and development
// setups where no real host is listening.
package host

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/message"
	"github.com/brodyxchen/guestrpc/models"
	"github.com/mdlayher/vsock"
)

type HandlerFunc func(args []byte) ([]byte, error)

type Host struct {
	Addr models.Addr

	handlers map[string]HandlerFunc
	mutex    sync.RWMutex

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	connIndex int64 // atomic

	listener net.Listener
	listenMu sync.Mutex

	// callback channels currently open, keyed by conn name
	callbacks  map[int64]*Conn
	callbackMu sync.Mutex

	replies chan []byte

	dropNext int32 // atomic, close the conn after the next reply

	closed int32 // atomic
}

func New(addr models.Addr) *Host {
	return &Host{
		Addr:      addr,
		handlers:  make(map[string]HandlerFunc),
		callbacks: make(map[int64]*Conn),
		replies:   make(chan []byte, 16),
	}
}

func (h *Host) getConnIndex() int64 {
	return atomic.AddInt64(&h.connIndex, 1)
}

func (h *Host) HandleFunc(name string, handleFn HandlerFunc) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.handlers[name] = handleFn
}

func (h *Host) getHandler(name string) HandlerFunc {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.handlers[name]
}

// DropNextConn closes the serving connection right after its next
// reply, simulating a host-side channel teardown.
func (h *Host) DropNextConn() {
	atomic.StoreInt32(&h.dropNext, 1)
}

func (h *Host) shouldDrop() bool {
	return atomic.CompareAndSwapInt32(&h.dropNext, 1, 0)
}

// Replies yields guest responses to commands sent with SendCommand.
func (h *Host) Replies() <-chan []byte {
	return h.replies
}

// SendCommand pushes cmd to every open callback channel.
func (h *Host) SendCommand(cmd []byte) error {
	h.callbackMu.Lock()
	conns := make([]*Conn, 0, len(h.callbacks))
	for _, c := range h.callbacks {
		conns = append(conns, c)
	}
	h.callbackMu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.writeData(cmd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Host) registerCallback(c *Conn) {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	h.callbacks[c.Name] = c
}

func (h *Host) unregisterCallback(c *Conn) {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	delete(h.callbacks, c.Name)
}

// CallbackCount reports how many callback channels are open.
func (h *Host) CallbackCount() int {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	return len(h.callbacks)
}

func (h *Host) ListenAndServe() error {
	var (
		ln  net.Listener
		err error
	)
	switch adr := h.Addr.(type) {
	case *models.VSockAddr:
		ln, err = vsock.ListenContextID(adr.ContextId, adr.Port, nil)
	case *models.TcpAddr:
		ln, err = net.Listen("tcp", adr.GetAddr())
	}
	if err != nil {
		return err
	}
	return h.Serve(ln)
}

// Listen binds the listener without serving, so callers can learn the
// bound address before traffic starts.
func (h *Host) Listen() (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	switch adr := h.Addr.(type) {
	case *models.VSockAddr:
		ln, err = vsock.ListenContextID(adr.ContextId, adr.Port, nil)
	case *models.TcpAddr:
		ln, err = net.Listen("tcp", adr.GetAddr())
	}
	if err != nil {
		return nil, err
	}
	return ln, nil
}

func (h *Host) sleep(tempDelay time.Duration) time.Duration {
	if tempDelay == 0 {
		tempDelay = 5 * time.Millisecond
	} else {
		tempDelay *= 2
	}
	if max := 1 * time.Second; tempDelay > max {
		tempDelay = max
	}
	time.Sleep(tempDelay)
	return tempDelay
}

func (h *Host) Serve(l net.Listener) error {
	log.Debugf("host.Serve(%v)...\n", h.Addr.GetAddr())
	h.listenMu.Lock()
	h.listener = l
	h.listenMu.Unlock()
	defer l.Close()

	var tempDelay time.Duration

	for {
		rw, err := l.Accept()
		if err != nil {
			if atomic.LoadInt32(&h.closed) == 1 {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				tempDelay = h.sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		c := h.newConn(rw)
		go c.serve()
	}
}

func (h *Host) Close() error {
	atomic.StoreInt32(&h.closed, 1)
	h.listenMu.Lock()
	ln := h.listener
	h.listenMu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (h *Host) newConn(rwc net.Conn) *Conn {
	return &Conn{
		Name: h.getConnIndex(),
		host: h,
		rwc:  rwc,
	}
}

func protoName(proto uint32) string {
	switch proto {
	case message.RpciProtocol:
		return "rpci"
	case message.TcloProtocol:
		return "tclo"
	}
	return "unknown"
}
