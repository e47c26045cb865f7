package rpc

import (
	"bytes"
	"runtime"
	"sync"
	"time"

	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/message"
)

// HandlerFunc serves one host command. The returned bytes travel back
// in the reply body, a non-nil error turns the reply into a failure.
type HandlerFunc func(args []byte) ([]byte, error)

// In polls the callback channel for host commands and dispatches them
// to registered handlers.
type In struct {
	transport message.Transport

	maxDelay time.Duration

	// ErrorFn is invoked when the poll loop dies. Set it before Start.
	ErrorFn func(err error)

	handlers  map[string]HandlerFunc
	handlerMu sync.RWMutex

	mu      sync.Mutex
	channel message.Channel
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewIn(transport message.Transport, maxDelay time.Duration) *In {
	if maxDelay <= 0 {
		maxDelay = (&Config{}).GetMaxDelay()
	}
	return &In{
		transport: transport,
		maxDelay:  maxDelay,
		handlers:  make(map[string]HandlerFunc),
	}
}

func (in *In) RegisterHandler(name string, fn HandlerFunc) {
	in.handlerMu.Lock()
	defer in.handlerMu.Unlock()
	in.handlers[name] = fn
}

func (in *In) UnregisterHandler(name string) {
	in.handlerMu.Lock()
	defer in.handlerMu.Unlock()
	delete(in.handlers, name)
}

func (in *In) getHandler(name string) HandlerFunc {
	in.handlerMu.RLock()
	defer in.handlerMu.RUnlock()
	return in.handlers[name]
}

// Start opens the callback channel and launches the poll loop.
// Starting an already started receiver is a caller bug and fails.
func (in *In) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.started {
		return errors.ErrAlreadyStarted
	}

	ch, err := in.transport.Open(message.TcloProtocol)
	if err != nil {
		return err
	}
	in.channel = ch
	in.stopCh = make(chan struct{})
	in.doneCh = make(chan struct{})
	in.started = true

	go in.loop(ch, in.stopCh, in.doneCh)
	return nil
}

func (in *In) Stop() error {
	in.mu.Lock()
	if !in.started {
		in.mu.Unlock()
		return nil
	}
	in.started = false
	stopCh, doneCh, ch := in.stopCh, in.doneCh, in.channel
	in.channel = nil
	in.mu.Unlock()

	close(stopCh)
	<-doneCh
	return ch.Close()
}

func (in *In) loop(ch message.Channel, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		msg, err := message.Wait(ch, in.maxDelay, 0, stopCh)
		if err != nil {
			log.Errorf("rpc.In.loop() receive failed: %v\n", err)
			in.fail(err)
			return
		}
		if msg == nil {
			continue
		}

		reply := in.dispatch(msg)
		if err := ch.Send(reply); err != nil {
			log.Errorf("rpc.In.loop() reply failed: %v\n", err)
			in.fail(err)
			return
		}
	}
}

func (in *In) fail(err error) {
	in.mu.Lock()
	started := in.started
	in.mu.Unlock()
	if !started {
		// Stop raced the failure, nothing to report
		return
	}
	if in.ErrorFn != nil {
		in.ErrorFn(err)
	}
}

// dispatch runs the handler for one host command and builds the
// "OK "/"ERROR " reply envelope.
func (in *In) dispatch(cmd []byte) []byte {
	name := cmd
	var args []byte
	if idx := bytes.IndexByte(cmd, ' '); idx >= 0 {
		name = cmd[:idx]
		args = cmd[idx+1:]
	}

	handler := in.getHandler(string(name))
	if handler == nil {
		log.Debugf("rpc.In.dispatch() no handler for %q\n", string(name))
		return []byte("ERROR Unknown Command")
	}

	res, err := in.run(handler, args)
	if err != nil {
		return append([]byte("ERROR "), err.Error()...)
	}
	return append([]byte("OK "), res...)
}

func (in *In) run(handler HandlerFunc, args []byte) (res []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Errorf("rpc: panic in handler: %v\n%s", r, buf)
			err = errors.New("handler panic")
		}
	}()
	return handler(args)
}
