package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/message"
)

// Channel bundles the outbound command side and the inbound callback
// side over one transport. The two sides start and stop together but
// track their state independently, so a partial start rolls back
// cleanly and a failure on one side can be rebuilt without guessing
// about the other.
type Channel struct {
	transport message.Transport
	cfg       *Config

	in  *In
	out *Out

	mu         sync.Mutex
	inStarted  bool
	outStarted bool

	restarting int32 // atomic
}

func NewChannel(transport message.Transport, cfg *Config) *Channel {
	ch := &Channel{
		transport: transport,
		cfg:       cfg,
	}

	ch.in = NewIn(transport, cfg.GetMaxDelay())
	ch.in.ErrorFn = ch.onError

	ch.out = NewOut(transport)
	ch.out.ReplyWait = cfg.GetReplyWait()
	ch.out.Metrics = cfg.GetMetrics()

	ch.in.RegisterHandler("ping", ch.handlePing)
	ch.in.RegisterHandler("reset", ch.handleReset)

	return ch
}

func (ch *Channel) Start() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.inStarted || ch.outStarted {
		return errors.ErrAlreadyStarted
	}

	if err := ch.in.Start(); err != nil {
		return err
	}
	ch.inStarted = true

	if err := ch.out.Start(); err != nil {
		_ = ch.in.Stop()
		ch.inStarted = false
		return err
	}
	ch.outStarted = true

	log.Debugf("rpc.Channel started for %v\n", ch.cfg.GetAppName())
	return nil
}

func (ch *Channel) Stop() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var firstErr error
	if ch.inStarted {
		if err := ch.in.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		ch.inStarted = false
	}
	if ch.outStarted {
		if err := ch.out.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		ch.outStarted = false
	}
	return firstErr
}

// Send issues one command to the host.
func (ch *Channel) Send(request []byte) ([]byte, error) {
	ch.mu.Lock()
	started := ch.outStarted
	ch.mu.Unlock()

	if !started {
		return nil, errors.ErrNotStarted
	}
	return ch.out.Send(request)
}

// RegisterHandler routes host commands named name to fn.
func (ch *Channel) RegisterHandler(name string, fn HandlerFunc) {
	ch.in.RegisterHandler(name, fn)
}

func (ch *Channel) UnregisterHandler(name string) {
	ch.in.UnregisterHandler(name)
}

func (ch *Channel) handlePing([]byte) ([]byte, error) {
	return nil, nil
}

// handleReset acknowledges a host reset. The host tears the channels
// down right after, the poll loop notices and the restart path brings
// both sides back.
func (ch *Channel) handleReset([]byte) ([]byte, error) {
	log.Infof("rpc: host requested reset\n")
	return []byte("ATR " + ch.cfg.GetAppName()), nil
}

// onError runs when the callback loop dies. One restart sequence is
// in flight at a time, tried with exponential backoff up to the
// configured budget.
func (ch *Channel) onError(err error) {
	if !atomic.CompareAndSwapInt32(&ch.restarting, 0, 1) {
		return
	}

	log.Warnf("rpc: channel failed, scheduling restart: %v\n", err)

	go func() {
		defer atomic.StoreInt32(&ch.restarting, 0)

		op := func() (struct{}, error) {
			_ = ch.Stop()
			return struct{}{}, ch.Start()
		}
		notify := func(err error, next time.Duration) {
			log.Warnf("rpc: channel restart failed: %v, next attempt in %v\n", err, next)
		}

		_, rerr := backoff.Retry(context.Background(), op,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithNotify(notify),
			backoff.WithMaxTries(uint(ch.cfg.GetMaxRestarts())),
		)
		if rerr != nil {
			log.Errorf("rpc: channel restart abandoned: %v\n", rerr)
			return
		}

		ch.cfg.GetMetrics().IncResets()
		log.Infof("rpc: channel restarted\n")
	}()
}
