package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/message"
	"github.com/brodyxchen/guestrpc/statistics"
)

// Out sends guest commands to the host and collects the replies. One
// command is in flight at a time, a desynchronized channel is
// reopened and the command resent exactly once.
type Out struct {
	transport message.Transport

	// ReplyWait bounds the wait for a reply, zero means the default.
	ReplyWait time.Duration

	Metrics *statistics.Metrics

	mu      sync.Mutex
	channel message.Channel
	started bool
}

func NewOut(transport message.Transport) *Out {
	return &Out{transport: transport}
}

func (o *Out) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.ErrAlreadyStarted
	}

	ch, err := o.transport.Open(message.RpciProtocol)
	if err != nil {
		return err
	}
	o.channel = ch
	o.started = true
	return nil
}

func (o *Out) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil
	}
	o.started = false
	err := o.channel.Close()
	o.channel = nil
	return err
}

// Send delivers request and returns the host's reply body. A reply
// flagged as a failure by the host comes back with its body and
// ErrRemoteFail so callers can report the host's text.
func (o *Out) Send(request []byte) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil, errors.ErrNotStarted
	}

	reply, err := o.sendOnce(request)
	if err != nil && errors.Is(err, errors.ErrChannelDesync) {
		o.Metrics.IncDesyncs()
		log.Warnf("rpc.Out.Send() channel desynchronized, reopening: %v\n", err)

		_ = o.channel.Close()
		ch, openErr := o.transport.Open(message.RpciProtocol)
		if openErr != nil {
			o.started = false
			o.channel = nil
			o.Metrics.IncErrors()
			return nil, errors.Wrap(errors.ErrChannelDesync, openErr)
		}
		o.channel = ch
		reply, err = o.sendOnce(request)
	}

	o.Metrics.IncSent()
	if err != nil {
		o.Metrics.IncErrors()
	}
	return reply, err
}

func (o *Out) sendOnce(request []byte) ([]byte, error) {
	if err := o.channel.Send(request); err != nil {
		return nil, err
	}

	wait := o.ReplyWait
	if wait <= 0 {
		wait = (&Config{}).GetReplyWait()
	}
	reply, err := message.Wait(o.channel, 0, wait, nil)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, errors.Wrap(errors.ErrReceiveErr, errors.New("reply timeout"))
	}
	return parseReply(reply)
}

// parseReply strips the status envelope. The host prefixes every
// reply with "1 " on success or "0 " on failure.
func parseReply(reply []byte) ([]byte, error) {
	if len(reply) == 0 {
		return nil, errors.Wrap(errors.ErrProtocol, errors.New("empty reply"))
	}
	if len(reply) >= 2 && reply[1] != ' ' {
		return nil, errors.Wrap(errors.ErrProtocol, errors.New("malformed reply envelope"))
	}

	var body []byte
	if len(reply) > 2 {
		body = reply[2:]
	}

	switch reply[0] {
	case '1':
		return body, nil
	case '0':
		return body, errors.Wrap(errors.ErrRemoteFail, errors.New(string(body)))
	}
	return nil, errors.Wrap(errors.ErrProtocol, errors.New("unknown reply status"))
}

// SendOne opens a throwaway command channel, sends one formatted
// command and tears the channel down again.
func SendOne(transport message.Transport, format string, args ...interface{}) ([]byte, error) {
	out := NewOut(transport)
	if err := out.Start(); err != nil {
		return nil, err
	}
	defer func() {
		_ = out.Stop()
	}()

	return out.Send([]byte(fmt.Sprintf(format, args...)))
}
