package hgfs

import (
	"context"

	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
)

// commandPrefix routes a packet to the file service on the host side
// of the command channel.
const commandPrefix = "f "

// Sender issues one guest command and returns the reply body. *rpc.Out
// and *rpc.Channel both satisfy it.
type Sender interface {
	Send(request []byte) ([]byte, error)
}

// Dispatcher ships file packets over the command channel. It
// implements kreq.Dispatcher.
type Dispatcher struct {
	sender Sender
}

func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

func (d *Dispatcher) Dispatch(ctx context.Context, packet []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := make([]byte, 0, len(commandPrefix)+len(packet))
	cmd = append(cmd, commandPrefix...)
	cmd = append(cmd, packet...)

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := d.sender.Send(cmd)
		done <- result{reply, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, errors.ErrRemoteFail) {
				// the host answers commands but refuses this one,
				// the file service is switched off
				return nil, errors.Wrap(errors.ErrUnsupportedHost, res.err)
			}
			return nil, res.err
		}
		return res.reply, nil
	case <-ctx.Done():
		// the reply, if any, dies with the abandoned goroutine
		log.Debugf("hgfs.Dispatch() abandoned: %v\n", ctx.Err())
		return nil, ctx.Err()
	}
}

// Enabled probes whether the host file service answers at all, using
// a throwaway first-generation attribute request.
func (d *Dispatcher) Enabled(ctx context.Context) bool {
	buf := make([]byte, headerSize+4+1)
	p := newPacker(buf)
	writeHeader(p, 0, OpGetattr)
	p.name(nil)
	if p.err != nil {
		return false
	}

	reply, err := d.Dispatch(ctx, buf[:p.off])
	if err != nil {
		return false
	}
	return len(reply) >= headerSize
}
