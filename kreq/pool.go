// Package kreq manages a fixed pool of request buffers for the file
// protocol. A buffer holds the request on the way out and is
// overwritten in place with the reply, so memory use is bounded no
// matter how many operations a caller issues.
package kreq

import (
	"context"
	"sync/atomic"

	"github.com/brodyxchen/guestrpc/constant"
	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/statistics"
)

// Dispatcher carries one packet to the host and returns the reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, packet []byte) ([]byte, error)
}

const (
	stateFree = int32(iota)
	stateAllocated
	stateSubmitted
	stateCompleted
	stateError
)

// Request is one pooled buffer. It cycles allocated, submitted,
// completed or error, then released back to the pool.
type Request struct {
	pool  *Pool
	buf   []byte
	size  int
	state int32 // atomic
}

// Payload exposes the whole buffer for the caller to build a request
// in, and holds the reply after a successful Submit.
func (r *Request) Payload() []byte {
	return r.buf
}

// SetPayloadSize records how many payload bytes are meaningful.
func (r *Request) SetPayloadSize(n int) error {
	if n < 0 || n > len(r.buf) {
		return errors.ErrRequestSize
	}
	r.size = n
	return nil
}

func (r *Request) PayloadSize() int {
	return r.size
}

// Release returns the buffer to the pool. Callers release exactly
// once per allocation, a duplicate release is dropped and logged.
func (r *Request) Release() {
	old := atomic.SwapInt32(&r.state, stateFree)
	if old == stateFree {
		log.Errorf("kreq: duplicate release dropped\n")
		return
	}
	r.pool.release(r)
}

// Pool hands out up to its size in concurrently outstanding requests.
type Pool struct {
	dispatcher Dispatcher
	metrics    *statistics.Metrics

	free chan *Request
	size int
}

func NewPool(size int, dispatcher Dispatcher, metrics *statistics.Metrics) *Pool {
	if size <= 0 {
		size = constant.MaxRequestPool
	}
	p := &Pool{
		dispatcher: dispatcher,
		metrics:    metrics,
		free:       make(chan *Request, size),
		size:       size,
	}
	for i := 0; i < size; i++ {
		p.free <- &Request{
			pool: p,
			buf:  make([]byte, constant.PacketMax),
		}
	}
	return p
}

func (p *Pool) Size() int {
	return p.size
}

// Allocate pops a free buffer, failing fast when all are in use.
func (p *Pool) Allocate() (*Request, error) {
	select {
	case req := <-p.free:
		atomic.StoreInt32(&req.state, stateAllocated)
		p.metrics.AddInFlight(1)
		return req, nil
	default:
		p.metrics.IncPoolExhausted()
		return nil, errors.ErrNoMemory
	}
}

// AllocateWait blocks for a free buffer until ctx is done.
func (p *Pool) AllocateWait(ctx context.Context) (*Request, error) {
	select {
	case req := <-p.free:
		atomic.StoreInt32(&req.state, stateAllocated)
		p.metrics.AddInFlight(1)
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(req *Request) {
	req.size = 0
	p.metrics.AddInFlight(-1)
	select {
	case p.free <- req:
	default:
		// every buffer came from the channel, this cannot fill up
		log.Errorf("kreq: pool overflow on release\n")
	}
}

// Submit sends the request and overwrites its buffer with the reply.
// A transport teardown surfaces as ErrChannelReset so callers can
// tell a host reset from an operation failure.
func (p *Pool) Submit(ctx context.Context, req *Request) error {
	if atomic.LoadInt32(&req.state) != stateAllocated {
		return errors.Wrap(errors.ErrProtocol, errors.New("submit of an unallocated request"))
	}
	atomic.StoreInt32(&req.state, stateSubmitted)

	reply, err := p.dispatcher.Dispatch(ctx, req.buf[:req.size])
	if err != nil {
		atomic.StoreInt32(&req.state, stateError)
		if errors.Is(err, errors.ErrChannelDesync) || errors.Is(err, errors.ErrDisconnected) {
			return errors.Wrap(errors.ErrChannelReset, err)
		}
		return err
	}

	if len(reply) > len(req.buf) {
		atomic.StoreInt32(&req.state, stateError)
		return errors.Wrap(errors.ErrProtocol, errors.New("reply exceeds request buffer"))
	}

	copy(req.buf, reply)
	req.size = len(reply)
	atomic.StoreInt32(&req.state, stateCompleted)
	return nil
}
