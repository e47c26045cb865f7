// Package guestrpc is a guest-side stack for talking to the
// hypervisor: a message transport, command and callback channels on
// top of it, pooled file-protocol requests and host statistics.
//
// The subpackages do the work, this package wires the common paths.
package guestrpc

import (
	"context"
	"fmt"

	"github.com/brodyxchen/guestrpc/backdoor"
	"github.com/brodyxchen/guestrpc/guestlib"
	"github.com/brodyxchen/guestrpc/hgfs"
	"github.com/brodyxchen/guestrpc/kreq"
	"github.com/brodyxchen/guestrpc/message"
	"github.com/brodyxchen/guestrpc/models"
	"github.com/brodyxchen/guestrpc/rpc"
	"github.com/brodyxchen/guestrpc/socket"
)

// NewBackdoorTransport builds a transport over the hypercall
// primitive. A nil caller yields a transport that reports the absence
// of a hypervisor on every open.
func NewBackdoorTransport(caller backdoor.Caller) message.Transport {
	return backdoor.NewTransport(caller)
}

// NewSocketTransport builds a transport over vsock or tcp.
func NewSocketTransport(addr models.Addr) message.Transport {
	return socket.NewTransport(addr)
}

// OpenChannel starts a bidirectional command channel.
func OpenChannel(transport message.Transport, cfg *rpc.Config) (*rpc.Channel, error) {
	ch := rpc.NewChannel(transport, cfg)
	if err := ch.Start(); err != nil {
		return nil, err
	}
	return ch, nil
}

// SendCommand sends one formatted command and returns the reply text.
func SendCommand(ch *rpc.Channel, format string, args ...interface{}) (string, error) {
	reply, err := ch.Send([]byte(fmt.Sprintf(format, args...)))
	return string(reply), err
}

// RegisterHandler routes host commands named name to fn.
func RegisterHandler(ch *rpc.Channel, name string, fn rpc.HandlerFunc) {
	ch.RegisterHandler(name, fn)
}

// Shutdown stops both sides of the channel.
func Shutdown(ch *rpc.Channel) error {
	return ch.Stop()
}

// NewFileClient builds a file-protocol client whose requests travel
// over ch. poolSize at or below zero means the default pool size.
func NewFileClient(ch *rpc.Channel, poolSize int, cfg *rpc.Config) *hgfs.Client {
	dispatcher := hgfs.NewDispatcher(ch)
	pool := kreq.NewPool(poolSize, dispatcher, cfg.GetMetrics())
	return hgfs.NewClient(pool)
}

// SubmitFileOp runs one data-described file operation.
func SubmitFileOp(ctx context.Context, c *hgfs.Client, op *hgfs.FileOp) (*hgfs.FileOpResult, error) {
	return c.Submit(ctx, op)
}

// NewStatsHandle builds a host-statistics session over ch.
func NewStatsHandle(ch *rpc.Channel) *guestlib.Handle {
	return guestlib.NewHandle(ch)
}
