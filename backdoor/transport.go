package backdoor

import (
	"github.com/brodyxchen/guestrpc/message"
)

// Transport opens message channels over the hypercall primitive.
type Transport struct {
	Caller Caller
}

func NewTransport(caller Caller) *Transport {
	if caller == nil {
		caller = NotVirtualized{}
	}
	return &Transport{Caller: caller}
}

func (t *Transport) Open(proto uint32) (message.Channel, error) {
	return OpenChannel(t.Caller, proto)
}
