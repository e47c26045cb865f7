package backdoor

import (
	"github.com/brodyxchen/guestrpc/errors"
)

// Caller issues hypercalls. Call performs one low-bandwidth exchange,
// overwriting bp with the host's reply block. CallHB moves buf in a
// single call on hosts that advertise StatusHighBW; toHost selects
// the direction.
//
// The in-VM caller is platform code supplied by the embedding
// application. NotVirtualized is the fallback outside a VM, and
// Loopback serves tests.
type Caller interface {
	Call(bp *Proto) error
	CallHB(bp *Proto, buf []byte, toHost bool) error
}

// NotVirtualized rejects every call. It is the Caller of last resort
// when no hypervisor was detected at startup.
type NotVirtualized struct{}

func (NotVirtualized) Call(*Proto) error {
	return errors.ErrNotVirtualized
}

func (NotVirtualized) CallHB(*Proto, []byte, bool) error {
	return errors.ErrNotVirtualized
}
