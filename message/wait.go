package message

import (
	"time"

	"github.com/brodyxchen/guestrpc/constant"
)

// Wait blocks until ch has a message, stop is closed, or deadline
// elapses (zero deadline waits forever). Transports that publish a
// read event are waited on directly, others are polled with a delay
// that doubles from PollMinDelay up to maxDelay.
//
// Returns (nil, nil) when stopped or timed out with nothing pending.
func Wait(ch Channel, maxDelay time.Duration, deadline time.Duration, stop <-chan struct{}) ([]byte, error) {
	if maxDelay <= 0 {
		maxDelay = constant.PollMaxDelay
	}

	var timeout <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		timeout = timer.C
	}

	event, hasEvent := ch.ReadEvent()
	delay := constant.PollMinDelay

	for {
		buf, err := ch.Receive()
		if err != nil {
			return nil, err
		}
		if buf != nil {
			return buf, nil
		}

		if hasEvent {
			select {
			case <-event:
			case <-timeout:
				return nil, nil
			case <-stop:
				return nil, nil
			}
			continue
		}

		select {
		case <-time.After(delay):
		case <-timeout:
			return nil, nil
		case <-stop:
			return nil, nil
		}
		if delay < maxDelay {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}
