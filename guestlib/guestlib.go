// Package guestlib reads resource statistics the hypervisor publishes
// about this VM over the command channel.
package guestlib

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
)

const (
	infoCommand = "guestlib.info.get"

	// DataVersion is the newest payload format we speak, MinVersion
	// the oldest we accept from a downlevel host.
	DataVersion = uint32(3)
	MinVersion  = uint32(2)

	unknownCommandReply = "Unknown command"
)

// StatID names one statistic. The numbering is wire-visible, V3
// payloads key fields by it.
type StatID uint16

const (
	StatCpuReservationMHz StatID = iota + 1
	StatCpuLimitMHz
	StatCpuShares
	StatCpuUsedMs
	StatHostMHz
	StatMemReservationMB
	StatMemLimitMB
	StatMemShares
	StatMemMappedMB
	StatMemActiveMB
	StatMemOverheadMB
	StatMemBalloonedMB
	StatMemSwappedMB
	StatMemSharedMB
	StatMemUsedHostMB
	StatElapsedMs

	statCount = iota + 1
)

// v2Fields is the fixed field order of the second-generation payload.
var v2Fields = []StatID{
	StatCpuReservationMHz, StatCpuLimitMHz, StatCpuShares, StatCpuUsedMs,
	StatHostMHz, StatMemReservationMB, StatMemLimitMB, StatMemShares,
	StatMemMappedMB, StatMemActiveMB, StatMemOverheadMB, StatMemBalloonedMB,
	StatMemSwappedMB, StatMemSharedMB, StatMemUsedHostMB, StatElapsedMs,
}

// Sender issues one guest command and returns the reply body.
type Sender interface {
	Send(request []byte) ([]byte, error)
}

// Handle is one statistics session. UpdateInfo refreshes the snapshot
// and negotiates the payload version with the host as a side effect:
// it starts at the newest version and only ever walks down, so the
// loop terminates on any host. A host power operation changes the
// session id, which restarts negotiation from the top once.
type Handle struct {
	sender Sender

	mu        sync.Mutex
	version   uint32
	sessionId uint64
	stats     map[StatID]uint64
	updated   bool
}

func NewHandle(sender Sender) *Handle {
	return &Handle{
		sender:  sender,
		version: DataVersion,
		stats:   make(map[StatID]uint64),
	}
}

// Version reports the negotiated payload version.
func (h *Handle) Version() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

func (h *Handle) SessionId() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionId
}

// Stat returns one statistic from the last UpdateInfo snapshot.
func (h *Handle) Stat(id StatID) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.updated {
		return 0, errors.ErrNotStarted
	}
	v, ok := h.stats[id]
	if !ok {
		return 0, errors.ErrNotAvailable
	}
	return v, nil
}

// UpdateInfo fetches a fresh snapshot from the host.
func (h *Handle) UpdateInfo() error {
	h.mu.Lock()
	version := h.version
	h.mu.Unlock()

	renegotiated := false

	for {
		reply, err := h.sender.Send([]byte(fmt.Sprintf("%s %d", infoCommand, version)))
		if err != nil {
			if !errors.Is(err, errors.ErrRemoteFail) {
				return err
			}

			text := string(reply)
			if strings.HasPrefix(text, unknownCommandReply) {
				return errors.Wrap(errors.ErrUnsupportedHost, err)
			}

			next, ok := fallbackVersion(text)
			if !ok {
				next = version - 1
			}
			// the host only ever steers us down, anything else would
			// never terminate
			if next >= version || next < MinVersion {
				return errors.Wrap(errors.ErrUnsupportedVersion, err)
			}
			log.Debugf("guestlib: host declined version %v, trying %v\n", version, next)
			version = next
			continue
		}

		payload, err := parsePayload(version, reply)
		if err != nil {
			return err
		}

		h.mu.Lock()
		sessionChanged := h.sessionId != 0 && h.sessionId != payload.sessionId
		h.mu.Unlock()

		if sessionChanged && !renegotiated {
			// new host side, its capabilities may differ
			log.Infof("guestlib: session changed, renegotiating\n")
			renegotiated = true
			version = DataVersion
			h.mu.Lock()
			h.sessionId = 0
			h.mu.Unlock()
			continue
		}

		h.mu.Lock()
		h.version = version
		h.sessionId = payload.sessionId
		h.stats = payload.stats
		h.updated = true
		h.mu.Unlock()
		return nil
	}
}

// fallbackVersion parses the ":"-delimited version a host may append
// to its refusal, e.g. "guestlib error: unsupported version:2".
func fallbackVersion(text string) (uint32, bool) {
	idx := strings.LastIndex(text, ":")
	if idx < 0 || idx+1 >= len(text) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(text[idx+1:]), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
