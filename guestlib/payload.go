package guestlib

import (
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/brodyxchen/guestrpc/errors"
)

// Payload layouts. Both generations open with the version and the
// session id, little-endian. The second generation follows with a
// fixed block of values in v2Fields order. The third is
// self-describing: a count, then varint-tagged pairs keyed by StatID,
// so hosts add fields without breaking old guests.

type payload struct {
	sessionId uint64
	stats     map[StatID]uint64
}

func parsePayload(version uint32, body []byte) (*payload, error) {
	if len(body) < 12 {
		return nil, errors.Wrap(errors.ErrProtocol, errors.New("short statistics payload"))
	}

	gotVersion := binary.LittleEndian.Uint32(body)
	if gotVersion != version {
		return nil, errors.Wrap(errors.ErrProtocol, errors.New("payload version does not match request"))
	}

	p := &payload{
		sessionId: binary.LittleEndian.Uint64(body[4:]),
		stats:     make(map[StatID]uint64, statCount),
	}
	rest := body[12:]

	switch version {
	case 2:
		return p, p.parseV2(rest)
	case 3:
		return p, p.parseV3(rest)
	}
	return nil, errors.ErrUnsupportedVersion
}

func (p *payload) parseV2(rest []byte) error {
	if len(rest) < len(v2Fields)*8 {
		return errors.Wrap(errors.ErrProtocol, errors.New("truncated v2 statistics block"))
	}
	for i, id := range v2Fields {
		p.stats[id] = binary.LittleEndian.Uint64(rest[i*8:])
	}
	return nil
}

func (p *payload) parseV3(rest []byte) error {
	if len(rest) < 4 {
		return errors.Wrap(errors.ErrProtocol, errors.New("truncated v3 statistics block"))
	}
	count := int(binary.LittleEndian.Uint32(rest))
	rest = rest[4:]

	for i := 0; i < count; i++ {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return errors.Wrap(errors.ErrProtocol, errors.New("malformed v3 field tag"))
		}
		rest = rest[n:]

		if typ != protowire.VarintType {
			return errors.Wrap(errors.ErrProtocol, errors.New("unexpected v3 field type"))
		}
		v, n := protowire.ConsumeVarint(rest)
		if n < 0 {
			return errors.Wrap(errors.ErrProtocol, errors.New("malformed v3 field value"))
		}
		rest = rest[n:]

		p.stats[StatID(num)] = v
	}
	return nil
}

// AppendV3 builds a third-generation payload, the inverse of
// parsePayload. The host emulator and tests use it.
func AppendV3(dst []byte, sessionId uint64, stats map[StatID]uint64) []byte {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[:], 3)
	binary.LittleEndian.PutUint64(hdr[4:], sessionId)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(stats)))
	dst = append(dst, hdr[:]...)

	for id, v := range stats {
		dst = protowire.AppendTag(dst, protowire.Number(id), protowire.VarintType)
		dst = protowire.AppendVarint(dst, v)
	}
	return dst
}

// AppendV2 builds a second-generation payload.
func AppendV2(dst []byte, sessionId uint64, stats map[StatID]uint64) []byte {
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[:], 2)
	binary.LittleEndian.PutUint64(hdr[4:], sessionId)
	dst = append(dst, hdr[:]...)

	var buf [8]byte
	for _, id := range v2Fields {
		binary.LittleEndian.PutUint64(buf[:], stats[id])
		dst = append(dst, buf[:]...)
	}
	return dst
}
