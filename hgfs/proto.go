// Package hgfs implements the guest side of the host file protocol,
// three wire generations of it, on top of the pooled request buffers
// and the command channel.
package hgfs

import (
	"encoding/binary"

	"github.com/brodyxchen/guestrpc/errors"
)

// Op codes, fixed by the wire protocol. The enum order is load
// bearing, later generations append.
type Op uint32

const (
	OpOpen Op = iota
	OpRead
	OpWrite
	OpClose
	OpSearchOpen
	OpSearchRead
	OpSearchClose
	OpGetattr
	OpSetattr
	OpCreateDir
	OpDeleteFile
	OpDeleteDir
	OpRename
	OpQueryVolumeInfo

	OpOpenV2
	OpGetattrV2
	OpSetattrV2
	OpSearchReadV2
	OpCreateSymlink
	OpServerLockChange
	OpCreateDirV2
	OpDeleteFileV2
	OpDeleteDirV2
	OpRenameV2

	OpOpenV3
	OpReadV3
	OpWriteV3
	OpCloseV3
	OpSearchOpenV3
	OpSearchReadV3
	OpSearchCloseV3
	OpGetattrV3
	OpSetattrV3
	OpCreateDirV3
	OpDeleteFileV3
	OpDeleteDirV3
	OpRenameV3
	OpQueryVolumeInfoV3
	OpCreateSymlinkV3
	OpServerLockChangeV3
)

// Status codes returned in every reply header.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusNoSuchFileOrDir
	StatusInvalidHandle
	StatusNotPermitted
	StatusFileExists
	StatusNotDirectory
	StatusDirNotEmpty
	StatusProtocolError
	StatusAccessDenied
	StatusInvalidName
	StatusGenericError
	StatusSharingViolation
	StatusNoSpace
	StatusOpNotSupported
	StatusNameTooLong
	StatusInvalidParameter
	StatusNotSameDevice
	StatusStaleSession
)

var statusText = map[Status]string{
	StatusNoSuchFileOrDir:  "no such file or directory",
	StatusInvalidHandle:    "invalid handle",
	StatusNotPermitted:     "operation not permitted",
	StatusFileExists:       "file exists",
	StatusNotDirectory:     "not a directory",
	StatusDirNotEmpty:      "directory not empty",
	StatusProtocolError:    "protocol error",
	StatusAccessDenied:     "access denied",
	StatusInvalidName:      "invalid name",
	StatusGenericError:     "generic failure",
	StatusSharingViolation: "sharing violation",
	StatusNoSpace:          "no space on device",
	StatusOpNotSupported:   "operation not supported",
	StatusNameTooLong:      "name too long",
	StatusInvalidParameter: "invalid parameter",
	StatusNotSameDevice:    "not same device",
	StatusStaleSession:     "stale session",
}

// Err maps a reply status to an error, nil for success.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	text, ok := statusText[s]
	if !ok {
		return errors.Wrap(errors.ErrProtocol, errors.New("unknown status"))
	}
	return &StatusError{status: s, inner: errors.NewStatus(uint16(s), text)}
}

// StatusError carries a host failure status through the error chain.
// The numeric code and text travel as an errors.Status underneath.
type StatusError struct {
	status Status
	inner  *errors.Status
}

func (e *StatusError) Error() string {
	return "hgfs: " + e.inner.Error()
}

func (e *StatusError) Status() Status {
	return e.status
}

func (e *StatusError) Unwrap() error {
	return e.inner
}

// Handle identifies an open file or search on the host.
type Handle uint32

const (
	headerSize = 8 // id + op going out, id + status coming back
)

// All multi-byte fields on the wire are little-endian, matching the
// shared memory layout the protocol grew out of.

// packer appends fixed-width fields into a caller-owned buffer,
// tracking overflow instead of failing per write.
type packer struct {
	buf []byte
	off int
	err error
}

func newPacker(buf []byte) *packer {
	return &packer{buf: buf}
}

func (p *packer) need(n int) bool {
	if p.err != nil {
		return false
	}
	if p.off+n > len(p.buf) {
		p.err = errors.ErrRequestSize
		return false
	}
	return true
}

func (p *packer) u8(v uint8) {
	if p.need(1) {
		p.buf[p.off] = v
		p.off++
	}
}

func (p *packer) u32(v uint32) {
	if p.need(4) {
		binary.LittleEndian.PutUint32(p.buf[p.off:], v)
		p.off += 4
	}
}

func (p *packer) u64(v uint64) {
	if p.need(8) {
		binary.LittleEndian.PutUint64(p.buf[p.off:], v)
		p.off += 8
	}
}

func (p *packer) bytes(b []byte) {
	if p.need(len(b)) {
		copy(p.buf[p.off:], b)
		p.off += len(b)
	}
}

// name writes the V1/V2 form, length then bytes then a terminator.
func (p *packer) name(cp []byte) {
	p.u32(uint32(len(cp)))
	p.bytes(cp)
	p.u8(0)
}

// nameV3 adds the flags, case and handle words the third generation
// grew around the plain name.
func (p *packer) nameV3(cp []byte) {
	p.u32(uint32(len(cp)))
	p.u32(0) // flags
	p.u32(0) // case sensitivity follows the host default
	p.u32(0) // no file handle, the name carries the target
	p.bytes(cp)
	p.u8(0)
}

type unpacker struct {
	buf []byte
	off int
	err error
}

func newUnpacker(buf []byte) *unpacker {
	return &unpacker{buf: buf}
}

func (u *unpacker) need(n int) bool {
	if u.err != nil {
		return false
	}
	if u.off+n > len(u.buf) {
		u.err = errors.Wrap(errors.ErrProtocol, errors.New("truncated reply"))
		return false
	}
	return true
}

func (u *unpacker) u8() uint8 {
	if !u.need(1) {
		return 0
	}
	v := u.buf[u.off]
	u.off++
	return v
}

func (u *unpacker) u32() uint32 {
	if !u.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(u.buf[u.off:])
	u.off += 4
	return v
}

func (u *unpacker) u64() uint64 {
	if !u.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(u.buf[u.off:])
	u.off += 8
	return v
}

func (u *unpacker) bytes(n int) []byte {
	if n < 0 || !u.need(n) {
		return nil
	}
	b := u.buf[u.off : u.off+n]
	u.off += n
	return b
}

func (u *unpacker) name() []byte {
	length := int(u.u32())
	return u.bytes(length)
}

func (u *unpacker) nameV3() []byte {
	length := int(u.u32())
	u.u32() // flags
	u.u32() // case
	u.u32() // fid
	return u.bytes(length)
}

func writeHeader(p *packer, id uint32, op Op) {
	p.u32(id)
	p.u32(uint32(op))
}

// readHeader validates the id echo and extracts the status.
func readHeader(u *unpacker, wantId uint32) (Status, error) {
	id := u.u32()
	status := Status(u.u32())
	if u.err != nil {
		return StatusProtocolError, u.err
	}
	if id != wantId {
		return StatusProtocolError, errors.Wrap(errors.ErrProtocol,
			errors.New("reply id does not match request"))
	}
	return status, nil
}
