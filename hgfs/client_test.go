package hgfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brodyxchen/guestrpc/constant"
	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/kreq"
)

// testServer answers file packets in memory, speaking whichever wire
// generations it is configured for. It implements kreq.Dispatcher.
type testServer struct {
	maxVersion int

	files map[string][]byte
	dirs  map[string][]string

	handles    map[Handle]string
	searches   map[Handle][]string
	nextHandle uint32

	ops []Op // every op seen, in order

	echoWrongId bool
	readOverrun bool
}

func newTestServer(maxVersion int) *testServer {
	return &testServer{
		maxVersion: maxVersion,
		files:      make(map[string][]byte),
		dirs:       make(map[string][]string),
		handles:    make(map[Handle]string),
		searches:   make(map[Handle][]string),
	}
}

func opGeneration(op Op) int {
	switch {
	case op >= OpOpenV3:
		return 3
	case op >= OpOpenV2:
		return 2
	default:
		return 1
	}
}

func (s *testServer) Dispatch(_ context.Context, packet []byte) ([]byte, error) {
	u := newUnpacker(packet)
	id := u.u32()
	op := Op(u.u32())
	s.ops = append(s.ops, op)

	if s.echoWrongId {
		id++
	}

	reply := make([]byte, constant.PacketMax)
	p := newPacker(reply)
	p.u32(id)

	if opGeneration(op) > s.maxVersion {
		p.u32(uint32(StatusOpNotSupported))
		return reply[:p.off], nil
	}

	status, body := s.handle(op, u)
	p.u32(uint32(status))
	p.bytes(body)
	return reply[:p.off], nil
}

func (s *testServer) handle(op Op, u *unpacker) (Status, []byte) {
	body := make([]byte, constant.PacketMax)
	p := newPacker(body)

	switch op {
	case OpGetattr, OpGetattrV2, OpGetattrV3:
		var raw []byte
		switch op {
		case OpGetattrV3:
			u.u64() // hints
			raw = u.nameV3()
		case OpGetattrV2:
			u.u64()
			raw = u.name()
		default:
			raw = u.name()
		}
		name, err := DecodeName(raw)
		if err != nil {
			return StatusInvalidName, nil
		}
		data, isFile := s.files[name]
		_, isDir := s.dirs[name]
		if !isFile && !isDir {
			return StatusNoSuchFileOrDir, nil
		}
		attr := s.attrFor(name, data, isDir)
		if op == OpGetattr {
			attr.toV1().pack(p)
		} else {
			attr.pack(p)
		}

	case OpOpen, OpOpenV3:
		if op == OpOpenV3 {
			u.u32() // mode
			u.u32() // flags
			u.u32() // perms
			u.u64()
		} else {
			u.u32()
			u.u32()
			u.u8()
		}
		var raw []byte
		if op == OpOpenV3 {
			raw = u.nameV3()
		} else {
			raw = u.name()
		}
		name, err := DecodeName(raw)
		if err != nil {
			return StatusInvalidName, nil
		}
		if _, ok := s.files[name]; !ok {
			s.files[name] = nil
		}
		s.nextHandle++
		h := Handle(s.nextHandle)
		s.handles[h] = name
		p.u32(uint32(h))
		if op == OpOpenV3 {
			p.u32(0) // no lock acquired
			p.u64(0)
		}

	case OpClose, OpCloseV3:
		h := Handle(u.u32())
		if _, ok := s.handles[h]; !ok {
			return StatusInvalidHandle, nil
		}
		delete(s.handles, h)

	case OpRead, OpReadV3:
		h := Handle(u.u32())
		offset := u.u64()
		size := int(u.u32())
		name, ok := s.handles[h]
		if !ok {
			return StatusInvalidHandle, nil
		}
		data := s.files[name]
		var chunk []byte
		if offset < uint64(len(data)) {
			chunk = data[offset:]
			if len(chunk) > size {
				chunk = chunk[:size]
			}
		}
		if s.readOverrun {
			chunk = make([]byte, size+16)
		}
		p.u32(uint32(len(chunk)))
		if op == OpReadV3 {
			p.u64(0)
		}
		p.bytes(chunk)

	case OpWrite, OpWriteV3:
		h := Handle(u.u32())
		offset := u.u64()
		size := int(u.u32())
		u.u8() // flags
		if op == OpWriteV3 {
			u.u64()
		}
		data := u.bytes(size)
		name, ok := s.handles[h]
		if !ok {
			return StatusInvalidHandle, nil
		}
		file := s.files[name]
		need := int(offset) + size
		if len(file) < need {
			grown := make([]byte, need)
			copy(grown, file)
			file = grown
		}
		copy(file[offset:], data)
		s.files[name] = file
		p.u32(uint32(size))
		if op == OpWriteV3 {
			p.u64(0)
		}

	case OpSearchOpen, OpSearchOpenV3:
		var raw []byte
		if op == OpSearchOpenV3 {
			raw = u.nameV3()
		} else {
			raw = u.name()
		}
		name, err := DecodeName(raw)
		if err != nil {
			return StatusInvalidName, nil
		}
		entries, ok := s.dirs[name]
		if !ok {
			return StatusNotDirectory, nil
		}
		s.nextHandle++
		h := Handle(s.nextHandle)
		s.searches[h] = entries
		p.u32(uint32(h))
		if op == OpSearchOpenV3 {
			p.u64(0)
		}

	case OpSearchRead, OpSearchReadV2, OpSearchReadV3:
		h := Handle(u.u32())
		index := int(u.u32())
		entries, ok := s.searches[h]
		if !ok {
			return StatusInvalidHandle, nil
		}

		var entryName string
		if index < len(entries) {
			entryName = entries[index]
		}
		cp, err := EncodeName(entryName)
		if err != nil {
			return StatusGenericError, nil
		}
		attr := s.attrFor(entryName, s.files[entryName], false)
		switch op {
		case OpSearchReadV3:
			attr.pack(p)
			p.u32(uint32(len(cp)))
			p.u32(0)
			p.u32(0)
			p.u32(0)
			p.bytes(cp)
			p.u8(0)
		case OpSearchReadV2:
			attr.pack(p)
			p.name(cp)
		default:
			attr.toV1().pack(p)
			p.name(cp)
		}

	case OpSearchClose, OpSearchCloseV3:
		h := Handle(u.u32())
		if _, ok := s.searches[h]; !ok {
			return StatusInvalidHandle, nil
		}
		delete(s.searches, h)

	case OpQueryVolumeInfo, OpQueryVolumeInfoV3:
		p.u64(1 << 30)
		p.u64(4 << 30)

	default:
		return StatusOpNotSupported, nil
	}

	if u.err != nil {
		return StatusProtocolError, nil
	}
	return StatusSuccess, body[:p.off]
}

func (s *testServer) attrFor(name string, data []byte, isDir bool) *AttrV2 {
	attr := &AttrV2{
		Mask:       AttrValidType | AttrValidSize | AttrValidOwnerPerms,
		Type:       TypeRegular,
		Size:       uint64(len(data)),
		OwnerPerms: 6,
	}
	if isDir {
		attr.Type = TypeDirectory
	}
	return attr
}

func newTestClient(server *testServer) *Client {
	return NewClient(kreq.NewPool(4, server, nil))
}

func TestOpWireValues(t *testing.T) {
	// each generation starts at a fixed code, hosts dispatch on these
	assert.Equal(t, Op(0), OpOpen)
	assert.Equal(t, Op(14), OpOpenV2)
	assert.Equal(t, Op(18), OpCreateSymlink)
	assert.Equal(t, Op(24), OpOpenV3)
	assert.Equal(t, Op(39), OpServerLockChangeV3)
}

func TestGetattr(t *testing.T) {
	server := newTestServer(3)
	server.files["share/hello.txt"] = []byte("hello")

	client := newTestClient(server)
	attr, err := client.Getattr(context.Background(), "share/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, TypeRegular, attr.Type)
	assert.Equal(t, uint64(5), attr.Size)
	assert.Equal(t, 3, client.Version())
}

func TestGetattrMissing(t *testing.T) {
	server := newTestServer(3)
	client := newTestClient(server)

	_, err := client.Getattr(context.Background(), "share/nope")
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, StatusNoSuchFileOrDir, statusErr.Status())

	// the numeric code is reachable for callers mapping to their own
	// error spaces
	var st *errors.Status
	require.ErrorAs(t, err, &st)
	assert.Equal(t, uint16(StatusNoSuchFileOrDir), st.Code())
}

func TestGenerationFallback(t *testing.T) {
	server := newTestServer(2)
	server.files["share/f"] = []byte("x")

	client := newTestClient(server)
	attr, err := client.Getattr(context.Background(), "share/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), attr.Size)

	// the rejected V3 attempt, then the successful V2 retry
	assert.Equal(t, []Op{OpGetattrV3, OpGetattrV2}, server.ops)
	assert.Equal(t, 2, client.Version())

	// the session stays pinned, no V3 probing on later operations
	server.ops = nil
	_, err = client.Getattr(context.Background(), "share/f")
	require.NoError(t, err)
	assert.Equal(t, []Op{OpGetattrV2}, server.ops)
}

func TestGenerationFallbackToV1(t *testing.T) {
	server := newTestServer(1)
	server.files["share/f"] = []byte("xy")

	client := newTestClient(server)
	attr, err := client.Getattr(context.Background(), "share/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), attr.Size)
	assert.Equal(t, 1, client.Version())
	assert.Equal(t, []Op{OpGetattrV3, OpGetattrV2, OpGetattr}, server.ops)
}

func TestOpenReadV1(t *testing.T) {
	server := newTestServer(1)
	server.files["share/f"] = []byte("old host data")
	client := newTestClient(server)
	ctx := context.Background()

	handle, err := client.Open(ctx, "share/f", ModeReadOnly, FlagsOpen, 0)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := client.Read(ctx, handle, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("old host data"), buf[:n])
	require.NoError(t, client.Close(ctx, handle))

	// one rejected V3 probe, then plain first-generation traffic
	assert.Equal(t, []Op{OpOpenV3, OpOpen, OpRead, OpClose}, server.ops)
}

func TestReadChunking(t *testing.T) {
	content := make([]byte, constant.IOMax*2+100)
	for i := range content {
		content[i] = byte(i * 13)
	}

	server := newTestServer(3)
	server.files["share/big"] = content
	client := newTestClient(server)
	ctx := context.Background()

	handle, err := client.Open(ctx, "share/big", ModeReadOnly, FlagsOpen, 0)
	require.NoError(t, err)

	buf := make([]byte, len(content))
	n, err := client.Read(ctx, handle, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.True(t, bytes.Equal(content, buf))

	// every chunk stayed within the transfer ceiling
	reads := 0
	for _, op := range server.ops {
		if op == OpReadV3 {
			reads++
		}
	}
	assert.Equal(t, 3, reads)

	require.NoError(t, client.Close(ctx, handle))
}

func TestReadShortAtEOF(t *testing.T) {
	server := newTestServer(3)
	server.files["share/small"] = []byte("tiny")
	client := newTestClient(server)
	ctx := context.Background()

	handle, err := client.Open(ctx, "share/small", ModeReadOnly, FlagsOpen, 0)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := client.Read(ctx, handle, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("tiny"), buf[:n])
}

func TestReadOverrunAborts(t *testing.T) {
	server := newTestServer(3)
	server.files["share/f"] = []byte("data")
	server.readOverrun = true
	client := newTestClient(server)
	ctx := context.Background()

	handle, err := client.Open(ctx, "share/f", ModeReadOnly, FlagsOpen, 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = client.Read(ctx, handle, 0, buf)
	assert.True(t, errors.Is(err, errors.ErrProtocol))
	// nothing of the oversized reply reached the caller
	assert.Equal(t, make([]byte, 4), buf)
}

func TestWriteChunking(t *testing.T) {
	content := make([]byte, constant.IOMax+500)
	for i := range content {
		content[i] = byte(i * 7)
	}

	server := newTestServer(3)
	client := newTestClient(server)
	ctx := context.Background()

	handle, err := client.Open(ctx, "share/out", ModeWriteOnly, FlagsCreate, 6)
	require.NoError(t, err)

	n, err := client.Write(ctx, handle, 0, content, 0)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.True(t, bytes.Equal(content, server.files["share/out"]))
}

func TestReadDir(t *testing.T) {
	server := newTestServer(3)
	server.dirs["share"] = []string{"alpha", "beta", "gamma"}
	client := newTestClient(server)

	entries, err := client.ReadDir(context.Background(), "share")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "gamma", entries[2].Name)

	// the search was closed behind the walk
	assert.Empty(t, server.searches)
}

func TestSearchReadEnd(t *testing.T) {
	server := newTestServer(3)
	server.dirs["share"] = nil
	client := newTestClient(server)
	ctx := context.Background()

	handle, err := client.SearchOpen(ctx, "share")
	require.NoError(t, err)

	// an empty listing ends immediately with a zero-length name
	entry, err := client.SearchRead(ctx, handle, 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestReplyIdMismatch(t *testing.T) {
	server := newTestServer(3)
	server.files["share/f"] = []byte("x")
	server.echoWrongId = true
	client := newTestClient(server)

	_, err := client.Getattr(context.Background(), "share/f")
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func TestQueryVolume(t *testing.T) {
	server := newTestServer(3)
	client := newTestClient(server)

	free, total, err := client.QueryVolume(context.Background(), "share")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), free)
	assert.Equal(t, uint64(4<<30), total)
}
