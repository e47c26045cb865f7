package hgfs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/brodyxchen/guestrpc/constant"
	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/kreq"
	"github.com/brodyxchen/guestrpc/log"
)

type OpenMode uint32

const (
	ModeReadOnly OpenMode = iota
	ModeWriteOnly
	ModeReadWrite
)

type OpenFlags uint32

const (
	FlagsOpen OpenFlags = iota
	FlagsOpenEmpty
	FlagsCreate
	FlagsCreateSafe
	FlagsCreateEmpty
)

type WriteFlags uint8

const (
	WriteAppend WriteFlags = 1 << iota
)

const maxWireVersion = 3

// Client drives file operations against the host. Requests come from
// the pool, replies land in the same buffers.
//
// The wire generation starts at the newest and is negotiated down
// once per session: when the host rejects an operation as
// unsupported, the whole session drops a generation and the operation
// is retried. The version never goes back up.
type Client struct {
	pool *kreq.Pool

	nextId uint32 // atomic

	mu      sync.Mutex
	version int
}

func NewClient(pool *kreq.Pool) *Client {
	return &Client{
		pool:    pool,
		version: maxWireVersion,
	}
}

// Version reports the wire generation the session currently runs.
func (c *Client) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) id() uint32 {
	return atomic.AddUint32(&c.nextId, 1)
}

// downgrade drops the session one generation below from. It reports
// whether the caller should retry, which also covers the case where a
// concurrent operation already lowered the session.
func (c *Client) downgrade(from int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version < from {
		return true
	}
	if from <= 1 {
		return false
	}
	c.version = from - 1
	log.Infof("hgfs: host rejected generation %v, session continues at %v\n", from, c.version)
	return true
}

// exec is the shape every operation shares: allocate a buffer, build
// the packet for the session generation, submit, validate the reply
// header and parse the rest. An unsupported-operation status triggers
// the generation fallback and a retry.
func (c *Client) exec(ctx context.Context,
	build func(version int, id uint32, p *packer),
	parse func(version int, u *unpacker) error) error {

	for {
		version := c.Version()

		req, err := c.pool.AllocateWait(ctx)
		if err != nil {
			return err
		}

		id := c.id()
		p := newPacker(req.Payload())
		build(version, id, p)
		if p.err != nil {
			req.Release()
			return p.err
		}
		_ = req.SetPayloadSize(p.off)

		if err := c.pool.Submit(ctx, req); err != nil {
			req.Release()
			return err
		}

		u := newUnpacker(req.Payload()[:req.PayloadSize()])
		status, err := readHeader(u, id)
		if err != nil {
			log.Errorf("hgfs: bad reply header, size=%v: %v\n", req.PayloadSize(), err)
			req.Release()
			return err
		}

		if status == StatusOpNotSupported && c.downgrade(version) {
			req.Release()
			continue
		}
		if err := status.Err(); err != nil {
			req.Release()
			return err
		}

		if parse != nil {
			err = parse(version, u)
			if err == nil && u.err != nil {
				err = u.err
			}
		} else {
			err = u.err
		}
		req.Release()
		return err
	}
}

func (c *Client) Open(ctx context.Context, name string, mode OpenMode, flags OpenFlags, perms uint8) (Handle, error) {
	cp, err := EncodeName(name)
	if err != nil {
		return 0, err
	}

	var handle Handle
	err = c.exec(ctx,
		func(version int, id uint32, p *packer) {
			if version >= 3 {
				writeHeader(p, id, OpOpenV3)
				p.u32(uint32(mode))
				p.u32(uint32(flags))
				p.u32(uint32(perms))
				p.u64(0)
				p.nameV3(cp)
				return
			}
			writeHeader(p, id, OpOpen)
			p.u32(uint32(mode))
			p.u32(uint32(flags))
			p.u8(perms)
			p.name(cp)
		},
		func(version int, u *unpacker) error {
			handle = Handle(u.u32())
			return nil
		})
	return handle, err
}

func (c *Client) Close(ctx context.Context, handle Handle) error {
	return c.exec(ctx,
		func(version int, id uint32, p *packer) {
			if version >= 3 {
				writeHeader(p, id, OpCloseV3)
				p.u32(uint32(handle))
				p.u64(0)
				return
			}
			writeHeader(p, id, OpClose)
			p.u32(uint32(handle))
		},
		nil)
}

// Read fills p from the open file at offset. Transfers larger than
// one request allows are split into chunks, a short chunk or a
// zero-byte chunk ends the read at end of file.
func (c *Client) Read(ctx context.Context, handle Handle, offset uint64, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > constant.IOMax {
			chunk = constant.IOMax
		}

		n, err := c.readChunk(ctx, handle, offset+uint64(total), p[total:total+chunk])
		if err != nil {
			return total, err
		}
		total += n
		if n < chunk {
			break
		}
	}
	return total, nil
}

func (c *Client) readChunk(ctx context.Context, handle Handle, offset uint64, p []byte) (int, error) {
	var n int
	err := c.exec(ctx,
		func(version int, id uint32, pk *packer) {
			if version >= 3 {
				writeHeader(pk, id, OpReadV3)
				pk.u32(uint32(handle))
				pk.u64(offset)
				pk.u32(uint32(len(p)))
				pk.u64(0)
				return
			}
			writeHeader(pk, id, OpRead)
			pk.u32(uint32(handle))
			pk.u64(offset)
			pk.u32(uint32(len(p)))
		},
		func(version int, u *unpacker) error {
			actual := int(u.u32())
			if version >= 3 {
				u.u64()
			}
			if actual > len(p) {
				// host wrote past what we asked for, do not copy a
				// byte of it
				return errors.Wrap(errors.ErrProtocol, errors.New("read reply overruns request"))
			}
			data := u.bytes(actual)
			if u.err != nil {
				return u.err
			}
			n = copy(p, data)
			return nil
		})
	return n, err
}

// Write pushes p to the open file at offset, chunked like Read.
func (c *Client) Write(ctx context.Context, handle Handle, offset uint64, p []byte, flags WriteFlags) (int, error) {
	total := 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > constant.IOMax {
			chunk = constant.IOMax
		}

		n, err := c.writeChunk(ctx, handle, offset+uint64(total), p[total:total+chunk], flags)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.Wrap(errors.ErrProtocol, errors.New("host accepted no data"))
		}
		total += n
	}
	return total, nil
}

func (c *Client) writeChunk(ctx context.Context, handle Handle, offset uint64, p []byte, flags WriteFlags) (int, error) {
	var n int
	err := c.exec(ctx,
		func(version int, id uint32, pk *packer) {
			if version >= 3 {
				writeHeader(pk, id, OpWriteV3)
				pk.u32(uint32(handle))
				pk.u64(offset)
				pk.u32(uint32(len(p)))
				pk.u8(uint8(flags))
				pk.u64(0)
				pk.bytes(p)
				return
			}
			writeHeader(pk, id, OpWrite)
			pk.u32(uint32(handle))
			pk.u64(offset)
			pk.u32(uint32(len(p)))
			pk.u8(uint8(flags))
			pk.bytes(p)
		},
		func(version int, u *unpacker) error {
			n = int(u.u32())
			if n > len(p) {
				n = 0
				return errors.Wrap(errors.ErrProtocol, errors.New("write reply overruns request"))
			}
			return nil
		})
	return n, err
}

func (c *Client) Getattr(ctx context.Context, name string) (*AttrV2, error) {
	cp, err := EncodeName(name)
	if err != nil {
		return nil, err
	}

	attr := &AttrV2{}
	err = c.exec(ctx,
		func(version int, id uint32, p *packer) {
			switch {
			case version >= 3:
				writeHeader(p, id, OpGetattrV3)
				p.u64(0) // hints
				p.nameV3(cp)
				p.u64(0)
			case version == 2:
				writeHeader(p, id, OpGetattrV2)
				p.u64(0) // hints
				p.name(cp)
			default:
				writeHeader(p, id, OpGetattr)
				p.name(cp)
			}
		},
		func(version int, u *unpacker) error {
			if version >= 2 {
				attr.unpack(u)
				return nil
			}
			var old Attr
			old.unpack(u)
			attr.fromV1(&old)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return attr, nil
}

// Setattr pushes the fields selected by attr.Mask. First-generation
// hosts take the narrowed block and apply everything it carries.
func (c *Client) Setattr(ctx context.Context, name string, attr *AttrV2) error {
	cp, err := EncodeName(name)
	if err != nil {
		return err
	}

	return c.exec(ctx,
		func(version int, id uint32, p *packer) {
			switch {
			case version >= 3:
				writeHeader(p, id, OpSetattrV3)
				p.u64(attr.Mask) // hints mirror the mask
				attr.pack(p)
				p.nameV3(cp)
				p.u64(0)
			case version == 2:
				writeHeader(p, id, OpSetattrV2)
				p.u64(attr.Mask)
				attr.pack(p)
				p.name(cp)
			default:
				writeHeader(p, id, OpSetattr)
				p.u8(uint8(attr.Mask)) // low validity bits only
				attr.toV1().pack(p)
				p.name(cp)
			}
		},
		nil)
}

func (c *Client) CreateDir(ctx context.Context, name string, perms uint8) error {
	cp, err := EncodeName(name)
	if err != nil {
		return err
	}

	return c.exec(ctx,
		func(version int, id uint32, p *packer) {
			if version >= 3 {
				writeHeader(p, id, OpCreateDirV3)
				p.u32(uint32(AttrValidOwnerPerms))
				p.u8(0)
				p.u8(perms)
				p.u8(0)
				p.u8(0)
				p.nameV3(cp)
				p.u64(0)
				return
			}
			writeHeader(p, id, OpCreateDir)
			p.u8(perms)
			p.name(cp)
		},
		nil)
}

func (c *Client) DeleteFile(ctx context.Context, name string) error {
	return c.delete(ctx, name, OpDeleteFile, OpDeleteFileV3)
}

func (c *Client) DeleteDir(ctx context.Context, name string) error {
	return c.delete(ctx, name, OpDeleteDir, OpDeleteDirV3)
}

func (c *Client) delete(ctx context.Context, name string, v1Op, v3Op Op) error {
	cp, err := EncodeName(name)
	if err != nil {
		return err
	}

	return c.exec(ctx,
		func(version int, id uint32, p *packer) {
			if version >= 3 {
				writeHeader(p, id, v3Op)
				p.u64(0) // hints
				p.nameV3(cp)
				p.u64(0)
				return
			}
			writeHeader(p, id, v1Op)
			p.name(cp)
		},
		nil)
}

func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	oldCp, err := EncodeName(oldName)
	if err != nil {
		return err
	}
	newCp, err := EncodeName(newName)
	if err != nil {
		return err
	}

	return c.exec(ctx,
		func(version int, id uint32, p *packer) {
			if version >= 3 {
				writeHeader(p, id, OpRenameV3)
				p.u64(0) // hints
				p.nameV3(oldCp)
				p.nameV3(newCp)
				p.u64(0)
				return
			}
			writeHeader(p, id, OpRename)
			p.name(oldCp)
			p.name(newCp)
		},
		nil)
}

func (c *Client) SearchOpen(ctx context.Context, dir string) (Handle, error) {
	cp, err := EncodeName(dir)
	if err != nil {
		return 0, err
	}

	var handle Handle
	err = c.exec(ctx,
		func(version int, id uint32, p *packer) {
			if version >= 3 {
				writeHeader(p, id, OpSearchOpenV3)
				p.nameV3(cp)
				p.u64(0)
				return
			}
			writeHeader(p, id, OpSearchOpen)
			p.name(cp)
		},
		func(version int, u *unpacker) error {
			handle = Handle(u.u32())
			return nil
		})
	return handle, err
}

// Dirent is one directory entry from a search.
type Dirent struct {
	Name string
	Attr AttrV2
}

// SearchRead fetches the entry at index within an open search. The
// end of the listing is a nil entry, signalled on the wire by a
// zero-length name.
func (c *Client) SearchRead(ctx context.Context, handle Handle, index uint32) (*Dirent, error) {
	var (
		entry Dirent
		atEnd bool
	)
	err := c.exec(ctx,
		func(version int, id uint32, p *packer) {
			switch {
			case version >= 3:
				writeHeader(p, id, OpSearchReadV3)
				p.u32(uint32(handle))
				p.u32(index)
				p.u32(0) // flags
				p.u64(0)
			case version == 2:
				writeHeader(p, id, OpSearchReadV2)
				p.u32(uint32(handle))
				p.u32(index)
			default:
				writeHeader(p, id, OpSearchRead)
				p.u32(uint32(handle))
				p.u32(index)
			}
		},
		func(version int, u *unpacker) error {
			var raw []byte
			if version >= 2 {
				entry.Attr.unpack(u)
				if version >= 3 {
					raw = u.nameV3()
				} else {
					raw = u.name()
				}
			} else {
				var old Attr
				old.unpack(u)
				entry.Attr.fromV1(&old)
				raw = u.name()
			}
			if u.err != nil {
				return u.err
			}
			if len(raw) == 0 {
				atEnd = true
				return nil
			}
			name, err := DecodeName(raw)
			if err != nil {
				return err
			}
			entry.Name = name
			return nil
		})
	if err != nil {
		return nil, err
	}
	if atEnd {
		return nil, nil
	}
	return &entry, nil
}

func (c *Client) SearchClose(ctx context.Context, handle Handle) error {
	return c.exec(ctx,
		func(version int, id uint32, p *packer) {
			if version >= 3 {
				writeHeader(p, id, OpSearchCloseV3)
				p.u32(uint32(handle))
				p.u64(0)
				return
			}
			writeHeader(p, id, OpSearchClose)
			p.u32(uint32(handle))
		},
		nil)
}

// QueryVolume reports free and total bytes of the volume behind name.
func (c *Client) QueryVolume(ctx context.Context, name string) (free, total uint64, err error) {
	cp, err := EncodeName(name)
	if err != nil {
		return 0, 0, err
	}

	err = c.exec(ctx,
		func(version int, id uint32, p *packer) {
			if version >= 3 {
				writeHeader(p, id, OpQueryVolumeInfoV3)
				p.nameV3(cp)
				p.u64(0)
				return
			}
			writeHeader(p, id, OpQueryVolumeInfo)
			p.name(cp)
		},
		func(version int, u *unpacker) error {
			free = u.u64()
			total = u.u64()
			return nil
		})
	return free, total, err
}

// ReadDir walks a whole directory listing through one search.
func (c *Client) ReadDir(ctx context.Context, dir string) ([]Dirent, error) {
	handle, err := c.SearchOpen(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = c.SearchClose(ctx, handle)
	}()

	var entries []Dirent
	for index := uint32(0); ; index++ {
		entry, err := c.SearchRead(ctx, handle, index)
		if err != nil {
			return entries, err
		}
		if entry == nil {
			return entries, nil
		}
		entries = append(entries, *entry)
	}
}
