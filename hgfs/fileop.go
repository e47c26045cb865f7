package hgfs

import (
	"context"

	"github.com/brodyxchen/guestrpc/errors"
)

type OpKind int

const (
	KindOpen OpKind = iota
	KindClose
	KindRead
	KindWrite
	KindGetattr
	KindSetattr
	KindCreateDir
	KindDeleteFile
	KindDeleteDir
	KindRename
	KindReadDir
	KindQueryVolume
)

// FileOp describes one file operation as plain data, for callers that
// marshal work items rather than call the typed methods directly.
type FileOp struct {
	Kind OpKind

	Name    string
	NewName string

	Handle Handle
	Offset uint64
	Data   []byte

	Mode  OpenMode
	Flags OpenFlags
	Perms uint8

	Attr *AttrV2
}

// FileOpResult carries whichever outputs the operation produced.
type FileOpResult struct {
	Handle Handle
	N      int
	Data   []byte
	Attr   *AttrV2

	Entries []Dirent

	FreeBytes  uint64
	TotalBytes uint64
}

// Submit runs op against the host and returns its result.
func (c *Client) Submit(ctx context.Context, op *FileOp) (*FileOpResult, error) {
	res := &FileOpResult{}

	switch op.Kind {
	case KindOpen:
		handle, err := c.Open(ctx, op.Name, op.Mode, op.Flags, op.Perms)
		if err != nil {
			return nil, err
		}
		res.Handle = handle

	case KindClose:
		if err := c.Close(ctx, op.Handle); err != nil {
			return nil, err
		}

	case KindRead:
		buf := op.Data
		if buf == nil {
			return nil, errors.Wrap(errors.ErrProtocol, errors.New("read needs a destination buffer"))
		}
		n, err := c.Read(ctx, op.Handle, op.Offset, buf)
		if err != nil {
			return nil, err
		}
		res.N = n
		res.Data = buf[:n]

	case KindWrite:
		n, err := c.Write(ctx, op.Handle, op.Offset, op.Data, 0)
		if err != nil {
			return nil, err
		}
		res.N = n

	case KindGetattr:
		attr, err := c.Getattr(ctx, op.Name)
		if err != nil {
			return nil, err
		}
		res.Attr = attr

	case KindSetattr:
		if op.Attr == nil {
			return nil, errors.Wrap(errors.ErrProtocol, errors.New("setattr needs attributes"))
		}
		if err := c.Setattr(ctx, op.Name, op.Attr); err != nil {
			return nil, err
		}

	case KindCreateDir:
		if err := c.CreateDir(ctx, op.Name, op.Perms); err != nil {
			return nil, err
		}

	case KindDeleteFile:
		if err := c.DeleteFile(ctx, op.Name); err != nil {
			return nil, err
		}

	case KindDeleteDir:
		if err := c.DeleteDir(ctx, op.Name); err != nil {
			return nil, err
		}

	case KindRename:
		if err := c.Rename(ctx, op.Name, op.NewName); err != nil {
			return nil, err
		}

	case KindReadDir:
		entries, err := c.ReadDir(ctx, op.Name)
		if err != nil {
			return nil, err
		}
		res.Entries = entries

	case KindQueryVolume:
		free, total, err := c.QueryVolume(ctx, op.Name)
		if err != nil {
			return nil, err
		}
		res.FreeBytes = free
		res.TotalBytes = total

	default:
		return nil, errors.Wrap(errors.ErrProtocol, errors.New("unknown file operation"))
	}

	return res, nil
}
