package socket

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/brodyxchen/guestrpc/errors"
	"github.com/brodyxchen/guestrpc/log"
	"github.com/brodyxchen/guestrpc/models"
)

const (
	DefaultMagic   = uint16(0x1617)
	DefaultVersion = uint16(1)
)

func ReadFrame(key string, reader *bufio.Reader) (*models.Header, []byte, error) {
	header := &models.Header{}

	headerBuf := make([]byte, models.HeaderSize)
	n, err := io.ReadFull(reader, headerBuf)
	if err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		log.Debugf("%v.ReadFrame() read header err != nil: %v\n", key, err)
		return nil, nil, err
	}
	if n < models.HeaderSize {
		return nil, nil, errors.Wrap(errors.ErrProtocol, errors.New("short header"))
	}

	header.Magic = binary.BigEndian.Uint16(headerBuf[:])
	if header.Magic != DefaultMagic {
		log.Errorf("%v.ReadFrame() header.Magic(%v) != DefaultMagic\n", key, header.Magic)
		return nil, nil, errors.Wrap(errors.ErrChannelDesync, errors.New("bad frame magic"))
	}

	header.Version = binary.BigEndian.Uint16(headerBuf[2:])
	header.Code = binary.BigEndian.Uint16(headerBuf[4:])
	header.Length = binary.BigEndian.Uint16(headerBuf[6:])

	if header.Length <= 0 {
		return header, nil, nil
	}

	bodyBuf := make([]byte, header.Length)
	n, err = io.ReadFull(reader, bodyBuf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return header, nil, io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	if n < int(header.Length) {
		return nil, nil, errors.Wrap(errors.ErrProtocol, errors.New("short body"))
	}

	return header, bodyBuf, nil
}

func WriteFrame(writer *bufio.Writer, header *models.Header, body []byte) error {
	length := len(body)
	if length > math.MaxUint16 {
		return errors.Wrap(errors.ErrRequestSize, errors.New("frame body exceeds 64k"))
	}
	header.Length = uint16(length)

	buf := make([]byte, models.HeaderSize+length)
	binary.BigEndian.PutUint16(buf, header.Magic)
	binary.BigEndian.PutUint16(buf[2:], header.Version)
	binary.BigEndian.PutUint16(buf[4:], header.Code)
	binary.BigEndian.PutUint16(buf[6:], header.Length)
	if length > 0 {
		copy(buf[models.HeaderSize:], body)
	}

	_, err := writer.Write(buf)
	if err != nil {
		return err
	}

	return writer.Flush()
}
