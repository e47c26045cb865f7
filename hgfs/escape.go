package hgfs

import (
	"github.com/brodyxchen/guestrpc/errors"
)

const escapeChar = '%'

// escapeSet is a 256-bit membership table of bytes that must travel
// escaped.
type escapeSet [4]uint64

func newEscapeSet(bytes ...byte) *escapeSet {
	s := &escapeSet{}
	for _, b := range bytes {
		s.add(b)
	}
	return s
}

func (s *escapeSet) add(b byte) {
	s[b>>6] |= 1 << (b & 63)
}

func (s *escapeSet) has(b byte) bool {
	return s[b>>6]&(1<<(b&63)) != 0
}

// wireEscapes covers the bytes a path component cannot carry raw: the
// component separator, both slash forms and the escape byte itself.
var wireEscapes = newEscapeSet(0, '/', '\\', escapeChar)

const hexDigits = "0123456789ABCDEF"

// escapeBytes writes src with every set member as %XX uppercase hex.
func escapeBytes(src []byte, set *escapeSet) []byte {
	n := len(src)
	for _, b := range src {
		if set.has(b) {
			n += 2
		}
	}
	if n == len(src) {
		return src
	}

	dst := make([]byte, 0, n)
	for _, b := range src {
		if set.has(b) {
			dst = append(dst, escapeChar, hexDigits[b>>4], hexDigits[b&0xf])
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

func hexVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	}
	return 0, false
}

// unescapeBytes reverses escapeBytes. A dangling or malformed escape
// sequence is a protocol violation, not data.
func unescapeBytes(src []byte) ([]byte, error) {
	dst := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		b := src[i]
		if b != escapeChar {
			dst = append(dst, b)
			continue
		}
		if i+2 >= len(src) {
			return nil, errors.Wrap(errors.ErrInvalidName, errors.New("truncated escape sequence"))
		}
		hi, ok1 := hexVal(src[i+1])
		lo, ok2 := hexVal(src[i+2])
		if !ok1 || !ok2 {
			return nil, errors.Wrap(errors.ErrInvalidName, errors.New("malformed escape sequence"))
		}
		dst = append(dst, hi<<4|lo)
		i += 2
	}
	return dst, nil
}
