package hgfs

import (
	"bytes"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/brodyxchen/guestrpc/errors"
)

// maxCpName bounds the encoded form of a path. Longer names cannot
// fit a request buffer alongside the rest of the packet anyway.
const maxCpName = 4096

// EncodeName converts a slash-separated path into the cross-platform
// wire form: NFC-normalized components joined by NUL, each component
// escaped so the separator and slashes cannot appear raw.
//
// A path is relative to the share root, leading slashes are dropped.
func EncodeName(name string) ([]byte, error) {
	name = norm.NFC.String(name)
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return []byte{}, nil
	}

	var out []byte
	for i, comp := range strings.Split(name, "/") {
		if comp == "" {
			return nil, errors.Wrap(errors.ErrInvalidName, errors.New("empty path component"))
		}
		if comp == "." || comp == ".." {
			return nil, errors.Wrap(errors.ErrInvalidName, errors.New("relative path component"))
		}
		if i > 0 {
			out = append(out, 0)
		}
		out = append(out, escapeBytes([]byte(comp), wireEscapes)...)
	}

	if len(out) > maxCpName {
		return nil, errors.ErrNameTooLong
	}
	return out, nil
}

// DecodeName reverses EncodeName back into a slash-separated path.
func DecodeName(cp []byte) (string, error) {
	if len(cp) == 0 {
		return "", nil
	}
	if cp[0] == 0 {
		return "", errors.Wrap(errors.ErrInvalidName, errors.New("leading separator"))
	}

	parts := bytes.Split(cp, []byte{0})
	comps := make([]string, 0, len(parts))
	for _, part := range parts {
		if len(part) == 0 {
			return "", errors.Wrap(errors.ErrInvalidName, errors.New("empty path component"))
		}
		raw, err := unescapeBytes(part)
		if err != nil {
			return "", err
		}
		comps = append(comps, string(raw))
	}
	return strings.Join(comps, "/"), nil
}
