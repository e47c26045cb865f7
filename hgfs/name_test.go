package hgfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brodyxchen/guestrpc/errors"
)

func TestEncodeNameSeparators(t *testing.T) {
	cp, err := EncodeName("share/sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("share\x00sub\x00file.txt"), cp)

	// leading slashes are dropped, the path is share-relative
	cp2, err := EncodeName("///share/sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, cp, cp2)
}

func TestEncodeNameRejects(t *testing.T) {
	for _, name := range []string{
		"share//file",
		"share/./file",
		"share/../other",
		".",
		"..",
	} {
		_, err := EncodeName(name)
		assert.True(t, errors.Is(err, errors.ErrInvalidName), "name=%q", name)
	}
}

func TestEncodeNameEmpty(t *testing.T) {
	cp, err := EncodeName("")
	require.NoError(t, err)
	assert.Len(t, cp, 0)

	name, err := DecodeName(cp)
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestNameRoundTrip(t *testing.T) {
	for _, name := range []string{
		"share",
		"share/a/b/c",
		"share/with space",
		"share/100% sure",
		"share/back\\slash",
		"share/café/menu",
	} {
		cp, err := EncodeName(name)
		require.NoError(t, err, "name=%q", name)

		back, err := DecodeName(cp)
		require.NoError(t, err, "name=%q", name)
		assert.Equal(t, name, back, "name=%q", name)
	}
}

func TestNameNormalization(t *testing.T) {
	// decomposed e + combining acute collapses to the composed form
	decomposed := "share/café"
	composed := "share/café"

	a, err := EncodeName(decomposed)
	require.NoError(t, err)
	b, err := EncodeName(composed)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestEncodeNameEscapes(t *testing.T) {
	cp, err := EncodeName("share/50%off")
	require.NoError(t, err)

	// the escape byte itself must travel escaped
	assert.Equal(t, []byte("share\x0050%25off"), cp)

	back, err := DecodeName(cp)
	require.NoError(t, err)
	assert.Equal(t, "share/50%off", back)
}

func TestEncodeNameTooLong(t *testing.T) {
	_, err := EncodeName("share/" + strings.Repeat("x", maxCpName))
	assert.True(t, errors.Is(err, errors.ErrNameTooLong))
}

func TestDecodeNameMalformed(t *testing.T) {
	_, err := DecodeName([]byte("\x00leading"))
	assert.True(t, errors.Is(err, errors.ErrInvalidName))

	_, err = DecodeName([]byte("a\x00\x00b"))
	assert.True(t, errors.Is(err, errors.ErrInvalidName))

	// truncated escape sequences are violations, not data
	_, err = DecodeName([]byte("abc%2"))
	assert.True(t, errors.Is(err, errors.ErrInvalidName))

	_, err = DecodeName([]byte("abc%zz"))
	assert.True(t, errors.Is(err, errors.ErrInvalidName))
}

func TestEscapeRoundTripAllBytes(t *testing.T) {
	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}

	escaped := escapeBytes(src, wireEscapes)
	for _, b := range []byte{0, '/', '\\'} {
		assert.NotContains(t, escaped, b)
	}

	back, err := unescapeBytes(escaped)
	require.NoError(t, err)
	assert.Equal(t, src, back)
}
