package bytestream_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singcha/velox/bytestream"
)

func TestAppendWithinRange(t *testing.T) {
	s := bytestream.New()
	buf := make([]byte, 16)
	s.SetRange(buf)

	require.NoError(t, s.Append([]byte("hello")))
	require.Equal(t, 5, s.WritePosition())
	require.Equal(t, []byte("hello"), buf[:5])
}

func TestAppendSpillsIntoNewRange(t *testing.T) {
	first := make([]byte, 4)
	second := make([]byte, 16)
	asked := -1

	s := bytestream.New()
	s.SetNewRangeFunc(func(bytes int) ([]byte, error) {
		asked = bytes
		return second, nil
	})
	s.SetRange(first)

	require.NoError(t, s.Append([]byte("hello world")))
	require.Equal(t, 7, asked)
	require.Equal(t, []byte("hell"), first)
	require.Equal(t, []byte("o world"), second[:7])
	require.Equal(t, 7, s.WritePosition())
}

func TestAppendWithoutRangeCallbackFails(t *testing.T) {
	s := bytestream.New()
	s.SetRange(make([]byte, 2))

	err := s.Append([]byte("abc"))
	require.ErrorIs(t, err, bytestream.ErrNoRange)
}

func TestReadBytesAcrossRanges(t *testing.T) {
	s := bytestream.New()
	s.ResetInput([][]byte{[]byte("abc"), []byte("de"), []byte("fgh")})
	require.Equal(t, 8, s.Available())

	out := make([]byte, 8)
	require.NoError(t, s.ReadBytes(out))
	require.Equal(t, []byte("abcdefgh"), out)
	require.Equal(t, 0, s.Available())

	require.ErrorIs(t, s.ReadBytes(make([]byte, 1)), bytestream.ErrShortRead)
}

func TestSkip(t *testing.T) {
	s := bytestream.New()
	s.ResetInput([][]byte{[]byte("abc"), []byte("defg")})

	require.NoError(t, s.Skip(4))
	require.Equal(t, 3, s.Available())

	out := make([]byte, 3)
	require.NoError(t, s.ReadBytes(out))
	require.Equal(t, []byte("efg"), out)

	require.ErrorIs(t, s.Skip(1), bytestream.ErrShortRead)
}

func TestReaderWriterGlue(t *testing.T) {
	s := bytestream.New()
	buf := make([]byte, 8)
	s.SetRange(buf)

	n, err := s.Write([]byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	s.ResetInput([][]byte{buf[:4]})
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), got)
}
