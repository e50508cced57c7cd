package stream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, fragments ...string) []string {
	t.Helper()
	d := NewDecoder()
	var out []string
	for _, f := range fragments {
		payloads, err := d.Feed([]byte(f))
		require.NoError(t, err)
		out = append(out, payloads...)
	}
	rest, err := d.Close()
	require.NoError(t, err)
	return append(out, rest...)
}

func TestDecoderBasic(t *testing.T) {
	stream := "event: message\n" +
		"data: {\"a\":1}\n" +
		": keep-alive\n" +
		"\n" +
		"data:{\"b\":2}\r\n" +
		"id: 7\n" +
		"data: [DONE]\n" +
		"data: {\"after\":true}\n"

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, feedAll(t, stream))
}

func TestDecoderFrameSplitting(t *testing.T) {
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"héllo\"}}]}\n" +
		"data: {\"related\":[\"why?\"]}\n" +
		"data: [DONE]\n"
	want := feedAll(t, stream)
	require.Len(t, want, 2)

	for i := 0; i <= len(stream); i++ {
		got := feedAll(t, stream[:i], stream[i:])
		assert.Equal(t, want, got, "split at byte %d", i)
	}
}

func TestDecoderMidFieldSplit(t *testing.T) {
	d := NewDecoder()

	payloads, err := d.Feed([]byte(`data: {"delta":"Hel`))
	require.NoError(t, err)
	assert.Empty(t, payloads, "half a record must stay buffered")

	payloads, err = d.Feed([]byte("lo\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"delta":"Hello"}`}, payloads)
}

func TestDecoderSentinelStopsDecoding(t *testing.T) {
	d := NewDecoder()
	payloads, err := d.Feed([]byte("data: x\ndata: [DONE]\ndata: y\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, payloads)
	assert.True(t, d.Done())

	payloads, err = d.Feed([]byte("data: z\n"))
	require.NoError(t, err)
	assert.Empty(t, payloads)
}

func TestDecoderCloseFlushesUnterminatedLine(t *testing.T) {
	d := NewDecoder()
	payloads, err := d.Feed([]byte("data: one\ndata: two"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, payloads)

	rest, err := d.Close()
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, rest)
}

func TestDecoderMalformedFrame(t *testing.T) {
	t.Run("invalid utf8", func(t *testing.T) {
		d := NewDecoder()
		_, err := d.Feed([]byte("data: \xff\xfe\n"))
		assert.ErrorIs(t, err, ErrMalformedFrame)

		// The error is sticky.
		_, err = d.Feed([]byte("data: ok\n"))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("line too long", func(t *testing.T) {
		d := NewDecoder()
		d.maxLine = 8
		_, err := d.Feed([]byte("data: 0123456789"))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

// chunkedReader returns at most n bytes per Read.
type chunkedReader struct {
	r io.Reader
	n int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func TestDecode(t *testing.T) {
	src := "data: a\n\ndata: b\ndata: [DONE]\n"

	var got []string
	err := Decode(&chunkedReader{r: strings.NewReader(src), n: 3}, func(p string) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	stop := errors.New("stop")
	err = Decode(strings.NewReader(src), func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}
