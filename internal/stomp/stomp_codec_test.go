package stomp

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"connect", NewFrame(CONNECT, "accept-version", "1.2", "host", "/", "login", "guest:x")},
		{"send", NewFrame(SEND, "destination", "/queue/a").WithBody([]byte("hello"))},
		{"escaped header", NewFrame(SEND, "destination", "/queue/a", "weird:name", "line1\nline2\r\\back")},
		{"duplicate headers", NewFrame(MESSAGE, "foo", "first", "foo", "second")},
		{"nul in body", NewFrame(MESSAGE, "destination", "/t").WithBody([]byte{1, 0, 2})},
		{"no headers", NewFrame(DISCONNECT)},
		{"empty body without length", NewFrame(RECEIPT, "receipt-id", "77")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.frame)
			decoded, n, err := Decode(encoded, DefaultLimits)
			require.NoError(t, err)
			assert.Equal(t, len(encoded), n)
			assert.True(t, tt.frame.Equal(decoded), "want %+v got %+v", tt.frame, decoded)
		})
	}
}

func TestDecodeIncomplete(t *testing.T) {
	encoded := Encode(NewFrame(SEND, "destination", "/queue/a").WithBody([]byte("payload")))
	for i := 1; i < len(encoded); i++ {
		frame, n, err := Decode(encoded[:i], DefaultLimits)
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("prefix %d: expected ErrIncomplete, got frame=%v err=%v", i, frame, err)
		}
		if n != 0 {
			t.Fatalf("prefix %d: consumed %d bytes of a partial frame", i, n)
		}
	}
}

func TestDecodeHeartbeats(t *testing.T) {
	buf := []byte("\r\n\n\nSEND\ndestination:/a\n\n\x00")
	frame, n, err := Decode(buf, DefaultLimits)
	require.NoError(t, err)
	assert.Nil(t, frame)
	assert.Equal(t, 4, n)

	frame, _, err = Decode(buf[n:], DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, SEND, frame.Command())
}

func TestDecodeCRLFLines(t *testing.T) {
	frame, _, err := Decode([]byte("SEND\r\ndestination:/a\r\n\r\nbody\x00"), DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, "/a", frame.Value(HeaderDestination))
	assert.Equal(t, []byte("body"), frame.Body)
}

func TestDecodeFirstHeaderWins(t *testing.T) {
	frame, _, err := Decode([]byte("SEND\ndestination:/a\ndestination:/b\n\n\x00"), DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, "/a", frame.Value(HeaderDestination))
	assert.Len(t, frame.Headers, 2)
}

func TestDecodeConnectHeadersNotUnescaped(t *testing.T) {
	frame, _, err := Decode([]byte("CONNECT\npasscode:a\\cb\n\n\x00"), DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, `a\cb`, frame.Value(HeaderPasscode))
}

func TestDecodeMalformed(t *testing.T) {
	small := Limits{MaxHeaderBytes: 32, MaxHeaders: 2, MaxBodyBytes: 8}
	tests := []struct {
		name   string
		input  string
		limits Limits
		reason string
	}{
		{"bad command", "PUBLISH\n\n\x00", DefaultLimits, "invalid command"},
		{"lowercase command", "send\n\n\x00", DefaultLimits, "invalid command"},
		{"header without colon", "SEND\nnocolon\n\n\x00", DefaultLimits, "header without colon"},
		{"undefined escape", "SEND\nfoo:bar\\t\n\n\x00", DefaultLimits, "undefined escape sequence"},
		{"bad content-length", "SEND\ncontent-length:abc\n\n\x00", DefaultLimits, "invalid content-length"},
		{"content-length without NUL", "SEND\ncontent-length:2\n\nabc\x00", DefaultLimits, "missing NUL terminator after body"},
		{"too many headers", "SEND\na:1\nb:2\nc:3\n\n\x00", small, "more than 2 headers"},
		{"body without NUL past limit", "SEND\n\n0123456789", small, "no NUL terminator within 8 body bytes"},
		{"header section past limit", "SEND\nxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", small, "no end of headers within 32 bytes"},
		{"stray carriage return", "\rSEND\n\n\x00", DefaultLimits, "carriage return without line feed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.input), tt.limits)
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.reason, perr.Reason)
		})
	}
}

func TestProtocolErrorNamesFragment(t *testing.T) {
	_, _, err := Decode([]byte("BOGUS\n\n\x00"), DefaultLimits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"BOGUS"`)
}

func TestEncodeEscapesHeaders(t *testing.T) {
	encoded := Encode(NewFrame(MESSAGE, "a:b", "c\nd"))
	assert.Equal(t, "MESSAGE\na\\cb:c\\nd\n\n\x00", string(encoded))

	encoded = Encode(NewFrame(CONNECTED, "server", "a:b"))
	assert.Equal(t, "CONNECTED\nserver:a:b\n\n\x00", string(encoded))
}

// slowReader hands out one byte per Read call.
type slowReader struct {
	data []byte
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReaderAcrossPartialReads(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(Encode(NewFrame(CONNECT, "accept-version", "1.2")))
	stream.WriteString("\n")
	stream.Write(Encode(NewFrame(SEND, "destination", "/q").WithBody([]byte("x"))))

	r := NewReader(&slowReader{data: stream.Bytes()}, DefaultLimits)

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, CONNECT, frame.Command())

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Nil(t, frame, "expected a heart-beat")

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, SEND, frame.Command())
	assert.Equal(t, []byte("x"), frame.Body)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedFrame(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("SEND\ndestination:/q\n\nabc")), DefaultLimits)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// chunkReader hands out one chunk per Read call and lets the test look at the
// reader between calls.
type chunkReader struct {
	chunks [][]byte
	before func()
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.before()
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestReaderScansDelimitedBodyOnce(t *testing.T) {
	header := "SEND\ndestination:/q\n\n"
	src := &chunkReader{chunks: [][]byte{[]byte(header), []byte("hel"), []byte("lo"), []byte("!\x00")}}
	r := NewReader(src, DefaultLimits)
	type offsets struct{ bodyStart, scanned int }
	var seen []offsets
	src.before = func() { seen = append(seen, offsets{r.bodyStart, r.scanned}) }

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello!"), frame.Body)

	start := len(header)
	assert.Equal(t, []offsets{{0, 0}, {start, start}, {start, start + 3}, {start, start + 5}}, seen)
	assert.Zero(t, r.bodyStart)
	assert.Zero(t, r.scanned)
}

func TestReaderUndelimitedBodyLimit(t *testing.T) {
	data := []byte("SEND\ndestination:/q\n\n0123456789abcdef")
	r := NewReader(&slowReader{data: data}, Limits{MaxBodyBytes: 8})
	_, err := r.ReadFrame()
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestReaderLargeBodyInPieces(t *testing.T) {
	body := bytes.Repeat([]byte("abcdefgh"), 4096)
	var stream bytes.Buffer
	stream.WriteString("SEND\ndestination:/q\n\n")
	stream.Write(body)
	stream.WriteByte(0)
	stream.Write(Encode(NewFrame(SEND, "destination", "/q").WithBody([]byte("next"))))

	r := NewReader(&slowReader{data: stream.Bytes()}, DefaultLimits)
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, body, frame.Body)

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), frame.Body)
}

func TestWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.WriteFrame(NewFrame(RECEIPT, "receipt-id", "1")))
	require.NoError(t, w.WriteHeartbeat())
	assert.Equal(t, 0, out.Len())
	require.NoError(t, w.Flush())
	assert.Equal(t, "RECEIPT\nreceipt-id:1\n\n\x00\n", out.String())
}

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("UNSUBSCRIBE")
	assert.True(t, ok)
	assert.Equal(t, UNSUBSCRIBE, cmd)
	assert.True(t, cmd.FromClient())
	assert.False(t, MESSAGE.FromClient())

	_, ok = ParseCommand("BEGIN")
	assert.False(t, ok)
}
