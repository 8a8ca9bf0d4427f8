package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrIncomplete is returned by Decode when the buffer ends before the frame does.
// Nothing is consumed; the caller should read more bytes and try again.
var ErrIncomplete = errors.New("stomp: incomplete frame")

// ProtocolError reports a malformed frame together with the offending fragment.
type ProtocolError struct {
	Reason   string
	Fragment string
}

func (e *ProtocolError) Error() string {
	if e.Fragment == "" {
		return "malformed frame: " + e.Reason
	}
	return fmt.Sprintf("malformed frame: %s (near %q)", e.Reason, e.Fragment)
}

func protocolError(reason string, fragment []byte) *ProtocolError {
	const maxFragment = 32
	if len(fragment) > maxFragment {
		fragment = fragment[:maxFragment]
	}
	return &ProtocolError{Reason: reason, Fragment: string(fragment)}
}

func (l Limits) withDefaults() Limits {
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = DefaultLimits.MaxHeaderBytes
	}
	if l.MaxHeaders <= 0 {
		l.MaxHeaders = DefaultLimits.MaxHeaders
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = DefaultLimits.MaxBodyBytes
	}
	return l
}

// Decode parses one frame from the start of buf.
//
// Leading EOLs are heart-beats: they are consumed on their own and reported as a nil
// frame with a positive count. A partial frame yields ErrIncomplete and zero consumed.
// The returned frame never aliases buf.
func Decode(buf []byte, limits Limits) (*Frame, int, error) {
	frame, n, _, err := decode(buf, limits)
	return frame, n, err
}

// decode is Decode that also reports where a NUL terminated body starts when the
// frame is only missing the rest of that body, 0 otherwise.
func decode(buf []byte, limits Limits) (*Frame, int, int, error) {
	limits = limits.withDefaults()

	if n, err := skipHeartbeats(buf); err != nil || n > 0 {
		return nil, n, 0, err
	}
	if len(buf) == 0 {
		return nil, 0, 0, ErrIncomplete
	}

	line, pos, err := nextLine(buf, 0, limits)
	if err != nil {
		return nil, 0, 0, err
	}
	command, ok := ParseCommand(string(line))
	if !ok {
		return nil, 0, 0, protocolError("invalid command", line)
	}

	frame := &Frame{command: command}
	for {
		line, pos, err = nextLine(buf, pos, limits)
		if err != nil {
			return nil, 0, 0, err
		}
		if len(line) == 0 {
			break
		}
		if len(frame.Headers) >= limits.MaxHeaders {
			return nil, 0, 0, protocolError(fmt.Sprintf("more than %d headers", limits.MaxHeaders), line)
		}
		header, err := parseHeader(line, command.escapesHeaders())
		if err != nil {
			return nil, 0, 0, err
		}
		frame.Headers = append(frame.Headers, header)
	}

	body, end, err := readBody(buf, pos, frame, limits)
	if err != nil {
		if _, sized := frame.Get(HeaderContentLength); errors.Is(err, ErrIncomplete) && !sized {
			return nil, 0, pos, err
		}
		return nil, 0, 0, err
	}
	if len(body) > 0 {
		frame.Body = make([]byte, len(body))
		copy(frame.Body, body)
	}
	return frame, end, 0, nil
}

// skipHeartbeats counts the EOL bytes at the start of buf.
func skipHeartbeats(buf []byte) (int, error) {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case '\n':
			i++
		case '\r':
			if i+1 == len(buf) {
				if i == 0 {
					return 0, ErrIncomplete
				}
				return i, nil
			}
			if buf[i+1] != '\n' {
				return 0, protocolError("carriage return without line feed", buf[i:])
			}
			i += 2
		default:
			return i, nil
		}
	}
	return i, nil
}

// nextLine returns the line starting at pos without its EOL, and the offset after it.
func nextLine(buf []byte, pos int, limits Limits) ([]byte, int, error) {
	idx := bytes.IndexByte(buf[pos:], '\n')
	if idx < 0 {
		if len(buf) > limits.MaxHeaderBytes {
			return nil, 0, protocolError(fmt.Sprintf("no end of headers within %d bytes", limits.MaxHeaderBytes), buf[pos:])
		}
		return nil, 0, ErrIncomplete
	}
	end := pos + idx + 1
	if end > limits.MaxHeaderBytes {
		return nil, 0, protocolError(fmt.Sprintf("headers exceed %d bytes", limits.MaxHeaderBytes), buf[pos:])
	}
	line := buf[pos : pos+idx]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, end, nil
}

func parseHeader(line []byte, escaped bool) (Header, error) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return Header{}, protocolError("header without colon", line)
	}
	name, value := string(line[:idx]), string(line[idx+1:])
	if !escaped {
		return Header{Name: name, Value: value}, nil
	}
	var err error
	if name, err = unescape(name); err != nil {
		return Header{}, err
	}
	if value, err = unescape(value); err != nil {
		return Header{}, err
	}
	return Header{Name: name, Value: value}, nil
}

func readBody(buf []byte, pos int, frame *Frame, limits Limits) ([]byte, int, error) {
	if raw, ok := frame.Get(HeaderContentLength); ok {
		length, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || length < 0 {
			return nil, 0, protocolError("invalid content-length", []byte(raw))
		}
		if length > limits.MaxBodyBytes {
			return nil, 0, protocolError(fmt.Sprintf("body exceeds %d bytes", limits.MaxBodyBytes), []byte(raw))
		}
		if len(buf) < pos+length+1 {
			return nil, 0, ErrIncomplete
		}
		if buf[pos+length] != 0 {
			return nil, 0, protocolError("missing NUL terminator after body", buf[pos+length:])
		}
		return buf[pos : pos+length], pos + length + 1, nil
	}

	idx := bytes.IndexByte(buf[pos:], 0)
	if idx < 0 {
		if len(buf)-pos > limits.MaxBodyBytes {
			return nil, 0, protocolError(fmt.Sprintf("no NUL terminator within %d body bytes", limits.MaxBodyBytes), buf[pos:])
		}
		return nil, 0, ErrIncomplete
	}
	return buf[pos : pos+idx], pos + idx + 1, nil
}

// Encode serialises f. Header values are escaped unless the command is CONNECT,
// STOMP or CONNECTED. Bodies containing NUL need a content-length header to
// survive a round trip.
func Encode(f *Frame) []byte {
	var b bytes.Buffer
	b.Grow(64 + len(f.Body))
	b.WriteString(f.command.String())
	b.WriteByte('\n')
	escaped := f.command.escapesHeaders()
	for _, h := range f.Headers {
		if escaped {
			b.WriteString(escape(h.Name))
			b.WriteByte(':')
			b.WriteString(escape(h.Value))
		} else {
			b.WriteString(h.Name)
			b.WriteByte(':')
			b.WriteString(h.Value)
		}
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, ":", `\c`)

func escape(s string) string {
	if !strings.ContainsAny(s, "\\\n\r:") {
		return s
	}
	return escaper.Replace(s)
}

func unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 == len(s) {
			return "", protocolError("dangling escape", []byte(s))
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", protocolError("undefined escape sequence", []byte(s[i-1:]))
		}
	}
	return b.String(), nil
}
