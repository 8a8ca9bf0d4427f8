package stomp

import (
	"bytes"
	"strconv"
)

// Frame 定义了完整的STOMP帧结构
type Frame struct {
	command Command
	Headers []Header
	Body    []byte
}

// NewFrame builds a frame; headers are given as name, value pairs.
func NewFrame(command Command, headers ...string) *Frame {
	f := &Frame{command: command}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers = append(f.Headers, Header{Name: headers[i], Value: headers[i+1]})
	}
	return f
}

func (f *Frame) Command() Command {
	return f.command
}

// Get returns the first value for name. Later duplicates are ignored.
func (f *Frame) Get(name string) (string, bool) {
	for _, h := range f.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Value is Get without the presence flag.
func (f *Frame) Value(name string) string {
	v, _ := f.Get(name)
	return v
}

// Add appends a header, keeping any earlier one with the same name significant.
func (f *Frame) Add(name, value string) *Frame {
	f.Headers = append(f.Headers, Header{Name: name, Value: value})
	return f
}

// Set replaces the first header named name, or appends it.
func (f *Frame) Set(name, value string) *Frame {
	for i := range f.Headers {
		if f.Headers[i].Name == name {
			f.Headers[i].Value = value
			return f
		}
	}
	return f.Add(name, value)
}

// WithBody sets the body and a matching content-length header.
func (f *Frame) WithBody(body []byte) *Frame {
	f.Body = body
	return f.Set(HeaderContentLength, strconv.Itoa(len(body)))
}

// Equal compares command, ordered headers and body. A nil body equals an empty one.
func (f *Frame) Equal(o *Frame) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.command != o.command || len(f.Headers) != len(o.Headers) {
		return false
	}
	for i := range f.Headers {
		if f.Headers[i] != o.Headers[i] {
			return false
		}
	}
	return bytes.Equal(f.Body, o.Body)
}

func (f *Frame) String() string {
	return f.command.String()
}
