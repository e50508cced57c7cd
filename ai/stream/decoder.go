package stream

import (
	"bytes"
	"errors"
	"io"
	"unicode/utf8"
)

const (
	// EventMarker prefixes every line that carries a payload.
	EventMarker = "data:"
	// DoneSentinel ends the stream without error.
	DoneSentinel = "[DONE]"
	// MaxLineSize bounds a single buffered line.
	MaxLineSize = 1024 * 1024 // 1MB

	readBufferSize = 32 * 1024
)

// ErrMalformedFrame is returned when the framing cannot be decoded.
var ErrMalformedFrame = errors.New("stream: malformed frame")

// Decoder splits network fragments into event payloads.
// A line split across fragments is buffered until its newline arrives.
type Decoder struct {
	buf     []byte
	maxLine int
	done    bool
	err     error
}

// NewDecoder creates a decoder with the default line limit.
func NewDecoder() *Decoder {
	return &Decoder{maxLine: MaxLineSize}
}

// Done reports whether the termination sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed consumes one fragment and returns the payloads of every line it completes.
func (d *Decoder) Feed(fragment []byte) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, fragment...)

	var payloads []string
	consumed := false
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		consumed = true

		payload, ok, err := d.parseLine(line)
		if err != nil {
			return payloads, d.fail(err)
		}
		if !ok {
			continue
		}
		if payload == DoneSentinel {
			d.done = true
			d.buf = nil
			return payloads, nil
		}
		payloads = append(payloads, payload)
	}

	if len(d.buf) > d.maxLine {
		return payloads, d.fail(ErrMalformedFrame)
	}
	if consumed {
		d.buf = append([]byte(nil), d.buf...)
	}
	return payloads, nil
}

// Close flushes an unterminated final line at end of stream.
func (d *Decoder) Close() ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.done || len(d.buf) == 0 {
		return nil, nil
	}
	line := d.buf
	d.buf = nil
	payload, ok, err := d.parseLine(line)
	if err != nil {
		return nil, d.fail(err)
	}
	if !ok {
		return nil, nil
	}
	if payload == DoneSentinel {
		d.done = true
		return nil, nil
	}
	return []string{payload}, nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.buf = nil
	return err
}

func (d *Decoder) parseLine(line []byte) (string, bool, error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) > d.maxLine {
		return "", false, ErrMalformedFrame
	}
	if !bytes.HasPrefix(line, []byte(EventMarker)) {
		return "", false, nil
	}
	payload := line[len(EventMarker):]
	payload = bytes.TrimPrefix(payload, []byte(" "))
	if !utf8.Valid(payload) {
		return "", false, ErrMalformedFrame
	}
	return string(payload), true, nil
}

// Decode reads r fragment by fragment and calls fn for every payload.
// It returns nil once the sentinel is seen or r is exhausted.
func Decode(r io.Reader, fn func(payload string) error) error {
	d := NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			payloads, err := d.Feed(buf[:n])
			for _, p := range payloads {
				if err := fn(p); err != nil {
					return err
				}
			}
			if err != nil {
				return err
			}
			if d.Done() {
				return nil
			}
		}
		if readErr == io.EOF {
			payloads, err := d.Close()
			for _, p := range payloads {
				if err := fn(p); err != nil {
					return err
				}
			}
			return err
		}
		if readErr != nil {
			return readErr
		}
	}
}
