package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxFrameSize bounds a single message. Preview frames are the largest payload.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Framing identifies how a message was delimited on the wire.
type Framing int

const (
	// FramingLength is "<decimal length>\n<payload>".
	FramingLength Framing = iota
	// FramingLine is a single newline-terminated JSON line.
	FramingLine
)

func (f Framing) String() string {
	if f == FramingLine {
		return "line"
	}
	return "length"
}

// Reader reads frames in either framing from a stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64<<10)}
}

// ReadFrame returns the next payload and the framing it arrived in.
// Blank lines between frames are skipped.
func (r *Reader) ReadFrame() ([]byte, Framing, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, FramingLine, err
		}
		if len(line) == 0 {
			continue
		}
		if !isDigits(line) {
			return line, FramingLine, nil
		}

		n, err := strconv.Atoi(string(line))
		if err != nil || n > MaxFrameSize {
			return nil, FramingLength, fmt.Errorf("%w: %s bytes", ErrFrameTooLarge, line)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r.br, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, FramingLength, err
		}
		return payload, FramingLength, nil
	}
}

// readLine reads up to the next '\n', without the terminator or a trailing '\r'.
func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(line)+len(chunk) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			line = bytes.TrimSuffix(line[:len(line)-1], []byte("\r"))
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func isDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// WriteFrame writes payload to w in the given framing with a single Write call.
func WriteFrame(w io.Writer, payload []byte, framing Framing) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var buf []byte
	if framing == FramingLine {
		if bytes.IndexByte(payload, '\n') >= 0 {
			return errors.New("protocol: line frame contains a newline")
		}
		buf = make([]byte, 0, len(payload)+1)
		buf = append(buf, payload...)
		buf = append(buf, '\n')
	} else {
		buf = strconv.AppendInt(make([]byte, 0, len(payload)+12), int64(len(payload)), 10)
		buf = append(buf, '\n')
		buf = append(buf, payload...)
	}
	_, err := w.Write(buf)
	return err
}
