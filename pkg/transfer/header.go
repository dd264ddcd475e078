package transfer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bft-labs/spokesync/internal/domain"
)

// maxHeaderLine bounds the header and reply lines.
const maxHeaderLine = 64 << 10

// Header is the first line of a transfer connection.
type Header struct {
	SessionID   string      `json:"session_id"`
	DeviceID    string      `json:"device_id,omitempty"`
	Filename    string      `json:"filename"`
	Size        *int64      `json:"size,omitempty"`
	Compression Compression `json:"compression,omitempty"`
}

// Validate checks that the header names a usable session and file.
func (h *Header) Validate() error {
	if err := domain.ValidateSessionID(h.SessionID); err != nil {
		return err
	}
	if !domain.IsPathSegment(h.Filename) {
		return fmt.Errorf("transfer: invalid filename %q", h.Filename)
	}
	if h.DeviceID != "" && !domain.IsPathSegment(h.DeviceID) {
		return fmt.Errorf("transfer: invalid device id %q", h.DeviceID)
	}
	if h.Size != nil && *h.Size < 0 {
		return fmt.Errorf("transfer: negative size %d", *h.Size)
	}
	if _, err := ParseCompression(string(h.Compression)); err != nil {
		return err
	}
	return nil
}

// Reply is the receiver's answer after the payload is stored.
type Reply struct {
	Status  string `json:"status"`
	Size    int64  `json:"size,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func readLine(r *bufio.Reader, v any) error {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		line = append(line, chunk...)
		if len(line) > maxHeaderLine {
			return fmt.Errorf("transfer: line exceeds %d bytes", maxHeaderLine)
		}
		if !isPrefix {
			break
		}
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("transfer: malformed line: %w", err)
	}
	return nil
}
