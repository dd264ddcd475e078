package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrame_MixedFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"id":1,"command":"query_capabilities"}`), FramingLength))
	require.NoError(t, WriteFrame(&buf, []byte(`{"id":2,"command":"flash_sync"}`), FramingLine))
	buf.WriteString("\r\n\n")
	require.NoError(t, WriteFrame(&buf, []byte(`{"v":1,"type":"cmd","id":3,"command":"time_sync"}`), FramingLength))

	r := NewReader(&buf)

	payload, framing, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FramingLength, framing)
	assert.JSONEq(t, `{"id":1,"command":"query_capabilities"}`, string(payload))

	payload, framing, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FramingLine, framing)
	assert.JSONEq(t, `{"id":2,"command":"flash_sync"}`, string(payload))

	payload, framing, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FramingLength, framing)
	assert.Contains(t, string(payload), "time_sync")

	_, _, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_PayloadWithNewlines(t *testing.T) {
	payload := "{\n  \"id\": 4,\n  \"command\": \"stop_recording\"\n}"
	r := NewReader(strings.NewReader("44\n" + payload))

	got, framing, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FramingLength, framing)
	assert.Equal(t, payload, string(got))
}

func TestReadFrame_TooLarge(t *testing.T) {
	r := NewReader(strings.NewReader("99999999999\n{}"))
	_, _, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrame_Truncated(t *testing.T) {
	tests := map[string]string{
		"short payload":     "10\n{}",
		"unterminated line": `{"id":1`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := NewReader(strings.NewReader(input)).ReadFrame()
			assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
		})
	}
}

func TestReadFrame_LongLegacyLine(t *testing.T) {
	long := `{"blob":"` + strings.Repeat("x", 200<<10) + `"}`
	r := NewReader(strings.NewReader(long + "\n"))

	got, framing, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FramingLine, framing)
	assert.Len(t, got, len(long))
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"a":1}`), FramingLength))
	assert.Equal(t, "7\n{\"a\":1}", buf.String())

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, []byte(`{"a":1}`), FramingLine))
	assert.Equal(t, "{\"a\":1}\n", buf.String())

	assert.Error(t, WriteFrame(&buf, []byte("{\n}"), FramingLine))
}
