package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	msg := New(TypePrivateMessage)
	msg.FromID = "alice-id"
	msg.ToID = "bob-id"
	msg.EncryptedData = "c2VjcmV0"
	msg.Nonce = "bm9uY2U="
	require.NoError(t, enc.Encode(msg))

	dec := NewDecoder(&buf)
	got, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, TypePrivateMessage, got.Type)
	assert.Equal(t, "alice-id", got.FromID)
	assert.Equal(t, "bob-id", got.ToID)
	assert.Equal(t, "c2VjcmV0", got.EncryptedData)
	assert.Equal(t, "bm9uY2U=", got.Nonce)
	assert.Greater(t, got.Timestamp, 0.0)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	input := "\n\n" + `{"version":"1.0","type":"ack","timestamp":1}` + "\n\n"
	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeAck, msg.Type)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "this is not json\n"},
		{"json array", "[1,2,3]\n"},
		{"missing type", `{"version":"1.0","timestamp":1}` + "\n"},
		{"missing version", `{"type":"ack","timestamp":1}` + "\n"},
		{"wrong version", `{"version":"9.9","type":"ack","timestamp":1}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input))
			_, err := dec.Next()
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecoderOversizeFrame(t *testing.T) {
	big := `{"version":"1.0","type":"ack","timestamp":1,"message":"` +
		strings.Repeat("x", MaxFrameSize) + `"}` + "\n"
	dec := NewDecoder(strings.NewReader(big))
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDecoderCustomLimit(t *testing.T) {
	frame := `{"version":"1.0","type":"ack","timestamp":1}` + "\n"
	dec := NewDecoderSize(strings.NewReader(frame), 16)
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestEncoderOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(New(TypeAck)))

	line := buf.String()
	assert.NotContains(t, line, "encrypted_data")
	assert.NotContains(t, line, "nickname")
	assert.NotContains(t, line, "password")
	assert.Contains(t, line, `"version":"1.0"`)
	assert.Contains(t, line, `"type":"ack"`)
}
