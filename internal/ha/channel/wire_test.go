package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{typ: frameData, payload: []byte("hello")}))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameData, got.typ)
	assert.Equal(t, []byte("hello"), got.payload)
}

func TestFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{typ: frameHeartbeatAck}))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameHeartbeatAck, got.typ)
	assert.Empty(t, got.payload)
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(frameData))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := readFrame(&buf)
	assert.Error(t, err)
}

func TestHandshake_RoundTrip(t *testing.T) {
	h := handshakeMsg{FollowerAddress: "10.0.0.5:9001", LastEpoch: 7, OffsetInEpoch: 12345}
	got, err := decodeHandshake(encodeHandshake(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHandshakeAck_RoundTrip(t *testing.T) {
	a := handshakeAckMsg{ResumeOffset: 98765}
	got, err := decodeHandshakeAck(encodeHandshakeAck(a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestData_RoundTrip(t *testing.T) {
	d := dataMsg{StartOffset: 42, Bytes: []byte("payload-bytes")}
	got, err := decodeData(encodeData(d))
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestData_RoundTrip_EmptyBytes(t *testing.T) {
	d := dataMsg{StartOffset: 42}
	got, err := decodeData(encodeData(d))
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.StartOffset)
	assert.Empty(t, got.Bytes)
}
