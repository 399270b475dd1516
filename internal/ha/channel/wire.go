// Package channel implements the replication channel supervisor (C5): the
// leader-side collection of inbound follower channels and the follower-side
// single outbound channel, over a length-prefixed framed TCP protocol.
//
// The wire protocol has no external interop requirement (spec.md treats it
// as an opaque channel contract), so it is kept intentionally small: every
// frame is a 1-byte message type, a 4-byte big-endian payload length, and
// the payload itself.
package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

type frameType byte

const (
	frameHandshake frameType = iota + 1
	frameHandshakeAck
	frameData
	frameHeartbeatAck
)

const maxFramePayload = 32 << 20 // 32MiB, generous ceiling against a corrupt length prefix

type frame struct {
	typ     frameType
	payload []byte
}

func writeFrame(w io.Writer, f frame) error {
	header := make([]byte, 5)
	header[0] = byte(f.typ)
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return frame{}, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFramePayload {
		return frame{}, fmt.Errorf("frame payload %d exceeds ceiling %d", length, maxFramePayload)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return frame{typ: frameType(header[0]), payload: payload}, nil
}

// handshakeMsg is what a follower sends on connect: its declared identity
// and replication state, so the leader can decide a resume offset.
type handshakeMsg struct {
	FollowerAddress string
	LastEpoch       uint32
	OffsetInEpoch   int64
}

func encodeHandshake(h handshakeMsg) []byte {
	addr := []byte(h.FollowerAddress)
	buf := make([]byte, 2+len(addr)+4+8)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(addr)))
	copy(buf[2:], addr)
	off := 2 + len(addr)
	binary.BigEndian.PutUint32(buf[off:], h.LastEpoch)
	binary.BigEndian.PutUint64(buf[off+4:], uint64(h.OffsetInEpoch))
	return buf
}

func decodeHandshake(buf []byte) (handshakeMsg, error) {
	if len(buf) < 2 {
		return handshakeMsg{}, fmt.Errorf("handshake too short")
	}
	addrLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+addrLen+12 {
		return handshakeMsg{}, fmt.Errorf("handshake truncated")
	}
	addr := string(buf[2 : 2+addrLen])
	off := 2 + addrLen
	epoch := binary.BigEndian.Uint32(buf[off:])
	offsetInEpoch := int64(binary.BigEndian.Uint64(buf[off+4:]))
	return handshakeMsg{FollowerAddress: addr, LastEpoch: epoch, OffsetInEpoch: offsetInEpoch}, nil
}

// handshakeAckMsg is the leader's reply: the offset the follower must
// truncate to (or resume from) before applying subsequent data frames.
type handshakeAckMsg struct {
	ResumeOffset int64
}

func encodeHandshakeAck(a handshakeAckMsg) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(a.ResumeOffset))
	return buf
}

func decodeHandshakeAck(buf []byte) (handshakeAckMsg, error) {
	if len(buf) < 8 {
		return handshakeAckMsg{}, fmt.Errorf("handshake ack truncated")
	}
	return handshakeAckMsg{ResumeOffset: int64(binary.BigEndian.Uint64(buf))}, nil
}

// dataMsg carries a chunk of log bytes starting at a known offset (leader
// to follower) or an ack of bytes applied so far (follower to leader,
// reusing the same frame with an empty Bytes slice).
type dataMsg struct {
	StartOffset int64
	Bytes       []byte
}

func encodeData(d dataMsg) []byte {
	buf := make([]byte, 8+len(d.Bytes))
	binary.BigEndian.PutUint64(buf, uint64(d.StartOffset))
	copy(buf[8:], d.Bytes)
	return buf
}

func decodeData(buf []byte) (dataMsg, error) {
	if len(buf) < 8 {
		return dataMsg{}, fmt.Errorf("data frame truncated")
	}
	return dataMsg{StartOffset: int64(binary.BigEndian.Uint64(buf[:8])), Bytes: buf[8:]}, nil
}
