package epoch

import "encoding/binary"

// recordSize is the on-disk width of one epoch record: a uint32 epoch
// followed by an int64 startOffset, both big-endian. Fixed width lets load()
// detect a torn tail write with nothing more than a modulo check.
const recordSize = 4 + 8

func encodeRecord(e Entry) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint32(buf[0:4], e.Epoch)
	binary.BigEndian.PutUint64(buf[4:12], uint64(e.StartOffset))
	return buf
}

func decodeRecord(buf []byte) Entry {
	return Entry{
		Epoch:       binary.BigEndian.Uint32(buf[0:4]),
		StartOffset: int64(binary.BigEndian.Uint64(buf[4:12])),
	}
}
