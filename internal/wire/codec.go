package wire

import (
	"encoding/binary"
	"hash/crc32"
)

// EncodeControlHeader serializes a control header to its wire form:
// magic(4) version(2) type(1) chunkId(4) payloadLen(2) reserved(2).
func EncodeControlHeader(h ControlHeader) []byte {
	buf := make([]byte, ControlHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	buf[6] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[7:11], h.ChunkID)
	binary.LittleEndian.PutUint16(buf[11:13], h.PayloadLen)
	// buf[13:15] reserved, left zero
	return buf
}

// DecodeControlHeader parses the control header from buf.
func DecodeControlHeader(buf []byte) (ControlHeader, error) {
	var h ControlHeader
	if len(buf) < ControlHeaderSize {
		return h, ErrBadLength
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return h, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != Version {
		return h, ErrBadVersion
	}
	t := ControlType(buf[6])
	if !t.valid() {
		return h, ErrBadType
	}
	h.Type = t
	h.ChunkID = binary.LittleEndian.Uint32(buf[7:11])
	h.PayloadLen = binary.LittleEndian.Uint16(buf[11:13])
	return h, nil
}

// EncodeControlFrame builds a complete control frame (header + payload).
func EncodeControlFrame(t ControlType, chunkID uint32, payload []byte) []byte {
	h := ControlHeader{Type: t, ChunkID: chunkID, PayloadLen: uint16(len(payload))}
	buf := make([]byte, ControlHeaderSize+len(payload))
	copy(buf, EncodeControlHeader(h))
	copy(buf[ControlHeaderSize:], payload)
	return buf
}

// DecodeControlFrame parses a complete control frame, validating that the
// declared payload length matches the datagram length.
func DecodeControlFrame(buf []byte) (ControlHeader, []byte, error) {
	h, err := DecodeControlHeader(buf)
	if err != nil {
		return h, nil, err
	}
	rest := buf[ControlHeaderSize:]
	if int(h.PayloadLen) != len(rest) {
		return h, nil, ErrBadLength
	}
	payload := make([]byte, len(rest))
	copy(payload, rest)
	return h, payload, nil
}

// ChecksumPayload computes the IEEE 802.3 CRC32 HRUFT uses over data
// payload bytes (poly 0xEDB88320 reflected, init/final-xor 0xFFFFFFFF).
func ChecksumPayload(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// EncodeDataHeader serializes a data header to its wire form: magic(4)
// version(2) chunkId(4) seq(4) offset(8) dataLen(2) flags(2) crc32(4).
// h.DataLen and h.CRC32 are written as given; neither is computed here
// (EncodeDataFrame fills both from the payload).
func EncodeDataHeader(h DataHeader) []byte {
	buf := make([]byte, DataHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint32(buf[6:10], h.ChunkID)
	binary.LittleEndian.PutUint32(buf[10:14], h.Seq)
	binary.LittleEndian.PutUint64(buf[14:22], h.Offset)
	binary.LittleEndian.PutUint16(buf[22:24], h.DataLen)
	binary.LittleEndian.PutUint16(buf[24:26], uint16(h.Flags))
	binary.LittleEndian.PutUint32(buf[26:30], h.CRC32)
	return buf
}

// DecodeDataHeader parses the data header from buf. It does not validate
// CRC32 against any payload; use DecodeDataFrame for that.
func DecodeDataHeader(buf []byte) (DataHeader, error) {
	var h DataHeader
	if len(buf) < DataHeaderSize {
		return h, ErrBadLength
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return h, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != Version {
		return h, ErrBadVersion
	}
	h.ChunkID = binary.LittleEndian.Uint32(buf[6:10])
	h.Seq = binary.LittleEndian.Uint32(buf[10:14])
	h.Offset = binary.LittleEndian.Uint64(buf[14:22])
	h.DataLen = binary.LittleEndian.Uint16(buf[22:24])
	h.Flags = PacketFlags(binary.LittleEndian.Uint16(buf[24:26]))
	h.CRC32 = binary.LittleEndian.Uint32(buf[26:30])
	return h, nil
}

// EncodeDataFrame builds a complete data frame: header followed by the
// payload bytes, with CRC32 computed over the payload as given (the
// caller passes already-encrypted bytes when encryption is enabled, since
// CRC32 covers the on-wire payload).
func EncodeDataFrame(chunkID, seq uint32, offset uint64, payload []byte, flags PacketFlags) []byte {
	h := DataHeader{
		ChunkID: chunkID,
		Seq:     seq,
		Offset:  offset,
		DataLen: uint16(len(payload)),
		Flags:   flags,
		CRC32:   ChecksumPayload(payload),
	}
	buf := make([]byte, DataHeaderSize+len(payload))
	copy(buf, EncodeDataHeader(h))
	copy(buf[DataHeaderSize:], payload)
	return buf
}

// DecodeDataFrame parses a complete data frame, validating that the
// declared data length matches the datagram and that the payload's CRC32
// matches the header's declared value.
func DecodeDataFrame(buf []byte) (DataHeader, []byte, error) {
	h, err := DecodeDataHeader(buf)
	if err != nil {
		return h, nil, err
	}
	rest := buf[DataHeaderSize:]
	if int(h.DataLen) != len(rest) {
		return h, nil, ErrBadLength
	}
	if ChecksumPayload(rest) != h.CRC32 {
		return h, nil, ErrBadCRC
	}
	payload := make([]byte, len(rest))
	copy(payload, rest)
	return h, payload, nil
}
