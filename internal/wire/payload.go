package wire

import "encoding/binary"

// SynPayload is carried by a SYN control frame: the sender announces the
// file it intends to transfer.
type SynPayload struct {
	FileSize    uint64
	ChunkSize   uint32
	TotalChunks uint32
	Filename    string
}

// EncodeSynPayload serializes p: file_size(8) chunk_size(4) total_chunks(4)
// filename_len(2) filename(variable, not NUL-terminated).
func EncodeSynPayload(p SynPayload) []byte {
	name := []byte(p.Filename)
	buf := make([]byte, 18+len(name))
	binary.LittleEndian.PutUint64(buf[0:8], p.FileSize)
	binary.LittleEndian.PutUint32(buf[8:12], p.ChunkSize)
	binary.LittleEndian.PutUint32(buf[12:16], p.TotalChunks)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(len(name)))
	copy(buf[18:], name)
	return buf
}

// DecodeSynPayload parses a SYN payload produced by EncodeSynPayload.
func DecodeSynPayload(buf []byte) (SynPayload, error) {
	var p SynPayload
	if len(buf) < 18 {
		return p, ErrBadLength
	}
	p.FileSize = binary.LittleEndian.Uint64(buf[0:8])
	p.ChunkSize = binary.LittleEndian.Uint32(buf[8:12])
	p.TotalChunks = binary.LittleEndian.Uint32(buf[12:16])
	nameLen := int(binary.LittleEndian.Uint16(buf[16:18]))
	if len(buf) != 18+nameLen {
		return p, ErrBadLength
	}
	p.Filename = string(buf[18 : 18+nameLen])
	return p, nil
}

// SynAckPayload is carried by a SYN_ACK control frame: the receiver's
// response to a transfer proposal.
type SynAckPayload struct {
	AvailableSpace uint64
	MaxChunkSize   uint32
	Accept         bool
	Reason         string
}

// synAckReasonSize is the fixed NUL-terminated reason field width.
const synAckReasonSize = 256

// synAckPayloadSize is available_space(8) + max_chunk_size(4) +
// accept(1) + reason(256).
const synAckPayloadSize = 13 + synAckReasonSize

// EncodeSynAckPayload serializes p: available_space(8) max_chunk_size(4)
// accept(1) reason[256] (NUL-terminated, truncated to 255 chars).
func EncodeSynAckPayload(p SynAckPayload) []byte {
	buf := make([]byte, synAckPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.AvailableSpace)
	binary.LittleEndian.PutUint32(buf[8:12], p.MaxChunkSize)
	if p.Accept {
		buf[12] = 1
	}
	reason := p.Reason
	if len(reason) >= synAckReasonSize {
		reason = reason[:synAckReasonSize-1]
	}
	copy(buf[13:], reason)
	return buf
}

// DecodeSynAckPayload parses a SYN_ACK payload.
func DecodeSynAckPayload(buf []byte) (SynAckPayload, error) {
	var p SynAckPayload
	if len(buf) != synAckPayloadSize {
		return p, ErrBadLength
	}
	p.AvailableSpace = binary.LittleEndian.Uint64(buf[0:8])
	p.MaxChunkSize = binary.LittleEndian.Uint32(buf[8:12])
	p.Accept = buf[12] != 0
	reason := buf[13:]
	end := 0
	for end < len(reason) && reason[end] != 0 {
		end++
	}
	p.Reason = string(reason[:end])
	return p, nil
}

// ChunkMetaPayload is carried by a CHUNK_META control frame: the sender
// announces the expected hash and packet count for a chunk about to be
// transferred over the data channel.
type ChunkMetaPayload struct {
	Hash        [32]byte
	PacketCount uint32
}

// EncodeChunkMetaPayload serializes p: hash(32) packet_count(4).
func EncodeChunkMetaPayload(p ChunkMetaPayload) []byte {
	buf := make([]byte, 36)
	copy(buf[0:32], p.Hash[:])
	binary.LittleEndian.PutUint32(buf[32:36], p.PacketCount)
	return buf
}

// DecodeChunkMetaPayload parses a CHUNK_META payload.
func DecodeChunkMetaPayload(buf []byte) (ChunkMetaPayload, error) {
	var p ChunkMetaPayload
	if len(buf) != 36 {
		return p, ErrBadLength
	}
	copy(p.Hash[:], buf[0:32])
	p.PacketCount = binary.LittleEndian.Uint32(buf[32:36])
	return p, nil
}

// ChunkNackPayload is carried by a CHUNK_NACK control frame: the receiver
// requests retransmission of specific sequence numbers within a chunk.
type ChunkNackPayload struct {
	MissingPackets []uint32
}

// EncodeChunkNackPayload serializes p: missing_count(4) missing_packets(4 each).
func EncodeChunkNackPayload(p ChunkNackPayload) []byte {
	buf := make([]byte, 4+4*len(p.MissingPackets))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(p.MissingPackets)))
	for i, seq := range p.MissingPackets {
		off := 4 + 4*i
		binary.LittleEndian.PutUint32(buf[off:off+4], seq)
	}
	return buf
}

// DecodeChunkNackPayload parses a CHUNK_NACK payload.
func DecodeChunkNackPayload(buf []byte) (ChunkNackPayload, error) {
	var p ChunkNackPayload
	if len(buf) < 4 {
		return p, ErrBadLength
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) != 4+4*count {
		return p, ErrBadLength
	}
	p.MissingPackets = make([]uint32, count)
	for i := 0; i < count; i++ {
		off := 4 + 4*i
		p.MissingPackets[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return p, nil
}

// FileDonePayload is carried by a FILE_DONE control frame: the sender's
// final whole-file hash, checked by the receiver after all chunks verify.
type FileDonePayload struct {
	FileHash [32]byte
}

// EncodeFileDonePayload serializes p: file_hash(32).
func EncodeFileDonePayload(p FileDonePayload) []byte {
	buf := make([]byte, 32)
	copy(buf, p.FileHash[:])
	return buf
}

// DecodeFileDonePayload parses a FILE_DONE payload.
func DecodeFileDonePayload(buf []byte) (FileDonePayload, error) {
	var p FileDonePayload
	if len(buf) != 32 {
		return p, ErrBadLength
	}
	copy(p.FileHash[:], buf)
	return p, nil
}
