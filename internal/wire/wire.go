// Package wire implements the HRUFT byte-exact control and data frame
// codec: header marshal/unmarshal, payload structs, and CRC32 validation.
//
// Byte order is little-endian throughout; headers are packed with no
// implicit padding, matching the wire layout of the original C++ HRUFT
// implementation.
package wire

import "errors"

// Magic and version identify the protocol on the wire.
const (
	Magic   uint32 = 0x48525546 // "HRUF"
	Version uint16 = 0x0001
)

// ControlType enumerates control-channel message kinds.
type ControlType uint8

const (
	SYN           ControlType = 0x01
	SynAck        ControlType = 0x02
	ChunkMeta     ControlType = 0x03
	ChunkConfirm  ControlType = 0x04
	ChunkRetry    ControlType = 0x05
	FileDone      ControlType = 0x06
	ChunkNack     ControlType = 0x07
	Heartbeat     ControlType = 0x08
	ErrorType     ControlType = 0xFF
)

// valid reports whether t is a known control type.
func (t ControlType) valid() bool {
	switch t {
	case SYN, SynAck, ChunkMeta, ChunkConfirm, ChunkRetry, FileDone, ChunkNack, Heartbeat, ErrorType:
		return true
	default:
		return false
	}
}

func (t ControlType) String() string {
	switch t {
	case SYN:
		return "SYN"
	case SynAck:
		return "SYN_ACK"
	case ChunkMeta:
		return "CHUNK_META"
	case ChunkConfirm:
		return "CHUNK_CONFIRM"
	case ChunkRetry:
		return "CHUNK_RETRY"
	case FileDone:
		return "FILE_DONE"
	case ChunkNack:
		return "CHUNK_NACK"
	case Heartbeat:
		return "HEARTBEAT"
	case ErrorType:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// PacketFlags are bit flags carried in the data header.
type PacketFlags uint16

const (
	LastPacket PacketFlags = 0x01
	Retransmit PacketFlags = 0x02
	Encrypted  PacketFlags = 0x04
)

func (f PacketFlags) Has(bit PacketFlags) bool { return f&bit != 0 }

// Sizes of the fixed header regions, in bytes: the exact sums of each
// header's packed fields (magic4+version2+type1+chunkId4+payloadLen2+
// reserved2 for control; magic4+version2+chunkId4+seq4+offset8+
// dataLen2+flags2+crc32_4 for data). No padding bytes exist on the
// wire.
const (
	ControlHeaderSize = 15
	DataHeaderSize    = 30

	// MaxDatagramSize is the largest frame HRUFT ever emits on the wire.
	MaxDatagramSize = 65507
)

// Decode error sentinels. Callers treat all five as "drop the packet".
var (
	ErrBadMagic   = errors.New("wire: bad magic")
	ErrBadVersion = errors.New("wire: bad version")
	ErrBadLength  = errors.New("wire: bad length")
	ErrBadCRC     = errors.New("wire: bad crc32")
	ErrBadType    = errors.New("wire: unknown control type")
)

// ControlHeader is the fixed 15-byte control-frame header.
type ControlHeader struct {
	Type       ControlType
	ChunkID    uint32
	PayloadLen uint16
}

// DataHeader is the fixed 30-byte data-frame header. CRC32 covers the
// payload only, in its post-encryption form if encryption is enabled.
type DataHeader struct {
	ChunkID uint32
	Seq     uint32
	Offset  uint64
	DataLen uint16
	Flags   PacketFlags
	CRC32   uint32
}

func (h DataHeader) IsLastPacket() bool { return h.Flags.Has(LastPacket) }
func (h DataHeader) IsRetransmit() bool { return h.Flags.Has(Retransmit) }
func (h DataHeader) IsEncrypted() bool  { return h.Flags.Has(Encrypted) }
