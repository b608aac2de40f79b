package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestControlFrameRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	frame := EncodeControlFrame(ChunkMeta, 42, payload)

	h, got, err := DecodeControlFrame(frame)
	if err != nil {
		t.Fatalf("DecodeControlFrame returned error: %v", err)
	}
	if h.Type != ChunkMeta {
		t.Fatalf("Type = %v, want %v", h.Type, ChunkMeta)
	}
	if h.ChunkID != 42 {
		t.Fatalf("ChunkID = %d, want 42", h.ChunkID)
	}
	if h.PayloadLen != uint16(len(payload)) {
		t.Fatalf("PayloadLen = %d, want %d", h.PayloadLen, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestControlFrameEmptyPayload(t *testing.T) {
	frame := EncodeControlFrame(Heartbeat, 0, nil)
	h, got, err := DecodeControlFrame(frame)
	if err != nil {
		t.Fatalf("DecodeControlFrame returned error: %v", err)
	}
	if h.Type != Heartbeat {
		t.Fatalf("Type = %v, want Heartbeat", h.Type)
	}
	if len(got) != 0 {
		t.Fatalf("payload = %v, want empty", got)
	}
}

func TestControlFrameBadMagic(t *testing.T) {
	frame := EncodeControlFrame(SYN, 1, nil)
	frame[0] ^= 0xFF
	if _, _, err := DecodeControlFrame(frame); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestControlFrameBadVersion(t *testing.T) {
	frame := EncodeControlFrame(SYN, 1, nil)
	frame[4] ^= 0xFF
	if _, _, err := DecodeControlFrame(frame); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("err = %v, want ErrBadVersion", err)
	}
}

func TestControlFrameBadType(t *testing.T) {
	frame := EncodeControlFrame(SYN, 1, nil)
	frame[6] = 0x7E
	if _, _, err := DecodeControlFrame(frame); !errors.Is(err, ErrBadType) {
		t.Fatalf("err = %v, want ErrBadType", err)
	}
}

func TestControlFrameTruncated(t *testing.T) {
	frame := EncodeControlFrame(SYN, 1, []byte("abc"))
	short := frame[:len(frame)-1]
	if _, _, err := DecodeControlFrame(short); !errors.Is(err, ErrBadLength) {
		t.Fatalf("err = %v, want ErrBadLength", err)
	}
}

func TestDataFrameRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox")
	frame := EncodeDataFrame(7, 3, 1024, payload, LastPacket)

	h, got, err := DecodeDataFrame(frame)
	if err != nil {
		t.Fatalf("DecodeDataFrame returned error: %v", err)
	}
	if h.ChunkID != 7 || h.Seq != 3 || h.Offset != 1024 {
		t.Fatalf("header fields wrong: %+v", h)
	}
	if !h.IsLastPacket() {
		t.Fatalf("IsLastPacket() = false, want true")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestDataFrameCRCFlipDetected(t *testing.T) {
	frame := EncodeDataFrame(1, 0, 0, []byte("payload bytes"), 0)
	// Flip one bit inside the payload region, past the header.
	frame[DataHeaderSize] ^= 0x01

	if _, _, err := DecodeDataFrame(frame); !errors.Is(err, ErrBadCRC) {
		t.Fatalf("err = %v, want ErrBadCRC", err)
	}
}

func TestDataFrameHeaderSize(t *testing.T) {
	frame := EncodeDataFrame(0, 0, 0, nil, 0)
	if len(frame) != DataHeaderSize {
		t.Fatalf("len(frame) = %d, want DataHeaderSize (%d)", len(frame), DataHeaderSize)
	}
}

func TestDataFrameTruncated(t *testing.T) {
	frame := EncodeDataFrame(1, 0, 0, []byte("abc"), 0)
	short := frame[:len(frame)-1]
	if _, _, err := DecodeDataFrame(short); !errors.Is(err, ErrBadLength) {
		t.Fatalf("err = %v, want ErrBadLength", err)
	}
}

func TestSynPayloadRoundTrip(t *testing.T) {
	p := SynPayload{FileSize: 123456, ChunkSize: 4 << 20, TotalChunks: 30, Filename: "archive.tar.gz"}
	got, err := DecodeSynPayload(EncodeSynPayload(p))
	if err != nil {
		t.Fatalf("DecodeSynPayload returned error: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestSynAckPayloadRoundTrip(t *testing.T) {
	p := SynAckPayload{AvailableSpace: 99999, MaxChunkSize: 65536, Accept: true, Reason: ""}
	got, err := DecodeSynAckPayload(EncodeSynAckPayload(p))
	if err != nil {
		t.Fatalf("DecodeSynAckPayload returned error: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}

	rejected := SynAckPayload{Accept: false, Reason: "insufficient disk space"}
	got2, err := DecodeSynAckPayload(EncodeSynAckPayload(rejected))
	if err != nil {
		t.Fatalf("DecodeSynAckPayload returned error: %v", err)
	}
	if got2 != rejected {
		t.Fatalf("got %+v, want %+v", got2, rejected)
	}
}

func TestSynAckPayloadFixedWidth(t *testing.T) {
	// The reason field is a fixed 256-byte NUL-terminated region, so
	// every SYN_ACK payload is exactly 269 bytes regardless of reason.
	short := EncodeSynAckPayload(SynAckPayload{Reason: "no"})
	if len(short) != 269 {
		t.Fatalf("len = %d, want 269", len(short))
	}
	long := EncodeSynAckPayload(SynAckPayload{Reason: strings.Repeat("x", 400)})
	if len(long) != 269 {
		t.Fatalf("len = %d, want 269", len(long))
	}
	got, err := DecodeSynAckPayload(long)
	if err != nil {
		t.Fatalf("DecodeSynAckPayload: %v", err)
	}
	if len(got.Reason) != 255 {
		t.Fatalf("decoded reason length = %d, want 255 (truncated to fit the NUL)", len(got.Reason))
	}
}

func TestChunkMetaPayloadRoundTrip(t *testing.T) {
	p := ChunkMetaPayload{PacketCount: 2926}
	for i := range p.Hash {
		p.Hash[i] = byte(i)
	}
	got, err := DecodeChunkMetaPayload(EncodeChunkMetaPayload(p))
	if err != nil {
		t.Fatalf("DecodeChunkMetaPayload returned error: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestChunkNackPayloadRoundTrip(t *testing.T) {
	p := ChunkNackPayload{MissingPackets: []uint32{1, 5, 9, 1000}}
	got, err := DecodeChunkNackPayload(EncodeChunkNackPayload(p))
	if err != nil {
		t.Fatalf("DecodeChunkNackPayload returned error: %v", err)
	}
	if len(got.MissingPackets) != len(p.MissingPackets) {
		t.Fatalf("len = %d, want %d", len(got.MissingPackets), len(p.MissingPackets))
	}
	for i := range p.MissingPackets {
		if got.MissingPackets[i] != p.MissingPackets[i] {
			t.Fatalf("MissingPackets[%d] = %d, want %d", i, got.MissingPackets[i], p.MissingPackets[i])
		}
	}
}

func TestChunkNackPayloadEmpty(t *testing.T) {
	got, err := DecodeChunkNackPayload(EncodeChunkNackPayload(ChunkNackPayload{}))
	if err != nil {
		t.Fatalf("DecodeChunkNackPayload returned error: %v", err)
	}
	if len(got.MissingPackets) != 0 {
		t.Fatalf("MissingPackets = %v, want empty", got.MissingPackets)
	}
}

func TestFileDonePayloadRoundTrip(t *testing.T) {
	var p FileDonePayload
	for i := range p.FileHash {
		p.FileHash[i] = byte(255 - i)
	}
	got, err := DecodeFileDonePayload(EncodeFileDonePayload(p))
	if err != nil {
		t.Fatalf("DecodeFileDonePayload returned error: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestControlTypeString(t *testing.T) {
	cases := map[ControlType]string{
		SYN:       "SYN",
		SynAck:    "SYN_ACK",
		ChunkMeta: "CHUNK_META",
		ErrorType: "ERROR",
		0x7E:      "UNKNOWN",
	}
	for ct, want := range cases {
		if got := ct.String(); got != want {
			t.Fatalf("ControlType(%d).String() = %q, want %q", ct, got, want)
		}
	}
}
