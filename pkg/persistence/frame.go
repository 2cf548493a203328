// Package persistence implements the on-disk formats of the index: the
// snapshot file and the write-ahead log. Both are sequences of CRC-protected
// binary frames.
package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the binary frame protocol.
const (
	// MagicByte is the marker used to identify the start of a valid frame.
	MagicByte = 0xA5

	// HeaderSize is the fixed size of the frame metadata:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	HeaderSize = 10

	// MaxFrameSize bounds the payload length accepted by ReadFrame so a
	// corrupted length field cannot trigger a huge allocation.
	MaxFrameSize = 256 << 20
)

// OpCode identifies the content of a frame.
type OpCode byte

// Write-ahead log opcodes.
const (
	OpInsert  OpCode = 0x01
	OpDelete  OpCode = 0x02
	OpCompact OpCode = 0x03
)

// Snapshot opcodes.
const (
	OpManifest OpCode = 0x10
	OpRecords  OpCode = 0x11
	OpGraph    OpCode = 0x12
	OpTrailer  OpCode = 0x13
)

func (op OpCode) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpCompact:
		return "compact"
	case OpManifest:
		return "manifest"
	case OpRecords:
		return "records"
	case OpGraph:
		return "graph"
	case OpTrailer:
		return "trailer"
	}
	return "unknown"
}

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a frame file.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended abruptly (e.g., power loss during write).
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrFrameTooLarge indicates a length field beyond MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Frame is a decoded frame.
type Frame struct {
	Op      OpCode
	Payload []byte
}

// FrameWriter handles the safe writing of binary frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload into a binary frame and writes it.
// Frame Format: [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func (fw *FrameWriter) WriteFrame(op OpCode, payload []byte) error {
	_, err := fw.w.Write(EncodeFrame(op, payload))
	return err
}

// EncodeFrame returns header and payload in a single buffer, so one Write call
// emits the whole frame.
func EncodeFrame(op OpCode, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = MagicByte
	buf[1] = byte(op)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[6:10], crc32.ChecksumIEEE(payload))
	copy(buf[HeaderSize:], payload)
	return buf
}

// ReadFrame reads the next frame from the reader, validating the magic byte
// and the CRC32 checksum. It returns the frame, the number of bytes consumed
// and an error. A clean end of stream at a frame boundary yields io.EOF.
func ReadFrame(r io.Reader) (Frame, int, error) {
	header := make([]byte, HeaderSize)

	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Frame{}, 0, io.EOF
		}
		// Partial header: the writer died mid-frame.
		return Frame{}, n, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return Frame{}, HeaderSize, ErrInvalidMagic
	}

	op := OpCode(header[1])
	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])
	if length > MaxFrameSize {
		return Frame{}, HeaderSize, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, HeaderSize + n, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return Frame{}, HeaderSize + int(length), ErrChecksumMismatch
	}

	return Frame{Op: op, Payload: payload}, HeaderSize + int(length), nil
}
