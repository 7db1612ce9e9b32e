package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame's payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame header is malformed.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame is a single control-channel message.
//
// Wire layout (9-byte header, big-endian):
//
//	Kind       [1 byte]
//	ConnID     [4 bytes]
//	PayloadLen [4 bytes]
//	Payload    [PayloadLen bytes]
type Frame struct {
	Kind    uint8
	ConnID  uint32
	Payload []byte
}

// Encode serializes the frame to its wire representation.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Kind
	binary.BigEndian.PutUint32(buf[1:5], f.ConnID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes the fixed 9-byte header from buf.
func DecodeHeader(buf []byte) (kind uint8, connID uint32, payloadLen uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	kind = buf[0]
	connID = binary.BigEndian.Uint32(buf[1:5])
	payloadLen = binary.BigEndian.Uint32(buf[5:9])

	if payloadLen > MaxPayloadSize {
		return 0, 0, 0, ErrFrameTooLarge
	}

	return kind, connID, payloadLen, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Kind=%s, ConnID=%d, PayloadLen=%d}",
		KindName(f.Kind), f.ConnID, len(f.Payload))
}

// FrameReader decodes frames from an io.Reader, one at a time, retrying
// short reads until a full frame is available, EOF is reached, or the
// reader errors. It never returns a partial frame.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads and decodes the next frame. EOF before any byte of the
// header, or before any byte of the payload once a full header has been
// read, is surfaced as io.EOF; EOF partway through the header or the
// payload is surfaced as io.ErrUnexpectedEOF (both from io.ReadFull).
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	kind, connID, payloadLen, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{Kind: kind, ConnID: connID, Payload: payload}, nil
}

// FrameWriter encodes and writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a FrameWriter over w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes f and writes it in a single Write call.
func (fw *FrameWriter) WriteFrame(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// Write is a convenience wrapper constructing and writing a Frame.
func (fw *FrameWriter) Write(kind uint8, connID uint32, payload []byte) error {
	return fw.WriteFrame(&Frame{Kind: kind, ConnID: connID, Payload: payload})
}
