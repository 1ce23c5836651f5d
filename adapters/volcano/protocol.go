// Package volcano implements the streaming speech recognition protocol used
// by the Volcano Engine "sauc" bigmodel endpoint: binary frames with a 4-byte
// header, big-endian sequence numbers, and gzip-compressed JSON payloads.
package volcano

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Protocol header nibbles. The header is always exactly 4 bytes:
// byte 0: protocol version | header length in 32-bit words
// byte 1: message type | message-type specific flags
// byte 2: serialization kind | compression kind
// byte 3: reserved
const (
	protocolVersion = 0b0001
	headerWords     = 1

	msgTypeFullClient  = 0b0001
	msgTypeAudioOnly   = 0b0010
	msgTypeFullServer  = 0b1001
	msgTypeServerError = 0b1111

	flagNoSequence      = 0b0000
	flagPosSequence     = 0b0001
	flagNegSequence     = 0b0010
	flagNegWithSequence = 0b0011

	serializationJSON = 0b0001
	compressionNone   = 0b0000
	compressionGzip   = 0b0001
)

// DecodeError reports a malformed or truncated server frame. The frame length
// is carried for diagnostics; the raw bytes themselves are not retained.
type DecodeError struct {
	Reason   string
	FrameLen int
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame (%d bytes): %s: %v", e.FrameLen, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode frame (%d bytes): %s", e.FrameLen, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ServerError is a non-zero response code reported by the recognizer,
// carrying the decoded error payload when the server supplied one.
type ServerError struct {
	Code    int32
	Payload []byte
}

func (e *ServerError) Error() string {
	if len(e.Payload) > 0 {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Payload)
	}
	return fmt.Sprintf("server error %d", e.Code)
}

// ServerResponse is one decoded server frame.
type ServerResponse struct {
	MessageType   byte
	Sequence      int32
	Event         int32
	IsLastPackage bool
	Code          int32
	PayloadSize   uint32
	// Payload holds the decompressed JSON payload bytes, empty for pure
	// acknowledgement frames.
	Payload []byte
}

// IsError reports whether the frame is a server-error-response.
func (r *ServerResponse) IsError() bool { return r.MessageType == msgTypeServerError }

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func buildHeader(messageType, flags byte) []byte {
	return []byte{
		protocolVersion<<4 | headerWords,
		messageType<<4 | flags,
		serializationJSON<<4 | compressionGzip,
		0x00,
	}
}

func buildFrame(header []byte, seq int32, payload []byte) []byte {
	frame := make([]byte, 0, len(header)+8+len(payload))
	frame = append(frame, header...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(seq))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	return append(frame, payload...)
}

// EncodeFullClientRequest builds the initial configuration frame. The payload
// object is JSON-serialized and gzip-compressed; the frame always carries a
// positive sequence number.
func EncodeFullClientRequest(seq int32, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal full client request: %w", err)
	}
	compressed, err := gzipCompress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress full client request: %w", err)
	}
	return buildFrame(buildHeader(msgTypeFullClient, flagPosSequence), seq, compressed), nil
}

// EncodeAudioRequest builds one audio-only frame. The final segment is flagged
// negative-with-sequence and carries the negated sequence value; this is the
// end-of-stream signal understood by the server.
func EncodeAudioRequest(seq int32, audio []byte, last bool) ([]byte, error) {
	flags := byte(flagPosSequence)
	if last {
		flags = flagNegWithSequence
		seq = -seq
	}
	compressed, err := gzipCompress(audio)
	if err != nil {
		return nil, fmt.Errorf("compress audio segment: %w", err)
	}
	return buildFrame(buildHeader(msgTypeAudioOnly, flags), seq, compressed), nil
}

// DecodeFrame parses one server frame. Malformed input is reported as a
// *DecodeError, never silently swallowed. The payload is decompressed only
// when the compression nibble says gzip; the server legitimately sends some
// responses uncompressed.
func DecodeFrame(data []byte) (*ServerResponse, error) {
	if len(data) < 4 {
		return nil, &DecodeError{Reason: "frame shorter than header", FrameLen: len(data)}
	}

	headerSize := int(data[0]&0x0f) * 4
	if headerSize < 4 || len(data) < headerSize {
		return nil, &DecodeError{Reason: "truncated header", FrameLen: len(data)}
	}

	resp := &ServerResponse{MessageType: data[1] >> 4}
	flags := data[1] & 0x0f
	serialization := data[2] >> 4
	compression := data[2] & 0x0f
	payload := data[headerSize:]

	next := func(n int) ([]byte, bool) {
		if len(payload) < n {
			return nil, false
		}
		field := payload[:n]
		payload = payload[n:]
		return field, true
	}

	if flags&0x01 != 0 {
		field, ok := next(4)
		if !ok {
			return nil, &DecodeError{Reason: "truncated sequence field", FrameLen: len(data)}
		}
		resp.Sequence = int32(binary.BigEndian.Uint32(field))
	}
	if flags&0x02 != 0 {
		resp.IsLastPackage = true
	}
	if flags&0x04 != 0 {
		field, ok := next(4)
		if !ok {
			return nil, &DecodeError{Reason: "truncated event field", FrameLen: len(data)}
		}
		resp.Event = int32(binary.BigEndian.Uint32(field))
	}

	switch resp.MessageType {
	case msgTypeFullServer:
		field, ok := next(4)
		if !ok {
			return nil, &DecodeError{Reason: "truncated payload size", FrameLen: len(data)}
		}
		resp.PayloadSize = binary.BigEndian.Uint32(field)
		if uint32(len(payload)) < resp.PayloadSize {
			return nil, &DecodeError{Reason: "payload shorter than declared size", FrameLen: len(data)}
		}
		payload = payload[:resp.PayloadSize]

	case msgTypeServerError:
		field, ok := next(8)
		if !ok {
			return nil, &DecodeError{Reason: "truncated error frame", FrameLen: len(data)}
		}
		resp.Code = int32(binary.BigEndian.Uint32(field[:4]))
		resp.PayloadSize = binary.BigEndian.Uint32(field[4:])
		if uint32(len(payload)) < resp.PayloadSize {
			return nil, &DecodeError{Reason: "error payload shorter than declared size", FrameLen: len(data)}
		}
		payload = payload[:resp.PayloadSize]

	default:
		return nil, &DecodeError{
			Reason:   fmt.Sprintf("unsupported message type 0x%x", resp.MessageType),
			FrameLen: len(data),
		}
	}

	if len(payload) == 0 {
		return resp, nil
	}

	switch compression {
	case compressionGzip:
		decompressed, err := gzipDecompress(payload)
		if err != nil {
			return nil, &DecodeError{Reason: "gzip decompress payload", FrameLen: len(data), Err: err}
		}
		payload = decompressed
	case compressionNone:
		// Payload arrived uncompressed; use as-is.
	default:
		return nil, &DecodeError{
			Reason:   fmt.Sprintf("unsupported compression 0x%x", compression),
			FrameLen: len(data),
		}
	}

	if serialization != serializationJSON {
		return nil, &DecodeError{
			Reason:   fmt.Sprintf("unsupported serialization 0x%x", serialization),
			FrameLen: len(data),
		}
	}

	resp.Payload = payload
	return resp, nil
}
