package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"

	"github.com/dinoallo/sealfs/rpc/common"
)

const (
	Magic   uint16 = 0x5346 // "SF"
	Version byte   = 1

	KindRequest  byte = 0
	KindResponse byte = 1

	// RequestHeaderSize is 2 (magic) + 1 (version) + 1 (kind) + 8 (call id) + 4 (op type)
	// + 4 (flags) + 4 (path len) + 4 (data len) + 4 (metadata len)
	RequestHeaderSize = 32

	// ResponseHeaderSize is 2 (magic) + 1 (version) + 1 (kind) + 8 (call id) + 4 (status)
	// + 4 (flags) + 4 (metadata len) + 4 (data len)
	ResponseHeaderSize = 28
)

// --------------------------------------------------------------------------
// Frame types
// --------------------------------------------------------------------------

// Request is one decoded request frame
type Request struct {
	CallID        uint64
	OperationType uint32
	Flags         uint32
	Path          []byte
	Data          []byte
	Metadata      []byte
}

// Response is one decoded response frame
type Response struct {
	CallID   uint64
	Status   int32
	Flags    uint32
	Metadata []byte
	Data     []byte
}

// RequestHeader is the fixed size part of a request frame
type RequestHeader struct {
	CallID        uint64
	OperationType uint32
	Flags         uint32
	PathLen       uint32
	DataLen       uint32
	MetadataLen   uint32
}

// PayloadLen returns the number of bytes following the header
func (h RequestHeader) PayloadLen() int64 {
	return int64(h.PathLen) + int64(h.DataLen) + int64(h.MetadataLen)
}

// ResponseHeader is the fixed size part of a response frame
type ResponseHeader struct {
	CallID      uint64
	Status      int32
	Flags       uint32
	MetadataLen uint32
	DataLen     uint32
}

// PayloadLen returns the number of bytes following the header
func (h ResponseHeader) PayloadLen() int64 {
	return int64(h.MetadataLen) + int64(h.DataLen)
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// EncodeRequest encodes req into a single self-delimiting byte slice
func EncodeRequest(req *Request) ([]byte, error) {
	header, err := requestHeader(req)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, RequestHeaderSize+header.PayloadLen())
	frame = append(frame, header.marshal()...)
	frame = append(frame, req.Path...)
	frame = append(frame, req.Data...)
	frame = append(frame, req.Metadata...)
	return frame, nil
}

// WriteRequest writes req to w. Header and segments are handed to w in one
// net.Buffers write, which becomes a single writev on sockets.
func WriteRequest(w io.Writer, req *Request) error {
	header, err := requestHeader(req)
	if err != nil {
		return err
	}
	b := net.Buffers{header.marshal(), req.Path, req.Data, req.Metadata}
	_, err = b.WriteTo(w)
	return err
}

// EncodeResponse encodes resp into a single self-delimiting byte slice
func EncodeResponse(resp *Response) ([]byte, error) {
	header, err := responseHeader(resp)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, ResponseHeaderSize+header.PayloadLen())
	frame = append(frame, header.marshal()...)
	frame = append(frame, resp.Metadata...)
	frame = append(frame, resp.Data...)
	return frame, nil
}

// WriteResponse writes resp to w
func WriteResponse(w io.Writer, resp *Response) error {
	header, err := responseHeader(resp)
	if err != nil {
		return err
	}
	b := net.Buffers{header.marshal(), resp.Metadata, resp.Data}
	_, err = b.WriteTo(w)
	return err
}

func requestHeader(req *Request) (RequestHeader, error) {
	pathLen, err := segmentLen("path", req.Path)
	if err != nil {
		return RequestHeader{}, err
	}
	dataLen, err := segmentLen("data", req.Data)
	if err != nil {
		return RequestHeader{}, err
	}
	metadataLen, err := segmentLen("metadata", req.Metadata)
	if err != nil {
		return RequestHeader{}, err
	}
	return RequestHeader{
		CallID:        req.CallID,
		OperationType: req.OperationType,
		Flags:         req.Flags,
		PathLen:       pathLen,
		DataLen:       dataLen,
		MetadataLen:   metadataLen,
	}, nil
}

func responseHeader(resp *Response) (ResponseHeader, error) {
	metadataLen, err := segmentLen("metadata", resp.Metadata)
	if err != nil {
		return ResponseHeader{}, err
	}
	dataLen, err := segmentLen("data", resp.Data)
	if err != nil {
		return ResponseHeader{}, err
	}
	return ResponseHeader{
		CallID:      resp.CallID,
		Status:      resp.Status,
		Flags:       resp.Flags,
		MetadataLen: metadataLen,
		DataLen:     dataLen,
	}, nil
}

func segmentLen(name string, b []byte) (uint32, error) {
	if uint64(len(b)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s has %d bytes", common.ErrLengthOverflow, name, len(b))
	}
	return uint32(len(b)), nil
}

func putPreamble(buf []byte, kind byte) {
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = kind
}

func (h RequestHeader) marshal() []byte {
	buf := make([]byte, RequestHeaderSize)
	putPreamble(buf, KindRequest)
	binary.BigEndian.PutUint64(buf[4:12], h.CallID)
	binary.BigEndian.PutUint32(buf[12:16], h.OperationType)
	binary.BigEndian.PutUint32(buf[16:20], h.Flags)
	binary.BigEndian.PutUint32(buf[20:24], h.PathLen)
	binary.BigEndian.PutUint32(buf[24:28], h.DataLen)
	binary.BigEndian.PutUint32(buf[28:32], h.MetadataLen)
	return buf
}

func (h ResponseHeader) marshal() []byte {
	buf := make([]byte, ResponseHeaderSize)
	putPreamble(buf, KindResponse)
	binary.BigEndian.PutUint64(buf[4:12], h.CallID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Status))
	binary.BigEndian.PutUint32(buf[16:20], h.Flags)
	binary.BigEndian.PutUint32(buf[20:24], h.MetadataLen)
	binary.BigEndian.PutUint32(buf[24:28], h.DataLen)
	return buf
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// ReadRequestHeader reads and validates one request header from r.
// A stream that ends before the first header byte yields io.EOF unwrapped,
// so callers can tell a clean close from a truncated frame.
func ReadRequestHeader(r io.Reader, maxSegment uint32) (RequestHeader, error) {
	buf := make([]byte, RequestHeaderSize)
	if err := readHeader(r, buf, KindRequest); err != nil {
		return RequestHeader{}, err
	}

	h := RequestHeader{
		CallID:        binary.BigEndian.Uint64(buf[4:12]),
		OperationType: binary.BigEndian.Uint32(buf[12:16]),
		Flags:         binary.BigEndian.Uint32(buf[16:20]),
		PathLen:       binary.BigEndian.Uint32(buf[20:24]),
		DataLen:       binary.BigEndian.Uint32(buf[24:28]),
		MetadataLen:   binary.BigEndian.Uint32(buf[28:32]),
	}
	if err := checkSegments(maxSegment, h.PathLen, h.DataLen, h.MetadataLen); err != nil {
		return RequestHeader{}, err
	}
	return h, nil
}

// DecodeRequest reads exactly one request frame from r. All segments share
// one allocation sized from the header.
func DecodeRequest(r io.Reader, maxSegment uint32) (*Request, error) {
	h, err := ReadRequestHeader(r, maxSegment)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, h.PayloadLen())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, bodyErr(err)
	}

	pathEnd := int(h.PathLen)
	dataEnd := pathEnd + int(h.DataLen)
	return &Request{
		CallID:        h.CallID,
		OperationType: h.OperationType,
		Flags:         h.Flags,
		Path:          payload[:pathEnd:pathEnd],
		Data:          payload[pathEnd:dataEnd:dataEnd],
		Metadata:      payload[dataEnd:],
	}, nil
}

// ReadResponseHeader reads and validates one response header from r
func ReadResponseHeader(r io.Reader, maxSegment uint32) (ResponseHeader, error) {
	buf := make([]byte, ResponseHeaderSize)
	if err := readHeader(r, buf, KindResponse); err != nil {
		return ResponseHeader{}, err
	}

	h := ResponseHeader{
		CallID:      binary.BigEndian.Uint64(buf[4:12]),
		Status:      int32(binary.BigEndian.Uint32(buf[12:16])),
		Flags:       binary.BigEndian.Uint32(buf[16:20]),
		MetadataLen: binary.BigEndian.Uint32(buf[20:24]),
		DataLen:     binary.BigEndian.Uint32(buf[24:28]),
	}
	if err := checkSegments(maxSegment, h.MetadataLen, h.DataLen); err != nil {
		return ResponseHeader{}, err
	}
	return h, nil
}

// ReadResponseBody reads the payload announced by h directly into the given
// buffers. It returns the filled sub-slices. The caller must ensure that the
// buffers are large enough; on a short buffer nothing is read.
func ReadResponseBody(r io.Reader, h ResponseHeader, metadata, data []byte) ([]byte, []byte, error) {
	if int64(len(metadata)) < int64(h.MetadataLen) || int64(len(data)) < int64(h.DataLen) {
		return nil, nil, fmt.Errorf("%w: response needs %d metadata and %d data bytes, buffers hold %d and %d",
			common.ErrBufferTooSmall, h.MetadataLen, h.DataLen, len(metadata), len(data))
	}

	metadata = metadata[:h.MetadataLen]
	data = data[:h.DataLen]
	if _, err := io.ReadFull(r, metadata); err != nil {
		return nil, nil, bodyErr(err)
	}
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, bodyErr(err)
	}
	return metadata, data, nil
}

// DecodeResponse reads exactly one response frame from r into freshly
// allocated buffers
func DecodeResponse(r io.Reader, maxSegment uint32) (*Response, error) {
	h, err := ReadResponseHeader(r, maxSegment)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, h.PayloadLen())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, bodyErr(err)
	}

	metadataEnd := int(h.MetadataLen)
	return &Response{
		CallID:   h.CallID,
		Status:   h.Status,
		Flags:    h.Flags,
		Metadata: payload[:metadataEnd:metadataEnd],
		Data:     payload[metadataEnd:],
	}, nil
}

// Discard skips n payload bytes, keeping the stream aligned on frame boundaries
func Discard(r io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return bodyErr(err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func readHeader(r io.Reader, buf []byte, kind byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return fmt.Errorf("%w: truncated header: %w", common.ErrFraming, err)
		default:
			return fmt.Errorf("%w: reading header: %w", common.ErrConnection, err)
		}
	}

	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != Magic {
		return fmt.Errorf("%w: invalid magic number %#04x", common.ErrFraming, magic)
	}
	if buf[2] != Version {
		return fmt.Errorf("%w: unsupported version %d", common.ErrFraming, buf[2])
	}
	if buf[3] != kind {
		return fmt.Errorf("%w: unexpected frame kind %d (want %d)", common.ErrFraming, buf[3], kind)
	}
	return nil
}

func checkSegments(maxSegment uint32, lengths ...uint32) error {
	if maxSegment == 0 {
		maxSegment = common.DefaultMaxSegmentSize
	}
	for _, l := range lengths {
		if l > maxSegment {
			return fmt.Errorf("%w: declared segment length %d exceeds maximum %d", common.ErrFraming, l, maxSegment)
		}
	}
	return nil
}

// bodyErr classifies an error that happened after the header was read. Any
// end of stream at this point means the frame is truncated.
func bodyErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated frame: %w", common.ErrFraming, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("%w: reading frame body: %w", common.ErrConnection, err)
}
