package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"github.com/dinoallo/sealfs/rpc/common"
)

// testRequests returns requests with different segment combinations
func testRequests() map[string]*Request {
	return map[string]*Request{
		"Empty": {CallID: 1},
		"PathOnly": {
			CallID:        2,
			OperationType: uint32(common.OpGetFileAttr),
			Path:          []byte("/a/b"),
		},
		"AllSegments": {
			CallID:        3,
			OperationType: uint32(common.OpWriteFile),
			Flags:         7,
			Path:          []byte("/data/file.bin"),
			Data:          []byte("hello world"),
			Metadata:      common.PutUint64s(42),
		},
		"LargeData": {
			CallID:        1 << 40,
			OperationType: 999,
			Data:          bytes.Repeat([]byte{0xAB}, 64*1024),
		},
	}
}

func sameSegment(t *testing.T, name string, want, got []byte) {
	t.Helper()
	if got == nil {
		t.Errorf("%s: decoded segment is nil, want non-nil", name)
	}
	if !bytes.Equal(want, got) {
		t.Errorf("%s mismatch: expected %d bytes, got %d bytes", name, len(want), len(got))
	}
}

// TestRequestRoundTrip tests that requests survive encoding and decoding
func TestRequestRoundTrip(t *testing.T) {
	for name, req := range testRequests() {
		t.Run(name, func(t *testing.T) {
			frame, err := EncodeRequest(req)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}
			if want := RequestHeaderSize + len(req.Path) + len(req.Data) + len(req.Metadata); len(frame) != want {
				t.Fatalf("Frame has %d bytes, expected %d", len(frame), want)
			}

			result, err := DecodeRequest(bytes.NewReader(frame), 0)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}

			if result.CallID != req.CallID {
				t.Errorf("CallID mismatch: expected %d, got %d", req.CallID, result.CallID)
			}
			if result.OperationType != req.OperationType {
				t.Errorf("OperationType mismatch: expected %d, got %d", req.OperationType, result.OperationType)
			}
			if result.Flags != req.Flags {
				t.Errorf("Flags mismatch: expected %d, got %d", req.Flags, result.Flags)
			}
			sameSegment(t, "Path", req.Path, result.Path)
			sameSegment(t, "Data", req.Data, result.Data)
			sameSegment(t, "Metadata", req.Metadata, result.Metadata)
		})
	}
}

// TestResponseRoundTrip tests that responses survive encoding and decoding
func TestResponseRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		resp *Response
	}{
		{name: "Empty", resp: &Response{CallID: 1}},
		{name: "NegativeStatus", resp: &Response{CallID: 2, Status: common.StatusNotFound}},
		{
			name: "AllSegments",
			resp: &Response{
				CallID:   3,
				Flags:    1,
				Metadata: common.PutUint64s(11, 1700000000),
				Data:     []byte("file content"),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := EncodeResponse(tc.resp)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}

			result, err := DecodeResponse(bytes.NewReader(frame), 0)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}

			if result.CallID != tc.resp.CallID {
				t.Errorf("CallID mismatch: expected %d, got %d", tc.resp.CallID, result.CallID)
			}
			if result.Status != tc.resp.Status {
				t.Errorf("Status mismatch: expected %d, got %d", tc.resp.Status, result.Status)
			}
			if result.Flags != tc.resp.Flags {
				t.Errorf("Flags mismatch: expected %d, got %d", tc.resp.Flags, result.Flags)
			}
			sameSegment(t, "Metadata", tc.resp.Metadata, result.Metadata)
			sameSegment(t, "Data", tc.resp.Data, result.Data)
		})
	}
}

// TestWriteMatchesEncode tests that the streaming writers produce the same bytes as the encoders
func TestWriteMatchesEncode(t *testing.T) {
	for name, req := range testRequests() {
		t.Run(name, func(t *testing.T) {
			encoded, err := EncodeRequest(req)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}
			var buf bytes.Buffer
			if err := WriteRequest(&buf, req); err != nil {
				t.Fatalf("Failed to write: %v", err)
			}
			if !bytes.Equal(encoded, buf.Bytes()) {
				t.Errorf("WriteRequest output differs from EncodeRequest")
			}
		})
	}

	resp := &Response{CallID: 9, Status: -5, Metadata: []byte("m"), Data: []byte("data")}
	encoded, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("Failed to encode response: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("Failed to write response: %v", err)
	}
	if !bytes.Equal(encoded, buf.Bytes()) {
		t.Errorf("WriteResponse output differs from EncodeResponse")
	}
}

// TestBackToBackFrames tests that consecutive frames on one stream are decoded in order
func TestBackToBackFrames(t *testing.T) {
	var stream bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		if err := WriteRequest(&stream, &Request{CallID: i, Data: bytes.Repeat([]byte{byte(i)}, int(i))}); err != nil {
			t.Fatalf("Failed to write frame %d: %v", i, err)
		}
	}

	for i := uint64(1); i <= 3; i++ {
		req, err := DecodeRequest(&stream, 0)
		if err != nil {
			t.Fatalf("Failed to decode frame %d: %v", i, err)
		}
		if req.CallID != i || len(req.Data) != int(i) {
			t.Errorf("Frame %d decoded as call %d with %d data bytes", i, req.CallID, len(req.Data))
		}
	}

	if _, err := DecodeRequest(&stream, 0); err != io.EOF {
		t.Errorf("Expected io.EOF after the last frame, got %v", err)
	}
}

// TestDecodeErrors tests that malformed input is classified correctly
func TestDecodeErrors(t *testing.T) {
	valid, err := EncodeRequest(&Request{CallID: 5, Path: []byte("/p"), Data: []byte("payload")})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	corrupt := func(offset int, b byte) []byte {
		frame := bytes.Clone(valid)
		frame[offset] = b
		return frame
	}

	response, err := EncodeResponse(&Response{CallID: 5})
	if err != nil {
		t.Fatalf("Failed to encode response: %v", err)
	}

	testCases := []struct {
		name       string
		input      []byte
		maxSegment uint32
		wantErr    error
	}{
		{name: "EmptyStream", input: nil, wantErr: io.EOF},
		{name: "TruncatedHeader", input: valid[:RequestHeaderSize-1], wantErr: common.ErrFraming},
		{name: "HeaderOnly", input: valid[:RequestHeaderSize], wantErr: common.ErrFraming},
		{name: "TruncatedPayload", input: valid[:len(valid)-1], wantErr: common.ErrFraming},
		{name: "BadMagic", input: corrupt(0, 0x00), wantErr: common.ErrFraming},
		{name: "BadVersion", input: corrupt(2, 0x09), wantErr: common.ErrFraming},
		{name: "ResponseKind", input: response, wantErr: common.ErrFraming},
		{name: "SegmentTooLarge", input: valid, maxSegment: 4, wantErr: common.ErrFraming},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeRequest(bytes.NewReader(tc.input), tc.maxSegment)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

// TestDecodeReaderError tests that I/O failures are reported as connection errors
func TestDecodeReaderError(t *testing.T) {
	_, err := DecodeResponse(iotest.ErrReader(errors.New("boom")), 0)
	if !errors.Is(err, common.ErrConnection) {
		t.Errorf("Expected ErrConnection, got %v", err)
	}
}

// TestReadResponseBody tests the zero-copy path including short buffers
func TestReadResponseBody(t *testing.T) {
	first := &Response{CallID: 1, Metadata: []byte("meta"), Data: []byte("0123456789")}
	second := &Response{CallID: 2, Data: []byte("next")}

	var stream bytes.Buffer
	for _, resp := range []*Response{first, second} {
		if err := WriteResponse(&stream, resp); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	t.Run("BufferTooSmall", func(t *testing.T) {
		r := bytes.NewReader(stream.Bytes())
		h, err := ReadResponseHeader(r, 0)
		if err != nil {
			t.Fatalf("Failed to read header: %v", err)
		}

		data := make([]byte, 4)
		_, _, err = ReadResponseBody(r, h, make([]byte, 16), data)
		if !errors.Is(err, common.ErrBufferTooSmall) {
			t.Fatalf("Expected ErrBufferTooSmall, got %v", err)
		}
		if !bytes.Equal(data, make([]byte, 4)) {
			t.Errorf("Short buffer was modified: %v", data)
		}
		if int64(r.Len()) != h.PayloadLen()+ResponseHeaderSize+int64(len(second.Data)) {
			t.Errorf("Payload was consumed although the buffer was too small")
		}

		// Skipping the payload keeps the stream usable
		if err := Discard(r, h.PayloadLen()); err != nil {
			t.Fatalf("Failed to discard: %v", err)
		}
		next, err := DecodeResponse(r, 0)
		if err != nil {
			t.Fatalf("Failed to decode next frame: %v", err)
		}
		if next.CallID != 2 || string(next.Data) != "next" {
			t.Errorf("Unexpected next frame: %+v", next)
		}
	})

	t.Run("ExactBuffers", func(t *testing.T) {
		r := bytes.NewReader(stream.Bytes())
		h, err := ReadResponseHeader(r, 0)
		if err != nil {
			t.Fatalf("Failed to read header: %v", err)
		}

		metaBuf := make([]byte, 4)
		dataBuf := make([]byte, 32)
		meta, data, err := ReadResponseBody(r, h, metaBuf, dataBuf)
		if err != nil {
			t.Fatalf("Failed to read body: %v", err)
		}
		if string(meta) != "meta" || string(data) != "0123456789" {
			t.Errorf("Unexpected body: meta=%q data=%q", meta, data)
		}
		if &data[0] != &dataBuf[0] {
			t.Errorf("Data was not read into the caller buffer")
		}
	})

	t.Run("TruncatedBody", func(t *testing.T) {
		frame, _ := EncodeResponse(first)
		r := bytes.NewReader(frame[:len(frame)-3])
		h, err := ReadResponseHeader(r, 0)
		if err != nil {
			t.Fatalf("Failed to read header: %v", err)
		}
		_, _, err = ReadResponseBody(r, h, make([]byte, 16), make([]byte, 16))
		if !errors.Is(err, common.ErrFraming) {
			t.Errorf("Expected ErrFraming, got %v", err)
		}
	})
}

// BenchmarkEncodeRequest measures encoding of write requests of different sizes
func BenchmarkEncodeRequest(b *testing.B) {
	for _, size := range []int{0, 1024, 64 * 1024} {
		req := &Request{
			CallID:        1,
			OperationType: uint32(common.OpWriteFile),
			Path:          []byte("/bench/file"),
			Data:          make([]byte, size),
			Metadata:      common.PutUint64s(0),
		}
		b.Run(byteSize(size), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if err := WriteRequest(io.Discard, req); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkDecodeRequest measures decoding of write requests of different sizes
func BenchmarkDecodeRequest(b *testing.B) {
	for _, size := range []int{0, 1024, 64 * 1024} {
		frame, err := EncodeRequest(&Request{CallID: 1, Path: []byte("/bench/file"), Data: make([]byte, size)})
		if err != nil {
			b.Fatal(err)
		}
		b.Run(byteSize(size), func(b *testing.B) {
			b.ReportAllocs()
			r := bytes.NewReader(frame)
			for i := 0; i < b.N; i++ {
				r.Reset(frame)
				if _, err := DecodeRequest(r, 0); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func byteSize(n int) string {
	if n == 0 {
		return "Empty"
	}
	return fmt.Sprintf("%dKB", n/1024)
}
