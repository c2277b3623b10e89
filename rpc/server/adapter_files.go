package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var filesLogger = logger.GetLogger("files")

// DefaultMaxFileSize bounds the size a file can grow to by writes
const DefaultMaxFileSize uint64 = 1 << 30 // 1 GiB

// memFile is one file of the in-memory store
type memFile struct {
	mu    sync.RWMutex
	data  []byte
	mtime time.Time
}

// FileHandler is an in-memory storage node. It serves the file operations
// with flat path keys; directories exist implicitly as path prefixes.
//
// Numeric arguments travel in the metadata segment (see common.PutUint64s):
//
//	ReadFile     request: offset | size        response data: file bytes
//	WriteFile    request: offset, data         response metadata: bytes written
//	GetFileAttr  response metadata: size | modification time
//	ReadDir      response data: entry names separated by '\n'
//
// Writes that would grow a file beyond maxFileSize are rejected with
// StatusInvalidArgument.
type FileHandler struct {
	files       *xsync.MapOf[string, *memFile]
	maxFileSize uint64
	now         func() time.Time
}

// NewFileHandler creates an empty in-memory file handler. A maxFileSize of 0
// uses DefaultMaxFileSize.
func NewFileHandler(maxFileSize uint64) *FileHandler {
	if maxFileSize == 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &FileHandler{
		files:       xsync.NewMapOf[string, *memFile](),
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

// Dispatch implements Handler
func (h *FileHandler) Dispatch(_ context.Context, operationType, _ uint32, path, data, metadata []byte) (Response, error) {
	op := common.OperationType(operationType)
	p := string(path)

	if op != common.OpNoop && op != common.OpReadDir && p == "" {
		return Response{Status: common.StatusInvalidArgument}, nil
	}

	switch op {
	case common.OpNoop:
		return Response{}, nil
	case common.OpCreateFile:
		return h.createFile(p), nil
	case common.OpGetFileAttr:
		return h.getFileAttr(p), nil
	case common.OpReadFile:
		return h.readFile(p, metadata), nil
	case common.OpWriteFile:
		return h.writeFile(p, data, metadata), nil
	case common.OpDeleteFile:
		return h.deleteFile(p), nil
	case common.OpReadDir:
		return h.readDir(p), nil
	default:
		return Response{}, fmt.Errorf("files: %w: %s", common.ErrUnsupportedOperation, op)
	}
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

func (h *FileHandler) createFile(path string) Response {
	_, loaded := h.files.LoadOrStore(path, &memFile{data: []byte{}, mtime: h.now()})
	if loaded {
		return Response{Status: common.StatusExists}
	}
	filesLogger.Debugf("Created file %s", path)
	return Response{}
}

func (h *FileHandler) getFileAttr(path string) Response {
	f, ok := h.files.Load(path)
	if !ok {
		return Response{Status: common.StatusNotFound}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return Response{Metadata: common.PutUint64s(uint64(len(f.data)), uint64(f.mtime.UnixNano()))}
}

func (h *FileHandler) readFile(path string, metadata []byte) Response {
	args, err := common.ParseUint64s(metadata, 2)
	if err != nil {
		return Response{Status: common.StatusInvalidArgument}
	}
	offset, size := args[0], args[1]

	f, ok := h.files.Load(path)
	if !ok {
		return Response{Status: common.StatusNotFound}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	length := uint64(len(f.data))
	if offset >= length {
		return Response{Data: []byte{}}
	}
	end := offset + min(size, length-offset)

	// Copy, the response is written after the lock is released
	out := make([]byte, end-offset)
	copy(out, f.data[offset:end])
	return Response{Data: out}
}

func (h *FileHandler) writeFile(path string, data, metadata []byte) Response {
	args, err := common.ParseUint64s(metadata, 1)
	if err != nil {
		return Response{Status: common.StatusInvalidArgument}
	}
	offset := args[0]
	// offset + len(data) must not exceed the limit, written to avoid overflow
	if offset > h.maxFileSize || uint64(len(data)) > h.maxFileSize-offset {
		filesLogger.Debugf("Rejected write of %d bytes at offset %d to %s", len(data), offset, path)
		return Response{Status: common.StatusInvalidArgument}
	}

	f, ok := h.files.Load(path)
	if !ok {
		return Response{Status: common.StatusNotFound}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	end := offset + uint64(len(data))
	if end > uint64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:], data)
	f.mtime = h.now()

	return Response{Metadata: common.PutUint64s(uint64(len(data)))}
}

func (h *FileHandler) deleteFile(path string) Response {
	if _, ok := h.files.LoadAndDelete(path); !ok {
		return Response{Status: common.StatusNotFound}
	}
	filesLogger.Debugf("Deleted file %s", path)
	return Response{}
}

func (h *FileHandler) readDir(path string) Response {
	prefix := strings.TrimSuffix(path, "/") + "/"

	seen := make(map[string]struct{})
	h.files.Range(func(name string, _ *memFile) bool {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok || rest == "" {
			return true
		}
		// Nested files show up as their top level directory
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i+1]
		}
		seen[rest] = struct{}{}
		return true
	})

	if len(seen) == 0 {
		return Response{Status: common.StatusNotFound}
	}

	entries := make([]string, 0, len(seen))
	for name := range seen {
		entries = append(entries, name)
	}
	sort.Strings(entries)
	return Response{Data: []byte(strings.Join(entries, "\n"))}
}
