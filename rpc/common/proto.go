package common

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Operation Type Registry
// --------------------------------------------------------------------------

// OperationType is the numeric code that selects the action of a request.
// The transport treats it as an opaque uint32; only handlers interpret it.
type OperationType uint32

const (
	// General operations

	OpNoop OperationType = iota // Does nothing, used for pings and benchmarks

	// File and directory operations (storage nodes)

	OpLookup               // Resolve a path
	OpCreateFile           // Create an empty file
	OpCreateDir            // Create a directory
	OpGetFileAttr          // Read size and modification time of a file
	OpReadDir              // List the entries below a directory
	OpOpenFile             // Open a file
	OpReadFile             // Read a byte range of a file
	OpWriteFile            // Write a byte range of a file
	OpDeleteFile           // Remove a file
	OpDeleteDir            // Remove a directory
	OpDirectoryAddEntry    // Add an entry to a directory
	OpDirectoryDeleteEntry // Remove an entry from a directory

	// Cluster operations (manager)

	OpSendHeart        // Announce liveness and lease lifetime of a server
	OpGetClusterStatus // List the servers with a live lease
)

var operationNames = map[OperationType]string{
	OpNoop:                 "noop",
	OpLookup:               "lookup",
	OpCreateFile:           "create-file",
	OpCreateDir:            "create-dir",
	OpGetFileAttr:          "get-file-attr",
	OpReadDir:              "read-dir",
	OpOpenFile:             "open-file",
	OpReadFile:             "read-file",
	OpWriteFile:            "write-file",
	OpDeleteFile:           "delete-file",
	OpDeleteDir:            "delete-dir",
	OpDirectoryAddEntry:    "directory-add-entry",
	OpDirectoryDeleteEntry: "directory-delete-entry",
	OpSendHeart:            "send-heart",
	OpGetClusterStatus:     "get-cluster-status",
}

// String returns the string representation of an OperationType.
func (t OperationType) String() string {
	if name, ok := operationNames[t]; ok {
		return name
	}
	return "op(" + strconv.FormatUint(uint64(t), 10) + ")"
}

// ParseOperationType accepts either an operation name (e.g. "read-file")
// or a plain number.
func ParseOperationType(s string) (OperationType, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for op, name := range operationNames {
		if name == s {
			return op, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown operation type: %s", s)
	}
	return OperationType(n), nil
}

// MarshalJSON implements the json.Marshaller interface for OperationType.
func (t OperationType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// --------------------------------------------------------------------------
// Flags
// --------------------------------------------------------------------------

// Role flags carried in heartbeat requests.
const (
	ServerFlag uint32 = 1 << 0
	ClientFlag uint32 = 1 << 1
)

// --------------------------------------------------------------------------
// Heartbeat and Cluster Status
// --------------------------------------------------------------------------

// HeartbeatRequest is the payload of an OpSendHeart request.
// A new one is built for every tick, it is never persisted.
type HeartbeatRequest struct {
	Address  string `json:"address" codec:"address"`
	Flags    uint32 `json:"flags" codec:"flags"`
	Lifetime string `json:"lifetime" codec:"lifetime"`
}

// ServerStatus describes one server known to the manager.
type ServerStatus struct {
	Address    string `json:"address" codec:"address"`
	Flags      uint32 `json:"flags" codec:"flags"`
	ExpiresAt  int64  `json:"expires_at" codec:"expires_at"` // unix nanoseconds
	Heartbeats uint64 `json:"heartbeats" codec:"heartbeats"`
}

// ClusterStatus is the payload of an OpGetClusterStatus response.
type ClusterStatus struct {
	Servers []ServerStatus `json:"servers" codec:"servers"`
}

// ParseLifetime parses a lease lifetime. Plain integers are seconds,
// everything else must be a Go duration string such as "30s" or "1m".
func ParseLifetime(lifetime string) (time.Duration, error) {
	lifetime = strings.TrimSpace(lifetime)
	if secs, err := strconv.ParseUint(lifetime, 10, 32); err == nil {
		if secs == 0 {
			return 0, fmt.Errorf("lifetime must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(lifetime)
	if err != nil {
		return 0, fmt.Errorf("invalid lifetime %q: %w", lifetime, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("lifetime must be positive")
	}
	return d, nil
}

// --------------------------------------------------------------------------
// File operation metadata helpers
// --------------------------------------------------------------------------

/*
	File operations carry their numeric arguments in the metadata segment as
	big-endian uint64 values:

	ReadFile request:    offset | size
	WriteFile request:   offset
	WriteFile response:  bytes written
	GetFileAttr response: size | modification time (unix nanoseconds)
*/

// PutUint64s encodes the values as consecutive big-endian uint64s.
func PutUint64s(values ...uint64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// ParseUint64s decodes exactly n big-endian uint64s from b.
func ParseUint64s(b []byte, n int) ([]uint64, error) {
	if len(b) != 8*n {
		return nil, fmt.Errorf("expected %d bytes of metadata, got %d", 8*n, len(b))
	}
	values := make([]uint64, n)
	for i := range values {
		values[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return values, nil
}
