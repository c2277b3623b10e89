package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/dinoallo/sealfs/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
// Strings are written as a big-endian uint32 length followed by their bytes,
// integers as fixed size big-endian values.
//
// HeartbeatRequest: address | flags (4) | lifetime
// ClusterStatus:    count (4) | count x (address | flags (4) | expires at (8) | heartbeats (8))
type binarySerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) SerializeHeartbeat(req common.HeartbeatRequest) ([]byte, error) {
	result := make([]byte, 0, 4+len(req.Address)+4+4+len(req.Lifetime))
	result = appendString(result, req.Address)
	result = binary.BigEndian.AppendUint32(result, req.Flags)
	result = appendString(result, req.Lifetime)
	return result, nil
}

func (b binarySerializerImpl) DeserializeHeartbeat(data []byte, req *common.HeartbeatRequest) error {
	r := reader{data: data}

	address, err := r.readString("address")
	if err != nil {
		return err
	}
	flags, err := r.readUint32("flags")
	if err != nil {
		return err
	}
	lifetime, err := r.readString("lifetime")
	if err != nil {
		return err
	}
	if err := r.done(); err != nil {
		return err
	}

	req.Address = address
	req.Flags = flags
	req.Lifetime = lifetime
	return nil
}

func (b binarySerializerImpl) SerializeClusterStatus(status common.ClusterStatus) ([]byte, error) {
	size := 4
	for _, s := range status.Servers {
		size += 4 + len(s.Address) + 4 + 8 + 8
	}

	result := make([]byte, 0, size)
	result = binary.BigEndian.AppendUint32(result, uint32(len(status.Servers)))
	for _, s := range status.Servers {
		result = appendString(result, s.Address)
		result = binary.BigEndian.AppendUint32(result, s.Flags)
		result = binary.BigEndian.AppendUint64(result, uint64(s.ExpiresAt))
		result = binary.BigEndian.AppendUint64(result, s.Heartbeats)
	}
	return result, nil
}

func (b binarySerializerImpl) DeserializeClusterStatus(data []byte, status *common.ClusterStatus) error {
	r := reader{data: data}

	count, err := r.readUint32("server count")
	if err != nil {
		return err
	}
	// Every entry needs at least 24 bytes, reject counts the data can not hold
	if uint64(count)*24 > uint64(len(data)) {
		return fmt.Errorf("data too short for %d servers", count)
	}

	var servers []common.ServerStatus
	if count > 0 {
		servers = make([]common.ServerStatus, count)
	}
	for i := range servers {
		s := &servers[i]
		if s.Address, err = r.readString("server address"); err != nil {
			return err
		}
		if s.Flags, err = r.readUint32("server flags"); err != nil {
			return err
		}
		var expiresAt uint64
		if expiresAt, err = r.readUint64("server expiry"); err != nil {
			return err
		}
		s.ExpiresAt = int64(expiresAt)
		if s.Heartbeats, err = r.readUint64("server heartbeats"); err != nil {
			return err
		}
	}
	if err := r.done(); err != nil {
		return err
	}

	status.Servers = servers
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// reader decodes consecutive fields and reports which one was truncated
type reader struct {
	data []byte
	pos  int
}

func (r *reader) readUint32(field string) (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("data too short for %s", field)
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readUint64(field string) (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("data too short for %s", field)
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) readString(field string) (string, error) {
	n, err := r.readUint32(field + " length")
	if err != nil {
		return "", err
	}
	if uint64(r.pos)+uint64(n) > uint64(len(r.data)) {
		return "", fmt.Errorf("data too short for %s", field)
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) done() error {
	if r.pos != len(r.data) {
		return fmt.Errorf("%d trailing bytes", len(r.data)-r.pos)
	}
	return nil
}
