package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/dinoallo/sealfs/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) SerializeHeartbeat(req common.HeartbeatRequest) ([]byte, error) {
	return g.encode(req)
}

func (g gobSerializerImpl) DeserializeHeartbeat(b []byte, req *common.HeartbeatRequest) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(req)
}

func (g gobSerializerImpl) SerializeClusterStatus(status common.ClusterStatus) ([]byte, error) {
	return g.encode(status)
}

func (g gobSerializerImpl) DeserializeClusterStatus(b []byte, status *common.ClusterStatus) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(status)
}

func (g gobSerializerImpl) encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
