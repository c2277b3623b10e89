package serializer

import (
	"encoding/json"

	"github.com/dinoallo/sealfs/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) SerializeHeartbeat(req common.HeartbeatRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (j jsonSerializerImpl) DeserializeHeartbeat(b []byte, req *common.HeartbeatRequest) error {
	return json.Unmarshal(b, req)
}

func (j jsonSerializerImpl) SerializeClusterStatus(status common.ClusterStatus) ([]byte, error) {
	return json.Marshal(status)
}

func (j jsonSerializerImpl) DeserializeClusterStatus(b []byte, status *common.ClusterStatus) error {
	return json.Unmarshal(b, status)
}
