package serializer

import (
	"fmt"
	"strings"

	"github.com/dinoallo/sealfs/rpc/common"
)

// IRPCSerializer is the interface for the payload encodings of the manager operations
type IRPCSerializer interface {
	// SerializeHeartbeat encodes the data segment of an OpSendHeart request
	SerializeHeartbeat(req common.HeartbeatRequest) ([]byte, error)
	// DeserializeHeartbeat decodes the data segment of an OpSendHeart request
	DeserializeHeartbeat(b []byte, req *common.HeartbeatRequest) error

	// SerializeClusterStatus encodes the data segment of an OpGetClusterStatus response
	SerializeClusterStatus(status common.ClusterStatus) ([]byte, error)
	// DeserializeClusterStatus decodes the data segment of an OpGetClusterStatus response
	DeserializeClusterStatus(b []byte, status *common.ClusterStatus) error
}

// Names lists the serializers accepted by New
var Names = []string{"binary", "msgpack", "json", "gob"}

// New returns the serializer with the given name
func New(name string) (IRPCSerializer, error) {
	switch strings.ToLower(name) {
	case "binary":
		return NewBinarySerializer(), nil
	case "msgpack":
		return NewMsgpackSerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer: %s. must be one of %s", name, strings.Join(Names, ", "))
	}
}
