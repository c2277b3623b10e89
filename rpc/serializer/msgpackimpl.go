package serializer

import (
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/hashicorp/go-msgpack/codec"
)

// NewMsgpackSerializer creates a new serializer using the MessagePack format.
// This is the default encoding of the heartbeat payload.
func NewMsgpackSerializer() IRPCSerializer {
	return &msgpackSerializerImpl{handle: &codec.MsgpackHandle{}}
}

// msgpackSerializerImpl implements the IRPCSerializer interface using msgpack encoding
type msgpackSerializerImpl struct {
	handle *codec.MsgpackHandle
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (m msgpackSerializerImpl) SerializeHeartbeat(req common.HeartbeatRequest) ([]byte, error) {
	return m.encode(&req)
}

func (m msgpackSerializerImpl) DeserializeHeartbeat(b []byte, req *common.HeartbeatRequest) error {
	return codec.NewDecoderBytes(b, m.handle).Decode(req)
}

func (m msgpackSerializerImpl) SerializeClusterStatus(status common.ClusterStatus) ([]byte, error) {
	return m.encode(&status)
}

func (m msgpackSerializerImpl) DeserializeClusterStatus(b []byte, status *common.ClusterStatus) error {
	return codec.NewDecoderBytes(b, m.handle).Decode(status)
}

func (m msgpackSerializerImpl) encode(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, m.handle).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}
