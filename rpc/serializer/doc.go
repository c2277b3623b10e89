// Package serializer provides the payload encodings of the sealfs manager
// operations. The frame protocol carries opaque byte segments; this package
// defines what the data segment of a heartbeat request and of a cluster
// status response looks like.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - msgpackSerializerImpl: MessagePack encoding based on hashicorp/go-msgpack.
//     It is the default, compact and self describing.
//
//   - binarySerializerImpl: Custom length-prefixed format with the smallest
//     payloads and no reflection.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging with external tools.
//
//   - gobSerializerImpl: Go's gob encoding. Only readable by Go peers.
//
// All peers of a cluster must use the same serializer. The choice is made
// once at startup (see New) and passed to the heartbeat reporter, the
// manager handler and the command line client.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
package serializer
