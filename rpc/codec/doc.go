/*
Package codec implements the binary frame format spoken between sealfs peers.

Every message on a connection is one self-delimiting frame: a fixed size
big-endian header followed by the variable length segments it announces.

Request frame:

	magic (2) | version (1) | kind=0 (1) | call id (8) | operation type (4) | flags (4)
	path len (4) | data len (4) | metadata len (4) | path | data | metadata

Response frame:

	magic (2) | version (1) | kind=1 (1) | call id (8) | status (4, signed) | flags (4)
	metadata len (4) | data len (4) | metadata | data

The call id lets a client multiplex many outstanding calls over one
connection. Declared lengths are validated against a configurable maximum
before any payload is read, so a corrupt header can not trigger a huge
allocation. Header reads distinguish a clean end of stream (io.EOF) from a
truncated frame (common.ErrFraming); both end the connection but only the
latter is reported as an error.

Writers hand the header and all segments to the socket in a single
net.Buffers write. Readers either decode a frame into one allocation
(DecodeRequest, DecodeResponse) or read the header first and move the payload
straight into caller supplied buffers (ReadResponseHeader, ReadResponseBody).
*/
package codec
