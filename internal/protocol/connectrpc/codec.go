package connectrpc

import "github.com/vmihailenco/msgpack/v5"

// msgpackCodec implements connect.Codec. No .proto-generated types ship
// in this tree, so the wire payloads are msgpack-encoded Go structs
// (the same library the manifest/journal/REFCNT files already use)
// rather than protobuf.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(msg any) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (msgpackCodec) Unmarshal(data []byte, msg any) error {
	return msgpack.Unmarshal(data, msg)
}
