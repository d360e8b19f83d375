package codec

import "google.golang.org/protobuf/proto"

// Protobuf is a Codec for proto.Message values. Decode needs a fresh
// message to unmarshal into, so the codec carries a constructor for the
// concrete type. Construct with NewProtobuf; the zero value panics on use.
type Protobuf[T proto.Message] struct {
	new func() T // e.g. func() *assetpb.Asset { return &assetpb.Asset{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}
func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
