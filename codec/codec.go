// Package codec defines how cached values are serialized for the byte
// store. The engine frames every payload with a generation header, so a
// codec only sees the value bytes themselves.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
