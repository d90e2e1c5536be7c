// Package codec (de)serializes values for durable storage and the realtime
// transport. The document store round-trips opaque bytes; a Codec decides
// what those bytes look like.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
