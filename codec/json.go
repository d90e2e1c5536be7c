package codec

import "encoding/json"

// JSON serializes values with encoding/json. It is the default codec: the
// durable store is a JSON document store and records written this way stay
// readable by other tooling.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
