// Package encoding provides centralized serialization for cached metadata documents.
// Cache payloads and store records MUST go through this package so every store
// persists the same byte shape.
//
// Thread Safety: Marshal, Unmarshal, Seal and Open are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
// Strings decode as Go strings (not []byte) when the target is interface{}.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// UnmarshalStrict decodes msgpack data and fails on fields the target does not declare.
// Cached documents written by a different model version surface here as errors.
func UnmarshalStrict(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	dec.DisallowUnknownFields(true)

	return dec.Decode(v)
}
