package store

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Cached values are MessagePack encoded. Field names follow the json tags so
// the cache and the API agree on names. Decimals round-trip through their
// binary form; times come back in the local zone and callers convert to UTC.

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
