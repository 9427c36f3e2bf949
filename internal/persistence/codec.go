package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/chronicle/pkg/api"
)

// EncodeValue gob-encodes v as its concrete type.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue gob-decodes data into a T.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// encodeEvent strips the storage-assigned fields before encoding so the
// stored body never disagrees with the row it lives in.
func encodeEvent(ev api.Event) ([]byte, error) {
	ev.Seq = 0
	ev.Key = api.ExecutionKey{}
	return EncodeValue(ev)
}

func decodeEvent(key api.ExecutionKey, seq int64, data []byte) (api.Event, error) {
	ev, err := DecodeValue[api.Event](data)
	if err != nil {
		return api.Event{}, err
	}
	ev.Key = key
	ev.Seq = seq
	return ev, nil
}
