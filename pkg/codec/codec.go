// Package codec abstracts the encodings storysync speaks: JSON for the
// persisted document tree and CBOR for relay protocol messages. Both
// sides of the relay share one Codec so the wire encoding is swappable in
// tests and tools.
package codec

import (
	"encoding/json"
	"io"

	"github.com/fxamacker/cbor/v2"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is a matched marshal/unmarshal pair.
type Codec interface {
	Marshaler
	Unmarshaler
}

// JSON encodes with encoding/json.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

// CBOR encodes with fxamacker/cbor. It is the default relay wire codec.
type CBOR struct{}

func (CBOR) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (CBOR) NewEncoder(w io.Writer) Encoder {
	return cbor.NewEncoder(w)
}

func (CBOR) Unmarshal(data []byte, dst any) error {
	return cbor.Unmarshal(data, dst)
}

func (CBOR) NewDecoder(r io.Reader) Decoder {
	return cbor.NewDecoder(r)
}
