// Package codec holds the wire encodings shared by the ingest server and the
// forwarder: JSON for websocket text frames, CBOR for binary frames.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/selivandex/telemetry-bridge/pkg/models"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// log records are map[string]any, nested maps must decode the same way
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Format selects a frame encoding
type Format int

const (
	JSON Format = iota
	CBOR
)

func (f Format) String() string {
	if f == CBOR {
		return "cbor"
	}
	return "json"
}

// MarshalCBOR encodes v with core deterministic encoding
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR data into v
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeEnvelope encodes one envelope as a single frame
func EncodeEnvelope(f Format, env models.Envelope) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch f {
	case CBOR:
		data, err = MarshalCBOR(env)
	default:
		data, err = json.Marshal(env)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", f, err)
	}
	return data, nil
}

// DecodeEnvelope decodes and validates one frame
func DecodeEnvelope(f Format, data []byte) (models.Envelope, error) {
	var (
		env models.Envelope
		err error
	)
	switch f {
	case CBOR:
		err = UnmarshalCBOR(data, &env)
	default:
		err = json.Unmarshal(data, &env)
	}
	if err != nil {
		return models.Envelope{}, fmt.Errorf("decode %s envelope: %w", f, err)
	}
	if err := env.Validate(); err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}
