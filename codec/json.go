package codec

import (
	"encoding/json"
	"errors"
)

// JSON implements Codec using encoding/json.
type JSON struct{}

// Encode serializes a frame to JSON bytes.
func (JSON) Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to a frame.
func (JSON) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &f, nil
}

// ContentType returns "application/json".
func (JSON) ContentType() string { return "application/json" }

// Name returns "json".
func (JSON) Name() string { return "json" }

// Compile-time check
var _ Codec = JSON{}
