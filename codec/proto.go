package codec

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers with a structpb
// envelope, so no generated schema is required.
//
// Frames round-trip through a JSON-shaped structpb.Struct, which means
// payloads must be JSON-compatible values. Decoded payloads carry
// JSON-typed values (maps, strings, float64).
type Proto struct{}

// Encode serializes a frame to Protocol Buffer bytes.
func (Proto) Encode(f *Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes Protocol Buffer bytes to a frame.
func (Proto) Decode(data []byte) (*Frame, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &f, nil
}

// ContentType returns "application/x-protobuf".
func (Proto) ContentType() string { return "application/x-protobuf" }

// Name returns "proto".
func (Proto) Name() string { return "proto" }

// Compile-time check
var _ Codec = Proto{}
