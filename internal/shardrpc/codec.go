// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

import (
	"encoding/json"

	"github.com/samber/oops"
)

// codecName is the gRPC content subtype used on the shard stream.
const codecName = "json"

// jsonCodec carries Frames as JSON instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, oops.Code(CodeEncodeFailed).Wrap(err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return oops.Code(CodeDecodeFailed).Wrap(err)
	}
	return nil
}
