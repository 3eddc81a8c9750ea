// Copyright 2025 Tether Device Management
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package push

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

// zstdMagic prefixes every zstd stream; the decoder uses it to tell
// compressed frames from plain ones.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))

			return encoder
		},
	}

	decoderPool = sync.Pool{
		New: func() interface{} {
			decoder, _ := zstd.NewReader(nil)

			return decoder
		},
	}
)

// EncodeFrame prepares one payload for the uplink queue: payloads above
// the compression threshold are zstd-compressed, and the result is base64
// encoded so the delivery transport can treat it as text.
func EncodeFrame(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("empty payload: %w", standarderrors.ErrBadParameter)
	}
	if len(payload) > constants.MaxPayloadBytes {
		return "", fmt.Errorf("payload of %d bytes exceeds %d: %w",
			len(payload), constants.MaxPayloadBytes, standarderrors.ErrOverflow)
	}

	data := payload
	if len(payload) > constants.PushCompressionThreshold {
		encoder, ok := encoderPool.Get().(*zstd.Encoder)
		if !ok || encoder == nil {
			return "", fmt.Errorf("zstd encoder unavailable: %w", standarderrors.ErrFault)
		}
		data = encoder.EncodeAll(payload, nil)
		encoderPool.Put(encoder)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeFrame is the inverse of EncodeFrame. The decompressed size is
// bounded by the wire payload limit; oversized frames are rejected, never
// truncated.
func DecodeFrame(frame string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("frame is not valid base64: %w", standarderrors.ErrBadParameter)
	}

	if !bytes.HasPrefix(data, zstdMagic) {
		if len(data) > constants.MaxPayloadBytes {
			return nil, fmt.Errorf("frame of %d bytes exceeds %d: %w",
				len(data), constants.MaxPayloadBytes, standarderrors.ErrOverflow)
		}

		return data, nil
	}

	decoder, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok || decoder == nil {
		return nil, fmt.Errorf("zstd decoder unavailable: %w", standarderrors.ErrFault)
	}
	defer decoderPool.Put(decoder)

	payload, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", standarderrors.ErrBadParameter)
	}
	if len(payload) > constants.MaxPayloadBytes {
		return nil, fmt.Errorf("frame decompresses to %d bytes, limit %d: %w",
			len(payload), constants.MaxPayloadBytes, standarderrors.ErrOverflow)
	}

	return payload, nil
}
