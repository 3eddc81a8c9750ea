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

package codec_test

import (
	"encoding/binary"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tetherdm/tether-agent/pkg/codec"
	"github.com/tetherdm/tether-agent/pkg/resources"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

func TestCodec(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Codec Suite")
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

var _ = Describe("Scalar codec", func() {
	It("round-trips every kind", func() {
		for _, v := range []resources.Value{
			resources.None(),
			resources.BoolValue(true),
			resources.BoolValue(false),
			resources.IntValue(-7),
			resources.IntValue(1 << 40),
			resources.FloatValue(-0.5),
			resources.StringValue(""),
			resources.StringValue("eco"),
			resources.BytesValue([]byte{0x00, 0xff, 0x10}),
		} {
			data, err := codec.EncodeValue(v)
			Expect(err).NotTo(HaveOccurred())

			got, err := codec.DecodeValue(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(v), "value %s", v)
		}
	})

	It("writes the documented byte layout", func() {
		data, err := codec.EncodeValue(resources.StringValue("eco"))
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{0x04, 3, 0, 0, 0, 'e', 'c', 'o'}))

		data, err = codec.EncodeValue(resources.BoolValue(true))
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{0x01, 0x01}))
	})

	It("rejects unknown tags, truncation and trailing bytes", func() {
		_, err := codec.DecodeValue([]byte{0xee})
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))

		data, err := codec.EncodeValue(resources.StringValue("eco"))
		Expect(err).NotTo(HaveOccurred())

		_, err = codec.DecodeValue(data[:len(data)-1])
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))

		_, err = codec.DecodeValue(append(data, 0x00))
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))

		_, err = codec.DecodeValue(nil)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("rejects bool bytes other than 0 and 1", func() {
		data, err := codec.EncodeValue(resources.BoolValue(true))
		Expect(err).NotTo(HaveOccurred())
		data[1] = 2

		_, err = codec.DecodeValue(data)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("rejects payloads over the size bound", func() {
		_, err := codec.EncodeValue(resources.BytesValue(make([]byte, 5000)))
		Expect(err).To(MatchError(standarderrors.ErrOverflow))
	})

	It("refuses a map where a scalar is expected", func() {
		data, err := codec.Encode([]resources.Leaf{{Path: "t", Value: resources.IntValue(1)}})
		Expect(err).NotTo(HaveOccurred())

		_, err = codec.DecodeValue(data)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})
})

var _ = Describe("Group codec", func() {
	leaves := func() []resources.Leaf {
		return []resources.Leaf{
			{Path: "zones/living/temp", Value: resources.FloatValue(21)},
			{Path: "mode", Value: resources.StringValue("eco")},
			{Path: "zones/attic/humidity", Value: resources.IntValue(55)},
			{Path: "zones/attic/temp", Value: resources.FloatValue(17)},
		}
	}

	It("round-trips a subtree in lexicographic order", func() {
		data, err := codec.Encode(leaves())
		Expect(err).NotTo(HaveOccurred())

		got, err := codec.Decode(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]resources.Leaf{
			{Path: "mode", Value: resources.StringValue("eco")},
			{Path: "zones/attic/humidity", Value: resources.IntValue(55)},
			{Path: "zones/attic/temp", Value: resources.FloatValue(17)},
			{Path: "zones/living/temp", Value: resources.FloatValue(21)},
		}))
	})

	It("encodes any permutation of the same leaves to the same bytes", func() {
		in := leaves()
		canonical, err := codec.Encode(in)
		Expect(err).NotTo(HaveOccurred())

		reversed := make([]resources.Leaf, 0, len(in))
		for i := len(in) - 1; i >= 0; i-- {
			reversed = append(reversed, in[i])
		}
		permuted, err := codec.Encode(reversed)
		Expect(err).NotTo(HaveOccurred())

		Expect(permuted).To(Equal(canonical))
	})

	It("writes the documented map layout", func() {
		data, err := codec.Encode([]resources.Leaf{{Path: "t", Value: resources.IntValue(42)}})
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{
			0x06, 1, 0, 0, 0, // map, one pair
			1, 0, 0, 0, 't', // label
			0x02, 42, 0, 0, 0, 0, 0, 0, 0, // int 42
		}))
	})

	It("rejects a path that is both a leaf and a branch", func() {
		_, err := codec.Encode([]resources.Leaf{
			{Path: "a", Value: resources.IntValue(1)},
			{Path: "a/b", Value: resources.IntValue(2)},
		})
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))

		_, err = codec.Encode([]resources.Leaf{
			{Path: "a", Value: resources.IntValue(1)},
			{Path: "a", Value: resources.IntValue(2)},
		})
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("rejects malformed relative paths", func() {
		_, err := codec.Encode([]resources.Leaf{{Path: "a//b", Value: resources.IntValue(1)}})
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("refuses a scalar where a map is expected", func() {
		data, err := codec.EncodeValue(resources.IntValue(5))
		Expect(err).NotTo(HaveOccurred())

		_, err = codec.Decode(data)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("bounds nesting depth", func() {
		deep := func(levels int) []byte {
			var payload []byte
			for i := 0; i < levels; i++ {
				payload = append(payload, 0x06)
				payload = append(payload, u32le(1)...)
				payload = append(payload, u32le(1)...)
				payload = append(payload, 'n')
			}
			return append(payload, 0x00) // none leaf at the bottom
		}

		_, err := codec.Decode(deep(16))
		Expect(err).NotTo(HaveOccurred())

		_, err = codec.Decode(deep(17))
		Expect(err).To(MatchError(standarderrors.ErrOverflow))
	})

	It("bounds the leaf count", func() {
		payload := []byte{0x06}
		payload = append(payload, u32le(1025)...)
		for i := 0; i < 1025; i++ {
			label := fmt.Sprintf("a%03d", i)
			payload = append(payload, u32le(uint32(len(label)))...)
			payload = append(payload, label...)
			payload = append(payload, 0x00)
		}

		_, err := codec.Decode(payload)
		Expect(err).To(MatchError(standarderrors.ErrOverflow))
	})

	It("rejects labels that would splice paths", func() {
		payload := []byte{0x06}
		payload = append(payload, u32le(1)...)
		payload = append(payload, u32le(3)...)
		payload = append(payload, 'a', '/', 'b')
		payload = append(payload, 0x00)

		_, err := codec.Decode(payload)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})

	It("yields while decoding large payloads", func() {
		var in []resources.Leaf
		for i := 0; i < 200; i++ {
			in = append(in, resources.Leaf{
				Path:  fmt.Sprintf("l%03d", i),
				Value: resources.IntValue(int64(i)),
			})
		}
		data, err := codec.Encode(in)
		Expect(err).NotTo(HaveOccurred())

		calls := 0
		got, err := codec.Decode(data, codec.WithYield(64, func() { calls++ }))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(200))
		Expect(calls).To(Equal(3))
	})
})

var _ = Describe("Argument codec", func() {
	It("decodes a flat map of named scalars", func() {
		data, err := codec.Encode([]resources.Leaf{
			{Path: "offset", Value: resources.FloatValue(-0.5)},
			{Path: "save", Value: resources.BoolValue(true)},
		})
		Expect(err).NotTo(HaveOccurred())

		args, err := codec.DecodeArguments(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(args).To(HaveLen(2))
		Expect(args.Float("offset")).To(Equal(-0.5))
		Expect(args.Bool("save")).To(BeTrue())
	})

	It("treats an empty payload as no arguments", func() {
		args, err := codec.DecodeArguments(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(args).To(BeEmpty())
	})

	It("rejects nested arguments", func() {
		data, err := codec.Encode([]resources.Leaf{
			{Path: "filter/min", Value: resources.IntValue(1)},
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = codec.DecodeArguments(data)
		Expect(err).To(MatchError(standarderrors.ErrBadParameter))
	})
})
