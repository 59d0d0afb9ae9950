// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessionstate

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/stacklok/statestore/pkg/binxml"
)

// BinaryXML is an item value holding a binary XML document.
type BinaryXML []byte

// Reader returns a decoder over the document.
func (b BinaryXML) Reader(opts ...binxml.Option) *binxml.Reader {
	return binxml.NewReader(bytes.NewReader(b), opts...)
}

// RegisterType makes values of v's concrete type storable as items. Types
// without a built-in encoding are serialized with encoding/gob.
func RegisterType(v any) {
	gob.Register(v)
}

type valueTag byte

const (
	tagNil valueTag = iota
	tagString
	tagBool
	tagInt
	tagInt8
	tagInt16
	tagInt32
	tagInt64
	tagUint
	tagUint8
	tagUint16
	tagUint32
	tagUint64
	tagFloat32
	tagFloat64
	tagTime
	tagDuration
	tagBytes
	tagBinaryXML
	tagGob
)

// isImmutable reports whether a caller cannot change v in place after Get.
func isImmutable(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time, time.Duration:
		return true
	}
	return false
}

// appendValue appends the type-tagged encoding of v.
func appendValue(b []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(b, byte(tagNil)), nil
	case string:
		b = append(b, byte(tagString))
		b = binary.AppendUvarint(b, uint64(len(x)))
		return append(b, x...), nil
	case bool:
		if x {
			return append(b, byte(tagBool), 1), nil
		}
		return append(b, byte(tagBool), 0), nil
	case int:
		return binary.AppendVarint(append(b, byte(tagInt)), int64(x)), nil
	case int8:
		return binary.AppendVarint(append(b, byte(tagInt8)), int64(x)), nil
	case int16:
		return binary.AppendVarint(append(b, byte(tagInt16)), int64(x)), nil
	case int32:
		return binary.AppendVarint(append(b, byte(tagInt32)), int64(x)), nil
	case int64:
		return binary.AppendVarint(append(b, byte(tagInt64)), x), nil
	case uint:
		return binary.AppendUvarint(append(b, byte(tagUint)), uint64(x)), nil
	case uint8:
		return binary.AppendUvarint(append(b, byte(tagUint8)), uint64(x)), nil
	case uint16:
		return binary.AppendUvarint(append(b, byte(tagUint16)), uint64(x)), nil
	case uint32:
		return binary.AppendUvarint(append(b, byte(tagUint32)), uint64(x)), nil
	case uint64:
		return binary.AppendUvarint(append(b, byte(tagUint64)), x), nil
	case float32:
		return binary.LittleEndian.AppendUint32(append(b, byte(tagFloat32)), math.Float32bits(x)), nil
	case float64:
		return binary.LittleEndian.AppendUint64(append(b, byte(tagFloat64)), math.Float64bits(x)), nil
	case time.Time:
		enc, err := x.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return append(append(b, byte(tagTime)), enc...), nil
	case time.Duration:
		return binary.AppendVarint(append(b, byte(tagDuration)), int64(x)), nil
	case []byte:
		return append(append(b, byte(tagBytes)), x...), nil
	case BinaryXML:
		return append(append(b, byte(tagBinaryXML)), x...), nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return append(append(b, byte(tagGob)), buf.Bytes()...), nil
}

// decodeValue decodes one value produced by appendValue. b holds exactly one
// encoded value.
func decodeValue(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	tag, body := valueTag(b[0]), b[1:]
	switch tag {
	case tagNil:
		return nil, nil
	case tagString:
		n, k := binary.Uvarint(body)
		if k <= 0 || uint64(len(body)-k) != n {
			return nil, io.ErrUnexpectedEOF
		}
		return string(body[k:]), nil
	case tagBool:
		if len(body) != 1 {
			return nil, io.ErrUnexpectedEOF
		}
		return body[0] != 0, nil
	case tagInt, tagInt8, tagInt16, tagInt32, tagInt64, tagDuration:
		v, k := binary.Varint(body)
		if k <= 0 || k != len(body) {
			return nil, io.ErrUnexpectedEOF
		}
		switch tag {
		case tagInt:
			return int(v), nil
		case tagInt8:
			return int8(v), nil
		case tagInt16:
			return int16(v), nil
		case tagInt32:
			return int32(v), nil
		case tagDuration:
			return time.Duration(v), nil
		}
		return v, nil
	case tagUint, tagUint8, tagUint16, tagUint32, tagUint64:
		v, k := binary.Uvarint(body)
		if k <= 0 || k != len(body) {
			return nil, io.ErrUnexpectedEOF
		}
		switch tag {
		case tagUint:
			return uint(v), nil
		case tagUint8:
			return uint8(v), nil
		case tagUint16:
			return uint16(v), nil
		case tagUint32:
			return uint32(v), nil
		}
		return v, nil
	case tagFloat32:
		if len(body) != 4 {
			return nil, io.ErrUnexpectedEOF
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(body)), nil
	case tagFloat64:
		if len(body) != 8 {
			return nil, io.ErrUnexpectedEOF
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(body)), nil
	case tagTime:
		var t time.Time
		if err := t.UnmarshalBinary(body); err != nil {
			return nil, err
		}
		return t, nil
	case tagBytes:
		return bytes.Clone(body), nil
	case tagBinaryXML:
		return BinaryXML(bytes.Clone(body)), nil
	case tagGob:
		var v any
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown value tag %d", tag)
}
