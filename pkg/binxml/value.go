// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/charmap"
)

// Supported code pages for single-byte character values.
const (
	codePageWindows1252 = 1252
	codePageLatin1      = 28591
	codePageUTF8        = 65001
)

var (
	sqlEpoch   = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
	clrEpoch   = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	ticksInDay = int64(24 * time.Hour / 100)
)

// Value is a typed scalar decoded from the stream. Raw returns the payload
// bytes without copying; they are only valid until the next call to Next.
//
// Conversions follow a fixed table. Text accepts every kind. Int64, Float64
// and Decimal accept numeric, boolean and character kinds. Time accepts the
// date/time kinds and character kinds. Bytes accepts binary kinds and UUID.
// Bool accepts boolean, integer and character kinds. Any other pairing fails
// with InvalidCastError.
type Value struct {
	kind  Kind
	raw   []byte
	qname QName
}

// StringValue returns a character value holding s.
func StringValue(s string) Value {
	return Value{kind: SQLNVarChar, raw: encodeUTF16(s)}
}

// Kind returns the token kind the value was encoded with.
func (v Value) Kind() Kind { return v.kind }

// Raw returns the undecoded payload.
func (v Value) Raw() []byte { return v.raw }

// QName returns the name carried by an XSD_QNAME value.
func (v Value) QName() QName { return v.qname }

func (v Value) castError(to string, cause error) error {
	return &InvalidCastError{From: v.kind, To: to, Cause: cause}
}

func (v Value) isInteger() bool {
	switch v.kind {
	case SQLSmallInt, SQLInt, SQLTinyInt, SQLBigInt, XSDByte, XSDUnsignedShort, XSDUnsignedInt, XSDUnsignedLong:
		return true
	}
	return false
}

func (v Value) isBool() bool { return v.kind == SQLBit || v.kind == XSDBoolean }

func (v Value) isDecimal() bool {
	return v.kind == SQLDecimal || v.kind == SQLNumeric || v.kind == XSDDecimal
}

func (v Value) isMoney() bool { return v.kind == SQLMoney || v.kind == SQLSmallMoney }

func (v Value) isFloat() bool { return v.kind == SQLReal || v.kind == SQLFloat }

func (v Value) isTime() bool {
	switch v.kind {
	case SQLDateTime, SQLSmallDateTime, XSDTime, XSDDateTime, XSDDate:
		return true
	}
	return v.kind.isKatmai()
}

func (v Value) isBinary() bool {
	switch v.kind {
	case SQLBinary, SQLVarBinary, SQLImage, SQLUDT, XSDBinHex, XSDBase64:
		return true
	}
	return false
}

// integer decodes integer kinds; unsigned 64-bit values above MaxInt64 fail.
func (v Value) integer() (int64, error) {
	b := v.raw
	switch v.kind {
	case SQLTinyInt:
		return int64(b[0]), nil
	case XSDByte:
		return int64(int8(b[0])), nil
	case SQLSmallInt:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case XSDUnsignedShort:
		return int64(binary.LittleEndian.Uint16(b)), nil
	case SQLInt:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case XSDUnsignedInt:
		return int64(binary.LittleEndian.Uint32(b)), nil
	case SQLBigInt:
		return int64(binary.LittleEndian.Uint64(b)), nil
	case XSDUnsignedLong:
		u := binary.LittleEndian.Uint64(b)
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", u)
		}
		return int64(u), nil
	}
	return 0, fmt.Errorf("%s is not an integer kind", v.kind)
}

func (v Value) float() float64 {
	if v.kind == SQLReal {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(v.raw)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.raw))
}

func (v Value) money() Decimal {
	if v.kind == SQLSmallMoney {
		return NewDecimal(int64(int32(binary.LittleEndian.Uint32(v.raw))), 4)
	}
	return NewDecimal(int64(binary.LittleEndian.Uint64(v.raw)), 4)
}

// decimal decodes precision, scale, sign and little-endian 32-bit words.
func (v Value) decimal() (Decimal, error) {
	b := v.raw
	if len(b) < 3 || (len(b)-3)%4 != 0 {
		return Decimal{}, fmt.Errorf("malformed decimal payload of %d bytes", len(b))
	}
	scale, positive := b[1], b[2] == 1
	u := new(big.Int)
	w := new(big.Int)
	for i := len(b) - 4; i >= 3; i -= 4 {
		u.Lsh(u, 32)
		u.Or(u, w.SetUint64(uint64(binary.LittleEndian.Uint32(b[i:]))))
	}
	if !positive {
		u.Neg(u)
	}
	return Decimal{Unscaled: u, Scale: int32(scale)}, nil
}

func (v Value) boolean() bool { return v.raw[0] != 0 }

// str decodes character kinds.
func (v Value) str() (string, error) {
	if v.kind.isWideString() {
		return decodeUTF16(v.raw)
	}
	cp := binary.LittleEndian.Uint32(v.raw)
	body := v.raw[4:]
	switch cp {
	case codePageUTF8:
		if !utf8.Valid(body) {
			return strings.ToValidUTF8(string(body), "\uFFFD"), nil
		}
		return string(body), nil
	case codePageWindows1252:
		out, err := charmap.Windows1252.NewDecoder().Bytes(body)
		return string(out), err
	case codePageLatin1:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
		return string(out), err
	}
	return "", &UnsupportedEncodingError{CodePage: cp}
}

func (v Value) uuid() uuid.UUID {
	var u uuid.UUID
	b := v.raw
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

// katmaiTimeLen returns the byte width of the time component for scale.
func katmaiTimeLen(scale byte) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func leUint(b []byte) uint64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	return u
}

// katmai decodes the offset-aware family: optional scale and time, optional
// three-byte date, optional signed offset in minutes.
func (v Value) katmai() time.Time {
	b := v.raw
	var tod time.Duration
	if v.kind != XSDKatmaiDate && v.kind != XSDKatmaiDateOffset {
		scale := b[0]
		n := katmaiTimeLen(scale)
		units := leUint(b[1 : 1+n])
		for i := scale; i < 7; i++ {
			units *= 10
		}
		tod = time.Duration(units) * 100
		b = b[1+n:]
	}
	days := 0
	if v.kind != XSDKatmaiTime && v.kind != XSDKatmaiTimeOffset {
		days = int(leUint(b[:3]))
		b = b[3:]
	}
	t := clrEpoch.AddDate(0, 0, days).Add(tod)
	switch v.kind {
	case XSDKatmaiTimeOffset, XSDKatmaiDateTimeOffset, XSDKatmaiDateOffset:
		offset := int(int16(binary.LittleEndian.Uint16(b)))
		t = t.In(time.FixedZone("", offset*60))
	}
	return t
}

func (v Value) datetime() time.Time {
	b := v.raw
	switch v.kind {
	case SQLDateTime:
		days := int(int32(binary.LittleEndian.Uint32(b)))
		ticks := int64(binary.LittleEndian.Uint32(b[4:]))
		return sqlEpoch.AddDate(0, 0, days).Add(time.Duration(ticks * int64(time.Second) / 300))
	case SQLSmallDateTime:
		days := int(binary.LittleEndian.Uint16(b))
		minutes := int(binary.LittleEndian.Uint16(b[2:]))
		return sqlEpoch.AddDate(0, 0, days).Add(time.Duration(minutes) * time.Minute)
	case XSDTime, XSDDateTime, XSDDate:
		ticks := int64(binary.LittleEndian.Uint64(b))
		days := ticks / ticksInDay
		rem := ticks % ticksInDay
		return clrEpoch.AddDate(0, 0, int(days)).Add(time.Duration(rem) * 100)
	}
	return v.katmai()
}

func (v Value) timeLayout() string {
	switch v.kind {
	case XSDDate, XSDKatmaiDate:
		return "2006-01-02"
	case XSDKatmaiDateOffset:
		return "2006-01-02Z07:00"
	case XSDTime, XSDKatmaiTime:
		return "15:04:05.9999999"
	case XSDKatmaiTimeOffset:
		return "15:04:05.9999999Z07:00"
	case XSDKatmaiDateTimeOffset:
		return "2006-01-02T15:04:05.9999999Z07:00"
	}
	return "2006-01-02T15:04:05.9999999"
}

// Text converts any value to its XML text form.
func (v Value) Text() (string, error) {
	switch {
	case v.kind.isString():
		s, err := v.str()
		if err != nil {
			return "", v.castError("string", err)
		}
		return s, nil
	case v.isInteger():
		if v.kind == XSDUnsignedLong {
			return strconv.FormatUint(binary.LittleEndian.Uint64(v.raw), 10), nil
		}
		i, _ := v.integer()
		return strconv.FormatInt(i, 10), nil
	case v.kind == SQLBit:
		if v.boolean() {
			return "1", nil
		}
		return "0", nil
	case v.kind == XSDBoolean:
		return strconv.FormatBool(v.boolean()), nil
	case v.kind == SQLReal:
		return strconv.FormatFloat(v.float(), 'G', -1, 32), nil
	case v.kind == SQLFloat:
		return strconv.FormatFloat(v.float(), 'G', -1, 64), nil
	case v.isDecimal():
		d, err := v.decimal()
		if err != nil {
			return "", v.castError("string", err)
		}
		return d.String(), nil
	case v.isMoney():
		return v.money().String(), nil
	case v.isTime():
		return v.datetime().Format(v.timeLayout()), nil
	case v.kind == SQLUUID:
		return v.uuid().String(), nil
	case v.kind == XSDBinHex:
		return strings.ToUpper(hex.EncodeToString(v.raw)), nil
	case v.isBinary():
		return base64.StdEncoding.EncodeToString(v.raw), nil
	case v.kind == XSDQName:
		return v.qname.String(), nil
	}
	return "", v.castError("string", nil)
}

// Int64 converts numeric, boolean and character values.
func (v Value) Int64() (int64, error) {
	switch {
	case v.isInteger():
		i, err := v.integer()
		if err != nil {
			return 0, v.castError("int64", err)
		}
		return i, nil
	case v.isBool():
		if v.boolean() {
			return 1, nil
		}
		return 0, nil
	case v.isFloat():
		f := v.float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, v.castError("int64", fmt.Errorf("%v is not an integral int64", f))
		}
		return int64(f), nil
	case v.isDecimal(), v.isMoney():
		d, err := v.Decimal()
		if err != nil {
			return 0, v.castError("int64", err)
		}
		i, ok := d.Int64()
		if !ok {
			return 0, v.castError("int64", fmt.Errorf("%s is not an integral int64", d))
		}
		return i, nil
	case v.kind.isString():
		s, err := v.str()
		if err == nil {
			var i int64
			if i, err = strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return i, nil
			}
		}
		return 0, v.castError("int64", err)
	}
	return 0, v.castError("int64", nil)
}

// Float64 converts numeric, boolean and character values.
func (v Value) Float64() (float64, error) {
	switch {
	case v.isFloat():
		return v.float(), nil
	case v.isInteger():
		if v.kind == XSDUnsignedLong {
			return float64(binary.LittleEndian.Uint64(v.raw)), nil
		}
		i, _ := v.integer()
		return float64(i), nil
	case v.isBool():
		if v.boolean() {
			return 1, nil
		}
		return 0, nil
	case v.isDecimal(), v.isMoney():
		d, err := v.Decimal()
		if err != nil {
			return 0, v.castError("float64", err)
		}
		return d.Float64(), nil
	case v.kind.isString():
		s, err := v.str()
		if err == nil {
			var f float64
			if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, nil
			}
		}
		return 0, v.castError("float64", err)
	}
	return 0, v.castError("float64", nil)
}

// Decimal converts numeric, boolean and character values exactly.
func (v Value) Decimal() (Decimal, error) {
	switch {
	case v.isDecimal():
		d, err := v.decimal()
		if err != nil {
			return Decimal{}, v.castError("decimal", err)
		}
		return d, nil
	case v.isMoney():
		return v.money(), nil
	case v.isInteger():
		if v.kind == XSDUnsignedLong {
			u := new(big.Int).SetUint64(binary.LittleEndian.Uint64(v.raw))
			return Decimal{Unscaled: u}, nil
		}
		i, _ := v.integer()
		return NewDecimal(i, 0), nil
	case v.isBool():
		if v.boolean() {
			return NewDecimal(1, 0), nil
		}
		return NewDecimal(0, 0), nil
	case v.isFloat():
		d, err := decimalFromFloat(v.float())
		if err != nil {
			return Decimal{}, v.castError("decimal", err)
		}
		return d, nil
	case v.kind.isString():
		s, err := v.str()
		if err == nil {
			var d Decimal
			if d, err = ParseDecimal(s); err == nil {
				return d, nil
			}
		}
		return Decimal{}, v.castError("decimal", err)
	}
	return Decimal{}, v.castError("decimal", nil)
}

var textTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02Z07:00",
	"2006-01-02",
	"15:04:05.9999999Z07:00",
	"15:04:05.9999999",
}

// Time converts date/time and character values.
func (v Value) Time() (time.Time, error) {
	switch {
	case v.isTime():
		return v.datetime(), nil
	case v.kind.isString():
		s, err := v.str()
		if err != nil {
			return time.Time{}, v.castError("time", err)
		}
		s = strings.TrimSpace(s)
		for _, layout := range textTimeLayouts {
			if t, perr := time.Parse(layout, s); perr == nil {
				return t, nil
			}
		}
		return time.Time{}, v.castError("time", fmt.Errorf("unrecognised date/time %q", s))
	}
	return time.Time{}, v.castError("time", nil)
}

// Bytes returns binary payloads and UUIDs in canonical byte order.
func (v Value) Bytes() ([]byte, error) {
	switch {
	case v.isBinary():
		return v.raw, nil
	case v.kind == SQLUUID:
		u := v.uuid()
		return u[:], nil
	}
	return nil, v.castError("bytes", nil)
}

// Bool converts boolean, integer and character values.
func (v Value) Bool() (bool, error) {
	switch {
	case v.isBool():
		return v.boolean(), nil
	case v.isInteger():
		if v.kind == XSDUnsignedLong {
			return binary.LittleEndian.Uint64(v.raw) != 0, nil
		}
		i, _ := v.integer()
		return i != 0, nil
	case v.kind.isString():
		s, err := v.str()
		if err != nil {
			return false, v.castError("bool", err)
		}
		switch strings.TrimSpace(s) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return false, v.castError("bool", errors.New("not an xsd:boolean literal"))
	}
	return false, v.castError("bool", nil)
}

// isWhitespace reports whether s consists only of XML whitespace.
func isWhitespace(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}
