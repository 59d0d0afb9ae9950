// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// daysFromYearOne counts whole days between 0001-01-01 and t.
func daysFromYearOne(t time.Time) int64 {
	return (t.Unix() - clrEpoch.Unix()) / 86400
}

func TestValue_Text(t *testing.T) {
	t.Parallel()

	y2k := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	katmai := []byte{7}
	katmai = append(katmai, le64(uint64(36_000_000_000))[:5]...)
	katmai = append(katmai, le32(uint32(daysFromYearOne(y2k)))[:3]...)
	katmai = append(katmai, 60, 0)

	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"int", Value{kind: SQLInt, raw: le32(42)}, "42"},
		{"negative smallint", Value{kind: SQLSmallInt, raw: []byte{0xFF, 0xFF}}, "-1"},
		{"signed byte", Value{kind: XSDByte, raw: []byte{0x80}}, "-128"},
		{"unsigned long", Value{kind: XSDUnsignedLong, raw: le64(math.MaxUint64)}, "18446744073709551615"},
		{"bit", Value{kind: SQLBit, raw: []byte{1}}, "1"},
		{"boolean", Value{kind: XSDBoolean, raw: []byte{0}}, "false"},
		{"float", Value{kind: SQLFloat, raw: le64(math.Float64bits(1.5))}, "1.5"},
		{"real", Value{kind: SQLReal, raw: le32(math.Float32bits(0.25))}, "0.25"},
		{"decimal", Value{kind: SQLDecimal, raw: []byte{10, 2, 0, 0x39, 0x30, 0, 0}}, "-123.45"},
		{"money", Value{kind: SQLMoney, raw: le64(12345678)}, "1234.5678"},
		{"small money", Value{kind: SQLSmallMoney, raw: le32(uint32(0xFFFFFFFF))}, "-0.0001"},
		{"datetime", Value{kind: SQLDateTime, raw: append(le32(1), le32(300)...)}, "1900-01-02T00:00:01"},
		{"smalldatetime", Value{kind: SQLSmallDateTime, raw: []byte{0, 0, 90, 0}}, "1900-01-01T01:30:00"},
		{"xsd date", Value{kind: XSDDate, raw: le64(uint64(daysFromYearOne(y2k) * ticksInDay))}, "2000-01-01"},
		{"katmai datetimeoffset", Value{kind: XSDKatmaiDateTimeOffset, raw: katmai}, "2000-01-01T02:00:00+01:00"},
		{
			"uuid",
			Value{kind: SQLUUID, raw: []byte{0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}},
			"00112233-4455-6677-8899-aabbccddeeff",
		},
		{"binhex", Value{kind: XSDBinHex, raw: []byte{0xCA, 0xFE}}, "CAFE"},
		{"base64", Value{kind: XSDBase64, raw: []byte("hi")}, "aGk="},
		{"windows-1252", Value{kind: SQLVarChar, raw: append(le32(1252), 'c', 'a', 'f', 0xE9)}, "café"},
		{"utf-8", Value{kind: SQLChar, raw: append(le32(65001), []byte("ok")...)}, "ok"},
		{"nvarchar", StringValue("héllo"), "héllo"},
		{"qname", Value{kind: XSDQName, qname: QName{Prefix: "p", Local: "x"}}, "p:x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.v.Text()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValue_Int64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		v       Value
		want    int64
		wantErr bool
	}{
		{"int", Value{kind: SQLInt, raw: []byte{0x2A, 0, 0, 0}}, 42, false},
		{"bigint", Value{kind: SQLBigInt, raw: le64(uint64(1) << 40)}, 1 << 40, false},
		{"tinyint", Value{kind: SQLTinyInt, raw: []byte{0xFF}}, 255, false},
		{"unsigned long overflow", Value{kind: XSDUnsignedLong, raw: le64(math.MaxUint64)}, 0, true},
		{"integral float", Value{kind: SQLFloat, raw: le64(math.Float64bits(3))}, 3, false},
		{"fractional float", Value{kind: SQLFloat, raw: le64(math.Float64bits(3.5))}, 0, true},
		{"integral decimal", Value{kind: XSDDecimal, raw: []byte{5, 2, 1, 0x2C, 0x01, 0, 0}}, 3, false},
		{"fractional money", Value{kind: SQLMoney, raw: le64(5)}, 0, true},
		{"boolean", Value{kind: XSDBoolean, raw: []byte{1}}, 1, false},
		{"numeric string", StringValue(" 17 "), 17, false},
		{"non-numeric string", StringValue("abc"), 0, true},
		{"uuid", Value{kind: SQLUUID, raw: make([]byte, 16)}, 0, true},
		{"datetime", Value{kind: SQLDateTime, raw: make([]byte, 8)}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.v.Int64()
			if tt.wantErr {
				var ce *InvalidCastError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, tt.v.Kind(), ce.From)
				assert.Equal(t, "int64", ce.To)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValue_Float64AndDecimal(t *testing.T) {
	t.Parallel()

	dec := Value{kind: SQLNumeric, raw: []byte{10, 2, 0, 0x39, 0x30, 0, 0}}
	f, err := dec.Float64()
	require.NoError(t, err)
	assert.InDelta(t, -123.45, f, 1e-9)

	d, err := dec.Decimal()
	require.NoError(t, err)
	assert.Equal(t, "-123.45", d.String())

	d, err = Value{kind: SQLFloat, raw: le64(math.Float64bits(0.1))}.Decimal()
	require.NoError(t, err)
	assert.Equal(t, "0.1", d.String())

	d, err = StringValue("12.500").Decimal()
	require.NoError(t, err)
	assert.Equal(t, int32(3), d.Scale)
	assert.Equal(t, "12.500", d.String())

	// Wide decimals span several 32-bit words.
	wide := []byte{38, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0}
	d, err = Value{kind: XSDDecimal, raw: wide}.Decimal()
	require.NoError(t, err)
	assert.Equal(t, "4294967296", d.String())

	_, err = Value{kind: SQLBinary, raw: []byte{1}}.Float64()
	var ce *InvalidCastError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "float64", ce.To)
}

func TestValue_Time(t *testing.T) {
	t.Parallel()

	got, err := Value{kind: SQLSmallDateTime, raw: []byte{1, 0, 1, 0}}.Time()
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(1900, time.January, 2, 0, 1, 0, 0, time.UTC)))

	got, err = StringValue("2024-05-06T07:08:09Z").Time()
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, time.May, 6, 7, 8, 9, 0, time.UTC)))

	// Scale 3 stores milliseconds in four bytes.
	raw := append([]byte{3}, le32(1500)...)
	got, err = Value{kind: XSDKatmaiTime, raw: raw}.Time()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, got.Sub(clrEpoch))

	_, err = Value{kind: SQLInt, raw: le32(1)}.Time()
	var ce *InvalidCastError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, SQLInt, ce.From)
}

func TestValue_BytesAndBool(t *testing.T) {
	t.Parallel()

	b, err := Value{kind: SQLVarBinary, raw: []byte{1, 2, 3}}.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	b, err = Value{kind: SQLUUID, raw: []byte{3, 2, 1, 0, 5, 4, 7, 6, 8, 9, 10, 11, 12, 13, 14, 15}}.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, b)

	_, err = StringValue("x").Bytes()
	var ce *InvalidCastError
	require.ErrorAs(t, err, &ce)

	for _, tt := range []struct {
		v    Value
		want bool
	}{
		{Value{kind: SQLBit, raw: []byte{1}}, true},
		{Value{kind: SQLInt, raw: le32(0)}, false},
		{Value{kind: SQLInt, raw: le32(9)}, true},
		{StringValue("true"), true},
		{StringValue("0"), false},
	} {
		got, err := tt.v.Bool()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err = StringValue("yes").Bool()
	require.ErrorAs(t, err, &ce)
	_, err = Value{kind: SQLFloat, raw: le64(0)}.Bool()
	require.ErrorAs(t, err, &ce)
}

func TestValue_UnsupportedCodePage(t *testing.T) {
	t.Parallel()

	_, err := Value{kind: SQLVarChar, raw: append(le32(437), 'x')}.Text()
	var ce *InvalidCastError
	require.ErrorAs(t, err, &ce)
	var ee *UnsupportedEncodingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, uint32(437), ee.CodePage)
}

func TestDecimal_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    Decimal
		want string
	}{
		{NewDecimal(5, 3), "0.005"},
		{NewDecimal(-5, 3), "-0.005"},
		{NewDecimal(12, -2), "1200"},
		{NewDecimal(0, 0), "0"},
		{Decimal{}, "0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.d.String())
	}

	d, err := ParseDecimal("-0.05")
	require.NoError(t, err)
	assert.Equal(t, "-0.05", d.String())
	i, ok := d.Int64()
	assert.False(t, ok)
	assert.Zero(t, i)

	_, err = ParseDecimal("1.2.3")
	assert.Error(t, err)
	_, err = ParseDecimal("")
	assert.Error(t, err)
}
