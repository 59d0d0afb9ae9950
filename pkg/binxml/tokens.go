// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import "fmt"

// Kind identifies a token in a binary XML stream. Value kinds double as the
// type tag of a Value.
type Kind byte

// Structural tokens.
const (
	TokenXMLDecl   Kind = 0xFE
	TokenEncoding  Kind = 0xFD
	TokenDocType   Kind = 0xFC
	TokenSystem    Kind = 0xFB
	TokenPublic    Kind = 0xFA
	TokenSubset    Kind = 0xF9
	TokenElement   Kind = 0xF8
	TokenEndElem   Kind = 0xF7
	TokenAttr      Kind = 0xF6
	TokenEndAttrs  Kind = 0xF5
	TokenPI        Kind = 0xF4
	TokenComment   Kind = 0xF3
	TokenCData     Kind = 0xF2
	TokenEndCData  Kind = 0xF1
	TokenName      Kind = 0xF0
	TokenQName     Kind = 0xEF
	TokenXMLText   Kind = 0xED
	TokenNest      Kind = 0xEC
	TokenEndNest   Kind = 0xEB
	TokenExtension Kind = 0xEA
	TokenNameFlush Kind = 0xE9
)

// Value tokens.
const (
	SQLSmallInt      Kind = 0x01
	SQLInt           Kind = 0x02
	SQLReal          Kind = 0x03
	SQLFloat         Kind = 0x04
	SQLMoney         Kind = 0x05
	SQLBit           Kind = 0x06
	SQLTinyInt       Kind = 0x07
	SQLBigInt        Kind = 0x08
	SQLUUID          Kind = 0x09
	SQLDecimal       Kind = 0x0A
	SQLNumeric       Kind = 0x0B
	SQLBinary        Kind = 0x0C
	SQLChar          Kind = 0x0D
	SQLNChar         Kind = 0x0E
	SQLVarBinary     Kind = 0x0F
	SQLVarChar       Kind = 0x10
	SQLNVarChar      Kind = 0x11
	SQLDateTime      Kind = 0x12
	SQLSmallDateTime Kind = 0x13
	SQLSmallMoney    Kind = 0x14
	SQLText          Kind = 0x16
	SQLImage         Kind = 0x17
	SQLNText         Kind = 0x18
	SQLUDT           Kind = 0x1B

	XSDKatmaiTimeOffset     Kind = 0x7A
	XSDKatmaiDateTimeOffset Kind = 0x7B
	XSDKatmaiDateOffset     Kind = 0x7C
	XSDKatmaiTime           Kind = 0x7D
	XSDKatmaiDateTime       Kind = 0x7E
	XSDKatmaiDate           Kind = 0x7F

	XSDTime          Kind = 0x81
	XSDDateTime      Kind = 0x82
	XSDDate          Kind = 0x83
	XSDBinHex        Kind = 0x84
	XSDBase64        Kind = 0x85
	XSDBoolean       Kind = 0x86
	XSDDecimal       Kind = 0x87
	XSDByte          Kind = 0x88
	XSDUnsignedShort Kind = 0x89
	XSDUnsignedInt   Kind = 0x8A
	XSDUnsignedLong  Kind = 0x8B
	XSDQName         Kind = 0x8C
)

var kindNames = map[Kind]string{
	TokenXMLDecl:   "XMLDECL",
	TokenEncoding:  "ENCODING",
	TokenDocType:   "DOCTYPE",
	TokenSystem:    "SYSTEM",
	TokenPublic:    "PUBLIC",
	TokenSubset:    "SUBSET",
	TokenElement:   "ELEMENT",
	TokenEndElem:   "ENDELEMENT",
	TokenAttr:      "ATTRIBUTE",
	TokenEndAttrs:  "ENDATTRIBUTES",
	TokenPI:        "PI",
	TokenComment:   "COMMENT",
	TokenCData:     "CDATA",
	TokenEndCData:  "ENDCDATA",
	TokenName:      "NAME",
	TokenQName:     "QNAME",
	TokenXMLText:   "XMLTEXT",
	TokenNest:      "NEST",
	TokenEndNest:   "ENDNEST",
	TokenExtension: "EXTN",
	TokenNameFlush: "FLUSH",

	SQLSmallInt:      "SQL_SMALLINT",
	SQLInt:           "SQL_INT",
	SQLReal:          "SQL_REAL",
	SQLFloat:         "SQL_FLOAT",
	SQLMoney:         "SQL_MONEY",
	SQLBit:           "SQL_BIT",
	SQLTinyInt:       "SQL_TINYINT",
	SQLBigInt:        "SQL_BIGINT",
	SQLUUID:          "SQL_UUID",
	SQLDecimal:       "SQL_DECIMAL",
	SQLNumeric:       "SQL_NUMERIC",
	SQLBinary:        "SQL_BINARY",
	SQLChar:          "SQL_CHAR",
	SQLNChar:         "SQL_NCHAR",
	SQLVarBinary:     "SQL_VARBINARY",
	SQLVarChar:       "SQL_VARCHAR",
	SQLNVarChar:      "SQL_NVARCHAR",
	SQLDateTime:      "SQL_DATETIME",
	SQLSmallDateTime: "SQL_SMALLDATETIME",
	SQLSmallMoney:    "SQL_SMALLMONEY",
	SQLText:          "SQL_TEXT",
	SQLImage:         "SQL_IMAGE",
	SQLNText:         "SQL_NTEXT",
	SQLUDT:           "SQL_UDT",

	XSDKatmaiTimeOffset:     "XSD_KATMAI_TIMEOFFSET",
	XSDKatmaiDateTimeOffset: "XSD_KATMAI_DATETIMEOFFSET",
	XSDKatmaiDateOffset:     "XSD_KATMAI_DATEOFFSET",
	XSDKatmaiTime:           "XSD_KATMAI_TIME",
	XSDKatmaiDateTime:       "XSD_KATMAI_DATETIME",
	XSDKatmaiDate:           "XSD_KATMAI_DATE",

	XSDTime:          "XSD_TIME",
	XSDDateTime:      "XSD_DATETIME",
	XSDDate:          "XSD_DATE",
	XSDBinHex:        "XSD_BINHEX",
	XSDBase64:        "XSD_BASE64",
	XSDBoolean:       "XSD_BOOLEAN",
	XSDDecimal:       "XSD_DECIMAL",
	XSDByte:          "XSD_BYTE",
	XSDUnsignedShort: "XSD_UNSIGNEDSHORT",
	XSDUnsignedInt:   "XSD_UNSIGNEDINT",
	XSDUnsignedLong:  "XSD_UNSIGNEDLONG",
	XSDQName:         "XSD_QNAME",
}

// String returns the protocol name of the token.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TOKEN(0x%02X)", byte(k))
}

// isMeta reports whether k is consumed by the scanner rather than returned.
// The range also covers NEST, ENDNEST and XMLTEXT, which pass through.
func (k Kind) isMeta() bool {
	return k >= TokenNameFlush && k <= TokenName
}

// IsValue reports whether k is a typed scalar value token.
func (k Kind) IsValue() bool {
	switch {
	case k >= SQLSmallInt && k <= SQLSmallMoney:
		return true
	case k == SQLText || k == SQLImage || k == SQLNText || k == SQLUDT:
		return true
	case k >= XSDKatmaiTimeOffset && k <= XSDKatmaiDate:
		return true
	case k >= XSDTime && k <= XSDQName:
		return true
	}
	return false
}

// isKatmai reports whether k belongs to the offset-aware date/time family that
// requires protocol version 2.
func (k Kind) isKatmai() bool {
	return k >= XSDKatmaiTimeOffset && k <= XSDKatmaiDate
}

// isString reports whether k carries character data.
func (k Kind) isString() bool {
	switch k {
	case SQLChar, SQLVarChar, SQLText, SQLNChar, SQLNVarChar, SQLNText:
		return true
	}
	return false
}

// isWideString reports whether k carries UTF-16 character data.
func (k Kind) isWideString() bool {
	return k == SQLNChar || k == SQLNVarChar || k == SQLNText
}

// fixedSize returns the payload size of fixed-width value tokens.
func (k Kind) fixedSize() (int, bool) {
	switch k {
	case SQLBit, SQLTinyInt, XSDBoolean, XSDByte:
		return 1, true
	case SQLSmallInt, XSDUnsignedShort:
		return 2, true
	case SQLInt, SQLReal, SQLSmallMoney, SQLSmallDateTime, XSDUnsignedInt:
		return 4, true
	case SQLBigInt, SQLFloat, SQLMoney, SQLDateTime, XSDTime, XSDDateTime, XSDDate, XSDUnsignedLong:
		return 8, true
	case SQLUUID:
		return 16, true
	case XSDKatmaiDate:
		return 3, true
	case XSDKatmaiDateOffset:
		return 5, true
	}
	return 0, false
}
