// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import "fmt"

// All decoder errors are fatal: once Next returns one of them, every later call
// returns the same error and the Reader must be discarded.

// FormatError reports a stream that violates the binary XML grammar.
type FormatError struct {
	Offset int64
	Msg    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("binxml: invalid format at offset %d: %s", e.Offset, e.Msg)
}

// UnsupportedVersionError reports a protocol version the decoder does not
// implement, or a token that the stream's version does not allow.
type UnsupportedVersionError struct {
	Version byte
	Token   Kind
}

func (e *UnsupportedVersionError) Error() string {
	if e.Token != 0 {
		return fmt.Sprintf("binxml: token %s requires protocol version 2, stream is version %d", e.Token, e.Version)
	}
	return fmt.Sprintf("binxml: unsupported protocol version %d", e.Version)
}

// UnsupportedEncodingError reports a code page other than the one the decoder supports.
type UnsupportedEncodingError struct {
	CodePage uint32
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("binxml: unsupported code page %d", e.CodePage)
}

// TruncatedStreamError reports input that ended inside a token or an open element.
type TruncatedStreamError struct {
	Offset int64
	Need   int
	Depth  int
}

func (e *TruncatedStreamError) Error() string {
	if e.Need > 0 {
		return fmt.Sprintf("binxml: stream truncated at offset %d: need %d more bytes", e.Offset, e.Need)
	}
	return fmt.Sprintf("binxml: stream truncated at offset %d with %d open elements", e.Offset, e.Depth)
}

// ValueTooLargeError reports a variable-length integer that does not fit in 32 bits.
type ValueTooLargeError struct {
	Offset int64
}

func (e *ValueTooLargeError) Error() string {
	return fmt.Sprintf("binxml: variable-length integer at offset %d exceeds 32 bits", e.Offset)
}

// DuplicateAttributeError reports two attributes with the same local name and namespace.
type DuplicateAttributeError struct {
	Name QName
}

func (e *DuplicateAttributeError) Error() string {
	if e.Name.Space != "" {
		return fmt.Sprintf("binxml: duplicate attribute %s in namespace %q", e.Name.Local, e.Name.Space)
	}
	return fmt.Sprintf("binxml: duplicate attribute %s", e.Name.Local)
}

// InvalidQNameIDError reports a reference past the end of the qualified-name table.
type InvalidQNameIDError struct {
	ID    uint32
	Count int
}

func (e *InvalidQNameIDError) Error() string {
	return fmt.Sprintf("binxml: invalid qname id %d, table holds %d entries", e.ID, e.Count)
}

// InvalidSymbolError reports a reference past the end of the name table.
type InvalidSymbolError struct {
	ID    uint32
	Count int
}

func (e *InvalidSymbolError) Error() string {
	return fmt.Sprintf("binxml: invalid symbol id %d, table holds %d entries", e.ID, e.Count)
}

// InvalidCastError reports a value conversion that the kind does not support.
type InvalidCastError struct {
	From  Kind
	To    string
	Cause error
}

func (e *InvalidCastError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("binxml: cannot convert %s to %s: %v", e.From, e.To, e.Cause)
	}
	return fmt.Sprintf("binxml: cannot convert %s to %s", e.From, e.To)
}

func (e *InvalidCastError) Unwrap() error { return e.Cause }
