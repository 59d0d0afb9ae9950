// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package binxml decodes the tokenized binary XML format.
//
// A stream starts with the signature DF FF, a protocol version (1 or 2) and
// the UTF-16 code page marker B0 04. Names are interned in a string table and
// a qualified-name table that are filled by in-band definition tokens and
// referenced by variable-length indices. Element content is carried as typed
// scalar values.
//
// Reader is a pull decoder:
//
//	r := binxml.NewReader(src)
//	for {
//		n, err := r.Next()
//		if errors.Is(err, io.EOF) {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		switch n := n.(type) {
//		case binxml.StartElement:
//			...
//		case binxml.Text:
//			v, err := n.Value.Int64()
//			...
//		}
//	}
package binxml
