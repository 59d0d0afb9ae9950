// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

// streamBuilder assembles binary XML streams for tests.
type streamBuilder struct {
	buf bytes.Buffer
}

func newStream(version byte) *streamBuilder {
	b := &streamBuilder{}
	b.buf.Write([]byte{0xDF, 0xFF, version, 0xB0, 0x04})
	return b
}

func (b *streamBuilder) raw(bs ...byte) *streamBuilder {
	b.buf.Write(bs)
	return b
}

func (b *streamBuilder) token(k Kind) *streamBuilder {
	return b.raw(byte(k))
}

func (b *streamBuilder) mb32(v uint32) *streamBuilder {
	for v >= 0x80 {
		b.buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	b.buf.WriteByte(byte(v))
	return b
}

func (b *streamBuilder) text(s string) *streamBuilder {
	units := utf16.Encode([]rune(s))
	b.mb32(uint32(len(units)))
	for _, u := range units {
		b.buf.WriteByte(byte(u))
		b.buf.WriteByte(byte(u >> 8))
	}
	return b
}

func (b *streamBuilder) name(s string) *streamBuilder {
	return b.token(TokenName).text(s)
}

func (b *streamBuilder) qname(space, prefix, local uint32) *streamBuilder {
	return b.token(TokenQName).mb32(space).mb32(prefix).mb32(local)
}

func (b *streamBuilder) element(q uint32) *streamBuilder {
	return b.token(TokenElement).mb32(q)
}

func (b *streamBuilder) attr(q uint32) *streamBuilder {
	return b.token(TokenAttr).mb32(q)
}

func (b *streamBuilder) endAttrs() *streamBuilder { return b.token(TokenEndAttrs) }

func (b *streamBuilder) endElem() *streamBuilder { return b.token(TokenEndElem) }

func (b *streamBuilder) nvarchar(s string) *streamBuilder {
	return b.token(SQLNVarChar).text(s)
}

func (b *streamBuilder) sqlInt(v int32) *streamBuilder {
	b.token(SQLInt)
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], uint32(v))
	return b.raw(w[:]...)
}

func (b *streamBuilder) bytes() []byte { return b.buf.Bytes() }

// readAll drains r and returns every node. The error is nil at a clean end.
func readAll(r *Reader) ([]Node, error) {
	var nodes []Node
	for {
		n, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nodes, nil
		}
		if err != nil {
			return nodes, err
		}
		nodes = append(nodes, n)
	}
}

func decodeAll(t *testing.T, data []byte, opts ...Option) []Node {
	t.Helper()
	nodes, err := readAll(NewReader(bytes.NewReader(data), opts...))
	require.NoError(t, err)
	return nodes
}

func attrText(t *testing.T, a Attr) string {
	t.Helper()
	s, err := a.Text()
	require.NoError(t, err)
	return s
}
