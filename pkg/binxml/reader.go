// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import (
	"errors"
	"fmt"
	"io"
)

const (
	signature0      = 0xDF
	signature1      = 0xFF
	codePageUTF16LE = 1200

	// duplicateHashThreshold is the attribute count from which duplicate
	// detection switches from pairwise comparison to a set.
	duplicateHashThreshold = 200
)

// Option configures a Reader.
type Option func(*Reader)

// WithNamespaceAttributes exposes the namespace declarations in scope of each
// element as xmlns attributes, including declarations implied by prefixes.
func WithNamespaceAttributes(enabled bool) Option {
	return func(r *Reader) {
		r.nsAttrs = enabled
	}
}

// WithBufferSize sets the initial input buffer size.
func WithBufferSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

type elemFrame struct {
	name     QName
	nsHeight int
	lang     string
	preserve bool
}

type nestFrame struct {
	sym   symbols
	depth int
}

type pendingNode struct {
	node  Node
	depth int
}

// valSpan locates a value payload by absolute stream offset so it survives
// buffer compaction while attributes are scanned.
type valSpan struct {
	kind  Kind
	off   int64
	n     int
	qname QName
}

type attrSpan struct {
	name QName
	vals []valSpan
}

// Reader decodes a binary XML stream into nodes. A Reader is not safe for
// concurrent use.
type Reader struct {
	c       *cursor
	bufSize int
	nsAttrs bool

	version byte
	sym     symbols
	nests   []nestFrame
	elems   []elemFrame
	ns      nsScope

	pending     []pendingNode
	inlineDepth int
	popOnNext   bool
	docStart    bool
	started     bool
	eof         bool
	err         error

	spans []attrSpan
}

// NewReader returns a Reader decoding r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	return NewReaderWithPrefix(nil, r, opts...)
}

// NewReaderWithPrefix returns a Reader that decodes prefix followed by r.
// Callers that sniffed the header can hand the consumed bytes back this way.
func NewReaderWithPrefix(prefix []byte, r io.Reader, opts ...Option) *Reader {
	rd := &Reader{
		bufSize: defaultBufferSize,
		sym:     newSymbols(),
	}
	for _, opt := range opts {
		opt(rd)
	}
	rd.c = newCursor(r, prefix, rd.bufSize)
	return rd
}

// Version returns the protocol version, or 0 before the header is read.
func (r *Reader) Version() byte { return r.version }

// EOF reports whether the stream ended cleanly.
func (r *Reader) EOF() bool { return r.eof }

// Depth returns the number of open elements, counting the element of the
// node most recently returned.
func (r *Reader) Depth() int { return len(r.elems) + r.inlineDepth }

// LookupNamespace resolves prefix against the declarations in scope.
func (r *Reader) LookupNamespace(prefix string) (string, bool) {
	return r.ns.lookup(prefix)
}

// XMLLang returns the inherited xml:lang value.
func (r *Reader) XMLLang() string {
	if len(r.elems) == 0 {
		return ""
	}
	return r.elems[len(r.elems)-1].lang
}

// XMLSpacePreserve reports whether an inherited xml:space="preserve" applies.
func (r *Reader) XMLSpacePreserve() bool {
	if len(r.elems) == 0 {
		return false
	}
	return r.elems[len(r.elems)-1].preserve
}

// Next returns the next node. It returns io.EOF at a clean end of the stream.
// Any other error is final and is returned by every later call.
func (r *Reader) Next() (Node, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.eof {
		return nil, io.EOF
	}
	n, err := r.next()
	switch {
	case errors.Is(err, io.EOF):
		r.eof = true
		return nil, io.EOF
	case err != nil:
		r.err = err
		return nil, err
	}
	return n, nil
}

func (r *Reader) formatError(format string, args ...any) error {
	return &FormatError{Offset: r.c.offset(), Msg: fmt.Sprintf(format, args...)}
}

func (r *Reader) next() (Node, error) {
	if !r.started {
		if err := r.readHeader(); err != nil {
			return nil, err
		}
		r.started = true
		r.docStart = true
	}
	if len(r.pending) > 0 {
		p := r.pending[0]
		r.pending = r.pending[1:]
		r.inlineDepth = p.depth
		return p.node, nil
	}
	r.inlineDepth = 0
	if r.popOnNext {
		r.popElement()
		r.popOnNext = false
	}
	r.c.pin()

	for {
		k, ok, err := r.nextToken()
		if err != nil {
			return nil, err
		}
		if !ok {
			if len(r.elems) > 0 || len(r.nests) > 0 {
				return nil, &TruncatedStreamError{Offset: r.c.offset(), Depth: len(r.elems)}
			}
			return nil, io.EOF
		}
		atStart := r.docStart
		r.docStart = false

		switch k {
		case TokenXMLDecl:
			if !atStart {
				return nil, r.formatError("XML declaration after document content")
			}
			return r.readXMLDecl()
		case TokenDocType:
			if len(r.elems) > 0 {
				return nil, r.formatError("DOCTYPE inside an element")
			}
			return r.readDocType()
		case TokenElement:
			return r.readElement()
		case TokenEndElem:
			return r.endElement()
		case TokenPI:
			return r.readPI()
		case TokenComment:
			text, err := r.readText()
			if err != nil {
				return nil, err
			}
			return Comment{Text: text}, nil
		case TokenCData:
			return r.readCData()
		case TokenXMLText:
			if err := r.readInline(); err != nil {
				return nil, err
			}
			if len(r.pending) == 0 {
				continue
			}
			p := r.pending[0]
			r.pending = r.pending[1:]
			r.inlineDepth = p.depth
			return p.node, nil
		case TokenNest:
			r.nests = append(r.nests, nestFrame{sym: r.sym, depth: len(r.elems)})
			r.sym = newSymbols()
			r.docStart = true
			continue
		case TokenEndNest:
			if err := r.endNest(); err != nil {
				return nil, err
			}
			continue
		case TokenAttr, TokenEndAttrs, TokenEndCData, TokenEncoding, TokenSystem, TokenPublic, TokenSubset:
			return nil, r.formatError("unexpected %s token", k)
		}
		if !k.IsValue() {
			return nil, r.formatError("unknown token 0x%02X", byte(k))
		}
		return r.readContent(k)
	}
}

func (r *Reader) readHeader() error {
	sig, err := r.c.take(2)
	if err != nil {
		return err
	}
	if sig[0] != signature0 || sig[1] != signature1 {
		return &FormatError{Offset: 0, Msg: "missing binary XML signature"}
	}
	if r.version, err = r.c.readByte(); err != nil {
		return err
	}
	if r.version != 1 && r.version != 2 {
		return &UnsupportedVersionError{Version: r.version}
	}
	cp, err := r.c.readUint16()
	if err != nil {
		return err
	}
	if cp != codePageUTF16LE {
		return &UnsupportedEncodingError{CodePage: uint32(cp)}
	}
	return nil
}

// peekToken applies symbol-table tokens and returns the next token without
// consuming it. ok is false at a clean end of input.
func (r *Reader) peekToken() (Kind, bool, error) {
	for {
		ok, err := r.c.more()
		if err != nil || !ok {
			return 0, false, err
		}
		k := Kind(r.c.buf[r.c.pos])
		if !k.isMeta() {
			return k, true, nil
		}
		switch k {
		case TokenNest, TokenEndNest, TokenXMLText:
			return k, true, nil
		case TokenName, TokenQName, TokenNameFlush, TokenExtension:
			r.c.pos++
			if err := r.applyMeta(k); err != nil {
				return 0, false, err
			}
		default:
			return 0, false, r.formatError("unknown token 0x%02X", byte(k))
		}
	}
}

func (r *Reader) nextToken() (Kind, bool, error) {
	k, ok, err := r.peekToken()
	if ok {
		r.c.pos++
	}
	return k, ok, err
}

func (r *Reader) applyMeta(k Kind) error {
	switch k {
	case TokenName:
		s, err := r.readText()
		if err != nil {
			return err
		}
		r.sym.names = append(r.sym.names, s)
	case TokenQName:
		var refs [3]uint32
		for i := range refs {
			v, err := r.c.readMB32()
			if err != nil {
				return err
			}
			refs[i] = v
		}
		return r.sym.addQName(refs[0], refs[1], refs[2])
	case TokenNameFlush:
		r.sym.reset()
	case TokenExtension:
		n, err := r.c.readLength()
		if err != nil {
			return err
		}
		return r.c.skip(n)
	}
	return nil
}

// readText reads a character count followed by UTF-16 code units.
func (r *Reader) readText() (string, error) {
	n, err := r.c.readLength()
	if err != nil {
		return "", err
	}
	if n > maxInt/2 {
		return "", &ValueTooLargeError{Offset: r.c.offset()}
	}
	b, err := r.c.take(2 * n)
	if err != nil {
		return "", err
	}
	return decodeUTF16(b)
}

func (r *Reader) readXMLDecl() (Node, error) {
	var d XMLDecl
	var err error
	if d.Version, err = r.readText(); err != nil {
		return nil, err
	}
	k, ok, err := r.peekToken()
	if err != nil {
		return nil, err
	}
	if ok && k == TokenEncoding {
		r.c.pos++
		if d.Encoding, err = r.readText(); err != nil {
			return nil, err
		}
	}
	b, err := r.c.readByte()
	if err != nil {
		return nil, err
	}
	if b > byte(StandaloneNo) {
		return nil, r.formatError("invalid standalone value %d", b)
	}
	d.Standalone = Standalone(b)
	return d, nil
}

func (r *Reader) readDocType() (Node, error) {
	var d DocType
	var err error
	if d.Name, err = r.readText(); err != nil {
		return nil, err
	}
	fields := []struct {
		tok Kind
		dst *string
	}{
		{TokenSystem, &d.System},
		{TokenPublic, &d.Public},
		{TokenSubset, &d.Subset},
	}
	for _, f := range fields {
		k, ok, err := r.peekToken()
		if err != nil {
			return nil, err
		}
		if !ok || k != f.tok {
			continue
		}
		r.c.pos++
		if *f.dst, err = r.readText(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (r *Reader) readPI() (Node, error) {
	id, err := r.c.readMB32()
	if err != nil {
		return nil, err
	}
	target, err := r.sym.name(id)
	if err != nil {
		return nil, err
	}
	inst, err := r.readText()
	if err != nil {
		return nil, err
	}
	return ProcInst{Target: target, Inst: inst}, nil
}

// readCData reads one or more chunks closed by ENDCDATA. Chunks after the
// first are each introduced by another CDATA token.
func (r *Reader) readCData() (Node, error) {
	if len(r.elems) == 0 {
		return nil, r.formatError("CDATA outside the root element")
	}
	text, err := r.readText()
	if err != nil {
		return nil, err
	}
	for {
		k, ok, err := r.nextToken()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &TruncatedStreamError{Offset: r.c.offset(), Depth: len(r.elems)}
		}
		switch k {
		case TokenEndCData:
			return CDATA{Text: text}, nil
		case TokenCData:
			more, err := r.readText()
			if err != nil {
				return nil, err
			}
			text += more
		default:
			return nil, r.formatError("expected %s, found %s", TokenEndCData, k)
		}
	}
}

func (r *Reader) endNest() error {
	if len(r.nests) == 0 {
		return r.formatError("%s without %s", TokenEndNest, TokenNest)
	}
	top := r.nests[len(r.nests)-1]
	if len(r.elems) != top.depth {
		return r.formatError("nested document closed with %d open elements", len(r.elems)-top.depth)
	}
	r.sym = top.sym
	r.nests = r.nests[:len(r.nests)-1]
	return nil
}

func (r *Reader) nestFloor() int {
	if len(r.nests) == 0 {
		return 0
	}
	return r.nests[len(r.nests)-1].depth
}

func (r *Reader) endElement() (Node, error) {
	if len(r.elems) <= r.nestFloor() {
		return nil, r.formatError("unexpected %s", TokenEndElem)
	}
	r.popOnNext = true
	return EndElement{Name: r.elems[len(r.elems)-1].name}, nil
}

func (r *Reader) popElement() {
	top := r.elems[len(r.elems)-1]
	r.ns.truncate(top.nsHeight)
	r.elems = r.elems[:len(r.elems)-1]
}

// readContent turns a value token in content into a Text or Whitespace node.
func (r *Reader) readContent(k Kind) (Node, error) {
	span, err := r.readValue(k)
	if err != nil {
		return nil, err
	}
	v := r.value(span)
	if k.isString() {
		s, err := v.str()
		if err != nil {
			return nil, err
		}
		if isWhitespace(s) {
			return Whitespace{Value: s, Significant: len(r.elems) > 0 && r.XMLSpacePreserve()}, nil
		}
	}
	if len(r.elems) == 0 {
		return nil, r.formatError("text outside the root element")
	}
	return Text{Value: v}, nil
}

func (r *Reader) value(s valSpan) Value {
	return Value{kind: s.kind, raw: r.c.at(s.off, s.n), qname: s.qname}
}

// readValue consumes the payload of a value token and checks its layout.
func (r *Reader) readValue(k Kind) (valSpan, error) {
	if k.isKatmai() && r.version < 2 {
		return valSpan{}, &UnsupportedVersionError{Version: r.version, Token: k}
	}
	span := valSpan{kind: k}
	if n, ok := k.fixedSize(); ok {
		span.off = r.c.offset()
		span.n = n
		return span, r.c.skip(n)
	}
	switch {
	case k == XSDQName:
		id, err := r.c.readMB32()
		if err != nil {
			return span, err
		}
		if span.qname, err = r.sym.qname(id); err != nil {
			return span, err
		}
		return span, nil
	case k.isKatmai():
		b, err := r.c.peekByte()
		if err != nil {
			return span, err
		}
		if b > 7 {
			return span, r.formatError("invalid time scale %d", b)
		}
		n := 1 + katmaiTimeLen(b)
		switch k {
		case XSDKatmaiTimeOffset:
			n += 2
		case XSDKatmaiDateTime:
			n += 3
		case XSDKatmaiDateTimeOffset:
			n += 5
		}
		span.off = r.c.offset()
		span.n = n
		return span, r.c.skip(n)
	}

	n, err := r.c.readLength()
	if err != nil {
		return span, err
	}
	switch {
	case k.isWideString():
		if n > maxInt/2 {
			return span, &ValueTooLargeError{Offset: r.c.offset()}
		}
		n *= 2
	case k.isString():
		if n < 4 {
			return span, r.formatError("%s payload of %d bytes has no code page", k, n)
		}
	case k == SQLDecimal || k == SQLNumeric || k == XSDDecimal:
		if n < 3 || (n-3)%4 != 0 {
			return span, r.formatError("%s payload of %d bytes", k, n)
		}
	}
	span.off = r.c.offset()
	span.n = n
	if err := r.c.skip(n); err != nil {
		return span, err
	}
	if k.isString() && !k.isWideString() {
		if err := checkCodePage(r.c.at(span.off, 4)); err != nil {
			return span, err
		}
	}
	return span, nil
}

func checkCodePage(b []byte) error {
	cp := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	switch cp {
	case codePageWindows1252, codePageLatin1, codePageUTF8:
		return nil
	}
	return &UnsupportedEncodingError{CodePage: cp}
}
