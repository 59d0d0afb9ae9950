// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Well-known namespace URIs.
const (
	XMLNamespace   = "http://www.w3.org/XML/1998/namespace"
	XMLNSNamespace = "http://www.w3.org/2000/xmlns/"
)

// QName is a namespace-qualified name.
type QName struct {
	Space  string
	Prefix string
	Local  string
}

// String renders the name as it appears in XML text.
func (q QName) String() string {
	if q.Prefix == "" {
		return q.Local
	}
	return q.Prefix + ":" + q.Local
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeUTF16 converts little-endian UTF-16 to a Go string. Unpaired
// surrogates become U+FFFD.
func decodeUTF16(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func encodeUTF16(s string) []byte {
	out, err := encoding.ReplaceUnsupported(utf16le.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}

// symbols holds the name and qualified-name tables of one document level.
// Index 0 of both tables is the empty entry.
type symbols struct {
	names  []string
	qnames []QName
}

func newSymbols() symbols {
	return symbols{
		names:  []string{""},
		qnames: []QName{{}},
	}
}

func (s *symbols) reset() {
	s.names = s.names[:1]
	s.qnames = s.qnames[:1]
}

func (s *symbols) name(id uint32) (string, error) {
	if uint64(id) >= uint64(len(s.names)) {
		return "", &InvalidSymbolError{ID: id, Count: len(s.names)}
	}
	return s.names[id], nil
}

func (s *symbols) qname(id uint32) (QName, error) {
	if uint64(id) >= uint64(len(s.qnames)) {
		return QName{}, &InvalidQNameIDError{ID: id, Count: len(s.qnames)}
	}
	return s.qnames[id], nil
}

// addQName appends a qualified name built from three name-table references.
func (s *symbols) addQName(space, prefix, local uint32) error {
	ns, err := s.name(space)
	if err != nil {
		return err
	}
	p, err := s.name(prefix)
	if err != nil {
		return err
	}
	l, err := s.name(local)
	if err != nil {
		return err
	}
	s.qnames = append(s.qnames, QName{Space: ns, Prefix: p, Local: l})
	return nil
}

type nsDecl struct {
	prefix string
	uri    string
}

// nsScope is the stack of in-scope namespace declarations. Element frames
// record the stack height on entry and truncate back to it on exit.
type nsScope struct {
	decls []nsDecl
}

func (n *nsScope) push(prefix, uri string) {
	n.decls = append(n.decls, nsDecl{prefix: prefix, uri: uri})
}

func (n *nsScope) truncate(h int) { n.decls = n.decls[:h] }

func (n *nsScope) height() int { return len(n.decls) }

func (n *nsScope) lookup(prefix string) (string, bool) {
	switch prefix {
	case "xml":
		return XMLNamespace, true
	case "xmlns":
		return XMLNSNamespace, true
	}
	for i := len(n.decls) - 1; i >= 0; i-- {
		if n.decls[i].prefix == prefix {
			return n.decls[i].uri, true
		}
	}
	return "", prefix == ""
}

// declaredSince reports whether prefix was declared at or above height h.
func (n *nsScope) declaredSince(h int, prefix string) bool {
	for _, d := range n.decls[h:] {
		if d.prefix == prefix {
			return true
		}
	}
	return false
}

// imply declares prefix for uri if the binding in scope differs.
func (n *nsScope) imply(prefix, uri string) {
	if prefix == "xml" || prefix == "xmlns" {
		return
	}
	if cur, ok := n.lookup(prefix); ok && cur == uri {
		return
	}
	n.push(prefix, uri)
}
