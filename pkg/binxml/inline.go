// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// readInline decodes an XMLTEXT span, a length-prefixed run of plain XML
// markup, into queued nodes. The span must be balanced and resolves prefixes
// against the enclosing binary scope. Namespace lookups made while its nodes
// are returned see the enclosing scope only.
func (r *Reader) readInline() error {
	src, err := r.readText()
	if err != nil {
		return err
	}
	base := len(r.elems)
	height := r.ns.height()
	defer r.ns.truncate(height)

	type frame struct {
		name   xml.Name
		qname  QName
		height int
	}
	var stack []frame
	d := xml.NewDecoder(strings.NewReader(src))
	d.Strict = true
	for {
		tok, err := d.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.formatError("inline XML: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			h := r.ns.height()
			for _, a := range t.Attr {
				switch {
				case a.Name.Space == "xmlns":
					r.ns.push(a.Name.Local, a.Value)
				case a.Name.Space == "" && a.Name.Local == "xmlns":
					r.ns.push("", a.Value)
				}
			}
			name, err := r.resolveInline(t.Name, true)
			if err != nil {
				return err
			}
			var attrs []Attr
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				an, err := r.resolveInline(a.Name, false)
				if err != nil {
					return err
				}
				attrs = append(attrs, Attr{Name: an, Values: []Value{StringValue(a.Value)}})
			}
			if err := checkDuplicates(attrs); err != nil {
				return err
			}
			if r.nsAttrs {
				attrs = r.appendNamespaceAttrs(attrs, h)
			}
			stack = append(stack, frame{name: t.Name, qname: name, height: h})
			r.queue(StartElement{Name: name, Attr: attrs}, len(stack))
		case xml.EndElement:
			if len(stack) == 0 {
				return r.formatError("inline XML closes %s which it did not open", t.Name.Local)
			}
			top := stack[len(stack)-1]
			if top.name != t.Name {
				return r.formatError("inline XML closes %s inside %s", t.Name.Local, top.name.Local)
			}
			r.queue(EndElement{Name: top.qname}, len(stack))
			r.ns.truncate(top.height)
			stack = stack[:len(stack)-1]
		case xml.CharData:
			s := string(t)
			switch {
			case isWhitespace(s):
				r.queue(Whitespace{Value: s, Significant: r.XMLSpacePreserve()}, len(stack))
			case base+len(stack) == 0:
				return r.formatError("text outside the root element")
			default:
				r.queue(Text{Value: StringValue(s)}, len(stack))
			}
		case xml.Comment:
			r.queue(Comment{Text: string(t)}, len(stack))
		case xml.ProcInst:
			r.queue(ProcInst{Target: t.Target, Inst: string(t.Inst)}, len(stack))
		case xml.Directive:
			return r.formatError("inline XML may not contain directives")
		}
	}
	if len(stack) > 0 {
		return r.formatError("inline XML leaves %d elements open", len(stack))
	}
	return nil
}

func (r *Reader) queue(n Node, depth int) {
	r.pending = append(r.pending, pendingNode{node: n, depth: depth})
}

// resolveInline maps a raw prefix:local name to a QName. Unprefixed
// attributes have no namespace.
func (r *Reader) resolveInline(n xml.Name, element bool) (QName, error) {
	q := QName{Prefix: n.Space, Local: n.Local}
	if n.Space == "" && !element {
		return q, nil
	}
	uri, ok := r.ns.lookup(n.Space)
	if !ok {
		return QName{}, r.formatError("inline XML uses undeclared prefix %q", n.Space)
	}
	q.Space = uri
	return q, nil
}
