// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

func (r *Reader) readElement() (Node, error) {
	id, err := r.c.readMB32()
	if err != nil {
		return nil, err
	}
	name, err := r.sym.qname(id)
	if err != nil {
		return nil, err
	}
	frame := elemFrame{name: name, nsHeight: r.ns.height()}
	if n := len(r.elems); n > 0 {
		frame.lang = r.elems[n-1].lang
		frame.preserve = r.elems[n-1].preserve
	}

	spans, err := r.scanAttributes()
	if err != nil {
		return nil, err
	}

	empty := false
	k, ok, err := r.peekToken()
	if err != nil {
		return nil, err
	}
	if ok && k == TokenEndElem {
		r.c.pos++
		empty = true
	}

	// Declarations first so that prefixes used anywhere on the element resolve.
	attrs := make([]Attr, 0, len(spans))
	for _, s := range spans {
		a := Attr{Name: s.name, Values: make([]Value, len(s.vals))}
		for i, vs := range s.vals {
			a.Values[i] = r.value(vs)
		}
		if prefix, isDecl := declaredPrefix(a.Name); isDecl {
			if r.ns.declaredSince(frame.nsHeight, prefix) {
				return nil, &DuplicateAttributeError{Name: a.Name}
			}
			uri, err := a.Text()
			if err != nil {
				return nil, err
			}
			if prefix != "" && uri == "" {
				return nil, r.formatError("prefix %q bound to the empty namespace", prefix)
			}
			r.ns.push(prefix, uri)
			continue
		}
		attrs = append(attrs, a)
	}

	if name.Prefix != "" && name.Space == "" {
		return nil, r.formatError("element %s has a prefix but no namespace", name)
	}
	r.ns.imply(name.Prefix, name.Space)

	for _, a := range attrs {
		switch {
		case a.Name.Prefix == "" && a.Name.Space != "":
			return nil, r.formatError("attribute %s has a namespace but no prefix", a.Name)
		case a.Name.Prefix != "" && a.Name.Space == "":
			return nil, r.formatError("attribute %s has a prefix but no namespace", a.Name)
		}
		r.ns.imply(a.Name.Prefix, a.Name.Space)
		if a.Name.Prefix == "xml" {
			if err := applyXMLAttr(&frame, a); err != nil {
				return nil, err
			}
		}
	}
	if err := checkDuplicates(attrs); err != nil {
		return nil, err
	}
	if r.nsAttrs {
		attrs = r.appendNamespaceAttrs(attrs, frame.nsHeight)
	}

	r.elems = append(r.elems, frame)
	if empty {
		r.popOnNext = true
	}
	return StartElement{Name: name, Attr: attrs, Empty: empty}, nil
}

// scanAttributes reads ATTR entries up to ENDATTRS, or nothing when the
// element has no attribute list.
func (r *Reader) scanAttributes() ([]attrSpan, error) {
	r.spans = r.spans[:0]
	k, ok, err := r.peekToken()
	if err != nil || !ok || k != TokenAttr {
		return r.spans, err
	}
	for {
		k, ok, err := r.nextToken()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &TruncatedStreamError{Offset: r.c.offset(), Depth: len(r.elems) + 1}
		}
		switch k {
		case TokenEndAttrs:
			return r.spans, nil
		case TokenAttr:
		default:
			return nil, r.formatError("expected %s or %s, found %s", TokenAttr, TokenEndAttrs, k)
		}
		id, err := r.c.readMB32()
		if err != nil {
			return nil, err
		}
		name, err := r.sym.qname(id)
		if err != nil {
			return nil, err
		}
		span := attrSpan{name: name}
		for {
			k, ok, err := r.peekToken()
			if err != nil {
				return nil, err
			}
			if !ok || !k.IsValue() {
				break
			}
			r.c.pos++
			vs, err := r.readValue(k)
			if err != nil {
				return nil, err
			}
			span.vals = append(span.vals, vs)
		}
		r.spans = append(r.spans, span)
	}
}

// declaredPrefix reports whether name is a namespace declaration and which
// prefix it declares.
func declaredPrefix(name QName) (string, bool) {
	switch {
	case name.Prefix == "xmlns":
		return name.Local, true
	case name.Prefix == "" && name.Local == "xmlns":
		return "", true
	}
	return "", false
}

func applyXMLAttr(frame *elemFrame, a Attr) error {
	switch a.Name.Local {
	case "lang":
		s, err := a.Text()
		if err != nil {
			return err
		}
		frame.lang = s
	case "space":
		s, err := a.Text()
		if err != nil {
			return err
		}
		switch s {
		case "preserve":
			frame.preserve = true
		case "default":
			frame.preserve = false
		}
	}
	return nil
}

func checkDuplicates(attrs []Attr) error {
	if len(attrs) < duplicateHashThreshold {
		for i := 1; i < len(attrs); i++ {
			for j := 0; j < i; j++ {
				if sameAttrName(attrs[i].Name, attrs[j].Name) {
					return &DuplicateAttributeError{Name: attrs[i].Name}
				}
			}
		}
		return nil
	}
	type key struct{ space, local string }
	seen := make(map[key]struct{}, len(attrs))
	for _, a := range attrs {
		k := key{a.Name.Space, a.Name.Local}
		if _, dup := seen[k]; dup {
			return &DuplicateAttributeError{Name: a.Name}
		}
		seen[k] = struct{}{}
	}
	return nil
}

func sameAttrName(a, b QName) bool {
	return a.Local == b.Local && a.Space == b.Space
}

func (r *Reader) appendNamespaceAttrs(attrs []Attr, height int) []Attr {
	for _, d := range r.ns.decls[height:] {
		name := QName{Space: XMLNSNamespace, Prefix: "xmlns", Local: d.prefix}
		if d.prefix == "" {
			name = QName{Space: XMLNSNamespace, Local: "xmlns"}
		}
		attrs = append(attrs, Attr{Name: name, Values: []Value{StringValue(d.uri)}})
	}
	return attrs
}
