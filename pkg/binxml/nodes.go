// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import "strings"

// Node is one event produced by Reader.Next. The concrete types are
// StartElement, EndElement, Text, Whitespace, Comment, ProcInst, CDATA,
// XMLDecl and DocType.
type Node interface {
	node()
}

// Attr is an attribute. Its content may be split over several typed values.
type Attr struct {
	Name   QName
	Values []Value
}

// Text concatenates the text form of every value of the attribute.
func (a Attr) Text() (string, error) {
	if len(a.Values) == 1 {
		return a.Values[0].Text()
	}
	var sb strings.Builder
	for _, v := range a.Values {
		s, err := v.Text()
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// StartElement opens an element. Empty elements are not followed by an
// EndElement.
type StartElement struct {
	Name  QName
	Attr  []Attr
	Empty bool
}

// EndElement closes the innermost open element.
type EndElement struct {
	Name QName
}

// Text is a typed value in element content.
type Text struct {
	Value Value
}

// Whitespace is character content made only of whitespace. It is significant
// inside an xml:space="preserve" scope.
type Whitespace struct {
	Value       string
	Significant bool
}

// Comment is an XML comment.
type Comment struct {
	Text string
}

// ProcInst is a processing instruction.
type ProcInst struct {
	Target string
	Inst   string
}

// CDATA is a CDATA section.
type CDATA struct {
	Text string
}

// Standalone is the standalone pseudo-attribute of an XML declaration.
type Standalone byte

// Standalone values.
const (
	StandaloneAbsent Standalone = iota
	StandaloneYes
	StandaloneNo
)

// XMLDecl is the XML declaration.
type XMLDecl struct {
	Version    string
	Encoding   string
	Standalone Standalone
}

// DocType is a document type declaration.
type DocType struct {
	Name   string
	System string
	Public string
	Subset string
}

func (StartElement) node() {}
func (EndElement) node()   {}
func (Text) node()         {}
func (Whitespace) node()   {}
func (Comment) node()      {}
func (ProcInst) node()     {}
func (CDATA) node()        {}
func (XMLDecl) node()      {}
func (DocType) node()      {}
