// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessionstate

import (
	"fmt"
	"strings"
)

// item is one entry of an Items collection. A decoded collection keeps each
// value in encoded form until it is first read.
type item struct {
	name         string
	value        any
	raw          []byte
	materialized bool
}

func (it *item) load() (any, error) {
	if it.materialized {
		return it.value, nil
	}
	v, err := decodeValue(it.raw)
	if err != nil {
		return nil, fmt.Errorf("%w: item %q: %v", ErrMalformedRecord, it.name, err)
	}
	it.value, it.raw, it.materialized = v, nil, true
	return v, nil
}

// Items is an ordered collection of named values. Names compare
// case-insensitively and keep the case of their first insertion. Items is not
// safe for concurrent use.
type Items struct {
	entries []*item
	index   map[string]int
	dirty   bool
}

// NewItems returns an empty collection.
func NewItems() *Items {
	return &Items{index: make(map[string]int)}
}

func fold(name string) string { return strings.ToLower(name) }

// Len returns the number of items.
func (c *Items) Len() int { return len(c.entries) }

// Keys returns the item names in insertion order.
func (c *Items) Keys() []string {
	keys := make([]string, len(c.entries))
	for i, e := range c.entries {
		keys[i] = e.name
	}
	return keys
}

// Has reports whether name is present.
func (c *Items) Has(name string) bool {
	_, ok := c.index[fold(name)]
	return ok
}

// Get returns the value stored under name, or nil when absent. Reading a
// value of a mutable type marks the collection dirty since the caller may
// change it in place.
func (c *Items) Get(name string) (any, error) {
	i, ok := c.index[fold(name)]
	if !ok {
		return nil, nil
	}
	v, err := c.entries[i].load()
	if err != nil {
		return nil, err
	}
	if !isImmutable(v) {
		c.dirty = true
	}
	return v, nil
}

// Set stores v under name.
func (c *Items) Set(name string, v any) {
	c.dirty = true
	if i, ok := c.index[fold(name)]; ok {
		e := c.entries[i]
		e.value, e.raw, e.materialized = v, nil, true
		return
	}
	c.index[fold(name)] = len(c.entries)
	c.entries = append(c.entries, &item{name: name, value: v, materialized: true})
}

// Remove deletes name.
func (c *Items) Remove(name string) {
	i, ok := c.index[fold(name)]
	if !ok {
		return
	}
	c.dirty = true
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	delete(c.index, fold(name))
	for j := i; j < len(c.entries); j++ {
		c.index[fold(c.entries[j].name)] = j
	}
}

// Clear removes every item.
func (c *Items) Clear() {
	if len(c.entries) > 0 {
		c.dirty = true
	}
	c.entries = nil
	c.index = make(map[string]int)
}

// Dirty reports whether the collection changed since it was loaded.
func (c *Items) Dirty() bool { return c.dirty }

// MarkClean resets the dirty bit.
func (c *Items) MarkClean() { c.dirty = false }

// Materialized reports whether the value under name has been decoded.
func (c *Items) Materialized(name string) bool {
	i, ok := c.index[fold(name)]
	return ok && c.entries[i].materialized
}

// encodedValue returns the encoding of entry i, reusing undecoded bytes.
func (c *Items) encodedValue(dst []byte, i int) ([]byte, error) {
	e := c.entries[i]
	if !e.materialized {
		return append(dst, e.raw...), nil
	}
	return appendValue(dst, e.value)
}

// appendLazy adds an undecoded entry while decoding a record.
func (c *Items) appendLazy(name string, raw []byte) {
	c.index[fold(name)] = len(c.entries)
	c.entries = append(c.entries, &item{name: name, raw: raw})
}
