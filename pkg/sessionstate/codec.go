// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessionstate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/flate"
)

// ErrMalformedRecord is wrapped by every decoding failure.
var ErrMalformedRecord = errors.New("malformed session record")

// recordSentinel terminates every encoded record.
const recordSentinel = 0xFF

// compressionPad follows the deflate stream of a compressed record.
const compressionPad = 0x00

// Record is the decoded content of a session.
type Record struct {
	Items         *Items
	StaticObjects []byte
	Timeout       time.Duration
}

// NewRecord returns an empty record with the given timeout.
func NewRecord(timeout time.Duration) *Record {
	return &Record{Items: NewItems(), Timeout: timeout}
}

// Encode serializes rec. The layout is:
//
//	int32   timeout in minutes, little-endian
//	byte    has items
//	byte    has static objects
//	items   uvarint count, count names (uvarint length + bytes),
//	        count uint32 end offsets into the value area, value area
//	static  uvarint length + bytes
//	byte    0xFF
//
// With compress set the whole encoding is deflated and one pad byte follows.
// The timeout is rounded up to whole minutes, so sub-minute values do not
// round-trip.
func Encode(rec *Record, compress bool) ([]byte, error) {
	minutes := (rec.Timeout + time.Minute - 1) / time.Minute
	if minutes > math.MaxInt32 {
		minutes = math.MaxInt32
	}
	out := binary.LittleEndian.AppendUint32(nil, uint32(int32(minutes)))

	hasItems := rec.Items != nil && rec.Items.Len() > 0
	hasStatic := len(rec.StaticObjects) > 0
	out = append(out, boolByte(hasItems), boolByte(hasStatic))

	if hasItems {
		var err error
		if out, err = appendItems(out, rec.Items); err != nil {
			return nil, err
		}
	}
	if hasStatic {
		out = binary.AppendUvarint(out, uint64(len(rec.StaticObjects)))
		out = append(out, rec.StaticObjects...)
	}
	out = append(out, recordSentinel)

	if !compress {
		return out, nil
	}
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(out); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	buf.WriteByte(compressionPad)
	return buf.Bytes(), nil
}

func appendItems(out []byte, items *Items) ([]byte, error) {
	n := items.Len()
	out = binary.AppendUvarint(out, uint64(n))
	for _, e := range items.entries {
		out = binary.AppendUvarint(out, uint64(len(e.name)))
		out = append(out, e.name...)
	}
	var values []byte
	ends := make([]uint32, n)
	for i := range items.entries {
		var err error
		if values, err = items.encodedValue(values, i); err != nil {
			return nil, err
		}
		if uint64(len(values)) > math.MaxUint32 {
			return nil, fmt.Errorf("item values exceed %d bytes", uint64(math.MaxUint32))
		}
		ends[i] = uint32(len(values))
	}
	for _, end := range ends {
		out = binary.LittleEndian.AppendUint32(out, end)
	}
	return append(out, values...), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Decode parses a record produced by Encode. Item values stay encoded until
// first read, and the returned record retains data.
func Decode(data []byte, compress bool) (*Record, error) {
	if compress {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty input", ErrMalformedRecord)
		}
		raw, err := io.ReadAll(flate.NewReader(bytes.NewReader(data[:len(data)-1])))
		if err != nil {
			return nil, fmt.Errorf("%w: inflate: %v", ErrMalformedRecord, err)
		}
		data = raw
	}

	d := decoder{b: data}
	minutes := int32(d.uint32())
	hasItems := d.byte() != 0
	hasStatic := d.byte() != 0
	if d.err != nil {
		return nil, d.fail()
	}
	rec := &Record{Items: NewItems(), Timeout: time.Duration(minutes) * time.Minute}

	if hasItems {
		n := d.uvarint()
		if d.err == nil && n > uint64(len(d.b)) {
			return nil, fmt.Errorf("%w: item count %d exceeds record size", ErrMalformedRecord, n)
		}
		names := make([]string, 0, n)
		for i := uint64(0); i < n && d.err == nil; i++ {
			names = append(names, string(d.bytes(d.uvarint())))
		}
		ends := make([]uint32, 0, n)
		for i := uint64(0); i < n && d.err == nil; i++ {
			ends = append(ends, d.uint32())
		}
		if d.err != nil {
			return nil, d.fail()
		}
		var total uint32
		if n > 0 {
			total = ends[n-1]
		}
		values := d.bytes(uint64(total))
		if d.err != nil {
			return nil, d.fail()
		}
		var start uint32
		for i, name := range names {
			end := ends[i]
			if end < start || end > total {
				return nil, fmt.Errorf("%w: item %q has invalid offset %d", ErrMalformedRecord, name, end)
			}
			if rec.Items.Has(name) {
				return nil, fmt.Errorf("%w: duplicate item %q", ErrMalformedRecord, name)
			}
			rec.Items.appendLazy(name, values[start:end:end])
			start = end
		}
	}
	if hasStatic {
		rec.StaticObjects = d.bytes(d.uvarint())
	}
	sentinel := d.byte()
	if d.err != nil {
		return nil, d.fail()
	}
	if sentinel != recordSentinel || len(d.b) != 0 {
		return nil, fmt.Errorf("%w: missing end marker", ErrMalformedRecord)
	}
	return rec, nil
}

// decoder is a forward reader that records the first short read.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) fail() error {
	return fmt.Errorf("%w: %v", ErrMalformedRecord, d.err)
}

func (d *decoder) need(n uint64) bool {
	if d.err != nil {
		return false
	}
	if uint64(len(d.b)) < n {
		d.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (d *decoder) byte() byte {
	if !d.need(1) {
		return 0
	}
	v := d.b[0]
	d.b = d.b[1:]
	return v
}

func (d *decoder) uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, k := binary.Uvarint(d.b)
	if k <= 0 {
		d.err = io.ErrUnexpectedEOF
		return 0
	}
	d.b = d.b[k:]
	return v
}

func (d *decoder) bytes(n uint64) []byte {
	if !d.need(n) {
		return nil
	}
	v := d.b[:n:n]
	d.b = d.b[n:]
	return v
}
