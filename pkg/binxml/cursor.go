// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package binxml

import (
	"encoding/binary"
	"errors"
	"io"
)

const defaultBufferSize = 4096

// maxGrowStep bounds how far the buffer grows ahead of the bytes read so
// far. A length prefix alone never allocates more than this.
const maxGrowStep = 1 << 20

// cursor is a refillable window over the input stream. Slices handed out by
// take stay valid until the next call that may refill the buffer, unless the
// region is pinned with mark.
type cursor struct {
	r    io.Reader
	buf  []byte
	pos  int
	end  int
	base int64 // stream offset of buf[0]
	mark int   // start of the pinned region, -1 when unset
	rerr error
}

func newCursor(r io.Reader, prefix []byte, size int) *cursor {
	if size < len(prefix) {
		size = len(prefix)
	}
	if size < 16 {
		size = 16
	}
	c := &cursor{r: r, buf: make([]byte, size), mark: -1}
	c.end = copy(c.buf, prefix)
	return c
}

func (c *cursor) offset() int64 { return c.base + int64(c.pos) }

func (c *cursor) available() int { return c.end - c.pos }

// more reports whether at least one byte can be read. It returns false with a
// nil error only at a clean end of input.
func (c *cursor) more() (bool, error) {
	if c.available() > 0 {
		return true, nil
	}
	if err := c.fill(1); err != nil {
		var te *TruncatedStreamError
		if errors.As(err, &te) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ensure makes n bytes available at pos or fails with TruncatedStreamError.
func (c *cursor) ensure(n int) error {
	if c.available() >= n {
		return nil
	}
	return c.fill(n)
}

func (c *cursor) fill(n int) error {
	empty := 0
	for c.available() < n {
		if c.rerr != nil {
			if errors.Is(c.rerr, io.EOF) {
				return &TruncatedStreamError{Offset: c.offset(), Need: n - c.available()}
			}
			return c.rerr
		}
		c.makeRoom(min(n, c.available()+maxGrowStep))
		m, err := c.r.Read(c.buf[c.end:])
		c.end += m
		switch {
		case err != nil:
			c.rerr = err
		case m == 0:
			if empty++; empty >= 100 {
				c.rerr = io.ErrNoProgress
			}
		default:
			empty = 0
		}
	}
	return nil
}

// makeRoom frees space after end so that n bytes fit past pos. Data before
// pos (or before mark, when set) is discarded. The buffer doubles when the
// retained data would still fill more than 7/8 of it, and is compacted in
// place otherwise.
func (c *cursor) makeRoom(n int) {
	if c.end < len(c.buf) && c.pos+n <= len(c.buf) {
		return
	}
	keep := c.pos
	if c.mark >= 0 && c.mark < keep {
		keep = c.mark
	}
	live := c.end - keep
	need := c.pos - keep + n
	size := len(c.buf)
	if need > size || live > size-size/8 {
		for need > size || live > size-size/8 {
			size *= 2
		}
		nb := make([]byte, size)
		copy(nb, c.buf[keep:c.end])
		c.buf = nb
	} else {
		copy(c.buf, c.buf[keep:c.end])
	}
	c.pos -= keep
	c.end -= keep
	if c.mark >= 0 {
		c.mark -= keep
	}
	c.base += int64(keep)
}

// pin keeps the bytes from the current position in the buffer until unpin.
func (c *cursor) pin() { c.mark = c.pos }

func (c *cursor) unpin() { c.mark = -1 }

// at returns n bytes starting at the absolute stream offset off. The region
// must still be buffered.
func (c *cursor) at(off int64, n int) []byte {
	i := int(off - c.base)
	return c.buf[i : i+n : i+n]
}

func (c *cursor) peekByte() (byte, error) {
	if err := c.ensure(1); err != nil {
		return 0, err
	}
	return c.buf[c.pos], nil
}

func (c *cursor) readByte() (byte, error) {
	if err := c.ensure(1); err != nil {
		return 0, err
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// take consumes n bytes and returns them without copying.
func (c *cursor) take(n int) ([]byte, error) {
	if err := c.ensure(n); err != nil {
		return nil, err
	}
	b := c.buf[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) skip(n int) error {
	_, err := c.take(n)
	return err
}

func (c *cursor) readUint16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// readMB32 decodes a multi-byte integer: seven bits per byte, low group first,
// high bit set on every byte but the last. The fifth byte may only carry the
// four remaining bits.
func (c *cursor) readMB32() (uint32, error) {
	start := c.offset()
	var v uint32
	for i := 0; i < 5; i++ {
		b, err := c.readByte()
		if err != nil {
			return 0, err
		}
		if i == 4 && b > 0x0F {
			return 0, &ValueTooLargeError{Offset: start}
		}
		v |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			break
		}
	}
	return v, nil
}

// readLength decodes a length prefix and checks it against int range.
func (c *cursor) readLength() (int, error) {
	start := c.offset()
	n, err := c.readMB32()
	if err != nil {
		return 0, err
	}
	if uint64(n) > uint64(maxInt) {
		return 0, &ValueTooLargeError{Offset: start}
	}
	return int(n), nil
}

const maxInt = int(^uint(0) >> 1)
