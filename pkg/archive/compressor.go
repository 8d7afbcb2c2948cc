/*
Copyright 2026 The dbsnap Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// compressor drives one raw-deflate stream at a time. It is reset between
// inputs rather than recreated, the same way the assembler reuses one
// gateway connection across inputs.
type compressor struct {
	w        *countingWriter
	fw       *flate.Writer
	initOnce bool
}

// newCompressor builds a compressor writing to dst at maximum compression,
// raw deflate (no zlib/gzip wrapper), ready for its first input.
func newCompressor(dst io.Writer) (*compressor, error) {
	c := &compressor{w: &countingWriter{w: dst}}
	fw, err := flate.NewWriter(c.w, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("initializing compressor: %w", err)
	}
	c.fw = fw
	c.initOnce = true
	return c, nil
}

// resetTo rearms the compressor for the next input, now writing to dst and
// with its emitted-byte counter zeroed.
func (c *compressor) resetTo(dst io.Writer) {
	c.w.w = dst
	c.w.n = 0
	c.fw.Reset(c.w)
}

// writePage feeds one page's bytes through the deflate stream. final pages
// get a stream-finish flush (the last deflate block plus the raw-deflate
// trailer); every other page gets a block-boundary flush, which empirically
// compresses the mixed-compressibility runs of page-based database content
// better than leaving blocks open across pages.
func (c *compressor) writePage(page []byte, final bool) error {
	if _, err := c.fw.Write(page); err != nil {
		return fmt.Errorf("compressing page: %w", err)
	}
	if final {
		if err := c.fw.Close(); err != nil {
			return fmt.Errorf("finishing compressed stream: %w", err)
		}
		return nil
	}
	if err := c.fw.Flush(); err != nil {
		return fmt.Errorf("flushing compressed block: %w", err)
	}
	return nil
}

// emitted returns the number of bytes the compressor has written to dst
// since the last resetTo (or construction).
func (c *compressor) emitted() int64 {
	return c.w.n
}

// countingWriter counts bytes written to w, so the assembler can learn the
// compressed size of an input without buffering its output.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
