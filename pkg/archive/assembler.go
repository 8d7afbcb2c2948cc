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
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const maxUint32Val = int64(0xFFFFFFFF)

// assembler owns the output file and the single reusable compressor, and
// orchestrates the per-input reserve/stream/backpatch sequence plus the
// trailing central directory.
type assembler struct {
	f      *os.File
	offset int64
	comp   *compressor
}

func newAssembler(f *os.File) *assembler {
	return &assembler{f: f}
}

// pessimisticCompressedSize computes the worst-case compressed size of an
// input, used only to decide whether the Zip64 local extension is needed
// before any byte of it has actually been compressed.
func pessimisticCompressedSize(pageSize uint32, pageCount uint64) int64 {
	numerator := int64(pageSize) + 65534
	segments := ceilDiv(numerator, 65535)
	return int64(pageCount) * (int64(pageSize) + segments*5)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// packInput streams one input's pages into the archive: it reserves the
// local header region, compresses the page sequence while accumulating its
// CRC, backpatches the local header once the true compressed size is
// known, and prepares (but does not yet write) the central directory
// record.
func (a *assembler) packInput(ctx context.Context, gw *gateway, in *Input) error {
	in.LocalOffset = a.offset
	pessimistic := pessimisticCompressedSize(in.PageSize, in.PageCount)
	in.L64 = in.UncompressedSize > maxUint32Val || pessimistic > maxUint32Val

	headerLen := int64(30 + len(in.Path))
	if in.L64 {
		headerLen += 20
	}
	if _, err := a.f.Seek(headerLen, io.SeekCurrent); err != nil {
		return fmt.Errorf("reserving local header for %q: %w", in.Path, err)
	}
	a.offset += headerLen

	if err := a.streamPages(ctx, gw, in); err != nil {
		return err
	}

	in.C64 = in.L64 || in.LocalOffset > maxUint32Val

	neededVersion := uint16(versionDeflate)
	if in.L64 {
		neededVersion = versionZip64
	}

	if err := a.backpatchLocalHeader(in, neededVersion); err != nil {
		return err
	}
	if _, err := a.f.Seek(a.offset, io.SeekStart); err != nil {
		return fmt.Errorf("resuming after %q's payload: %w", in.Path, err)
	}

	a.prepareCentralRecord(in, neededVersion)
	return nil
}

// streamPages drives the compressor and CRC over in's page sequence,
// buffering exactly one page of lookahead so it knows which page is last
// (the one that gets the stream-finish flush instead of a block-boundary
// flush) without materializing the whole page stream.
func (a *assembler) streamPages(ctx context.Context, gw *gateway, in *Input) error {
	if a.comp == nil {
		c, err := newCompressor(a.f)
		if err != nil {
			return fmt.Errorf("initializing compressor for %q: %w", in.Path, err)
		}
		a.comp = c
	} else {
		a.comp.resetTo(a.f)
	}

	it, err := gw.pages(ctx, in)
	if err != nil {
		return err
	}
	defer it.close()

	crc := uint32(0)
	var pagesSeen uint64

	cur, ok, err := it.next()
	if err != nil {
		return err
	}
	for ok {
		next, nok, err := it.next()
		if err != nil {
			return err
		}
		if uint32(len(cur)) != in.PageSize {
			return fmt.Errorf("%s: page %d is %d bytes, want page size %d", in.Path, pagesSeen, len(cur), in.PageSize)
		}
		crc = crc32.Update(crc, crc32.IEEETable, cur)
		final := !nok
		if err := a.comp.writePage(cur, final); err != nil {
			return fmt.Errorf("%s: %w", in.Path, err)
		}
		pagesSeen++
		cur, ok = next, nok
	}
	if pagesSeen == 0 {
		// No pages at all: still need a well-formed (empty) deflate stream.
		if err := a.comp.writePage(nil, true); err != nil {
			return fmt.Errorf("%s: %w", in.Path, err)
		}
	}
	if pagesSeen != in.PageCount {
		return fmt.Errorf("%s: streamed %d pages, pragma_page_count said %d", in.Path, pagesSeen, in.PageCount)
	}

	in.CRC = crc
	in.CompressedSize = a.comp.emitted()
	a.offset += in.CompressedSize
	return nil
}

// backpatchLocalHeader seeks back to in.LocalOffset and writes the local
// header (and its Zip64 extra, if any) now that the compressed size and
// CRC are known.
func (a *assembler) backpatchLocalHeader(in *Input, neededVersion uint16) error {
	lh := localHeader{
		version: neededVersion,
		flags:   flagMaxCompression,
		method:  methodDeflate,
		modTime: in.DOSTime,
		modDate: in.DOSDate,
		crc32:   in.CRC,
		pathLen: uint16(len(in.Path)),
	}

	var extra []byte
	if in.L64 {
		lh.compSize = sentinel32
		lh.uncompSize = sentinel32
		extra = zip64LocalExtra(uint64(in.UncompressedSize), uint64(in.CompressedSize))
	} else {
		lh.compSize = uint32(in.CompressedSize)
		lh.uncompSize = uint32(in.UncompressedSize)
	}
	lh.extraLen = uint16(len(extra))

	buf := lh.marshal()
	buf = append(buf, in.Path...)
	buf = append(buf, extra...)

	if _, err := a.f.Seek(in.LocalOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to backpatch %q's local header: %w", in.Path, err)
	}
	if _, err := a.f.Write(buf); err != nil {
		return fmt.Errorf("backpatching %q's local header: %w", in.Path, err)
	}
	return nil
}

// prepareCentralRecord fills in.central and in.centralExtra. It does not
// write anything: central directory records are held in memory until the
// trailer phase.
func (a *assembler) prepareCentralRecord(in *Input, neededVersion uint16) {
	ch := centralHeader{
		creatorVersion: neededVersion | (creatorUnix << 8),
		neededVersion:  neededVersion,
		flags:          flagMaxCompression,
		method:         methodDeflate,
		modTime:        in.DOSTime,
		modDate:        in.DOSDate,
		crc32:          in.CRC,
		pathLen:        uint16(len(in.Path)),
		externalAttrs:  uint32(in.ModeBits) << 16,
	}

	var fields []uint64
	if in.C64 {
		if uint64(in.UncompressedSize) >= sentinel32 {
			ch.uncompSize = sentinel32
			fields = append(fields, uint64(in.UncompressedSize))
		} else {
			ch.uncompSize = uint32(in.UncompressedSize)
		}
		if uint64(in.CompressedSize) >= sentinel32 {
			ch.compSize = sentinel32
			fields = append(fields, uint64(in.CompressedSize))
		} else {
			ch.compSize = uint32(in.CompressedSize)
		}
		if uint64(in.LocalOffset) >= sentinel32 {
			ch.localOffset = sentinel32
			fields = append(fields, uint64(in.LocalOffset))
		} else {
			ch.localOffset = uint32(in.LocalOffset)
		}
	} else {
		ch.uncompSize = uint32(in.UncompressedSize)
		ch.compSize = uint32(in.CompressedSize)
		ch.localOffset = uint32(in.LocalOffset)
	}

	extra := zip64CentralExtra(fields)
	ch.extraLen = uint16(len(extra))

	in.central = ch
	in.centralExtra = extra
}

// writeTrailer emits the central directory (in registration order) and the
// end-of-central-directory records, promoting to the Zip64 end record and
// locator whenever the entry count or the central directory's own size or
// offset cross the classic format's 32-bit/16-bit limits.
func (a *assembler) writeTrailer(inputs []*Input) error {
	cdOffset := a.offset

	for _, in := range inputs {
		buf := in.central.marshal()
		buf = append(buf, in.Path...)
		buf = append(buf, in.centralExtra...)
		n, err := a.f.Write(buf)
		if err != nil {
			return fmt.Errorf("writing central directory entry for %q: %w", in.Path, err)
		}
		a.offset += int64(n)
	}
	cdSize := a.offset - cdOffset

	entriesTotal := int64(len(inputs))
	need64 := entriesTotal > 0xFFFF || cdOffset > maxUint32Val || cdSize > maxUint32Val

	if need64 {
		eocd64Offset := a.offset
		e64 := eocd64Record{
			versionMadeBy: versionZip64 | (creatorUnix << 8),
			versionNeeded: versionZip64,
			entriesOnDisk: uint64(entriesTotal),
			entriesTotal:  uint64(entriesTotal),
			cdSize:        uint64(cdSize),
			cdOffset:      uint64(cdOffset),
		}
		if err := a.write(e64.marshal()); err != nil {
			return fmt.Errorf("writing Zip64 end-of-central-directory record: %w", err)
		}

		loc := eocd64Locator{eocd64Offset: uint64(eocd64Offset), totalDisks: 1}
		if err := a.write(loc.marshal()); err != nil {
			return fmt.Errorf("writing Zip64 end-of-central-directory locator: %w", err)
		}
	}

	eocd := eocdRecord{}
	if need64 {
		eocd.entriesOnDisk = sentinel16
		eocd.entriesTotal = sentinel16
		eocd.cdSize = sentinel32
		eocd.cdOffset = sentinel32
	} else {
		eocd.entriesOnDisk = uint16(entriesTotal)
		eocd.entriesTotal = uint16(entriesTotal)
		eocd.cdSize = uint32(cdSize)
		eocd.cdOffset = uint32(cdOffset)
	}
	if err := a.write(eocd.marshal()); err != nil {
		return fmt.Errorf("writing end-of-central-directory record: %w", err)
	}

	return a.f.Sync()
}

func (a *assembler) write(buf []byte) error {
	n, err := a.f.Write(buf)
	a.offset += int64(n)
	return err
}
