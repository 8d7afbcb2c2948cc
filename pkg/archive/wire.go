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

// Package archive implements the snapshot-and-pack pipeline: it opens one or
// more page-based database files read-only, pins them at a single
// consistent point in time, and streams their page contents into a ZIP
// archive with Zip64 extensions emitted automatically once any size or
// count crosses the 32-bit threshold.
package archive

import "encoding/binary"

// Fixed ZIP record signatures. Each is the literal 4-byte sequence the
// format assigns to that record kind.
var (
	sigLocalHeader   = [4]byte{'P', 'K', 0x03, 0x04}
	sigCentralHeader = [4]byte{'P', 'K', 0x01, 0x02}
	sigEOCD          = [4]byte{'P', 'K', 0x05, 0x06}
	sigEOCD64        = [4]byte{'P', 'K', 0x06, 0x06}
	sigEOCD64Locator = [4]byte{'P', 'K', 0x06, 0x07}
)

// Zip64-promotion sentinels: a 32-bit field carrying this value means "see
// the extra field instead". The comparison that decides whether a field
// needs promotion must be >=, not >, or a legitimate value equal to the
// sentinel would be written inline and silently misread by any reader.
const (
	sentinel32 = 0xFFFFFFFF
	sentinel16 = 0xFFFF
)

const (
	methodDeflate = 8

	versionDeflate = 20
	versionZip64   = 45

	creatorUnix = 3

	flagMaxCompression = 0x0002

	extraIDZip64 = 0x0001
)

func putUint16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// appendUint16/32/64 append a little-endian field to buf and return the
// extended slice, the same shape binary.Write offers but without its
// reflection overhead and without requiring an io.Writer up front (the
// assembler needs the bytes before it knows whether they're going straight
// to the file or staged in the in-memory central directory).
func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	putUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	putUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	putUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// localHeader is the fixed 30-byte local file header record, not counting
// the trailing path and extra-field bytes.
type localHeader struct {
	version    uint16
	flags      uint16
	method     uint16
	modTime    uint16
	modDate    uint16
	crc32      uint32
	compSize   uint32 // or sentinel32 when l64
	uncompSize uint32 // or sentinel32 when l64
	pathLen    uint16
	extraLen   uint16
}

// marshal returns the 30-byte fixed record; the caller appends path bytes
// and any extra-field bytes after it.
func (h localHeader) marshal() []byte {
	buf := make([]byte, 0, 30)
	buf = append(buf, sigLocalHeader[:]...)
	buf = appendUint16(buf, h.version)
	buf = appendUint16(buf, h.flags)
	buf = appendUint16(buf, h.method)
	buf = appendUint16(buf, h.modTime)
	buf = appendUint16(buf, h.modDate)
	buf = appendUint32(buf, h.crc32)
	buf = appendUint32(buf, h.compSize)
	buf = appendUint32(buf, h.uncompSize)
	buf = appendUint16(buf, h.pathLen)
	buf = appendUint16(buf, h.extraLen)
	return buf
}

// zip64LocalExtra builds the (ext_id=0x0001, ext_size=16, size, compSize)
// extra record appended to the local header when l64 is set.
func zip64LocalExtra(uncompSize, compSize uint64) []byte {
	buf := make([]byte, 0, 20)
	buf = appendUint16(buf, extraIDZip64)
	buf = appendUint16(buf, 16)
	buf = appendUint64(buf, uncompSize)
	buf = appendUint64(buf, compSize)
	return buf
}

// centralHeader is the fixed 46-byte central directory record, not counting
// the trailing path bytes (comment is always empty in this archive) and any
// Zip64 extra.
type centralHeader struct {
	creatorVersion uint16
	neededVersion  uint16
	flags          uint16
	method         uint16
	modTime        uint16
	modDate        uint16
	crc32          uint32
	compSize       uint32 // or sentinel32 when promoted
	uncompSize     uint32 // or sentinel32 when promoted
	pathLen        uint16
	extraLen       uint16
	commentLen     uint16
	diskNo         uint16
	internalAttrs  uint16
	externalAttrs  uint32
	localOffset    uint32 // or sentinel32 when promoted
}

func (h centralHeader) marshal() []byte {
	buf := make([]byte, 0, 46)
	buf = append(buf, sigCentralHeader[:]...)
	buf = appendUint16(buf, h.creatorVersion)
	buf = appendUint16(buf, h.neededVersion)
	buf = appendUint16(buf, h.flags)
	buf = appendUint16(buf, h.method)
	buf = appendUint16(buf, h.modTime)
	buf = appendUint16(buf, h.modDate)
	buf = appendUint32(buf, h.crc32)
	buf = appendUint32(buf, h.compSize)
	buf = appendUint32(buf, h.uncompSize)
	buf = appendUint16(buf, h.pathLen)
	buf = appendUint16(buf, h.extraLen)
	buf = appendUint16(buf, h.commentLen)
	buf = appendUint16(buf, h.diskNo)
	buf = appendUint16(buf, h.internalAttrs)
	buf = appendUint32(buf, h.externalAttrs)
	buf = appendUint32(buf, h.localOffset)
	return buf
}

// zip64CentralExtra builds the central-directory Zip64 extra: an
// (ext_id=0x0001, ext_size=8*len(fields)) record followed by each promoted
// field, in header order (size, compressed size, local header offset).
func zip64CentralExtra(fields []uint64) []byte {
	if len(fields) == 0 {
		return nil
	}
	buf := make([]byte, 0, 4+8*len(fields))
	buf = appendUint16(buf, extraIDZip64)
	buf = appendUint16(buf, uint16(8*len(fields)))
	for _, f := range fields {
		buf = appendUint64(buf, f)
	}
	return buf
}

// eocdRecord is the classic (32-bit) end-of-central-directory record.
type eocdRecord struct {
	diskNo         uint16
	cdStartDisk    uint16
	entriesOnDisk  uint16
	entriesTotal   uint16
	cdSize         uint32
	cdOffset       uint32
	commentLen     uint16
}

func (e eocdRecord) marshal() []byte {
	buf := make([]byte, 0, 22)
	buf = append(buf, sigEOCD[:]...)
	buf = appendUint16(buf, e.diskNo)
	buf = appendUint16(buf, e.cdStartDisk)
	buf = appendUint16(buf, e.entriesOnDisk)
	buf = appendUint16(buf, e.entriesTotal)
	buf = appendUint32(buf, e.cdSize)
	buf = appendUint32(buf, e.cdOffset)
	buf = appendUint16(buf, e.commentLen)
	return buf
}

// eocd64Record is the Zip64 end-of-central-directory record (fixed portion;
// this archive never appends the optional extensible data sector).
type eocd64Record struct {
	versionMadeBy  uint16
	versionNeeded  uint16
	diskNo         uint32
	cdStartDisk    uint32
	entriesOnDisk  uint64
	entriesTotal   uint64
	cdSize         uint64
	cdOffset       uint64
}

func (e eocd64Record) marshal() []byte {
	buf := make([]byte, 0, 56)
	buf = append(buf, sigEOCD64[:]...)
	buf = appendUint64(buf, 44) // size of this record, excluding sig+this field
	buf = appendUint16(buf, e.versionMadeBy)
	buf = appendUint16(buf, e.versionNeeded)
	buf = appendUint32(buf, e.diskNo)
	buf = appendUint32(buf, e.cdStartDisk)
	buf = appendUint64(buf, e.entriesOnDisk)
	buf = appendUint64(buf, e.entriesTotal)
	buf = appendUint64(buf, e.cdSize)
	buf = appendUint64(buf, e.cdOffset)
	return buf
}

// eocd64Locator points at the eocd64Record.
type eocd64Locator struct {
	eocd64Disk   uint32
	eocd64Offset uint64
	totalDisks   uint32
}

func (l eocd64Locator) marshal() []byte {
	buf := make([]byte, 0, 20)
	buf = append(buf, sigEOCD64Locator[:]...)
	buf = appendUint32(buf, l.eocd64Disk)
	buf = appendUint64(buf, l.eocd64Offset)
	buf = appendUint32(buf, l.totalDisks)
	return buf
}
