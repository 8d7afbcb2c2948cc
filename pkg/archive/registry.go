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
	"path/filepath"
	"strconv"

	"github.com/blgl/s3zip/internal/identity"
)

const maxPathLen = 65535

// aliasDigits is the number of base-36 digits in an input's internal
// attach-alias, chosen so aliasFor never collides across a realistic number
// of inputs while staying a tiny, grammar-safe SQL identifier.
const aliasDigits = 6

// Input is one registered database: everything the gateway, compressor, and
// assembler need to stream its pages into the archive.
type Input struct {
	Path     string
	Identity identity.ID
	Alias    string
	ModeBits uint16
	DOSDate  uint16
	DOSTime  uint16

	PageSize    uint32
	PageCount   uint64
	JournalMode string

	LocalOffset      int64
	UncompressedSize int64
	CompressedSize   int64
	CRC              uint32

	L64 bool // local header needs the 64-bit extension
	C64 bool // central directory entry needs the 64-bit extension

	central      centralHeader
	centralExtra []byte
}

// Register validates each path and builds one Input per path, in order. It
// never attaches to or opens the databases themselves; that's the
// gateway's job once a registry succeeds in full.
func Register(paths []string) ([]*Input, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input databases given")
	}

	inputs := make([]*Input, 0, len(paths))
	seen := make(map[identity.ID]string, len(paths))

	for i, path := range paths {
		if path == "" {
			return nil, fmt.Errorf("input %d: empty path", i)
		}
		if len(path) > maxPathLen {
			return nil, fmt.Errorf("input %d: path longer than %d bytes", i, maxPathLen)
		}
		if filepath.IsAbs(path) {
			return nil, fmt.Errorf("input %q: must be a relative path", path)
		}

		id, mode, _, err := identity.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("registering %q: %w", path, err)
		}
		if other, dup := seen[id]; dup {
			return nil, fmt.Errorf("input %q: same file as already-registered input %q", path, other)
		}
		seen[id] = path

		// DOSDate/DOSTime are filled in later, under the shared read lock:
		// WAL-sidecar mtime selection needs a consistent snapshot, not the
		// pre-lock mtime.
		in := &Input{
			Path:     path,
			Identity: id,
			Alias:    aliasFor(i),
			ModeBits: mode,
		}
		inputs = append(inputs, in)
	}

	return inputs, nil
}

// CheckOutputCollision reports an error if the archive's output path, if it
// already exists, names the same file as one of the registered inputs.
func CheckOutputCollision(archivePath string, inputs []*Input) error {
	id, _, _, err := identity.Stat(archivePath)
	if err != nil {
		// Output doesn't exist yet, or isn't a regular file: nothing to
		// collide with (a non-regular existing path will fail later at
		// os.Create anyway).
		return nil
	}
	for _, in := range inputs {
		if in.Identity == id {
			return fmt.Errorf("output path %q is the same file as input %q", archivePath, in.Path)
		}
	}
	return nil
}

// aliasFor derives the seven-byte attach alias for the input at index i: an
// underscore followed by six base-36 digits, least-significant digit last.
// It is inlined textually into the ATTACH statement, never bound as a
// value, so it must never contain anything but [0-9a-z] — base-36 digits
// are exactly that alphabet.
func aliasFor(i int) string {
	s := strconv.FormatInt(int64(i), 36)
	if len(s) < aliasDigits {
		s = zeroPad(s, aliasDigits)
	}
	return "_" + s
}

func zeroPad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}
