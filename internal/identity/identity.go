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

// Package identity extracts the POSIX (device, inode) identity and mode
// bits of a regular file, the way a registry recognizes two different paths
// as the same file even when one is a symlink or bind-mount of the other.
package identity

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ID is the (device, inode) pair that uniquely identifies a file on a
// single host. Compare IDs with plain ==.
type ID struct {
	Dev uint64
	Ino uint64
}

// Stat returns the identity, the low 16 mode bits, and the os.FileInfo of
// the regular file at path. It returns an error if path does not name a
// regular file.
func Stat(path string) (ID, uint16, os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return ID{}, 0, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return ID{}, 0, nil, fmt.Errorf("%s: not a regular file", path)
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return ID{}, 0, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	id := ID{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
	// The raw low 16 bits of st_mode, not just Go's synthesized permission
	// bits, so setuid/setgid/sticky and the file-type bits survive verbatim
	// into the archive entry's external attributes.
	mode := uint16(st.Mode) & 0xFFFF
	return id, mode, fi, nil
}
