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

// Package dostime packs a time.Time into the legacy two-word DOS date/time
// format the ZIP local and central directory records carry, and picks the
// mtime a WAL-mode database should be timestamped with.
package dostime

import (
	"os"
	"time"
)

// Pack converts t (interpreted in local time) into DOS date/time words:
// date has year-1980 in bits 9-15, month (1-12) in bits 5-8, day in bits
// 0-4; time has hour in bits 11-15, minute in bits 5-10, and second/2 in
// bits 0-4. DOS time has 2-second resolution.
func Pack(t time.Time) (date, tm uint16) {
	t = t.Local()
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tm = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tm
}

// ModTime returns the modification time that should be packed for the
// database at path: its own mtime, unless it is in WAL journal mode and a
// "<path>-wal" sidecar exists with a strictly newer mtime.
func ModTime(path string, walMode bool) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	mtime := fi.ModTime()
	if !walMode {
		return mtime, nil
	}
	walPath := walSidecarPath(path)
	walFi, err := os.Stat(walPath)
	if err != nil {
		// No WAL sidecar (or it vanished between BEGIN and here): fall back
		// to the main file's mtime.
		return mtime, nil
	}
	if walFi.ModTime().After(mtime) {
		return walFi.ModTime(), nil
	}
	return mtime, nil
}

func walSidecarPath(path string) string {
	return path + "-wal"
}
