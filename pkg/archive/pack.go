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
	"io"
	"os"

	"github.com/dustin/go-humanize"
)

// Pack snapshots every database in inputPaths into a single ZIP archive at
// archivePath, under one shared BEGIN IMMEDIATE lock, and writes a
// per-input progress line plus a final summary line to progress (nil is
// fine; progress is purely informational).
func Pack(archivePath string, inputPaths []string, progress io.Writer) error {
	return PackVerbose(archivePath, inputPaths, progress, false)
}

// PackVerbose is Pack with the gateway's per-input metadata logging
// (page_size/page_count/journal_mode) turned on when verbose is true,
// wired to cmd/dbsnap's -v flag.
func PackVerbose(archivePath string, inputPaths []string, progress io.Writer, verbose bool) (err error) {
	ctx := context.Background()

	inputs, err := Register(inputPaths)
	if err != nil {
		return err
	}
	if err := CheckOutputCollision(archivePath, inputs); err != nil {
		return err
	}

	var (
		gw             *gateway
		f              *os.File
		archiveCreated bool
	)
	// Teardown runs in a fixed order regardless of which stage failed:
	// rollback the shared lock, close the database connection, close the
	// archive file, then remove a partial archive. Each step is a no-op if
	// its resource was never acquired.
	defer func() {
		if gw != nil {
			if rerr := gw.rollback(); rerr != nil && err == nil {
				err = rerr
			}
			if cerr := gw.close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if f != nil {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("closing archive: %w", cerr)
			}
		}
		if err != nil && archiveCreated {
			os.Remove(archivePath)
		}
	}()

	gw, err = openGateway(ctx, verbose)
	if err != nil {
		return err
	}

	for _, in := range inputs {
		if err = gw.attach(ctx, in); err != nil {
			return err
		}
	}

	f, err = os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating archive %q: %w", archivePath, err)
	}
	archiveCreated = true

	if err = gw.begin(ctx); err != nil {
		return err
	}

	for _, in := range inputs {
		if err = gw.metadata(ctx, in); err != nil {
			return err
		}
	}

	asm := newAssembler(f)
	var totalUncompressed, totalCompressed int64
	for _, in := range inputs {
		if err = asm.packInput(ctx, gw, in); err != nil {
			return err
		}
		totalUncompressed += in.UncompressedSize
		totalCompressed += in.CompressedSize
		reportInput(progress, in)
	}

	// The lock and the connection only need to cover the read of every
	// page; the directory and trailer describe what was already read, so
	// the database is fully torn down before writing either.
	if err = gw.rollback(); err != nil {
		return err
	}
	if err = gw.close(); err != nil {
		return err
	}

	if err = asm.writeTrailer(inputs); err != nil {
		return err
	}

	reportSummary(progress, len(inputs), totalUncompressed, totalCompressed)
	return nil
}

func reportInput(w io.Writer, in *Input) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "%s  %s -> %s (%s)\n",
		in.Path,
		humanize.Bytes(uint64(in.UncompressedSize)),
		humanize.Bytes(uint64(in.CompressedSize)),
		ratioString(in.UncompressedSize, in.CompressedSize))
}

func reportSummary(w io.Writer, n int, totalUncompressed, totalCompressed int64) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "packed %d input(s): %s -> %s (%s)\n",
		n,
		humanize.Bytes(uint64(totalUncompressed)),
		humanize.Bytes(uint64(totalCompressed)),
		ratioString(totalUncompressed, totalCompressed))
}

func ratioString(uncompressed, compressed int64) string {
	if uncompressed <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(compressed)/float64(uncompressed))
}
