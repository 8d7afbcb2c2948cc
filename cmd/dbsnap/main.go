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

// Command dbsnap snapshots one or more page-based database files into a
// single self-contained ZIP archive, consistent as of one shared reader
// lock across all of them.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/blgl/s3zip/pkg/archive"
)

var (
	flagV       = flag.Bool("v", false, "log each input's page_size/page_count/journal_mode as it's read")
	flagVerbose = flag.Bool("verbose", false, "same as -v")
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("dbsnap: ")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(1)
	}
	archivePath := args[0]
	inputPaths := args[1:]
	verbose := *flagV || *flagVerbose

	if err := archive.PackVerbose(archivePath, inputPaths, os.Stderr, verbose); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: dbsnap [-v] <archive.zip> <input.db> [<input.db> ...]\n")
	flag.PrintDefaults()
}
