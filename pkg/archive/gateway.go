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
	"database/sql"
	"fmt"
	"log"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/blgl/s3zip/internal/dostime"
)

const maxPageSize = 65536

// gateway owns the single connection used to snapshot every registered
// input: an otherwise-empty in-memory main database with each input
// attached read-only under its alias, all pinned by one BEGIN IMMEDIATE.
//
// ATTACH and BEGIN IMMEDIATE are both connection-scoped SQLite statements,
// so the gateway pins itself to exactly one *sql.Conn from the pool (a
// pooled *sql.DB could otherwise hand a later query a different physical
// connection that never saw the ATTACH or the transaction).
type gateway struct {
	db      *sql.DB
	conn    *sql.Conn
	txOpen  bool
	closed  bool
	verbose bool
}

// openGateway creates the in-memory connection with a very large busy
// timeout, so contention with a concurrent writer on an input causes the
// gateway to wait for BEGIN IMMEDIATE rather than fail outright.
func openGateway(ctx context.Context, verbose bool) (*gateway, error) {
	// modernc.org/sqlite's _pragma DSN parameter sets a pragma at open time,
	// avoiding a second round trip to configure the busy timeout.
	dsn := "file::memory:?_pragma=busy_timeout(2147483647)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	return &gateway{db: db, conn: conn, verbose: verbose}, nil
}

// attach ATTACHes in's file read-only under its alias. The alias is
// inlined textually into the SQL (ATTACH's grammar requires a database
// name identifier there, not a bound parameter); the path always travels
// as a bound text parameter inside a file: URI, never interpolated.
func (g *gateway) attach(ctx context.Context, in *Input) error {
	uri := roURI(in.Path)
	stmt := fmt.Sprintf("ATTACH DATABASE ?1 AS %s", in.Alias)
	if _, err := g.conn.ExecContext(ctx, stmt, uri); err != nil {
		return fmt.Errorf("attaching %q as %s: %w", in.Path, in.Alias, err)
	}
	return nil
}

// roURI builds a read-only SQLite file: URI for path, percent-encoding any
// byte that would otherwise be misread by the URI parser: '%', '#', '?',
// control bytes <= 0x20, and bytes >= 0x7F. Absolute paths (unreachable
// here: the registry already rejects them) would use the file:// authority
// form; relative paths use plain file:.
func roURI(path string) string {
	var b strings.Builder
	if strings.HasPrefix(path, "/") {
		b.WriteString("file://")
	} else {
		b.WriteString("file:")
	}
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '%' || c == '#' || c == '?' || c <= 0x20 || c >= 0x7F {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	b.WriteString("?mode=ro")
	return b.String()
}

// begin acquires the shared multi-database read lock. BEGIN IMMEDIATE on
// the main in-memory schema takes an implicit read lock across every
// attached database in one step, which is the consistency anchor the
// snapshot relies on.
func (g *gateway) begin(ctx context.Context) error {
	if _, err := g.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("BEGIN IMMEDIATE: %w", err)
	}
	g.txOpen = true
	return nil
}

// metadata fills in's page size, page count, journal mode, and (after
// re-statting under the lock) its DOS timestamp.
//
// Every table-valued function is qualified main. to avoid colliding with
// any user table of the same name that happens to live inside an attached
// input's own schema.
func (g *gateway) metadata(ctx context.Context, in *Input) error {
	const q = `
		SELECT page_size, page_count, journal_mode
		FROM main.pragma_page_size(?1)
		JOIN main.pragma_page_count(?1)
		JOIN main.pragma_journal_mode(?1)
	`
	var journalMode string
	err := g.conn.QueryRowContext(ctx, q, in.Alias).Scan(&in.PageSize, &in.PageCount, &journalMode)
	if err != nil {
		return fmt.Errorf("reading metadata for %q: %w", in.Path, err)
	}
	if in.PageSize > maxPageSize {
		return fmt.Errorf("%q: page size %d exceeds %d", in.Path, in.PageSize, maxPageSize)
	}
	in.JournalMode = journalMode
	in.UncompressedSize = int64(in.PageSize) * int64(in.PageCount)

	mtime, err := dostime.ModTime(in.Path, strings.EqualFold(journalMode, "wal"))
	if err != nil {
		return fmt.Errorf("statting %q for mtime: %w", in.Path, err)
	}
	in.DOSDate, in.DOSTime = dostime.Pack(mtime)

	if g.verbose {
		log.Printf("%s: page_size=%d page_count=%d journal_mode=%s", in.Path, in.PageSize, in.PageCount, in.JournalMode)
	}
	return nil
}

// pageIterator streams one input's pages in page-number order.
type pageIterator struct {
	rows *sql.Rows
}

// pages opens the page-streaming query for in. The caller must fully drain
// or close the returned iterator.
func (g *gateway) pages(ctx context.Context, in *Input) (*pageIterator, error) {
	const q = "SELECT data FROM main.sqlite_dbpage(?1) ORDER BY pgno"
	rows, err := g.conn.QueryContext(ctx, q, in.Alias)
	if err != nil {
		return nil, fmt.Errorf("streaming pages for %q: %w", in.Path, err)
	}
	return &pageIterator{rows: rows}, nil
}

// next returns the next page's bytes, or ok=false at end of stream.
func (it *pageIterator) next() (data []byte, ok bool, err error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, false, fmt.Errorf("reading page row: %w", err)
		}
		return nil, false, nil
	}
	if err := it.rows.Scan(&data); err != nil {
		return nil, false, fmt.Errorf("scanning page row: %w", err)
	}
	return data, true, nil
}

func (it *pageIterator) close() error {
	return it.rows.Close()
}

// rollback undoes the shared transaction. It is a no-op if no transaction
// is open, so teardown can call it unconditionally.
func (g *gateway) rollback() error {
	if !g.txOpen {
		return nil
	}
	g.txOpen = false
	if _, err := g.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		return fmt.Errorf("rolling back snapshot transaction: %w", err)
	}
	return nil
}

// close closes the connection. It is a no-op if the connection was never
// opened or close was already called, so both the lifecycle controller's
// explicit close and its deferred teardown can call it unconditionally.
func (g *gateway) close() error {
	if g == nil || g.db == nil || g.closed {
		return nil
	}
	g.closed = true
	var connErr error
	if g.conn != nil {
		connErr = g.conn.Close()
	}
	if err := g.db.Close(); err != nil {
		return fmt.Errorf("closing database connection: %w", err)
	}
	if connErr != nil {
		return fmt.Errorf("closing database connection: %w", connErr)
	}
	return nil
}
