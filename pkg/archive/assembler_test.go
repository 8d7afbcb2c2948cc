package archive

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestPessimisticCompressedSize(t *testing.T) {
	got := pessimisticCompressedSize(4096, 10)
	// segments = ceil((4096+65534)/65535) = ceil(69630/65535) = 2
	// per-page worst case = 4096 + 2*5 = 4106; 10 pages = 41060
	want := int64(41060)
	if got != want {
		t.Errorf("pessimisticCompressedSize(4096, 10) = %d, want %d", got, want)
	}
}

func TestPrepareCentralRecordInlineWhenSmall(t *testing.T) {
	a := &assembler{}
	in := &Input{
		Path:             "small.db",
		UncompressedSize: 1 << 20,
		CompressedSize:   1 << 10,
		LocalOffset:      0,
	}
	a.prepareCentralRecord(in, versionDeflate)

	if in.centralExtra != nil {
		t.Fatalf("centralExtra = %v, want nil", in.centralExtra)
	}
	if in.central.uncompSize != uint32(in.UncompressedSize) {
		t.Errorf("central.uncompSize = %d, want %d", in.central.uncompSize, in.UncompressedSize)
	}
	if in.central.compSize != uint32(in.CompressedSize) {
		t.Errorf("central.compSize = %d, want %d", in.central.compSize, in.CompressedSize)
	}
}

func TestPrepareCentralRecordPromotesLargeFields(t *testing.T) {
	a := &assembler{}
	in := &Input{
		Path:             "huge.db",
		UncompressedSize: int64(1) << 33,
		CompressedSize:   1 << 10, // stays inline
		LocalOffset:      int64(1) << 34,
		L64:              true,
		C64:              true,
	}
	a.prepareCentralRecord(in, versionZip64)

	if in.central.uncompSize != sentinel32 {
		t.Errorf("central.uncompSize = %x, want sentinel", in.central.uncompSize)
	}
	if in.central.compSize != uint32(in.CompressedSize) {
		t.Errorf("central.compSize = %d, want inline %d", in.central.compSize, in.CompressedSize)
	}
	if in.central.localOffset != sentinel32 {
		t.Errorf("central.localOffset = %x, want sentinel", in.central.localOffset)
	}
	if len(in.centralExtra) != 4+16 {
		t.Fatalf("len(centralExtra) = %d, want %d", len(in.centralExtra), 4+16)
	}
	got1 := binary.LittleEndian.Uint64(in.centralExtra[4:12])
	got2 := binary.LittleEndian.Uint64(in.centralExtra[12:20])
	if got1 != uint64(in.UncompressedSize) {
		t.Errorf("first promoted field = %d, want %d", got1, in.UncompressedSize)
	}
	if got2 != uint64(in.LocalOffset) {
		t.Errorf("second promoted field = %d, want %d", got2, in.LocalOffset)
	}
}

// writeFixtureDB creates a small SQLite database at path with enough row
// data to span several pages at the default page size.
func writeFixtureDB(t *testing.T, path string, rows int) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening fixture db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE blob (id INTEGER PRIMARY KEY, data BLOB)`); err != nil {
		t.Fatalf("creating fixture table: %v", err)
	}
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	for i := 0; i < rows; i++ {
		if _, err := db.Exec(`INSERT INTO blob (data) VALUES (?)`, payload); err != nil {
			t.Fatalf("inserting fixture row %d: %v", i, err)
		}
	}
}

// TestAssemblerRoundTrip packs a real multi-page SQLite fixture database and
// reads the resulting archive back with the standard library's archive/zip
// reader, which validates the local/central headers, the CRC, and decodes
// the deflate stream itself.
func TestAssemblerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFixtureDB(t, filepath.Join(dir, "a.db"), 80)

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	inputs, err := Register([]string{"a.db"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	gw, err := openGateway(ctx, false)
	if err != nil {
		t.Fatalf("openGateway: %v", err)
	}
	defer gw.close()

	if err := gw.attach(ctx, inputs[0]); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := gw.begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := gw.metadata(ctx, inputs[0]); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if inputs[0].PageCount < 2 {
		t.Fatalf("fixture db has only %d page(s), want at least 2 to exercise multi-page streaming", inputs[0].PageCount)
	}

	af, err := os.Create("out.zip")
	if err != nil {
		t.Fatal(err)
	}
	asm := newAssembler(af)
	if err := asm.packInput(ctx, gw, inputs[0]); err != nil {
		t.Fatalf("packInput: %v", err)
	}
	if err := gw.rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := asm.writeTrailer(inputs); err != nil {
		t.Fatalf("writeTrailer: %v", err)
	}
	if err := af.Close(); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader("out.zip")
	if err != nil {
		t.Fatalf("opening produced archive: %v", err)
	}
	defer zr.Close()

	if len(zr.File) != 1 {
		t.Fatalf("len(zr.File) = %d, want 1", len(zr.File))
	}
	zf := zr.File[0]
	if zf.Name != "a.db" {
		t.Errorf("zf.Name = %q, want %q", zf.Name, "a.db")
	}
	wantSize := inputs[0].PageSize * uint32(inputs[0].PageCount)
	if zf.UncompressedSize64 != uint64(wantSize) {
		t.Errorf("UncompressedSize64 = %d, want %d", zf.UncompressedSize64, wantSize)
	}

	rc, err := zf.Open()
	if err != nil {
		t.Fatalf("opening entry: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading entry (CRC/decompress validated by archive/zip): %v", err)
	}
	if uint64(len(got)) != uint64(wantSize) {
		t.Errorf("decompressed %d bytes, want %d", len(got), wantSize)
	}
}

// TestAssemblerMultipleInputsShareCompressor packs two distinct fixture
// databases into the same archive, exercising the compressor's resetTo path
// and the central directory loop across more than one entry.
func TestAssemblerMultipleInputsShareCompressor(t *testing.T) {
	dir := t.TempDir()
	writeFixtureDB(t, filepath.Join(dir, "a.db"), 20)
	writeFixtureDB(t, filepath.Join(dir, "b.db"), 60)

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	inputs, err := Register([]string{"a.db", "b.db"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	gw, err := openGateway(ctx, false)
	if err != nil {
		t.Fatalf("openGateway: %v", err)
	}
	defer gw.close()

	for _, in := range inputs {
		if err := gw.attach(ctx, in); err != nil {
			t.Fatalf("attach %q: %v", in.Path, err)
		}
	}
	if err := gw.begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, in := range inputs {
		if err := gw.metadata(ctx, in); err != nil {
			t.Fatalf("metadata %q: %v", in.Path, err)
		}
	}

	af, err := os.Create("out.zip")
	if err != nil {
		t.Fatal(err)
	}
	asm := newAssembler(af)
	for _, in := range inputs {
		if err := asm.packInput(ctx, gw, in); err != nil {
			t.Fatalf("packInput %q: %v", in.Path, err)
		}
	}
	if err := gw.rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := asm.writeTrailer(inputs); err != nil {
		t.Fatalf("writeTrailer: %v", err)
	}
	if err := af.Close(); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader("out.zip")
	if err != nil {
		t.Fatalf("opening produced archive: %v", err)
	}
	defer zr.Close()

	if len(zr.File) != 2 {
		t.Fatalf("len(zr.File) = %d, want 2", len(zr.File))
	}
	names := map[string]bool{}
	for _, zf := range zr.File {
		names[zf.Name] = true
		rc, err := zf.Open()
		if err != nil {
			t.Fatalf("opening %q: %v", zf.Name, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("reading %q: %v", zf.Name, err)
		}
		if uint64(len(got)) != zf.UncompressedSize64 {
			t.Errorf("%q: read %d bytes, header says %d", zf.Name, len(got), zf.UncompressedSize64)
		}
	}
	if !names["a.db"] || !names["b.db"] {
		t.Errorf("names = %v, want both a.db and b.db", names)
	}
}
