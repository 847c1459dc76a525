package ledframe

import (
	"bytes"
	"path/filepath"
	"testing"
)

func writeSample(t *testing.T, path string, n int) []uint64 {
	t.Helper()
	w, err := OpenWriter(path, 20, 4, FormatRGB, 0, true)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	var timestamps []uint64
	for i := 0; i < n; i++ {
		ts := uint64(i) * 50000 // 50ms steps
		payload := bytes.Repeat([]byte{byte(i), 0, 0}, 4)
		if err := w.WriteFrame(ts, payload); err != nil {
			t.Fatalf("WriteFrame(%d): %v", i, err)
		}
		timestamps = append(timestamps, ts)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return timestamps
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	timestamps := writeSample(t, path, 10)

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	if r.Len() != len(timestamps) {
		t.Fatalf("Len() = %d, want %d", r.Len(), len(timestamps))
	}
	h := r.Header()
	if h.LEDCount != 4 || h.Format != FormatRGB || h.Offset != 0 {
		t.Fatalf("unexpected header: %+v", h)
	}

	for i, ts := range timestamps {
		got, ok := r.TimestampAt(i)
		if !ok || got != ts {
			t.Fatalf("TimestampAt(%d) = %d,%v want %d", i, got, ok, ts)
		}
		if idx := r.FindNearest(ts); idx != i {
			t.Fatalf("FindNearest(%d) = %d, want %d", ts, idx, i)
		}
		payload, err := r.ReadPayload(i)
		if err != nil {
			t.Fatalf("ReadPayload(%d): %v", i, err)
		}
		if len(payload) != 12 {
			t.Fatalf("payload length = %d, want 12", len(payload))
		}
	}
}

func TestFindNearestBeforeFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	writeSample(t, path, 5)
	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	if idx := r.FindNearest(0); idx != 0 {
		t.Fatalf("FindNearest(0) = %d, want 0", idx)
	}
	// A timestamp before the very first record still resolves to 0.
	if idx := r.FindNearest(1); idx != 0 {
		t.Fatalf("FindNearest(1) = %d, want 0", idx)
	}
	last := 4 * 50000
	if idx := r.FindNearest(uint64(last) + 100000); idx != 4 {
		t.Fatalf("FindNearest(past end) = %d, want 4", idx)
	}
}

func TestWriterRejectsBadPayloadLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	w, err := OpenWriter(path, 20, 4, FormatRGB, 0, true)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()
	if err := w.WriteFrame(0, make([]byte, 5)); err == nil {
		t.Fatal("expected format error for bad payload length")
	}
}

func TestWriterRejectsDecreasingTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	w, err := OpenWriter(path, 20, 4, FormatRGB, 0, true)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()
	payload := make([]byte, 12)
	if err := w.WriteFrame(1000, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.WriteFrame(500, payload); err == nil {
		t.Fatal("expected ordering error for decreasing timestamp")
	}
}

func TestEmptyFileIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	w, err := OpenWriter(path, 20, 4, FormatRGB, 0, true)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	if idx := r.FindNearest(12345); idx != 0 {
		t.Fatalf("FindNearest on empty index = %d, want 0", idx)
	}
}

func TestReaderDropsTruncatedTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	writeSample(t, path, 5)

	// Truncate the file to cut off the last record's payload midway,
	// simulating a writer dropped without Close().
	data := readAll(t, path)
	truncated := data[:len(data)-3]
	writeAll(t, path+".trunc", truncated)

	r, err := OpenReader(path + ".trunc")
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	if r.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 (last truncated record dropped)", r.Len())
	}
}

func TestHasValidMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "good.bin")
	writeSample(t, path, 1)
	if !HasValidMagic(path) {
		t.Fatal("expected valid magic")
	}

	bad := filepath.Join(t.TempDir(), "bad.bin")
	writeAll(t, bad, []byte("nope"))
	if HasValidMagic(bad) {
		t.Fatal("expected invalid magic")
	}
}
