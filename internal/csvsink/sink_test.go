package csvsink

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteQueryAndAnswerFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	wall := time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)
	if err := s.WriteQuery(wall, 7, 42, 3, 1500); err != nil {
		t.Fatalf("write query: %v", err)
	}
	if err := s.WriteAnswer(wall, 7, 42, 980); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines: %v", len(lines), lines)
	}
	if lines[0] != header {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	wantQ := "Q,1704164645.123456789,7,42,3,1500,"
	if lines[1] != wantQ {
		t.Fatalf("unexpected Q row: got %q want %q", lines[1], wantQ)
	}
	wantA := "A,1704164645.123456789,7,42,,,980"
	if lines[2] != wantA {
		t.Fatalf("unexpected A row: got %q want %q", lines[2], wantA)
	}
}

func TestGzipSuffixCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv.gz")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.WriteQuery(time.Now(), 1, 1, 1, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// gzip magic bytes
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Fatal("expected gzip magic header in output file")
	}
}

func TestFormatWallPrecision(t *testing.T) {
	wall := time.Unix(1, 5)
	got := formatWall(wall)
	if !strings.HasPrefix(got, "1.000000005") {
		t.Fatalf("expected 9-digit nanosecond precision, got %q", got)
	}
}
