// Package csvsink writes the Q/A row CSV stream described in spec.md §6,
// matching original_source/tcpclient.c's printf formats exactly field for
// field, plus an additive gzip option when the output path ends in .gz.
package csvsink

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const header = "type,timestamp,connection_id,query_id,poisson_id,poisson_interval_us,rtt_us"

// Sink is a buffered CSV writer for RTT rows. All writes go through a
// single mutex. The engine writes both Q rows (emitQuery) and A rows
// (handleMatch) from its loop goroutine, so the lock is uncontended
// there; it keeps the Sink safe for callers on other goroutines. This
// is the one place in the engine a lock is deliberately used, since the
// guarded section is a few bytes of formatting, not any piece of engine
// state.
type Sink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// Open creates a Sink writing to path, which may be "-" for stdout or
// end in ".gz" to gzip the stream, and writes the CSV header line.
func Open(path string) (*Sink, error) {
	var w io.Writer
	var closer io.Closer

	if path == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("open csv output: %w", err)
		}
		closer = f
		if strings.HasSuffix(path, ".gz") {
			gz := gzip.NewWriter(f)
			w = gz
			closer = multiCloser{gz, f}
		} else {
			w = f
		}
	}

	s := &Sink{w: bufio.NewWriterSize(w, 64*1024), closer: closer}
	if _, err := s.w.WriteString(header + "\n"); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return s, nil
}

// multiCloser closes a gzip writer before the underlying file, so the
// gzip trailer is flushed before the file descriptor goes away.
type multiCloser struct {
	gz *gzip.Writer
	f  *os.File
}

func (m multiCloser) Close() error {
	if err := m.gz.Close(); err != nil {
		m.f.Close()
		return err
	}
	return m.f.Close()
}

// WriteQuery appends a Q row: send-side fields filled in, match-side
// fields (rtt_us) left blank, matching tcpclient.c's
// "Q,%lu.%.9lu,%u,%u,%u,%lu,\n" format.
func (s *Sink) WriteQuery(wall time.Time, connID uint32, queryID uint16, poissonID uint32, intervalUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "Q,%s,%d,%d,%d,%d,\n", formatWall(wall), connID, queryID, poissonID, intervalUs)
	return err
}

// WriteAnswer appends an A row: poisson_id and poisson_interval_us left
// blank, matching tcpclient.c's "A,%lu.%.9lu,%u,%u,,,%lu\n" format.
func (s *Sink) WriteAnswer(wall time.Time, connID uint32, queryID uint16, rttUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "A,%s,%d,%d,,,%d\n", formatWall(wall), connID, queryID, rttUs)
	return err
}

// formatWall renders a wall-clock timestamp as sec.nnnnnnnnn, mirroring
// printf's "%lu.%.9lu" applied to (tv_sec, tv_nsec).
func formatWall(t time.Time) string {
	sec := t.Unix()
	nsec := t.Nanosecond()
	return fmt.Sprintf("%d.%09d", sec, nsec)
}

// Flush flushes any buffered output without closing the sink.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes and closes the sink, including the gzip trailer if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
