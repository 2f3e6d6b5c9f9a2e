package engine

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

// readTCPLoop reads framed TCP/TLS responses off conn, matching them
// against f's ring and emitting A rows, until conn is closed or a fatal
// read error occurs. It runs on its own goroutine, per flow, posting
// every match back to the loop via e.loop.Post so the ring and metrics
// are only ever touched from the single owning goroutine (spec.md §4.4).
//
// This mirrors original_source/tcpclient.c's readcb loop-until-short-read
// structure: buffer input, peek the 2-byte length prefix plus 2-byte
// query ID, and only consume the frame once it's known complete.
func (e *Engine) readTCPLoop(f *flow, conn net.Conn) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for {
			consumed, ok := e.drainOneTCPFrame(f, buf)
			if !ok {
				break
			}
			buf = buf[consumed:]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.metrics.RecordFlowError("read")
			}
			return
		}
	}
}

// drainOneTCPFrame samples clocks first (spec.md §4.4 requirement: sample
// before checking completeness, so the RTT clock isn't skewed by however
// long framing inspection takes), then tries to consume one complete
// frame from buf. Returns the number of bytes to drop and whether a
// frame was consumed.
func (e *Engine) drainOneTCPFrame(f *flow, buf []byte) (int, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	recvMono, wallAt := sampleClocks()

	dnsLen := binary.BigEndian.Uint16(buf[0:2])
	queryID := binary.BigEndian.Uint16(buf[2:4])
	total := int(dnsLen) + 2
	if len(buf) < total {
		return 0, false
	}

	e.loop.Post(func() {
		e.handleMatch(f, queryID, recvMono, wallAt)
	})
	return total, true
}

// readUDPLoop reads one datagram at a time off conn (each UDP send is a
// complete DNS message already, per spec.md §6), matching it against f's
// ring. Mirrors original_source/udpclient.c's ev_callback.
func (e *Engine) readUDPLoop(f *flow, conn net.Conn) {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.metrics.RecordFlowError("read")
			}
			return
		}
		if n < 2 {
			continue
		}
		recvMono, wallAt := sampleClocks()
		queryID := binary.BigEndian.Uint16(buf[0:2])
		e.loop.Post(func() {
			e.handleMatch(f, queryID, recvMono, wallAt)
		})
	}
}

// handleMatch runs on the loop goroutine: it looks up the ring slot,
// computes RTT, records metrics, and emits the A row. The ring stores
// only a timestamp per slot (spec.md §3), so a slot that was overwritten
// by a later query still yields a send time — the RTT is then
// inaccurate, not absent, and the A row is emitted unconditionally per
// spec.md §4.4 step 5 and §7's "ring staleness ... not detected".
func (e *Engine) handleMatch(f *flow, queryID uint16, recvMono monoStamp, wallAt time.Time) {
	sendAt := f.take(queryID)
	rtt := rttSince(sendAt, recvMono)
	e.metrics.RecordMatch(rtt.Seconds())
	if e.csv != nil {
		_ = e.csv.WriteAnswer(wallAt, f.connID, queryID, rttMicros(rtt))
	}
}
