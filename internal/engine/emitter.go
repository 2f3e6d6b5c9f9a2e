package engine

import (
	"time"

	"github.com/paragkamble/dnsgen/internal/config"
)

// emitQuery selects f deterministically (the caller has already picked
// it uniformly at random), stamps a fresh query ID, writes the framed
// payload, and records the send in the ring before returning — matching
// original_source/tcpclient.c's send_query, which records the timestamp
// before the write so a pathological zero-RTT loopback response can
// never race ahead of its own bookkeeping.
//
// poissonID and intervalUs are purely for the Q row (spec.md §6); the
// engine passes through whatever Poisson source triggered this send.
func (e *Engine) emitQuery(f *flow, poissonID uint32, interval time.Duration) error {
	queryID := f.allocQueryID()
	sendAt, wallAt := sampleClocks()
	f.stamp(queryID, sendAt)

	var payload []byte
	switch f.transport {
	case config.TransportUDP:
		payload = buildUDPPayload(e.scratch[:], queryID)
	default:
		payload = buildTCPPayload(e.scratch[:], queryID)
	}

	if _, err := f.conn.Write(payload); err != nil {
		return err
	}

	e.metrics.RecordQuery()
	if e.csv != nil {
		_ = e.csv.WriteQuery(wallAt, f.connID, queryID, poissonID, interval.Microseconds())
	}
	return nil
}
