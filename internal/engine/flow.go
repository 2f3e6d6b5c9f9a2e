package engine

import (
	"io"
	"math"

	"github.com/paragkamble/dnsgen/internal/config"
)

// minRingSize and maxRingSize bound the per-flow outstanding-query ring,
// per spec.md §4.4: clamp(ceil(8*MAX_RTT_MSEC*max_rate/C/1000), 20, 65535).
const (
	minRingSize = 20
	maxRingSize = 65535
)

// ringSize computes W for a flow pool of C flows sharing an aggregate
// target rate of maxRateQPS, bounding for a worst-case RTT of
// maxRTTMsec before a slot is considered safe to reuse.
func ringSize(maxRTTMsec float64, maxRateQPS float64, flowCount int) int {
	if flowCount <= 0 {
		flowCount = 1
	}
	raw := math.Ceil(8 * maxRTTMsec * maxRateQPS / float64(flowCount) / 1000)
	w := int(raw)
	if w < minRingSize {
		w = minRingSize
	}
	if w > maxRingSize {
		w = maxRingSize
	}
	return w
}

// flowWriter is the subset of net.Conn a flow needs; kept narrow so tests
// can substitute an in-memory pipe.
type flowWriter interface {
	io.Writer
	io.Closer
}

// flow is one established connection (spec.md §4.3). Its ring buffer
// tracks the send timestamps of outstanding queries, indexed by
// query_id mod W, mirroring original_source/tcpclient.c's per-connection
// timestamps array.
type flow struct {
	connID      uint32
	conn        flowWriter
	transport   config.Transport
	ring        []monoStamp
	nextQueryID uint16
}

func newFlow(connID uint32, conn flowWriter, transport config.Transport, ringW int) *flow {
	return &flow{
		connID:    connID,
		conn:      conn,
		transport: transport,
		ring:      make([]monoStamp, ringW),
	}
}

// slot returns the ring index for a query ID.
func (f *flow) slot(queryID uint16) int {
	return int(queryID) % len(f.ring)
}

// stamp records a send at the given MONO time, per spec.md §3: the ring
// holds timestamps only (`timestamps[q mod W]`), with no stored query id
// to detect overwrite against — an older entry may already have been
// overwritten, and that is by design (§4.4 "Ring-overwrite policy").
func (f *flow) stamp(queryID uint16, at monoStamp) {
	f.ring[f.slot(queryID)] = at
}

// take returns the send time stamped at this query id's ring slot,
// whatever it currently holds. spec.md §4.4/§7 are explicit that the
// matcher does not detect staleness: an overwritten slot just yields an
// inaccurate RTT, it never suppresses the A row.
func (f *flow) take(queryID uint16) monoStamp {
	return f.ring[f.slot(queryID)]
}

// allocQueryID returns the next query ID to use and advances the
// counter, wrapping at 65536 per the wire format's 16-bit field.
func (f *flow) allocQueryID() uint16 {
	id := f.nextQueryID
	f.nextQueryID++
	return id
}

// flowPool holds every established flow, keyed by connection_id, and
// supports the uniform-random flow selection spec.md §4.2 requires when
// a Poisson source fires.
type flowPool struct {
	flows []*flow
}

func newFlowPool() *flowPool {
	return &flowPool{}
}

func (p *flowPool) add(f *flow) {
	p.flows = append(p.flows, f)
}

func (p *flowPool) remove(connID uint32) {
	for i, f := range p.flows {
		if f.connID == connID {
			p.flows = append(p.flows[:i], p.flows[i+1:]...)
			return
		}
	}
}

func (p *flowPool) count() int {
	return len(p.flows)
}

// pickUniform returns a uniformly random live flow using the supplied
// source of randomness, or nil if no flows are connected yet (the caller
// should drop the tick per spec.md §4.2 edge case).
func (p *flowPool) pickUniform(intn func(n int) int) *flow {
	n := len(p.flows)
	if n == 0 {
		return nil
	}
	return p.flows[intn(n)]
}

func (p *flowPool) byID(connID uint32) *flow {
	for _, f := range p.flows {
		if f.connID == connID {
			return f
		}
	}
	return nil
}
