package engine

import "time"

// monoStamp wraps a monotonic read of time.Now(), kept as its own type so
// a ring slot can never be compared against a WALL timestamp by mistake.
type monoStamp struct {
	t time.Time
}

func newMonoStamp() monoStamp {
	return monoStamp{t: time.Now()}
}

// sampleClocks returns independent MONO and WALL samples, in that order,
// matching spec.md §4.4's matcher requirement: sample clocks first, then
// check framing completeness, and never mix the two when computing RTT.
func sampleClocks() (mono monoStamp, wall time.Time) {
	return newMonoStamp(), time.Now()
}

// rttSince computes a non-negative RTT from a MONO send timestamp to a
// MONO receive timestamp, clamping underflow to zero per spec.md §4.4
// step 4 ("never negative").
func rttSince(sendMono, recvMono monoStamp) time.Duration {
	d := recvMono.t.Sub(sendMono.t)
	if d < 0 {
		return 0
	}
	return d
}

// rttMicros formats a duration as the rtt_us column per spec.md §6:
// floor(rtt_ns/1000) + 1_000_000*rtt_sec. Since rtt is already a
// non-negative time.Duration, this is just integer microseconds.
func rttMicros(d time.Duration) int64 {
	return int64(d / time.Microsecond)
}
