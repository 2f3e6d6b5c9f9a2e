package engine

import "testing"

func TestDrainOneTCPFrameIncomplete(t *testing.T) {
	e := &Engine{}
	buf := []byte{0x00, 0x1d, 0x00, 0x01} // claims 29 more bytes, none present
	_, ok := e.drainOneTCPFrame(&flow{ring: make([]monoStamp, 20)}, buf)
	if ok {
		t.Fatal("expected incomplete frame to not be consumed")
	}
}

func TestDrainOneTCPFrameShortHeader(t *testing.T) {
	e := &Engine{}
	buf := []byte{0x00, 0x1d}
	_, ok := e.drainOneTCPFrame(&flow{ring: make([]monoStamp, 20)}, buf)
	if ok {
		t.Fatal("expected sub-4-byte buffer to not be consumed")
	}
}

func TestDrainOneTCPFrameComplete(t *testing.T) {
	e := &Engine{loop: NewLoop(1)}
	f := &flow{ring: make([]monoStamp, 20)}
	queryID := uint16(7)
	f.stamp(queryID, newMonoStamp())

	payload := buildTCPPayload(nil, queryID)
	consumed, ok := e.drainOneTCPFrame(f, payload)
	if !ok {
		t.Fatal("expected complete frame to be consumed")
	}
	if consumed != len(payload) {
		t.Fatalf("expected to consume %d bytes, got %d", len(payload), consumed)
	}
}
