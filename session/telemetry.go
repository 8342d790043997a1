package session

import "sync/atomic"

type telemetryCounters struct {
	bytesSent     atomic.Uint64
	posBroadcasts atomic.Uint64
	framesPumped  atomic.Uint64
	reconnects    atomic.Uint64
	callsOpened   atomic.Uint64
	callsClosed   atomic.Uint64
}

type TelemetrySnapshot struct {
	BytesSent     uint64 `json:"bytesSent"`
	PosBroadcasts uint64 `json:"posBroadcasts"`
	FramesPumped  uint64 `json:"framesPumped"`
	Reconnects    uint64 `json:"reconnects"`
	CallsOpened   uint64 `json:"callsOpened"`
	CallsClosed   uint64 `json:"callsClosed"`
}

func (t *telemetryCounters) RecordSend(bytes int) {
	if bytes > 0 {
		t.bytesSent.Add(uint64(bytes))
	}
}

func (t *telemetryCounters) snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		BytesSent:     t.bytesSent.Load(),
		PosBroadcasts: t.posBroadcasts.Load(),
		FramesPumped:  t.framesPumped.Load(),
		Reconnects:    t.reconnects.Load(),
		CallsOpened:   t.callsOpened.Load(),
		CallsClosed:   t.callsClosed.Load(),
	}
}
