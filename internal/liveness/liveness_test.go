package liveness

import (
	"testing"
	"time"
)

func TestNewTrackerStartsAlive(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	if tr.DeadSince(time.Now(), ClientDeadPeerThreshold) {
		t.Fatal("expected freshly created tracker to be alive")
	}
}

func TestDeadSinceAfterThreshold(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	past := time.Now().Add(-100 * time.Millisecond)
	tr.lastPongUnixNano.Store(past.UnixNano())
	if !tr.DeadSince(time.Now(), 50*time.Millisecond) {
		t.Fatal("expected tracker with no recent pong to be dead past threshold")
	}
}

func TestRecordPongResetsDeadline(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.RecordPong()
	if tr.DeadSince(time.Now(), 10*time.Millisecond) {
		t.Fatal("expected tracker to be alive immediately after RecordPong")
	}
}

func TestMissedPongFalseBeforePing(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	if tr.MissedPong(time.Now()) {
		t.Fatal("expected no missed pong before any ping was sent")
	}
}

func TestMissedPongTrueAfterPingWithoutPong(t *testing.T) {
	t.Parallel()

	tr := &Tracker{}
	tr.RecordPingSent()
	time.Sleep(5 * time.Millisecond)
	if !tr.MissedPong(time.Now()) {
		t.Fatal("expected missed pong after ping sent and no pong recorded")
	}
}

func TestMissedPongFalseAfterPong(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.RecordPingSent()
	tr.RecordPong()
	if tr.MissedPong(time.Now()) {
		t.Fatal("expected no missed pong once pong follows ping")
	}
}
