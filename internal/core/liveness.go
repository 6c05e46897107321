package core

import (
	"sync"
	"time"
)

// LivenessMonitor tracks "last seen alive" for one push-style input.
// Touch is called from multiple paths (explicit client heartbeat and
// engine-reported media-flow events) without coordination; last write wins,
// which is correct because both signal the same fact.
type LivenessMonitor struct {
	mu      sync.Mutex
	lastAck time.Time
}

func NewLivenessMonitor() *LivenessMonitor {
	return &LivenessMonitor{lastAck: time.Now()}
}

func (m *LivenessMonitor) Touch() {
	m.TouchAt(time.Now())
}

func (m *LivenessMonitor) TouchAt(t time.Time) {
	m.mu.Lock()
	m.lastAck = t
	m.mu.Unlock()
}

func (m *LivenessMonitor) LastAck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAck
}

func (m *LivenessMonitor) IsLive(ttl time.Duration, now time.Time) bool {
	return now.Sub(m.LastAck()) <= ttl
}
