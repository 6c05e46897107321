package app

import (
	"time"

	"github.com/openmix/roomd/internal/domain"
)

type IdleAction int

const (
	IdleKeep IdleAction = iota
	IdleEvict
)

// IdlePolicy decides what to do with a telemetry source whose payload
// signature has stopped changing. The router computes the idle duration
// either way; only the action is pluggable.
type IdlePolicy interface {
	OnIdle(src domain.SourceID, idleFor time.Duration) IdleAction
}

// StickyPolicy never evicts: game rooms stay alive once created and the idle
// duration remains a pure diagnostic.
type StickyPolicy struct{}

func (StickyPolicy) OnIdle(domain.SourceID, time.Duration) IdleAction { return IdleKeep }

// IdleEvictPolicy closes a source's room after the threshold of no movement.
type IdleEvictPolicy struct {
	Threshold time.Duration
}

func (p IdleEvictPolicy) OnIdle(_ domain.SourceID, idleFor time.Duration) IdleAction {
	if p.Threshold > 0 && idleFor >= p.Threshold {
		return IdleEvict
	}
	return IdleKeep
}
